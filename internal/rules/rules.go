// Package rules evaluates expectation constraints against observation
// history. Evaluation is pure: no I/O, no wall clock — callers pass the
// snapshot and the current time, which keeps every verdict reproducible.
package rules

import (
	"encoding/json"
	"fmt"

	"github.com/marcus-qen/rewire/internal/store"
)

// ScheduleParams are the type-specific constraints of a schedule
// expectation. Zero values disable the corresponding check.
type ScheduleParams struct {
	MaxRuntimeS  int64 `json:"max_runtime_s"`
	MinSpacingS  int64 `json:"min_spacing_s"`
	AllowOverlap bool  `json:"allow_overlap"`
}

// AlertPathParams are the type-specific constraints of an alert-path
// expectation. Both fields are required and positive.
type AlertPathParams struct {
	AckWindowS    int64 `json:"ack_window_s"`
	TestIntervalS int64 `json:"test_interval_s"`
}

// ParseScheduleParams parses schedule params from JSON. Absent fields
// default to disabled.
func ParseScheduleParams(paramsJSON string) (ScheduleParams, error) {
	var p ScheduleParams
	if err := json.Unmarshal([]byte(paramsJSON), &p); err != nil {
		return ScheduleParams{}, fmt.Errorf("parse schedule params: %w", err)
	}
	if p.MaxRuntimeS < 0 || p.MinSpacingS < 0 {
		return ScheduleParams{}, fmt.Errorf("schedule params must be non-negative")
	}
	return p, nil
}

// ParseAlertPathParams parses alert-path params from JSON.
func ParseAlertPathParams(paramsJSON string) (AlertPathParams, error) {
	var p AlertPathParams
	if err := json.Unmarshal([]byte(paramsJSON), &p); err != nil {
		return AlertPathParams{}, fmt.Errorf("parse alert_path params: %w", err)
	}
	if p.AckWindowS <= 0 {
		return AlertPathParams{}, fmt.Errorf("ack_window_s must be positive")
	}
	if p.TestIntervalS <= 0 {
		return AlertPathParams{}, fmt.Errorf("test_interval_s must be positive")
	}
	return p, nil
}

// ValidateParams checks that params_json parses for the given type. Used
// by the admin surface before an expectation is persisted.
func ValidateParams(t store.ExpectationType, paramsJSON string) error {
	switch t {
	case store.TypeSchedule:
		_, err := ParseScheduleParams(paramsJSON)
		return err
	case store.TypeAlertPath:
		_, err := ParseAlertPathParams(paramsJSON)
		return err
	default:
		return fmt.Errorf("unknown expectation type %q", t)
	}
}

// Evidence is the structured payload that justifies one violation.
type Evidence map[string]any

// Finding is one violation code the evaluator says should be open, with
// the evidence that justifies it.
type Finding struct {
	Code     string
	Message  string
	Evidence Evidence
}

// Verdict is the outcome of one evaluation pass. Open and Close are
// disjoint by construction: a code appears in exactly one of them, or in
// neither when the evaluator has no opinion.
type Verdict struct {
	Open  []Finding
	Close []string
}

func (v *Verdict) open(code, message string, ev Evidence) {
	v.Open = append(v.Open, Finding{Code: code, Message: message, Evidence: ev})
}

func (v *Verdict) close(code string) {
	v.Close = append(v.Close, code)
}

// EvaluateSchedule checks schedule constraints. Observations must be
// sorted newest first; now is epoch seconds.
func EvaluateSchedule(exp store.Expectation, obs []store.Observation, now int64) (Verdict, error) {
	params, err := ParseScheduleParams(exp.ParamsJSON)
	if err != nil {
		return Verdict{}, err
	}

	var verdict Verdict
	threshold := exp.ExpectedIntervalS + exp.ToleranceS

	lastStart := findKind(obs, store.KindStart, 0)
	if lastStart == nil {
		// Never started: no opinion on missed (nothing to cite), and the
		// job cannot be running.
		verdict.close(store.CodeLongrun)
		verdict.close(store.CodeOverlap)
		return verdict, nil
	}

	age := now - lastStart.ObservedAt
	if age > threshold {
		verdict.open(store.CodeMissed,
			fmt.Sprintf("Expected a start within %ds (+%ds); last start was %ds ago.",
				exp.ExpectedIntervalS, exp.ToleranceS, age),
			Evidence{
				"last_start_at": lastStart.ObservedAt,
				"age_s":         age,
				"expected_s":    exp.ExpectedIntervalS,
				"tolerance_s":   exp.ToleranceS,
			})
	} else {
		verdict.close(store.CodeMissed)
	}

	newerEnd := findEndAtOrAfter(obs, lastStart.ObservedAt)
	running := newerEnd == nil

	if running {
		runFor := now - lastStart.ObservedAt
		if params.MaxRuntimeS > 0 && runFor > params.MaxRuntimeS {
			verdict.open(store.CodeLongrun,
				fmt.Sprintf("Run exceeded max_runtime_s=%d; running for %ds.", params.MaxRuntimeS, runFor),
				Evidence{
					"start_at":      lastStart.ObservedAt,
					"running_for_s": runFor,
					"max_runtime_s": params.MaxRuntimeS,
				})
		} else {
			verdict.close(store.CodeLongrun)
		}

		if !params.AllowOverlap {
			secondStart := findKind(obs, store.KindStart, 1)
			prevEnd := findEndBefore(obs, lastStart.ObservedAt)
			if secondStart != nil &&
				secondStart.ObservedAt < lastStart.ObservedAt &&
				(prevEnd == nil || secondStart.ObservedAt >= prevEnd.ObservedAt) {
				// A second start with no intervening end.
				verdict.open(store.CodeOverlap,
					"Detected overlapping runs.",
					Evidence{
						"newest_start_at": lastStart.ObservedAt,
						"other_start_at":  secondStart.ObservedAt,
					})
			} else {
				verdict.close(store.CodeOverlap)
			}
		} else {
			verdict.close(store.CodeOverlap)
		}
		return verdict, nil
	}

	// Completed run.
	verdict.close(store.CodeLongrun)
	verdict.close(store.CodeOverlap)

	if params.MinSpacingS > 0 {
		prevEnd := findEndBefore(obs, lastStart.ObservedAt)
		if prevEnd != nil {
			gap := lastStart.ObservedAt - prevEnd.ObservedAt
			if gap < params.MinSpacingS {
				verdict.open(store.CodeSpacing,
					fmt.Sprintf("Start occurred %ds after previous end; min_spacing_s=%d.", gap, params.MinSpacingS),
					Evidence{
						"gap_s":         gap,
						"min_spacing_s": params.MinSpacingS,
						"prev_end_at":   prevEnd.ObservedAt,
						"start_at":      lastStart.ObservedAt,
					})
			} else {
				verdict.close(store.CodeSpacing)
			}
		} else {
			verdict.close(store.CodeSpacing)
		}
	} else {
		verdict.close(store.CodeSpacing)
	}

	return verdict, nil
}

// AlertPathResult is the outcome of one alert-path evaluation pass.
type AlertPathResult struct {
	Verdict Verdict

	// ShouldIssueTrial says a new synthetic trial is due.
	ShouldIssueTrial bool

	// TrialsToExpire lists pending trials past the ack window; the caller
	// must expire them before opening no_ack.
	TrialsToExpire []store.AlertTrial
}

// EvaluateAlertPath checks alert-path constraints. lastObservedAt is the
// newest observation of any kind (nil = none); pending are the pending
// trials; lastSettled is the newest acked or expired trial (nil = none).
//
// no_ack should be open iff the newest settled trial is expired: a later
// acked trial is the evidence that the path delivers again.
func EvaluateAlertPath(
	exp store.Expectation,
	lastObservedAt *int64,
	pending []store.AlertTrial,
	lastSettled *store.AlertTrial,
	now int64,
) (AlertPathResult, error) {
	params, err := ParseAlertPathParams(exp.ParamsJSON)
	if err != nil {
		return AlertPathResult{}, err
	}

	var res AlertPathResult

	res.ShouldIssueTrial = lastObservedAt == nil || now-*lastObservedAt >= params.TestIntervalS

	window := params.AckWindowS + exp.ToleranceS
	var newestExpiring *store.AlertTrial
	for i := range pending {
		t := pending[i]
		if now-t.SentAt > window {
			res.TrialsToExpire = append(res.TrialsToExpire, t)
			if newestExpiring == nil || t.SentAt > newestExpiring.SentAt {
				trial := t
				newestExpiring = &trial
			}
		}
	}

	switch {
	case newestExpiring != nil:
		res.Verdict.open(store.CodeNoAck,
			fmt.Sprintf("No ACK received within %ds (+%ds).", params.AckWindowS, exp.ToleranceS),
			Evidence{
				"trial_id": newestExpiring.ID,
				"sent_at":  newestExpiring.SentAt,
				"age_s":    now - newestExpiring.SentAt,
			})
	case lastSettled != nil && lastSettled.Status == store.TrialExpired:
		// Still broken: the most recent settled trial went unacknowledged.
		res.Verdict.open(store.CodeNoAck,
			fmt.Sprintf("No ACK received within %ds (+%ds).", params.AckWindowS, exp.ToleranceS),
			Evidence{
				"trial_id": lastSettled.ID,
				"sent_at":  lastSettled.SentAt,
				"age_s":    now - lastSettled.SentAt,
			})
	default:
		res.Verdict.close(store.CodeNoAck)
	}

	return res, nil
}

// findKind returns the nth newest observation of the given kind (0-based),
// or nil.
func findKind(obs []store.Observation, kind store.ObservationKind, nth int) *store.Observation {
	seen := 0
	for i := range obs {
		if obs[i].Kind != kind {
			continue
		}
		if seen == nth {
			return &obs[i]
		}
		seen++
	}
	return nil
}

// findEndAtOrAfter returns the newest end observed at or after t, or nil.
func findEndAtOrAfter(obs []store.Observation, t int64) *store.Observation {
	for i := range obs {
		if obs[i].Kind == store.KindEnd && obs[i].ObservedAt >= t {
			return &obs[i]
		}
	}
	return nil
}

// findEndBefore returns the newest end observed strictly before t, or nil.
func findEndBefore(obs []store.Observation, t int64) *store.Observation {
	for i := range obs {
		if obs[i].Kind == store.KindEnd && obs[i].ObservedAt < t {
			return &obs[i]
		}
	}
	return nil
}
