// Package invariants runs consistency checks against a live database.
//
// The checks restate the contract the checker maintains: a violation row
// is open iff the observation log justifies it, trial rows have consistent
// state transitions, and the observation log is append-only.
package invariants

import (
	"fmt"

	"github.com/marcus-qen/rewire/internal/rules"
	"github.com/marcus-qen/rewire/internal/store"
)

// Result is the outcome of one invariant check.
type Result struct {
	Name     string
	Passed   bool
	Message  string
	Evidence map[string]any
}

// CheckAll runs every invariant check and returns the aggregate counts
// alongside the individual results.
func CheckAll(st *store.Store) (passed, failed int, results []Result, err error) {
	checks := []func(*store.Store) ([]Result, error){
		checkMissed,
		checkLongrun,
		checkTrialStates,
		checkObservationOrder,
	}
	for _, check := range checks {
		rs, cerr := check(st)
		if cerr != nil {
			return 0, 0, nil, cerr
		}
		results = append(results, rs...)
	}
	for _, r := range results {
		if r.Passed {
			passed++
		} else {
			failed++
		}
	}
	return passed, failed, results, nil
}

// checkMissed verifies that a missed violation is open exactly when the
// time since the last start exceeds expected_interval_s + tolerance_s.
func checkMissed(st *store.Store) ([]Result, error) {
	now := st.Clock().Now()

	exps, err := st.ListEnabled()
	if err != nil {
		return nil, fmt.Errorf("list expectations: %w", err)
	}

	var results []Result
	for _, exp := range exps {
		if exp.Type != store.TypeSchedule {
			continue
		}
		threshold := exp.ExpectedIntervalS + exp.ToleranceS

		lastStart, err := st.LastObservationAt(exp.ID, store.KindStart)
		if err != nil {
			return nil, fmt.Errorf("last start for %s: %w", exp.ID, err)
		}

		shouldBeMissed := false
		if lastStart != nil {
			shouldBeMissed = now-*lastStart > threshold
		}

		open, err := st.OpenViolation(exp.ID, store.CodeMissed)
		if err != nil {
			return nil, fmt.Errorf("open violation for %s: %w", exp.ID, err)
		}
		hasViolation := open != nil

		name := "inv_missed_correct:" + exp.ID
		if shouldBeMissed == hasViolation {
			results = append(results, Result{
				Name:    name,
				Passed:  true,
				Message: "missed violation state matches evidence",
			})
			continue
		}
		results = append(results, Result{
			Name:    name,
			Passed:  false,
			Message: fmt.Sprintf("mismatch: should_be_missed=%v, has_violation=%v", shouldBeMissed, hasViolation),
			Evidence: map[string]any{
				"last_start": lastStart,
				"threshold":  threshold,
				"now":        now,
			},
		})
	}
	return results, nil
}

// checkLongrun verifies that a longrun violation is open exactly when a
// running job has exceeded max_runtime_s.
func checkLongrun(st *store.Store) ([]Result, error) {
	now := st.Clock().Now()

	exps, err := st.ListEnabled()
	if err != nil {
		return nil, fmt.Errorf("list expectations: %w", err)
	}

	var results []Result
	for _, exp := range exps {
		if exp.Type != store.TypeSchedule {
			continue
		}
		params, err := rules.ParseScheduleParams(exp.ParamsJSON)
		if err != nil {
			// A malformed row is the checker's problem, not ours.
			continue
		}
		if params.MaxRuntimeS == 0 {
			continue
		}

		lastStart, err := st.LastObservationAt(exp.ID, store.KindStart)
		if err != nil {
			return nil, fmt.Errorf("last start for %s: %w", exp.ID, err)
		}
		lastEnd, err := st.LastObservationAt(exp.ID, store.KindEnd)
		if err != nil {
			return nil, fmt.Errorf("last end for %s: %w", exp.ID, err)
		}

		isRunning := lastStart != nil && (lastEnd == nil || *lastStart > *lastEnd)
		shouldBeLongrun := isRunning && now-*lastStart > params.MaxRuntimeS

		open, err := st.OpenViolation(exp.ID, store.CodeLongrun)
		if err != nil {
			return nil, fmt.Errorf("open violation for %s: %w", exp.ID, err)
		}
		hasViolation := open != nil

		name := "inv_longrun_correct:" + exp.ID
		if shouldBeLongrun == hasViolation {
			results = append(results, Result{
				Name:    name,
				Passed:  true,
				Message: "longrun violation state matches evidence",
			})
			continue
		}
		results = append(results, Result{
			Name:    name,
			Passed:  false,
			Message: fmt.Sprintf("mismatch: should_be_longrun=%v, has_violation=%v", shouldBeLongrun, hasViolation),
			Evidence: map[string]any{
				"last_start":    lastStart,
				"last_end":      lastEnd,
				"is_running":    isRunning,
				"max_runtime_s": params.MaxRuntimeS,
			},
		})
	}
	return results, nil
}

// checkTrialStates verifies the trial transition contract: acked trials
// carry a timestamp and expired trials carry none.
func checkTrialStates(st *store.Store) ([]Result, error) {
	exps, err := st.ListEnabled()
	if err != nil {
		return nil, fmt.Errorf("list expectations: %w", err)
	}

	var trials []store.AlertTrial
	for _, exp := range exps {
		ts, err := st.AllTrials(exp.ID)
		if err != nil {
			return nil, fmt.Errorf("trials for %s: %w", exp.ID, err)
		}
		trials = append(trials, ts...)
	}

	var results []Result
	for _, t := range trials {
		switch t.Status {
		case store.TrialAcked:
			name := "inv_acked_has_timestamp:" + t.ID
			if t.AckedAt != nil && *t.AckedAt > 0 {
				results = append(results, Result{Name: name, Passed: true, Message: "acked trial has timestamp"})
			} else {
				results = append(results, Result{Name: name, Passed: false, Message: "acked trial missing acked_at"})
			}
		case store.TrialExpired:
			name := "inv_expired_not_acked:" + t.ID
			if t.AckedAt == nil {
				results = append(results, Result{Name: name, Passed: true, Message: "expired trial has no acked_at"})
			} else {
				results = append(results, Result{
					Name:    name,
					Passed:  false,
					Message: fmt.Sprintf("expired trial has acked_at: %d", *t.AckedAt),
				})
			}
		}
	}
	return results, nil
}

// checkObservationOrder verifies observation timestamps never decrease in
// append order.
func checkObservationOrder(st *store.Store) ([]Result, error) {
	exps, err := st.ListEnabled()
	if err != nil {
		return nil, fmt.Errorf("list expectations: %w", err)
	}

	var results []Result
	for _, exp := range exps {
		obs, err := st.RecentObservations(exp.ID, 1000)
		if err != nil {
			return nil, fmt.Errorf("observations for %s: %w", exp.ID, err)
		}

		// Newest first, so timestamps must be non-increasing.
		monotonic := true
		for i := 1; i < len(obs); i++ {
			if obs[i].ObservedAt > obs[i-1].ObservedAt {
				monotonic = false
				break
			}
		}

		name := "inv_observation_monotonic:" + exp.ID
		if monotonic {
			results = append(results, Result{
				Name:    name,
				Passed:  true,
				Message: fmt.Sprintf("observations monotonic (%d checked)", len(obs)),
			})
		} else {
			results = append(results, Result{
				Name:    name,
				Passed:  false,
				Message: "observation timestamps not monotonic",
			})
		}
	}
	return results, nil
}
