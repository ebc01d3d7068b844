package rules

import (
	"testing"

	"github.com/marcus-qen/rewire/internal/store"
)

func scheduleExp(t *testing.T, paramsJSON string) store.Expectation {
	t.Helper()
	return store.Expectation{
		ID:                "exp-sched",
		Type:              store.TypeSchedule,
		Name:              "nightly-backup",
		OwnerContact:      "ops@example.com",
		ExpectedIntervalS: 3600,
		ToleranceS:        300,
		ParamsJSON:        paramsJSON,
		Enabled:           true,
	}
}

func alertPathExp(t *testing.T, paramsJSON string) store.Expectation {
	t.Helper()
	return store.Expectation{
		ID:                "exp-ap",
		Type:              store.TypeAlertPath,
		Name:              "pager-email",
		OwnerContact:      "oncall@example.com",
		ExpectedIntervalS: 3600,
		ToleranceS:        60,
		ParamsJSON:        paramsJSON,
		Enabled:           true,
	}
}

// newestFirst builds an observation slice sorted newest first from
// (kind, observedAt) pairs given oldest first.
func newestFirst(pairs ...any) []store.Observation {
	var obs []store.Observation
	for i := 0; i+1 < len(pairs); i += 2 {
		obs = append(obs, store.Observation{
			Kind:       pairs[i].(store.ObservationKind),
			ObservedAt: int64(pairs[i+1].(int)),
		})
	}
	for i, j := 0, len(obs)-1; i < j; i, j = i+1, j-1 {
		obs[i], obs[j] = obs[j], obs[i]
	}
	return obs
}

func hasOpen(v Verdict, code string) bool {
	for _, f := range v.Open {
		if f.Code == code {
			return true
		}
	}
	return false
}

func hasClose(v Verdict, code string) bool {
	for _, c := range v.Close {
		if c == code {
			return true
		}
	}
	return false
}

func TestScheduleMissedBoundary(t *testing.T) {
	exp := scheduleExp(t, "{}")
	obs := newestFirst(store.KindStart, 1000, store.KindEnd, 1010)

	// Exactly at threshold: not missed. threshold = 3600 + 300.
	v, err := EvaluateSchedule(exp, obs, 1000+3900)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if hasOpen(v, store.CodeMissed) {
		t.Error("missed opened at exact threshold")
	}
	if !hasClose(v, store.CodeMissed) {
		t.Error("missed not closed at exact threshold")
	}

	// One second past: missed.
	v, err = EvaluateSchedule(exp, obs, 1000+3901)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !hasOpen(v, store.CodeMissed) {
		t.Error("missed not opened past threshold")
	}
}

func TestScheduleMissedEvidence(t *testing.T) {
	exp := scheduleExp(t, "{}")
	obs := newestFirst(store.KindStart, 1000)

	v, err := EvaluateSchedule(exp, obs, 10000)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	var found *Finding
	for i := range v.Open {
		if v.Open[i].Code == store.CodeMissed {
			found = &v.Open[i]
		}
	}
	if found == nil {
		t.Fatal("expected missed finding")
	}
	if found.Evidence["last_start_at"] != int64(1000) {
		t.Errorf("last_start_at = %v, want 1000", found.Evidence["last_start_at"])
	}
	if found.Evidence["age_s"] != int64(9000) {
		t.Errorf("age_s = %v, want 9000", found.Evidence["age_s"])
	}
}

func TestScheduleNoStartsHasNoMissedOpinion(t *testing.T) {
	exp := scheduleExp(t, "{}")

	v, err := EvaluateSchedule(exp, nil, 99999)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if hasOpen(v, store.CodeMissed) || hasClose(v, store.CodeMissed) {
		t.Error("evaluator should have no opinion on missed with no starts")
	}
	// Not running, so longrun and overlap close.
	if !hasClose(v, store.CodeLongrun) || !hasClose(v, store.CodeOverlap) {
		t.Error("longrun/overlap should close when job never started")
	}
}

func TestScheduleLongrunBoundary(t *testing.T) {
	exp := scheduleExp(t, `{"max_runtime_s": 600}`)
	obs := newestFirst(store.KindStart, 1000)

	// Exactly at max runtime: still fine.
	v, err := EvaluateSchedule(exp, obs, 1600)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if hasOpen(v, store.CodeLongrun) {
		t.Error("longrun opened at exact max_runtime_s")
	}

	// One second over: longrun.
	v, err = EvaluateSchedule(exp, obs, 1601)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !hasOpen(v, store.CodeLongrun) {
		t.Error("longrun not opened past max_runtime_s")
	}
}

func TestScheduleLongrunDisabled(t *testing.T) {
	exp := scheduleExp(t, "{}")
	obs := newestFirst(store.KindStart, 1000)

	v, err := EvaluateSchedule(exp, obs, 999999)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if hasOpen(v, store.CodeLongrun) {
		t.Error("longrun opened with max_runtime_s=0")
	}
}

func TestScheduleLongrunClosesAfterEnd(t *testing.T) {
	exp := scheduleExp(t, `{"max_runtime_s": 600}`)
	obs := newestFirst(store.KindStart, 1000, store.KindEnd, 2500)

	v, err := EvaluateSchedule(exp, obs, 2600)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if hasOpen(v, store.CodeLongrun) {
		t.Error("longrun still open after run ended")
	}
	if !hasClose(v, store.CodeLongrun) {
		t.Error("longrun not closed after run ended")
	}
}

func TestScheduleOverlap(t *testing.T) {
	exp := scheduleExp(t, "{}")

	// Two starts, no intervening end.
	obs := newestFirst(store.KindStart, 1000, store.KindStart, 1200)
	v, err := EvaluateSchedule(exp, obs, 1300)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !hasOpen(v, store.CodeOverlap) {
		t.Error("overlap not detected for two starts without end")
	}

	// End between the two starts: no overlap.
	obs = newestFirst(store.KindStart, 1000, store.KindEnd, 1100, store.KindStart, 1200)
	v, err = EvaluateSchedule(exp, obs, 1300)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if hasOpen(v, store.CodeOverlap) {
		t.Error("overlap reported despite intervening end")
	}
	if !hasClose(v, store.CodeOverlap) {
		t.Error("overlap not closed")
	}
}

func TestScheduleOverlapAllowed(t *testing.T) {
	exp := scheduleExp(t, `{"allow_overlap": true}`)
	obs := newestFirst(store.KindStart, 1000, store.KindStart, 1200)

	v, err := EvaluateSchedule(exp, obs, 1300)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if hasOpen(v, store.CodeOverlap) {
		t.Error("overlap reported with allow_overlap=true")
	}
	if !hasClose(v, store.CodeOverlap) {
		t.Error("overlap not closed with allow_overlap=true")
	}
}

func TestScheduleSpacingBoundary(t *testing.T) {
	exp := scheduleExp(t, `{"min_spacing_s": 300}`)

	// Gap exactly at minimum: fine.
	obs := newestFirst(
		store.KindStart, 1000, store.KindEnd, 1100,
		store.KindStart, 1400, store.KindEnd, 1500,
	)
	v, err := EvaluateSchedule(exp, obs, 1600)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if hasOpen(v, store.CodeSpacing) {
		t.Error("spacing opened at exact min_spacing_s")
	}

	// Gap one short: violation.
	obs = newestFirst(
		store.KindStart, 1000, store.KindEnd, 1100,
		store.KindStart, 1399, store.KindEnd, 1500,
	)
	v, err = EvaluateSchedule(exp, obs, 1600)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !hasOpen(v, store.CodeSpacing) {
		t.Error("spacing not opened below min_spacing_s")
	}
}

func TestScheduleSpacingNeedsPreviousRun(t *testing.T) {
	exp := scheduleExp(t, `{"min_spacing_s": 300}`)
	obs := newestFirst(store.KindStart, 1000, store.KindEnd, 1100)

	v, err := EvaluateSchedule(exp, obs, 1200)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if hasOpen(v, store.CodeSpacing) {
		t.Error("spacing opened without a previous run to measure against")
	}
	if !hasClose(v, store.CodeSpacing) {
		t.Error("spacing not closed")
	}
}

func TestScheduleBadParams(t *testing.T) {
	exp := scheduleExp(t, "{not json")
	if _, err := EvaluateSchedule(exp, nil, 1000); err == nil {
		t.Fatal("expected error for malformed params_json")
	}

	exp = scheduleExp(t, `{"max_runtime_s": -1}`)
	if _, err := EvaluateSchedule(exp, nil, 1000); err == nil {
		t.Fatal("expected error for negative max_runtime_s")
	}
}

func TestAlertPathTrialDue(t *testing.T) {
	exp := alertPathExp(t, `{"test_interval_s": 86400, "ack_window_s": 900}`)

	// No observations at all: a trial is due.
	res, err := EvaluateAlertPath(exp, nil, nil, nil, 5000)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !res.ShouldIssueTrial {
		t.Error("trial not due with no observation history")
	}

	// Recent activity: not due.
	last := int64(5000 - 100)
	res, err = EvaluateAlertPath(exp, &last, nil, nil, 5000)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.ShouldIssueTrial {
		t.Error("trial due despite recent observation")
	}

	// Exactly test_interval_s since the last observation: due.
	last = int64(5000)
	res, err = EvaluateAlertPath(exp, &last, nil, nil, 5000+86400)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !res.ShouldIssueTrial {
		t.Error("trial not due at exact test interval")
	}
}

func TestAlertPathExpiryBoundary(t *testing.T) {
	exp := alertPathExp(t, `{"test_interval_s": 86400, "ack_window_s": 900}`)
	pending := []store.AlertTrial{
		{ID: "t1", ExpectationID: exp.ID, SentAt: 1000, Status: store.TrialPending},
	}
	last := int64(1000)

	// Window is ack_window_s + tolerance_s = 960. At exactly 960s: still ok.
	res, err := EvaluateAlertPath(exp, &last, pending, nil, 1000+960)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(res.TrialsToExpire) != 0 {
		t.Error("trial expired at exact window boundary")
	}
	if hasOpen(res.Verdict, store.CodeNoAck) {
		t.Error("no_ack opened at exact window boundary")
	}

	// One second past the window.
	res, err = EvaluateAlertPath(exp, &last, pending, nil, 1000+961)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(res.TrialsToExpire) != 1 || res.TrialsToExpire[0].ID != "t1" {
		t.Fatalf("TrialsToExpire = %v, want [t1]", res.TrialsToExpire)
	}
	if !hasOpen(res.Verdict, store.CodeNoAck) {
		t.Error("no_ack not opened past the window")
	}
}

func TestAlertPathNoAckCitesNewestExpiring(t *testing.T) {
	exp := alertPathExp(t, `{"test_interval_s": 86400, "ack_window_s": 900}`)
	pending := []store.AlertTrial{
		{ID: "old", ExpectationID: exp.ID, SentAt: 1000, Status: store.TrialPending},
		{ID: "new", ExpectationID: exp.ID, SentAt: 2000, Status: store.TrialPending},
	}
	last := int64(2000)

	res, err := EvaluateAlertPath(exp, &last, pending, nil, 10000)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(res.TrialsToExpire) != 2 {
		t.Fatalf("want both trials expired, got %d", len(res.TrialsToExpire))
	}
	var finding *Finding
	for i := range res.Verdict.Open {
		if res.Verdict.Open[i].Code == store.CodeNoAck {
			finding = &res.Verdict.Open[i]
		}
	}
	if finding == nil {
		t.Fatal("expected no_ack finding")
	}
	if finding.Evidence["trial_id"] != "new" {
		t.Errorf("no_ack cites %v, want the newest expiring trial", finding.Evidence["trial_id"])
	}
}

func TestAlertPathSettledTrialDrivesNoAck(t *testing.T) {
	exp := alertPathExp(t, `{"test_interval_s": 86400, "ack_window_s": 900}`)
	last := int64(5000)

	// Newest settled trial expired: no_ack stays open even with nothing
	// pending.
	expired := &store.AlertTrial{ID: "t1", ExpectationID: exp.ID, SentAt: 1000, Status: store.TrialExpired}
	res, err := EvaluateAlertPath(exp, &last, nil, expired, 5000)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !hasOpen(res.Verdict, store.CodeNoAck) {
		t.Error("no_ack not open while newest settled trial is expired")
	}

	// Newest settled trial acked: the path delivers again.
	ackedAt := int64(4500)
	acked := &store.AlertTrial{ID: "t2", ExpectationID: exp.ID, SentAt: 4000, AckedAt: &ackedAt, Status: store.TrialAcked}
	res, err = EvaluateAlertPath(exp, &last, nil, acked, 5000)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if hasOpen(res.Verdict, store.CodeNoAck) {
		t.Error("no_ack open despite newest settled trial being acked")
	}
	if !hasClose(res.Verdict, store.CodeNoAck) {
		t.Error("no_ack not closed")
	}
}

func TestAlertPathBadParams(t *testing.T) {
	for _, params := range []string{
		"{not json",
		"{}",
		`{"test_interval_s": 86400}`,
		`{"ack_window_s": 900}`,
		`{"test_interval_s": 0, "ack_window_s": 900}`,
		`{"test_interval_s": 86400, "ack_window_s": -1}`,
	} {
		exp := alertPathExp(t, params)
		if _, err := EvaluateAlertPath(exp, nil, nil, nil, 1000); err == nil {
			t.Errorf("params %q: expected error", params)
		}
	}
}

func TestValidateParams(t *testing.T) {
	if err := ValidateParams(store.TypeSchedule, "{}"); err != nil {
		t.Errorf("schedule {} should be valid: %v", err)
	}
	if err := ValidateParams(store.TypeAlertPath, "{}"); err == nil {
		t.Error("alert_path {} should be invalid")
	}
	if err := ValidateParams(store.TypeAlertPath, `{"test_interval_s": 86400, "ack_window_s": 900}`); err != nil {
		t.Errorf("valid alert_path params rejected: %v", err)
	}
	if err := ValidateParams("bogus", "{}"); err == nil {
		t.Error("unknown type should be invalid")
	}
}
