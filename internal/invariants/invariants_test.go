package invariants

import (
	"path/filepath"
	"testing"

	"github.com/marcus-qen/rewire/internal/clock"
	"github.com/marcus-qen/rewire/internal/store"
)

func newTestStore(t *testing.T) (*store.Store, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(1000)
	st, err := store.NewStore(filepath.Join(t.TempDir(), "rewire.db"), clk)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, clk
}

func createSchedule(t *testing.T, st *store.Store, id string) {
	t.Helper()
	_, err := st.CreateExpectation(store.Expectation{
		ID:                id,
		Type:              store.TypeSchedule,
		Name:              "job-" + id,
		OwnerContact:      "ops@example.com",
		ExpectedIntervalS: 3600,
		ToleranceS:        300,
		ParamsJSON:        `{"max_runtime_s": 600}`,
		Enabled:           true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
}

func TestCleanDatabasePasses(t *testing.T) {
	st, _ := newTestStore(t)
	createSchedule(t, st, "e1")
	if _, err := st.AppendObservation("e1", store.KindStart, ""); err != nil {
		t.Fatalf("observe: %v", err)
	}

	_, failed, _, err := CheckAll(st)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if failed != 0 {
		t.Errorf("failed = %d on a consistent database", failed)
	}
}

func TestDetectsUnjustifiedMissed(t *testing.T) {
	st, _ := newTestStore(t)
	createSchedule(t, st, "e1")
	if _, err := st.AppendObservation("e1", store.KindStart, ""); err != nil {
		t.Fatalf("observe: %v", err)
	}

	// Open a missed violation while the job is perfectly on time.
	if _, err := st.CreateViolation("e1", store.CodeMissed, "bogus", "{}"); err != nil {
		t.Fatalf("create violation: %v", err)
	}

	_, failed, results, err := CheckAll(st)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if failed == 0 {
		t.Fatal("unjustified missed violation not detected")
	}
	found := false
	for _, r := range results {
		if !r.Passed && r.Name == "inv_missed_correct:e1" {
			found = true
		}
	}
	if !found {
		t.Errorf("missed check did not flag e1: %+v", results)
	}
}

func TestDetectsMissingMissed(t *testing.T) {
	st, clk := newTestStore(t)
	createSchedule(t, st, "e1")
	if _, err := st.AppendObservation("e1", store.KindStart, ""); err != nil {
		t.Fatalf("observe: %v", err)
	}

	// Way past the window with no violation row.
	clk.Set(1000 + 99999)

	_, failed, _, err := CheckAll(st)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if failed == 0 {
		t.Error("overdue start without a missed violation not detected")
	}
}

func TestDetectsInconsistentTrials(t *testing.T) {
	st, _ := newTestStore(t)
	_, err := st.CreateExpectation(store.Expectation{
		ID:                "ap",
		Type:              store.TypeAlertPath,
		Name:              "pager",
		OwnerContact:      "oncall@example.com",
		ExpectedIntervalS: 3600,
		ParamsJSON:        `{"test_interval_s": 86400, "ack_window_s": 900}`,
		Enabled:           true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// A properly acked and a properly expired trial both pass.
	if err := st.CreateTrial("t1", "ap", ""); err != nil {
		t.Fatalf("trial: %v", err)
	}
	if _, err := st.AckTrial("t1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := st.CreateTrial("t2", "ap", ""); err != nil {
		t.Fatalf("trial: %v", err)
	}
	if err := st.ExpireTrial("t2"); err != nil {
		t.Fatalf("expire: %v", err)
	}

	_, failed, _, err := CheckAll(st)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if failed != 0 {
		t.Errorf("failed = %d on consistent trials", failed)
	}
}
