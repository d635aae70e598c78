package status

import (
	"fmt"
	"testing"
	"time"

	"github.com/branchsync/branchsync/pkg/errors"
	"github.com/branchsync/branchsync/pkg/health"
)

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time { return c.now }

func newClockedTracker() (*Tracker, *stepClock) {
	clock := &stepClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	cfg := DefaultTrackerConfig()
	cfg.Clock = clock.Now
	return NewTracker(cfg), clock
}

func TestSyncState_String(t *testing.T) {
	tests := []struct {
		state    SyncState
		expected string
	}{
		{StatePending, "pending"},
		{StateSyncing, "syncing"},
		{StateSynced, "synced"},
		{StateError, "error"},
		{SyncState(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if result := tt.state.String(); result != tt.expected {
				t.Errorf("String() = %s, want %s", result, tt.expected)
			}
		})
	}
}

func TestTracker_RunLifecycle(t *testing.T) {
	tracker, clock := newClockedTracker()

	st := tracker.Begin(1, "Downtown", 4)
	if st.Status != StatePending || st.TotalSteps != 4 {
		t.Fatalf("unexpected initial status: %+v", st)
	}

	if err := tracker.MarkSyncing(1); err != nil {
		t.Fatalf("MarkSyncing() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := tracker.StepDone(1, 200*time.Millisecond, nil); err != nil {
			t.Fatalf("StepDone() error = %v", err)
		}
	}

	st, _ = tracker.Get(1)
	if st.ProgressPercent != 50 {
		t.Errorf("ProgressPercent = %v, want 50", st.ProgressPercent)
	}
	if st.ETASeconds < 0.39 || st.ETASeconds > 0.41 {
		t.Errorf("ETASeconds = %v, want 0.4", st.ETASeconds)
	}

	clock.now = clock.now.Add(time.Second)
	if err := tracker.Complete(1); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	st, _ = tracker.Get(1)
	if st.Status != StateSynced || st.ProgressPercent != 100 {
		t.Errorf("unexpected final status: %+v", st)
	}
	if st.LastSyncTime == nil || !st.LastSyncTime.Equal(clock.now) {
		t.Errorf("LastSyncTime = %v, want %v", st.LastSyncTime, clock.now)
	}
	if h := tracker.History(0); len(h) != 1 || h[0].BranchID != 1 {
		t.Errorf("History() = %+v", h)
	}
}

func TestTracker_TerminalStatesRejectUpdates(t *testing.T) {
	tracker, _ := newClockedTracker()
	tracker.Begin(2, "Airport", 1)

	if err := tracker.Fail(2, fmt.Errorf("sales: server error")); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}

	st, _ := tracker.Get(2)
	if st.Status != StateError || st.ErrorMessage != "sales: server error" {
		t.Errorf("unexpected status: %+v", st)
	}

	err := tracker.StepDone(2, time.Millisecond, nil)
	if errors.CodeOf(err) != errors.ErrCodeInvalidRequest {
		t.Errorf("StepDone after Fail: code = %s", errors.CodeOf(err))
	}

	if err := tracker.Complete(99); errors.CodeOf(err) != errors.ErrCodeNotFound {
		t.Errorf("Complete unknown branch: code = %s", errors.CodeOf(err))
	}
}

func TestTracker_BeginResetsButKeepsLastSync(t *testing.T) {
	tracker, _ := newClockedTracker()
	tracker.Begin(3, "Harbor", 1)
	_ = tracker.Complete(3)
	first, _ := tracker.Get(3)

	st := tracker.Begin(3, "Harbor", 2)
	if st.Status != StatePending || st.ProgressPercent != 0 {
		t.Errorf("new run should reset progress: %+v", st)
	}
	if st.LastSyncTime == nil || !st.LastSyncTime.Equal(*first.LastSyncTime) {
		t.Error("new run should carry the previous last sync time")
	}
}

func TestTracker_StepsForReplacedRunAreIgnored(t *testing.T) {
	tracker, _ := newClockedTracker()
	first := tracker.Begin(6, "Quay", 2)
	second := tracker.Begin(6, "Quay", 2)
	if first.RunID == second.RunID {
		t.Fatalf("runs share id %d", first.RunID)
	}

	err := tracker.StepDoneIn(first.RunID, 6, time.Millisecond, nil)
	if errors.CodeOf(err) != errors.ErrCodeNotFound {
		t.Errorf("step for replaced run: code = %v, want NOT_FOUND", errors.CodeOf(err))
	}
	if err := tracker.CompleteIn(first.RunID, 6); err == nil {
		t.Error("replaced run must not complete the current one")
	}

	if err := tracker.StepDoneIn(second.RunID, 6, time.Millisecond, nil); err != nil {
		t.Fatalf("StepDoneIn() error = %v", err)
	}
	st, _ := tracker.Get(6)
	if st.CompletedSteps != 1 || st.ProgressPercent != 50 {
		t.Errorf("progress = %d steps / %.0f%%, want 1 / 50%%", st.CompletedSteps, st.ProgressPercent)
	}
}

func TestTracker_StepsBeyondTotalAreIgnored(t *testing.T) {
	tracker, _ := newClockedTracker()
	tracker.Begin(7, "Pier", 1)

	for i := 0; i < 3; i++ {
		if err := tracker.StepDone(7, time.Millisecond, nil); err != nil {
			t.Fatalf("StepDone() error = %v", err)
		}
	}
	st, _ := tracker.Get(7)
	if st.CompletedSteps != 1 || st.ProgressPercent != 100 {
		t.Errorf("got %d steps / %.0f%%, want 1 / 100%%", st.CompletedSteps, st.ProgressPercent)
	}
}

func TestTracker_StepFailureRecorded(t *testing.T) {
	tracker, _ := newClockedTracker()
	tracker.Begin(4, "Mall", 2)

	_ = tracker.StepDone(4, time.Millisecond, fmt.Errorf("inventory failed"))
	st, _ := tracker.Get(4)
	if st.Status != StateSyncing || st.FailedSteps != 1 {
		t.Errorf("unexpected status after failed step: %+v", st)
	}
}

func TestTracker_Subscribe(t *testing.T) {
	tracker, _ := newClockedTracker()
	updates, cancel := tracker.Subscribe()
	defer cancel()

	tracker.Begin(5, "North", 1)

	select {
	case u := <-updates:
		if u.Status.BranchID != 5 || u.Status.Status != StatePending {
			t.Errorf("unexpected update: %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("no update received")
	}
}

func TestTracker_AllSortedAndSystemStatus(t *testing.T) {
	ht := health.NewTracker(health.DefaultConfig())
	ht.RegisterComponent("backend")

	tracker := NewTracker(TrackerConfig{HealthTracker: ht})
	tracker.Begin(9, "c", 1)
	tracker.Begin(1, "a", 1)
	tracker.Begin(5, "b", 1)
	_ = tracker.Complete(5)

	all := tracker.All()
	if len(all) != 3 || all[0].BranchID != 1 || all[2].BranchID != 9 {
		t.Errorf("All() not sorted: %+v", all)
	}

	sys := tracker.GetSystemStatus()
	if sys.ActiveRuns != 2 || sys.RunsByState["synced"] != 1 || sys.RunsByState["pending"] != 2 {
		t.Errorf("unexpected system status: %+v", sys)
	}
	if sys.HealthState != health.StateHealthy || len(sys.ComponentHealth) != 1 {
		t.Errorf("health not reported: %+v", sys)
	}
}
