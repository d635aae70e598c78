package health

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/branchsync/branchsync/pkg/errors"
)

func TestTracker_RegisterComponent(t *testing.T) {
	tracker := NewTracker(DefaultConfig())

	tracker.RegisterComponent("backend")

	if state := tracker.GetState("backend"); state != StateHealthy {
		t.Errorf("Expected initial state to be StateHealthy, got %s", state)
	}
	if state := tracker.GetState("missing"); state != StateUnavailable {
		t.Errorf("Unregistered components should report unavailable, got %s", state)
	}
}

func TestTracker_RecordSuccessResetsErrors(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent("backend")

	tracker.RecordError("backend", fmt.Errorf("test error"))
	tracker.RecordError("backend", fmt.Errorf("test error"))
	tracker.RecordSuccess("backend")

	health, err := tracker.GetComponentHealth("backend")
	if err != nil {
		t.Fatalf("Failed to get component health: %v", err)
	}
	if health.ConsecutiveErrors != 0 {
		t.Errorf("Expected ConsecutiveErrors=0 after success, got %d", health.ConsecutiveErrors)
	}
	if health.LastErrorMessage != "" {
		t.Errorf("Expected error message to be cleared, got %q", health.LastErrorMessage)
	}
}

func TestTracker_RecordErrorThresholds(t *testing.T) {
	tests := []struct {
		name   string
		errors int
		want   HealthState
	}{
		{"below threshold", 2, StateHealthy},
		{"at error threshold", 3, StateDegraded},
		{"below unavailable", 9, StateDegraded},
		{"at unavailable threshold", 10, StateUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewTracker(TrackerConfig{ErrorThreshold: 3, UnavailableThreshold: 10})
			tracker.RegisterComponent("backend")
			for i := 0; i < tt.errors; i++ {
				tracker.RecordError("backend", fmt.Errorf("error %d", i))
			}
			if got := tracker.GetState("backend"); got != tt.want {
				t.Errorf("state = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTracker_CircuitOpenMeansCacheOnly(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent("backend")

	tracker.RecordError("backend", errors.NewError(errors.ErrCodeCircuitOpen, "breaker open"))

	if state := tracker.GetState("backend"); state != StateCacheOnly {
		t.Errorf("Expected StateCacheOnly, got %s", state)
	}
	if tracker.CanFetch("backend") {
		t.Error("cache-only components must not fetch")
	}

	tracker.RecordSuccess("backend")
	if !tracker.IsHealthy("backend") {
		t.Error("success should recover the component")
	}
}

func TestTracker_SetState(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent("sync")

	tracker.SetState("sync", StateDegraded, "grade D")

	health, _ := tracker.GetComponentHealth("sync")
	if health.State != StateDegraded {
		t.Errorf("Expected StateDegraded, got %s", health.State)
	}
	if health.Metadata["reason"] != "grade D" {
		t.Errorf("Expected reason metadata, got %v", health.Metadata)
	}

	tracker.SetState("sync", StateHealthy, "")
	health, _ = tracker.GetComponentHealth("sync")
	if _, ok := health.Metadata["reason"]; ok {
		t.Error("reason should be cleared")
	}
}

func TestTracker_GetOverallHealth(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	if overall := tracker.GetOverallHealth(); overall != StateHealthy {
		t.Errorf("Expected StateHealthy with no components, got %s", overall)
	}

	tracker.RegisterComponent("backend")
	tracker.RegisterComponent("cache")
	tracker.RegisterComponent("sync")

	tracker.SetState("sync", StateDegraded, "")
	if overall := tracker.GetOverallHealth(); overall != StateDegraded {
		t.Errorf("Expected StateDegraded, got %s", overall)
	}

	tracker.SetState("backend", StateUnavailable, "")
	if overall := tracker.GetOverallHealth(); overall != StateUnavailable {
		t.Errorf("Expected StateUnavailable, got %s", overall)
	}
}

func TestTracker_StateChangeCallback(t *testing.T) {
	tracker := NewTracker(TrackerConfig{ErrorThreshold: 1, UnavailableThreshold: 5})
	tracker.RegisterComponent("backend")

	var mu sync.Mutex
	var transitions []string
	done := make(chan struct{}, 1)
	tracker.AddStateChangeCallback(StateDegraded, func(component string, oldState, newState HealthState, err error) {
		mu.Lock()
		transitions = append(transitions, fmt.Sprintf("%s:%s->%s", component, oldState, newState))
		mu.Unlock()
		done <- struct{}{}
	})

	tracker.RecordError("backend", fmt.Errorf("boom"))
	tracker.RecordError("backend", fmt.Errorf("boom"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 || transitions[0] != "backend:healthy->degraded" {
		t.Errorf("unexpected transitions: %v", transitions)
	}
}

func TestTracker_GetAllComponentsReturnsCopies(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent("backend")
	tracker.SetComponentMetadata("backend", "base_url", "http://api")

	all := tracker.GetAllComponents()
	all["backend"].Metadata["base_url"] = "changed"

	health, _ := tracker.GetComponentHealth("backend")
	if health.Metadata["base_url"] != "http://api" {
		t.Error("GetAllComponents must not expose internal metadata")
	}
	if names := tracker.ComponentNames(); len(names) != 1 || names[0] != "backend" {
		t.Errorf("ComponentNames = %v", names)
	}
}

func TestTracker_GetComponentHealth_NotRegistered(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	if _, err := tracker.GetComponentHealth("nope"); err == nil {
		t.Error("Expected error for unregistered component")
	}
}

func TestHealthState_String(t *testing.T) {
	tests := []struct {
		state    HealthState
		expected string
	}{
		{StateHealthy, "healthy"},
		{StateDegraded, "degraded"},
		{StateCacheOnly, "cache-only"},
		{StateUnavailable, "unavailable"},
		{HealthState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("String() = %s, want %s", got, tt.expected)
		}
	}
}

func BenchmarkTracker_RecordSuccess(b *testing.B) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent("backend")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tracker.RecordSuccess("backend")
	}
}
