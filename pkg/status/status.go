// Package status tracks per-branch sync runs and their progress
package status

import (
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/branchsync/branchsync/pkg/errors"
	"github.com/branchsync/branchsync/pkg/health"
)

// SyncState represents the state of one branch within a sync run
type SyncState int

const (
	// StatePending indicates the run has been created but no load has started
	StatePending SyncState = iota

	// StateSyncing indicates loads are in flight
	StateSyncing

	// StateSynced indicates every load of the run finished
	StateSynced

	// StateError indicates the run finished with at least one failure
	StateError
)

// String returns the string representation of a sync state
func (s SyncState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSyncing:
		return "syncing"
	case StateSynced:
		return "synced"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends a run
func (s SyncState) Terminal() bool {
	return s == StateSynced || s == StateError
}

// MarshalJSON encodes the state by name
func (s SyncState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// SyncStatus is the progress of one branch within the current run
type SyncStatus struct {
	RunID           uint64     `json:"run_id"`
	BranchID        int        `json:"branch_id"`
	BranchName      string     `json:"branch_name"`
	Status          SyncState  `json:"status"`
	ProgressPercent float64    `json:"progress"`
	ETASeconds      float64    `json:"eta_seconds"`
	LastSyncTime    *time.Time `json:"last_sync_time,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	StartTime       time.Time  `json:"start_time"`
	CompletedSteps  int        `json:"completed_steps"`
	TotalSteps      int        `json:"total_steps"`
	FailedSteps     int        `json:"failed_steps"`
}

// SyncUpdate is published on every status change
type SyncUpdate struct {
	Status    SyncStatus `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
	Message   string     `json:"message,omitempty"`
}

type run struct {
	status   SyncStatus
	stepTime time.Duration
}

// Tracker owns the SyncStatus of every branch and a bounded history of finished runs
type Tracker struct {
	mu            sync.RWMutex
	runs          map[int]*run
	history       []SyncStatus
	maxHistory    int
	healthTracker *health.Tracker
	updates       *Broadcaster[SyncUpdate]
	now           func() time.Time
	lastRunID     uint64
}

// TrackerConfig configures run tracking behavior
type TrackerConfig struct {
	MaxHistorySize int              `json:"max_history_size"`
	HealthTracker  *health.Tracker  `json:"-"`
	Clock          func() time.Time `json:"-"`
}

// DefaultTrackerConfig returns default configuration
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MaxHistorySize: 1000,
	}
}

// NewTracker creates a new sync status tracker
func NewTracker(config TrackerConfig) *Tracker {
	if config.MaxHistorySize <= 0 {
		config.MaxHistorySize = 1000
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	return &Tracker{
		runs:          make(map[int]*run),
		history:       make([]SyncStatus, 0, 16),
		maxHistory:    config.MaxHistorySize,
		healthTracker: config.HealthTracker,
		updates:       NewBroadcaster[SyncUpdate](64),
		now:           config.Clock,
	}
}

// Begin starts a new run for a branch in the pending state, replacing any previous run.
func (t *Tracker) Begin(branchID int, branchName string, totalSteps int) SyncStatus {
	t.mu.Lock()
	var lastSync *time.Time
	if prev, ok := t.runs[branchID]; ok {
		lastSync = prev.status.LastSyncTime
	}
	t.lastRunID++
	r := &run{status: SyncStatus{
		RunID:        t.lastRunID,
		BranchID:     branchID,
		BranchName:   branchName,
		Status:       StatePending,
		LastSyncTime: lastSync,
		StartTime:    t.now(),
		TotalSteps:   totalSteps,
	}}
	t.runs[branchID] = r
	snapshot := r.status
	t.mu.Unlock()

	t.publish(snapshot, "sync pending")
	return snapshot
}

// MarkSyncing moves a pending run to syncing
func (t *Tracker) MarkSyncing(branchID int) error {
	return t.update(branchID, 0, "sync started", func(r *run) bool {
		r.status.Status = StateSyncing
		return true
	})
}

// StepDone records one finished load of the branch's current run
func (t *Tracker) StepDone(branchID int, elapsed time.Duration, err error) error {
	return t.StepDoneIn(0, branchID, elapsed, err)
}

// StepDoneIn records one finished load of run runID and refreshes progress and
// ETA. Steps for a replaced run and steps beyond TotalSteps are ignored. A
// zero runID targets the current run.
func (t *Tracker) StepDoneIn(runID uint64, branchID int, elapsed time.Duration, err error) error {
	return t.update(branchID, runID, "step done", func(r *run) bool {
		s := &r.status
		if s.TotalSteps > 0 && s.CompletedSteps >= s.TotalSteps {
			return false
		}
		if s.Status == StatePending {
			s.Status = StateSyncing
		}
		s.CompletedSteps++
		if err != nil {
			s.FailedSteps++
			s.ErrorMessage = err.Error()
		}
		r.stepTime += elapsed

		if s.TotalSteps > 0 {
			s.ProgressPercent = math.Min(float64(s.CompletedSteps)/float64(s.TotalSteps)*100, 100)
			remaining := s.TotalSteps - s.CompletedSteps
			if remaining > 0 {
				mean := r.stepTime.Seconds() / float64(s.CompletedSteps)
				s.ETASeconds = mean * float64(remaining)
			} else {
				s.ETASeconds = 0
			}
		}
		return true
	})
}

// Complete marks the current run synced and stamps the last sync time
func (t *Tracker) Complete(branchID int) error {
	return t.CompleteIn(0, branchID)
}

// CompleteIn is Complete restricted to run runID
func (t *Tracker) CompleteIn(runID uint64, branchID int) error {
	return t.update(branchID, runID, "sync completed", func(r *run) bool {
		now := t.now()
		r.status.Status = StateSynced
		r.status.ProgressPercent = 100
		r.status.ETASeconds = 0
		r.status.LastSyncTime = &now
		r.status.ErrorMessage = ""
		return true
	})
}

// Fail marks the current run as failed with err's message
func (t *Tracker) Fail(branchID int, err error) error {
	return t.FailIn(0, branchID, err)
}

// FailIn is Fail restricted to run runID
func (t *Tracker) FailIn(runID uint64, branchID int, err error) error {
	msg := "sync failed"
	if err != nil {
		msg = err.Error()
	}
	return t.update(branchID, runID, "sync failed: "+msg, func(r *run) bool {
		r.status.Status = StateError
		r.status.ETASeconds = 0
		r.status.ErrorMessage = msg
		return true
	})
}

// update applies fn to the branch's run and publishes the result when fn
// reports a change. A non-zero runID must match the current run.
func (t *Tracker) update(branchID int, runID uint64, message string, fn func(*run) bool) error {
	t.mu.Lock()
	r, exists := t.runs[branchID]
	if !exists {
		t.mu.Unlock()
		return errors.NewError(errors.ErrCodeNotFound, "sync run not found").
			WithComponent("status").
			WithDetail("branch_id", branchID)
	}
	if runID != 0 && r.status.RunID != runID {
		t.mu.Unlock()
		return errors.NewError(errors.ErrCodeNotFound, "sync run replaced by a newer run").
			WithComponent("status").
			WithDetail("branch_id", branchID).
			WithDetail("run_id", runID)
	}
	if r.status.Status.Terminal() {
		t.mu.Unlock()
		return errors.NewError(errors.ErrCodeInvalidRequest, "sync run already finished").
			WithComponent("status").
			WithDetail("branch_id", branchID).
			WithDetail("status", r.status.Status.String())
	}

	if !fn(r) {
		t.mu.Unlock()
		return nil
	}
	snapshot := r.status
	if snapshot.Status.Terminal() {
		t.moveToHistoryLocked(snapshot)
	}
	t.mu.Unlock()

	t.publish(snapshot, message)
	return nil
}

// Get returns the status of a branch's current or last run
func (t *Tracker) Get(branchID int) (SyncStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.runs[branchID]
	if !ok {
		return SyncStatus{}, false
	}
	return r.status, true
}

// All returns the status of every branch ordered by branch id
func (t *Tracker) All() []SyncStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]SyncStatus, 0, len(t.runs))
	for _, r := range t.runs {
		result = append(result, r.status)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].BranchID < result[j].BranchID })
	return result
}

// History returns finished runs, newest first
func (t *Tracker) History(limit int) []SyncStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit <= 0 || limit > len(t.history) {
		limit = len(t.history)
	}
	result := make([]SyncStatus, limit)
	copy(result, t.history[:limit])
	return result
}

// Subscribe returns a stream of status updates and a cancel function
func (t *Tracker) Subscribe() (<-chan SyncUpdate, func()) {
	return t.updates.Subscribe()
}

// Close ends every subscription
func (t *Tracker) Close() {
	t.updates.Close()
}

// SystemStatus represents the overall sync and health status
type SystemStatus struct {
	Timestamp       time.Time                          `json:"timestamp"`
	ActiveRuns      int                                `json:"active_runs"`
	RunsByState     map[string]int                     `json:"runs_by_state"`
	HealthState     health.HealthState                 `json:"health_state"`
	ComponentHealth map[string]*health.ComponentHealth `json:"component_health,omitempty"`
}

// GetSystemStatus returns run counts by state together with component health
func (t *Tracker) GetSystemStatus() *SystemStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	status := &SystemStatus{
		Timestamp:   t.now(),
		RunsByState: make(map[string]int),
	}
	for _, r := range t.runs {
		status.RunsByState[r.status.Status.String()]++
		if !r.status.Status.Terminal() {
			status.ActiveRuns++
		}
	}

	if t.healthTracker != nil {
		status.HealthState = t.healthTracker.GetOverallHealth()
		status.ComponentHealth = t.healthTracker.GetAllComponents()
	}
	return status
}

// moveToHistoryLocked must be called with the lock held
func (t *Tracker) moveToHistoryLocked(s SyncStatus) {
	t.history = append([]SyncStatus{s}, t.history...)
	if len(t.history) > t.maxHistory {
		t.history = t.history[:t.maxHistory]
	}
}

func (t *Tracker) publish(s SyncStatus, message string) {
	t.updates.Publish(SyncUpdate{
		Status:    s,
		Timestamp: t.now(),
		Message:   message,
	})
}
