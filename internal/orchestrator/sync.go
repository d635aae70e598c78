package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/branchsync/branchsync/internal/batch"
	"github.com/branchsync/branchsync/internal/cache"
	"github.com/branchsync/branchsync/internal/metrics"
	"github.com/branchsync/branchsync/pkg/errors"
	"github.com/branchsync/branchsync/pkg/status"
	"github.com/branchsync/branchsync/pkg/types"
)

// SyncNeed is a branch that has stale data, with the stale types in canonical order
type SyncNeed struct {
	BranchID  int              `json:"branch_id"`
	DataTypes []types.DataType `json:"data_types"`
	Priority  types.Priority   `json:"priority"`
}

// AnalyzeSyncNeeds compares each branch's last sync times against the
// freshness budgets. A branch never synced needs every tracked type at high
// priority; stale sales or notifications make a branch high, any other stale
// type medium. Fresh branches are omitted.
func (o *Orchestrator) AnalyzeSyncNeeds(branchIDs []int) []SyncNeed {
	now := o.now()
	tracked := types.SyncedDataTypes()

	o.mu.RLock()
	defer o.mu.RUnlock()

	needs := make([]SyncNeed, 0, len(branchIDs))
	for _, id := range types.SortedBranchIDs(branchIDs) {
		synced := o.lastSync[id]
		if len(synced) == 0 {
			needs = append(needs, SyncNeed{
				BranchID:  id,
				DataTypes: append([]types.DataType(nil), tracked...),
				Priority:  types.PriorityHigh,
			})
			continue
		}

		var stale []types.DataType
		critical := false
		for _, dt := range tracked {
			last, ok := synced[dt]
			if ok && now.Sub(last) <= o.config.Freshness[dt] {
				continue
			}
			stale = append(stale, dt)
			if dt.IsCritical() {
				critical = true
			}
		}
		if len(stale) == 0 {
			continue
		}

		priority := types.PriorityMedium
		if critical {
			priority = types.PriorityHigh
		}
		needs = append(needs, SyncNeed{BranchID: id, DataTypes: stale, Priority: priority})
	}
	return needs
}

// SmartSync loads what AnalyzeSyncNeeds flags. Stale critical types are
// enqueued at high priority right away; the remaining stale types follow at
// low priority after the configured delay. It is refused while automatic
// syncs are suspended.
func (o *Orchestrator) SmartSync(ctx context.Context, branchIDs []int) ([]SyncNeed, error) {
	if o.Suspended() {
		return nil, errors.NewError(errors.ErrCodeSuspended, "automatic sync suspended during emergency cool-down").
			WithComponent("orchestrator")
	}

	needs := o.AnalyzeSyncNeeds(branchIDs)
	rebuild := func(s batch.Step) { o.rebuildSnapshot(s.BranchID) }

	var deferred []types.BatchLoadRequest
	for _, need := range needs {
		var critical, rest []types.DataType
		for _, dt := range need.DataTypes {
			if dt.IsCritical() {
				critical = append(critical, dt)
			} else {
				rest = append(rest, dt)
			}
		}
		if len(critical) > 0 {
			o.batcher.Enqueue(types.BatchLoadRequest{
				BranchIDs:    []int{need.BranchID},
				DataTypes:    critical,
				Priority:     types.PriorityHigh,
				ForceRefresh: true,
			}, rebuild)
		}
		if len(rest) > 0 {
			deferred = append(deferred, types.BatchLoadRequest{
				BranchIDs:    []int{need.BranchID},
				DataTypes:    rest,
				Priority:     types.PriorityLow,
				ForceRefresh: true,
			})
		}
	}

	if len(deferred) > 0 {
		o.goBackground(func() {
			timer := time.NewTimer(o.config.LowPriorityDelay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-o.ctx.Done():
				return
			case <-timer.C:
			}
			for _, req := range deferred {
				o.batcher.Enqueue(req, rebuild)
			}
		})
	}

	if len(needs) > 0 {
		o.logger.Debug("Smart sync scheduled", map[string]interface{}{
			"branches": len(needs),
			"deferred": len(deferred),
		})
	}
	return needs, nil
}

// LoadBranchesOptimized runs a tracked sync of req through the batcher and
// waits for it. Each branch's status moves pending, syncing, then synced or
// error. Failures are reported in the returned statuses and never as an error.
func (o *Orchestrator) LoadBranchesOptimized(ctx context.Context, req types.BatchLoadRequest) []status.SyncStatus {
	start := time.Now()
	ids := types.SortedBranchIDs(req.BranchIDs)
	req.BranchIDs = ids
	req.DataTypes = uniqueDataTypes(req.DataTypes)

	runs := make(map[int]uint64, len(ids))
	for _, id := range ids {
		runs[id] = o.statuses.Begin(id, o.branchName(id), len(req.DataTypes)).RunID
	}

	var invalid error
	for _, dt := range req.DataTypes {
		if !dt.Valid() {
			invalid = errors.NewError(errors.ErrCodeInvalidRequest, fmt.Sprintf("unknown data type %q", dt)).
				WithComponent("orchestrator")
			break
		}
	}

	if invalid == nil && req.Steps() > 0 {
		for _, id := range ids {
			_ = o.statuses.MarkSyncing(id)
		}

		done, _ := o.batcher.Enqueue(req, func(s batch.Step) {
			_ = o.statuses.StepDoneIn(runs[s.BranchID], s.BranchID, s.Elapsed, s.Err)
		})

		select {
		case <-done:
		case <-ctx.Done():
			invalid = errors.Wrap(errors.ErrCodeOperationCanceled, "sync canceled", ctx.Err()).
				WithComponent("orchestrator")
		}
	}

	results := make([]status.SyncStatus, 0, len(ids))
	for _, id := range ids {
		o.rebuildSnapshot(id)

		err := invalid
		if err == nil {
			err = runError(o.statuses, id)
		}
		if err != nil {
			_ = o.statuses.FailIn(runs[id], id, err)
		} else {
			_ = o.statuses.CompleteIn(runs[id], id)
		}
		o.collector.RecordSyncRun(err == nil)

		if s, ok := o.statuses.Get(id); ok {
			results = append(results, s)
		}
	}

	o.monitor.Record(metrics.OpBatchLoad, ids, time.Since(start), 0)
	o.logger.Info("Branch sync finished", map[string]interface{}{
		"branches": len(ids),
		"steps":    req.Steps(),
		"duration": time.Since(start).String(),
	})
	return results
}

// runError turns a finished run with failed or missing steps into an error
func runError(tracker *status.Tracker, branchID int) error {
	s, ok := tracker.Get(branchID)
	if !ok {
		return nil
	}
	switch {
	case s.FailedSteps > 0:
		return errors.NewError(errors.ErrCodePartialBatchFailure,
			fmt.Sprintf("%d of %d loads failed: %s", s.FailedSteps, s.TotalSteps, s.ErrorMessage)).
			WithComponent("orchestrator")
	case s.CompletedSteps < s.TotalSteps:
		return errors.NewError(errors.ErrCodeComponentStopped,
			fmt.Sprintf("sync interrupted after %d of %d loads", s.CompletedSteps, s.TotalSteps)).
			WithComponent("orchestrator")
	}
	return nil
}

func uniqueDataTypes(in []types.DataType) []types.DataType {
	seen := make(map[types.DataType]struct{}, len(in))
	out := make([]types.DataType, 0, len(in))
	for _, dt := range in {
		if _, ok := seen[dt]; ok {
			continue
		}
		seen[dt] = struct{}{}
		out = append(out, dt)
	}
	return out
}

// rebuildSnapshot replaces the branch snapshot from current bookkeeping
func (o *Orchestrator) rebuildSnapshot(branchID int) {
	name := o.branchName(branchID)
	now := o.now()

	o.mu.Lock()
	defer o.mu.Unlock()

	perType := make(map[types.DataType]types.DataTypeSnapshot)
	for _, dt := range types.AllDataTypes() {
		entry := types.DataTypeSnapshot{
			Count:  o.counts[branchID][dt],
			Cached: o.cache.Has(cache.Key(dt, []int{branchID})),
		}
		if last, ok := o.lastSync[branchID][dt]; ok {
			entry.LastSync = &last
		}
		if entry.LastSync == nil && !entry.Cached && entry.Count == 0 {
			continue
		}
		perType[dt] = entry
	}

	var perf types.BranchPerformance
	if p := o.perf[branchID]; p != nil {
		perf.ErrorCount = p.errors
		if p.loads > 0 {
			perf.LoadTimeMs = float64(p.loadTime.Microseconds()) / 1000 / float64(p.loads)
			perf.CacheHitRatioPercent = float64(p.hits) / float64(p.loads) * 100
		}
	}

	o.snapshots[branchID] = types.BranchSnapshot{
		BranchID:    branchID,
		BranchName:  name,
		LastUpdated: now,
		DataTypes:   perType,
		Performance: perf,
	}
}

// Snapshot returns the latest snapshot of a branch
func (o *Orchestrator) Snapshot(branchID int) (types.BranchSnapshot, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.snapshots[branchID]
	return s, ok
}

// Snapshots returns every branch snapshot ordered by branch id
func (o *Orchestrator) Snapshots() []types.BranchSnapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]types.BranchSnapshot, 0, len(o.snapshots))
	for _, s := range o.snapshots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BranchID < out[j].BranchID })
	return out
}

// Subscribe streams sync status updates; the latest update is replayed on subscription.
func (o *Orchestrator) Subscribe() (<-chan status.SyncUpdate, func()) {
	return o.statuses.Subscribe()
}
