package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/branchsync/branchsync/internal/cache"
	"github.com/branchsync/branchsync/internal/metrics"
	"github.com/branchsync/branchsync/pkg/errors"
	"github.com/branchsync/branchsync/pkg/types"
)

// LoadBranchData is the single-branch, single-type load primitive executed by
// the batcher. Unless forceRefresh is set a live cache entry satisfies the
// load; otherwise the backend is called and a successful result is cached.
func (o *Orchestrator) LoadBranchData(ctx context.Context, branchID int, dataType types.DataType, forceRefresh bool) error {
	if !dataType.Valid() {
		return errors.NewError(errors.ErrCodeInvalidRequest, fmt.Sprintf("unknown data type %q", dataType)).
			WithComponent("orchestrator").
			WithDetail("branch_id", branchID)
	}

	ids := []int{branchID}
	start := time.Now()

	if !forceRefresh {
		if data, ok := o.lookup(dataType, ids); ok {
			elapsed := time.Since(start)
			o.monitor.Record(metrics.OpCacheHit, ids, elapsed, cache.ApproxSize(data))
			o.recordLoad(branchID, dataType, elapsed, true, len(data))
			return nil
		}
	}

	res := o.fetch(ctx, dataType, ids)
	elapsed := time.Since(start)
	o.monitor.Record(metrics.OpAPICall, ids, elapsed, cache.ApproxSize(res.Data))

	if !res.Success {
		o.recordFailure(branchID)
		return fetchError(res, dataType)
	}

	o.markSynced(ids, dataType)
	o.recordLoad(branchID, dataType, elapsed, false, len(res.Data))
	return nil
}

// LoadData loads one data type for a whole branch set as a single cache entry.
// Failures are reported through the result and never cached.
func (o *Orchestrator) LoadData(ctx context.Context, dataType types.DataType, branchIDs []int, forceRefresh bool) types.FetchResult {
	ids := types.SortedBranchIDs(branchIDs)
	if !dataType.Valid() || len(ids) == 0 {
		return types.FetchResult{
			Data: []json.RawMessage{},
			Err: errors.NewError(errors.ErrCodeInvalidRequest, "a valid data type and at least one branch are required").
				WithComponent("orchestrator"),
		}
	}

	start := time.Now()
	if !forceRefresh {
		if data, ok := o.lookup(dataType, ids); ok {
			o.monitor.Record(metrics.OpCacheHit, ids, time.Since(start), cache.ApproxSize(data))
			return types.FetchResult{Success: true, Data: data}
		}
	}

	res := o.fetch(ctx, dataType, ids)
	o.monitor.Record(metrics.OpAPICall, ids, time.Since(start), cache.ApproxSize(res.Data))
	if res.Success {
		o.markSynced(ids, dataType)
	} else if res.Err == nil {
		res.Err = fetchError(res, dataType)
	}
	return res
}

// LoadPage fetches one page of combined branch data. Pages bypass the cache.
func (o *Orchestrator) LoadPage(ctx context.Context, branchIDs []int, page, pageSize int) (types.PagedEnvelope, error) {
	if pageSize <= 0 {
		pageSize = o.config.PageSize
	}
	ids := types.SortedBranchIDs(branchIDs)

	start := time.Now()
	env, err := o.fetcher.FetchPage(ctx, ids, page, pageSize)
	o.monitor.Record(metrics.OpLazyLoad, ids, time.Since(start), cache.ApproxSize(env.Data))
	if err != nil {
		return types.PagedEnvelope{Data: []json.RawMessage{}}, err
	}
	return env, nil
}

// lookup returns the cached payload for a key and counts the hit or miss in
// Prometheus. Callers record the monitor metric.
func (o *Orchestrator) lookup(dataType types.DataType, ids []int) ([]json.RawMessage, bool) {
	v, ok := o.cache.Get(cache.Key(dataType, ids))
	if ok {
		if data, isPayload := v.([]json.RawMessage); isPayload {
			o.collector.RecordCacheHit(dataType)
			return data, true
		}
	}
	o.collector.RecordCacheMiss(dataType)
	return nil, false
}

// fetch calls the backend once per cache key at a time; concurrent callers for
// the same key share the in-flight result. Waiters share the context of the
// caller that started the flight.
func (o *Orchestrator) fetch(ctx context.Context, dataType types.DataType, ids []int) types.FetchResult {
	key := cache.Key(dataType, ids)
	v, _, shared := o.flights.Do(key, func() (interface{}, error) {
		res := o.fetcher.Fetch(ctx, dataType, ids)
		if res.Data == nil {
			res.Data = []json.RawMessage{}
		}
		if res.Success {
			o.cache.Set(key, res.Data, ids[0], o.ttlFor(dataType))
		}
		return res, nil
	})
	if shared {
		o.logger.Trace("Joined in-flight fetch", map[string]interface{}{"key": key})
	}
	return v.(types.FetchResult)
}

func fetchError(res types.FetchResult, dataType types.DataType) error {
	if res.Err != nil {
		return res.Err
	}
	return errors.NewError(errors.ErrCodeServerError, fmt.Sprintf("%s fetch failed", dataType)).
		WithComponent("orchestrator")
}

// markSynced stamps the last successful sync of dataType for every branch in ids
func (o *Orchestrator) markSynced(ids []int, dataType types.DataType) {
	now := o.now()
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range ids {
		if o.lastSync[id] == nil {
			o.lastSync[id] = make(map[types.DataType]time.Time)
		}
		o.lastSync[id][dataType] = now
	}
}

func (o *Orchestrator) recordLoad(branchID int, dataType types.DataType, elapsed time.Duration, hit bool, count int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.counts[branchID] == nil {
		o.counts[branchID] = make(map[types.DataType]int)
	}
	o.counts[branchID][dataType] = count

	p := o.perfLocked(branchID)
	p.loads++
	p.loadTime += elapsed
	if hit {
		p.hits++
	}
}

func (o *Orchestrator) recordFailure(branchID int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.perfLocked(branchID).errors++
}

func (o *Orchestrator) perfLocked(branchID int) *branchPerf {
	p := o.perf[branchID]
	if p == nil {
		p = &branchPerf{}
		o.perf[branchID] = p
	}
	return p
}
