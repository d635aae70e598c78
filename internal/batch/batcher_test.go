package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchsync/branchsync/internal/metrics"
	"github.com/branchsync/branchsync/pkg/types"
)

type call struct {
	branchID int
	dataType types.DataType
	force    bool
}

type recordingLoader struct {
	mu       sync.Mutex
	calls    []call
	fail     map[int]bool
	delay    time.Duration
	inFlight int32
	peak     int32
}

func (l *recordingLoader) LoadBranchData(ctx context.Context, branchID int, dataType types.DataType, forceRefresh bool) error {
	n := atomic.AddInt32(&l.inFlight, 1)
	defer atomic.AddInt32(&l.inFlight, -1)
	for {
		peak := atomic.LoadInt32(&l.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&l.peak, peak, n) {
			break
		}
	}

	if l.delay > 0 {
		time.Sleep(l.delay)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call{branchID, dataType, forceRefresh})
	if l.fail[branchID] {
		return fmt.Errorf("branch %d unavailable", branchID)
	}
	return nil
}

func (l *recordingLoader) Calls() []call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]call(nil), l.calls...)
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not complete")
	}
}

func TestFingerprintIgnoresOrder(t *testing.T) {
	a := types.BatchLoadRequest{BranchIDs: []int{2, 1}, DataTypes: []types.DataType{types.DataSales, types.DataInventory}}
	b := types.BatchLoadRequest{BranchIDs: []int{1, 2, 2}, DataTypes: []types.DataType{types.DataInventory, types.DataSales}, Priority: types.PriorityLow}
	c := types.BatchLoadRequest{BranchIDs: []int{1, 2}, DataTypes: []types.DataType{types.DataSales}}
	d := types.BatchLoadRequest{BranchIDs: []int{12}, DataTypes: []types.DataType{types.DataSales}}
	e := types.BatchLoadRequest{BranchIDs: []int{1, 2}, DataTypes: []types.DataType{types.DataSales}}

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))
	assert.NotEqual(t, Fingerprint(c), Fingerprint(d))
	assert.Equal(t, Fingerprint(c), Fingerprint(e))
}

func TestEnqueueDeduplicates(t *testing.T) {
	loader := &recordingLoader{}
	b := NewBatcher(loader, &Config{Debounce: 20 * time.Millisecond, MaxConcurrency: 2})
	defer b.Close(context.Background())

	req := types.BatchLoadRequest{
		BranchIDs: []int{1, 2},
		DataTypes: []types.DataType{types.DataSales},
		Priority:  types.PriorityMedium,
	}
	done1, ok1 := b.Enqueue(req)
	done2, ok2 := b.Enqueue(types.BatchLoadRequest{
		BranchIDs: []int{2, 1},
		DataTypes: []types.DataType{types.DataSales},
		Priority:  types.PriorityHigh,
	})

	assert.True(t, ok1)
	assert.False(t, ok2)
	assert.Equal(t, 1, b.Pending())

	waitDone(t, done1)
	waitDone(t, done2)

	assert.Len(t, loader.Calls(), 2, "two branches, one data type, executed once")
	stats := b.GetStats()
	assert.Equal(t, int64(1), stats.Enqueued)
	assert.Equal(t, int64(1), stats.Deduplicated)
	assert.Equal(t, int64(1), stats.Drains)
}

func TestDebounceRearmsOnEnqueue(t *testing.T) {
	loader := &recordingLoader{}
	b := NewBatcher(loader, &Config{Debounce: 80 * time.Millisecond, MaxConcurrency: 2})
	defer b.Close(context.Background())

	done, _ := b.Enqueue(types.BatchLoadRequest{BranchIDs: []int{1}, DataTypes: []types.DataType{types.DataSales}})
	time.Sleep(50 * time.Millisecond)
	b.Enqueue(types.BatchLoadRequest{BranchIDs: []int{2}, DataTypes: []types.DataType{types.DataSales}})
	time.Sleep(50 * time.Millisecond)

	// 100ms after the first request, but only 50ms after the second
	assert.Empty(t, loader.Calls(), "drain must wait for a quiet period")

	waitDone(t, done)
	assert.Len(t, loader.Calls(), 2)
	assert.Equal(t, int64(1), b.GetStats().Drains)
}

func TestDrainRunsHighFirstAndSequentially(t *testing.T) {
	loader := &recordingLoader{delay: 5 * time.Millisecond}
	b := NewBatcher(loader, &Config{Debounce: time.Hour, MaxConcurrency: 4})
	defer b.Close(context.Background())

	b.Enqueue(types.BatchLoadRequest{BranchIDs: []int{10, 11}, DataTypes: []types.DataType{types.DataAnalytics}, Priority: types.PriorityLow})
	b.Enqueue(types.BatchLoadRequest{BranchIDs: []int{20}, DataTypes: []types.DataType{types.DataInventory}, Priority: types.PriorityMedium})
	b.Enqueue(types.BatchLoadRequest{BranchIDs: []int{1}, DataTypes: []types.DataType{types.DataSales, types.DataNotifications}, Priority: types.PriorityHigh})
	b.Enqueue(types.BatchLoadRequest{BranchIDs: []int{2}, DataTypes: []types.DataType{types.DataSales}, Priority: types.PriorityHigh})

	b.Drain(context.Background())

	calls := loader.Calls()
	require.Len(t, calls, 6)
	assert.Equal(t, call{1, types.DataSales, false}, calls[0])
	assert.Equal(t, call{1, types.DataNotifications, false}, calls[1])
	assert.Equal(t, call{2, types.DataSales, false}, calls[2])
	for _, c := range calls[3:] {
		assert.NotEqual(t, types.DataSales, c.dataType)
	}
}

func TestHighPriorityNeverOverlaps(t *testing.T) {
	loader := &recordingLoader{delay: 10 * time.Millisecond}
	b := NewBatcher(loader, &Config{Debounce: time.Hour, MaxConcurrency: 8})
	defer b.Close(context.Background())

	for i := 1; i <= 4; i++ {
		b.Enqueue(types.BatchLoadRequest{BranchIDs: []int{i}, DataTypes: []types.DataType{types.DataSales}, Priority: types.PriorityHigh})
	}
	b.Drain(context.Background())

	assert.Equal(t, int32(1), atomic.LoadInt32(&loader.peak))
}

func TestConcurrencyLimit(t *testing.T) {
	loader := &recordingLoader{delay: 20 * time.Millisecond}
	b := NewBatcher(loader, &Config{Debounce: time.Hour, MaxConcurrency: 2})
	defer b.Close(context.Background())

	b.Enqueue(types.BatchLoadRequest{
		BranchIDs: []int{1, 2, 3, 4, 5, 6},
		DataTypes: []types.DataType{types.DataAnalytics},
		Priority:  types.PriorityLow,
	})
	b.Drain(context.Background())

	assert.Len(t, loader.Calls(), 6)
	assert.LessOrEqual(t, atomic.LoadInt32(&loader.peak), int32(2))
}

func TestFailuresAreIsolated(t *testing.T) {
	loader := &recordingLoader{fail: map[int]bool{2: true}}
	collector, err := metrics.NewCollector(metrics.DefaultConfig())
	require.NoError(t, err)
	b := NewBatcher(loader, &Config{Debounce: time.Hour, MaxConcurrency: 3}, WithCollector(collector))
	defer b.Close(context.Background())

	var mu sync.Mutex
	var steps []Step
	done, _ := b.Enqueue(types.BatchLoadRequest{
		BranchIDs:    []int{1, 2, 3},
		DataTypes:    []types.DataType{types.DataSales, types.DataInventory},
		Priority:     types.PriorityMedium,
		ForceRefresh: true,
	}, func(s Step) {
		mu.Lock()
		defer mu.Unlock()
		steps = append(steps, s)
	})
	b.Drain(context.Background())
	waitDone(t, done)

	assert.Len(t, loader.Calls(), 6)
	for _, c := range loader.Calls() {
		assert.True(t, c.force)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, steps, 6)
	failed := 0
	for _, s := range steps {
		if s.Err != nil {
			failed++
			assert.Equal(t, 2, s.BranchID)
		}
	}
	assert.Equal(t, 2, failed)
	assert.Equal(t, int64(2), b.GetStats().FailedSteps)
}

func TestDuplicateObserversSeeEquivalentSteps(t *testing.T) {
	loader := &recordingLoader{}
	b := NewBatcher(loader, &Config{Debounce: time.Hour})
	defer b.Close(context.Background())

	var first, second int32
	req := types.BatchLoadRequest{BranchIDs: []int{1, 2}, DataTypes: []types.DataType{types.DataSales}}
	b.Enqueue(req, func(Step) { atomic.AddInt32(&first, 1) })
	b.Enqueue(req, func(Step) { atomic.AddInt32(&second, 1) })
	b.Drain(context.Background())

	assert.Equal(t, int32(2), atomic.LoadInt32(&first))
	assert.Equal(t, int32(2), atomic.LoadInt32(&second))
}

type panickingLoader struct{}

func (panickingLoader) LoadBranchData(context.Context, int, types.DataType, bool) error {
	panic("boom")
}

func TestPanicIsReportedAsFailure(t *testing.T) {
	b := NewBatcher(panickingLoader{}, &Config{Debounce: time.Hour})
	defer b.Close(context.Background())

	var got error
	b.Enqueue(types.BatchLoadRequest{BranchIDs: []int{1}, DataTypes: []types.DataType{types.DataSales}, Priority: types.PriorityHigh},
		func(s Step) { got = s.Err })
	b.Drain(context.Background())

	require.Error(t, got)
	assert.Contains(t, got.Error(), "panicked")
}

func TestSettings(t *testing.T) {
	b := NewBatcher(&recordingLoader{}, nil)
	defer b.Close(context.Background())

	debounce, limit := b.Settings()
	assert.Equal(t, 300*time.Millisecond, debounce)
	assert.Equal(t, 6, limit)

	b.SetDebounce(600 * time.Millisecond)
	b.SetMaxConcurrency(0)
	debounce, limit = b.Settings()
	assert.Equal(t, 600*time.Millisecond, debounce)
	assert.Equal(t, 1, limit)
}

func TestCloseFlushesAndRejects(t *testing.T) {
	loader := &recordingLoader{}
	b := NewBatcher(loader, &Config{Debounce: time.Hour})

	done, ok := b.Enqueue(types.BatchLoadRequest{BranchIDs: []int{1}, DataTypes: []types.DataType{types.DataSales}})
	require.True(t, ok)

	b.Close(context.Background())
	waitDone(t, done)
	assert.Len(t, loader.Calls(), 1)

	done, ok = b.Enqueue(types.BatchLoadRequest{BranchIDs: []int{2}, DataTypes: []types.DataType{types.DataSales}})
	assert.False(t, ok)
	waitDone(t, done)
	assert.Equal(t, int64(1), b.GetStats().Rejected)

	// Close is idempotent
	b.Close(context.Background())
}

func TestDrainEmptyQueue(t *testing.T) {
	b := NewBatcher(&recordingLoader{}, nil)
	defer b.Close(context.Background())

	b.Drain(context.Background())
	assert.Equal(t, int64(0), b.GetStats().Drains)
}
