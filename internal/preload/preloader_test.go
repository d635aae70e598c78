package preload

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchsync/branchsync/internal/batch"
	"github.com/branchsync/branchsync/pkg/errors"
	"github.com/branchsync/branchsync/pkg/types"
)

type fakeQueue struct {
	mu   sync.Mutex
	reqs []types.BatchLoadRequest
}

func (q *fakeQueue) Enqueue(req types.BatchLoadRequest, _ ...batch.StepFunc) (<-chan struct{}, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reqs = append(q.reqs, req)
	ch := make(chan struct{})
	close(ch)
	return ch, true
}

func (q *fakeQueue) Requests() []types.BatchLoadRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]types.BatchLoadRequest(nil), q.reqs...)
}

type fakeRegulator struct {
	suspended  bool
	aggressive bool
}

func (r *fakeRegulator) Suspended() bool         { return r.suspended }
func (r *fakeRegulator) AggressivePreload() bool { return r.aggressive }

func parent(id int) *int { return &id }

// 1 ─┬─ 2 ─┬─ 5
//    │     └─ 6
//    ├─ 3
//    └─ 4
func hierarchy() []types.Branch {
	return []types.Branch{
		{ID: 1, Name: "HQ"},
		{ID: 2, Name: "North", ParentID: parent(1)},
		{ID: 3, Name: "South", ParentID: parent(1)},
		{ID: 4, Name: "East", ParentID: parent(1)},
		{ID: 5, Name: "North A", ParentID: parent(2)},
		{ID: 6, Name: "North B", ParentID: parent(2)},
	}
}

func TestPredict(t *testing.T) {
	tests := []struct {
		name        string
		active      []int
		maxSiblings int
		want        []int
	}{
		{"root predicts children", []int{1}, 2, []int{2, 3, 4}},
		{"children and two siblings", []int{2}, 2, []int{3, 4, 5, 6}},
		{"sibling cap", []int{2}, 1, []int{3, 5, 6}},
		{"leaf predicts siblings", []int{5}, 2, []int{6}},
		{"active branches excluded", []int{1, 2}, 2, []int{3, 4, 5, 6}},
		{"unknown branch", []int{42}, 2, []int{}},
		{"nothing active", nil, 2, []int{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Predict(tt.active, hierarchy(), tt.maxSiblings))
		})
	}
}

func TestRunOnceSubmitsLowPriorityCriticalTypes(t *testing.T) {
	queue := &fakeQueue{}
	source := &types.StaticBranchSource{Active: []int{2}, Branches: hierarchy()}
	p := New(source, queue, &fakeRegulator{}, nil)

	got := p.RunOnce()
	assert.Equal(t, []int{3, 4, 5, 6}, got)

	reqs := queue.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []int{3, 4, 5, 6}, reqs[0].BranchIDs)
	assert.Equal(t, []types.DataType{types.DataSales, types.DataInventory}, reqs[0].DataTypes)
	assert.Equal(t, types.PriorityLow, reqs[0].Priority)
	assert.False(t, reqs[0].ForceRefresh)

	stats := p.GetStats()
	assert.Equal(t, int64(1), stats.Submitted)
	assert.Equal(t, int64(4), stats.Predicted)
}

func TestRunOnceSkipsWhileSuspended(t *testing.T) {
	queue := &fakeQueue{}
	source := &types.StaticBranchSource{Active: []int{1}, Branches: hierarchy()}
	p := New(source, queue, &fakeRegulator{suspended: true}, nil)

	assert.Nil(t, p.RunOnce())
	assert.Empty(t, queue.Requests())
	assert.Equal(t, int64(1), p.GetStats().Suspended)
}

func TestRunOnceWithoutPredictions(t *testing.T) {
	queue := &fakeQueue{}
	source := &types.StaticBranchSource{Active: []int{1, 2, 3, 4, 5, 6}, Branches: hierarchy()}
	p := New(source, queue, nil, nil)

	assert.Empty(t, p.RunOnce())
	assert.Empty(t, queue.Requests())
}

func TestRunOnceIsRateLimited(t *testing.T) {
	queue := &fakeQueue{}
	source := &types.StaticBranchSource{Active: []int{1}, Branches: hierarchy()}
	cfg := DefaultConfig()
	cfg.RatePerSecond = 0.001
	cfg.Burst = 1
	p := New(source, queue, nil, cfg)

	assert.NotEmpty(t, p.RunOnce())
	assert.Nil(t, p.RunOnce())
	assert.Len(t, queue.Requests(), 1)
	assert.Equal(t, int64(1), p.GetStats().RateLimited)
}

func TestIntervalFollowsAggressiveMode(t *testing.T) {
	reg := &fakeRegulator{}
	p := New(&types.StaticBranchSource{}, &fakeQueue{}, reg, nil)

	assert.Equal(t, time.Minute, p.Interval())
	reg.aggressive = true
	assert.Equal(t, 20*time.Second, p.Interval())
}

func TestStartRunsPeriodically(t *testing.T) {
	queue := &fakeQueue{}
	source := &types.StaticBranchSource{Active: []int{1}, Branches: hierarchy()}
	cfg := DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	cfg.RatePerSecond = 1000
	p := New(source, queue, &fakeRegulator{}, cfg)

	require.NoError(t, p.Start(context.Background()))
	err := p.Start(context.Background())
	assert.Equal(t, errors.ErrCodeAlreadyStarted, errors.CodeOf(err))

	require.Eventually(t, func() bool { return len(queue.Requests()) >= 2 }, time.Second, 5*time.Millisecond)

	p.Stop()
	n := len(queue.Requests())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, len(queue.Requests()), "no ticks after Stop")
	p.Stop()
}

func TestDisabledPreloaderDoesNotRun(t *testing.T) {
	queue := &fakeQueue{}
	cfg := DefaultConfig()
	cfg.Enabled = false
	cfg.Interval = time.Millisecond
	p := New(&types.StaticBranchSource{Active: []int{1}, Branches: hierarchy()}, queue, nil, cfg)

	require.NoError(t, p.Start(context.Background()))
	time.Sleep(20 * time.Millisecond)
	p.Stop()
	assert.Empty(t, queue.Requests())
}
