package batch

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/branchsync/branchsync/internal/metrics"
	"github.com/branchsync/branchsync/pkg/errors"
	"github.com/branchsync/branchsync/pkg/types"
	"github.com/branchsync/branchsync/pkg/utils"
)

// Config contains configuration for the request batcher
type Config struct {
	Debounce       time.Duration `yaml:"debounce"`        // Quiet period before a drain
	MaxConcurrency int           `yaml:"max_concurrency"` // Concurrent medium/low loads per drain
}

// DefaultConfig returns the default batcher configuration
func DefaultConfig() *Config {
	return &Config{
		Debounce:       300 * time.Millisecond,
		MaxConcurrency: 6,
	}
}

// Step describes one finished single-branch, single-type load
type Step struct {
	BranchID int
	DataType types.DataType
	Priority types.Priority
	Elapsed  time.Duration
	Err      error
}

// StepFunc observes the steps of an enqueued request
type StepFunc func(Step)

// Stats tracks batcher statistics
type Stats struct {
	Enqueued         int64   `json:"enqueued"`
	Deduplicated     int64   `json:"deduplicated"`
	Rejected         int64   `json:"rejected"`
	Drains           int64   `json:"drains"`
	Steps            int64   `json:"steps"`
	FailedSteps      int64   `json:"failed_steps"`
	AverageDrainSize float64 `json:"average_drain_size"`
	Pending          int     `json:"pending"`
}

type pending struct {
	req         types.BatchLoadRequest
	fingerprint uint64
	observers   []StepFunc
	done        chan struct{}
}

// Option configures a Batcher
type Option func(*Batcher)

// WithLogger sets the batcher logger
func WithLogger(logger *utils.StructuredLogger) Option {
	return func(b *Batcher) { b.logger = logger }
}

// WithCollector records per-step outcomes in Prometheus
func WithCollector(collector *metrics.Collector) Option {
	return func(b *Batcher) { b.collector = collector }
}

// Batcher coalesces load requests and drains them by priority after a quiet period
type Batcher struct {
	loader    types.Loader
	logger    *utils.StructuredLogger
	collector *metrics.Collector

	mu             sync.Mutex
	debounce       time.Duration
	maxConcurrency int
	queue          []*pending
	index          map[uint64]*pending
	timer          *time.Timer
	closed         bool
	stats          Stats
	drained        int64

	// base context for timer-triggered drains
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBatcher creates a batcher that executes requests through loader
func NewBatcher(loader types.Loader, config *Config, opts ...Option) *Batcher {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.Debounce < 0 {
		cfg.Debounce = 0
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultConfig().MaxConcurrency
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Batcher{
		loader:         loader,
		logger:         utils.NopLogger(),
		debounce:       cfg.Debounce,
		maxConcurrency: cfg.MaxConcurrency,
		index:          make(map[uint64]*pending),
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.WithComponent("batch")
	return b
}

// Fingerprint identifies a request by its branch set and data type set, ignoring order
func Fingerprint(req types.BatchLoadRequest) uint64 {
	ids := types.SortedBranchIDs(req.BranchIDs)

	seen := make(map[types.DataType]struct{}, len(req.DataTypes))
	names := make([]string, 0, len(req.DataTypes))
	for _, dt := range req.DataTypes {
		if _, ok := seen[dt]; ok {
			continue
		}
		seen[dt] = struct{}{}
		names = append(names, string(dt))
	}
	sort.Strings(names)

	d := xxhash.New()
	var buf [8]byte
	for _, id := range ids {
		binary.LittleEndian.PutUint64(buf[:], uint64(int64(id)))
		_, _ = d.Write(buf[:])
	}
	_, _ = d.Write([]byte{0xff})
	for _, name := range names {
		_, _ = d.WriteString(name)
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

// Enqueue queues req for the next drain. When an equivalent request is already
// pending, req is dropped and accepted is false; done still closes when the
// drain carrying the equivalent request completes, and observers are attached
// to it. A closed batcher returns an already closed channel.
func (b *Batcher) Enqueue(req types.BatchLoadRequest, observers ...StepFunc) (done <-chan struct{}, accepted bool) {
	fp := Fingerprint(req)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		b.stats.Rejected++
		ch := make(chan struct{})
		close(ch)
		return ch, false
	}

	if existing, ok := b.index[fp]; ok {
		existing.observers = append(existing.observers, observers...)
		b.stats.Deduplicated++
		b.logger.Trace("Dropped duplicate load request", map[string]interface{}{
			"branch_ids": types.JoinBranchIDs(req.BranchIDs),
			"priority":   req.Priority.String(),
		})
		return existing.done, false
	}

	p := &pending{
		req:         req,
		fingerprint: fp,
		observers:   observers,
		done:        make(chan struct{}),
	}
	b.queue = append(b.queue, p)
	b.index[fp] = p
	b.stats.Enqueued++

	b.armLocked()
	return p.done, true
}

// armLocked restarts the debounce timer
func (b *Batcher) armLocked() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.debounce, func() {
		b.Drain(b.ctx)
	})
}

// Drain executes everything queued so far and returns when it has finished.
// High priority requests run one after another before any medium or low
// request starts; medium and low steps then run concurrently.
func (b *Batcher) Drain(ctx context.Context) {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	items := b.queue
	b.queue = nil
	b.index = make(map[uint64]*pending)
	limit := b.maxConcurrency
	if len(items) > 0 {
		b.stats.Drains++
		b.drained += int64(len(items))
		b.stats.AverageDrainSize = float64(b.drained) / float64(b.stats.Drains)
		b.wg.Add(1)
	}
	b.mu.Unlock()

	if len(items) == 0 {
		return
	}
	defer b.wg.Done()

	b.run(ctx, items, limit)
}

func (b *Batcher) run(ctx context.Context, items []*pending, limit int) {
	start := time.Now()
	defer func() {
		for _, p := range items {
			close(p.done)
		}
	}()

	var high, rest []*pending
	for _, p := range items {
		if p.req.Priority == types.PriorityHigh {
			high = append(high, p)
		} else {
			rest = append(rest, p)
		}
	}
	// medium before low when submitting to the pool
	sort.SliceStable(rest, func(i, j int) bool {
		return rest[i].req.Priority < rest[j].req.Priority
	})

	var failed int
	for _, p := range high {
		for _, id := range p.req.BranchIDs {
			for _, dt := range p.req.DataTypes {
				if b.step(ctx, p, id, dt) != nil {
					failed++
				}
			}
		}
	}

	var (
		mu         sync.Mutex
		restFailed int
	)
	g := new(errgroup.Group)
	g.SetLimit(limit)
	for _, p := range rest {
		for _, id := range p.req.BranchIDs {
			for _, dt := range p.req.DataTypes {
				g.Go(func() error {
					if b.step(ctx, p, id, dt) != nil {
						mu.Lock()
						restFailed++
						mu.Unlock()
					}
					// failures never cancel siblings
					return nil
				})
			}
		}
	}
	_ = g.Wait()
	failed += restFailed

	fields := map[string]interface{}{
		"requests": len(items),
		"high":     len(high),
		"failed":   failed,
		"duration": time.Since(start).String(),
	}
	if failed > 0 {
		b.logger.Warn("Batch drain finished with failures", fields)
	} else {
		b.logger.Debug("Batch drain finished", fields)
	}
}

// step runs one load and reports it to the request's observers
func (b *Batcher) step(ctx context.Context, p *pending, branchID int, dataType types.DataType) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewError(errors.ErrCodeInternalError, "load panicked").
				WithComponent("batch").
				WithDetail("panic", r)
		}

		elapsed := time.Since(start)
		b.mu.Lock()
		b.stats.Steps++
		if err != nil {
			b.stats.FailedSteps++
		}
		observers := append([]StepFunc(nil), p.observers...)
		b.mu.Unlock()

		b.collector.RecordBatchStep(p.req.Priority, err == nil)
		if err != nil {
			b.logger.Warn("Load step failed", map[string]interface{}{
				"branch_id": branchID,
				"data_type": string(dataType),
				"priority":  p.req.Priority.String(),
				"error":     err,
			})
		}

		s := Step{BranchID: branchID, DataType: dataType, Priority: p.req.Priority, Elapsed: elapsed, Err: err}
		for _, observe := range observers {
			observe(s)
		}
	}()

	return b.loader.LoadBranchData(ctx, branchID, dataType, p.req.ForceRefresh)
}

// SetDebounce changes the debounce window for subsequent requests
func (b *Batcher) SetDebounce(d time.Duration) {
	if d < 0 {
		d = 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.debounce = d
}

// SetMaxConcurrency changes the medium/low concurrency of subsequent drains
func (b *Batcher) SetMaxConcurrency(n int) {
	if n <= 0 {
		n = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maxConcurrency = n
}

// Settings returns the current debounce window and concurrency
func (b *Batcher) Settings() (time.Duration, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.debounce, b.maxConcurrency
}

// Pending returns the number of queued requests
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// GetStats returns current batcher statistics
func (b *Batcher) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Pending = len(b.queue)
	return s
}

// Close stops accepting requests, drains what is queued with ctx and waits
// for in-flight drains to finish.
func (b *Batcher) Close(ctx context.Context) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.Drain(ctx)
	b.wg.Wait()
	b.cancel()
}
