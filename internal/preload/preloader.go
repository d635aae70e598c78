// Package preload warms the cache for branches adjacent to the active ones.
package preload

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/branchsync/branchsync/internal/batch"
	"github.com/branchsync/branchsync/internal/metrics"
	"github.com/branchsync/branchsync/pkg/errors"
	"github.com/branchsync/branchsync/pkg/types"
	"github.com/branchsync/branchsync/pkg/utils"
)

// Config contains configuration for predictive preloading
type Config struct {
	Enabled            bool          `yaml:"enabled"`
	Interval           time.Duration `yaml:"interval"`            // Tick period in normal mode
	AggressiveInterval time.Duration `yaml:"aggressive_interval"` // Tick period while the grade is good
	MaxSiblings        int           `yaml:"max_siblings"`        // Siblings predicted per active branch
	RatePerSecond      float64       `yaml:"rate_per_second"`     // Sustained preload requests per second
	Burst              int           `yaml:"burst"`
}

// DefaultConfig returns the default preload configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:            true,
		Interval:           time.Minute,
		AggressiveInterval: 20 * time.Second,
		MaxSiblings:        2,
		RatePerSecond:      1,
		Burst:              2,
	}
}

// DataTypes are the only types preloaded; heavier types are never loaded speculatively.
var DataTypes = []types.DataType{types.DataSales, types.DataInventory}

// Enqueuer accepts batch load requests
type Enqueuer interface {
	Enqueue(req types.BatchLoadRequest, observers ...batch.StepFunc) (<-chan struct{}, bool)
}

// Regulator exposes the self-regulation state the preloader obeys
type Regulator interface {
	Suspended() bool
	AggressivePreload() bool
}

// Stats tracks preloader activity
type Stats struct {
	Ticks       int64     `json:"ticks"`
	Submitted   int64     `json:"submitted"`
	Predicted   int64     `json:"predicted"`
	Suspended   int64     `json:"suspended"`
	RateLimited int64     `json:"rate_limited"`
	LastRun     time.Time `json:"last_run"`
}

// Option configures a Preloader
type Option func(*Preloader)

// WithLogger sets the preloader logger
func WithLogger(logger *utils.StructuredLogger) Option {
	return func(p *Preloader) { p.logger = logger }
}

// WithCollector records preload submissions in Prometheus
func WithCollector(collector *metrics.Collector) Option {
	return func(p *Preloader) { p.collector = collector }
}

// Preloader warms the cache for branches the user is likely to open next
type Preloader struct {
	config    Config
	source    types.BranchSource
	queue     Enqueuer
	regulator Regulator
	limiter   *rate.Limiter
	logger    *utils.StructuredLogger
	collector *metrics.Collector

	mu      sync.Mutex
	stats   Stats
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a preloader
func New(source types.BranchSource, queue Enqueuer, regulator Regulator, config *Config, opts ...Option) *Preloader {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	defaults := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.AggressiveInterval <= 0 || cfg.AggressiveInterval > cfg.Interval {
		cfg.AggressiveInterval = cfg.Interval
	}
	if cfg.MaxSiblings < 0 {
		cfg.MaxSiblings = 0
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = defaults.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	p := &Preloader{
		config:    cfg,
		source:    source,
		queue:     queue,
		regulator: regulator,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:    utils.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithComponent("preload")
	return p
}

// Predict returns the branches likely to be opened next: every direct child
// of an active branch plus up to maxSiblings siblings per active branch.
// Active branches are never predicted. The result is sorted.
func Predict(active []int, branches []types.Branch, maxSiblings int) []int {
	isActive := make(map[int]bool, len(active))
	for _, id := range active {
		isActive[id] = true
	}

	parentOf := make(map[int]*int, len(branches))
	for _, b := range branches {
		parentOf[b.ID] = b.ParentID
	}

	predicted := make(map[int]struct{})
	for _, id := range active {
		for _, b := range branches {
			if b.ParentID != nil && *b.ParentID == id {
				predicted[b.ID] = struct{}{}
			}
		}

		parent := parentOf[id]
		if parent == nil {
			continue
		}
		taken := 0
		for _, b := range branches {
			if taken >= maxSiblings {
				break
			}
			if b.ID == id || b.ParentID == nil || *b.ParentID != *parent {
				continue
			}
			predicted[b.ID] = struct{}{}
			taken++
		}
	}

	out := make([]int, 0, len(predicted))
	for id := range predicted {
		if !isActive[id] {
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

// RunOnce predicts from the current branch source and submits one low priority
// request for the predicted branches. It returns the submitted branch ids.
func (p *Preloader) RunOnce() []int {
	start := time.Now()

	p.mu.Lock()
	p.stats.Ticks++
	p.stats.LastRun = start
	p.mu.Unlock()

	if p.regulator != nil && p.regulator.Suspended() {
		p.count(func(s *Stats) { s.Suspended++ })
		p.logger.Debug("Preload skipped while syncs are suspended")
		return nil
	}

	predicted := Predict(p.source.ActiveBranchIDs(), p.source.AccessibleBranches(), p.config.MaxSiblings)
	if len(predicted) == 0 {
		return nil
	}
	p.count(func(s *Stats) { s.Predicted += int64(len(predicted)) })

	if !p.limiter.Allow() {
		p.count(func(s *Stats) { s.RateLimited++ })
		p.logger.Debug("Preload rate limited", map[string]interface{}{"branches": len(predicted)})
		return nil
	}

	_, accepted := p.queue.Enqueue(types.BatchLoadRequest{
		BranchIDs:    predicted,
		DataTypes:    append([]types.DataType(nil), DataTypes...),
		Priority:     types.PriorityLow,
		ForceRefresh: false,
	})
	p.count(func(s *Stats) { s.Submitted++ })
	p.collector.RecordOperation("preload", time.Since(start), 0, accepted)

	p.logger.Debug("Preload submitted", map[string]interface{}{
		"branch_ids": types.JoinBranchIDs(predicted),
		"accepted":   accepted,
	})
	return predicted
}

// Interval returns the period until the next tick given the current grade
func (p *Preloader) Interval() time.Duration {
	if p.regulator != nil && p.regulator.AggressivePreload() {
		return p.config.AggressiveInterval
	}
	return p.config.Interval
}

// Start runs RunOnce periodically until ctx is done or Stop is called. A
// disabled preloader starts as a no-op.
func (p *Preloader) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "preloader already started").
			WithComponent("preload")
	}
	p.started = true
	if !p.config.Enabled {
		p.logger.Info("Predictive preloading disabled")
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(runCtx, p.done)

	p.logger.Info("Predictive preloading started", map[string]interface{}{
		"interval":            p.config.Interval.String(),
		"aggressive_interval": p.config.AggressiveInterval.String(),
	})
	return nil
}

func (p *Preloader) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(p.Interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.RunOnce()
			timer.Reset(p.Interval())
		}
	}
}

// Stop ends the periodic loop and waits for it to exit
func (p *Preloader) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// GetStats returns current preloader statistics
func (p *Preloader) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Preloader) count(fn func(*Stats)) {
	p.mu.Lock()
	fn(&p.stats)
	p.mu.Unlock()
}
