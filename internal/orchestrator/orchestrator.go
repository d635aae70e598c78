package orchestrator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/branchsync/branchsync/internal/batch"
	"github.com/branchsync/branchsync/internal/cache"
	"github.com/branchsync/branchsync/internal/metrics"
	"github.com/branchsync/branchsync/pkg/errors"
	"github.com/branchsync/branchsync/pkg/health"
	"github.com/branchsync/branchsync/pkg/status"
	"github.com/branchsync/branchsync/pkg/types"
	"github.com/branchsync/branchsync/pkg/utils"
)

// HealthComponent is the name the orchestrator reports its load mode under
const HealthComponent = "sync"

// Config contains orchestrator configuration
type Config struct {
	// Freshness is the staleness budget per tracked data type
	Freshness map[types.DataType]time.Duration

	// TTLs are the cache lifetimes per data type; DefaultTTL covers the rest
	TTLs       map[types.DataType]time.Duration
	DefaultTTL time.Duration

	// LowPriorityDelay staggers non-critical smart sync loads
	LowPriorityDelay time.Duration

	// MonitorInterval is the period of the monitoring tick
	MonitorInterval time.Duration

	// EmergencyCooldown is how long automatic syncs stay suspended on grade F
	EmergencyCooldown time.Duration

	// PageSize is used by LoadPage when the caller passes a non-positive size
	PageSize int

	NormalDebounce     time.Duration
	NormalConcurrency  int
	ReducedDebounce    time.Duration
	ReducedConcurrency int
}

// DefaultConfig returns the default orchestrator configuration
func DefaultConfig() *Config {
	return &Config{
		Freshness: map[types.DataType]time.Duration{
			types.DataNotifications: 30 * time.Second,
			types.DataSales:         2 * time.Minute,
			types.DataInventory:     5 * time.Minute,
			types.DataAnalytics:     10 * time.Minute,
		},
		TTLs: map[types.DataType]time.Duration{
			types.DataNotifications: 30 * time.Second,
			types.DataSales:         2 * time.Minute,
			types.DataInventory:     5 * time.Minute,
			types.DataAnalytics:     10 * time.Minute,
			types.DataPerformance:   5 * time.Minute,
		},
		DefaultTTL:         5 * time.Minute,
		LowPriorityDelay:   100 * time.Millisecond,
		MonitorInterval:    30 * time.Second,
		EmergencyCooldown:  5 * time.Second,
		PageSize:           50,
		NormalDebounce:     300 * time.Millisecond,
		NormalConcurrency:  6,
		ReducedDebounce:    600 * time.Millisecond,
		ReducedConcurrency: 2,
	}
}

// Mode is the load mode chosen by self-regulation
type Mode int

const (
	// ModeNormal runs with the configured debounce and concurrency
	ModeNormal Mode = iota
	// ModeReduced sheds load with a longer debounce and narrower concurrency
	ModeReduced
)

// String returns string representation of the mode
func (m Mode) String() string {
	if m == ModeReduced {
		return "reduced"
	}
	return "normal"
}

// MarshalText encodes the mode by name
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Regulation is the current self-regulation state
type Regulation struct {
	Grade             metrics.Grade `json:"grade"`
	Mode              Mode          `json:"mode"`
	Suspended         bool          `json:"suspended"`
	SuspendedUntil    *time.Time    `json:"suspended_until,omitempty"`
	AggressivePreload bool          `json:"aggressive_preload"`
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithClock overrides the time source used for staleness and bookkeeping
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithLogger sets the orchestrator logger
func WithLogger(logger *utils.StructuredLogger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithCollector records sync outcomes and cache gauges in Prometheus
func WithCollector(collector *metrics.Collector) Option {
	return func(o *Orchestrator) { o.collector = collector }
}

// WithHealthTracker reports the load mode as component health
func WithHealthTracker(tracker *health.Tracker) Option {
	return func(o *Orchestrator) { o.health = tracker }
}

// WithStatusTracker replaces the sync status tracker
func WithStatusTracker(tracker *status.Tracker) Option {
	return func(o *Orchestrator) { o.statuses = tracker }
}

// WithBranchSource provides the active branches for automatic syncs and branch names
func WithBranchSource(source types.BranchSource) Option {
	return func(o *Orchestrator) { o.branches = source }
}

type branchPerf struct {
	loads    int
	hits     int
	loadTime time.Duration
	errors   int
}

// Orchestrator decides what to load, loads it through the cache and tracks sync runs
type Orchestrator struct {
	config    Config
	cache     *cache.Store
	fetcher   types.Fetcher
	monitor   *metrics.Monitor
	batcher   *batch.Batcher
	statuses  *status.Tracker
	branches  types.BranchSource
	collector *metrics.Collector
	health    *health.Tracker
	logger    *utils.StructuredLogger
	now       func() time.Time
	flights   singleflight.Group

	mu        sync.RWMutex
	lastSync  map[int]map[types.DataType]time.Time
	counts    map[int]map[types.DataType]int
	perf      map[int]*branchPerf
	snapshots map[int]types.BranchSnapshot

	regMu          sync.Mutex
	grade          metrics.Grade
	mode           Mode
	suspended      bool
	suspendedUntil time.Time
	aggressive     bool

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New creates an orchestrator. The orchestrator owns a RequestBatcher whose
// steps are executed by LoadBranchData.
func New(store *cache.Store, fetcher types.Fetcher, monitor *metrics.Monitor, config *Config, opts ...Option) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	defaults := DefaultConfig()
	if cfg.Freshness == nil {
		cfg.Freshness = defaults.Freshness
	}
	if cfg.TTLs == nil {
		cfg.TTLs = defaults.TTLs
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaults.DefaultTTL
	}
	if cfg.LowPriorityDelay < 0 {
		cfg.LowPriorityDelay = 0
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = defaults.MonitorInterval
	}
	if cfg.EmergencyCooldown <= 0 {
		cfg.EmergencyCooldown = defaults.EmergencyCooldown
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaults.PageSize
	}
	if cfg.NormalConcurrency <= 0 {
		cfg.NormalConcurrency = defaults.NormalConcurrency
	}
	if cfg.ReducedConcurrency <= 0 {
		cfg.ReducedConcurrency = defaults.ReducedConcurrency
	}
	if cfg.NormalDebounce < 0 {
		cfg.NormalDebounce = defaults.NormalDebounce
	}
	if cfg.ReducedDebounce <= 0 {
		cfg.ReducedDebounce = defaults.ReducedDebounce
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		config:    cfg,
		cache:     store,
		fetcher:   fetcher,
		monitor:   monitor,
		logger:    utils.NopLogger(),
		now:       time.Now,
		lastSync:  make(map[int]map[types.DataType]time.Time),
		counts:    make(map[int]map[types.DataType]int),
		perf:      make(map[int]*branchPerf),
		snapshots: make(map[int]types.BranchSnapshot),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.WithComponent("orchestrator")
	if o.statuses == nil {
		o.statuses = status.NewTracker(status.TrackerConfig{Clock: o.now})
	}
	if o.health != nil {
		o.health.RegisterComponent(HealthComponent)
	}

	o.batcher = batch.NewBatcher(o, &batch.Config{
		Debounce:       cfg.NormalDebounce,
		MaxConcurrency: cfg.NormalConcurrency,
	}, batch.WithLogger(o.logger), batch.WithCollector(o.collector))

	return o
}

// Batcher returns the request batcher driven by this orchestrator
func (o *Orchestrator) Batcher() *batch.Batcher {
	return o.batcher
}

// Statuses returns the sync status tracker
func (o *Orchestrator) Statuses() *status.Tracker {
	return o.statuses
}

// Start begins the monitoring tick and reacts to monitor reports until Stop
func (o *Orchestrator) Start(ctx context.Context) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	if o.stopped {
		return errors.NewError(errors.ErrCodeComponentStopped, "orchestrator stopped").
			WithComponent("orchestrator")
	}
	if o.started {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "orchestrator already started").
			WithComponent("orchestrator")
	}
	o.started = true

	reports, unsubscribe := o.monitor.Subscribe()

	o.wg.Add(2)
	go func() {
		defer o.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case <-o.ctx.Done():
				return
			case report, ok := <-reports:
				if !ok {
					return
				}
				o.HandleReport(report)
			}
		}
	}()
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.config.MonitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-o.ctx.Done():
				return
			case <-ticker.C:
				o.Tick(ctx)
			}
		}
	}()

	o.logger.Info("Orchestrator started", map[string]interface{}{
		"monitor_interval": o.config.MonitorInterval.String(),
	})
	return nil
}

// Stop cancels periodic and deferred work, flushes the batcher and ends subscriptions.
func (o *Orchestrator) Stop() {
	o.lifecycleMu.Lock()
	if o.stopped {
		o.lifecycleMu.Unlock()
		return
	}
	o.stopped = true
	o.lifecycleMu.Unlock()

	o.cancel()
	o.wg.Wait()
	o.batcher.Close(context.Background())
	o.statuses.Close()
	o.logger.Info("Orchestrator stopped")
}

// Tick runs one monitoring pass: grade the rolling window, keep the cache
// under its threshold and sync stale active branches unless suspended.
func (o *Orchestrator) Tick(ctx context.Context) {
	o.collector.UpdateCacheStats(o.cache.Stats())
	if removed := o.cache.CleanupIfNeeded(); removed > 0 {
		o.logger.Info("Cache cleanup freed entries", map[string]interface{}{"removed": removed})
	}

	if o.monitor.RollingStats().Samples > 0 {
		// The report reaches HandleReport through the subscription
		o.monitor.Evaluate(o.cache.Utilization() * 100)
	}

	if o.branches == nil || o.Suspended() {
		return
	}
	if active := o.branches.ActiveBranchIDs(); len(active) > 0 {
		if _, err := o.SmartSync(ctx, active); err != nil {
			o.logger.Debug("Automatic sync skipped", map[string]interface{}{"error": err})
		}
	}
}

// HandleReport applies self-regulation for a monitor report. It acts on grade
// transitions, and on every F while no emergency is in effect.
func (o *Orchestrator) HandleReport(report metrics.Report) {
	if report.TotalOperations == 0 {
		return
	}

	o.regMu.Lock()
	prev := o.grade
	o.grade = report.Grade
	inEmergency := o.suspended
	o.regMu.Unlock()

	changed := prev != report.Grade
	fields := map[string]interface{}{
		"grade":    report.Grade,
		"previous": prev,
		"score":    report.Score,
	}

	switch report.Grade {
	case metrics.GradeF:
		if changed || !inEmergency {
			o.logger.Error("Performance critical, entering emergency mode", fields)
			o.reduceLoad()
			o.enterEmergency()
		}
	case metrics.GradeD:
		if changed {
			o.logger.Warn("Performance degraded, reducing system load", fields)
			o.reduceLoad()
		}
	case metrics.GradeA, metrics.GradeB:
		if changed {
			o.logger.Info("Performance good, enabling aggressive preloading", fields)
			o.normalLoad(true)
		}
	default:
		if changed {
			o.setAggressive(false)
		}
	}
}

func (o *Orchestrator) reduceLoad() {
	o.ClearCache()
	o.batcher.SetDebounce(o.config.ReducedDebounce)
	o.batcher.SetMaxConcurrency(o.config.ReducedConcurrency)

	o.regMu.Lock()
	o.mode = ModeReduced
	o.aggressive = false
	o.regMu.Unlock()

	if o.health != nil {
		o.health.SetState(HealthComponent, health.StateDegraded, "reduced load mode")
	}
}

func (o *Orchestrator) normalLoad(aggressive bool) {
	o.batcher.SetDebounce(o.config.NormalDebounce)
	o.batcher.SetMaxConcurrency(o.config.NormalConcurrency)

	o.regMu.Lock()
	o.mode = ModeNormal
	o.aggressive = aggressive
	o.regMu.Unlock()

	if o.health != nil {
		o.health.SetState(HealthComponent, health.StateHealthy, "normal load mode")
	}
}

func (o *Orchestrator) setAggressive(aggressive bool) {
	o.regMu.Lock()
	defer o.regMu.Unlock()
	o.aggressive = aggressive
}

// enterEmergency suspends automatic syncs for the cool-down window
func (o *Orchestrator) enterEmergency() {
	o.regMu.Lock()
	if o.suspended {
		o.regMu.Unlock()
		return
	}
	o.suspended = true
	o.suspendedUntil = o.now().Add(o.config.EmergencyCooldown)
	o.regMu.Unlock()

	o.goBackground(func() {
		timer := time.NewTimer(o.config.EmergencyCooldown)
		defer timer.Stop()
		select {
		case <-o.ctx.Done():
		case <-timer.C:
			o.regMu.Lock()
			o.suspended = false
			o.suspendedUntil = time.Time{}
			o.regMu.Unlock()
			o.logger.Info("Emergency cool-down elapsed, automatic syncs resumed")
		}
	})
}

// goBackground runs fn as lifecycle-bound work unless the orchestrator is stopped
func (o *Orchestrator) goBackground(fn func()) bool {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()
	if o.stopped {
		return false
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn()
	}()
	return true
}

// Suspended reports whether automatic syncs are currently suspended
func (o *Orchestrator) Suspended() bool {
	o.regMu.Lock()
	defer o.regMu.Unlock()
	return o.suspended
}

// AggressivePreload reports whether the last grades asked for aggressive preloading
func (o *Orchestrator) AggressivePreload() bool {
	o.regMu.Lock()
	defer o.regMu.Unlock()
	return o.aggressive
}

// Regulation returns the current self-regulation state
func (o *Orchestrator) Regulation() Regulation {
	o.regMu.Lock()
	defer o.regMu.Unlock()

	r := Regulation{
		Grade:             o.grade,
		Mode:              o.mode,
		Suspended:         o.suspended,
		AggressivePreload: o.aggressive,
	}
	if o.suspended {
		until := o.suspendedUntil
		r.SuspendedUntil = &until
	}
	return r
}

// ClearCache drops every cache entry
func (o *Orchestrator) ClearCache() {
	o.cache.Clear()
	o.logger.Info("Cache cleared")
}

// InvalidateBranch drops every cache entry that covers branchID and forgets its sync times.
func (o *Orchestrator) InvalidateBranch(branchID int) int {
	removed := o.cache.InvalidateBranch(branchID)
	for _, key := range o.cache.Keys() {
		_, ids, ok := cache.ParseKey(key)
		if !ok {
			continue
		}
		for _, id := range ids {
			if id == branchID {
				if o.cache.Delete(key) {
					removed++
				}
				break
			}
		}
	}

	o.mu.Lock()
	delete(o.lastSync, branchID)
	delete(o.counts, branchID)
	o.mu.Unlock()

	o.logger.Info("Branch invalidated", map[string]interface{}{
		"branch_id": branchID,
		"removed":   removed,
	})
	return removed
}

func (o *Orchestrator) ttlFor(dataType types.DataType) time.Duration {
	if ttl, ok := o.config.TTLs[dataType]; ok && ttl > 0 {
		return ttl
	}
	return o.config.DefaultTTL
}

func (o *Orchestrator) branchName(branchID int) string {
	if o.branches == nil {
		return ""
	}
	for _, b := range o.branches.AccessibleBranches() {
		if b.ID == branchID {
			return b.Name
		}
	}
	return ""
}
