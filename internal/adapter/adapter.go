package adapter

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/branchsync/branchsync/internal/backend"
	"github.com/branchsync/branchsync/internal/cache"
	"github.com/branchsync/branchsync/internal/circuit"
	"github.com/branchsync/branchsync/internal/config"
	"github.com/branchsync/branchsync/internal/metrics"
	"github.com/branchsync/branchsync/internal/orchestrator"
	"github.com/branchsync/branchsync/internal/preload"
	"github.com/branchsync/branchsync/pkg/api"
	"github.com/branchsync/branchsync/pkg/errors"
	"github.com/branchsync/branchsync/pkg/health"
	"github.com/branchsync/branchsync/pkg/retry"
	"github.com/branchsync/branchsync/pkg/status"
	"github.com/branchsync/branchsync/pkg/types"
	"github.com/branchsync/branchsync/pkg/utils"
)

// Option configures an Adapter
type Option func(*options)

type options struct {
	fetcher types.Fetcher
	logger  *utils.StructuredLogger
}

// WithFetcher replaces the REST backend client
func WithFetcher(fetcher types.Fetcher) Option {
	return func(o *options) { o.fetcher = fetcher }
}

// WithLogger replaces the logger built from the global configuration
func WithLogger(logger *utils.StructuredLogger) Option {
	return func(o *options) { o.logger = logger }
}

// Adapter wires the cache, backend client, monitor, orchestrator, preloader
// and introspection server into one engine.
type Adapter struct {
	config *config.Configuration
	logger *utils.StructuredLogger

	health    *health.Tracker
	statuses  *status.Tracker
	collector *metrics.Collector
	store     *cache.Store
	client    *backend.Client
	monitor   *metrics.Monitor
	orch      *orchestrator.Orchestrator
	preloader *preload.Preloader
	server    *api.Server

	mu      sync.Mutex
	started bool
	stopped bool
}

// New creates a new engine from cfg. Branch hierarchy and active branches come from source.
func New(cfg *config.Configuration, source types.BranchSource, opts ...Option) (*Adapter, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := validateBaseURL(cfg.Backend.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}
	if source == nil {
		source = &types.StaticBranchSource{}
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	a := &Adapter{config: cfg, logger: o.logger}
	if a.logger == nil {
		a.logger = newLogger(cfg.Global)
	}

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Path:      "/metrics",
		Labels:    cfg.Metrics.CustomLabels,
		Namespace: cfg.Metrics.Namespace,
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigLoad, "failed to create metrics collector", err).
			WithComponent("adapter")
	}
	a.collector = collector

	a.health = health.NewTracker(health.DefaultConfig())
	a.statuses = status.NewTracker(status.TrackerConfig{HealthTracker: a.health})

	maxSize, err := cfg.CacheMaxBytes()
	if err != nil {
		return nil, err
	}
	a.store = cache.NewStore(&cache.Config{
		MaxSize:          maxSize,
		DefaultTTL:       cfg.Cache.DefaultTTL,
		CleanupInterval:  cfg.Cache.CleanupInterval,
		CleanupThreshold: cfg.Cache.CleanupThreshold,
		CleanupFraction:  cfg.Cache.CleanupFraction,
	}, cache.WithLogger(a.logger))

	fetcher := o.fetcher
	if fetcher == nil {
		a.client, err = backend.NewClient(backendConfig(cfg.Backend),
			backend.WithLogger(a.logger),
			backend.WithHealthTracker(a.health),
			backend.WithCollector(collector),
		)
		if err != nil {
			return nil, err
		}
		fetcher = a.client
	}

	a.monitor = metrics.NewMonitor(&metrics.MonitorConfig{
		Capacity: cfg.Monitor.Capacity,
		Window:   cfg.Monitor.Window,
	}, metrics.WithLogger(a.logger), metrics.WithCollector(collector))

	a.orch = orchestrator.New(a.store, fetcher, a.monitor, orchestratorConfig(cfg),
		orchestrator.WithLogger(a.logger),
		orchestrator.WithCollector(collector),
		orchestrator.WithHealthTracker(a.health),
		orchestrator.WithStatusTracker(a.statuses),
		orchestrator.WithBranchSource(source),
	)

	a.preloader = preload.New(source, a.orch.Batcher(), a.orch, &preload.Config{
		Enabled:            cfg.Preload.Enabled,
		Interval:           cfg.Preload.Interval,
		AggressiveInterval: cfg.Preload.AggressiveInterval,
		MaxSiblings:        cfg.Preload.MaxSiblings,
		RatePerSecond:      cfg.Preload.RatePerSecond,
		Burst:              cfg.Preload.Burst,
	}, preload.WithLogger(a.logger), preload.WithCollector(collector))

	if cfg.API.Enabled {
		serverConfig := api.DefaultServerConfig()
		if cfg.API.Address != "" {
			serverConfig.Address = cfg.API.Address
		}
		if cfg.API.ReadTimeout > 0 {
			serverConfig.ReadTimeout = cfg.API.ReadTimeout
		}
		if cfg.API.WriteTimeout > 0 {
			serverConfig.WriteTimeout = cfg.API.WriteTimeout
		}
		serverConfig.EnableCORS = cfg.API.EnableCORS
		serverConfig.EnableMetrics = cfg.Metrics.Enabled
		a.server = api.NewServer(serverConfig, a.Dependencies(), api.WithLogger(a.logger))
	}

	return a, nil
}

// Start initializes and starts every background component
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "engine already started").
			WithComponent("adapter")
	}
	if a.stopped {
		return errors.NewError(errors.ErrCodeComponentStopped, "engine stopped").
			WithComponent("adapter")
	}

	a.logger.Info("Starting branch sync engine", map[string]interface{}{
		"backend":         a.config.Backend.BaseURL,
		"cache_size":      a.config.Cache.MaxSize,
		"max_concurrency": a.config.Batch.MaxConcurrency,
	})

	a.store.Start(ctx)
	if err := a.orch.Start(ctx); err != nil {
		a.store.Stop()
		return err
	}
	if err := a.preloader.Start(ctx); err != nil {
		a.orch.Stop()
		a.store.Stop()
		return err
	}
	if a.server != nil {
		a.server.StartBackground()
	}

	a.started = true
	a.logger.Info("Branch sync engine started")
	return nil
}

// Stop gracefully stops the engine. It is safe to call more than once.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	a.mu.Unlock()

	a.logger.Info("Stopping branch sync engine")

	var firstErr error
	if a.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			firstErr = err
		}
		cancel()
	}
	a.preloader.Stop()
	a.orch.Stop()
	a.monitor.Close()
	a.store.Stop()

	a.logger.Info("Branch sync engine stopped")
	return firstErr
}

// Orchestrator returns the sync orchestrator
func (a *Adapter) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Cache returns the cache store
func (a *Adapter) Cache() *cache.Store { return a.store }

// Monitor returns the performance monitor
func (a *Adapter) Monitor() *metrics.Monitor { return a.monitor }

// Preloader returns the predictive preloader
func (a *Adapter) Preloader() *preload.Preloader { return a.preloader }

// Health returns the component health tracker
func (a *Adapter) Health() *health.Tracker { return a.health }

// Server returns the introspection server, or nil when the API is disabled
func (a *Adapter) Server() *api.Server { return a.server }

// Dependencies returns the components the introspection API reads from
func (a *Adapter) Dependencies() api.Dependencies {
	return api.Dependencies{
		Sync:        a.orch,
		Performance: a.monitor,
		Cache:       a.store,
		Status:      a.statuses,
		Health:      a.health,
		Metrics:     a.collector.Handler(),
	}
}

func newLogger(global config.GlobalConfig) *utils.StructuredLogger {
	cfg := utils.DefaultStructuredLoggerConfig()
	cfg.Output = os.Stderr
	if level, err := utils.ParseLogLevel(global.LogLevel); err == nil {
		cfg.Level = level
	}
	if format, err := utils.ParseLogFormat(global.LogFormat); err == nil {
		cfg.Format = format
	}
	return utils.NewStructuredLogger(cfg)
}

func backendConfig(cfg config.BackendConfig) *backend.Config {
	retryConfig := retry.DefaultConfig()
	if cfg.Retry.MaxAttempts > 0 {
		retryConfig.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.BaseDelay > 0 {
		retryConfig.InitialDelay = cfg.Retry.BaseDelay
	}
	if cfg.Retry.MaxDelay > 0 {
		retryConfig.MaxDelay = cfg.Retry.MaxDelay
	}
	if cfg.Retry.Backoff != "" {
		retryConfig.Backoff = retry.Backoff(cfg.Retry.Backoff)
	}

	breaker := circuit.DefaultConfig()
	if cfg.CircuitBreaker.FailureThreshold > 0 {
		breaker.FailureThreshold = uint32(cfg.CircuitBreaker.FailureThreshold)
	}
	if cfg.CircuitBreaker.Timeout > 0 {
		breaker.Timeout = cfg.CircuitBreaker.Timeout
	}

	return &backend.Config{
		BaseURL:        cfg.BaseURL,
		Timeout:        cfg.Timeout,
		Compression:    cfg.Compression,
		Retry:          retryConfig,
		CircuitBreaker: cfg.CircuitBreaker.Enabled,
		Breaker:        breaker,
	}
}

func orchestratorConfig(cfg *config.Configuration) *orchestrator.Config {
	ttls := make(map[types.DataType]time.Duration, len(types.AllDataTypes()))
	for _, dt := range types.AllDataTypes() {
		ttls[dt] = cfg.TTLFor(dt)
	}
	return &orchestrator.Config{
		Freshness:          cfg.FreshnessBudgets(),
		TTLs:               ttls,
		DefaultTTL:         cfg.Cache.DefaultTTL,
		LowPriorityDelay:   cfg.Sync.LowPriorityDelay,
		MonitorInterval:    cfg.Sync.MonitorInterval,
		EmergencyCooldown:  cfg.Sync.EmergencyCooldown,
		PageSize:           cfg.Sync.PageSize,
		NormalDebounce:     cfg.Batch.Debounce,
		NormalConcurrency:  cfg.Batch.MaxConcurrency,
		ReducedDebounce:    cfg.Batch.ReducedDebounce,
		ReducedConcurrency: cfg.Batch.ReducedConcurrency,
	}
}

// validateBaseURL validates the backend base URL format
func validateBaseURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("failed to parse URL: %w", err)
	}

	switch parsed.Scheme {
	case "http", "https":
		if parsed.Host == "" {
			return fmt.Errorf("URL must include a host")
		}
	default:
		return fmt.Errorf("unsupported scheme: %s (only http and https supported)", parsed.Scheme)
	}

	return nil
}
