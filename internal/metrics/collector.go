package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/branchsync/branchsync/pkg/errors"
	"github.com/branchsync/branchsync/pkg/types"
)

// Collector exports engine metrics on a private Prometheus registry
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	// Prometheus metrics
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	cacheRequests     *prometheus.CounterVec
	cacheSizeGauge    prometheus.Gauge
	cacheEntriesGauge prometheus.Gauge
	cacheUtilization  prometheus.Gauge
	cacheEvictions    prometheus.Gauge
	gradeScore        prometheus.Gauge
	gradeRank         prometheus.Gauge
	syncRuns          *prometheus.CounterVec
	batchSteps        *prometheus.CounterVec
	errorCounter      *prometheus.CounterVec

	// Internal tracking
	operations map[string]*OperationMetrics
	lastReset  time.Time
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// DefaultConfig returns the default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Path:      "/metrics",
		Namespace: "branchsync",
		Labels:    make(map[string]string),
	}
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
	AvgSize       float64       `json:"avg_size"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	collector := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}

	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

// Enabled reports whether the collector records anything
func (c *Collector) Enabled() bool {
	return c != nil && c.config.Enabled
}

// Registry returns the private registry, or nil when disabled
func (c *Collector) Registry() *prometheus.Registry {
	if !c.Enabled() {
		return nil
	}
	return c.registry
}

// Handler returns an HTTP handler serving the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	if !c.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// RecordOperation records one timed operation
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	if !c.Enabled() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	metrics, exists := c.operations[operation]
	if !exists {
		metrics = &OperationMetrics{}
		c.operations[operation] = metrics
	}
	metrics.Count++
	metrics.TotalDuration += duration
	metrics.TotalSize += size
	if !success {
		metrics.Errors++
	}
	metrics.LastOperation = time.Now()
	metrics.AvgDuration = time.Duration(int64(metrics.TotalDuration) / metrics.Count)
	metrics.AvgSize = float64(metrics.TotalSize) / float64(metrics.Count)

	c.operationCounter.With(prometheus.Labels{
		"operation": operation,
		"status":    statusLabel(success),
	}).Inc()
	c.operationDuration.With(prometheus.Labels{
		"operation": operation,
	}).Observe(duration.Seconds())

	if size > 0 {
		c.operationSize.With(prometheus.Labels{
			"operation": operation,
		}).Observe(float64(size))
	}
}

// RecordCacheHit records a cache hit for a data type
func (c *Collector) RecordCacheHit(dataType types.DataType) {
	if !c.Enabled() {
		return
	}
	c.cacheRequests.With(prometheus.Labels{"type": "hit", "data_type": string(dataType)}).Inc()
}

// RecordCacheMiss records a cache miss for a data type
func (c *Collector) RecordCacheMiss(dataType types.DataType) {
	if !c.Enabled() {
		return
	}
	c.cacheRequests.With(prometheus.Labels{"type": "miss", "data_type": string(dataType)}).Inc()
}

// RecordError records an error classified by its code
func (c *Collector) RecordError(operation string, err error) {
	if !c.Enabled() || err == nil {
		return
	}
	c.errorCounter.With(prometheus.Labels{
		"operation": operation,
		"type":      classifyError(err),
	}).Inc()
}

// RecordSyncRun records the outcome of one branch sync run
func (c *Collector) RecordSyncRun(success bool) {
	if !c.Enabled() {
		return
	}
	outcome := "synced"
	if !success {
		outcome = "error"
	}
	c.syncRuns.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// RecordBatchStep records one executed batch step
func (c *Collector) RecordBatchStep(priority types.Priority, success bool) {
	if !c.Enabled() {
		return
	}
	c.batchSteps.With(prometheus.Labels{
		"priority": priority.String(),
		"status":   statusLabel(success),
	}).Inc()
}

// UpdateCacheStats mirrors cache statistics into gauges
func (c *Collector) UpdateCacheStats(stats types.CacheStats) {
	if !c.Enabled() {
		return
	}
	c.cacheSizeGauge.Set(float64(stats.Size))
	c.cacheEntriesGauge.Set(float64(stats.Entries))
	c.cacheUtilization.Set(stats.Utilization)
	c.cacheEvictions.Set(float64(stats.Evictions))
}

// UpdateGrade records the latest performance score and grade
func (c *Collector) UpdateGrade(score float64, grade Grade) {
	if !c.Enabled() {
		return
	}
	c.gradeScore.Set(score)
	c.gradeRank.Set(float64(grade.Rank()))
}

// GetMetrics returns a copy of the per-operation aggregates
func (c *Collector) GetMetrics() map[string]interface{} {
	metrics := make(map[string]interface{})
	if !c.Enabled() {
		return metrics
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	operations := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		operations[k] = *v
	}

	metrics["operations"] = operations
	metrics["last_reset"] = c.lastReset
	metrics["uptime"] = time.Since(c.lastReset).String()
	return metrics
}

// ResetMetrics resets the per-operation aggregates
func (c *Collector) ResetMetrics() {
	if !c.Enabled() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

// Helper methods

func (c *Collector) initMetrics() {
	ns, sub, labels := c.config.Namespace, c.config.Subsystem, prometheus.Labels(c.config.Labels)

	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "operations_total",
			Help: "Total number of operations",
		},
		[]string{"operation", "status"},
	)

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name:    "operation_duration_seconds",
			Help:    "Duration of operations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
		[]string{"operation"},
	)

	c.operationSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name:    "operation_size_bytes",
			Help:    "Size of operation payloads in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10), // 256B to ~64MB
		},
		[]string{"operation"},
	)

	c.cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "cache_requests_total",
			Help: "Total number of cache lookups",
		},
		[]string{"type", "data_type"},
	)

	c.cacheSizeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "cache_size_bytes",
		Help: "Approximate cache size in bytes",
	})

	c.cacheEntriesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "cache_entries",
		Help: "Number of cache entries",
	})

	c.cacheUtilization = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "cache_utilization_ratio",
		Help: "Cache size divided by its budget",
	})

	c.cacheEvictions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "cache_evictions",
		Help: "Entries evicted since start",
	})

	c.gradeScore = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "performance_score",
		Help: "Latest performance score (0-100)",
	})

	c.gradeRank = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "performance_grade",
		Help: "Latest performance grade, A=4 through F=0",
	})

	c.syncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "sync_runs_total",
			Help: "Branch sync runs by outcome",
		},
		[]string{"outcome"},
	)

	c.batchSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "batch_steps_total",
			Help: "Executed batch steps by priority",
		},
		[]string{"priority", "status"},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "errors_total",
			Help: "Total number of errors",
		},
		[]string{"operation", "type"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.cacheRequests,
		c.cacheSizeGauge,
		c.cacheEntriesGauge,
		c.cacheUtilization,
		c.cacheEvictions,
		c.gradeScore,
		c.gradeRank,
		c.syncRuns,
		c.batchSteps,
		c.errorCounter,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func classifyError(err error) string {
	if code := errors.CodeOf(err); code != errors.ErrCodeInternalError {
		return strings.ToLower(string(code))
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return "operation_timeout"
	case strings.Contains(msg, "connection"):
		return "network_unavailable"
	default:
		return "other"
	}
}
