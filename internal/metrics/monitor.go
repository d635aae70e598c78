package metrics

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/branchsync/branchsync/pkg/status"
	"github.com/branchsync/branchsync/pkg/utils"
)

// OperationType classifies a recorded metric
type OperationType string

const (
	OpCacheHit  OperationType = "cache_hit"
	OpCacheMiss OperationType = "cache_miss"
	OpAPICall   OperationType = "api_call"
	OpBatchLoad OperationType = "batch_load"
	OpLazyLoad  OperationType = "lazy_load"
)

// Metric is one immutable timed observation
type Metric struct {
	OperationID            string        `json:"operation_id"`
	OperationType          OperationType `json:"operation_type"`
	BranchIDs              []int         `json:"branch_ids"`
	ExecutionTime          time.Duration `json:"execution_time"`
	DataSizeBytes          int64         `json:"data_size_bytes"`
	CapturedAt             time.Time     `json:"captured_at"`
	CacheEfficiencyPercent float64       `json:"cache_efficiency_percent"`
}

// Grade is a letter summary of a performance score
type Grade string

const (
	GradeA Grade = "A"
	GradeB Grade = "B"
	GradeC Grade = "C"
	GradeD Grade = "D"
	GradeF Grade = "F"
)

// Rank orders grades, A=4 through F=0
func (g Grade) Rank() int {
	switch g {
	case GradeA:
		return 4
	case GradeB:
		return 3
	case GradeC:
		return 2
	case GradeD:
		return 1
	default:
		return 0
	}
}

// RollingStats summarizes the most recent window of metrics
type RollingStats struct {
	Samples              int           `json:"samples"`
	CacheHitRatioPercent float64       `json:"cache_hit_ratio_percent"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
}

// Report is the monitor's periodic verdict
type Report struct {
	Grade                   Grade         `json:"grade"`
	Score                   float64       `json:"score"`
	CacheHitRatioPercent    float64       `json:"cache_hit_ratio_percent"`
	AverageExecutionTime    time.Duration `json:"average_execution_time"`
	CacheUtilizationPercent float64       `json:"cache_utilization_percent"`
	TotalOperations         uint64        `json:"total_operations"`
	Recommendations         []string      `json:"recommendations"`
	GeneratedAt             time.Time     `json:"generated_at"`
}

// MonitorConfig sizes the ring buffer and rolling window
type MonitorConfig struct {
	Capacity int `yaml:"capacity"`
	Window   int `yaml:"window"`
}

// DefaultMonitorConfig returns the default monitor configuration
func DefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		Capacity: 1000,
		Window:   100,
	}
}

// MonitorOption configures a Monitor
type MonitorOption func(*Monitor)

// WithClock overrides the time source
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

// WithLogger sets the monitor logger
func WithLogger(logger *utils.StructuredLogger) MonitorOption {
	return func(m *Monitor) { m.logger = logger }
}

// WithCollector forwards every recorded metric to a Prometheus collector
func WithCollector(collector *Collector) MonitorOption {
	return func(m *Monitor) { m.collector = collector }
}

// Monitor records timed operations in a fixed-size ring buffer and grades them.
// It never acts on what it observes.
type Monitor struct {
	mu      sync.RWMutex
	config  MonitorConfig
	ring    []Metric
	next    int
	count   int
	total   uint64
	reports *status.Broadcaster[Report]

	now       func() time.Time
	logger    *utils.StructuredLogger
	collector *Collector
}

// NewMonitor creates a performance monitor
func NewMonitor(config *MonitorConfig, opts ...MonitorOption) *Monitor {
	cfg := *DefaultMonitorConfig()
	if config != nil {
		if config.Capacity > 0 {
			cfg.Capacity = config.Capacity
		}
		if config.Window > 0 {
			cfg.Window = config.Window
		}
	}
	if cfg.Window > cfg.Capacity {
		cfg.Window = cfg.Capacity
	}

	m := &Monitor{
		config:  cfg,
		ring:    make([]Metric, cfg.Capacity),
		reports: status.NewBroadcaster[Report](4),
		now:     time.Now,
		logger:  utils.NopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithComponent("monitor")
	return m
}

// Record appends a metric, evicting the oldest once the buffer is full.
func (m *Monitor) Record(opType OperationType, branchIDs []int, executionTime time.Duration, dataSize int64) Metric {
	m.mu.Lock()
	metric := Metric{
		OperationID:   uuid.NewString(),
		OperationType: opType,
		BranchIDs:     append([]int(nil), branchIDs...),
		ExecutionTime: executionTime,
		DataSizeBytes: dataSize,
		CapturedAt:    m.now(),
	}
	m.ring[m.next] = metric
	m.next = (m.next + 1) % len(m.ring)
	if m.count < len(m.ring) {
		m.count++
	}
	m.total++
	stats := m.rollingLocked()
	m.ring[(m.next-1+len(m.ring))%len(m.ring)].CacheEfficiencyPercent = stats.CacheHitRatioPercent
	metric.CacheEfficiencyPercent = stats.CacheHitRatioPercent
	m.mu.Unlock()

	m.collector.RecordOperation(string(opType), executionTime, dataSize, true)
	m.logger.Trace("metric recorded", map[string]interface{}{
		"operation": opType,
		"duration":  executionTime.String(),
		"bytes":     dataSize,
	})
	return metric
}

// Recent returns up to n metrics, newest first
func (m *Monitor) Recent(n int) []Metric {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.recentLocked(n)
}

func (m *Monitor) recentLocked(n int) []Metric {
	if n <= 0 || n > m.count {
		n = m.count
	}
	result := make([]Metric, 0, n)
	for i := 1; i <= n; i++ {
		idx := (m.next - i + len(m.ring)) % len(m.ring)
		result = append(result, m.ring[idx])
	}
	return result
}

// Len returns the number of buffered metrics
func (m *Monitor) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// RollingStats computes hit ratio and mean latency over the most recent window
func (m *Monitor) RollingStats() RollingStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rollingLocked()
}

func (m *Monitor) rollingLocked() RollingStats {
	window := m.recentLocked(m.config.Window)
	stats := RollingStats{Samples: len(window)}
	if len(window) == 0 {
		return stats
	}

	var hits int
	var total time.Duration
	for _, metric := range window {
		if metric.OperationType == OpCacheHit {
			hits++
		}
		total += metric.ExecutionTime
	}
	stats.CacheHitRatioPercent = float64(hits) / float64(len(window)) * 100
	stats.AverageExecutionTime = total / time.Duration(len(window))
	return stats
}

// Score combines latency and cache hit ratio (a fraction) into a 0-100 score.
func Score(avg time.Duration, hitRatio float64) float64 {
	var timeScore float64
	switch {
	case avg < 100*time.Millisecond:
		timeScore = 100
	case avg < 300*time.Millisecond:
		timeScore = 80
	case avg < 500*time.Millisecond:
		timeScore = 60
	case avg < time.Second:
		timeScore = 40
	default:
		timeScore = 20
	}
	return (timeScore + hitRatio*100) / 2
}

// GradeFor maps a score to a letter grade
func GradeFor(score float64) Grade {
	switch {
	case score >= 90:
		return GradeA
	case score >= 80:
		return GradeB
	case score >= 70:
		return GradeC
	case score >= 60:
		return GradeD
	default:
		return GradeF
	}
}

// Recommendations returns rule-based tuning hints
func Recommendations(avg time.Duration, hitRatio, utilizationPercent float64) []string {
	var recs []string
	if hitRatio < 0.6 {
		recs = append(recs, "increase cache TTL for frequently accessed data types")
	}
	if utilizationPercent > 80 {
		recs = append(recs, "increase cache budget or shorten TTLs; cache is above 80% utilization")
	}
	if avg > time.Second {
		recs = append(recs, "reduce system load: narrow batch concurrency and lengthen debounce")
	} else if avg > 500*time.Millisecond {
		recs = append(recs, "enable more aggressive caching and preloading")
	}
	if len(recs) == 0 {
		recs = append(recs, "performance is optimal")
	}
	return recs
}

// Evaluate builds a report from the rolling window and publishes it to subscribers.
func (m *Monitor) Evaluate(utilizationPercent float64) Report {
	m.mu.RLock()
	stats := m.rollingLocked()
	total := m.total
	m.mu.RUnlock()

	hitRatio := stats.CacheHitRatioPercent / 100
	score := Score(stats.AverageExecutionTime, hitRatio)
	report := Report{
		Grade:                   GradeFor(score),
		Score:                   score,
		CacheHitRatioPercent:    stats.CacheHitRatioPercent,
		AverageExecutionTime:    stats.AverageExecutionTime,
		CacheUtilizationPercent: utilizationPercent,
		TotalOperations:         total,
		Recommendations:         Recommendations(stats.AverageExecutionTime, hitRatio, utilizationPercent),
		GeneratedAt:             m.now(),
	}

	m.collector.UpdateGrade(score, report.Grade)
	m.reports.Publish(report)
	m.logger.Debug("performance evaluated", map[string]interface{}{
		"grade":   report.Grade,
		"score":   score,
		"samples": stats.Samples,
	})
	return report
}

// LastReport returns the most recent report, if any
func (m *Monitor) LastReport() (Report, bool) {
	return m.reports.Last()
}

// Subscribe streams reports; the latest report is replayed on subscription.
func (m *Monitor) Subscribe() (<-chan Report, func()) {
	return m.reports.Subscribe()
}

// Close ends every report subscription
func (m *Monitor) Close() {
	m.reports.Close()
}
