package cache

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/branchsync/branchsync/pkg/types"
	"github.com/branchsync/branchsync/pkg/utils"
)

// Config represents cache configuration
type Config struct {
	MaxSize          int64         `yaml:"max_size"`
	DefaultTTL       time.Duration `yaml:"default_ttl"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	CleanupThreshold float64       `yaml:"cleanup_threshold"`
	CleanupFraction  float64       `yaml:"cleanup_fraction"`
}

// DefaultConfig returns the default cache configuration
func DefaultConfig() *Config {
	return &Config{
		MaxSize:          50 * 1024 * 1024, // 50MB
		DefaultTTL:       5 * time.Minute,
		CleanupInterval:  2 * time.Minute,
		CleanupThreshold: 0.8,
		CleanupFraction:  0.3,
	}
}

// Sizer is implemented by values that know their own approximate size
type Sizer interface {
	ApproxSize() int64
}

// entry is one cached payload
type entry struct {
	key        string
	data       interface{}
	capturedAt time.Time
	ttl        time.Duration
	size       int64
	hitCount   uint64
	branchID   int
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.capturedAt) > e.ttl
}

// score favours entries that are hit often relative to their age
func (e *entry) score(now time.Time) float64 {
	age := math.Max(now.Sub(e.capturedAt).Seconds(), 1)
	return float64(e.hitCount) / age
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the store logger
func WithLogger(logger *utils.StructuredLogger) Option {
	return func(s *Store) { s.logger = logger }
}

// Store is a thread-safe, size-bounded TTL cache keyed by data type and branch set.
type Store struct {
	mu          sync.Mutex
	config      Config
	items       map[string]*entry
	currentSize int64
	stats       types.CacheStats

	now    func() time.Time
	logger *utils.StructuredLogger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewStore creates a new cache store
func NewStore(config *Config, opts ...Option) *Store {
	cfg := DefaultConfig()
	if config != nil {
		c := *config
		cfg = &c
		defaults := DefaultConfig()
		if cfg.MaxSize <= 0 {
			cfg.MaxSize = defaults.MaxSize
		}
		if cfg.DefaultTTL <= 0 {
			cfg.DefaultTTL = defaults.DefaultTTL
		}
		if cfg.CleanupInterval <= 0 {
			cfg.CleanupInterval = defaults.CleanupInterval
		}
		if cfg.CleanupThreshold <= 0 {
			cfg.CleanupThreshold = defaults.CleanupThreshold
		}
		if cfg.CleanupFraction <= 0 {
			cfg.CleanupFraction = defaults.CleanupFraction
		}
	}

	s := &Store{
		config: *cfg,
		items:  make(map[string]*entry),
		now:    time.Now,
		logger: utils.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("cache")
	s.stats.Capacity = s.config.MaxSize
	return s
}

// Key builds the cache key for a data type and branch set, e.g. "sales_[1,2]".
func Key(dataType types.DataType, branchIDs []int) string {
	ids := types.SortedBranchIDs(branchIDs)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return fmt.Sprintf("%s_[%s]", dataType, strings.Join(parts, ","))
}

// ParseKey splits a key built by Key back into its data type and branch ids
func ParseKey(key string) (types.DataType, []int, bool) {
	open := strings.LastIndex(key, "_[")
	if open <= 0 || !strings.HasSuffix(key, "]") {
		return "", nil, false
	}
	dataType := types.DataType(key[:open])
	body := key[open+2 : len(key)-1]
	if body == "" {
		return dataType, nil, true
	}

	parts := strings.Split(body, ",")
	ids := make([]int, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.Atoi(part)
		if err != nil {
			return "", nil, false
		}
		ids = append(ids, id)
	}
	return dataType, ids, true
}

// Get returns the cached value for key. Expired entries are removed and reported as a miss.
func (s *Store) Get(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok {
		s.stats.Misses++
		return nil, false
	}
	if e.expired(s.now()) {
		s.removeLocked(e)
		s.stats.Expirations++
		s.stats.Misses++
		return nil, false
	}

	e.hitCount++
	s.stats.Hits++
	return e.data, true
}

// Set stores data under key, replacing any existing entry. A non-positive ttl
// uses the configured default. It returns false when the value alone is larger
// than the cache or cannot be measured.
func (s *Store) Set(key string, data interface{}, branchID int, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}
	size, ok := measure(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !ok {
		s.logger.Warn("rejecting entry of unknown size", map[string]interface{}{"key": key})
		return false
	}

	if size > s.config.MaxSize {
		s.logger.Warn("rejecting oversized entry", map[string]interface{}{
			"key":  key,
			"size": utils.FormatBytes(size),
		})
		return false
	}

	if old, ok := s.items[key]; ok {
		s.removeLocked(old)
	}

	now := s.now()
	if s.currentSize+size > s.config.MaxSize {
		s.makeRoomLocked(size, now)
	}

	s.items[key] = &entry{
		key:        key,
		data:       data,
		capturedAt: now,
		ttl:        ttl,
		size:       size,
		branchID:   branchID,
	}
	s.currentSize += size
	return true
}

// Has reports whether key holds an unexpired entry without counting a hit
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	return ok && !e.expired(s.now())
}

// Delete removes a single key
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if ok {
		s.removeLocked(e)
	}
	return ok
}

// makeRoomLocked purges expired entries, then evicts the lowest scores until size fits.
func (s *Store) makeRoomLocked(size int64, now time.Time) {
	s.sweepLocked(now)
	if s.currentSize+size <= s.config.MaxSize {
		return
	}

	h := s.scoreHeapLocked(now)
	for h.Len() > 0 && s.currentSize+size > s.config.MaxSize {
		victim := heap.Pop(h).(scored)
		s.removeLocked(victim.entry)
		s.stats.Evictions++
		s.logger.Debug("evicted entry", map[string]interface{}{
			"key":   victim.entry.key,
			"score": victim.score,
		})
	}
}

// SweepExpired removes every expired entry and returns how many were removed.
func (s *Store) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.now())
}

func (s *Store) sweepLocked(now time.Time) int {
	removed := 0
	for _, e := range s.items {
		if e.expired(now) {
			s.removeLocked(e)
			removed++
		}
	}
	s.stats.Expirations += uint64(removed)
	return removed
}

// AggressiveCleanup evicts the lowest-scoring share of entries regardless of expiry.
func (s *Store) AggressiveCleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := int(math.Floor(float64(len(s.items)) * s.config.CleanupFraction))
	if target == 0 {
		return 0
	}

	h := s.scoreHeapLocked(s.now())
	for i := 0; i < target; i++ {
		victim := heap.Pop(h).(scored)
		s.removeLocked(victim.entry)
		s.stats.Evictions++
	}

	s.logger.Info("aggressive cleanup", map[string]interface{}{
		"removed":   target,
		"remaining": len(s.items),
		"size":      utils.FormatBytes(s.currentSize),
	})
	return target
}

// CleanupIfNeeded runs AggressiveCleanup when utilization is above the threshold.
func (s *Store) CleanupIfNeeded() int {
	if s.Utilization() <= s.config.CleanupThreshold {
		return 0
	}
	return s.AggressiveCleanup()
}

// InvalidateBranch removes every entry owned by branchID
func (s *Store) InvalidateBranch(branchID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, e := range s.items {
		if e.branchID == branchID {
			s.removeLocked(e)
			removed++
		}
	}
	return removed
}

// Clear removes all entries
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]*entry)
	s.currentSize = 0
}

// Keys returns the current keys, including not-yet-swept expired ones.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	return keys
}

// Size returns the current approximate size in bytes
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentSize
}

// Utilization returns currentSize/MaxSize as a fraction
func (s *Store) Utilization() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.currentSize) / float64(s.config.MaxSize)
}

// Stats returns cache statistics
func (s *Store) Stats() types.CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	stats.Entries = len(s.items)
	stats.Size = s.currentSize
	stats.Utilization = float64(s.currentSize) / float64(s.config.MaxSize)
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// Start runs the janitor until ctx is cancelled or Stop is called.
func (s *Store) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.janitor(ctx, done)
}

// Stop halts the janitor and waits for it to exit
func (s *Store) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *Store) janitor(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired := s.SweepExpired()
			evicted := s.CleanupIfNeeded()
			if expired > 0 || evicted > 0 {
				s.logger.Debug("janitor pass", map[string]interface{}{
					"expired": expired,
					"evicted": evicted,
				})
			}
		}
	}
}

func (s *Store) removeLocked(e *entry) {
	delete(s.items, e.key)
	s.currentSize -= e.size
}

func (s *Store) scoreHeapLocked(now time.Time) *scoreHeap {
	h := make(scoreHeap, 0, len(s.items))
	for _, e := range s.items {
		h = append(h, scored{entry: e, score: e.score(now)})
	}
	heap.Init(&h)
	return &h
}

// ApproxSize estimates the footprint of a cached value in bytes. Values that
// cannot be encoded report 0; Set rejects them.
func ApproxSize(data interface{}) int64 {
	n, _ := measure(data)
	return n
}

// measure reports the footprint of data and whether it could be measured
func measure(data interface{}) (int64, bool) {
	switch v := data.(type) {
	case nil:
		return 0, true
	case Sizer:
		n := v.ApproxSize()
		return n, n >= 0
	case []byte:
		return int64(len(v)), true
	case json.RawMessage:
		return int64(len(v)), true
	case string:
		return int64(len(v)), true
	case []json.RawMessage:
		var n int64 = 2
		for i, m := range v {
			if i > 0 {
				n++
			}
			n += int64(len(m))
		}
		return n, true
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return 0, false
	}
	return int64(len(encoded)), true
}

type scored struct {
	entry *entry
	score float64
}

// scoreHeap is a min-heap on score, oldest first on ties
type scoreHeap []scored

func (h scoreHeap) Len() int { return len(h) }

func (h scoreHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	return h[i].entry.capturedAt.Before(h[j].entry.capturedAt)
}

func (h scoreHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *scoreHeap) Push(x interface{}) { *h = append(*h, x.(scored)) }

func (h *scoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
