package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/branchsync/branchsync/pkg/errors"
	"github.com/branchsync/branchsync/pkg/types"
	"github.com/branchsync/branchsync/pkg/utils"
)

// EnvPrefix is the prefix of every environment override
const EnvPrefix = "BRANCHSYNC_"

// Configuration represents the complete engine configuration
type Configuration struct {
	Global  GlobalConfig  `yaml:"global"`
	Backend BackendConfig `yaml:"backend"`
	Cache   CacheConfig   `yaml:"cache"`
	Batch   BatchConfig   `yaml:"batch"`
	Sync    SyncConfig    `yaml:"sync"`
	Monitor MonitorConfig `yaml:"monitor"`
	Preload PreloadConfig `yaml:"preload"`
	Metrics MetricsConfig `yaml:"metrics"`
	API     APIConfig     `yaml:"api"`
}

// GlobalConfig represents global settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// BackendConfig represents the REST backend client settings
type BackendConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	Compression    bool                 `yaml:"compression"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig represents retry settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Backoff     string        `yaml:"backoff"`
}

// CircuitBreakerConfig represents circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// CacheConfig represents cache store settings
type CacheConfig struct {
	MaxSize          string                   `yaml:"max_size"`
	DefaultTTL       time.Duration            `yaml:"default_ttl"`
	TTLs             map[string]time.Duration `yaml:"ttls"`
	CleanupInterval  time.Duration            `yaml:"cleanup_interval"`
	CleanupThreshold float64                  `yaml:"cleanup_threshold"`
	CleanupFraction  float64                  `yaml:"cleanup_fraction"`
}

// BatchConfig represents request batcher settings
type BatchConfig struct {
	Debounce           time.Duration `yaml:"debounce"`
	MaxConcurrency     int           `yaml:"max_concurrency"`
	ReducedDebounce    time.Duration `yaml:"reduced_debounce"`
	ReducedConcurrency int           `yaml:"reduced_concurrency"`
}

// SyncConfig represents orchestrator settings
type SyncConfig struct {
	Freshness         map[string]time.Duration `yaml:"freshness"`
	LowPriorityDelay  time.Duration            `yaml:"low_priority_delay"`
	MonitorInterval   time.Duration            `yaml:"monitor_interval"`
	EmergencyCooldown time.Duration            `yaml:"emergency_cooldown"`
	PageSize          int                      `yaml:"page_size"`
}

// MonitorConfig represents performance monitor settings
type MonitorConfig struct {
	Capacity int `yaml:"capacity"`
	Window   int `yaml:"window"`
}

// PreloadConfig represents predictive preloading settings
type PreloadConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Interval           time.Duration `yaml:"interval"`
	AggressiveInterval time.Duration `yaml:"aggressive_interval"`
	MaxSiblings        int           `yaml:"max_siblings"`
	RatePerSecond      float64       `yaml:"rate_per_second"`
	Burst              int           `yaml:"burst"`
}

// MetricsConfig represents Prometheus settings
type MetricsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Namespace    string            `yaml:"namespace"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

// APIConfig represents the introspection server settings
type APIConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	EnableCORS   bool          `yaml:"enable_cors"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
		},
		Backend: BackendConfig{
			BaseURL:     "http://localhost:8000/api",
			Timeout:     30 * time.Second,
			Compression: true,
			Retry: RetryConfig{
				MaxAttempts: 4,
				BaseDelay:   1 * time.Second,
				MaxDelay:    30 * time.Second,
				Backoff:     "linear",
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
		},
		Cache: CacheConfig{
			MaxSize:    "50MB",
			DefaultTTL: 5 * time.Minute,
			TTLs: map[string]time.Duration{
				string(types.DataNotifications): 30 * time.Second,
				string(types.DataSales):         2 * time.Minute,
				string(types.DataInventory):     5 * time.Minute,
				string(types.DataAnalytics):     10 * time.Minute,
				string(types.DataPerformance):   5 * time.Minute,
			},
			CleanupInterval:  2 * time.Minute,
			CleanupThreshold: 0.8,
			CleanupFraction:  0.3,
		},
		Batch: BatchConfig{
			Debounce:           300 * time.Millisecond,
			MaxConcurrency:     6,
			ReducedDebounce:    600 * time.Millisecond,
			ReducedConcurrency: 2,
		},
		Sync: SyncConfig{
			Freshness: map[string]time.Duration{
				string(types.DataNotifications): 30 * time.Second,
				string(types.DataSales):         2 * time.Minute,
				string(types.DataInventory):     5 * time.Minute,
				string(types.DataAnalytics):     10 * time.Minute,
			},
			LowPriorityDelay:  100 * time.Millisecond,
			MonitorInterval:   30 * time.Second,
			EmergencyCooldown: 5 * time.Second,
			PageSize:          50,
		},
		Monitor: MonitorConfig{
			Capacity: 1000,
			Window:   100,
		},
		Preload: PreloadConfig{
			Enabled:            true,
			Interval:           time.Minute,
			AggressiveInterval: 20 * time.Second,
			MaxSiblings:        2,
			RatePerSecond:      1,
			Burst:              2,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "branchsync",
			CustomLabels: map[string]string{
				"service": "branchsync",
			},
		},
		API: APIConfig{
			Enabled:      false,
			Address:      ":8090",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			EnableCORS:   false,
		},
	}
}

// Load builds a configuration from defaults, an optional YAML file, .env files and the environment.
func Load(filename string, dotenvFiles ...string) (*Configuration, error) {
	cfg := NewDefault()

	if err := LoadDotEnv(dotenvFiles...); err != nil {
		return nil, err
	}
	if filename != "" {
		if err := cfg.LoadFromFile(filename); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads .env files into the process environment without overriding
// variables that are already set. With no arguments it loads ./.env if present.
func LoadDotEnv(filenames ...string) error {
	if len(filenames) == 0 {
		if _, err := os.Stat(".env"); os.IsNotExist(err) {
			return nil
		}
	}
	if err := godotenv.Load(filenames...); err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, "failed to load .env file", err).
			WithComponent("config")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, "failed to read config file", err).
			WithComponent("config").
			WithContext("file", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, "failed to parse config file", err).
			WithComponent("config").
			WithContext("file", filename)
	}

	return nil
}

// LoadFromEnv applies BRANCHSYNC_* environment overrides
func (c *Configuration) LoadFromEnv() error {
	var problems []string

	str := func(name string, dst *string) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			*dst = val
		}
	}
	dur := func(name string, dst *time.Duration) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s%s=%q", EnvPrefix, name, val))
				return
			}
			*dst = d
		}
	}
	integer := func(name string, dst *int) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s%s=%q", EnvPrefix, name, val))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			*dst = strings.ToLower(val) == "true"
		}
	}

	// Global settings
	str("LOG_LEVEL", &c.Global.LogLevel)
	str("LOG_FORMAT", &c.Global.LogFormat)

	// Backend settings
	str("BACKEND_URL", &c.Backend.BaseURL)
	dur("BACKEND_TIMEOUT", &c.Backend.Timeout)
	boolean("BACKEND_COMPRESSION", &c.Backend.Compression)
	integer("RETRY_MAX_ATTEMPTS", &c.Backend.Retry.MaxAttempts)
	dur("RETRY_BASE_DELAY", &c.Backend.Retry.BaseDelay)
	boolean("CIRCUIT_BREAKER_ENABLED", &c.Backend.CircuitBreaker.Enabled)

	// Cache settings
	str("CACHE_SIZE", &c.Cache.MaxSize)
	dur("CACHE_TTL", &c.Cache.DefaultTTL)
	dur("CACHE_CLEANUP_INTERVAL", &c.Cache.CleanupInterval)

	// Batch settings
	dur("BATCH_DEBOUNCE", &c.Batch.Debounce)
	integer("BATCH_MAX_CONCURRENCY", &c.Batch.MaxConcurrency)

	// Sync settings
	dur("SYNC_MONITOR_INTERVAL", &c.Sync.MonitorInterval)
	dur("SYNC_EMERGENCY_COOLDOWN", &c.Sync.EmergencyCooldown)

	// Feature flags
	boolean("PRELOAD_ENABLED", &c.Preload.Enabled)
	boolean("METRICS_ENABLED", &c.Metrics.Enabled)
	boolean("API_ENABLED", &c.API.Enabled)
	str("API_ADDRESS", &c.API.Address)

	if len(problems) > 0 {
		return errors.NewError(errors.ErrCodeInvalidConfig, "invalid environment overrides: "+strings.Join(problems, ", ")).
			WithComponent("config")
	}
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// CacheMaxBytes parses the cache budget
func (c *Configuration) CacheMaxBytes() (int64, error) {
	return utils.ParseBytes(c.Cache.MaxSize)
}

// TTLFor returns the cache TTL for a data type
func (c *Configuration) TTLFor(dataType types.DataType) time.Duration {
	if ttl, ok := c.Cache.TTLs[string(dataType)]; ok && ttl > 0 {
		return ttl
	}
	return c.Cache.DefaultTTL
}

// FreshnessBudgets returns the staleness budget per tracked data type
func (c *Configuration) FreshnessBudgets() map[types.DataType]time.Duration {
	budgets := make(map[types.DataType]time.Duration, len(c.Sync.Freshness))
	for name, d := range c.Sync.Freshness {
		budgets[types.DataType(name)] = d
	}
	return budgets
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.NewError(errors.ErrCodeInvalidConfig, fmt.Sprintf(format, args...)).
			WithComponent("config")
	}

	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return invalid("invalid log_level: %s (must be one of: TRACE, DEBUG, INFO, WARN, ERROR)", c.Global.LogLevel)
	}
	if _, err := utils.ParseLogFormat(c.Global.LogFormat); err != nil {
		return invalid("invalid log_format: %s", c.Global.LogFormat)
	}

	if c.Backend.BaseURL == "" {
		return invalid("backend base_url is required")
	}
	if c.Backend.Timeout <= 0 {
		return invalid("backend timeout must be greater than 0")
	}
	if c.Backend.Retry.MaxAttempts <= 0 {
		return invalid("retry max_attempts must be greater than 0")
	}
	if b := c.Backend.Retry.Backoff; b != "" && b != "linear" && b != "exponential" {
		return invalid("invalid retry backoff: %s (must be linear or exponential)", b)
	}

	size, err := c.CacheMaxBytes()
	if err != nil || size <= 0 {
		return invalid("invalid cache max_size: %q", c.Cache.MaxSize)
	}
	if c.Cache.DefaultTTL <= 0 {
		return invalid("cache default_ttl must be greater than 0")
	}
	for name := range c.Cache.TTLs {
		if _, err := types.ParseDataType(name); err != nil {
			return invalid("unknown data type in cache ttls: %s", name)
		}
	}
	if c.Cache.CleanupThreshold <= 0 || c.Cache.CleanupThreshold > 1 {
		return invalid("cache cleanup_threshold must be in (0, 1]")
	}
	if c.Cache.CleanupFraction <= 0 || c.Cache.CleanupFraction > 1 {
		return invalid("cache cleanup_fraction must be in (0, 1]")
	}

	if c.Batch.MaxConcurrency <= 0 || c.Batch.ReducedConcurrency <= 0 {
		return invalid("batch concurrency must be greater than 0")
	}
	if c.Batch.Debounce < 0 || c.Batch.ReducedDebounce < 0 {
		return invalid("batch debounce must not be negative")
	}

	for name := range c.Sync.Freshness {
		if _, err := types.ParseDataType(name); err != nil {
			return invalid("unknown data type in sync freshness: %s", name)
		}
	}
	if c.Sync.MonitorInterval <= 0 {
		return invalid("sync monitor_interval must be greater than 0")
	}

	if c.Monitor.Capacity <= 0 || c.Monitor.Window <= 0 || c.Monitor.Window > c.Monitor.Capacity {
		return invalid("monitor window must be in (0, capacity]")
	}

	if c.Preload.Enabled && (c.Preload.Interval <= 0 || c.Preload.RatePerSecond <= 0) {
		return invalid("preload interval and rate_per_second must be greater than 0")
	}

	if c.API.Enabled && c.API.Address == "" {
		return invalid("api address is required when the api is enabled")
	}

	return nil
}
