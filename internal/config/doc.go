/*
Package config provides configuration management for the branchsync engine.

Configuration is assembled from four sources, lowest precedence first:

 1. Compiled-in defaults (NewDefault)
 2. A YAML file (LoadFromFile)
 3. .env files, loaded into the process environment without overriding
    variables that are already set (LoadDotEnv)
 4. BRANCHSYNC_* environment variables (LoadFromEnv)

Load runs all four and validates the result.

# Sections

	global:   log level and format
	backend:  REST base URL, request timeout, gzip, retry and circuit breaker
	cache:    byte budget ("50MB"), default and per-data-type TTLs, janitor
	batch:    debounce window and drain concurrency, normal and reduced
	sync:     per-data-type freshness budgets, low priority delay, monitoring
	monitor:  metric ring buffer capacity and rolling window
	preload:  predictive preloading cadence and rate limit
	metrics:  Prometheus namespace and constant labels
	api:      optional introspection HTTP server

Durations are written in Go syntax ("300ms", "2m") in both YAML and the
environment.

# Environment Variables

	BRANCHSYNC_LOG_LEVEL, BRANCHSYNC_LOG_FORMAT
	BRANCHSYNC_BACKEND_URL, BRANCHSYNC_BACKEND_TIMEOUT, BRANCHSYNC_BACKEND_COMPRESSION
	BRANCHSYNC_RETRY_MAX_ATTEMPTS, BRANCHSYNC_RETRY_BASE_DELAY
	BRANCHSYNC_CIRCUIT_BREAKER_ENABLED
	BRANCHSYNC_CACHE_SIZE, BRANCHSYNC_CACHE_TTL, BRANCHSYNC_CACHE_CLEANUP_INTERVAL
	BRANCHSYNC_BATCH_DEBOUNCE, BRANCHSYNC_BATCH_MAX_CONCURRENCY
	BRANCHSYNC_SYNC_MONITOR_INTERVAL, BRANCHSYNC_SYNC_EMERGENCY_COOLDOWN
	BRANCHSYNC_PRELOAD_ENABLED, BRANCHSYNC_METRICS_ENABLED
	BRANCHSYNC_API_ENABLED, BRANCHSYNC_API_ADDRESS

Malformed numeric or duration overrides are reported together as a single
INVALID_CONFIG error.

# Usage

	cfg, err := config.Load("branchsync.yaml")
	if err != nil {
		log.Fatal(err)
	}
	budget, _ := cfg.CacheMaxBytes()
	ttl := cfg.TTLFor(types.DataSales)
*/
package config
