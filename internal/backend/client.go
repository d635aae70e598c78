package backend

import (
	"context"
	"encoding/json"
	stderr "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/branchsync/branchsync/internal/circuit"
	"github.com/branchsync/branchsync/internal/metrics"
	"github.com/branchsync/branchsync/pkg/errors"
	"github.com/branchsync/branchsync/pkg/health"
	"github.com/branchsync/branchsync/pkg/retry"
	"github.com/branchsync/branchsync/pkg/types"
	"github.com/branchsync/branchsync/pkg/utils"
)

// HealthComponent is the name the client reports under in the health tracker
const HealthComponent = "backend"

// maxBodySize bounds a single decoded response body
const maxBodySize = 64 << 20

// Config represents backend client configuration
type Config struct {
	BaseURL        string         `yaml:"base_url"`
	Timeout        time.Duration  `yaml:"timeout"`
	Compression    bool           `yaml:"compression"`
	Retry          retry.Config   `yaml:"retry"`
	CircuitBreaker bool           `yaml:"circuit_breaker"`
	Breaker        circuit.Config `yaml:"breaker"`
}

// DefaultConfig returns the default client configuration
func DefaultConfig() *Config {
	return &Config{
		BaseURL:        "http://localhost:8000/api",
		Timeout:        30 * time.Second,
		Compression:    true,
		Retry:          retry.DefaultConfig(),
		CircuitBreaker: true,
		Breaker:        circuit.DefaultConfig(),
	}
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client logger
func WithLogger(logger *utils.StructuredLogger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHealthTracker reports call outcomes to tracker
func WithHealthTracker(tracker *health.Tracker) Option {
	return func(c *Client) { c.health = tracker }
}

// WithCollector records Prometheus metrics for every call
func WithCollector(collector *metrics.Collector) Option {
	return func(c *Client) { c.collector = collector }
}

// Client talks to the branch REST API. It implements types.Fetcher.
type Client struct {
	config    Config
	baseURL   *url.URL
	http      *http.Client
	retryer   *retry.Retryer
	breakers  *circuit.Manager
	health    *health.Tracker
	collector *metrics.Collector
	logger    *utils.StructuredLogger
}

// NewClient creates a new backend client
func NewClient(config *Config, opts ...Option) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, fmt.Sprintf("invalid backend base url: %q", cfg.BaseURL)).
			WithComponent("backend")
	}

	c := &Client{
		config:  cfg,
		baseURL: base,
		http:    &http.Client{},
		logger:  utils.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("backend")

	retryCfg := cfg.Retry
	if retryCfg.OnRetry == nil {
		logger := c.logger
		retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
			logger.Warn("Retrying backend request", map[string]interface{}{
				"attempt": attempt,
				"delay":   delay.String(),
				"error":   err,
			})
		}
	}
	c.retryer = retry.New(retryCfg)

	if cfg.CircuitBreaker {
		breakerCfg := cfg.Breaker
		userCallback := breakerCfg.OnStateChange
		logger := c.logger
		breakerCfg.OnStateChange = func(name string, from, to circuit.State) {
			logger.Warn("Circuit breaker state changed", map[string]interface{}{
				"endpoint": name,
				"from":     from.String(),
				"to":       to.String(),
			})
			if userCallback != nil {
				userCallback(name, from, to)
			}
		}
		c.breakers = circuit.NewManager(breakerCfg)
	}

	if c.health != nil {
		c.health.RegisterComponent(HealthComponent)
	}

	return c, nil
}

// Breakers returns the per-endpoint circuit breakers, or nil when disabled
func (c *Client) Breakers() *circuit.Manager {
	return c.breakers
}

// Fetch loads dataType for branchIDs from the branch-optimized endpoint.
// Failures are reported in the result after retries are exhausted.
func (c *Client) Fetch(ctx context.Context, dataType types.DataType, branchIDs []int) types.FetchResult {
	endpoint := string(dataType) + "/branch-optimized"
	query := url.Values{}
	query.Set("branchIds", types.JoinBranchIDs(branchIDs))
	query.Set("optimized", "true")
	if c.config.Compression {
		query.Set("compression", "gzip")
	}

	start := time.Now()
	var envelope types.Envelope
	attempts, size, err := c.call(ctx, endpoint, query, func(body []byte) error {
		envelope = types.Envelope{}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return errors.Wrap(errors.ErrCodeInvalidResponse, "failed to decode response", err)
		}
		if !envelope.Success {
			return errors.NewError(errors.ErrCodeInvalidResponse, "backend reported failure: "+envelope.Message)
		}
		return nil
	})

	c.collector.RecordOperation("fetch_"+string(dataType), time.Since(start), size, err == nil)
	if err != nil {
		c.logger.Error("Backend fetch failed", map[string]interface{}{
			"data_type":  string(dataType),
			"branch_ids": types.JoinBranchIDs(branchIDs),
			"attempts":   attempts,
			"error":      err,
		})
		return types.FetchResult{Success: false, Data: []json.RawMessage{}, Err: err, Attempts: attempts}
	}

	data := envelope.Data
	if data == nil {
		data = []json.RawMessage{}
	}
	return types.FetchResult{Success: true, Data: data, Attempts: attempts}
}

// FetchPage loads one page of mixed branch data from the paged endpoint
func (c *Client) FetchPage(ctx context.Context, branchIDs []int, page, pageSize int) (types.PagedEnvelope, error) {
	if page < 1 || pageSize < 1 {
		return types.PagedEnvelope{}, errors.NewError(errors.ErrCodeInvalidRequest,
			fmt.Sprintf("invalid page %d size %d", page, pageSize)).WithComponent("backend")
	}

	query := url.Values{}
	query.Set("branchIds", types.JoinBranchIDs(branchIDs))
	query.Set("page", strconv.Itoa(page))
	query.Set("pageSize", strconv.Itoa(pageSize))
	query.Set("optimized", "true")

	start := time.Now()
	var envelope types.PagedEnvelope
	_, size, err := c.call(ctx, "data/paged", query, func(body []byte) error {
		envelope = types.PagedEnvelope{}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return errors.Wrap(errors.ErrCodeInvalidResponse, "failed to decode paged response", err)
		}
		if !envelope.Success {
			return errors.NewError(errors.ErrCodeInvalidResponse, "backend reported failure")
		}
		return nil
	})
	c.collector.RecordOperation("fetch_page", time.Since(start), size, err == nil)
	if err != nil {
		return types.PagedEnvelope{Data: []json.RawMessage{}}, err
	}
	if envelope.Data == nil {
		envelope.Data = []json.RawMessage{}
	}
	return envelope, nil
}

// call performs a GET with retry and circuit breaking, handing the body to decode.
func (c *Client) call(ctx context.Context, endpoint string, query url.Values, decode func([]byte) error) (int, int64, error) {
	var (
		attempts int
		size     int64
	)

	err := c.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		attempts++
		attempt := func(ctx context.Context) error {
			body, err := c.get(ctx, endpoint, query)
			if err != nil {
				return err
			}
			size = int64(len(body))
			return decode(body)
		}
		if c.breakers == nil {
			return attempt(ctx)
		}
		return c.breakers.GetBreaker(endpoint).ExecuteWithContext(ctx, attempt)
	})

	if c.health != nil {
		switch {
		case err == nil:
			c.health.RecordSuccess(HealthComponent)
		case errors.CodeOf(err) != errors.ErrCodeOperationCanceled:
			c.health.RecordError(HealthComponent, err)
		}
	}
	if err != nil {
		c.collector.RecordError(endpoint, err)
	}
	return attempts, size, err
}

// get issues one request bounded by the configured timeout and returns the decoded body
func (c *Client) get(ctx context.Context, endpoint string, query url.Values) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	u := *c.baseURL
	u.Path = u.Path + "/" + endpoint
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidRequest, "failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.config.Compression {
		// Setting the header disables the transport's transparent decompression
		req.Header.Set("Accept-Encoding", "gzip")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err, endpoint)
	}
	defer resp.Body.Close()

	// Any non-2xx status is a server error and is retried up to the bound
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, errors.NewError(errors.ErrCodeServerError, fmt.Sprintf("backend returned %d", resp.StatusCode)).
			WithComponent("backend").
			WithContext("endpoint", endpoint).
			WithContext("status", strconv.Itoa(resp.StatusCode))
	}

	var reader io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidResponse, "invalid gzip body", err)
		}
		defer gz.Close()
		reader = gz
	}

	body, err := io.ReadAll(io.LimitReader(reader, maxBodySize))
	if err != nil {
		if ctx.Err() != nil {
			return nil, classifyTransportError(ctx, err, endpoint)
		}
		return nil, errors.Wrap(errors.ErrCodeInvalidResponse, "failed to read response body", err)
	}

	c.logger.Debug("Backend request completed", map[string]interface{}{
		"endpoint": endpoint,
		"status":   resp.StatusCode,
		"bytes":    len(body),
		"duration": time.Since(start).String(),
	})
	return body, nil
}

// classifyTransportError maps a failed round trip to an error code. A canceled
// caller is not retried; an expired per-request deadline is.
func classifyTransportError(ctx context.Context, err error, endpoint string) error {
	switch {
	case stderr.Is(ctx.Err(), context.DeadlineExceeded):
		return errors.Wrap(errors.ErrCodeOperationTimeout, "backend request timed out", err).
			WithComponent("backend").
			WithContext("endpoint", endpoint)
	case stderr.Is(err, context.Canceled):
		return errors.Wrap(errors.ErrCodeOperationCanceled, "backend request canceled", err).
			WithComponent("backend").
			WithContext("endpoint", endpoint)
	default:
		return errors.Wrap(errors.ErrCodeNetworkUnavailable, "backend unreachable", err).
			WithComponent("backend").
			WithContext("endpoint", endpoint)
	}
}
