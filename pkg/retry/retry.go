// Package retry provides bounded retry logic with linear or exponential backoff
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/branchsync/branchsync/pkg/errors"
)

// Backoff selects how the delay grows between attempts
type Backoff string

const (
	// BackoffLinear waits InitialDelay * retryNumber
	BackoffLinear Backoff = "linear"
	// BackoffExponential waits InitialDelay * Multiplier^(retryNumber-1)
	BackoffExponential Backoff = "exponential"
)

// Config defines retry behavior configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the initial attempt)
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay caps the delay between retries
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Backoff is the delay growth strategy
	Backoff Backoff `yaml:"backoff" json:"backoff"`

	// Multiplier is the growth factor for exponential backoff
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter adds +/-20% randomness to each delay
	Jitter bool `yaml:"jitter" json:"jitter"`

	// RetryableErrors lists codes retried even when the error is not flagged retryable
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors" json:"retryable_errors"`

	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns the backend retry policy: three retries after the
// initial attempt, waiting one second longer before each.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  4,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Backoff:      BackoffLinear,
		Multiplier:   2.0,
		RetryableErrors: []errors.ErrorCode{
			errors.ErrCodeNetworkUnavailable,
			errors.ErrCodeOperationTimeout,
			errors.ErrCodeServerError,
		},
	}
}

// Retryer handles retry logic with backoff
type Retryer struct {
	config Config
}

// New creates a new Retryer with the given configuration
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 4
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	if config.Backoff == "" {
		config.Backoff = BackoffLinear
	}

	return &Retryer{config: config}
}

// Config returns the effective configuration
func (r *Retryer) Config() Config {
	return r.config
}

// Do executes the given function with retry logic
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(ctx context.Context) error {
		return fn()
	})
}

// DoWithContext executes the given function with retry logic and context support
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(errors.ErrCodeOperationCanceled,
				fmt.Sprintf("canceled after %d attempts", attempt-1), err)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.shouldRetry(err, attempt) {
			return err
		}

		delay := r.Delay(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(errors.ErrCodeOperationCanceled,
				fmt.Sprintf("canceled after %d attempts", attempt), ctx.Err())
		case <-timer.C:
		}
	}

	return errors.Wrap(errors.ErrCodeRetryExhausted,
		fmt.Sprintf("max retry attempts (%d) exceeded", r.config.MaxAttempts), lastErr)
}

// shouldRetry determines if an error is retryable
func (r *Retryer) shouldRetry(err error, attempt int) bool {
	if attempt >= r.config.MaxAttempts {
		return false
	}
	if errors.IsRetryable(err) {
		return true
	}

	code := errors.CodeOf(err)
	for _, retryable := range r.config.RetryableErrors {
		if code == retryable {
			return true
		}
	}
	return false
}

// Delay returns the wait before retry number attempt (1-based)
func (r *Retryer) Delay(attempt int) time.Duration {
	var delay float64
	switch r.config.Backoff {
	case BackoffExponential:
		delay = float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	default:
		delay = float64(r.config.InitialDelay) * float64(attempt)
	}

	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	if r.config.Jitter {
		delay += delay * 0.2 * (rand.Float64()*2 - 1)
	}

	return time.Duration(delay)
}

// WithMaxAttempts returns a new Retryer with modified max attempts
func (r *Retryer) WithMaxAttempts(attempts int) *Retryer {
	newConfig := r.config
	newConfig.MaxAttempts = attempts
	return New(newConfig)
}

// WithInitialDelay returns a new Retryer with modified initial delay
func (r *Retryer) WithInitialDelay(delay time.Duration) *Retryer {
	newConfig := r.config
	newConfig.InitialDelay = delay
	return New(newConfig)
}

// WithOnRetry returns a new Retryer with a retry callback
func (r *Retryer) WithOnRetry(callback func(attempt int, err error, delay time.Duration)) *Retryer {
	newConfig := r.config
	newConfig.OnRetry = callback
	return New(newConfig)
}
