package retry

import (
	"context"
	stderr "errors"
	"testing"
	"time"

	"github.com/branchsync/branchsync/pkg/errors"
)

func fastConfig() Config {
	config := DefaultConfig()
	config.InitialDelay = time.Millisecond
	return config
}

func TestRetryer_Success(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_RetryableError(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		if attempts < 3 {
			return errors.NewError(errors.ErrCodeNetworkUnavailable, "connection refused")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryer_NonRetryableError(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	testErr := errors.NewError(errors.ErrCodeInvalidResponse, "bad json")

	err := retryer.Do(func() error {
		attempts++
		return testErr
	})

	if !stderr.Is(err, testErr) {
		t.Errorf("Expected original error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt (no retry), got %d", attempts)
	}
}

func TestRetryer_MaxAttemptsExceeded(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return errors.NewError(errors.ErrCodeServerError, "status 500")
	})

	if attempts != 4 {
		t.Errorf("Expected 4 attempts (1 + 3 retries), got %d", attempts)
	}
	if errors.CodeOf(err) != errors.ErrCodeRetryExhausted {
		t.Errorf("Expected RETRY_EXHAUSTED, got %v", err)
	}
	if !stderr.Is(err, errors.NewError(errors.ErrCodeServerError, "")) {
		t.Error("exhausted error should wrap the last failure")
	}
}

func TestRetryer_ContextCancellation(t *testing.T) {
	config := fastConfig()
	config.InitialDelay = time.Second
	retryer := New(config)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	err := retryer.DoWithContext(ctx, func(ctx context.Context) error {
		attempts++
		cancel()
		return errors.NewError(errors.ErrCodeOperationTimeout, "timeout")
	})

	if errors.CodeOf(err) != errors.ErrCodeOperationCanceled {
		t.Errorf("Expected OPERATION_CANCELED, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_Delay(t *testing.T) {
	tests := []struct {
		name    string
		backoff Backoff
		attempt int
		want    time.Duration
	}{
		{"linear first retry", BackoffLinear, 1, time.Second},
		{"linear third retry", BackoffLinear, 3, 3 * time.Second},
		{"exponential second retry", BackoffExponential, 2, 2 * time.Second},
		{"exponential capped", BackoffExponential, 10, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			config.Backoff = tt.backoff
			if got := New(config).Delay(tt.attempt); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestRetryer_OnRetry(t *testing.T) {
	var delays []time.Duration
	retryer := New(fastConfig()).WithOnRetry(func(attempt int, err error, delay time.Duration) {
		delays = append(delays, delay)
	})

	_ = retryer.Do(func() error {
		return errors.NewError(errors.ErrCodeNetworkUnavailable, "down")
	})

	want := []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("Expected %d retries, got %d", len(want), len(delays))
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}
