package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	t.Run("creates error with all defaults", func(t *testing.T) {
		err := NewError(ErrCodeInvalidConfig, "configuration is invalid")
		if err.Code != ErrCodeInvalidConfig {
			t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidConfig)
		}
		if err.Category != CategoryConfiguration {
			t.Errorf("Category = %v, want %v", err.Category, CategoryConfiguration)
		}
		if err.Details == nil || err.Context == nil {
			t.Error("Details and Context maps must be initialized")
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	})

	t.Run("sets correct retryable defaults", func(t *testing.T) {
		for _, code := range []ErrorCode{ErrCodeNetworkUnavailable, ErrCodeOperationTimeout, ErrCodeServerError} {
			if !NewError(code, "x").Retryable {
				t.Errorf("%s should be retryable by default", code)
			}
		}
		for _, code := range []ErrorCode{ErrCodePartialBatchFailure, ErrCodeCircuitOpen, ErrCodeInvalidResponse} {
			if NewError(code, "x").Retryable {
				t.Errorf("%s should not be retryable by default", code)
			}
		}
	})

	t.Run("sets correct HTTP status defaults", func(t *testing.T) {
		tests := []struct {
			code       ErrorCode
			wantStatus int
		}{
			{ErrCodeInvalidRequest, 400},
			{ErrCodeNotFound, 404},
			{ErrCodeServerError, 502},
			{ErrCodeCircuitOpen, 503},
			{ErrCodeOperationTimeout, 504},
			{ErrCodeInternalError, 500},
		}
		for _, tt := range tests {
			if got := NewError(tt.code, "test").HTTPStatus; got != tt.wantStatus {
				t.Errorf("%v: HTTPStatus = %d, want %d", tt.code, got, tt.wantStatus)
			}
		}
	})
}

func TestErrorFormatting(t *testing.T) {
	err := NewError(ErrCodeServerError, "status 503").
		WithComponent("backend").
		WithOperation("fetch").
		WithCause(fmt.Errorf("upstream"))

	got := err.Error()
	if got != "[backend:fetch] SERVER_ERROR: status 503: upstream" {
		t.Errorf("Error() = %q", got)
	}
	if !strings.Contains(err.String(), "Retryable=true") {
		t.Errorf("String() missing retryable flag: %s", err.String())
	}
}

func TestErrorsIsAndAs(t *testing.T) {
	base := Wrap(ErrCodeOperationTimeout, "deadline", errors.New("ctx"))
	wrapped := fmt.Errorf("fetch sales: %w", base)

	if !errors.Is(wrapped, NewError(ErrCodeOperationTimeout, "")) {
		t.Error("errors.Is should match by code")
	}
	if errors.Is(wrapped, NewError(ErrCodeServerError, "")) {
		t.Error("errors.Is should not match a different code")
	}
	if CodeOf(wrapped) != ErrCodeOperationTimeout {
		t.Errorf("CodeOf = %s", CodeOf(wrapped))
	}
	if !IsRetryable(wrapped) {
		t.Error("timeout should be retryable")
	}
	if CodeOf(errors.New("plain")) != ErrCodeInternalError {
		t.Error("plain errors map to INTERNAL_ERROR")
	}
}

func TestWithRetryableOverride(t *testing.T) {
	err := NewError(ErrCodeServerError, "bad request").WithRetryable(false)
	if IsRetryable(err) {
		t.Error("override should disable retry")
	}
}
