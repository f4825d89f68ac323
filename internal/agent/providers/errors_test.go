package providers

import (
	"context"
	"errors"
	"net/http"
	"testing"
)

func TestFailoverReasonIsRetryable(t *testing.T) {
	tests := []struct {
		reason   FailoverReason
		expected bool
	}{
		{FailoverRateLimit, true},
		{FailoverTimeout, true},
		{FailoverServerError, true},
		{FailoverBilling, false},
		{FailoverAuth, false},
		{FailoverInvalidRequest, false},
		{FailoverModelUnavailable, false},
		{FailoverContentFilter, false},
		{FailoverUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			if got := tt.reason.IsRetryable(); got != tt.expected {
				t.Errorf("FailoverReason(%q).IsRetryable() = %v, want %v", tt.reason, got, tt.expected)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want FailoverReason
	}{
		{nil, FailoverUnknown},
		{context.DeadlineExceeded, FailoverTimeout},
		{errors.New("429 Too Many Requests"), FailoverRateLimit},
		{errors.New("ThrottlingException: slow down"), FailoverRateLimit},
		{errors.New("invalid api key provided"), FailoverAuth},
		{errors.New("insufficient_quota"), FailoverBilling},
		{errors.New("blocked by safety settings"), FailoverContentFilter},
		{errors.New("model_not_found"), FailoverModelUnavailable},
		{errors.New("503 service unavailable"), FailoverServerError},
		{errors.New("read: connection reset by peer"), FailoverServerError},
		{errors.New("something odd"), FailoverUnknown},
	}

	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProviderError(t *testing.T) {
	cause := errors.New("underlying error")
	err := NewProviderError("anthropic", "claude-3-opus", cause).
		WithStatus(http.StatusTooManyRequests).
		WithCode("rate_limit_error").
		WithRequestID("req-123")

	if err.Reason != FailoverRateLimit {
		t.Errorf("Expected reason %v, got %v", FailoverRateLimit, err.Reason)
	}
	if err.Status != 429 || err.Code != "rate_limit_error" || err.RequestID != "req-123" {
		t.Errorf("unexpected fields %+v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("Unwrap() did not return cause")
	}
	want := "[rate_limit] anthropic model=claude-3-opus status=429 code=rate_limit_error underlying error"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestProviderErrorCodeOverridesStatus(t *testing.T) {
	err := NewProviderError("bedrock", "m", errors.New("bad")).
		WithStatus(http.StatusBadRequest).
		WithCode("ThrottlingException")
	if err.Reason != FailoverRateLimit {
		t.Fatalf("Reason = %v, want rate_limit", err.Reason)
	}

	err = NewProviderError("google", "m", errors.New("bad")).
		WithStatus(http.StatusServiceUnavailable).
		WithCode("UNAVAILABLE_SOMETHING_NEW")
	if err.Reason != FailoverServerError {
		t.Fatalf("unknown code must keep status classification, got %v", err.Reason)
	}
}

func TestClassifyStatusCode(t *testing.T) {
	tests := map[int]FailoverReason{
		http.StatusUnauthorized:        FailoverAuth,
		http.StatusForbidden:           FailoverAuth,
		http.StatusPaymentRequired:     FailoverBilling,
		http.StatusTooManyRequests:     FailoverRateLimit,
		http.StatusRequestTimeout:      FailoverTimeout,
		http.StatusBadRequest:          FailoverInvalidRequest,
		http.StatusNotFound:            FailoverModelUnavailable,
		http.StatusInternalServerError: FailoverServerError,
		529:                            FailoverServerError,
		http.StatusTeapot:              FailoverUnknown,
	}
	for status, want := range tests {
		if got := classifyStatusCode(status); got != want {
			t.Errorf("classifyStatusCode(%d) = %v, want %v", status, got, want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), NewProviderError("openai", "gpt", errors.New("x")).WithStatus(500))
	if !IsRetryable(wrapped) {
		t.Error("server error in chain should be retryable")
	}
	if IsRetryable(NewProviderError("openai", "gpt", errors.New("x")).WithStatus(401)) {
		t.Error("auth error should not be retryable")
	}
	if !IsRetryable(errors.New("i/o timeout")) {
		t.Error("raw timeout should be retryable")
	}
	if _, ok := GetProviderError(errors.New("plain")); ok {
		t.Error("plain error is not a ProviderError")
	}
}
