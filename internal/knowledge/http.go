package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/coachd/internal/backoff"
)

const (
	// CallerHeader carries the session owner to the data service.
	CallerHeader = "X-Caller-ID"

	maxResponseBytes = 1 << 20
)

// HTTPConfig configures an HTTPProvider.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration

	// MaxAttempts bounds retries of 5xx and transport failures. Default: 3
	MaxAttempts int
	Policy      *backoff.BackoffPolicy

	Client *http.Client
	Logger *slog.Logger
}

// HTTPProvider fetches sources from a data service at GET {base}/{source},
// with params encoded as query values.
type HTTPProvider struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	attempts int
	policy   backoff.BackoffPolicy
	logger   *slog.Logger
}

// statusError is a non-2xx response from the data service.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("knowledge service returned %d: %s", e.Status, e.Body)
}

// NewHTTPProvider creates a provider for cfg.BaseURL.
func NewHTTPProvider(cfg HTTPConfig) (*HTTPProvider, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("knowledge base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid knowledge base URL: %w", err)
	}
	p := &HTTPProvider{
		baseURL:  base,
		apiKey:   cfg.APIKey,
		client:   cfg.Client,
		attempts: cfg.MaxAttempts,
		policy:   backoff.BackoffPolicy{InitialMs: 200, MaxMs: 2000, Factor: 2, Jitter: 0.2},
		logger:   cfg.Logger,
	}
	if p.client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		p.client = &http.Client{Timeout: timeout}
	}
	if p.attempts <= 0 {
		p.attempts = 3
	}
	if cfg.Policy != nil {
		p.policy = *cfg.Policy
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p, nil
}

func (p *HTTPProvider) Fetch(ctx context.Context, req Request) (*Result, error) {
	endpoint := p.baseURL + "/" + url.PathEscape(req.Source)
	if query := encodeParams(req.Params); query != "" {
		endpoint += "?" + query
	}

	result, err := backoff.Retry(ctx, backoff.RetryOptions{
		Policy:      p.policy,
		MaxAttempts: p.attempts,
		Retryable:   retryableFetchError,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			p.logger.WarnContext(ctx, "retrying knowledge fetch",
				"source", req.Source,
				"attempt", attempt,
				"delay_ms", delay.Milliseconds(),
				"error", err)
		},
	}, func(ctx context.Context, _ int) (*Result, error) {
		return p.fetchOnce(ctx, endpoint, req.CallerID)
	})
	if err != nil {
		return nil, err
	}
	return result.Value, nil
}

func (p *HTTPProvider) fetchOnce(ctx context.Context, endpoint, callerID string) (*Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json, text/plain")
	if callerID != "" {
		httpReq.Header.Set(CallerHeader, callerID)
	}
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read knowledge response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &statusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return decodeResult(body), nil
}

// decodeResult accepts either a JSON document, optionally with a "text"
// field for the model-facing rendering, or plain text.
func decodeResult(body []byte) *Result {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return &Result{Text: trimmed}
	}
	res := &Result{Data: json.RawMessage(trimmed), Text: trimmed}
	var envelope struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(trimmed), &envelope); err == nil && envelope.Text != "" {
		res.Text = envelope.Text
	}
	return res
}

func retryableFetchError(err error) bool {
	var serr *statusError
	if errors.As(err, &serr) {
		return serr.Status >= 500 || serr.Status == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// encodeParams renders params as a query string. Scalars are formatted
// directly; anything else is sent as JSON.
func encodeParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	values := url.Values{}
	for key, value := range params {
		switch v := value.(type) {
		case nil:
			continue
		case string:
			values.Add(key, v)
		case bool, int, int64, float64, json.Number:
			values.Add(key, fmt.Sprint(v))
		case []any:
			for _, item := range v {
				values.Add(key, fmt.Sprint(item))
			}
		default:
			data, err := json.Marshal(v)
			if err != nil {
				continue
			}
			values.Add(key, string(data))
		}
	}
	return values.Encode()
}
