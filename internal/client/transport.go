package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/clima-service/internal/apperror"
	"github.com/kjstillabower/clima-service/internal/observability"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrNotFound        = errors.New("not found")
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrRateLimited     = errors.New("rate limited")
	ErrCircuitOpen     = errors.New("circuit breaker open")
)

// maxBodyBytes caps how much of an upstream response is read.
const maxBodyBytes = 4 << 20

// RetryConfig controls the retry loop. Attempts counts the first try.
type RetryConfig struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetry is the retry policy used when a source is built without one.
var DefaultRetry = RetryConfig{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}

// TransportConfig configures the HTTP plumbing shared by every source.
type TransportConfig struct {
	// Source labels metrics and logs (open_meteo, geocoding, openaq).
	Source  string
	Timeout time.Duration
	Retry   RetryConfig
	// Limiter throttles outbound calls; nil disables.
	Limiter *rate.Limiter
	// Breaker guards each attempt; nil disables.
	Breaker *gobreaker.CircuitBreaker
	// Headers are added to every request.
	Headers map[string]string
	Logger  *zap.Logger
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

type transport struct {
	source  string
	timeout time.Duration
	retry   RetryConfig
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	headers map[string]string
	logger  *zap.Logger
	client  *http.Client
}

func newTransport(cfg TransportConfig) *transport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = DefaultRetry
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &transport{
		source:  cfg.Source,
		timeout: cfg.Timeout,
		retry:   cfg.Retry,
		limiter: cfg.Limiter,
		breaker: cfg.Breaker,
		headers: cfg.Headers,
		logger:  cfg.Logger,
		client:  client,
	}
}

// attemptError carries a server-requested delay for the next attempt.
type attemptError struct {
	err        error
	retryAfter time.Duration
}

func (e *attemptError) Error() string { return e.err.Error() }
func (e *attemptError) Unwrap() error { return e.err }

// getJSON fetches rawURL and decodes the JSON body into out. Transient failures are retried
// with exponential backoff and jitter. Returned errors carry an apperror kind.
func (t *transport) getJSON(ctx context.Context, rawURL string, out any) error {
	logger := observability.LoggerFromContext(ctx, t.logger)
	var lastErr error

	for attempt := 0; attempt < t.retry.Attempts; attempt++ {
		if attempt > 0 {
			observability.UpstreamRetriesTotal.WithLabelValues(t.source).Inc()
			delay := t.backoff(attempt, lastErr)
			logger.Debug("retrying upstream call",
				zap.String("source", t.source),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return apperror.Network(fmt.Errorf("%s: %w", t.source, ctx.Err()))
			case <-timer.C:
			}
		}

		body, err := t.attempt(ctx, rawURL)
		if err == nil {
			if err := json.Unmarshal(body, out); err != nil {
				return apperror.Parse(fmt.Errorf("%s: parse response: %w", t.source, err))
			}
			return nil
		}

		lastErr = err
		if ctx.Err() != nil || !isRetryable(err) {
			break
		}
	}

	return normalize(t.source, lastErr)
}

// attempt performs one rate-limited, breaker-guarded request.
func (t *transport) attempt(ctx context.Context, rawURL string) ([]byte, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("upstream rate limiter: %w", err)
		}
	}
	if t.breaker == nil {
		return t.do(ctx, rawURL)
	}
	res, err := t.breaker.Execute(func() (interface{}, error) {
		return t.do(ctx, rawURL)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

func (t *transport) do(ctx context.Context, rawURL string) ([]byte, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		t.observe("error", start)
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.observe("error", start)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("request timeout: %w", err)
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	t.observe(statusLabel(resp.StatusCode), start)

	if err := errorForStatus(resp); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return body, nil
}

func (t *transport) observe(status string, start time.Time) {
	observability.UpstreamCallsTotal.WithLabelValues(t.source, status).Inc()
	observability.UpstreamDuration.WithLabelValues(t.source, status).Observe(time.Since(start).Seconds())
}

// backoff returns base*2^(attempt-1) capped at MaxDelay plus up to 10% jitter. A 429 with
// Retry-After overrides the computed delay, still capped at MaxDelay.
func (t *transport) backoff(attempt int, lastErr error) time.Duration {
	var ae *attemptError
	if errors.As(lastErr, &ae) && ae.retryAfter > 0 {
		if ae.retryAfter > t.retry.MaxDelay {
			return t.retry.MaxDelay
		}
		return ae.retryAfter
	}
	delay := float64(t.retry.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(t.retry.MaxDelay) {
		delay = float64(t.retry.MaxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func errorForStatus(resp *http.Response) error {
	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrUnauthorized, code)
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: HTTP %d", ErrNotFound, code)
	case code == http.StatusTooManyRequests:
		return &attemptError{err: ErrRateLimited, retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case code == http.StatusRequestTimeout || code >= 500:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, code)
	default:
		return fmt.Errorf("unexpected status: HTTP %d", code)
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNotFound) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// normalize tags a terminal transport error with its apperror kind.
func normalize(source string, err error) error {
	wrapped := fmt.Errorf("%s: %w", source, err)
	if errors.Is(err, ErrNotFound) {
		return apperror.NotFound(wrapped)
	}
	return apperror.Network(wrapped)
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

// IsBreakerNeutral reports errors that say nothing about upstream health. Sources pass it
// as the breaker's IsSuccessful classifier.
func IsBreakerNeutral(err error) bool {
	return err == nil ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, context.Canceled)
}
