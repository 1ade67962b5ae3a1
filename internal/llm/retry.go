package llm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// HTTPError wraps a non-2xx response from a provider's HTTP API.
// Grounded on the teacher's providers.HTTPError{Status,Body,RetryAfter}
// usage in internal/providers/anthropic.go, rebuilt here since the
// defining file did not survive retrieval.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("llm: http %d: %s", e.Status, e.Body)
}

// Retryable reports whether the status code is worth retrying:
// 429 (rate limited) and 5xx (transient upstream failure).
func (e *HTTPError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}

// ParseRetryAfter parses a Retry-After header value (seconds form) into
// a duration, defaulting to zero on empty or malformed input.
func ParseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// RetryConfig controls RetryDo's backoff schedule.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig matches the teacher's observed three-attempt,
// exponential-with-cap schedule for upstream LLM calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}
}

// RetryDo runs fn up to cfg.MaxAttempts times, retrying only on a
// Retryable HTTPError and honoring the upstream's Retry-After when
// present. Any other error is returned at once.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	delay := cfg.BaseDelay
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		var httpErr *HTTPError
		if !errors.As(err, &httpErr) || !httpErr.Retryable() {
			return zero, err
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}
		wait := delay
		if httpErr.RetryAfter > 0 {
			wait = httpErr.RetryAfter
		}
		if wait > cfg.MaxDelay {
			wait = cfg.MaxDelay
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
		delay *= 2
	}
	return zero, lastErr
}

// ClassifyUpstreamError turns a raw provider error body into a short,
// user-facing category by substring match against known failure modes,
// mirroring the teacher's UpstreamError classification in its provider
// error paths (overloaded / rate limited / invalid request / auth).
func ClassifyUpstreamError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "overloaded_error"), strings.Contains(msg, "Overloaded"):
		return "overloaded"
	case strings.Contains(msg, "rate_limit"), strings.Contains(msg, "429"):
		return "rate_limited"
	case strings.Contains(msg, "invalid_request_error"):
		return "invalid_request"
	case strings.Contains(msg, "authentication_error"), strings.Contains(msg, "401"):
		return "authentication"
	case strings.Contains(msg, "context deadline exceeded"), strings.Contains(msg, "timeout"):
		return "timeout"
	default:
		return "unknown"
	}
}
