package http

import (
	"context"
	"errors"
	"math/rand"
	"net"
	nethttp "net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrorType represents different classes of errors for retry strategy
type ErrorType int

const (
	// ErrorTypeSuccess indicates operation succeeded
	ErrorTypeSuccess ErrorType = iota
	// ErrorTypeCredential indicates authentication/authorization failure (401, 403)
	ErrorTypeCredential
	// ErrorTypeNetwork indicates network/connection issues (timeouts, connection refused, etc.)
	ErrorTypeNetwork
	// ErrorTypeRetryable indicates server errors that can be retried (500, 502, 503, throttling)
	ErrorTypeRetryable
	// ErrorTypeFatal indicates client errors that should not be retried (400, 404, invalid request)
	ErrorTypeFatal
)

// String returns a human-readable name for an ErrorType
func (t ErrorType) String() string {
	switch t {
	case ErrorTypeSuccess:
		return "success"
	case ErrorTypeCredential:
		return "credential"
	case ErrorTypeNetwork:
		return "network"
	case ErrorTypeRetryable:
		return "retryable"
	case ErrorTypeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClassifyStatus maps an HTTP status code to an ErrorType.
func ClassifyStatus(code int) ErrorType {
	switch {
	case code < 400:
		return ErrorTypeSuccess
	case code == nethttp.StatusUnauthorized, code == nethttp.StatusForbidden:
		return ErrorTypeCredential
	case code == nethttp.StatusTooManyRequests, code == nethttp.StatusRequestTimeout:
		return ErrorTypeRetryable
	case code == nethttp.StatusNotImplemented:
		return ErrorTypeFatal
	case code >= 500:
		return ErrorTypeRetryable
	default:
		return ErrorTypeFatal
	}
}

// ClassifyError determines the error type of a transport-level failure.
// Context cancellation is fatal: the caller asked to stop.
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypeSuccess
	}
	if errors.Is(err, context.Canceled) {
		return ErrorTypeFatal
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeNetwork
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "certificate") ||
		strings.Contains(errStr, "unsupported protocol scheme") ||
		strings.Contains(errStr, "stopped after") {
		return ErrorTypeFatal
	}

	if strings.Contains(errStr, "tls handshake timeout") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "timeout") {
		return ErrorTypeNetwork
	}

	// Unknown errors - treat as fatal to avoid retrying on unexpected errors
	return ErrorTypeFatal
}

// RetryPolicy is a retryablehttp.CheckRetry that retries network failures,
// throttling and server errors, and never retries credential failures.
func RetryPolicy(ctx context.Context, resp *nethttp.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		switch ClassifyError(err) {
		case ErrorTypeNetwork, ErrorTypeRetryable:
			return true, nil
		default:
			return false, err
		}
	}
	if resp == nil {
		return false, nil
	}
	return ClassifyStatus(resp.StatusCode) == ErrorTypeRetryable, nil
}

// JitterBackoff is a retryablehttp.Backoff using exponential backoff with full jitter.
// A Retry-After header on 429/503 responses takes precedence.
//
// Formula: random(0, min(max, min * 2^attempt))
func JitterBackoff(min, max time.Duration, attemptNum int, resp *nethttp.Response) time.Duration {
	if resp != nil && (resp.StatusCode == nethttp.StatusTooManyRequests || resp.StatusCode == nethttp.StatusServiceUnavailable) {
		if resp.Header.Get("Retry-After") != "" {
			return retryablehttp.DefaultBackoff(min, max, attemptNum, resp)
		}
	}
	return CalculateBackoff(attemptNum, min, max)
}

// CalculateBackoff returns exponential backoff duration with full jitter
func CalculateBackoff(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	if attempt <= 0 || initialDelay <= 0 {
		return 0
	}

	base := maxDelay
	if attempt < 32 {
		if d := time.Duration(1<<uint(attempt)) * initialDelay; d > 0 && d < maxDelay {
			base = d
		}
	}
	if base <= 0 {
		return 0
	}

	return time.Duration(rand.Int63n(int64(base)))
}
