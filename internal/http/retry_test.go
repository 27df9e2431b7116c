package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	nethttp "net/http"
	"testing"
	"time"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code int
		want ErrorType
	}{
		{200, ErrorTypeSuccess},
		{202, ErrorTypeSuccess},
		{400, ErrorTypeFatal},
		{401, ErrorTypeCredential},
		{403, ErrorTypeCredential},
		{404, ErrorTypeFatal},
		{408, ErrorTypeRetryable},
		{429, ErrorTypeRetryable},
		{500, ErrorTypeRetryable},
		{501, ErrorTypeFatal},
		{503, ErrorTypeRetryable},
	}
	for _, tt := range tests {
		if got := ClassifyStatus(tt.code); got != tt.want {
			t.Errorf("ClassifyStatus(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"nil", nil, ErrorTypeSuccess},
		{"canceled", context.Canceled, ErrorTypeFatal},
		{"deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), ErrorTypeNetwork},
		{"op error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, ErrorTypeNetwork},
		{"reset", errors.New("read: connection reset by peer"), ErrorTypeNetwork},
		{"eof", errors.New("unexpected EOF"), ErrorTypeNetwork},
		{"bad cert", errors.New("x509: certificate signed by unknown authority"), ErrorTypeFatal},
		{"scheme", errors.New("unsupported protocol scheme \"ftp\""), ErrorTypeFatal},
		{"unknown", errors.New("something odd"), ErrorTypeFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryPolicy(t *testing.T) {
	ctx := context.Background()

	retry, err := RetryPolicy(ctx, &nethttp.Response{StatusCode: 503}, nil)
	if !retry || err != nil {
		t.Errorf("503: retry=%v err=%v, want retry", retry, err)
	}

	retry, err = RetryPolicy(ctx, &nethttp.Response{StatusCode: 401}, nil)
	if retry || err != nil {
		t.Errorf("401: retry=%v err=%v, want no retry", retry, err)
	}

	retry, _ = RetryPolicy(ctx, nil, errors.New("connection refused"))
	if !retry {
		t.Error("connection refused should be retried")
	}

	fatal := errors.New("x509: certificate has expired")
	retry, err = RetryPolicy(ctx, nil, fatal)
	if retry || !errors.Is(err, fatal) {
		t.Errorf("certificate error: retry=%v err=%v", retry, err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	retry, err = RetryPolicy(cancelled, &nethttp.Response{StatusCode: 503}, nil)
	if retry || !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled ctx: retry=%v err=%v", retry, err)
	}
}

func TestCalculateBackoffBounds(t *testing.T) {
	if d := CalculateBackoff(0, 100*time.Millisecond, time.Second); d != 0 {
		t.Errorf("attempt 0 should not wait, got %s", d)
	}
	for attempt := 1; attempt < 40; attempt++ {
		d := CalculateBackoff(attempt, 100*time.Millisecond, time.Second)
		if d < 0 || d >= time.Second {
			t.Fatalf("attempt %d: backoff %s out of range", attempt, d)
		}
	}
}

func TestJitterBackoffHonorsRetryAfter(t *testing.T) {
	resp := &nethttp.Response{StatusCode: 429, Header: nethttp.Header{}}
	resp.Header.Set("Retry-After", "2")
	if d := JitterBackoff(10*time.Millisecond, time.Minute, 1, resp); d != 2*time.Second {
		t.Errorf("expected Retry-After of 2s, got %s", d)
	}
}
