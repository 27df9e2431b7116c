package constants

import (
	"time"
)

// Service defaults
const (
	// DefaultAPIBaseURL - where the anonymization service listens in a local deployment
	DefaultAPIBaseURL = "http://localhost:8080"

	// DefaultDownloadPrefix - prefix for downloaded anonymized files
	DefaultDownloadPrefix = "anonymized_"
)

// Status polling
const (
	// DefaultPollInterval - fixed delay between status fetches (1 second)
	DefaultPollInterval = 1 * time.Second

	// MinPollInterval - lower bound accepted from config (100ms)
	// Anything tighter just hammers the status endpoint
	MinPollInterval = 100 * time.Millisecond

	// DefaultMaxAttempts - status fetches before a watch times out (0 = unbounded)
	// 600 attempts at the default interval is about ten minutes
	DefaultMaxAttempts = 600

	// CheckingStatusMessage - progress text shown while a status fetch is failing
	CheckingStatusMessage = "Checking status..."
)

// Retry configuration for one-shot requests
const (
	// MaxRetries - retries for transient HTTP errors on one-shot requests
	MaxRetries = 3

	// RetryInitialDelay - initial delay before first retry (200ms)
	RetryInitialDelay = 200 * time.Millisecond

	// RetryMaxDelay - maximum delay between retries (15s)
	RetryMaxDelay = 15 * time.Second
)

// Event System
const (
	// EventBusDefaultBuffer - default buffer size for event channels (1000)
	EventBusDefaultBuffer = 1000

	// EventBusMaxBuffer - maximum buffer size for high-throughput scenarios (5000)
	EventBusMaxBuffer = 5000
)

// UI Updates
const (
	// ProgressUpdateInterval - interval for spinner redraws (250ms)
	ProgressUpdateInterval = 250 * time.Millisecond

	// PreviewRowLimit - rows shown in terminal previews
	PreviewRowLimit = 10
)

// API and Context Timeouts
const (
	// APIRequestTimeout - default timeout for a single API request (60 seconds)
	APIRequestTimeout = 60 * time.Second

	// APIConnectionTestTimeout - timeout for testing API connectivity (10 seconds)
	APIConnectionTestTimeout = 10 * time.Second
)

// HTTP Client Timeouts
const (
	// HTTPIdleConnTimeout - how long to keep idle connections open (90 seconds)
	HTTPIdleConnTimeout = 90 * time.Second

	// HTTPTLSHandshakeTimeout - timeout for TLS handshake (60 seconds)
	HTTPTLSHandshakeTimeout = 60 * time.Second

	// HTTPExpectContinueTimeout - timeout for 100-continue response (1 second)
	HTTPExpectContinueTimeout = 1 * time.Second

	// HTTPDialTimeout - timeout for establishing connection (30 seconds)
	HTTPDialTimeout = 30 * time.Second

	// HTTPDialKeepAlive - keep-alive period for dialer (30 seconds)
	HTTPDialKeepAlive = 30 * time.Second
)
