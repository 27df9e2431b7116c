// Package http builds the transport used to talk to the anonymization service:
// proxy selection, HTTP/2 negotiation and the retry policy for one-shot requests.
package http

import (
	"crypto/tls"
	nethttp "net/http"
	"os"

	"golang.org/x/net/http2"

	"github.com/anonimadata/anonima-cli/internal/config"
	"github.com/anonimadata/anonima-cli/internal/logging"
)

// NewClient creates the HTTP client for API calls.
//
// Key features:
//   - Proxy support (uses ConfigureHTTPClient as base)
//   - HTTP/2 support with runtime toggle (DISABLE_HTTP2 env var)
//   - HTTP/2 disabled when a proxy is active, unless FORCE_HTTP2=true
//
// If cfg is nil, defaults are used and proxy settings come from the
// environment (HTTP_PROXY, HTTPS_PROXY, NO_PROXY).
func NewClient(cfg *config.Config, logger *logging.Logger) (*nethttp.Client, error) {
	if cfg == nil {
		cfg = config.New()
		cfg.ProxyMode = "system"
	}

	baseClient, err := ConfigureHTTPClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	tr, ok := baseClient.Transport.(*nethttp.Transport)
	if !ok {
		// NTLM wraps the transport in ntlmssp.Negotiator; leave it alone
		return baseClient, nil
	}

	tr.ForceAttemptHTTP2 = true
	_ = http2.ConfigureTransport(tr)

	// Set DISABLE_HTTP2=true to force HTTP/1.1
	if os.Getenv("DISABLE_HTTP2") == "true" {
		disableHTTP2(tr)
	}

	// Proxies often mishandle HTTP/2 multiplexing
	if ProxyActive(cfg) && os.Getenv("FORCE_HTTP2") != "true" {
		disableHTTP2(tr)
	}

	baseClient.Transport = tr
	return baseClient, nil
}

// ProxyActive reports whether requests built from cfg will go through a proxy.
// Config proxy mode is trusted first; env vars are only consulted in system mode.
func ProxyActive(cfg *config.Config) bool {
	switch cfg.ProxyMode {
	case "no-proxy", "":
		return false
	case "system":
		return os.Getenv("HTTP_PROXY") != "" || os.Getenv("HTTPS_PROXY") != "" ||
			os.Getenv("http_proxy") != "" || os.Getenv("https_proxy") != ""
	default:
		return cfg.ProxyHost != ""
	}
}

func disableHTTP2(tr *nethttp.Transport) {
	tr.ForceAttemptHTTP2 = false
	tr.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
}
