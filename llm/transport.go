package llm

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultConnectTimeout  = 10 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// TransportConfig carries HTTP transport overrides for a backend client.
// The zero value produces a client with sane defaults and no overall timeout
// (attempt deadlines are enforced by the caller's context).
type TransportConfig struct {
	// Timeout bounds a whole request/response exchange. Zero leaves the
	// client unbounded and defers to context deadlines.
	Timeout time.Duration
	// ConnectTimeout bounds dialing. Zero means 10s.
	ConnectTimeout time.Duration
	// TLSSkipVerify disables certificate verification, for self-hosted
	// backends behind self-signed certificates.
	TLSSkipVerify bool
	// ProxyURL routes requests through a proxy. Empty falls back to the
	// standard environment proxy settings.
	ProxyURL string
	// MaxIdleConns caps the transport-wide idle pool. Zero keeps the
	// net/http default.
	MaxIdleConns int
}

// NewHTTPClient builds an *http.Client from transport overrides. The
// connection pool is sized to the slot's concurrency so a backend never sees
// more parallel connections than the slot admits.
func NewHTTPClient(tc TransportConfig, concurrency int) (*http.Client, error) {
	connectTimeout := tc.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		IdleConnTimeout:     defaultIdleConnTimeout,
		TLSHandshakeTimeout: connectTimeout,
	}
	if concurrency > 0 {
		transport.MaxConnsPerHost = concurrency
		transport.MaxIdleConnsPerHost = concurrency
	}
	if tc.MaxIdleConns > 0 {
		transport.MaxIdleConns = tc.MaxIdleConns
	}
	if tc.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	if tc.ProxyURL != "" {
		proxyURL, err := url.Parse(tc.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy url %q: %w", tc.ProxyURL, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{
		Transport: transport,
		Timeout:   tc.Timeout,
	}, nil
}
