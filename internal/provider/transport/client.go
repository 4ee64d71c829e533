// Package transport holds the HTTP plumbing shared by every vendor adapter.
package transport

import (
	"net"
	"net/http"
	"time"
)

const (
	defaultRequestTimeout  = 120 * time.Second
	defaultConnectTimeout  = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// Settings configures the shared HTTP client.
type Settings struct {
	// ConnectTimeout bounds dialing. Zero uses the default.
	ConnectTimeout time.Duration
	// RequestTimeout bounds a whole non-streaming exchange. Streaming calls
	// rely on context cancellation instead, so the client itself has no timeout.
	RequestTimeout time.Duration
	Retry          RetryPolicy
}

// NewHTTPClient builds a client with retry and redacted logging round-trippers.
func NewHTTPClient(settings Settings) *http.Client {
	connectTimeout := settings.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}

	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: connectTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: requestTimeout(settings),
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: NewRetryTransport(NewLoggingTransport(base), settings.Retry),
	}
}

func requestTimeout(settings Settings) time.Duration {
	if settings.RequestTimeout <= 0 {
		return defaultRequestTimeout
	}
	return settings.RequestTimeout
}
