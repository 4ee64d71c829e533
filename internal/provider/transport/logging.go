package transport

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const redacted = "REDACTED"

var sensitiveQueryParams = []string{"access_token", "client_id", "client_secret", "key", "api_key"}

var sensitiveHeaders = []string{"Authorization", "X-Api-Key", "X-Goog-Api-Key", "Api-Key"}

// LoggingTransport logs each exchange at debug level. Credentials in headers
// and query strings are never written to the log.
type LoggingTransport struct {
	next http.RoundTripper
}

// NewLoggingTransport wraps next with redacted request logging.
func NewLoggingTransport(next http.RoundTripper) *LoggingTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &LoggingTransport{next: next}
}

func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	attrs := []any{
		"method", req.Method,
		"url", redactURL(req.URL),
		"headers", redactHeaders(req.Header),
		"latency_ms", time.Since(start).Milliseconds(),
	}
	if err != nil {
		slog.Debug("upstream request failed", append(attrs, "err", err)...)
		return nil, err
	}
	slog.Debug("upstream request", append(attrs, "status", resp.StatusCode)...)
	return resp, nil
}

func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	clone := *u
	query := clone.Query()
	changed := false
	for _, key := range sensitiveQueryParams {
		if query.Has(key) {
			query.Set(key, redacted)
			changed = true
		}
	}
	if changed {
		clone.RawQuery = query.Encode()
	}
	return clone.String()
}

func redactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key := range h {
		out[key] = h.Get(key)
	}
	for _, key := range sensitiveHeaders {
		if h.Get(key) != "" {
			out[http.CanonicalHeaderKey(key)] = redacted
		}
	}
	return out
}
