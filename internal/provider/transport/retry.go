package transport

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy controls the 429 backoff. A zero MaxRetries disables retries.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy is used when the configuration leaves retries unset.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 3,
	BaseDelay:  500 * time.Millisecond,
	MaxDelay:   8 * time.Second,
}

// RetryTransport retries requests answered with 429 Too Many Requests using
// exponential backoff. Every other status is returned to the caller untouched.
type RetryTransport struct {
	next   http.RoundTripper
	policy RetryPolicy
}

// NewRetryTransport wraps next with the 429 retry policy.
func NewRetryTransport(next http.RoundTripper, policy RetryPolicy) *RetryTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &RetryTransport{next: next, policy: policy}
}

func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.policy.MaxRetries <= 0 {
		return t.next.RoundTrip(req)
	}

	body, err := snapshotBody(req)
	if err != nil {
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.policy.BaseDelay
	if t.policy.MaxDelay > 0 {
		b.MaxInterval = t.policy.MaxDelay
	}
	b.MaxElapsedTime = 0
	b.Reset()

	for attempt := 0; ; attempt++ {
		attemptReq := req.Clone(req.Context())
		if body != nil {
			attemptReq.Body = io.NopCloser(bytes.NewReader(body))
		}
		resp, err := t.next.RoundTrip(attemptReq)
		if err != nil || resp.StatusCode != http.StatusTooManyRequests || attempt >= t.policy.MaxRetries {
			return resp, err
		}

		delay := retryAfter(resp.Header.Get("Retry-After"))
		if delay <= 0 {
			delay = b.NextBackOff()
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()

		slog.Debug("upstream rate limited, retrying", "url", redactURL(req.URL), "attempt", attempt+1, "delay_ms", delay.Milliseconds())

		timer := time.NewTimer(delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}
	}
}

func snapshotBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("buffer request body: %w", err)
	}
	return data, nil
}

func retryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		return time.Until(at)
	}
	return 0
}
