package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// HTTPError is a non-2xx upstream response.
type HTTPError struct {
	Vendor     string
	StatusCode int
	Body       string
	// Message is the vendor's human readable error, when one could be parsed.
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s upstream status %d: %s", e.Vendor, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s upstream status %d: %s", e.Vendor, e.StatusCode, e.Body)
}

// Category maps the status code onto a presentation category.
func (e *HTTPError) Category() string {
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		return "unauthorized"
	case e.StatusCode == http.StatusForbidden:
		return "forbidden"
	case e.StatusCode == http.StatusNotFound:
		return "not-found"
	case e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusGatewayTimeout:
		return "timeout"
	case e.StatusCode == http.StatusBadGateway:
		return "bad-gateway"
	case e.StatusCode == http.StatusServiceUnavailable:
		return "unavailable"
	case e.StatusCode >= 500:
		return "server-error"
	default:
		return "bad-request"
	}
}

// DecodeError indicates a vendor payload that does not match the expected schema.
type DecodeError struct {
	Vendor string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s response: %v", e.Vendor, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// StatusCode extracts the upstream status from err, or 0.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}
