package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"aigroup/internal/models"
	"aigroup/internal/provider"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "aigroup/0.1"
	maxErrorBody    = 64 * 1024
)

// Client performs JSON exchanges against one vendor.
type Client struct {
	HTTP   *http.Client
	Vendor string
}

// NewClient binds an HTTP client to a vendor name used in errors.
func NewClient(httpClient *http.Client, vendor string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{HTTP: httpClient, Vendor: vendor}
}

// NewJSONRequest builds a request with a JSON body (nil payload sends none)
// and applies the per-call headers from opts last.
func (c *Client) NewJSONRequest(ctx context.Context, method, url string, payload any, opts models.RequestOptions) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	if payload != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// Do sends the request and converts non-2xx responses into *provider.HTTPError.
// On success the caller owns the response body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", c.Vendor, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, c.parseAPIError(resp)
	}
	return resp, nil
}

// DoJSON sends the request and decodes a successful body into target.
func (c *Client) DoJSON(req *http.Request, target any) error {
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return DecodeJSON(c.Vendor, resp.Body, target)
}

// DecodeJSON decodes reader into target, wrapping failures in *provider.DecodeError.
func DecodeJSON(vendor string, reader io.Reader, target any) error {
	if err := json.NewDecoder(reader).Decode(target); err != nil {
		return &provider.DecodeError{Vendor: vendor, Err: err}
	}
	return nil
}

// Unmarshal is DecodeJSON for an in-memory payload.
func Unmarshal(vendor string, data string, target any) error {
	if err := json.Unmarshal([]byte(data), target); err != nil {
		return &provider.DecodeError{Vendor: vendor, Err: err}
	}
	return nil
}

func (c *Client) parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fmt.Errorf("%s upstream status %d and failed to read body: %w", c.Vendor, resp.StatusCode, err)
	}
	trimmed := strings.TrimSpace(string(body))
	return &provider.HTTPError{
		Vendor:     c.Vendor,
		StatusCode: resp.StatusCode,
		Body:       trimmed,
		Message:    errorMessage(body),
	}
}

// errorMessage pulls a human readable message out of the common vendor error envelopes.
func errorMessage(body []byte) string {
	var envelope struct {
		Error    json.RawMessage `json:"error"`
		Message  string          `json:"message"`
		ErrorMsg string          `json:"error_msg"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	if len(envelope.Error) > 0 {
		var nested struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		}
		if err := json.Unmarshal(envelope.Error, &nested); err == nil && nested.Message != "" {
			if nested.Type != "" {
				return nested.Type + ": " + nested.Message
			}
			return nested.Message
		}
		var text string
		if err := json.Unmarshal(envelope.Error, &text); err == nil && text != "" {
			return text
		}
	}
	if envelope.ErrorMsg != "" {
		return envelope.ErrorMsg
	}
	return envelope.Message
}
