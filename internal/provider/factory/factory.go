// Package factory constructs vendor adapters for the built-in providers.
package factory

import (
	"fmt"
	"maps"
	"net/http"
	"strings"

	"aigroup/internal/provider"
	"aigroup/internal/provider/anthropic"
	"aigroup/internal/provider/baidu"
	"aigroup/internal/provider/google"
	"aigroup/internal/provider/openai"
)

// ProviderID names a built-in provider.
type ProviderID string

const (
	OpenAI     ProviderID = "openai"
	Anthropic  ProviderID = "anthropic"
	Baidu      ProviderID = "baidu"
	Google     ProviderID = "google"
	Zhipu      ProviderID = "zhipu"
	OpenRouter ProviderID = "openrouter"
	DashScope  ProviderID = "dashscope"
	DeepSeek   ProviderID = "deepseek"
	Moonshot   ProviderID = "moonshot"
)

// BuiltIn lists every built-in provider in display order.
var BuiltIn = []ProviderID{OpenAI, Anthropic, Google, Baidu, Zhipu, DashScope, DeepSeek, Moonshot, OpenRouter}

var defaultBaseURLs = map[ProviderID]string{
	OpenAI:     "https://api.openai.com/v1",
	Anthropic:  "https://api.anthropic.com/v1",
	Baidu:      baidu.DefaultBaseURL,
	Google:     "https://generativelanguage.googleapis.com/v1beta",
	Zhipu:      "https://open.bigmodel.cn/api/paas/v4",
	OpenRouter: "https://openrouter.ai/api/v1",
	DashScope:  "https://dashscope.aliyuncs.com/compatible-mode/v1",
	DeepSeek:   "https://api.deepseek.com/v1",
	Moonshot:   "https://api.moonshot.cn/v1",
}

// openRouterHeaders identify the app on OpenRouter's leaderboard.
var openRouterHeaders = map[string]string{
	"HTTP-Referer": "https://github.com/aigroup",
	"X-Title":      "AIGroup",
}

// ParseProviderID validates a built-in provider tag.
func ParseProviderID(tag string) (ProviderID, error) {
	id := ProviderID(tag)
	if _, ok := defaultBaseURLs[id]; !ok {
		return "", fmt.Errorf("%w: %q", provider.ErrUnsupportedProvider, tag)
	}
	return id, nil
}

// Credentials is the secret material a provider authenticates with.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// Options overrides routing for one provider.
type Options struct {
	BaseURL string
	Headers map[string]string
}

// New builds the adapter for a built-in provider. Missing credentials fail
// here, before any request is sent.
func New(id ProviderID, creds Credentials, opts Options, client *http.Client) (provider.Endpoint, error) {
	baseURL, ok := defaultBaseURLs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", provider.ErrUnsupportedProvider, id)
	}
	if opts.BaseURL != "" {
		baseURL = opts.BaseURL
	}
	if strings.TrimSpace(creds.APIKey) == "" {
		return nil, fmt.Errorf("%w: no token configured for %s", provider.ErrMissingCredential, id)
	}

	var (
		endpoint provider.Endpoint
		err      error
	)
	switch id {
	case Anthropic:
		endpoint, err = anthropic.New(anthropic.Config{BaseURL: baseURL, APIKey: creds.APIKey}, client)
	case Baidu:
		endpoint, err = baidu.New(baidu.Config{BaseURL: baseURL, APIKey: creds.APIKey, SecretKey: creds.SecretKey}, client)
	case Google:
		endpoint, err = google.New(google.Config{BaseURL: baseURL, APIKey: creds.APIKey}, client)
	default:
		endpoint, err = openai.New(string(id), openai.Config{BaseURL: baseURL, APIKey: creds.APIKey, StreamUsage: id == OpenAI}, client)
	}
	if err != nil {
		return nil, fmt.Errorf("initialise %s provider: %w", id, err)
	}

	headers := opts.Headers
	if id == OpenRouter {
		headers = maps.Clone(openRouterHeaders)
		maps.Copy(headers, opts.Headers)
	}
	return provider.WithHeaders(endpoint, headers), nil
}

// NewCustom builds an adapter for a user registered OpenAI-compatible endpoint.
func NewCustom(id string, creds Credentials, opts Options, client *http.Client) (provider.Endpoint, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, fmt.Errorf("custom provider %s: base url must not be empty", id)
	}
	endpoint, err := openai.New(id, openai.Config{BaseURL: opts.BaseURL, APIKey: creds.APIKey}, client)
	if err != nil {
		return nil, fmt.Errorf("initialise custom provider %s: %w", id, err)
	}
	return provider.WithHeaders(endpoint, opts.Headers), nil
}
