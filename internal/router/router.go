// Package router resolves model codes to authenticated vendor endpoints.
package router

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"aigroup/internal/config"
	"aigroup/internal/models"
	"aigroup/internal/provider"
	"aigroup/internal/provider/factory"
)

// CustomPrefix marks provider ids registered by the user instead of built in.
const CustomPrefix = "custom:"

// TokenStore returns the current credential snapshot. It is read once per resolution.
type TokenStore interface {
	Tokens() config.Tokens
}

// StaticTokens serves a fixed snapshot.
type StaticTokens config.Tokens

func (s StaticTokens) Tokens() config.Tokens {
	return config.Tokens(s)
}

// TokenAccessor reads one provider's credentials out of a snapshot.
type TokenAccessor func(config.Tokens) factory.Credentials

func apiKey(get func(config.Tokens) string) TokenAccessor {
	return func(t config.Tokens) factory.Credentials {
		return factory.Credentials{APIKey: get(t)}
	}
}

// accessors must cover every factory.BuiltIn provider.
var accessors = map[factory.ProviderID]TokenAccessor{
	factory.OpenAI:     apiKey(func(t config.Tokens) string { return t.OpenAI }),
	factory.Anthropic:  apiKey(func(t config.Tokens) string { return t.Anthropic }),
	factory.Google:     apiKey(func(t config.Tokens) string { return t.Google }),
	factory.Zhipu:      apiKey(func(t config.Tokens) string { return t.Zhipu }),
	factory.OpenRouter: apiKey(func(t config.Tokens) string { return t.OpenRouter }),
	factory.DashScope:  apiKey(func(t config.Tokens) string { return t.DashScope }),
	factory.DeepSeek:   apiKey(func(t config.Tokens) string { return t.DeepSeek }),
	factory.Moonshot:   apiKey(func(t config.Tokens) string { return t.Moonshot }),
	factory.Baidu: func(t config.Tokens) factory.Credentials {
		return factory.Credentials{APIKey: t.Baidu.APIKey, SecretKey: t.Baidu.SecretKey}
	},
}

// Router dispatches canonical requests to the provider named by the model code.
type Router struct {
	tokens      TokenStore
	client      *http.Client
	providers   map[string]config.ProviderConfig
	custom      map[string]config.CustomProviderConfig
	customOrder []string
	prefs       config.Preferences
}

// New constructs a router. All endpoints share client.
func New(cfg config.Config, tokens TokenStore, client *http.Client) *Router {
	r := &Router{
		tokens:    tokens,
		client:    client,
		providers: cfg.Providers,
		custom:    make(map[string]config.CustomProviderConfig, len(cfg.CustomProviders)),
		prefs:     cfg.Preferences,
	}
	for _, custom := range cfg.CustomProviders {
		key := CustomPrefix + custom.ID
		r.custom[key] = custom
		r.customOrder = append(r.customOrder, key)
	}
	return r
}

// Endpoint builds the endpoint for a provider key such as "anthropic" or "custom:local".
func (r *Router) Endpoint(ctx context.Context, providerKey string) (provider.Endpoint, error) {
	var (
		endpoint provider.Endpoint
		err      error
	)
	if strings.HasPrefix(providerKey, CustomPrefix) {
		custom, ok := r.custom[providerKey]
		if !ok {
			return nil, fmt.Errorf("%w: %q", provider.ErrUnsupportedProvider, providerKey)
		}
		endpoint, err = factory.NewCustom(providerKey, factory.Credentials{APIKey: custom.APIKey},
			factory.Options{BaseURL: custom.BaseURL, Headers: custom.Headers}, r.client)
	} else {
		id, parseErr := factory.ParseProviderID(providerKey)
		if parseErr != nil {
			return nil, parseErr
		}
		creds := r.credentials(id)
		override := r.providers[providerKey]
		endpoint, err = factory.New(id, creds, factory.Options{BaseURL: override.BaseURL, Headers: override.Headers}, r.client)
	}
	if err != nil {
		return nil, err
	}

	slog.DebugContext(ctx, "resolved provider endpoint", "provider", providerKey)
	return provider.Traced(endpoint, providerKey), nil
}

func (r *Router) credentials(id factory.ProviderID) factory.Credentials {
	accessor, ok := accessors[id]
	if !ok || r.tokens == nil {
		return factory.Credentials{}
	}
	return accessor(r.tokens.Tokens())
}

// Resolve returns a ready endpoint for the provider of code.
func (r *Router) Resolve(ctx context.Context, code models.ModelCode) (provider.Endpoint, error) {
	return r.Endpoint(ctx, code.Provider)
}

func (r *Router) prepare(ctx context.Context, req models.ChatCompletionRequest) (provider.Endpoint, models.ModelCode, models.ChatCompletionRequest, error) {
	code, err := models.ParseModelCode(req.Model)
	if err != nil {
		return nil, models.ModelCode{}, req, err
	}
	endpoint, err := r.Resolve(ctx, code)
	if err != nil {
		return nil, code, req, err
	}
	sanitised := r.prefs.Apply(req)
	sanitised.Model = code.Model
	return endpoint, code, sanitised, nil
}

// ChatCompletion routes a request whose Model is a full "<provider>/<model>" code.
func (r *Router) ChatCompletion(ctx context.Context, req models.ChatCompletionRequest, opts models.RequestOptions) (*models.ChatCompletion, error) {
	endpoint, code, sanitised, err := r.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := endpoint.ChatCompletion(ctx, sanitised, opts)
	if err != nil {
		return nil, fmt.Errorf("provider %s chat request: %w", code.Provider, err)
	}
	return resp, nil
}

// ChatCompletions is the streaming counterpart of ChatCompletion.
func (r *Router) ChatCompletions(ctx context.Context, req models.ChatCompletionRequest, opts models.RequestOptions) iter.Seq2[models.ChatCompletionChunk, error] {
	endpoint, _, sanitised, err := r.prepare(ctx, req)
	if err != nil {
		return provider.Fail[models.ChatCompletionChunk](err)
	}
	return endpoint.ChatCompletions(ctx, sanitised, opts)
}

// Models lists the catalog of one provider. Custom providers with a configured
// model list are answered without a request.
func (r *Router) Models(ctx context.Context, providerKey string) ([]models.Model, error) {
	if custom, ok := r.custom[providerKey]; ok && len(custom.Models) > 0 {
		out := make([]models.Model, 0, len(custom.Models))
		for _, id := range custom.Models {
			out = append(out, models.Model{ID: id, OwnedBy: providerKey})
		}
		return out, nil
	}
	endpoint, err := r.Endpoint(ctx, providerKey)
	if err != nil {
		return nil, err
	}
	list, err := endpoint.Models(ctx, models.RequestOptions{})
	if err != nil {
		return nil, fmt.Errorf("provider %s models: %w", providerKey, err)
	}
	return list, nil
}

// Providers returns the keys of built-in providers that have a credential and
// of every custom provider.
func (r *Router) Providers() []string {
	var out []string
	for _, id := range factory.BuiltIn {
		if r.credentials(id).APIKey != "" {
			out = append(out, string(id))
		}
	}
	return append(out, r.customOrder...)
}
