package provider

import (
	"context"
	"iter"
	"maps"

	"aigroup/internal/models"
)

type headerEndpoint struct {
	next    Endpoint
	headers map[string]string
}

// WithHeaders wraps an endpoint so every call carries the given static headers.
// Caller supplied options are copied, never modified.
func WithHeaders(next Endpoint, headers map[string]string) Endpoint {
	if len(headers) == 0 {
		return next
	}
	return &headerEndpoint{next: next, headers: maps.Clone(headers)}
}

func (h *headerEndpoint) ChatCompletion(ctx context.Context, req models.ChatCompletionRequest, opts models.RequestOptions) (*models.ChatCompletion, error) {
	return h.next.ChatCompletion(ctx, req, opts.WithHeaders(h.headers))
}

func (h *headerEndpoint) ChatCompletions(ctx context.Context, req models.ChatCompletionRequest, opts models.RequestOptions) iter.Seq2[models.ChatCompletionChunk, error] {
	return h.next.ChatCompletions(ctx, req, opts.WithHeaders(h.headers))
}

func (h *headerEndpoint) Models(ctx context.Context, opts models.RequestOptions) ([]models.Model, error) {
	return h.next.Models(ctx, opts.WithHeaders(h.headers))
}

func (h *headerEndpoint) Model(ctx context.Context, id string, opts models.RequestOptions) (*models.Model, error) {
	return h.next.Model(ctx, id, opts.WithHeaders(h.headers))
}
