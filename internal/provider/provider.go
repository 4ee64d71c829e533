package provider

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"

	"aigroup/internal/models"
)

// ErrModelNotFound indicates the requested model is not in the provider's catalog.
var ErrModelNotFound = errors.New("model not found")

// ErrUnsupportedOperation indicates the provider cannot fulfill the requested action.
var ErrUnsupportedOperation = errors.New("unsupported provider operation")

// ErrUnsupportedProvider indicates an unknown provider tag.
var ErrUnsupportedProvider = errors.New("unsupported provider")

// ErrUnsupportedContent indicates a content part the vendor cannot accept.
var ErrUnsupportedContent = errors.New("unsupported content type")

// ErrMissingCredential indicates a provider has no usable credential configured.
var ErrMissingCredential = errors.New("missing credential")

// ErrStreamConsumed is yielded when a completion stream is ranged over twice.
var ErrStreamConsumed = errors.New("completion stream already consumed")

// Endpoint defines the behaviour every vendor adapter implements.
type Endpoint interface {
	// ChatCompletion performs one blocking round-trip.
	ChatCompletion(ctx context.Context, req models.ChatCompletionRequest, opts models.RequestOptions) (*models.ChatCompletion, error)
	// ChatCompletions returns a lazily produced, single-use sequence of chunks.
	// The HTTP request is issued when iteration starts.
	ChatCompletions(ctx context.Context, req models.ChatCompletionRequest, opts models.RequestOptions) iter.Seq2[models.ChatCompletionChunk, error]
	// Models enumerates the provider catalog.
	Models(ctx context.Context, opts models.RequestOptions) ([]models.Model, error)
	// Model fetches a single catalog entry, failing with ErrModelNotFound.
	Model(ctx context.Context, id string, opts models.RequestOptions) (*models.Model, error)
}

// FindModel implements Endpoint.Model on top of a Models listing.
func FindModel(ctx context.Context, e Endpoint, id string, opts models.RequestOptions) (*models.Model, error) {
	list, err := e.Models(ctx, opts)
	if err != nil {
		return nil, err
	}
	for _, m := range list {
		if m.ID == id {
			found := m
			return &found, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrModelNotFound, id)
}

// Collect drains a chunk stream, stopping at the first error.
func Collect(seq iter.Seq2[models.ChatCompletionChunk, error]) ([]models.ChatCompletionChunk, error) {
	var out []models.ChatCompletionChunk
	for chunk, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, chunk)
	}
	return out, nil
}

// SingleUse wraps a sequence so that a second iteration yields ErrStreamConsumed
// instead of issuing another request.
func SingleUse[T any](seq iter.Seq2[T, error]) iter.Seq2[T, error] {
	var consumed atomic.Bool
	return func(yield func(T, error) bool) {
		if !consumed.CompareAndSwap(false, true) {
			var zero T
			yield(zero, ErrStreamConsumed)
			return
		}
		seq(yield)
	}
}

// Fail returns a sequence that yields err once.
func Fail[T any](err error) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		yield(zero, err)
	}
}
