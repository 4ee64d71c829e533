package provider

import (
	"context"
	"iter"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"aigroup/internal/models"
)

const tracerName = "aigroup/provider"

type tracedEndpoint struct {
	next     Endpoint
	provider string
	tracer   trace.Tracer
}

// Traced wraps an endpoint so each operation is recorded as a span on the
// global tracer provider. Streams are traced for the lifetime of the iteration.
func Traced(next Endpoint, providerID string) Endpoint {
	return &tracedEndpoint{
		next:     next,
		provider: providerID,
		tracer:   otel.Tracer(tracerName),
	}
}

func (t *tracedEndpoint) start(ctx context.Context, op, model string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "provider."+op, trace.WithAttributes(
		attribute.String("llm.provider", t.provider),
		attribute.String("llm.model", model),
	))
}

func (t *tracedEndpoint) ChatCompletion(ctx context.Context, req models.ChatCompletionRequest, opts models.RequestOptions) (*models.ChatCompletion, error) {
	ctx, span := t.start(ctx, "chat_completion", req.Model)
	defer span.End()

	resp, err := t.next.ChatCompletion(ctx, req, opts)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	if resp.Usage != nil && resp.Usage.TotalTokens != nil {
		span.SetAttributes(attribute.Int("llm.usage.total_tokens", *resp.Usage.TotalTokens))
	}
	return resp, nil
}

func (t *tracedEndpoint) ChatCompletions(ctx context.Context, req models.ChatCompletionRequest, opts models.RequestOptions) iter.Seq2[models.ChatCompletionChunk, error] {
	return func(yield func(models.ChatCompletionChunk, error) bool) {
		ctx, span := t.start(ctx, "chat_completions", req.Model)
		defer span.End()

		chunks := 0
		for chunk, err := range t.next.ChatCompletions(ctx, req, opts) {
			if err != nil {
				recordError(span, err)
			} else {
				chunks++
			}
			if !yield(chunk, err) {
				break
			}
		}
		span.SetAttributes(attribute.Int("llm.stream.chunks", chunks))
	}
}

func (t *tracedEndpoint) Models(ctx context.Context, opts models.RequestOptions) ([]models.Model, error) {
	ctx, span := t.start(ctx, "models", "")
	defer span.End()

	list, err := t.next.Models(ctx, opts)
	if err != nil {
		recordError(span, err)
	}
	return list, err
}

func (t *tracedEndpoint) Model(ctx context.Context, id string, opts models.RequestOptions) (*models.Model, error) {
	ctx, span := t.start(ctx, "model", id)
	defer span.End()

	m, err := t.next.Model(ctx, id, opts)
	if err != nil {
		recordError(span, err)
	}
	return m, err
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if status := StatusCode(err); status != 0 {
		span.SetAttributes(attribute.Int("http.status_code", status))
	}
}
