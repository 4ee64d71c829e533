// Package openai adapts OpenAI-compatible chat completion APIs.
package openai

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"aigroup/internal/models"
	"aigroup/internal/provider"
	"aigroup/internal/provider/transport"
	"aigroup/internal/sse"
)

// Config captures authentication and routing info for an OpenAI-compatible endpoint.
type Config struct {
	BaseURL string
	APIKey  string
	// StreamUsage asks the server for a trailing usage chunk. Not every
	// compatible vendor accepts stream_options, so it is opt-in.
	StreamUsage bool
}

// Provider implements provider.Endpoint for OpenAI-compatible APIs.
type Provider struct {
	name        string
	apiKey      string
	client      *transport.Client
	chatURL     string
	modelsURL   string
	streamUsage bool
}

// New creates a new OpenAI-compatible adapter.
func New(name string, cfg Config, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	return &Provider{
		name:        name,
		apiKey:      cfg.APIKey,
		client:      transport.NewClient(client, name),
		chatURL:     baseURL + "/chat/completions",
		modelsURL:   baseURL + "/models",
		streamUsage: cfg.StreamUsage,
	}, nil
}

func (p *Provider) ChatCompletion(ctx context.Context, req models.ChatCompletionRequest, opts models.RequestOptions) (*models.ChatCompletion, error) {
	payload, err := buildChatPayload(req, false, false)
	if err != nil {
		return nil, err
	}

	httpReq, err := p.newRequest(ctx, http.MethodPost, p.chatURL, payload, opts)
	if err != nil {
		return nil, err
	}

	var providerResp chatResponse
	if err := p.client.DoJSON(httpReq, &providerResp); err != nil {
		return nil, err
	}
	return providerResp.toCanonical(req.Model), nil
}

func (p *Provider) ChatCompletions(ctx context.Context, req models.ChatCompletionRequest, opts models.RequestOptions) iter.Seq2[models.ChatCompletionChunk, error] {
	payload, err := buildChatPayload(req, true, p.streamUsage)
	if err != nil {
		return provider.Fail[models.ChatCompletionChunk](err)
	}

	return provider.SingleUse(func(yield func(models.ChatCompletionChunk, error) bool) {
		httpReq, err := p.newRequest(ctx, http.MethodPost, p.chatURL, payload, opts)
		if err != nil {
			yield(models.ChatCompletionChunk{}, err)
			return
		}
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := p.client.Do(httpReq)
		if err != nil {
			yield(models.ChatCompletionChunk{}, err)
			return
		}

		for chunk, err := range sse.Events(resp.Body, p.handleEvent, sse.WithDoneSentinel()) {
			if !yield(chunk, err) {
				return
			}
		}
	})
}

func (p *Provider) handleEvent(_, data string) (sse.Decision[models.ChatCompletionChunk], error) {
	if strings.TrimSpace(data) == "" {
		return sse.Skip[models.ChatCompletionChunk](), nil
	}
	var chunk streamChunk
	if err := transport.Unmarshal(p.name, data, &chunk); err != nil {
		return sse.Decision[models.ChatCompletionChunk]{}, err
	}
	return sse.Continue(chunk.toCanonical()), nil
}

func (p *Provider) Models(ctx context.Context, opts models.RequestOptions) ([]models.Model, error) {
	httpReq, err := p.newRequest(ctx, http.MethodGet, p.modelsURL, nil, opts)
	if err != nil {
		return nil, err
	}

	var list modelList
	if err := p.client.DoJSON(httpReq, &list); err != nil {
		return nil, err
	}

	out := make([]models.Model, 0, len(list.Data))
	for _, m := range list.Data {
		out = append(out, models.Model{ID: m.ID, OwnedBy: m.OwnedBy, Created: m.Created})
	}
	return out, nil
}

func (p *Provider) Model(ctx context.Context, id string, opts models.RequestOptions) (*models.Model, error) {
	return provider.FindModel(ctx, p, id, opts)
}

func (p *Provider) newRequest(ctx context.Context, method, url string, payload any, opts models.RequestOptions) (*http.Request, error) {
	req, err := p.client.NewJSONRequest(ctx, method, url, payload, opts)
	if err != nil {
		return nil, err
	}
	if p.apiKey != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	return req, nil
}

type chatPayload struct {
	Model            string             `json:"model"`
	Messages         []openAIMessage    `json:"messages"`
	Stream           bool               `json:"stream"`
	StreamOptions    *streamOptions     `json:"stream_options,omitempty"`
	MaxTokens        *int               `json:"max_tokens,omitempty"`
	Temperature      *float64           `json:"temperature,omitempty"`
	TopP             *float64           `json:"top_p,omitempty"`
	FrequencyPenalty *float64           `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64           `json:"presence_penalty,omitempty"`
	Stop             []string           `json:"stop,omitempty"`
	Tools            []models.Tool      `json:"tools,omitempty"`
	ToolChoice       *models.ToolChoice `json:"tool_choice,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role       string            `json:"role"`
	Content    any               `json:"content"`
	Name       string            `json:"name,omitempty"`
	ToolCalls  []requestToolCall `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

// requestToolCall is an assistant tool call replayed in the history. The
// stream-only index field is not part of it.
type requestToolCall struct {
	ID       string              `json:"id"`
	Type     string              `json:"type"`
	Function models.FunctionCall `json:"function"`
}

func toRequestToolCalls(calls []models.ToolCall) []requestToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]requestToolCall, 0, len(calls))
	for _, call := range calls {
		typ := call.Type
		if typ == "" {
			typ = "function"
		}
		out = append(out, requestToolCall{ID: call.ID, Type: typ, Function: call.Function})
	}
	return out
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

func buildChatPayload(req models.ChatCompletionRequest, stream, includeUsage bool) (chatPayload, error) {
	if len(req.Messages) == 0 {
		return chatPayload{}, errors.New("chat request requires at least one message")
	}

	messages := make([]openAIMessage, 0, len(req.Messages))
	for i, msg := range req.Messages {
		content, err := toOpenAIContent(msg.Content)
		if err != nil {
			return chatPayload{}, fmt.Errorf("messages[%d]: %w", i, err)
		}
		messages = append(messages, openAIMessage{
			Role:       string(msg.Role),
			Content:    content,
			Name:       msg.Name,
			ToolCalls:  toRequestToolCalls(msg.ToolCalls),
			ToolCallID: msg.ToolCallID,
		})
	}

	payload := chatPayload{
		Model:            req.Model,
		Messages:         messages,
		Stream:           stream,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stop:             req.Stop,
		Tools:            req.Tools,
		ToolChoice:       req.ToolChoice,
	}
	if stream && includeUsage {
		payload.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return payload, nil
}

func toOpenAIContent(content models.MessageContent) (any, error) {
	if !content.IsMultipart() {
		return content.Text, nil
	}
	parts := make([]contentPart, 0, len(content.Parts))
	for _, part := range content.Parts {
		switch part.Type {
		case models.PartText:
			parts = append(parts, contentPart{Type: "text", Text: part.Text})
		case models.PartImage:
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: part.URL}})
		default:
			return nil, fmt.Errorf("%w: %s", provider.ErrUnsupportedContent, part.Type)
		}
	}
	return parts, nil
}

type chatResponse struct {
	ID      string       `json:"id"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *usageBlock  `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int             `json:"index"`
	Message      responseMessage `json:"message"`
	FinishReason *string         `json:"finish_reason"`
}

type responseMessage struct {
	Role      string            `json:"role"`
	Content   *string           `json:"content"`
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`
}

type usageBlock struct {
	PromptTokens     *int `json:"prompt_tokens"`
	CompletionTokens *int `json:"completion_tokens"`
	TotalTokens      *int `json:"total_tokens"`
}

func (u *usageBlock) toCanonical() *models.Usage {
	if u == nil {
		return nil
	}
	return &models.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func (r chatResponse) toCanonical(requestedModel string) *models.ChatCompletion {
	out := &models.ChatCompletion{
		ID:      r.ID,
		Created: r.Created,
		Model:   r.Model,
		Choices: make([]models.Choice, 0, len(r.Choices)),
		Usage:   r.Usage.toCanonical(),
	}
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.Created == 0 {
		out.Created = time.Now().Unix()
	}
	if out.Model == "" {
		out.Model = requestedModel
	}

	for _, choice := range r.Choices {
		role := models.Role(choice.Message.Role)
		if role == "" {
			role = models.RoleAssistant
		}
		text := ""
		if choice.Message.Content != nil {
			text = *choice.Message.Content
		}
		out.Choices = append(out.Choices, models.Choice{
			Index: choice.Index,
			Message: models.ChatMessage{
				Role:      role,
				Content:   models.MessageContent{Text: text},
				ToolCalls: choice.Message.ToolCalls,
			},
			FinishReason: mapFinishReason(choice.FinishReason),
		})
	}
	return out
}

type streamChunk struct {
	ID      string         `json:"id"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []streamChoice `json:"choices"`
	Usage   *usageBlock    `json:"usage,omitempty"`
}

type streamChoice struct {
	Index        int     `json:"index"`
	Delta        delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type delta struct {
	Role      string            `json:"role"`
	Content   *string           `json:"content"`
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`
}

func (c streamChunk) toCanonical() models.ChatCompletionChunk {
	out := models.ChatCompletionChunk{
		ID:      c.ID,
		Created: c.Created,
		Model:   c.Model,
		Choices: make([]models.ChunkChoice, 0, len(c.Choices)),
		Usage:   c.Usage.toCanonical(),
	}
	for _, choice := range c.Choices {
		d := models.Delta{Role: models.Role(choice.Delta.Role), ToolCalls: choice.Delta.ToolCalls}
		if choice.Delta.Content != nil {
			d.Content = *choice.Delta.Content
		}
		out.Choices = append(out.Choices, models.ChunkChoice{
			Index:        choice.Index,
			Delta:        d,
			FinishReason: mapFinishReason(choice.FinishReason),
		})
	}
	return out
}

// mapFinishReason keeps nil (still generating) as nil and folds unknown reasons into stop.
func mapFinishReason(reason *string) *models.FinishReason {
	if reason == nil || *reason == "" {
		return nil
	}
	var out models.FinishReason
	switch *reason {
	case "length":
		out = models.FinishLength
	case "content_filter", "sensitive":
		out = models.FinishContentFilter
	case "tool_calls", "function_call":
		out = models.FinishToolCalls
	default:
		out = models.FinishStop
	}
	return &out
}

type modelList struct {
	Data []struct {
		ID      string `json:"id"`
		OwnedBy string `json:"owned_by"`
		Created int64  `json:"created"`
	} `json:"data"`
}
