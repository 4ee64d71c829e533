// Package anthropic adapts the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"

	"aigroup/internal/models"
	"aigroup/internal/provider"
	"aigroup/internal/provider/transport"
	"aigroup/internal/sse"
)

const (
	vendor     = "anthropic"
	apiVersion = "2023-06-01"
)

// Config captures authentication and routing info for Anthropic.
type Config struct {
	BaseURL string
	APIKey  string
}

// Provider implements provider.Endpoint for Anthropic Claude.
type Provider struct {
	apiKey   string
	client   *transport.Client
	messages string
}

// New constructs an Anthropic adapter.
func New(cfg Config, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	return &Provider{
		apiKey:   cfg.APIKey,
		client:   transport.NewClient(client, vendor),
		messages: baseURL + "/messages",
	}, nil
}

func (p *Provider) ChatCompletion(ctx context.Context, req models.ChatCompletionRequest, opts models.RequestOptions) (*models.ChatCompletion, error) {
	payload, err := buildMessagePayload(req, false)
	if err != nil {
		return nil, err
	}

	httpReq, err := p.newRequest(ctx, payload, opts)
	if err != nil {
		return nil, err
	}

	var providerResp messageResponse
	if err := p.client.DoJSON(httpReq, &providerResp); err != nil {
		return nil, err
	}
	return providerResp.toCanonical(), nil
}

func (p *Provider) ChatCompletions(ctx context.Context, req models.ChatCompletionRequest, opts models.RequestOptions) iter.Seq2[models.ChatCompletionChunk, error] {
	payload, err := buildMessagePayload(req, true)
	if err != nil {
		return provider.Fail[models.ChatCompletionChunk](err)
	}

	return provider.SingleUse(func(yield func(models.ChatCompletionChunk, error) bool) {
		httpReq, err := p.newRequest(ctx, payload, opts)
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

		state := &streamState{model: req.Model, created: time.Now().Unix()}
		for chunk, err := range sse.Events(resp.Body, state.handle) {
			if !yield(chunk, err) {
				return
			}
		}
	})
}

// Models reports the static catalog; the limit table is the source of truth
// for which models this adapter knows how to size.
func (p *Provider) Models(ctx context.Context, opts models.RequestOptions) ([]models.Model, error) {
	out := make([]models.Model, 0, len(catalog))
	for _, id := range catalog {
		out = append(out, models.Model{ID: id, OwnedBy: vendor})
	}
	return out, nil
}

func (p *Provider) Model(ctx context.Context, id string, opts models.RequestOptions) (*models.Model, error) {
	return provider.FindModel(ctx, p, id, opts)
}

func (p *Provider) newRequest(ctx context.Context, payload messagePayload, opts models.RequestOptions) (*http.Request, error) {
	req, err := p.client.NewJSONRequest(ctx, http.MethodPost, p.messages, payload, opts)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
	return req, nil
}

type messagePayload struct {
	Stream        bool        `json:"stream"`
	Model         string      `json:"model"`
	MaxTokens     int         `json:"max_tokens"`
	StopSequences []string    `json:"stop_sequences,omitempty"`
	System        string      `json:"system,omitempty"`
	Temperature   *float64    `json:"temperature,omitempty"`
	TopP          *float64    `json:"top_p,omitempty"`
	Messages      []message   `json:"messages"`
	Tools         []toolParam `json:"tools,omitempty"`
	ToolChoice    *toolChoice `json:"tool_choice,omitempty"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Source    *imageSource    `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type toolParam struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type toolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// buildMessagePayload maps a canonical request onto the Messages API body.
func buildMessagePayload(req models.ChatCompletionRequest, stream bool) (messagePayload, error) {
	system, rest := models.JoinSystem(req.Messages)

	messages := make([]message, 0, len(rest))
	for i, msg := range rest {
		converted, err := toAnthropicMessage(msg)
		if err != nil {
			return messagePayload{}, fmt.Errorf("messages[%d]: %w", len(req.Messages)-len(rest)+i, err)
		}
		messages = append(messages, converted)
	}
	if len(messages) == 0 {
		return messagePayload{}, errors.New("anthropic request requires at least one non-system message")
	}

	payload := messagePayload{
		Stream:        stream,
		Model:         req.Model,
		MaxTokens:     ResolveMaxTokens(req.Model, req.MaxTokens),
		StopSequences: req.Stop,
		System:        system,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		Messages:      messages,
	}

	for _, tool := range req.Tools {
		schema := tool.Function.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		payload.Tools = append(payload.Tools, toolParam{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: schema,
		})
	}
	if req.ToolChoice != nil && len(payload.Tools) > 0 {
		switch req.ToolChoice.Mode {
		case models.ToolChoiceAuto:
			payload.ToolChoice = &toolChoice{Type: "auto"}
		case models.ToolChoiceRequired:
			payload.ToolChoice = &toolChoice{Type: "any"}
		case models.ToolChoiceNone:
			payload.ToolChoice = &toolChoice{Type: "none"}
		case models.ToolChoiceFunction:
			payload.ToolChoice = &toolChoice{Type: "tool", Name: req.ToolChoice.Function}
		}
	}

	return payload, nil
}

func toAnthropicMessage(msg models.ChatMessage) (message, error) {
	switch msg.Role {
	case models.RoleUser:
		blocks, err := toContentBlocks(msg.Content)
		if err != nil {
			return message{}, err
		}
		return message{Role: "user", Content: blocks}, nil
	case models.RoleAssistant:
		blocks, err := toContentBlocks(msg.Content)
		if err != nil {
			return message{}, err
		}
		for _, call := range msg.ToolCalls {
			input := json.RawMessage(call.Function.Arguments)
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			blocks = append(blocks, contentBlock{Type: "tool_use", ID: call.ID, Name: call.Function.Name, Input: input})
		}
		return message{Role: "assistant", Content: blocks}, nil
	case models.RoleTool:
		return message{Role: "user", Content: []contentBlock{{
			Type:      "tool_result",
			ToolUseID: msg.ToolCallID,
			Content:   msg.Content.PlainText(),
		}}}, nil
	case models.RoleSystem:
		return message{}, fmt.Errorf("%w: system message after the conversation started", provider.ErrUnsupportedContent)
	default:
		return message{}, fmt.Errorf("anthropic provider does not support role %q", msg.Role)
	}
}

func toContentBlocks(content models.MessageContent) ([]contentBlock, error) {
	if !content.IsMultipart() {
		if content.Text == "" {
			return []contentBlock{}, nil
		}
		return []contentBlock{{Type: "text", Text: content.Text}}, nil
	}

	blocks := make([]contentBlock, 0, len(content.Parts))
	for _, part := range content.Parts {
		switch part.Type {
		case models.PartText:
			// Anthropic rejects blank text blocks.
			if strings.TrimSpace(part.Text) == "" {
				continue
			}
			blocks = append(blocks, contentBlock{Type: "text", Text: part.Text})
		case models.PartImage:
			mediaType, data, err := models.ParseDataURI(part.URL)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, contentBlock{
				Type:   "image",
				Source: &imageSource{Type: "base64", MediaType: mediaType, Data: data},
			})
		default:
			return nil, fmt.Errorf("%w: %s", provider.ErrUnsupportedContent, part.Type)
		}
	}
	return blocks, nil
}

type messageResponse struct {
	ID         string          `json:"id"`
	Model      string          `json:"model"`
	Role       string          `json:"role"`
	Content    []responseBlock `json:"content"`
	StopReason string          `json:"stop_reason"`
	Usage      usageBlock      `json:"usage"`
}

type responseBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type usageBlock struct {
	InputTokens  *int `json:"input_tokens"`
	OutputTokens *int `json:"output_tokens"`
}

func (r messageResponse) toCanonical() *models.ChatCompletion {
	var text strings.Builder
	var calls []models.ToolCall
	for _, block := range r.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			calls = append(calls, models.ToolCall{
				Index:    len(calls),
				ID:       block.ID,
				Type:     "function",
				Function: models.FunctionCall{Name: block.Name, Arguments: string(block.Input)},
			})
		}
	}

	return &models.ChatCompletion{
		ID:      r.ID,
		Created: time.Now().Unix(),
		Model:   r.Model,
		Choices: []models.Choice{{
			Index: 0,
			Message: models.ChatMessage{
				Role:      models.RoleAssistant,
				Content:   models.MessageContent{Text: text.String()},
				ToolCalls: calls,
			},
			FinishReason: mapStopReason(r.StopReason),
		}},
		Usage: toUsage(r.Usage.InputTokens, r.Usage.OutputTokens),
	}
}

func toUsage(input, output *int) *models.Usage {
	if input == nil && output == nil {
		return nil
	}
	if input != nil && output != nil {
		return models.NewUsage(*input, *output)
	}
	return &models.Usage{PromptTokens: input, CompletionTokens: output}
}

func mapStopReason(reason string) *models.FinishReason {
	if reason == "" {
		return nil
	}
	out := models.FinishStop
	switch reason {
	case "max_tokens":
		out = models.FinishLength
	case "tool_use":
		out = models.FinishToolCalls
	case "refusal":
		out = models.FinishContentFilter
	}
	return &out
}
