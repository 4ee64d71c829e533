// Package translator converts between the OpenAI wire format served by the
// HTTP API and the canonical request and response models.
package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"aigroup/internal/models"
)

var (
	errEmptyModel      = errors.New("model must be provided")
	errEmptyMessages   = errors.New("at least one message is required")
	errUnsupportedStop = errors.New("unsupported stop value")
	errInvalidRole     = errors.New("invalid role")
	errInvalidContent  = errors.New("invalid message content")
)

var allowedRoles = map[models.Role]struct{}{
	models.RoleSystem:    {},
	models.RoleUser:      {},
	models.RoleAssistant: {},
	models.RoleTool:      {},
}

// ChatCompletionRequest models the OpenAI chat/completions request payload.
type ChatCompletionRequest struct {
	Request models.ChatCompletionRequest
	Code    models.ModelCode
	Stream  bool

	// DefaultModel is used when the payload omits "model". Set it before decoding.
	DefaultModel string
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model               string             `json:"model"`
		Messages            []ChatMessage      `json:"messages"`
		Stream              bool               `json:"stream"`
		MaxTokens           *int               `json:"max_tokens"`
		MaxCompletionTokens *int               `json:"max_completion_tokens"`
		Temperature         *float64           `json:"temperature"`
		TopP                *float64           `json:"top_p"`
		FrequencyPenalty    *float64           `json:"frequency_penalty"`
		PresencePenalty     *float64           `json:"presence_penalty"`
		Stop                json.RawMessage    `json:"stop"`
		Tools               []models.Tool      `json:"tools"`
		ToolChoice          *models.ToolChoice `json:"tool_choice"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	stopValues, err := parseStop(raw.Stop)
	if err != nil {
		return err
	}

	model := strings.TrimSpace(raw.Model)
	if model == "" {
		model = strings.TrimSpace(r.DefaultModel)
	}
	if model == "" {
		return errEmptyModel
	}
	code, err := models.ParseModelCode(model)
	if err != nil {
		return err
	}
	if len(raw.Messages) == 0 {
		return errEmptyMessages
	}

	maxTokens := raw.MaxTokens
	if maxTokens == nil {
		maxTokens = raw.MaxCompletionTokens
	}

	messages := make([]models.ChatMessage, 0, len(raw.Messages))
	for _, m := range raw.Messages {
		messages = append(messages, m.Message)
	}

	r.Code = code
	r.Stream = raw.Stream
	r.Request = models.ChatCompletionRequest{
		Model:            code.FullCode(),
		Messages:         messages,
		Temperature:      raw.Temperature,
		TopP:             raw.TopP,
		MaxTokens:        maxTokens,
		Stop:             stopValues,
		PresencePenalty:  raw.PresencePenalty,
		FrequencyPenalty: raw.FrequencyPenalty,
		Tools:            raw.Tools,
		ToolChoice:       raw.ToolChoice,
	}
	return nil
}

// ChatMessage decodes one OpenAI message, including image_url and video_url parts.
type ChatMessage struct {
	Message models.ChatMessage
}

// UnmarshalJSON supports string and array-of-parts content formats.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role       models.Role       `json:"role"`
		Content    json.RawMessage   `json:"content"`
		Name       string            `json:"name"`
		ToolCalls  []models.ToolCall `json:"tool_calls"`
		ToolCallID string            `json:"tool_call_id"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if _, ok := allowedRoles[raw.Role]; !ok {
		return fmt.Errorf("%w: %s", errInvalidRole, raw.Role)
	}

	content, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}
	if raw.Role != models.RoleAssistant && !content.IsMultipart() && strings.TrimSpace(content.Text) == "" {
		return fmt.Errorf("%w: message content must not be empty", errInvalidContent)
	}

	m.Message = models.ChatMessage{
		Role:       raw.Role,
		Content:    content,
		Name:       strings.TrimSpace(raw.Name),
		ToolCalls:  raw.ToolCalls,
		ToolCallID: raw.ToolCallID,
	}
	return nil
}

func extractMessageContent(raw json.RawMessage) (models.MessageContent, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return models.MessageContent{}, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return models.MessageContent{Text: text}, nil
	}

	var segments []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		ImageURL *struct {
			URL string `json:"url"`
		} `json:"image_url"`
		VideoURL *struct {
			URL string `json:"url"`
		} `json:"video_url"`
	}
	if err := json.Unmarshal(raw, &segments); err != nil {
		return models.MessageContent{}, fmt.Errorf("%w: unsupported content structure", errInvalidContent)
	}

	parts := make([]models.ContentPart, 0, len(segments))
	for i, segment := range segments {
		switch segment.Type {
		case "text":
			parts = append(parts, models.TextPart(segment.Text))
		case "image_url":
			if segment.ImageURL == nil || segment.ImageURL.URL == "" {
				return models.MessageContent{}, fmt.Errorf("%w: segment %d has no image url", errInvalidContent, i)
			}
			if _, _, err := models.ParseDataURI(segment.ImageURL.URL); err != nil {
				return models.MessageContent{}, fmt.Errorf("%w: segment %d: images must be base64 data URIs", errInvalidContent, i)
			}
			parts = append(parts, models.ImagePart(segment.ImageURL.URL))
		case "video_url":
			if segment.VideoURL == nil || segment.VideoURL.URL == "" {
				return models.MessageContent{}, fmt.Errorf("%w: segment %d has no video url", errInvalidContent, i)
			}
			parts = append(parts, models.VideoPart(segment.VideoURL.URL))
		default:
			return models.MessageContent{}, fmt.Errorf("%w: segment type %q not supported", errInvalidContent, segment.Type)
		}
	}
	return models.MessageContent{Parts: parts}, nil
}

func parseStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			return nil, errUnsupportedStop
		}
		return []string{single}, nil
	}

	var multi []string
	if err := json.Unmarshal(raw, &multi); err == nil {
		out := make([]string, 0, len(multi))
		for _, item := range multi {
			if strings.TrimSpace(item) == "" {
				return nil, errUnsupportedStop
			}
			out = append(out, item)
		}
		return out, nil
	}
	return nil, errUnsupportedStop
}

// ChatCompletionResponse models the OpenAI-compatible chat response.
type ChatCompletionResponse struct {
	ID      string          `json:"id"`
	Object  string          `json:"object"`
	Created int64           `json:"created"`
	Model   string          `json:"model"`
	Choices []models.Choice `json:"choices"`
	Usage   *models.Usage   `json:"usage,omitempty"`
}

// FromCanonical renders a completion, reporting the model under its full code.
func FromCanonical(code models.ModelCode, resp *models.ChatCompletion) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   models.NewModelCode(code.Provider, modelOr(resp.Model, code.Model)).FullCode(),
		Choices: resp.Choices,
		Usage:   resp.Usage,
	}
}

// ChatCompletionChunk models one OpenAI-compatible stream chunk.
type ChatCompletionChunk struct {
	ID      string               `json:"id"`
	Object  string               `json:"object"`
	Created int64                `json:"created"`
	Model   string               `json:"model"`
	Choices []models.ChunkChoice `json:"choices"`
	Usage   *models.Usage        `json:"usage,omitempty"`
}

// FromCanonicalChunk renders one stream chunk.
func FromCanonicalChunk(code models.ModelCode, chunk models.ChatCompletionChunk) ChatCompletionChunk {
	choices := chunk.Choices
	if choices == nil {
		choices = []models.ChunkChoice{}
	}
	return ChatCompletionChunk{
		ID:      chunk.ID,
		Object:  "chat.completion.chunk",
		Created: chunk.Created,
		Model:   models.NewModelCode(code.Provider, modelOr(chunk.Model, code.Model)).FullCode(),
		Choices: choices,
		Usage:   chunk.Usage,
	}
}

// ModelList is the OpenAI /models listing.
type ModelList struct {
	Object string       `json:"object"`
	Data   []ModelEntry `json:"data"`
}

// ModelEntry is one listed model, identified by its full code.
type ModelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created,omitempty"`
	OwnedBy string `json:"owned_by"`
}

// FromCatalog lists the models of one provider under full codes.
func FromCatalog(providerKey string, list []models.Model) []ModelEntry {
	out := make([]ModelEntry, 0, len(list))
	for _, m := range list {
		out = append(out, ModelEntry{
			ID:      models.NewModelCode(providerKey, m.ID).FullCode(),
			Object:  "model",
			Created: m.Created,
			OwnedBy: providerKey,
		})
	}
	return out
}

func modelOr(model, fallback string) string {
	if model == "" {
		return fallback
	}
	return model
}
