// Package google adapts the Gemini generateContent REST API.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"aigroup/internal/models"
	"aigroup/internal/provider"
	"aigroup/internal/provider/transport"
	"aigroup/internal/sse"
)

const vendor = "google"

// Config captures authentication and routing info for Gemini.
type Config struct {
	BaseURL string
	APIKey  string
}

// Provider implements provider.Endpoint for Gemini models.
type Provider struct {
	apiKey  string
	baseURL string
	client  *transport.Client
}

// New constructs a Gemini adapter.
func New(cfg Config, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}
	return &Provider{apiKey: cfg.APIKey, baseURL: baseURL, client: transport.NewClient(client, vendor)}, nil
}

func (p *Provider) newRequest(ctx context.Context, method, endpoint string, payload any, opts models.RequestOptions) (*http.Request, error) {
	req, err := p.client.NewJSONRequest(ctx, method, endpoint, payload, opts)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-goog-api-key", p.apiKey)
	return req, nil
}

func (p *Provider) modelURL(model, method string) string {
	return p.baseURL + "/models/" + url.PathEscape(model) + ":" + method
}

func (p *Provider) ChatCompletion(ctx context.Context, req models.ChatCompletionRequest, opts models.RequestOptions) (*models.ChatCompletion, error) {
	payload, err := buildPayload(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := p.newRequest(ctx, http.MethodPost, p.modelURL(req.Model, "generateContent"), payload, opts)
	if err != nil {
		return nil, err
	}

	var resp generateResponse
	if err := p.client.DoJSON(httpReq, &resp); err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 && resp.PromptFeedback.BlockReason != "" {
		return nil, fmt.Errorf("gemini blocked the prompt: %s", resp.PromptFeedback.BlockReason)
	}

	out := &models.ChatCompletion{
		ID:      idOrNew(resp.ResponseID),
		Created: time.Now().Unix(),
		Model:   modelOr(resp.ModelVersion, req.Model),
		Usage:   resp.UsageMetadata.toCanonical(),
	}
	for i, candidate := range resp.Candidates {
		text, calls := candidate.Content.render()
		out.Choices = append(out.Choices, models.Choice{
			Index: i,
			Message: models.ChatMessage{
				Role:      models.RoleAssistant,
				Content:   models.MessageContent{Text: text},
				ToolCalls: calls,
			},
			FinishReason: mapFinishReason(candidate.FinishReason, len(calls) > 0),
		})
	}
	return out, nil
}

func (p *Provider) ChatCompletions(ctx context.Context, req models.ChatCompletionRequest, opts models.RequestOptions) iter.Seq2[models.ChatCompletionChunk, error] {
	payload, err := buildPayload(req)
	if err != nil {
		return provider.Fail[models.ChatCompletionChunk](err)
	}

	return provider.SingleUse(func(yield func(models.ChatCompletionChunk, error) bool) {
		httpReq, err := p.newRequest(ctx, http.MethodPost, p.modelURL(req.Model, "streamGenerateContent")+"?alt=sse", payload, opts)
		if err != nil {
			yield(models.ChatCompletionChunk{}, err)
			return
		}
		resp, err := p.client.Do(httpReq)
		if err != nil {
			yield(models.ChatCompletionChunk{}, err)
			return
		}

		id := uuid.NewString()
		created := time.Now().Unix()
		handler := func(_, data string) (sse.Decision[models.ChatCompletionChunk], error) {
			var frame generateResponse
			if err := transport.Unmarshal(vendor, data, &frame); err != nil {
				return sse.Decision[models.ChatCompletionChunk]{}, err
			}
			chunk := models.ChatCompletionChunk{
				ID:      id,
				Created: created,
				Model:   modelOr(frame.ModelVersion, req.Model),
				Usage:   frame.UsageMetadata.toCanonical(),
			}
			for i, candidate := range frame.Candidates {
				text, calls := candidate.Content.render()
				chunk.Choices = append(chunk.Choices, models.ChunkChoice{
					Index:        i,
					Delta:        models.Delta{Role: models.RoleAssistant, Content: text, ToolCalls: calls},
					FinishReason: mapFinishReason(candidate.FinishReason, len(calls) > 0),
				})
			}
			return sse.Continue(chunk), nil
		}

		for chunk, err := range sse.Events(resp.Body, handler) {
			if !yield(chunk, err) {
				return
			}
		}
	})
}

func (p *Provider) Models(ctx context.Context, opts models.RequestOptions) ([]models.Model, error) {
	var out []models.Model
	pageToken := ""
	for {
		endpoint := p.baseURL + "/models?pageSize=100"
		if pageToken != "" {
			endpoint += "&pageToken=" + url.QueryEscape(pageToken)
		}
		httpReq, err := p.newRequest(ctx, http.MethodGet, endpoint, nil, opts)
		if err != nil {
			return nil, err
		}
		var list modelList
		if err := p.client.DoJSON(httpReq, &list); err != nil {
			return nil, err
		}
		for _, m := range list.Models {
			out = append(out, models.Model{ID: strings.TrimPrefix(m.Name, "models/"), OwnedBy: vendor})
		}
		if list.NextPageToken == "" {
			return out, nil
		}
		pageToken = list.NextPageToken
	}
}

func (p *Provider) Model(ctx context.Context, id string, opts models.RequestOptions) (*models.Model, error) {
	return provider.FindModel(ctx, p, id, opts)
}

type generatePayload struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	Tools             []toolSet         `json:"tools,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text                string               `json:"text,omitempty"`
	InlineData          *blob                `json:"inlineData,omitempty"`
	FileData            *fileData            `json:"fileData,omitempty"`
	FunctionCall        *functionCall        `json:"functionCall,omitempty"`
	FunctionResponse    *functionResponse    `json:"functionResponse,omitempty"`
	ExecutableCode      *executableCode      `json:"executableCode,omitempty"`
	CodeExecutionResult *codeExecutionResult `json:"codeExecutionResult,omitempty"`
}

type blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type fileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type functionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type functionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type executableCode struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

type codeExecutionResult struct {
	Outcome string `json:"outcome"`
	Output  string `json:"output"`
}

type generationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	MaxOutputTokens  *int     `json:"maxOutputTokens,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
	PresencePenalty  *float64 `json:"presencePenalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequencyPenalty,omitempty"`
}

type toolSet struct {
	FunctionDeclarations []models.FunctionDefinition `json:"functionDeclarations"`
}

func buildPayload(req models.ChatCompletionRequest) (generatePayload, error) {
	system, rest := models.JoinSystem(req.Messages)

	payload := generatePayload{
		GenerationConfig: &generationConfig{
			Temperature:      req.Temperature,
			TopP:             req.TopP,
			MaxOutputTokens:  req.MaxTokens,
			StopSequences:    req.Stop,
			PresencePenalty:  req.PresencePenalty,
			FrequencyPenalty: req.FrequencyPenalty,
		},
	}
	if system != "" {
		payload.SystemInstruction = &content{Parts: []part{{Text: system}}}
	}

	for i, msg := range rest {
		converted, err := toContent(msg)
		if err != nil {
			return generatePayload{}, fmt.Errorf("messages[%d]: %w", len(req.Messages)-len(rest)+i, err)
		}
		payload.Contents = append(payload.Contents, converted)
	}
	if len(payload.Contents) == 0 {
		return generatePayload{}, errors.New("gemini request requires at least one non-system message")
	}

	if len(req.Tools) > 0 {
		decls := make([]models.FunctionDefinition, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decls = append(decls, tool.Function)
		}
		payload.Tools = []toolSet{{FunctionDeclarations: decls}}
	}
	return payload, nil
}

func toContent(msg models.ChatMessage) (content, error) {
	switch msg.Role {
	case models.RoleUser:
		parts, err := toParts(msg.Content)
		return content{Role: "user", Parts: parts}, err
	case models.RoleAssistant:
		parts, err := toParts(msg.Content)
		if err != nil {
			return content{}, err
		}
		for _, call := range msg.ToolCalls {
			parts = append(parts, part{FunctionCall: &functionCall{Name: call.Function.Name, Args: json.RawMessage(call.Function.Arguments)}})
		}
		return content{Role: "model", Parts: parts}, nil
	case models.RoleTool:
		return content{Role: "user", Parts: []part{{FunctionResponse: &functionResponse{
			Name:     msg.Name,
			Response: map[string]any{"content": msg.Content.PlainText()},
		}}}}, nil
	default:
		return content{}, fmt.Errorf("%w: gemini does not accept role %q here", provider.ErrUnsupportedContent, msg.Role)
	}
}

func toParts(c models.MessageContent) ([]part, error) {
	if !c.IsMultipart() {
		return []part{{Text: c.Text}}, nil
	}
	parts := make([]part, 0, len(c.Parts))
	for _, p := range c.Parts {
		switch p.Type {
		case models.PartText:
			parts = append(parts, part{Text: p.Text})
		case models.PartImage:
			mimeType, data, err := models.ParseDataURI(p.URL)
			if err != nil {
				return nil, err
			}
			parts = append(parts, part{InlineData: &blob{MimeType: mimeType, Data: data}})
		case models.PartVideo:
			parts = append(parts, part{FileData: &fileData{MimeType: "video/mp4", FileURI: p.URL}})
		}
	}
	return parts, nil
}

type generateResponse struct {
	Candidates     []candidate `json:"candidates"`
	UsageMetadata  *usage      `json:"usageMetadata"`
	ModelVersion   string      `json:"modelVersion"`
	ResponseID     string      `json:"responseId"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

type usage struct {
	PromptTokenCount     *int `json:"promptTokenCount"`
	CandidatesTokenCount *int `json:"candidatesTokenCount"`
	TotalTokenCount      *int `json:"totalTokenCount"`
}

func (u *usage) toCanonical() *models.Usage {
	if u == nil {
		return nil
	}
	return &models.Usage{PromptTokens: u.PromptTokenCount, CompletionTokens: u.CandidatesTokenCount, TotalTokens: u.TotalTokenCount}
}

// render flattens the parts into canonical text, with executed code and its
// output as fenced blocks, and collects function calls.
func (c content) render() (string, []models.ToolCall) {
	var b strings.Builder
	var calls []models.ToolCall
	for _, p := range c.Parts {
		switch {
		case p.ExecutableCode != nil:
			fmt.Fprintf(&b, "\n```%s\n%s\n```\n", strings.ToLower(p.ExecutableCode.Language), p.ExecutableCode.Code)
		case p.CodeExecutionResult != nil:
			fmt.Fprintf(&b, "\n```\n%s\n```\n", p.CodeExecutionResult.Output)
		case p.FunctionCall != nil:
			args := string(p.FunctionCall.Args)
			if args == "" {
				args = "{}"
			}
			calls = append(calls, models.ToolCall{
				Index:    len(calls),
				ID:       uuid.NewString(),
				Type:     "function",
				Function: models.FunctionCall{Name: p.FunctionCall.Name, Arguments: args},
			})
		default:
			b.WriteString(p.Text)
		}
	}
	return b.String(), calls
}

func mapFinishReason(reason string, hasCalls bool) *models.FinishReason {
	if reason == "" {
		return nil
	}
	out := models.FinishStop
	switch reason {
	case "MAX_TOKENS":
		out = models.FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII", "IMAGE_SAFETY":
		out = models.FinishContentFilter
	default:
		if hasCalls {
			out = models.FinishToolCalls
		}
	}
	return &out
}

type modelList struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
	NextPageToken string `json:"nextPageToken"`
}

func idOrNew(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

func modelOr(model, fallback string) string {
	if model == "" {
		return fallback
	}
	return model
}
