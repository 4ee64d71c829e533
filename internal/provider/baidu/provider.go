// Package baidu adapts the Baidu Qianfan (ERNIE) chat API.
//
// Every completion first exchanges the client credentials for a short-lived
// access token. Tokens are not cached.
package baidu

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"aigroup/internal/models"
	"aigroup/internal/provider"
	"aigroup/internal/provider/transport"
	"aigroup/internal/sse"
)

const (
	vendor = "baidu"

	// DefaultBaseURL is the Qianfan API host.
	DefaultBaseURL = "https://aip.baidubce.com"

	maxOutputTokensLimit = 2048
	minPenaltyScore      = 1.0
	maxPenaltyScore      = 2.0
)

// modelPaths maps catalog ids to the wenxinworkshop endpoint path segment.
var modelPaths = map[string]string{
	"ernie-4.0-8k":       "completions_pro",
	"ernie-4.0-turbo-8k": "ernie-4.0-turbo-8k",
	"ernie-3.5-8k":       "completions",
	"ernie-speed-128k":   "ernie-speed-128k",
	"ernie-speed-8k":     "ernie_speed",
	"ernie-lite-8k":      "ernie-lite-8k",
	"ernie-tiny-8k":      "ernie-tiny-8k",
}

// Config carries the client credential pair.
type Config struct {
	BaseURL   string
	APIKey    string
	SecretKey string
}

// Provider implements provider.Endpoint for ERNIE models.
type Provider struct {
	apiKey    string
	secretKey string
	client    *transport.Client
	tokenURL  string
	chatURL   string
}

// New constructs a Baidu adapter.
func New(cfg Config, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, fmt.Errorf("%w: baidu requires api key and secret key", provider.ErrMissingCredential)
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Provider{
		apiKey:    cfg.APIKey,
		secretKey: cfg.SecretKey,
		client:    transport.NewClient(client, vendor),
		tokenURL:  baseURL + "/oauth/2.0/token",
		chatURL:   baseURL + "/rpc/2.0/ai_custom/v1/wenxinworkshop/chat/",
	}, nil
}

// APIError is an error reported inside a 200 response body.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("baidu error %d: %s", e.Code, e.Message)
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int    `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (p *Provider) accessToken(ctx context.Context, opts models.RequestOptions) (string, error) {
	query := url.Values{}
	query.Set("grant_type", "client_credentials")
	query.Set("client_id", p.apiKey)
	query.Set("client_secret", p.secretKey)

	req, err := p.client.NewJSONRequest(ctx, http.MethodPost, p.tokenURL+"?"+query.Encode(), nil, opts)
	if err != nil {
		return "", err
	}

	var token tokenResponse
	if err := p.client.DoJSON(req, &token); err != nil {
		return "", fmt.Errorf("baidu access token: %w", err)
	}
	if token.Error != "" {
		return "", fmt.Errorf("baidu access token: %s: %s", token.Error, token.ErrorDescription)
	}
	if token.AccessToken == "" {
		return "", &provider.DecodeError{Vendor: vendor, Err: errors.New("token response missing access_token")}
	}
	return token.AccessToken, nil
}

func (p *Provider) chatRequest(ctx context.Context, req models.ChatCompletionRequest, stream bool, opts models.RequestOptions) (*http.Request, error) {
	path, ok := modelPaths[req.Model]
	if !ok {
		return nil, fmt.Errorf("%w: %s", provider.ErrModelNotFound, req.Model)
	}
	payload, err := buildChatPayload(req, stream)
	if err != nil {
		return nil, err
	}

	token, err := p.accessToken(ctx, opts)
	if err != nil {
		return nil, err
	}
	return p.client.NewJSONRequest(ctx, http.MethodPost, p.chatURL+path+"?access_token="+url.QueryEscape(token), payload, opts)
}

func (p *Provider) ChatCompletion(ctx context.Context, req models.ChatCompletionRequest, opts models.RequestOptions) (*models.ChatCompletion, error) {
	httpReq, err := p.chatRequest(ctx, req, false, opts)
	if err != nil {
		return nil, err
	}

	var resp chatResponse
	if err := p.client.DoJSON(httpReq, &resp); err != nil {
		return nil, err
	}
	if resp.ErrorCode != 0 {
		return nil, &APIError{Code: resp.ErrorCode, Message: resp.ErrorMsg}
	}

	return &models.ChatCompletion{
		ID:      idOrNew(resp.ID),
		Created: createdOrNow(resp.Created),
		Model:   req.Model,
		Choices: []models.Choice{{
			Message:      models.AssistantMessage(resp.Result),
			FinishReason: mapFinishReason(resp.FinishReason, resp.IsTruncated, true),
		}},
		Usage: resp.Usage.toCanonical(),
	}, nil
}

func (p *Provider) ChatCompletions(ctx context.Context, req models.ChatCompletionRequest, opts models.RequestOptions) iter.Seq2[models.ChatCompletionChunk, error] {
	return provider.SingleUse(func(yield func(models.ChatCompletionChunk, error) bool) {
		httpReq, err := p.chatRequest(ctx, req, true, opts)
		if err != nil {
			yield(models.ChatCompletionChunk{}, err)
			return
		}
		resp, err := p.client.Do(httpReq)
		if err != nil {
			yield(models.ChatCompletionChunk{}, err)
			return
		}

		handler := func(_, data string) (sse.Decision[models.ChatCompletionChunk], error) {
			var chunk chatResponse
			if err := transport.Unmarshal(vendor, data, &chunk); err != nil {
				return sse.Decision[models.ChatCompletionChunk]{}, err
			}
			if chunk.ErrorCode != 0 {
				return sse.Decision[models.ChatCompletionChunk]{}, &APIError{Code: chunk.ErrorCode, Message: chunk.ErrorMsg}
			}
			out := models.ChatCompletionChunk{
				ID:      chunk.ID,
				Created: createdOrNow(chunk.Created),
				Model:   req.Model,
				Choices: []models.ChunkChoice{{
					Delta:        models.Delta{Content: chunk.Result},
					FinishReason: mapFinishReason(chunk.FinishReason, chunk.IsTruncated, chunk.IsEnd),
				}},
			}
			if chunk.IsEnd {
				out.Usage = chunk.Usage.toCanonical()
			}
			return sse.Continue(out), nil
		}

		// Errors arrive as a plain JSON body instead of an event stream.
		if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
			defer resp.Body.Close()
			var errResp chatResponse
			if err := transport.DecodeJSON(vendor, resp.Body, &errResp); err != nil {
				yield(models.ChatCompletionChunk{}, err)
				return
			}
			if errResp.ErrorCode != 0 {
				yield(models.ChatCompletionChunk{}, &APIError{Code: errResp.ErrorCode, Message: errResp.ErrorMsg})
			}
			return
		}

		for chunk, err := range sse.Events(resp.Body, handler) {
			if !yield(chunk, err) {
				return
			}
		}
	})
}

func (p *Provider) Models(ctx context.Context, opts models.RequestOptions) ([]models.Model, error) {
	out := make([]models.Model, 0, len(modelPaths))
	for _, id := range slices.Sorted(maps.Keys(modelPaths)) {
		out = append(out, models.Model{ID: id, OwnedBy: vendor})
	}
	return out, nil
}

func (p *Provider) Model(ctx context.Context, id string, opts models.RequestOptions) (*models.Model, error) {
	return provider.FindModel(ctx, p, id, opts)
}

type chatPayload struct {
	Messages        []message `json:"messages"`
	Stream          bool      `json:"stream"`
	Temperature     *float64  `json:"temperature,omitempty"`
	TopP            *float64  `json:"top_p,omitempty"`
	PenaltyScore    *float64  `json:"penalty_score,omitempty"`
	DisableSearch   bool      `json:"disable_search"`
	MaxOutputTokens *int      `json:"max_output_tokens,omitempty"`
	System          string    `json:"system,omitempty"`
	Stop            []string  `json:"stop,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func buildChatPayload(req models.ChatCompletionRequest, stream bool) (chatPayload, error) {
	if len(req.Tools) > 0 {
		return chatPayload{}, fmt.Errorf("%w: baidu adapter does not forward tools", provider.ErrUnsupportedOperation)
	}
	system, rest := models.JoinSystem(req.Messages)

	messages := make([]message, 0, len(rest))
	for _, msg := range rest {
		switch msg.Role {
		case models.RoleUser, models.RoleAssistant:
		default:
			return chatPayload{}, fmt.Errorf("%w: baidu does not accept role %q", provider.ErrUnsupportedContent, msg.Role)
		}
		for _, part := range msg.Content.Parts {
			if part.Type != models.PartText {
				return chatPayload{}, fmt.Errorf("%w: %s", provider.ErrUnsupportedContent, part.Type)
			}
		}
		messages = append(messages, message{Role: string(msg.Role), Content: msg.Content.PlainText()})
	}
	if len(messages) == 0 {
		return chatPayload{}, errors.New("baidu request requires at least one non-system message")
	}

	payload := chatPayload{
		Messages:      messages,
		Stream:        stream,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		DisableSearch: true,
		System:        system,
		Stop:          req.Stop,
	}
	if req.FrequencyPenalty != nil {
		payload.PenaltyScore = models.Ptr(max(minPenaltyScore, min(maxPenaltyScore, *req.FrequencyPenalty)))
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		payload.MaxOutputTokens = models.Ptr(min(*req.MaxTokens, maxOutputTokensLimit))
	}
	return payload, nil
}

type chatResponse struct {
	ID           string     `json:"id"`
	Created      int64      `json:"created"`
	Result       string     `json:"result"`
	IsTruncated  bool       `json:"is_truncated"`
	IsEnd        bool       `json:"is_end"`
	FinishReason string     `json:"finish_reason"`
	Usage        usageBlock `json:"usage"`
	ErrorCode    int        `json:"error_code"`
	ErrorMsg     string     `json:"error_msg"`
}

type usageBlock struct {
	PromptTokens     *int `json:"prompt_tokens"`
	CompletionTokens *int `json:"completion_tokens"`
	TotalTokens      *int `json:"total_tokens"`
}

func (u usageBlock) toCanonical() *models.Usage {
	if u.PromptTokens == nil && u.CompletionTokens == nil && u.TotalTokens == nil {
		return nil
	}
	return &models.Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
}

func mapFinishReason(reason string, truncated, final bool) *models.FinishReason {
	if !final {
		return nil
	}
	out := models.FinishStop
	switch {
	case truncated || reason == "length":
		out = models.FinishLength
	case reason == "content_filter":
		out = models.FinishContentFilter
	case reason == "function_call":
		out = models.FinishToolCalls
	}
	return &out
}

func idOrNew(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

func createdOrNow(created int64) int64 {
	if created == 0 {
		return time.Now().Unix()
	}
	return created
}
