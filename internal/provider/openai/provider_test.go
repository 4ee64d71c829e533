package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"aigroup/internal/models"
	"aigroup/internal/provider"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p, err := New("openai", Config{BaseURL: server.URL + "/v1/", APIKey: "test-key"}, server.Client())
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return p
}

func TestChatCompletionSendsNonStreamingPayload(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Fatalf("unexpected auth header: %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["stream"] != false {
			t.Errorf("expected stream=false, got %#v", body["stream"])
		}
		if body["max_tokens"] != float64(64) {
			t.Errorf("expected max_tokens 64, got %#v", body["max_tokens"])
		}
		msgs := body["messages"].([]any)
		parts := msgs[1].(map[string]any)["content"].([]any)
		image := parts[1].(map[string]any)
		if image["type"] != "image_url" {
			t.Errorf("expected image_url part, got %#v", image)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id":"chatcmpl-1","created":1700000000,"model":"gpt-4o",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"ok"}}],
			"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}
		}`))
	})

	resp, err := p.ChatCompletion(context.Background(), models.ChatCompletionRequest{
		Model: "gpt-4o",
		Messages: []models.ChatMessage{
			models.SystemMessage("be terse"),
			models.UserParts(models.TextPart("what is this"), models.ImagePart("data:image/png;base64,AAAA")),
		},
		MaxTokens: models.Ptr(64),
	}, models.RequestOptions{})
	if err != nil {
		t.Fatalf("chat completion: %v", err)
	}

	if resp.ID != "chatcmpl-1" || len(resp.Choices) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Choices[0].Message.Content.Text != "ok" {
		t.Errorf("unexpected content %q", resp.Choices[0].Message.Content.Text)
	}
	if resp.Choices[0].FinishReason == nil || *resp.Choices[0].FinishReason != models.FinishStop {
		t.Errorf("unexpected finish reason %v", resp.Choices[0].FinishReason)
	}
	if resp.Usage == nil || *resp.Usage.TotalTokens != 5 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
}

func TestChatCompletionsStreamsUntilDone(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != true {
			t.Errorf("expected stream=true")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(strings.Join([]string{
			`data: {"id":"c1","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"},"finish_reason":null}]}`,
			``,
			`data: {"id":"c1","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"length"}]}`,
			``,
			`data: [DONE]`,
			``,
		}, "\n")))
	})

	stream := p.ChatCompletions(context.Background(), models.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []models.ChatMessage{models.UserMessage("hi")},
	}, models.RequestOptions{})

	chunks, err := provider.Collect(stream)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	text := chunks[0].Choices[0].Delta.Content + chunks[1].Choices[0].Delta.Content
	if text != "Hello" {
		t.Errorf("unexpected text %q", text)
	}
	if chunks[0].Choices[0].FinishReason != nil {
		t.Errorf("expected nil finish reason on first chunk")
	}
	if fr := chunks[1].Choices[0].FinishReason; fr == nil || *fr != models.FinishLength {
		t.Errorf("unexpected finish reason %v", fr)
	}

	_, err = provider.Collect(stream)
	if !errors.Is(err, provider.ErrStreamConsumed) {
		t.Errorf("expected ErrStreamConsumed on second consumption, got %v", err)
	}
}

func TestChatCompletionRejectsVideoParts(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})

	_, err := p.ChatCompletion(context.Background(), models.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []models.ChatMessage{models.UserParts(models.VideoPart("https://example.com/v.mp4"))},
	}, models.RequestOptions{})
	if !errors.Is(err, provider.ErrUnsupportedContent) {
		t.Errorf("expected ErrUnsupportedContent, got %v", err)
	}
}

func TestModelLookup(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"gpt-4o","owned_by":"openai"},{"id":"gpt-4o-mini","owned_by":"openai"}]}`))
	})

	m, err := p.Model(context.Background(), "gpt-4o-mini", models.RequestOptions{})
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	if m.OwnedBy != "openai" {
		t.Errorf("unexpected model %+v", m)
	}

	_, err = p.Model(context.Background(), "missing", models.RequestOptions{})
	if !errors.Is(err, provider.ErrModelNotFound) {
		t.Errorf("expected ErrModelNotFound, got %v", err)
	}
}

func TestHeaderWrapperDoesNotMutateCallerOptions(t *testing.T) {
	var seen http.Header
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		_, _ = w.Write([]byte(`{"data":[]}`))
	})

	wrapped := provider.WithHeaders(p, map[string]string{"HTTP-Referer": "https://aigroup.app", "X-Title": "AIGroup"})
	opts := models.RequestOptions{Headers: map[string]string{"X-Trace": "1"}}
	if _, err := wrapped.Models(context.Background(), opts); err != nil {
		t.Fatalf("models: %v", err)
	}

	if seen.Get("X-Title") != "AIGroup" || seen.Get("X-Trace") != "1" {
		t.Errorf("expected merged headers, got %v", seen)
	}
	if len(opts.Headers) != 1 {
		t.Errorf("caller options were mutated: %v", opts.Headers)
	}
}

func TestReplayedToolCallsOmitStreamIndex(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []struct {
				ToolCalls []map[string]any `json:"tool_calls"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		calls := body.Messages[1].ToolCalls
		if len(calls) != 2 {
			t.Fatalf("expected two replayed calls, got %#v", calls)
		}
		for _, call := range calls {
			if _, ok := call["index"]; ok {
				t.Errorf("history tool call must not carry index: %#v", call)
			}
			if call["type"] != "function" {
				t.Errorf("expected type function, got %#v", call["type"])
			}
		}
		_, _ = w.Write([]byte(`{"id":"c","created":1,"model":"gpt-4o","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"done"}}]}`))
	})

	_, err := p.ChatCompletion(context.Background(), models.ChatCompletionRequest{
		Model: "gpt-4o",
		Messages: []models.ChatMessage{
			models.UserMessage("weather?"),
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
				{Index: 0, ID: "a", Function: models.FunctionCall{Name: "w", Arguments: "{}"}},
				{Index: 1, ID: "b", Type: "function", Function: models.FunctionCall{Name: "w", Arguments: "{}"}},
			}},
			{Role: models.RoleTool, ToolCallID: "a", Content: models.MessageContent{Text: "sunny"}},
			{Role: models.RoleTool, ToolCallID: "b", Content: models.MessageContent{Text: "rain"}},
		},
	}, models.RequestOptions{})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
}
