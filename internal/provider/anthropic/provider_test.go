package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"aigroup/internal/models"
	"aigroup/internal/provider"
)

func TestBuildMessagePayloadImageAndText(t *testing.T) {
	req := models.ChatCompletionRequest{
		Model: "claude-3-5-sonnet",
		Messages: []models.ChatMessage{
			models.SystemMessage("be terse"),
			models.UserParts(models.TextPart("describe"), models.ImagePart("data:image/png;base64,AAAA")),
		},
	}

	payload, err := buildMessagePayload(req, false)
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var body struct {
		Stream    bool   `json:"stream"`
		System    string `json:"system"`
		MaxTokens int    `json:"max_tokens"`
		Messages  []struct {
			Role    string           `json:"role"`
			Content []map[string]any `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if body.Stream {
		t.Errorf("expected stream=false")
	}
	if body.System != "be terse" {
		t.Errorf("unexpected system %q", body.System)
	}
	if body.MaxTokens != 8192 {
		t.Errorf("expected max_tokens 8192, got %d", body.MaxTokens)
	}
	if len(body.Messages) != 1 || body.Messages[0].Role != "user" {
		t.Fatalf("expected one user message, got %+v", body.Messages)
	}

	var images, texts int
	for _, block := range body.Messages[0].Content {
		switch block["type"] {
		case "image":
			images++
			source := block["source"].(map[string]any)
			if source["type"] != "base64" || source["media_type"] != "image/png" || source["data"] != "AAAA" {
				t.Errorf("unexpected image source %#v", source)
			}
		case "text":
			texts++
			if block["text"] != "describe" {
				t.Errorf("unexpected text block %#v", block)
			}
		}
	}
	if images != 1 || texts != 1 {
		t.Errorf("expected one image and one text block, got %d/%d", images, texts)
	}
}

func TestBlankTextPartsAreDropped(t *testing.T) {
	content := models.MessageContent{Parts: []models.ContentPart{
		models.TextPart(""),
		models.ImagePart("data:image/jpeg;base64,BBBB"),
		models.TextPart("  "),
	}}
	blocks, err := toContentBlocks(content)
	if err != nil {
		t.Fatalf("content blocks: %v", err)
	}
	if len(blocks) != 1 || blocks[0].Type != "image" {
		t.Fatalf("expected only the image block, got %+v", blocks)
	}
}

func TestUsageTotals(t *testing.T) {
	if u := toUsage(nil, nil); u != nil {
		t.Errorf("expected nil usage, got %+v", u)
	}
	if u := toUsage(models.Ptr(3), nil); u.TotalTokens != nil || *u.PromptTokens != 3 {
		t.Errorf("partial usage must not invent a total: %+v", u)
	}
	if u := toUsage(models.Ptr(3), models.Ptr(4)); u.TotalTokens == nil || *u.TotalTokens != 7 {
		t.Errorf("unexpected usage %+v", u)
	}
}

func TestSystemPrefixMerge(t *testing.T) {
	for k := 0; k <= 3; k++ {
		for tail := 1; tail <= 3; tail++ {
			var msgs []models.ChatMessage
			var want []string
			for i := 0; i < k; i++ {
				text := fmt.Sprintf("sys-%d", i)
				want = append(want, text)
				msgs = append(msgs, models.SystemMessage(text))
			}
			for i := 0; i < tail; i++ {
				if i%2 == 0 {
					msgs = append(msgs, models.UserMessage("u"))
				} else {
					msgs = append(msgs, models.AssistantMessage("a"))
				}
			}

			payload, err := buildMessagePayload(models.ChatCompletionRequest{Model: "claude-3-haiku", Messages: msgs}, false)
			if err != nil {
				t.Fatalf("k=%d tail=%d: %v", k, tail, err)
			}
			if payload.System != strings.Join(want, "\n") {
				t.Errorf("k=%d: unexpected system %q", k, payload.System)
			}
			if len(payload.Messages) != len(msgs)-k {
				t.Errorf("k=%d: expected %d messages, got %d", k, len(msgs)-k, len(payload.Messages))
			}
		}
	}
}

func TestSystemMessageAfterPrefixIsRejected(t *testing.T) {
	_, err := buildMessagePayload(models.ChatCompletionRequest{
		Model:    "claude-3-haiku",
		Messages: []models.ChatMessage{models.UserMessage("hi"), models.SystemMessage("late")},
	}, false)
	if !errors.Is(err, provider.ErrUnsupportedContent) {
		t.Errorf("expected ErrUnsupportedContent, got %v", err)
	}
}

func TestResolveMaxTokens(t *testing.T) {
	cases := []struct {
		model     string
		requested *int
		want      int
	}{
		{"claude-3-5-sonnet-20241022", nil, 8192},
		{"claude-3-5-sonnet-20241022", models.Ptr(100), 100},
		{"claude-3-5-sonnet-20241022", models.Ptr(100000), 8192},
		{"claude-3-haiku-20240307", models.Ptr(5000), 4096},
		{"claude-3-7-sonnet-latest", models.Ptr(20000), 20000},
		{"claude-sonnet-4-5", nil, 64000},
		{"unknown-model", nil, DefaultMaxTokens},
		{"unknown-model", models.Ptr(9000), DefaultMaxTokens},
		{"claude-3-opus-20240229", models.Ptr(0), 4096},
	}
	for _, tc := range cases {
		if got := ResolveMaxTokens(tc.model, tc.requested); got != tc.want {
			t.Errorf("ResolveMaxTokens(%q, %v) = %d, want %d", tc.model, tc.requested, got, tc.want)
		}
	}
}

func TestChatCompletionMapsResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "ant-key" || r.Header.Get("anthropic-version") != apiVersion {
			t.Fatalf("missing auth headers: %v", r.Header)
		}
		_, _ = w.Write([]byte(`{
			"id":"msg_1","model":"claude-3-5-sonnet-20241022","role":"assistant",
			"content":[{"type":"text","text":"Let me check."},{"type":"tool_use","id":"tu_1","name":"web_search","input":{"query":"go"}}],
			"stop_reason":"tool_use","usage":{"input_tokens":10,"output_tokens":4}
		}`))
	}))
	defer server.Close()

	p, err := New(Config{BaseURL: server.URL + "/v1", APIKey: "ant-key"}, server.Client())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	resp, err := p.ChatCompletion(context.Background(), models.ChatCompletionRequest{
		Model:    "claude-3-5-sonnet-20241022",
		Messages: []models.ChatMessage{models.UserMessage("search go")},
	}, models.RequestOptions{})
	if err != nil {
		t.Fatalf("chat completion: %v", err)
	}

	choice := resp.Choices[0]
	if choice.Message.Content.Text != "Let me check." {
		t.Errorf("unexpected text %q", choice.Message.Content.Text)
	}
	if len(choice.Message.ToolCalls) != 1 || choice.Message.ToolCalls[0].Function.Name != "web_search" {
		t.Fatalf("unexpected tool calls %+v", choice.Message.ToolCalls)
	}
	if choice.Message.ToolCalls[0].Function.Arguments != `{"query":"go"}` {
		t.Errorf("unexpected arguments %q", choice.Message.ToolCalls[0].Function.Arguments)
	}
	if *choice.FinishReason != models.FinishToolCalls {
		t.Errorf("unexpected finish reason %v", *choice.FinishReason)
	}
	if *resp.Usage.TotalTokens != 14 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
}

const streamBody = `event: message_start
data: {"type":"message_start","message":{"id":"msg_1","model":"claude-3-5-sonnet-20241022","usage":{"input_tokens":7,"output_tokens":1}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: ping
data: {"type":"ping"}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" there"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"max_tokens"},"usage":{"output_tokens":2}}

event: message_stop
data: {"type":"message_stop"}

`

func TestChatCompletionsStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != true {
			t.Errorf("expected stream=true")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(streamBody))
	}))
	defer server.Close()

	p, _ := New(Config{BaseURL: server.URL, APIKey: "k"}, server.Client())
	chunks, err := provider.Collect(p.ChatCompletions(context.Background(), models.ChatCompletionRequest{
		Model:    "claude-3-5-sonnet",
		Messages: []models.ChatMessage{models.UserMessage("hi")},
	}, models.RequestOptions{}))
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks (role, 2 deltas, finish), got %d", len(chunks))
	}
	var text strings.Builder
	for _, c := range chunks {
		text.WriteString(c.Choices[0].Delta.Content)
		if c.ID != "msg_1" {
			t.Errorf("expected message id on every chunk, got %q", c.ID)
		}
	}
	if text.String() != "Hi there" {
		t.Errorf("unexpected text %q", text.String())
	}
	last := chunks[3]
	if last.Choices[0].FinishReason == nil || *last.Choices[0].FinishReason != models.FinishLength {
		t.Errorf("unexpected finish reason %v", last.Choices[0].FinishReason)
	}
	if last.Usage == nil || *last.Usage.PromptTokens != 7 || *last.Usage.CompletionTokens != 2 {
		t.Errorf("unexpected usage %+v", last.Usage)
	}
}

func TestChatCompletionsEarlyBreakReleasesConnection(t *testing.T) {
	closed := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for {
			_, err := fmt.Fprint(w, "event: content_block_delta\ndata: {\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"x\"}}\n\n")
			if err != nil {
				close(closed)
				return
			}
			flusher.Flush()
			select {
			case <-r.Context().Done():
				close(closed)
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}))
	defer server.Close()

	p, _ := New(Config{BaseURL: server.URL, APIKey: "k"}, server.Client())
	stream := p.ChatCompletions(context.Background(), models.ChatCompletionRequest{
		Model:    "claude-3-haiku",
		Messages: []models.ChatMessage{models.UserMessage("hi")},
	}, models.RequestOptions{})

	seen := 0
	for _, err := range stream {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		seen++
		if seen == 2 {
			break
		}
	}

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("server never observed the stream being closed")
	}
}

func TestChatCompletionsErrorEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n"))
	}))
	defer server.Close()

	p, _ := New(Config{BaseURL: server.URL, APIKey: "k"}, server.Client())
	_, err := provider.Collect(p.ChatCompletions(context.Background(), models.ChatCompletionRequest{
		Model:    "claude-3-haiku",
		Messages: []models.ChatMessage{models.UserMessage("hi")},
	}, models.RequestOptions{}))
	if err == nil || !strings.Contains(err.Error(), "overloaded_error") {
		t.Errorf("expected overloaded error, got %v", err)
	}
}

func TestModelNotFound(t *testing.T) {
	p, _ := New(Config{BaseURL: "https://api.anthropic.com/v1"}, http.DefaultClient)
	if _, err := p.Model(context.Background(), "claude-2", models.RequestOptions{}); !errors.Is(err, provider.ErrModelNotFound) {
		t.Errorf("expected ErrModelNotFound, got %v", err)
	}
	if _, err := p.Model(context.Background(), "claude-3-haiku-20240307", models.RequestOptions{}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
