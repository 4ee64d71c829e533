package translator

import (
	"encoding/json"
	"errors"
	"testing"

	"aigroup/internal/models"
)

func TestDecodeChatCompletionRequest(t *testing.T) {
	payload := `{
		"model": "anthropic/claude-3-5-sonnet",
		"stream": true,
		"max_completion_tokens": 300,
		"stop": "END",
		"messages": [
			{"role": "system", "content": "be terse"},
			{"role": "user", "content": [
				{"type": "text", "text": "describe"},
				{"type": "image_url", "image_url": {"url": "data:image/png;base64,AAAA"}}
			]}
		],
		"tool_choice": "auto"
	}`

	var req ChatCompletionRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !req.Stream {
		t.Error("expected stream flag")
	}
	if req.Code.Provider != "anthropic" || req.Code.Model != "claude-3-5-sonnet" {
		t.Errorf("unexpected code %#v", req.Code)
	}
	if req.Request.MaxTokens == nil || *req.Request.MaxTokens != 300 {
		t.Errorf("max_completion_tokens not mapped: %v", req.Request.MaxTokens)
	}
	if len(req.Request.Stop) != 1 || req.Request.Stop[0] != "END" {
		t.Errorf("unexpected stop %v", req.Request.Stop)
	}
	parts := req.Request.Messages[1].Content.Parts
	if len(parts) != 2 || parts[1].Type != models.PartImage || parts[1].URL != "data:image/png;base64,AAAA" {
		t.Errorf("unexpected parts %#v", parts)
	}
	if req.Request.ToolChoice == nil || req.Request.ToolChoice.Mode != models.ToolChoiceAuto {
		t.Errorf("unexpected tool choice %#v", req.Request.ToolChoice)
	}
}

func TestDecodeRejectsInvalidRequests(t *testing.T) {
	cases := map[string]string{
		"missing model":   `{"messages":[{"role":"user","content":"hi"}]}`,
		"bare model":      `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`,
		"no messages":     `{"model":"openai/gpt-4o","messages":[]}`,
		"bad role":        `{"model":"openai/gpt-4o","messages":[{"role":"robot","content":"hi"}]}`,
		"empty content":   `{"model":"openai/gpt-4o","messages":[{"role":"user","content":" "}]}`,
		"remote image":    `{"model":"openai/gpt-4o","messages":[{"role":"user","content":[{"type":"image_url","image_url":{"url":"https://x/y.png"}}]}]}`,
		"unknown segment": `{"model":"openai/gpt-4o","messages":[{"role":"user","content":[{"type":"audio"}]}]}`,
		"empty stop":      `{"model":"openai/gpt-4o","stop":"","messages":[{"role":"user","content":"hi"}]}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			var req ChatCompletionRequest
			if err := json.Unmarshal([]byte(payload), &req); err == nil {
				t.Fatalf("expected error for %s", payload)
			}
		})
	}

	var req ChatCompletionRequest
	err := json.Unmarshal([]byte(`{"model":"openai/gpt-4o","messages":[{"role":"robot","content":"hi"}]}`), &req)
	if !errors.Is(err, errInvalidRole) {
		t.Errorf("expected errInvalidRole, got %v", err)
	}
}

func TestDecodeFallsBackToDefaultModel(t *testing.T) {
	req := ChatCompletionRequest{DefaultModel: "custom:local/qwen"}
	if err := json.Unmarshal([]byte(`{"messages":[{"role":"user","content":"hi"}]}`), &req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.Code.FullCode() != "custom:local/qwen" || req.Request.Model != "custom:local/qwen" {
		t.Fatalf("default model not applied: %+v", req.Code)
	}

	explicit := ChatCompletionRequest{DefaultModel: "custom:local/qwen"}
	if err := json.Unmarshal([]byte(`{"model":"openai/gpt-4o","messages":[{"role":"user","content":"hi"}]}`), &explicit); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if explicit.Code.FullCode() != "openai/gpt-4o" {
		t.Fatalf("explicit model overridden: %s", explicit.Code.FullCode())
	}
}

func TestAssistantToolCallWithoutContent(t *testing.T) {
	payload := `{"model":"openai/gpt-4o","messages":[
		{"role":"user","content":"weather?"},
		{"role":"assistant","content":null,"tool_calls":[{"id":"c1","type":"function","function":{"name":"web_search","arguments":"{}"}}]},
		{"role":"tool","tool_call_id":"c1","content":"sunny"}
	]}`
	var req ChatCompletionRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := req.Request.Messages[1].ToolCalls[0].Function.Name; got != "web_search" {
		t.Errorf("unexpected tool call %q", got)
	}
	if req.Request.Messages[2].ToolCallID != "c1" {
		t.Errorf("tool_call_id not kept")
	}
}

func TestFromCanonicalUsesFullCode(t *testing.T) {
	code := models.NewModelCode("google", "gemini-1.5-pro")
	resp := FromCanonical(code, &models.ChatCompletion{ID: "x", Model: "gemini-1.5-pro-002"})
	if resp.Object != "chat.completion" || resp.Model != "google/gemini-1.5-pro-002" {
		t.Errorf("unexpected response %#v", resp)
	}
	chunk := FromCanonicalChunk(code, models.ChatCompletionChunk{ID: "x"})
	if chunk.Object != "chat.completion.chunk" || chunk.Model != "google/gemini-1.5-pro" || chunk.Choices == nil {
		t.Errorf("unexpected chunk %#v", chunk)
	}
	entries := FromCatalog("custom:local", []models.Model{{ID: "qwen"}})
	if entries[0].ID != "custom:local/qwen" {
		t.Errorf("unexpected entry %#v", entries[0])
	}
}

func TestChunkToolCallsAlwaysCarryIndex(t *testing.T) {
	chunk := models.ChatCompletionChunk{
		ID: "c",
		Choices: []models.ChunkChoice{{Delta: models.Delta{ToolCalls: []models.ToolCall{
			{Index: 0, ID: "c0", Type: "function", Function: models.FunctionCall{Name: "a", Arguments: "{"}},
			{Index: 1, ID: "c1", Type: "function", Function: models.FunctionCall{Name: "b"}},
		}}}},
	}
	data, err := json.Marshal(FromCanonicalChunk(models.NewModelCode("openai", "gpt-4o"), chunk))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded struct {
		Choices []struct {
			Delta struct {
				ToolCalls []map[string]any `json:"tool_calls"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	calls := decoded.Choices[0].Delta.ToolCalls
	if len(calls) != 2 {
		t.Fatalf("unexpected tool calls %s", data)
	}
	for i, call := range calls {
		if call["index"] != float64(i) {
			t.Errorf("call %d: expected index %d, got %v in %s", i, i, call["index"], data)
		}
	}
}
