package models

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
)

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ChatMessage represents a single conversational message in the canonical schema.
type ChatMessage struct {
	Role       Role           `json:"role"`
	Content    MessageContent `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// SystemMessage builds a text message with the system role.
func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: MessageContent{Text: text}}
}

// UserMessage builds a text message with the user role.
func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: MessageContent{Text: text}}
}

// UserParts builds a multi-part user message.
func UserParts(parts ...ContentPart) ChatMessage {
	if parts == nil {
		parts = []ContentPart{}
	}
	return ChatMessage{Role: RoleUser, Content: MessageContent{Parts: parts}}
}

// AssistantMessage builds a text message with the assistant role.
func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: MessageContent{Text: text}}
}

// SplitSystemPrefix separates the leading run of system messages from the rest
// of the conversation. System messages appearing after the prefix are left in place.
func SplitSystemPrefix(messages []ChatMessage) (system []string, rest []ChatMessage) {
	k := 0
	for k < len(messages) && messages[k].Role == RoleSystem {
		system = append(system, messages[k].Content.PlainText())
		k++
	}
	return system, messages[k:]
}

// JoinSystem newline-joins the leading system messages, or returns "" if there are none.
func JoinSystem(messages []ChatMessage) (string, []ChatMessage) {
	system, rest := SplitSystemPrefix(messages)
	return strings.Join(system, "\n"), rest
}

// FunctionDefinition describes a callable function offered to the model.
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Tool wraps a function definition.
type Tool struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionTool builds a tool of type "function".
func FunctionTool(def FunctionDefinition) Tool {
	return Tool{Type: "function", Function: def}
}

// FunctionCall is the name and raw JSON arguments of a requested call.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall represents a single tool invocation requested by the model.
type ToolCall struct {
	// Index orders partial tool calls inside streaming deltas.
	Index    int          `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// ToolChoiceMode controls whether and how the model calls tools.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceFunction ToolChoiceMode = "function"
)

// ToolChoice selects a mode or a named function.
type ToolChoice struct {
	Mode     ToolChoiceMode
	Function string
}

// MarshalJSON renders modes as strings and named functions as objects.
func (t ToolChoice) MarshalJSON() ([]byte, error) {
	if t.Mode == ToolChoiceFunction {
		return json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]string{"name": t.Function},
		})
	}
	return json.Marshal(string(t.Mode))
}

// UnmarshalJSON accepts "auto" / "none" / "required" or {"type":"function",...}.
func (t *ToolChoice) UnmarshalJSON(data []byte) error {
	var mode string
	if err := json.Unmarshal(data, &mode); err == nil {
		switch ToolChoiceMode(mode) {
		case ToolChoiceAuto, ToolChoiceNone, ToolChoiceRequired:
			*t = ToolChoice{Mode: ToolChoiceMode(mode)}
			return nil
		}
		return fmt.Errorf("unsupported tool_choice %q", mode)
	}
	var named struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(data, &named); err != nil {
		return fmt.Errorf("decode tool_choice: %w", err)
	}
	*t = ToolChoice{Mode: ToolChoiceFunction, Function: named.Function.Name}
	return nil
}

// ChatCompletionRequest is the canonical representation of a chat completion.
type ChatCompletionRequest struct {
	Model            string        `json:"model"`
	Messages         []ChatMessage `json:"messages"`
	Temperature      *float64      `json:"temperature,omitempty"`
	TopP             *float64      `json:"top_p,omitempty"`
	MaxTokens        *int          `json:"max_tokens,omitempty"`
	Stop             []string      `json:"stop,omitempty"`
	PresencePenalty  *float64      `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64      `json:"frequency_penalty,omitempty"`
	Tools            []Tool        `json:"tools,omitempty"`
	ToolChoice       *ToolChoice   `json:"tool_choice,omitempty"`
}

// FinishReason is the canonical reason a choice stopped generating.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishToolCalls     FinishReason = "tool_calls"
)

// Usage records token accounting. Any field may be absent.
type Usage struct {
	PromptTokens     *int `json:"prompt_tokens,omitempty"`
	CompletionTokens *int `json:"completion_tokens,omitempty"`
	TotalTokens      *int `json:"total_tokens,omitempty"`
}

// NewUsage builds a usage block with all fields set, deriving the total.
func NewUsage(prompt, completion int) *Usage {
	total := prompt + completion
	return &Usage{PromptTokens: &prompt, CompletionTokens: &completion, TotalTokens: &total}
}

// Choice is one complete alternative of a non-streaming completion.
type Choice struct {
	Index        int           `json:"index"`
	Message      ChatMessage   `json:"message"`
	FinishReason *FinishReason `json:"finish_reason"`
}

// ChatCompletion is the non-streaming result of a request.
type ChatCompletion struct {
	ID      string   `json:"id"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Delta is the incremental part of a streamed message.
type Delta struct {
	Role      Role       `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// deltaToolCall always carries index: stream consumers merge fragments by it,
// including those of the first call.
type deltaToolCall struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// MarshalJSON writes every tool call with an explicit index.
func (d Delta) MarshalJSON() ([]byte, error) {
	type wire struct {
		Role      Role            `json:"role,omitempty"`
		Content   string          `json:"content,omitempty"`
		ToolCalls []deltaToolCall `json:"tool_calls,omitempty"`
	}
	out := wire{Role: d.Role, Content: d.Content}
	for _, call := range d.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, deltaToolCall(call))
	}
	return json.Marshal(out)
}

// ChunkChoice is the incremental counterpart of Choice.
type ChunkChoice struct {
	Index        int           `json:"index"`
	Delta        Delta         `json:"delta"`
	FinishReason *FinishReason `json:"finish_reason"`
}

// ChatCompletionChunk is one unit of a streaming completion.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// Model identifies a catalog entry exposed by a provider.
type Model struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by,omitempty"`
	Created int64  `json:"created,omitempty"`
}

// RequestOptions carries per-call transport settings.
type RequestOptions struct {
	Headers map[string]string
}

// WithHeaders returns a copy of the options with extra merged over the existing headers.
// The receiver's map is never modified.
func (o RequestOptions) WithHeaders(extra map[string]string) RequestOptions {
	merged := make(map[string]string, len(o.Headers)+len(extra))
	maps.Copy(merged, o.Headers)
	maps.Copy(merged, extra)
	return RequestOptions{Headers: merged}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
