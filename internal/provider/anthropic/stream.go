package anthropic

import (
	"fmt"

	"aigroup/internal/models"
	"aigroup/internal/provider/transport"
	"aigroup/internal/sse"
)

// Wire variants of the Messages streaming protocol, keyed by SSE event name.
type (
	messageStartEvent struct {
		Message struct {
			ID    string     `json:"id"`
			Model string     `json:"model"`
			Usage usageBlock `json:"usage"`
		} `json:"message"`
	}

	contentBlockStartEvent struct {
		Index        int           `json:"index"`
		ContentBlock responseBlock `json:"content_block"`
	}

	contentBlockDeltaEvent struct {
		Index int `json:"index"`
		Delta struct {
			Type        string `json:"type"`
			Text        string `json:"text"`
			PartialJSON string `json:"partial_json"`
		} `json:"delta"`
	}

	messageDeltaEvent struct {
		Delta struct {
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
		Usage usageBlock `json:"usage"`
	}

	errorEvent struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
)

type chunkDecision = sse.Decision[models.ChatCompletionChunk]

// streamState carries message level fields across events of one stream.
type streamState struct {
	id          string
	model       string
	created     int64
	inputTokens *int
	// toolIndex maps content block index to the position among tool calls.
	toolIndex map[int]int
}

func (s *streamState) chunk(delta models.Delta, finish *models.FinishReason, usage *models.Usage) models.ChatCompletionChunk {
	return models.ChatCompletionChunk{
		ID:      s.id,
		Created: s.created,
		Model:   s.model,
		Choices: []models.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		Usage:   usage,
	}
}

func (s *streamState) handle(event, data string) (chunkDecision, error) {
	switch event {
	case "message_start":
		var ev messageStartEvent
		if err := transport.Unmarshal(vendor, data, &ev); err != nil {
			return chunkDecision{}, err
		}
		s.id = ev.Message.ID
		if ev.Message.Model != "" {
			s.model = ev.Message.Model
		}
		s.inputTokens = ev.Message.Usage.InputTokens
		return sse.Continue(s.chunk(models.Delta{Role: models.RoleAssistant}, nil, nil)), nil

	case "content_block_start":
		var ev contentBlockStartEvent
		if err := transport.Unmarshal(vendor, data, &ev); err != nil {
			return chunkDecision{}, err
		}
		if ev.ContentBlock.Type != "tool_use" {
			return sse.Skip[models.ChatCompletionChunk](), nil
		}
		if s.toolIndex == nil {
			s.toolIndex = make(map[int]int)
		}
		idx := len(s.toolIndex)
		s.toolIndex[ev.Index] = idx
		return sse.Continue(s.chunk(models.Delta{ToolCalls: []models.ToolCall{{
			Index:    idx,
			ID:       ev.ContentBlock.ID,
			Type:     "function",
			Function: models.FunctionCall{Name: ev.ContentBlock.Name},
		}}}, nil, nil)), nil

	case "content_block_delta":
		var ev contentBlockDeltaEvent
		if err := transport.Unmarshal(vendor, data, &ev); err != nil {
			return chunkDecision{}, err
		}
		switch ev.Delta.Type {
		case "text_delta":
			return sse.Continue(s.chunk(models.Delta{Content: ev.Delta.Text}, nil, nil)), nil
		case "input_json_delta":
			idx, ok := s.toolIndex[ev.Index]
			if !ok {
				return sse.Skip[models.ChatCompletionChunk](), nil
			}
			return sse.Continue(s.chunk(models.Delta{ToolCalls: []models.ToolCall{{
				Index:    idx,
				Function: models.FunctionCall{Arguments: ev.Delta.PartialJSON},
			}}}, nil, nil)), nil
		default:
			return sse.Skip[models.ChatCompletionChunk](), nil
		}

	case "message_delta":
		var ev messageDeltaEvent
		if err := transport.Unmarshal(vendor, data, &ev); err != nil {
			return chunkDecision{}, err
		}
		finish := mapStopReason(ev.Delta.StopReason)
		return sse.Continue(s.chunk(models.Delta{}, finish, toUsage(s.inputTokens, ev.Usage.OutputTokens))), nil

	case "message_stop":
		return sse.Stop[models.ChatCompletionChunk](), nil

	case "error":
		var ev errorEvent
		if err := transport.Unmarshal(vendor, data, &ev); err != nil {
			return chunkDecision{}, err
		}
		return chunkDecision{}, fmt.Errorf("anthropic stream error (%s): %s", ev.Error.Type, ev.Error.Message)

	default:
		// ping, content_block_stop and future event types carry nothing canonical.
		return sse.Skip[models.ChatCompletionChunk](), nil
	}
}
