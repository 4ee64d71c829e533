package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"aigroup/internal/models"
	"aigroup/internal/store"
)

const MindMapID = "mind_map"

const mindMapPrompt = "Produce a mind map of the topic as Markdown: one '#' root heading, then nested '-' lists. Output only the Markdown."

// MindMap describes the plugin that renders a topic as a markmap outline.
func MindMap() Description {
	return Description{
		ID:          MindMapID,
		Name:        "Mind map",
		Description: "Organise a topic into a mind map. Use when the user asks for a mind map, outline or knowledge tree.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"topic": map[string]any{"type": "string", "description": "Subject of the mind map."},
			},
			"required": []string{"topic"},
		},
		New: func() ChatPlugin { return mindMapPlugin{} },
	}
}

type mindMapPlugin struct{}

func (mindMapPlugin) Execute(ctx context.Context, req ExecuteRequest) (Update, error) {
	topic := stringArg(req.Args, "topic")
	if topic == "" {
		return Update{}, errors.New("topic argument is required")
	}
	resp, err := req.Client.ChatCompletion(ctx, req.Preferences.Apply(models.ChatCompletionRequest{
		Model:    req.Model.Model,
		Messages: []models.ChatMessage{models.SystemMessage(mindMapPrompt), models.UserMessage(topic)},
	}), models.RequestOptions{})
	if err != nil {
		return Update{}, fmt.Errorf("mind map: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Update{}, errors.New("mind map: model returned no choices")
	}

	outline := strings.TrimSpace(resp.Choices[0].Message.Content.PlainText())
	outline = strings.TrimSuffix(strings.TrimPrefix(outline, "```markdown"), "```")
	content := "```markmap\n" + strings.TrimSpace(outline) + "\n```"
	extra, _ := json.Marshal(map[string]string{"topic": topic})
	extraText := string(extra)
	return Update{Content: &content, Extra: &extraText}, nil
}

func (mindMapPlugin) ShouldRunEffect(store.Message) bool { return false }

func (mindMapPlugin) ShouldReRunEffect(oldExtra, newExtra string) bool {
	return DefaultShouldReRun(oldExtra, newExtra)
}

func (mindMapPlugin) LaunchEffect(context.Context, store.Message) (EffectResult, error) {
	return Done(Update{}), nil
}
