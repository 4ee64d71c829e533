package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"aigroup/internal/generation"
	"aigroup/internal/store"
	"aigroup/internal/task"
)

const (
	ImageGenerationID = "image_generation"
	VideoGenerationID = "video_generation"

	// maxEffectPolls caps how long a generation effect keeps checking a task.
	maxEffectPolls = 120
)

// ImageGenerator submits and checks text-to-image jobs.
type ImageGenerator interface {
	SubmitImage(ctx context.Context, in generation.ImageRequest) (string, error)
	CheckImage(ctx context.Context, taskID string) (task.Snapshot[[]string], error)
}

// VideoGenerator submits and checks video jobs.
type VideoGenerator interface {
	SubmitVideo(ctx context.Context, in generation.VideoRequest) (string, error)
	CheckVideo(ctx context.Context, taskID string) (task.Snapshot[[]generation.Video], error)
}

// generationExtra is the plugin extra of image and video messages.
type generationExtra struct {
	TaskID string      `json:"task_id"`
	Status task.Status `json:"status"`
	Prompt string      `json:"prompt,omitempty"`
	Polls  int         `json:"polls,omitempty"`
	URLs   []string    `json:"urls,omitempty"`
	Error  string      `json:"error,omitempty"`
}

func decodeGenerationExtra(raw string) (generationExtra, bool) {
	var extra generationExtra
	if raw == "" || json.Unmarshal([]byte(raw), &extra) != nil || extra.TaskID == "" {
		return generationExtra{}, false
	}
	return extra, true
}

func (g generationExtra) encode() *string {
	data, _ := json.Marshal(g)
	s := string(data)
	return &s
}

func pendingTask(msg store.Message) bool {
	extra, ok := decodeGenerationExtra(msg.PluginExtra)
	return ok && !extra.Status.Terminal()
}

// advance folds one task observation into the extra and decides the next step.
func advance(extra generationExtra, snap task.Snapshot[[]string], interval time.Duration, render func([]string) string) EffectResult {
	extra.Polls++
	extra.Status = snap.Status

	switch {
	case snap.Status == task.StatusSucceeded:
		extra.URLs = snap.Result
		content := render(snap.Result)
		return Done(Update{Content: &content, Extra: extra.encode()})
	case snap.Status.Terminal():
		extra.Error = (&task.FailedError{TaskID: extra.TaskID, Status: snap.Status, Code: snap.Code, Message: snap.Message}).Error()
		content := "Generation failed: " + extra.Error
		return Done(Update{Content: &content, Extra: extra.encode()})
	case extra.Polls >= maxEffectPolls:
		extra.Status = task.StatusUnknown
		extra.Error = fmt.Sprintf("%s: task %s", task.ErrRetriesExhausted, extra.TaskID)
		content := "Generation timed out."
		return Done(Update{Content: &content, Extra: extra.encode()})
	default:
		return Next(interval, Update{Extra: extra.encode()})
	}
}

// ImageGeneration describes the text-to-image plugin.
func ImageGeneration(gen ImageGenerator, model string, interval time.Duration) Description {
	return Description{
		ID:          ImageGenerationID,
		Name:        "Image generation",
		Description: "Generate an image from a text description. Use when the user asks to draw, paint or create a picture.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt":          map[string]any{"type": "string", "description": "Detailed description of the image."},
				"negative_prompt": map[string]any{"type": "string", "description": "Things the image must not contain."},
				"size":            map[string]any{"type": "string", "enum": []string{"1024*1024", "720*1280", "1280*720"}},
			},
			"required": []string{"prompt"},
		},
		New: func() ChatPlugin {
			return &imagePlugin{gen: gen, model: model, interval: interval}
		},
	}
}

type imagePlugin struct {
	gen      ImageGenerator
	model    string
	interval time.Duration
}

func (p *imagePlugin) Execute(ctx context.Context, req ExecuteRequest) (Update, error) {
	prompt := stringArg(req.Args, "prompt")
	if prompt == "" {
		return Update{}, errors.New("prompt argument is required")
	}
	taskID, err := p.gen.SubmitImage(ctx, generation.ImageRequest{
		Model:          p.model,
		Prompt:         prompt,
		NegativePrompt: stringArg(req.Args, "negative_prompt"),
		Size:           stringArg(req.Args, "size"),
		Count:          1,
	})
	if err != nil {
		return Update{}, err
	}
	content := "Generating image: " + prompt
	extra := generationExtra{TaskID: taskID, Status: task.StatusPending, Prompt: prompt}
	return Update{Content: &content, Extra: extra.encode()}, nil
}

func (p *imagePlugin) ShouldRunEffect(msg store.Message) bool {
	return pendingTask(msg)
}

func (p *imagePlugin) ShouldReRunEffect(oldExtra, newExtra string) bool {
	return DefaultShouldReRun(oldExtra, newExtra)
}

func (p *imagePlugin) LaunchEffect(ctx context.Context, msg store.Message) (EffectResult, error) {
	extra, ok := decodeGenerationExtra(msg.PluginExtra)
	if !ok {
		return Done(Update{}), nil
	}
	snap, err := p.gen.CheckImage(ctx, extra.TaskID)
	if err != nil {
		return EffectResult{}, err
	}
	return advance(extra, snap, p.interval, func(urls []string) string {
		var b strings.Builder
		for i, url := range urls {
			fmt.Fprintf(&b, "![image %d](%s)\n", i+1, url)
		}
		return b.String()
	}), nil
}

// VideoGeneration describes the text/image-to-video plugin.
func VideoGeneration(gen VideoGenerator, model string, interval time.Duration) Description {
	return Description{
		ID:          VideoGenerationID,
		Name:        "Video generation",
		Description: "Generate a short video clip from a text description, optionally animating an image URL.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt":    map[string]any{"type": "string", "description": "Description of the video."},
				"image_url": map[string]any{"type": "string", "description": "Optional first frame."},
			},
			"required": []string{"prompt"},
		},
		New: func() ChatPlugin {
			return &videoPlugin{gen: gen, model: model, interval: interval}
		},
	}
}

type videoPlugin struct {
	gen      VideoGenerator
	model    string
	interval time.Duration
}

func (p *videoPlugin) Execute(ctx context.Context, req ExecuteRequest) (Update, error) {
	prompt := stringArg(req.Args, "prompt")
	imageURL := stringArg(req.Args, "image_url")
	if prompt == "" && imageURL == "" {
		return Update{}, errors.New("prompt argument is required")
	}
	taskID, err := p.gen.SubmitVideo(ctx, generation.VideoRequest{Model: p.model, Prompt: prompt, ImageURL: imageURL})
	if err != nil {
		return Update{}, err
	}
	content := "Generating video: " + prompt
	extra := generationExtra{TaskID: taskID, Status: task.StatusPending, Prompt: prompt}
	return Update{Content: &content, Extra: extra.encode()}, nil
}

func (p *videoPlugin) ShouldRunEffect(msg store.Message) bool {
	return pendingTask(msg)
}

func (p *videoPlugin) ShouldReRunEffect(oldExtra, newExtra string) bool {
	return DefaultShouldReRun(oldExtra, newExtra)
}

func (p *videoPlugin) LaunchEffect(ctx context.Context, msg store.Message) (EffectResult, error) {
	extra, ok := decodeGenerationExtra(msg.PluginExtra)
	if !ok {
		return Done(Update{}), nil
	}
	snap, err := p.gen.CheckVideo(ctx, extra.TaskID)
	if err != nil {
		return EffectResult{}, err
	}
	urls := task.Snapshot[[]string]{Status: snap.Status, Code: snap.Code, Message: snap.Message}
	covers := make(map[string]string, len(snap.Result))
	for _, v := range snap.Result {
		urls.Result = append(urls.Result, v.URL)
		covers[v.URL] = v.CoverURL
	}
	return advance(extra, urls, p.interval, func(list []string) string {
		var b strings.Builder
		for _, url := range list {
			if cover := covers[url]; cover != "" {
				fmt.Fprintf(&b, "[![video](%s)](%s)\n", cover, url)
			} else {
				fmt.Fprintf(&b, "[video](%s)\n", url)
			}
		}
		return b.String()
	}), nil
}
