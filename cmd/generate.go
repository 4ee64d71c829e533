package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"aigroup/internal/generation"
	"aigroup/internal/task"
)

const generateUsage = `Usage:
  aigroup generate --config <path> --kind image|video --prompt <text> [--model <name>]

Flags:
  --config    string   Path to YAML configuration file (required)
  --kind      string   image (DashScope) or video (Zhipu CogVideoX)
  --prompt    string   What to generate
  --model     string   Vendor model, defaults to the plugin configuration
  --image-url string   First frame for video generation
  --log-level string   debug, info, warn or error (default info)`

func generate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	var kind, prompt, model, imageURL string
	fs.StringVar(&kind, "kind", "image", "image or video")
	fs.StringVar(&prompt, "prompt", "", "generation prompt")
	fs.StringVar(&model, "model", "", "vendor model")
	fs.StringVar(&imageURL, "image-url", "", "first frame for video generation")

	if ok, err := parseFlags(fs, generateUsage, args); !ok {
		return err
	}
	if prompt == "" && imageURL == "" {
		return errors.New("generate requires --prompt")
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}
	client := httpClient(cfg)

	switch kind {
	case "image":
		if model == "" {
			model = cfg.Plugins.ImageModel
		}
		gen, err := generation.NewDashScope("", cfg.Tokens.DashScope, client)
		if err != nil {
			return err
		}
		urls, err := gen.GenerateImage(ctx, generation.ImageRequest{Model: model, Prompt: prompt, Count: 1}, task.DefaultPolicy)
		if err != nil {
			return err
		}
		for _, url := range urls {
			fmt.Println(url)
		}
	case "video":
		if model == "" {
			model = cfg.Plugins.VideoModel
		}
		gen, err := generation.NewZhipu("", cfg.Tokens.Zhipu, client)
		if err != nil {
			return err
		}
		// Clips take several minutes to render.
		policy := task.DefaultPolicy
		policy.MaxRetries = 80
		videos, err := gen.GenerateVideo(ctx, generation.VideoRequest{Model: model, Prompt: prompt, ImageURL: imageURL}, policy)
		if err != nil {
			return err
		}
		for _, v := range videos {
			fmt.Println(v.URL)
		}
	default:
		return fmt.Errorf("unknown --kind %q, want image or video", kind)
	}
	return nil
}
