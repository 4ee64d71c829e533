package plugin

import (
	"log/slog"
	"net/http"
	"slices"
	"time"
)

// Toolbox holds the collaborators of the bundled plugins. A plugin whose
// collaborator is missing is left out of the registry.
type Toolbox struct {
	Images     ImageGenerator
	ImageModel string
	Videos     VideoGenerator
	VideoModel string

	SearchEndpoint string
	SearchKey      string
	HTTP           *http.Client

	EffectInterval time.Duration
}

// Builtin registers the bundled plugins. An empty enabled list enables all of them.
func Builtin(tb Toolbox, enabled []string) (*Registry, error) {
	on := func(id string) bool {
		return len(enabled) == 0 || slices.Contains(enabled, id)
	}

	var list []Description
	add := func(id string, available bool, build func() Description) {
		switch {
		case !on(id):
		case !available:
			slog.Info("plugin disabled, missing credentials", "plugin", id)
		default:
			list = append(list, build())
		}
	}

	add(ImageGenerationID, tb.Images != nil, func() Description {
		return ImageGeneration(tb.Images, tb.ImageModel, tb.EffectInterval)
	})
	add(WebSearchID, tb.SearchKey != "", func() Description {
		return WebSearch(tb.SearchEndpoint, tb.SearchKey, tb.HTTP)
	})
	add(VideoGenerationID, tb.Videos != nil, func() Description {
		return VideoGeneration(tb.Videos, tb.VideoModel, tb.EffectInterval)
	})
	add(MindMapID, true, MindMap)

	return NewRegistry(list...)
}
