// Package plugin exposes tools to the model and coordinates their effects.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"aigroup/internal/config"
	"aigroup/internal/models"
	"aigroup/internal/provider"
	"aigroup/internal/store"
)

// Description is the stateless descriptor of a plugin.
type Description struct {
	// ID doubles as the function name offered to the model.
	ID          string
	Name        string
	Description string
	// Parameters is the JSON schema of the function arguments.
	Parameters map[string]any
	// New returns a fresh plugin instance for one invocation.
	New func() ChatPlugin
}

// Tool builds the function-calling schema of the plugin.
func (d Description) Tool() models.Tool {
	return models.FunctionTool(models.FunctionDefinition{
		Name:        d.ID,
		Description: d.Description,
		Parameters:  d.Parameters,
	})
}

// ExecuteRequest carries everything a plugin needs to run a tool call.
type ExecuteRequest struct {
	Message store.Message
	Args    map[string]any
	// Model is the bot model the user is talking to, and Client reaches it.
	Model       models.ModelCode
	Client      provider.Endpoint
	Preferences config.Preferences
}

// Update is a change the executor persists on the plugin's message. Nil fields are left alone.
type Update struct {
	Content *string
	Extra   *string
}

// EffectResult tells the executor whether the effect is finished or must run again.
type EffectResult struct {
	Update
	done  bool
	delay time.Duration
}

// Done ends the effect.
func Done(update Update) EffectResult {
	return EffectResult{Update: update, done: true}
}

// Next schedules another run after delay.
func Next(delay time.Duration, update Update) EffectResult {
	return EffectResult{Update: update, delay: delay}
}

// ChatPlugin is the stateful instance created per invocation.
type ChatPlugin interface {
	// Execute runs the tool call chosen by the model.
	Execute(ctx context.Context, req ExecuteRequest) (Update, error)
	// ShouldRunEffect reports whether msg still needs its effect.
	ShouldRunEffect(msg store.Message) bool
	// ShouldReRunEffect decides whether a settled effect becomes active again
	// after the plugin extra changed from oldExtra to newExtra.
	ShouldReRunEffect(oldExtra, newExtra string) bool
	// LaunchEffect performs one effect run.
	LaunchEffect(ctx context.Context, msg store.Message) (EffectResult, error)
}

// Registry is the immutable list of available plugins.
type Registry struct {
	plugins []Description
	byID    map[string]Description
}

// NewRegistry validates and freezes the plugin list.
func NewRegistry(plugins ...Description) (*Registry, error) {
	r := &Registry{byID: make(map[string]Description, len(plugins))}
	for _, d := range plugins {
		if d.ID == "" || d.New == nil {
			return nil, fmt.Errorf("plugin %q: id and constructor are required", d.ID)
		}
		key := strings.ToLower(d.ID)
		if _, dup := r.byID[key]; dup {
			return nil, fmt.Errorf("plugin %q registered twice", d.ID)
		}
		r.byID[key] = d
		r.plugins = append(r.plugins, d)
	}
	return r, nil
}

// All returns the registered plugins in registration order.
func (r *Registry) All() []Description {
	return append([]Description(nil), r.plugins...)
}

// Lookup finds a plugin by id, ignoring case.
func (r *Registry) Lookup(id string) (Description, bool) {
	d, ok := r.byID[strings.ToLower(id)]
	return d, ok
}

// Tools returns the function schemas of every plugin.
func (r *Registry) Tools() []models.Tool {
	tools := make([]models.Tool, 0, len(r.plugins))
	for _, d := range r.plugins {
		tools = append(tools, d.Tool())
	}
	return tools
}

// DefaultShouldReRun re-activates an effect whenever the extra payload changed.
func DefaultShouldReRun(oldExtra, newExtra string) bool {
	return oldExtra != newExtra
}

func parseArgs(raw string) (map[string]any, error) {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("decode tool arguments: %w", err)
	}
	return args, nil
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}
