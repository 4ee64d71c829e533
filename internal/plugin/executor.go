package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"aigroup/internal/config"
	"aigroup/internal/models"
	"aigroup/internal/provider"
	"aigroup/internal/store"
)

// ErrExecutorClosed is returned by calls made after Close.
var ErrExecutorClosed = errors.New("plugin executor closed")

// MessageStore is the message persistence the executor reads and updates.
type MessageStore interface {
	Message(ctx context.Context, id string) (store.Message, error)
	UpdateMessage(ctx context.Context, id string, mutate func(*store.Message)) (store.Message, error)
}

// PreferenceSource returns the current preference snapshot.
type PreferenceSource interface {
	Preferences() config.Preferences
}

// Resolver returns an authenticated endpoint for a model code.
type Resolver interface {
	Resolve(ctx context.Context, code models.ModelCode) (provider.Endpoint, error)
}

// EffectState is the scheduling state of one message's effect.
type EffectState int

const (
	// EffectNever is settled. Only a changed plugin extra can revive it.
	EffectNever EffectState = iota
	// EffectNextRun waits until At+Interval.
	EffectNextRun
	// EffectRunning rejects every other request for the message.
	EffectRunning
)

func (s EffectState) String() string {
	switch s {
	case EffectNever:
		return "never"
	case EffectNextRun:
		return "next_run"
	case EffectRunning:
		return "running"
	default:
		return fmt.Sprintf("EffectState(%d)", int(s))
	}
}

// EffectStatus is the per message record kept by the executor.
type EffectStatus struct {
	State    EffectState
	At       time.Time
	Interval time.Duration
	// Extra is the plugin extra observed when the status was recorded.
	Extra string
}

type scheduled struct {
	timer *time.Timer
}

// Executor selects tools, runs them and schedules their effects.
type Executor struct {
	registry    *Registry
	store       MessageStore
	prefs       PreferenceSource
	resolver    Resolver
	coordinator models.ModelCode
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	effects map[string]EffectStatus
	timers  map[string]*scheduled
}

// NewExecutor creates an executor. Scheduled effects run under a context
// derived from parent and stop when Close is called.
func NewExecutor(parent context.Context, registry *Registry, messages MessageStore, prefs PreferenceSource, resolver Resolver, coordinator models.ModelCode) *Executor {
	ctx, cancel := context.WithCancel(parent)
	return &Executor{
		registry:    registry,
		store:       messages,
		prefs:       prefs,
		resolver:    resolver,
		coordinator: coordinator,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		effects:     make(map[string]EffectStatus),
		timers:      make(map[string]*scheduled),
	}
}

// ToolUsageRequest asks the coordinator model whether a message needs a tool.
type ToolUsageRequest struct {
	MessageID string
	// Model is the bot model the tool result is produced for.
	Model models.ModelCode
	// History is the conversation offered to the coordinator. When empty the
	// message content is sent as a single user turn.
	History []models.ChatMessage
}

// RequestToolUsage lets the coordinator model pick a plugin and executes it.
// It returns the chosen plugin id, or "" when no tool was used. Only the first
// tool call of the response is acted on.
func (e *Executor) RequestToolUsage(ctx context.Context, req ToolUsageRequest) (string, error) {
	if e.ctx.Err() != nil {
		return "", ErrExecutorClosed
	}
	msg, err := e.store.Message(ctx, req.MessageID)
	if err != nil {
		return "", err
	}
	history := req.History
	if len(history) == 0 {
		history = []models.ChatMessage{models.UserMessage(msg.Content)}
	}

	coordinator, err := e.resolver.Resolve(ctx, e.coordinator)
	if err != nil {
		return "", fmt.Errorf("resolve coordinator %s: %w", e.coordinator, err)
	}
	resp, err := coordinator.ChatCompletion(ctx, models.ChatCompletionRequest{
		Model:      e.coordinator.Model,
		Messages:   history,
		Tools:      e.registry.Tools(),
		ToolChoice: &models.ToolChoice{Mode: models.ToolChoiceAuto},
	}, models.RequestOptions{})
	if err != nil {
		return "", fmt.Errorf("tool selection: %w", err)
	}
	if len(resp.Choices) == 0 || len(resp.Choices[0].Message.ToolCalls) == 0 {
		return "", nil
	}

	call := resp.Choices[0].Message.ToolCalls[0]
	desc, ok := e.registry.Lookup(call.Function.Name)
	if !ok {
		slog.DebugContext(ctx, "model requested unknown tool", "tool", call.Function.Name, "message_id", req.MessageID)
		return "", nil
	}
	if _, err := e.store.UpdateMessage(ctx, req.MessageID, func(m *store.Message) {
		m.PluginID = desc.ID
	}); err != nil {
		return "", err
	}
	slog.InfoContext(ctx, "tool selected", "plugin", desc.ID, "message_id", req.MessageID)

	if err := e.Execute(ctx, req.MessageID, desc.ID, call.Function.Arguments, req.Model); err != nil {
		return desc.ID, err
	}
	return desc.ID, nil
}

// Execute runs a plugin with raw JSON arguments against a message, then
// requests its first effect run.
func (e *Executor) Execute(ctx context.Context, messageID, pluginID, rawArgs string, model models.ModelCode) error {
	if e.ctx.Err() != nil {
		return ErrExecutorClosed
	}
	desc, ok := e.registry.Lookup(pluginID)
	if !ok {
		return fmt.Errorf("plugin %q is not registered", pluginID)
	}
	args, err := parseArgs(rawArgs)
	if err != nil {
		return fmt.Errorf("plugin %s: %w", desc.ID, err)
	}
	msg, err := e.store.Message(ctx, messageID)
	if err != nil {
		return err
	}
	client, err := e.resolver.Resolve(ctx, model)
	if err != nil {
		return fmt.Errorf("plugin %s: resolve %s: %w", desc.ID, model, err)
	}

	var prefs config.Preferences
	if e.prefs != nil {
		prefs = e.prefs.Preferences()
	}
	update, err := desc.New().Execute(ctx, ExecuteRequest{
		Message:     msg,
		Args:        args,
		Model:       model,
		Client:      client,
		Preferences: prefs,
	})
	if err != nil {
		return fmt.Errorf("plugin %s execute: %w", desc.ID, err)
	}
	if err := e.persist(ctx, messageID, update); err != nil {
		return err
	}

	_, err = e.RequestEffect(ctx, messageID)
	return err
}

// RequestEffect runs the message's effect if its status allows it. The bool
// reports whether the effect was launched.
func (e *Executor) RequestEffect(ctx context.Context, messageID string) (bool, error) {
	return e.requestEffect(ctx, messageID, false)
}

// RequestEffectByUser clears the status and any pending timer first, so the
// effect is attempted right away. A run already in flight is not duplicated.
func (e *Executor) RequestEffectByUser(ctx context.Context, messageID string) (bool, error) {
	return e.requestEffect(ctx, messageID, true)
}

func (e *Executor) requestEffect(ctx context.Context, messageID string, byUser bool) (bool, error) {
	if e.ctx.Err() != nil {
		return false, ErrExecutorClosed
	}
	msg, err := e.store.Message(ctx, messageID)
	if err != nil {
		return false, err
	}
	if msg.PluginID == "" {
		return false, nil
	}
	desc, ok := e.registry.Lookup(msg.PluginID)
	if !ok {
		return false, fmt.Errorf("plugin %q is not registered", msg.PluginID)
	}
	instance := desc.New()

	if !e.acquire(messageID, msg, instance, byUser) {
		return false, nil
	}

	result, err := instance.LaunchEffect(ctx, msg)
	if err != nil {
		e.settle(messageID, msg.PluginExtra)
		return true, fmt.Errorf("plugin %s effect: %w", desc.ID, err)
	}
	if err := e.persist(ctx, messageID, result.Update); err != nil {
		e.settle(messageID, msg.PluginExtra)
		return true, err
	}

	extra := msg.PluginExtra
	if result.Extra != nil {
		extra = *result.Extra
	}
	if result.done {
		e.mu.Lock()
		delete(e.effects, messageID)
		e.mu.Unlock()
		return true, nil
	}
	e.schedule(messageID, result.delay, extra)
	return true, nil
}

// acquire applies the state machine and marks the message Running when the
// effect may launch.
func (e *Executor) acquire(messageID string, msg store.Message, instance ChatPlugin, byUser bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	status, ok := e.effects[messageID]
	if byUser && (!ok || status.State != EffectRunning) {
		e.cancelTimerLocked(messageID)
		delete(e.effects, messageID)
		ok = false
	}

	if ok {
		switch status.State {
		case EffectRunning:
			return false
		case EffectNextRun:
			if e.now().Before(status.At.Add(status.Interval)) {
				return false
			}
		case EffectNever:
			if !instance.ShouldReRunEffect(status.Extra, msg.PluginExtra) {
				return false
			}
		}
	}

	if !instance.ShouldRunEffect(msg) {
		e.effects[messageID] = EffectStatus{State: EffectNever, Extra: msg.PluginExtra}
		return false
	}
	e.effects[messageID] = EffectStatus{State: EffectRunning, At: e.now(), Extra: msg.PluginExtra}
	return true
}

func (e *Executor) settle(messageID, extra string) {
	e.mu.Lock()
	e.effects[messageID] = EffectStatus{State: EffectNever, Extra: extra}
	e.mu.Unlock()
}

func (e *Executor) schedule(messageID string, delay time.Duration, extra string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx.Err() != nil {
		delete(e.effects, messageID)
		return
	}

	e.effects[messageID] = EffectStatus{State: EffectNextRun, At: e.now(), Interval: delay, Extra: extra}
	e.cancelTimerLocked(messageID)

	entry := &scheduled{}
	e.timers[messageID] = entry
	entry.timer = time.AfterFunc(delay, func() {
		e.mu.Lock()
		if e.timers[messageID] == entry {
			delete(e.timers, messageID)
		}
		e.mu.Unlock()

		if _, err := e.RequestEffect(e.ctx, messageID); err != nil && !errors.Is(err, ErrExecutorClosed) {
			slog.Warn("scheduled plugin effect failed", "message_id", messageID, "error", err)
		}
	})
}

func (e *Executor) cancelTimerLocked(messageID string) {
	if entry, ok := e.timers[messageID]; ok {
		entry.timer.Stop()
		delete(e.timers, messageID)
	}
}

func (e *Executor) persist(ctx context.Context, messageID string, update Update) error {
	if update.Content == nil && update.Extra == nil {
		return nil
	}
	_, err := e.store.UpdateMessage(ctx, messageID, func(m *store.Message) {
		if update.Content != nil {
			m.Content = *update.Content
		}
		if update.Extra != nil {
			m.PluginExtra = *update.Extra
		}
	})
	return err
}

// Status returns the recorded effect status of a message.
func (e *Executor) Status(messageID string) (EffectStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	status, ok := e.effects[messageID]
	return status, ok
}

// Close cancels every pending timer and clears all effect state.
func (e *Executor) Close() {
	e.cancel()
	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.timers {
		e.cancelTimerLocked(id)
	}
	clear(e.effects)
}
