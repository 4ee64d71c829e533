package plugin

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"aigroup/internal/config"
	"aigroup/internal/generation"
	"aigroup/internal/models"
	"aigroup/internal/provider"
	"aigroup/internal/store"
	"aigroup/internal/task"
)

type fakeEndpoint struct {
	mu       sync.Mutex
	requests []models.ChatCompletionRequest
	respond  func(req models.ChatCompletionRequest) *models.ChatCompletion
}

func (f *fakeEndpoint) ChatCompletion(_ context.Context, req models.ChatCompletionRequest, _ models.RequestOptions) (*models.ChatCompletion, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.respond(req), nil
}

func (f *fakeEndpoint) ChatCompletions(context.Context, models.ChatCompletionRequest, models.RequestOptions) iter.Seq2[models.ChatCompletionChunk, error] {
	return provider.Fail[models.ChatCompletionChunk](provider.ErrUnsupportedOperation)
}

func (f *fakeEndpoint) Models(context.Context, models.RequestOptions) ([]models.Model, error) {
	return nil, nil
}

func (f *fakeEndpoint) Model(ctx context.Context, id string, opts models.RequestOptions) (*models.Model, error) {
	return provider.FindModel(ctx, f, id, opts)
}

type fakeResolver struct {
	endpoint provider.Endpoint
}

func (r fakeResolver) Resolve(context.Context, models.ModelCode) (provider.Endpoint, error) {
	return r.endpoint, nil
}

type staticPrefs config.Preferences

func (p staticPrefs) Preferences() config.Preferences { return config.Preferences(p) }

// scriptedPlugin shares its counters across instances.
type scriptedPlugin struct {
	shouldRun atomic.Int32
	launches  atomic.Int32
	run       func(msg store.Message) bool
	launch    func(ctx context.Context, msg store.Message) (EffectResult, error)
}

func (s *scriptedPlugin) Execute(context.Context, ExecuteRequest) (Update, error) {
	return Update{}, nil
}

func (s *scriptedPlugin) ShouldRunEffect(msg store.Message) bool {
	s.shouldRun.Add(1)
	if s.run == nil {
		return true
	}
	return s.run(msg)
}

func (s *scriptedPlugin) ShouldReRunEffect(oldExtra, newExtra string) bool {
	return DefaultShouldReRun(oldExtra, newExtra)
}

func (s *scriptedPlugin) LaunchEffect(ctx context.Context, msg store.Message) (EffectResult, error) {
	s.launches.Add(1)
	return s.launch(ctx, msg)
}

func scripted(id string, p *scriptedPlugin) Description {
	return Description{ID: id, New: func() ChatPlugin { return p }}
}

type harness struct {
	exec     *Executor
	store    *store.Memory
	endpoint *fakeEndpoint
}

func newHarness(t *testing.T, plugins ...Description) *harness {
	t.Helper()
	registry, err := NewRegistry(plugins...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	endpoint := &fakeEndpoint{respond: func(models.ChatCompletionRequest) *models.ChatCompletion {
		return &models.ChatCompletion{Choices: []models.Choice{{Message: models.AssistantMessage("ok")}}}
	}}
	messages := store.NewMemory()
	exec := NewExecutor(context.Background(), registry, messages, staticPrefs{}, fakeResolver{endpoint: endpoint}, models.NewModelCode("openai", "gpt-4o-mini"))
	t.Cleanup(exec.Close)
	return &harness{exec: exec, store: messages, endpoint: endpoint}
}

func (h *harness) message(t *testing.T, pluginID, extra string) string {
	t.Helper()
	msg, err := h.store.Create(context.Background(), store.Message{
		SessionID: "s", Role: models.RoleAssistant, Model: "openai/gpt-4o",
		PluginID: pluginID, PluginExtra: extra,
	})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	return msg.ID
}

func toolCallResponse(names ...string) *models.ChatCompletion {
	var calls []models.ToolCall
	for i, name := range names {
		calls = append(calls, models.ToolCall{Index: i, ID: name, Type: "function", Function: models.FunctionCall{Name: name, Arguments: `{"topic":"Go"}`}})
	}
	reason := models.FinishToolCalls
	return &models.ChatCompletion{Choices: []models.Choice{{
		Message:      models.ChatMessage{Role: models.RoleAssistant, ToolCalls: calls},
		FinishReason: &reason,
	}}}
}

func TestRequestToolUsageExecutesFirstMatchingCall(t *testing.T) {
	h := newHarness(t, MindMap(), scripted("other", &scriptedPlugin{}))
	h.endpoint.respond = func(req models.ChatCompletionRequest) *models.ChatCompletion {
		if len(req.Tools) > 0 {
			return toolCallResponse("MIND_MAP", "other")
		}
		return &models.ChatCompletion{Choices: []models.Choice{{Message: models.AssistantMessage("# Go\n- concurrency")}}}
	}
	id := h.message(t, "", "")

	chosen, err := h.exec.RequestToolUsage(context.Background(), ToolUsageRequest{
		MessageID: id,
		Model:     models.NewModelCode("openai", "gpt-4o"),
		History:   []models.ChatMessage{models.UserMessage("mind map of Go please")},
	})
	if err != nil {
		t.Fatalf("tool usage: %v", err)
	}
	if chosen != MindMapID {
		t.Fatalf("expected mind_map, got %q", chosen)
	}

	first := h.endpoint.requests[0]
	if first.Model != "gpt-4o-mini" || len(first.Tools) != 2 || first.ToolChoice.Mode != models.ToolChoiceAuto {
		t.Errorf("unexpected coordinator request: %#v", first)
	}
	if len(h.endpoint.requests) != 2 || h.endpoint.requests[1].Model != "gpt-4o" {
		t.Errorf("plugin should call the target model once, got %d requests", len(h.endpoint.requests))
	}

	msg, _ := h.store.Message(context.Background(), id)
	if msg.PluginID != MindMapID {
		t.Errorf("plugin id not persisted: %q", msg.PluginID)
	}
	if !strings.HasPrefix(msg.Content, "```markmap\n# Go") {
		t.Errorf("unexpected content: %q", msg.Content)
	}
}

func TestRequestToolUsageWithoutToolCall(t *testing.T) {
	h := newHarness(t, MindMap())
	id := h.message(t, "", "")

	for name, resp := range map[string]*models.ChatCompletion{
		"no calls":     {Choices: []models.Choice{{Message: models.AssistantMessage("plain answer")}}},
		"unknown tool": toolCallResponse("teleport"),
		"no choices":   {},
	} {
		h.endpoint.respond = func(models.ChatCompletionRequest) *models.ChatCompletion { return resp }
		chosen, err := h.exec.RequestToolUsage(context.Background(), ToolUsageRequest{MessageID: id})
		if err != nil || chosen != "" {
			t.Errorf("%s: expected no tool, got %q %v", name, chosen, err)
		}
	}
	msg, _ := h.store.Message(context.Background(), id)
	if msg.PluginID != "" {
		t.Errorf("plugin id should stay empty, got %q", msg.PluginID)
	}
}

func TestConcurrentEffectRequestsAreDeduplicated(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	p := &scriptedPlugin{launch: func(context.Context, store.Message) (EffectResult, error) {
		close(started)
		<-release
		return Done(Update{}), nil
	}}
	h := newHarness(t, scripted("slow", p))
	id := h.message(t, "slow", "x")

	var first bool
	var firstErr error
	done := make(chan struct{})
	go func() {
		first, firstErr = h.exec.RequestEffect(context.Background(), id)
		close(done)
	}()
	<-started

	second, err := h.exec.RequestEffect(context.Background(), id)
	if err != nil || second {
		t.Fatalf("second request should be rejected, got %v %v", second, err)
	}
	byUser, err := h.exec.RequestEffectByUser(context.Background(), id)
	if err != nil || byUser {
		t.Fatalf("user request must not duplicate a running effect, got %v %v", byUser, err)
	}

	close(release)
	<-done
	if firstErr != nil || !first {
		t.Fatalf("first request should launch, got %v %v", first, firstErr)
	}
	if n := p.launches.Load(); n != 1 {
		t.Fatalf("expected exactly one launch, got %d", n)
	}
}

func TestNextRunRejectsEarlyRequests(t *testing.T) {
	p := &scriptedPlugin{launch: func(context.Context, store.Message) (EffectResult, error) {
		return Next(time.Hour, Update{}), nil
	}}
	h := newHarness(t, scripted("poll", p))
	now := time.Unix(1_700_000_000, 0)
	h.exec.now = func() time.Time { return now }
	id := h.message(t, "poll", "x")

	if ok, err := h.exec.RequestEffect(context.Background(), id); !ok || err != nil {
		t.Fatalf("first request should launch, got %v %v", ok, err)
	}
	status, _ := h.exec.Status(id)
	if status.State != EffectNextRun || status.Interval != time.Hour {
		t.Fatalf("unexpected status %#v", status)
	}

	now = now.Add(59 * time.Minute)
	if ok, _ := h.exec.RequestEffect(context.Background(), id); ok {
		t.Fatal("request before the interval elapsed should be rejected")
	}

	now = now.Add(time.Minute)
	if ok, err := h.exec.RequestEffect(context.Background(), id); !ok || err != nil {
		t.Fatalf("request at the interval should launch, got %v %v", ok, err)
	}
	if n := p.launches.Load(); n != 2 {
		t.Fatalf("expected 2 launches, got %d", n)
	}
}

func TestUserRequestBypassesBackoff(t *testing.T) {
	p := &scriptedPlugin{launch: func(context.Context, store.Message) (EffectResult, error) {
		return Next(time.Hour, Update{}), nil
	}}
	h := newHarness(t, scripted("poll", p))
	id := h.message(t, "poll", "x")

	if ok, _ := h.exec.RequestEffect(context.Background(), id); !ok {
		t.Fatal("first request should launch")
	}
	if ok, err := h.exec.RequestEffectByUser(context.Background(), id); !ok || err != nil {
		t.Fatalf("user request should launch immediately, got %v %v", ok, err)
	}

	h.exec.mu.Lock()
	timers := len(h.exec.timers)
	h.exec.mu.Unlock()
	if timers != 1 {
		t.Fatalf("expected the old timer to be replaced, got %d timers", timers)
	}
}

func TestNeverRevivesOnlyWhenExtraChanges(t *testing.T) {
	p := &scriptedPlugin{
		run: func(msg store.Message) bool { return msg.PluginExtra == "pending" },
		launch: func(context.Context, store.Message) (EffectResult, error) {
			return Done(Update{}), nil
		},
	}
	h := newHarness(t, scripted("gate", p))
	id := h.message(t, "gate", "idle")

	for range 2 {
		if ok, _ := h.exec.RequestEffect(context.Background(), id); ok {
			t.Fatal("effect should not launch while idle")
		}
	}
	if n := p.shouldRun.Load(); n != 1 {
		t.Fatalf("settled status should skip the gate, got %d gate checks", n)
	}

	_, _ = h.store.UpdateMessage(context.Background(), id, func(m *store.Message) { m.PluginExtra = "pending" })
	if ok, err := h.exec.RequestEffect(context.Background(), id); !ok || err != nil {
		t.Fatalf("changed extra should revive the effect, got %v %v", ok, err)
	}
	if _, ok := h.exec.Status(id); ok {
		t.Fatal("done effect should drop its status")
	}
}

func TestEffectErrorSettlesStatus(t *testing.T) {
	boom := errors.New("vendor down")
	p := &scriptedPlugin{launch: func(context.Context, store.Message) (EffectResult, error) {
		return EffectResult{}, boom
	}}
	h := newHarness(t, scripted("flaky", p))
	id := h.message(t, "flaky", "x")

	if _, err := h.exec.RequestEffect(context.Background(), id); !errors.Is(err, boom) {
		t.Fatalf("expected launch error, got %v", err)
	}
	status, ok := h.exec.Status(id)
	if !ok || status.State != EffectNever {
		t.Fatalf("expected never status, got %#v", status)
	}
	if ok, _ := h.exec.RequestEffectByUser(context.Background(), id); !ok {
		t.Fatal("user request should retry a failed effect")
	}
}

func TestCloseCancelsScheduledEffects(t *testing.T) {
	p := &scriptedPlugin{launch: func(context.Context, store.Message) (EffectResult, error) {
		return Next(10*time.Millisecond, Update{}), nil
	}}
	h := newHarness(t, scripted("tick", p))
	id := h.message(t, "tick", "x")

	if ok, _ := h.exec.RequestEffect(context.Background(), id); !ok {
		t.Fatal("first request should launch")
	}
	h.exec.Close()
	time.Sleep(50 * time.Millisecond)

	if n := p.launches.Load(); n != 1 {
		t.Fatalf("timers should be cancelled on close, got %d launches", n)
	}
	if _, err := h.exec.RequestEffect(context.Background(), id); !errors.Is(err, ErrExecutorClosed) {
		t.Fatalf("expected ErrExecutorClosed, got %v", err)
	}
}

type fakeImages struct {
	checks   atomic.Int32
	statuses []task.Status
}

func (f *fakeImages) SubmitImage(_ context.Context, in generation.ImageRequest) (string, error) {
	if in.Prompt != "a fox" {
		return "", errors.New("unexpected prompt " + in.Prompt)
	}
	return "task-9", nil
}

func (f *fakeImages) CheckImage(_ context.Context, taskID string) (task.Snapshot[[]string], error) {
	i := int(f.checks.Add(1)) - 1
	status := f.statuses[min(i, len(f.statuses)-1)]
	snap := task.Snapshot[[]string]{Status: status}
	if status == task.StatusSucceeded {
		snap.Result = []string{"https://img/" + taskID + ".png"}
	}
	return snap, nil
}

func TestImageEffectPollsUntilDone(t *testing.T) {
	images := &fakeImages{statuses: []task.Status{task.StatusPending, task.StatusProcessing, task.StatusSucceeded}}
	h := newHarness(t, ImageGeneration(images, "wanx-v1", 5*time.Millisecond))
	id := h.message(t, "", "")

	if err := h.exec.Execute(context.Background(), id, "IMAGE_GENERATION", `{"prompt":"a fox"}`, models.NewModelCode("openai", "gpt-4o")); err != nil {
		t.Fatalf("execute: %v", err)
	}
	// Execute does not set the plugin id; RequestToolUsage does.
	_, _ = h.store.UpdateMessage(context.Background(), id, func(m *store.Message) { m.PluginID = ImageGenerationID })
	if _, err := h.exec.RequestEffect(context.Background(), id); err != nil {
		t.Fatalf("request effect: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		msg, _ := h.store.Message(context.Background(), id)
		if strings.Contains(msg.Content, "![image 1](https://img/task-9.png)") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("effect did not finish, content %q extra %q", msg.Content, msg.PluginExtra)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := images.checks.Load(); n != 3 {
		t.Errorf("expected 3 checks, got %d", n)
	}
}
