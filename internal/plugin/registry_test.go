package plugin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"aigroup/internal/models"
	"aigroup/internal/store"
)

func TestRegistryRejectsDuplicates(t *testing.T) {
	if _, err := NewRegistry(MindMap(), MindMap()); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if _, err := NewRegistry(Description{ID: "broken"}); err == nil {
		t.Fatal("expected missing constructor to fail")
	}
}

func TestBuiltinSkipsPluginsWithoutCredentials(t *testing.T) {
	registry, err := Builtin(Toolbox{SearchKey: "k"}, nil)
	if err != nil {
		t.Fatalf("builtin: %v", err)
	}
	var ids []string
	for _, d := range registry.All() {
		ids = append(ids, d.ID)
	}
	if got := strings.Join(ids, ","); got != "web_search,mind_map" {
		t.Fatalf("unexpected plugins %q", got)
	}

	registry, _ = Builtin(Toolbox{SearchKey: "k"}, []string{MindMapID})
	if len(registry.All()) != 1 {
		t.Fatalf("enabled list not honoured: %v", registry.All())
	}

	tools := registry.Tools()
	if tools[0].Type != "function" || tools[0].Function.Name != MindMapID {
		t.Fatalf("unexpected tool schema: %#v", tools[0])
	}
}

func TestWebSearchSummarisesResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tv-key" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["query"] != "go 1.25 release" {
			t.Errorf("unexpected query %v", body["query"])
		}
		_, _ = w.Write([]byte(`{"results":[{"title":"Go 1.25 is released","url":"https://go.dev/blog/go1.25","content":"Go 1.25 ships..."}]}`))
	}))
	defer server.Close()

	endpoint := &fakeEndpoint{respond: func(req models.ChatCompletionRequest) *models.ChatCompletion {
		if !strings.Contains(req.Messages[1].Content.Text, "[1] Go 1.25 is released") {
			t.Errorf("search results missing from prompt: %q", req.Messages[1].Content.Text)
		}
		return &models.ChatCompletion{Choices: []models.Choice{{Message: models.AssistantMessage("Go 1.25 shipped in August [1].")}}}
	}}

	desc := WebSearch(server.URL, "tv-key", server.Client())
	update, err := desc.New().Execute(context.Background(), ExecuteRequest{
		Message: store.Message{ID: "m"},
		Args:    map[string]any{"query": "go 1.25 release"},
		Model:   models.NewModelCode("openai", "gpt-4o"),
		Client:  endpoint,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := "Go 1.25 shipped in August [1].\n\nSources:\n1. [Go 1.25 is released](https://go.dev/blog/go1.25)\n"
	if update.Content == nil || *update.Content != want {
		t.Fatalf("unexpected content %q", *update.Content)
	}
	if desc.New().ShouldRunEffect(store.Message{}) {
		t.Error("web search has no effect")
	}
}

func TestParseArgs(t *testing.T) {
	args, err := parseArgs("")
	if err != nil || len(args) != 0 {
		t.Fatalf("empty args should decode to an empty map, got %v %v", args, err)
	}
	if _, err := parseArgs("{not json"); err == nil {
		t.Fatal("expected decode error")
	}
}
