package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"aigroup/internal/models"
	"aigroup/internal/provider/transport"
	"aigroup/internal/store"
)

const (
	WebSearchID = "web_search"

	// DefaultSearchEndpoint is the Tavily search API.
	DefaultSearchEndpoint = "https://api.tavily.com/search"

	searchResults = 5
)

// WebSearch describes the plugin that answers from live search results.
func WebSearch(endpoint, apiKey string, client *http.Client) Description {
	if endpoint == "" {
		endpoint = DefaultSearchEndpoint
	}
	searcher := &searcher{endpoint: endpoint, apiKey: apiKey, client: transport.NewClient(client, "search")}
	return Description{
		ID:          WebSearchID,
		Name:        "Web search",
		Description: "Search the web for recent or factual information and answer with cited sources.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "description": "The search query."},
			},
			"required": []string{"query"},
		},
		New: func() ChatPlugin {
			return &searchPlugin{searcher: searcher}
		},
	}
}

type searchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

type searcher struct {
	endpoint string
	apiKey   string
	client   *transport.Client
}

func (s *searcher) search(ctx context.Context, query string) ([]searchResult, error) {
	req, err := s.client.NewJSONRequest(ctx, http.MethodPost, s.endpoint, map[string]any{
		"query":       query,
		"max_results": searchResults,
	}, models.RequestOptions{})
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	var resp struct {
		Results []searchResult `json:"results"`
	}
	if err := s.client.DoJSON(req, &resp); err != nil {
		return nil, fmt.Errorf("web search: %w", err)
	}
	return resp.Results, nil
}

type searchPlugin struct {
	searcher *searcher
}

func (p *searchPlugin) Execute(ctx context.Context, req ExecuteRequest) (Update, error) {
	query := stringArg(req.Args, "query")
	if query == "" {
		return Update{}, errors.New("query argument is required")
	}
	results, err := p.searcher.search(ctx, query)
	if err != nil {
		return Update{}, err
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Question: %s\n\nSearch results:\n", query)
	for i, r := range results {
		fmt.Fprintf(&prompt, "[%d] %s (%s)\n%s\n\n", i+1, r.Title, r.URL, r.Content)
	}

	resp, err := req.Client.ChatCompletion(ctx, req.Preferences.Apply(models.ChatCompletionRequest{
		Model: req.Model.Model,
		Messages: []models.ChatMessage{
			models.SystemMessage("Answer the question using only the search results. Cite sources as [n]."),
			models.UserMessage(prompt.String()),
		},
	}), models.RequestOptions{})
	if err != nil {
		return Update{}, fmt.Errorf("summarise search results: %w", err)
	}

	var content strings.Builder
	if len(resp.Choices) > 0 {
		content.WriteString(resp.Choices[0].Message.Content.PlainText())
	}
	if len(results) > 0 {
		content.WriteString("\n\nSources:\n")
		for i, r := range results {
			fmt.Fprintf(&content, "%d. [%s](%s)\n", i+1, r.Title, r.URL)
		}
	}

	extra, _ := json.Marshal(map[string]any{"query": query, "sources": len(results)})
	text, extraText := content.String(), string(extra)
	return Update{Content: &text, Extra: &extraText}, nil
}

func (p *searchPlugin) ShouldRunEffect(store.Message) bool { return false }

func (p *searchPlugin) ShouldReRunEffect(oldExtra, newExtra string) bool {
	return DefaultShouldReRun(oldExtra, newExtra)
}

func (p *searchPlugin) LaunchEffect(context.Context, store.Message) (EffectResult, error) {
	return Done(Update{}), nil
}
