package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// webSearchSchema validates web_search arguments.
const webSearchSchema = `{
  "type": "object",
  "required": ["query"],
  "properties": {
    "query": { "type": "string", "minLength": 1 },
    "max_results": { "type": "integer", "minimum": 1, "maximum": 10 }
  },
  "additionalProperties": false
}`

// SearchResult is one entry in a web search response.
type SearchResult struct {
	Title          string  `json:"title"`
	URL            string  `json:"url"`
	Snippet        string  `json:"snippet"`
	RelevanceScore float64 `json:"relevance_score"`
}

// WebSearcher performs the actual external search. Implementations must
// tolerate redacted placeholder text in place of original query terms.
type WebSearcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

// StubSearcher returns canned results; the production deployment swaps in a
// real provider behind the same interface.
type StubSearcher struct{}

// Search returns a fixed result set trimmed to maxResults.
func (StubSearcher) Search(_ context.Context, query string, maxResults int) ([]SearchResult, error) {
	results := []SearchResult{
		{
			Title:          "Example Medical Information",
			URL:            "https://example.com/medical-info",
			Snippet:        "General medical information about the topic...",
			RelevanceScore: 0.95,
		},
		{
			Title:          "Healthcare Best Practices",
			URL:            "https://example.com/best-practices",
			Snippet:        "Industry standards for healthcare delivery...",
			RelevanceScore: 0.87,
		},
		{
			Title:          "Clinical Guidelines",
			URL:            "https://example.com/guidelines",
			Snippet:        "Evidence-based clinical guidelines for practitioners...",
			RelevanceScore: 0.82,
		},
	}
	if maxResults > 0 && maxResults < len(results) {
		results = results[:maxResults]
	}
	slog.Debug("Web search executed", "query_length", len(query), "results", len(results))
	return results, nil
}

// NewWebSearchTool builds the external web_search descriptor. Because the
// tool is classified external, the invoker guarantees the searcher only ever
// observes a sanitized query.
func NewWebSearchTool(searcher WebSearcher) *Descriptor {
	return &Descriptor{
		Name:        "web_search",
		Description: "Search the public web. Sensitive data is removed from the query before it leaves the trust boundary.",
		InputSchema: json.RawMessage(webSearchSchema),
		Risk:        RiskExternal,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			query, _ := args["query"].(string)
			maxResults := 5
			if n, ok := args["max_results"].(float64); ok {
				maxResults = int(n)
			}

			results, err := searcher.Search(ctx, query, maxResults)
			if err != nil {
				return nil, fmt.Errorf("web search: %w", err)
			}
			return map[string]any{
				"query":   query,
				"results": results,
			}, nil
		},
	}
}
