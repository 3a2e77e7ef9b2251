package tools

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// fileSearchSchema validates file_search arguments.
const fileSearchSchema = `{
  "type": "object",
  "required": ["query"],
  "properties": {
    "query": { "type": "string", "minLength": 1 },
    "limit": { "type": "integer", "minimum": 1, "maximum": 25 }
  },
  "additionalProperties": false
}`

const snippetContext = 50

// Document is one entry in the internal document store.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]string
}

// DocumentMatch is a ranked search hit.
type DocumentMatch struct {
	DocID    string            `json:"doc_id"`
	Score    int               `json:"score"`
	Snippet  string            `json:"snippet"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// DocumentStore is a word-index document search over content that stays
// inside the trust boundary, so queries are safe to pass through unredacted.
type DocumentStore struct {
	mu    sync.RWMutex
	docs  map[string]Document
	index map[string][]string // word -> doc IDs
}

// NewDocumentStore creates an empty store.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		docs:  make(map[string]Document),
		index: make(map[string][]string),
	}
}

// Add indexes a document, replacing any previous entry with the same ID.
func (s *DocumentStore) Add(doc Document) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.docs[doc.ID] = doc
	seen := make(map[string]struct{})
	for _, word := range strings.Fields(strings.ToLower(doc.Content)) {
		if _, dup := seen[word]; dup {
			continue
		}
		seen[word] = struct{}{}
		ids := s.index[word]
		found := false
		for _, id := range ids {
			if id == doc.ID {
				found = true
				break
			}
		}
		if !found {
			s.index[word] = append(ids, doc.ID)
		}
	}
}

// Search scores documents by query-word overlap and returns the top matches
// with a snippet around the first matched term.
func (s *DocumentStore) Search(query string, limit int) []DocumentMatch {
	words := strings.Fields(strings.ToLower(query))

	s.mu.RLock()
	defer s.mu.RUnlock()

	scores := make(map[string]int)
	for _, word := range words {
		for _, id := range s.index[word] {
			scores[id]++
		}
	}

	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if scores[ids[i]] != scores[ids[j]] {
			return scores[ids[i]] > scores[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	matches := make([]DocumentMatch, 0, len(ids))
	for _, id := range ids {
		doc := s.docs[id]
		matches = append(matches, DocumentMatch{
			DocID:    id,
			Score:    scores[id],
			Snippet:  extractSnippet(doc.Content, words),
			Metadata: doc.Metadata,
		})
	}
	return matches
}

func extractSnippet(content string, words []string) string {
	lower := strings.ToLower(content)
	first := len(content)
	for _, word := range words {
		if pos := strings.Index(lower, word); pos != -1 && pos < first {
			first = pos
		}
	}
	if first == len(content) {
		first = 0
	}

	start := first - snippetContext
	if start < 0 {
		start = 0
	}
	end := first + snippetContext + 20
	if end > len(content) {
		end = len(content)
	}

	snippet := content[start:end]
	if start > 0 {
		snippet = "..." + snippet
	}
	if end < len(content) {
		snippet += "..."
	}
	return snippet
}

// SeedSampleDocuments loads a small compliance corpus for development and
// tests.
func SeedSampleDocuments(store *DocumentStore) {
	samples := []Document{
		{
			ID:       "privacy-guidelines",
			Content:  "The privacy rule establishes national standards to protect individuals' medical records and other personal health information. Covered entities must implement appropriate administrative, physical, and technical safeguards.",
			Metadata: map[string]string{"title": "Privacy Guidelines", "category": "compliance"},
		},
		{
			ID:       "patient-consent-form",
			Content:  "Patient consent form template for sharing protected health information. Requires explicit authorization for use and disclosure for purposes other than treatment, payment, or healthcare operations.",
			Metadata: map[string]string{"title": "Patient Consent Form", "category": "forms"},
		},
		{
			ID:       "security-protocols",
			Content:  "Security protocols for handling electronic protected health information. Includes encryption requirements, access controls, audit logs, and incident response procedures.",
			Metadata: map[string]string{"title": "Security Protocols", "category": "security"},
		},
	}
	for _, doc := range samples {
		store.Add(doc)
	}
}

// NewFileSearchTool builds the safe file_search descriptor. The store is
// internal, so the handler may observe original query text.
func NewFileSearchTool(store *DocumentStore) *Descriptor {
	return &Descriptor{
		Name:        "file_search",
		Description: "Search internal documents. Safe for sensitive content; nothing leaves the trust boundary.",
		InputSchema: json.RawMessage(fileSearchSchema),
		Risk:        RiskSafe,
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			query, _ := args["query"].(string)
			limit := 10
			if n, ok := args["limit"].(float64); ok {
				limit = int(n)
			}
			matches := store.Search(query, limit)
			return map[string]any{
				"query":         query,
				"results":       matches,
				"total_results": len(matches),
			}, nil
		},
	}
}
