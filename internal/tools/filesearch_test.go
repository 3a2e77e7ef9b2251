package tools

import (
	"strings"
	"testing"
)

func TestDocumentStoreSearch(t *testing.T) {
	t.Parallel()

	store := NewDocumentStore()
	SeedSampleDocuments(store)

	matches := store.Search("patient consent", 10)
	if len(matches) == 0 {
		t.Fatal("Search() returned no matches")
	}
	if matches[0].DocID != "patient-consent-form" {
		t.Errorf("top match = %q, want patient-consent-form", matches[0].DocID)
	}
	if !strings.Contains(strings.ToLower(matches[0].Snippet), "consent") {
		t.Errorf("snippet %q missing matched term", matches[0].Snippet)
	}
}

func TestDocumentStoreSearchNoHits(t *testing.T) {
	t.Parallel()

	store := NewDocumentStore()
	SeedSampleDocuments(store)

	if matches := store.Search("zebra astronomy", 10); len(matches) != 0 {
		t.Errorf("Search() = %d matches, want 0", len(matches))
	}
}

func TestDocumentStoreLimit(t *testing.T) {
	t.Parallel()

	store := NewDocumentStore()
	SeedSampleDocuments(store)

	if matches := store.Search("protected health information", 1); len(matches) != 1 {
		t.Errorf("Search() = %d matches, want 1", len(matches))
	}
}

func TestDocumentStoreReplaceByID(t *testing.T) {
	t.Parallel()

	store := NewDocumentStore()
	store.Add(Document{ID: "doc-1", Content: "original draft about billing"})
	store.Add(Document{ID: "doc-1", Content: "revised draft about scheduling"})

	matches := store.Search("scheduling", 10)
	if len(matches) != 1 {
		t.Fatalf("Search() = %d matches, want 1", len(matches))
	}
	if !strings.Contains(matches[0].Snippet, "revised") {
		t.Errorf("snippet %q, want revised content", matches[0].Snippet)
	}
}
