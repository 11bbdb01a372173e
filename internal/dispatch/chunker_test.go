package dispatch

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/conductorhq/conductor/pkg/models"
)

func TestSplitOversizedLeavesSmallDocs(t *testing.T) {
	docs := []models.IndexedDocument{
		{ID: "d1", Content: "short document"},
	}
	out := splitOversized(docs)
	if len(out) != 1 || out[0].ID != "d1" || out[0].Content != "short document" {
		t.Errorf("small doc altered: %+v", out)
	}
}

func TestSplitOversizedChunksLongDocs(t *testing.T) {
	para := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 8)
	content := strings.Join([]string{para, para, para, para}, "\n\n")
	docs := []models.IndexedDocument{
		{ID: "doc-1", Content: content, Metadata: map[string]string{"source": "faq"}},
	}

	out := splitOversized(docs)
	if len(out) < 2 {
		t.Fatalf("long doc not chunked: %d chunks", len(out))
	}
	for i, chunk := range out {
		if n := utf8.RuneCountInString(chunk.Content); n > chunkSize+chunkOverlap+2 {
			t.Errorf("chunk %d has %d runes", i, n)
		}
		if chunk.Metadata["source"] != "faq" {
			t.Errorf("chunk %d lost parent metadata", i)
		}
		if chunk.Metadata["chunk"] == "" {
			t.Errorf("chunk %d missing ordinal", i)
		}
	}
	if out[0].ID != "doc-1#0" || out[1].ID != "doc-1#1" {
		t.Errorf("chunk IDs not derived from parent: %s, %s", out[0].ID, out[1].ID)
	}
}

func TestSplitTextFallsBackToRunes(t *testing.T) {
	// No separators at all; must split on rune boundaries.
	text := strings.Repeat("ab", 600)
	chunks := splitText(text, chunkSize, chunkOverlap)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if strings.Join(chunks, "") != text {
		t.Error("rune split lost content")
	}
}

func TestMergeSegmentsCarriesOverlap(t *testing.T) {
	segments := []string{
		strings.Repeat("a", 90),
		strings.Repeat("b", 90),
		strings.Repeat("c", 90),
	}
	chunks := mergeSegments(segments, " ", 100, 10)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	// Each later chunk opens with the tail of its predecessor.
	if !strings.HasPrefix(chunks[1], strings.Repeat("a", 10)+" ") {
		t.Errorf("chunk 1 missing overlap tail: %q", chunks[1][:20])
	}
	if !strings.HasPrefix(chunks[2], strings.Repeat("b", 10)+" ") {
		t.Errorf("chunk 2 missing overlap tail: %q", chunks[2][:20])
	}
}
