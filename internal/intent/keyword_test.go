package intent

import (
	"context"
	"testing"
)

func TestKeywordScorer(t *testing.T) {
	s := NewKeywordScorer(map[string][]string{
		"billing": {"invoice", "charge", "refund"},
	})

	scores, err := s.Score(context.Background(), "I need a refund for this charge", []string{"billing", "support"})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}

	// Two of four billing terms hit; the bare type name "support" misses.
	if scores["billing"] != 0.5 {
		t.Errorf("billing = %v, want 0.5", scores["billing"])
	}
	if scores["support"] != 0 {
		t.Errorf("support = %v, want 0", scores["support"])
	}
}

func TestKeywordScorerTypeNameCounts(t *testing.T) {
	s := NewKeywordScorer(nil)

	scores, err := s.Score(context.Background(), "question about billing", []string{"billing"})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if scores["billing"] != 1 {
		t.Errorf("billing = %v, want 1", scores["billing"])
	}
}
