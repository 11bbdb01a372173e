package intent

import (
	"context"
	"strings"
)

// KeywordScorer is the degraded-mode classifier used when no model-backed
// scorer is configured or the model call fails. It scores by keyword
// overlap, which is crude but deterministic and always available.
type KeywordScorer struct {
	keywords map[string][]string
}

// NewKeywordScorer builds a scorer from per-type keyword lists. The type
// name itself always counts as a keyword.
func NewKeywordScorer(keywords map[string][]string) *KeywordScorer {
	if keywords == nil {
		keywords = make(map[string][]string)
	}
	return &KeywordScorer{keywords: keywords}
}

// Score rates each candidate type in [0, 1] by how many of its keywords
// appear in the message.
func (s *KeywordScorer) Score(_ context.Context, message string, types []string) (map[string]float64, error) {
	lower := strings.ToLower(message)
	scores := make(map[string]float64, len(types))
	for _, t := range types {
		terms := append([]string{t}, s.keywords[t]...)
		hits := 0
		for _, term := range terms {
			if term != "" && strings.Contains(lower, strings.ToLower(term)) {
				hits++
			}
		}
		scores[t] = float64(hits) / float64(len(terms))
	}
	return scores, nil
}
