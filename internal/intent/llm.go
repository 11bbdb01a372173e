package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/conductorhq/conductor/pkg/contracts"
)

const classifyPrompt = `You are an intent classifier for a multi-agent support system.
Given a user message and a list of agent types, rate how well each type fits
the message on a scale from 0.0 to 1.0.
Respond with a single JSON object mapping each type to its score and nothing else.

Agent types: %s

User message: %s`

// LLMScorer classifies intent with a completion model. The model returns a
// JSON score map; anything unparseable is an error so the caller can fall
// back to the keyword scorer.
type LLMScorer struct {
	completion contracts.CompletionService
	model      string
}

func NewLLMScorer(completion contracts.CompletionService, model string) *LLMScorer {
	return &LLMScorer{completion: completion, model: model}
}

func (s *LLMScorer) Score(ctx context.Context, message string, types []string) (map[string]float64, error) {
	prompt := fmt.Sprintf(classifyPrompt, strings.Join(types, ", "), message)
	resp, err := s.completion.Complete(ctx, &contracts.CompletionRequest{
		Model:       s.model,
		Messages:    []contracts.Message{{Role: "user", Content: prompt}},
		MaxTokens:   256,
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}

	raw := strings.TrimSpace(resp.Content)
	// Models wrap JSON in fences often enough to strip them here.
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var scores map[string]float64
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &scores); err != nil {
		return nil, fmt.Errorf("classify: decode scores: %w", err)
	}
	for t, v := range scores {
		if v < 0 {
			scores[t] = 0
		} else if v > 1 {
			scores[t] = 1
		}
	}
	return scores, nil
}
