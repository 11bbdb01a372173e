package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/conductorhq/conductor/pkg/contracts"
	"github.com/conductorhq/conductor/pkg/models"
)

const summarizePrompt = `Condense the conversation below into a short briefing for the
agent taking over. Keep user intent, decisions made, and open items.
Stay under 150 words.

Prior summary:
%s

Recent turns:
%s`

// LLMSummarizer produces the rolling handoff summary with a completion
// model.
type LLMSummarizer struct {
	completion contracts.CompletionService
	model      string
}

func NewLLMSummarizer(completion contracts.CompletionService, model string) *LLMSummarizer {
	return &LLMSummarizer{completion: completion, model: model}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, turns []models.Turn, priorSummary string) (string, error) {
	var b strings.Builder
	for _, t := range turns {
		b.WriteString(t.Role)
		b.WriteString(": ")
		b.WriteString(t.Content)
		b.WriteString("\n")
	}
	if priorSummary == "" {
		priorSummary = "(none)"
	}

	resp, err := s.completion.Complete(ctx, &contracts.CompletionRequest{
		Model:       s.model,
		Messages:    []contracts.Message{{Role: "user", Content: fmt.Sprintf(summarizePrompt, priorSummary, b.String())}},
		MaxTokens:   300,
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}
