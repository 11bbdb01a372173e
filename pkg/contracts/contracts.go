// Package contracts defines the service interfaces at the boundary of the
// Conductor core. Document extraction, UI, email/CRM connectors, and the
// language model itself live behind these contracts; the core depends only
// on the interfaces, never on a concrete collaborator.
package contracts

import (
	"context"

	"github.com/conductorhq/conductor/pkg/models"
)

// ── Completion / generation ─────────────────────────────────

// Message is one chat message sent to the completion service.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// CompletionRequest is a prompt plus generation configuration.
type CompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// CompletionResponse is the generated text plus token accounting.
type CompletionResponse struct {
	Content          string `json:"content"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// CompletionService produces a response for a prompt, optionally as an
// incremental stream. Its internals are out of scope for the core.
type CompletionService interface {
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// CompleteStream invokes onDelta for each incremental chunk. A client
	// disconnect cancels ctx and therefore only the generation step; any
	// routing decision already recorded stands.
	CompleteStream(ctx context.Context, req *CompletionRequest, onDelta func(delta string) error) (*CompletionResponse, error)
}

// ── Embeddings ──────────────────────────────────────────────

// EmbeddingDriver turns text into vectors. Registered by name in the
// embedding registry.
type EmbeddingDriver interface {
	Kind() string
	Dimensions() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	HealthCheck(ctx context.Context) error
}

// ── Vector similarity ───────────────────────────────────────

// SimilarityService returns ranked matches for an embedding against a
// binding. It behaves identically regardless of the backend kind behind
// the binding.
type SimilarityService interface {
	Query(ctx context.Context, binding models.VectorStoreBinding, vector []float32, topK int, filter map[string]string) ([]models.SearchResult, error)
}

// ── Document/content pipeline ───────────────────────────────

// DocumentIndexer consumes already-extracted text+metadata and indexes it
// into the account's current binding, returning how many documents landed.
// Extraction itself is out of scope.
type DocumentIndexer interface {
	Index(ctx context.Context, accountSlug string, req *models.IndexRequest) (int, error)
}

// ── Intent scoring ──────────────────────────────────────────

// IntentScorer scores a message against a set of agent types, returning a
// score in [0,1] per type. The classification model behind it is supplied,
// not defined, by the core.
type IntentScorer interface {
	Score(ctx context.Context, message string, types []string) (map[string]float64, error)
}

// ── Conversation summaries ──────────────────────────────────

// Summarizer condenses prior turns into a bounded digest used to brief a
// newly handed-off instance.
type Summarizer interface {
	Summarize(ctx context.Context, turns []models.Turn, priorSummary string) (string, error)
}

// ── Notification sinks ──────────────────────────────────────

// NotificationSink is invoked fire-and-forget after a routing decision.
// Sinks provide no ordering guarantee back into the core; failures are
// logged, never propagated.
type NotificationSink interface {
	Name() string
	Notify(ctx context.Context, decision *models.RoutingDecision) error
}
