// Package models defines the core data model for the Conductor control plane:
// accounts, agent templates and instances, vector store bindings, routing
// decisions, and conversation state.
package models

import (
	"encoding/json"
	"time"
)

// ── Accounts (tenancy boundary) ─────────────────────────────

// Tier is an account's subscription tier. The tier determines which
// vector store backend the account's instances are bound to.
type Tier string

const (
	TierBudget       Tier = "budget"
	TierStandard     Tier = "standard"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierBudget, TierStandard, TierProfessional, TierEnterprise:
		return true
	}
	return false
}

// Account is an isolated tenant. Identity and slug are immutable once
// created; only the tier and the active flag may change. A tier change
// triggers a vector store migration.
type Account struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	Tier      Tier      `json:"tier"`
	Active    bool      `json:"active"`
	Routing   Routing   `json:"routing"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Routing holds the per-account routing configuration. Threshold and type
// priority are account-level parameters, not platform constants.
type Routing struct {
	// Threshold is the minimum classifier confidence required to route
	// directly to the top-scored type. Below it the router falls back.
	Threshold float64 `json:"threshold"`

	// FallbackType is the designated general-purpose agent type used
	// whenever classification cannot pick a provisioned specialist.
	FallbackType string `json:"fallback_type"`

	// TypePriority breaks confidence ties: earlier entries outrank later
	// ones, so more specific types should be listed first.
	TypePriority []string `json:"type_priority,omitempty"`
}

// DefaultThreshold is used when an account does not configure one.
const DefaultThreshold = 0.6

// DefaultFallbackType is used when an account does not configure one.
const DefaultFallbackType = "general"

// EffectiveThreshold returns the configured threshold or the default.
func (r Routing) EffectiveThreshold() float64 {
	if r.Threshold > 0 {
		return r.Threshold
	}
	return DefaultThreshold
}

// EffectiveFallbackType returns the configured fallback type or the default.
func (r Routing) EffectiveFallbackType() string {
	if r.FallbackType != "" {
		return r.FallbackType
	}
	return DefaultFallbackType
}

// ── Agent templates ─────────────────────────────────────────

// AgentTemplate is a named, versioned blueprint for an agent type. Templates
// are owned by platform configuration and are read-only at request time.
type AgentTemplate struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`

	// ConfigSchema is a JSON Schema document. Merged template+override
	// configurations are validated against it at construction time.
	ConfigSchema json.RawMessage `json:"config_schema,omitempty"`

	// Defaults is the template's default configuration, merged under
	// per-instance overrides.
	Defaults map[string]any `json:"defaults,omitempty"`

	Capabilities []string `json:"capabilities,omitempty"`
	Tools        []string `json:"tools,omitempty"`

	// Selector is an optional expr program evaluated against an incoming
	// query to decide whether an instance built from this template can
	// serve it (e.g. `hasTool("search") && "medical" in capabilities`).
	Selector string `json:"selector,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Ref returns the canonical "name@version" reference for the template.
func (t *AgentTemplate) Ref() string {
	return t.Name + "@" + t.Version
}

// ── Agent instances ─────────────────────────────────────────

// AgentInstance is a concrete, account-owned runtime unit built from a
// template. The AccountID is immutable; instances are never shared across
// accounts even when template and name collide.
type AgentInstance struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Type      string `json:"type"`
	Name      string `json:"name"`

	TemplateName    string `json:"template_name"`
	TemplateVersion string `json:"template_version"`

	// Fingerprint is the sha256 of the merged configuration. A config edit
	// produces a new fingerprint and therefore a new cache key.
	Fingerprint string `json:"fingerprint"`

	Config       map[string]any     `json:"config,omitempty"`
	Capabilities []string           `json:"capabilities,omitempty"`
	Tools        []string           `json:"tools,omitempty"`
	Binding      VectorStoreBinding `json:"binding"`

	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
}

// InstanceSpec is the provisioned, persisted description of an instance:
// which template it is built from and which overrides apply. The factory
// turns a spec into a live AgentInstance on first use.
type InstanceSpec struct {
	AccountID    string         `json:"account_id"`
	AgentType    string         `json:"agent_type"`
	InstanceName string         `json:"instance_name"`
	TemplateRef  string         `json:"template_ref"`
	Overrides    map[string]any `json:"overrides,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at,omitempty"`
}

// ── Vector store bindings ───────────────────────────────────

// BackendKind identifies a vector store backend variant.
type BackendKind string

const (
	// BackendPgvector is a Postgres table scoped to one account (budget tier).
	BackendPgvector BackendKind = "pgvector-table"
	// BackendShared is a shared managed index partitioned by an
	// account+instance namespace (standard/professional tiers).
	BackendShared BackendKind = "shared-namespace"
	// BackendDedicated is a dedicated managed index per account (enterprise).
	BackendDedicated BackendKind = "dedicated-index"
	// BackendEmbedded is the in-memory store used for dev and tests.
	BackendEmbedded BackendKind = "embedded"
)

// VectorStoreBinding describes the concrete backend and location assigned to
// one (account, instance) pair. It is re-derived whenever the tier changes.
type VectorStoreBinding struct {
	Kind BackendKind `json:"kind"`

	// Index is the table name (pgvector) or index name (managed backends).
	Index string `json:"index"`

	// Namespace partitions a shared index; empty for dedicated backends.
	Namespace string `json:"namespace,omitempty"`

	AccountID string `json:"account_id"`
}

// Equal reports whether two bindings refer to the same backend location.
func (b VectorStoreBinding) Equal(o VectorStoreBinding) bool {
	return b.Kind == o.Kind && b.Index == o.Index && b.Namespace == o.Namespace && b.AccountID == o.AccountID
}

// ── Vector documents ────────────────────────────────────────

// VectorDoc is one embedded document in a vector store.
type VectorDoc struct {
	ID        string            `json:"id"`
	AccountID string            `json:"account_id"`
	Namespace string            `json:"namespace,omitempty"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Vector    []float32         `json:"vector"`
	CreatedAt time.Time         `json:"created_at"`
}

// SearchResult is one ranked match from a similarity query.
type SearchResult struct {
	Doc   VectorDoc `json:"doc"`
	Score float64   `json:"score"`
}

// ── Routing decisions (audit log) ───────────────────────────

// FallbackReason distinguishes why the router fell back, for observability.
type FallbackReason string

const (
	FallbackNone          FallbackReason = ""
	FallbackConfidence    FallbackReason = "confidence"
	FallbackDeadline      FallbackReason = "deadline"
	FallbackUnprovisioned FallbackReason = "unprovisioned"
	FallbackUnavailable   FallbackReason = "unavailable"
)

// RoutingDecision is one append-only audit record. Decisions are never
// rewritten, even when the downstream generation step is cancelled.
type RoutingDecision struct {
	ID             string         `json:"id"`
	AccountID      string         `json:"account_id"`
	ConversationID string         `json:"conversation_id"`
	InstanceID     string         `json:"instance_id"`
	ChosenType     string         `json:"chosen_type"`
	Confidence     float64        `json:"confidence"`
	UsedFallback   bool           `json:"used_fallback"`
	FallbackReason FallbackReason `json:"fallback_reason,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ── Conversations ───────────────────────────────────────────

// ConversationState is the handoff state machine state.
type ConversationState string

const (
	ConversationActive  ConversationState = "active"
	ConversationHandoff ConversationState = "handoff"
	ConversationClosed  ConversationState = "closed"
)

// Conversation tracks which instance is currently responsible for a
// conversation, plus the in-flight handoff endpoints while transferring.
type Conversation struct {
	ID        string            `json:"id"`
	AccountID string            `json:"account_id"`
	State     ConversationState `json:"state"`

	ActiveInstanceID string `json:"active_instance_id,omitempty"`
	ActiveType       string `json:"active_type,omitempty"`

	// HandoffFrom/HandoffTo are set only while State == ConversationHandoff.
	HandoffFrom string `json:"handoff_from,omitempty"`
	HandoffTo   string `json:"handoff_to,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Turn is one entry in a conversation's ordered context log. Seq is strictly
// increasing per conversation and never reordered or deleted.
type Turn struct {
	Seq        int       `json:"seq"`
	Role       string    `json:"role"` // "user" or "agent"
	InstanceID string    `json:"instance_id,omitempty"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// ConversationContext is the ordered turn log plus the bounded rolling
// summary used to brief a newly handed-off instance.
type ConversationContext struct {
	ConversationID string `json:"conversation_id"`
	AccountID      string `json:"account_id"`
	Turns          []Turn `json:"turns"`
	Summary        string `json:"summary,omitempty"`
	NextSeq        int    `json:"next_seq"`
}

// ── Migrations ──────────────────────────────────────────────

// MigrationState is the lifecycle state of a vector store migration.
type MigrationState string

const (
	MigrationPending   MigrationState = "pending"
	MigrationRunning   MigrationState = "running"
	MigrationCompleted MigrationState = "completed"
	MigrationFailed    MigrationState = "failed"
)

// Migration is the persisted, resumable record of a tier-driven vector data
// move. Cursor is the last committed checkpoint; re-running a failed
// migration resumes from it instead of re-copying from scratch.
type Migration struct {
	ID        string             `json:"id"`
	AccountID string             `json:"account_id"`
	From      VectorStoreBinding `json:"from"`
	To        VectorStoreBinding `json:"to"`
	State     MigrationState     `json:"state"`

	Cursor      string `json:"cursor,omitempty"`
	Copied      int    `json:"copied"`
	SourceCount int    `json:"source_count"`
	LastError   string `json:"last_error,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ── API request/response shapes ─────────────────────────────

// ChatRequest is the inbound front-door request.
type ChatRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`

	// ExplicitAgentType skips classification when the caller pins a type.
	ExplicitAgentType string `json:"explicit_agent_type,omitempty"`
}

// ChatResponse carries the generated reply plus routing metadata.
type ChatResponse struct {
	ConversationID string         `json:"conversation_id"`
	Reply          string         `json:"reply"`
	InstanceID     string         `json:"instance_id"`
	ChosenType     string         `json:"chosen_type"`
	Confidence     float64        `json:"confidence"`
	UsedFallback   bool           `json:"used_fallback"`
	FallbackReason FallbackReason `json:"fallback_reason,omitempty"`

	// Degraded is set when backend retries exhausted and the reply came
	// from a keyword-only or cached-context path.
	Degraded bool `json:"degraded,omitempty"`
}

// ProvisionRequest is the admin request to provision or update an instance.
type ProvisionRequest struct {
	AgentType    string         `json:"agent_type"`
	InstanceName string         `json:"instance_name"`
	TemplateRef  string         `json:"template_ref"`
	Overrides    map[string]any `json:"overrides,omitempty"`
}

// IndexRequest delivers already-extracted text+metadata for indexing.
type IndexRequest struct {
	InstanceName string            `json:"instance_name"`
	AgentType    string            `json:"agent_type"`
	Documents    []IndexedDocument `json:"documents"`
}

// IndexedDocument is one pre-extracted document to embed and upsert.
type IndexedDocument struct {
	ID       string            `json:"id,omitempty"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
