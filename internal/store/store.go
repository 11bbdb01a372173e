// Package store provides the storage interface and implementations for the
// Conductor control plane. The in-memory store backs local dev and tests;
// the Postgres store backs production.
package store

import (
	"context"

	"github.com/conductorhq/conductor/pkg/models"
)

// Store is the primary storage interface. All service code depends on this
// interface, so swapping between in-memory (tests) and PostgreSQL
// (production) implementations is a wiring change only.
type Store interface {
	AccountStore
	InstanceSpecStore
	BindingStore
	MigrationStore
	DecisionStore
	ConversationStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Accounts ────────────────────────────────────────────────

type AccountStore interface {
	GetAccountBySlug(ctx context.Context, slug string) (*models.Account, error)
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	CreateAccount(ctx context.Context, account *models.Account) error
	UpdateAccount(ctx context.Context, account *models.Account) error
	ListAccounts(ctx context.Context) ([]models.Account, error)
}

// ── Instance specs ──────────────────────────────────────────

// InstanceSpecStore keeps the provisioned instance descriptors, keyed by
// (account, agent type, instance name).
type InstanceSpecStore interface {
	UpsertInstanceSpec(ctx context.Context, spec *models.InstanceSpec) error
	GetInstanceSpec(ctx context.Context, accountID, agentType, instanceName string) (*models.InstanceSpec, error)
	ListInstanceSpecs(ctx context.Context, accountID string) ([]models.InstanceSpec, error)
	ListInstanceSpecsByType(ctx context.Context, accountID, agentType string) ([]models.InstanceSpec, error)
	DeleteInstanceSpec(ctx context.Context, accountID, agentType, instanceName string) error
}

// ── Bindings ────────────────────────────────────────────────

// BindingStore tracks each account's active vector store binding. The
// binding flip at the end of a migration goes through SetActiveBinding and
// is the single atomic switch point.
type BindingStore interface {
	GetActiveBinding(ctx context.Context, accountID string) (*models.VectorStoreBinding, error)
	SetActiveBinding(ctx context.Context, accountID string, binding models.VectorStoreBinding) error
}

// ── Migrations ──────────────────────────────────────────────

type MigrationStore interface {
	CreateMigration(ctx context.Context, m *models.Migration) error
	GetMigration(ctx context.Context, id string) (*models.Migration, error)
	UpdateMigration(ctx context.Context, m *models.Migration) error
	// ActiveMigration returns the pending or running migration for the
	// account, or a NotFoundError when none is in flight.
	ActiveMigration(ctx context.Context, accountID string) (*models.Migration, error)
	// PendingMigrations returns every pending or running migration across
	// accounts, oldest first, so interrupted copies resume after a restart.
	PendingMigrations(ctx context.Context) ([]models.Migration, error)
	ListMigrations(ctx context.Context, accountID string) ([]models.Migration, error)
}

// ── Routing decisions ───────────────────────────────────────

// DecisionStore is append-only: decisions are never updated or deleted.
type DecisionStore interface {
	AppendDecision(ctx context.Context, d *models.RoutingDecision) error
	ListDecisions(ctx context.Context, accountID, conversationID string, limit int) ([]models.RoutingDecision, error)
}

// ── Conversations ───────────────────────────────────────────

type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	CreateConversation(ctx context.Context, c *models.Conversation) error
	UpdateConversation(ctx context.Context, c *models.Conversation) error

	GetContext(ctx context.Context, conversationID string) (*models.ConversationContext, error)
	// AppendTurn assigns the next sequence number and appends the turn.
	// Turns are never reordered or deleted.
	AppendTurn(ctx context.Context, conversationID string, turn models.Turn) (models.Turn, error)
	UpdateSummary(ctx context.Context, conversationID, summary string) error
}
