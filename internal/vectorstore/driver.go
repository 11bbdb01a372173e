// Package vectorstore provides the vector storage backends and the
// tier-driven router that assigns each account a binding.
//
// All backends implement the one Driver interface; nothing outside this
// package branches on the backend kind. Migration between backends moves
// through the same interface via Export/Import.
package vectorstore

import (
	"context"

	"github.com/conductorhq/conductor/pkg/models"
)

// Driver is the single interface over all vector storage backends.
type Driver interface {
	// Kind returns the backend identifier.
	Kind() models.BackendKind

	// Upsert writes documents into the binding's index/namespace.
	Upsert(ctx context.Context, binding models.VectorStoreBinding, docs []models.VectorDoc) error

	// Query returns the topK ranked matches for the vector, optionally
	// filtered by metadata equality.
	Query(ctx context.Context, binding models.VectorStoreBinding, vector []float32, topK int, filter map[string]string) ([]models.SearchResult, error)

	// Delete removes documents by ID.
	Delete(ctx context.Context, binding models.VectorStoreBinding, ids []string) error

	// Count returns the number of documents under the binding.
	Count(ctx context.Context, binding models.VectorStoreBinding) (int, error)

	// Export reads up to limit documents after the cursor, in a stable
	// order, and returns the next cursor ("" when exhausted). Used by
	// migrations; re-reading from the same cursor yields the same batch.
	Export(ctx context.Context, binding models.VectorStoreBinding, cursor string, limit int) ([]models.VectorDoc, string, error)

	// Import writes exported documents, preserving IDs. Idempotent:
	// re-importing a batch overwrites rather than duplicates.
	Import(ctx context.Context, binding models.VectorStoreBinding, docs []models.VectorDoc) error

	// DeleteAll removes every document under the binding. Used for
	// best-effort source cleanup after a completed migration.
	DeleteAll(ctx context.Context, binding models.VectorStoreBinding) error

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error
}
