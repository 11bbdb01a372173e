package vectorstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/conductorhq/conductor/internal/store"
	"github.com/conductorhq/conductor/pkg/models"
)

// Migrator copies vector data between backends in checkpointed batches.
// After each batch it persists the migration's cursor, so a crash or
// restart resumes from the last committed checkpoint instead of starting
// over. Import is idempotent on document ID, which makes re-copying the
// in-flight batch after a resume harmless.
type Migrator struct {
	store     store.Store
	router    *Router
	batchSize int
	interval  time.Duration

	wake chan struct{}
	wg   sync.WaitGroup
}

func NewMigrator(st store.Store, router *Router, batchSize int, interval time.Duration) *Migrator {
	if batchSize <= 0 {
		batchSize = 500
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Migrator{
		store:     st,
		router:    router,
		batchSize: batchSize,
		interval:  interval,
		wake:      make(chan struct{}, 1),
	}
}

// Start launches the background worker. It immediately picks up any
// migrations left pending or running by a previous process, then services
// new work on each wake or tick. Cancel ctx to stop; Wait blocks until the
// worker drains.
func (w *Migrator) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		w.sweep(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.wake:
				w.sweep(ctx)
			case <-ticker.C:
				w.sweep(ctx)
			}
		}
	}()
}

// Wait blocks until the worker goroutine exits.
func (w *Migrator) Wait() { w.wg.Wait() }

// Kick nudges the worker without waiting for the next tick. Safe to call
// from request handlers; never blocks.
func (w *Migrator) Kick() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Migrator) sweep(ctx context.Context) {
	pending, err := w.store.PendingMigrations(ctx)
	if err != nil {
		log.Error().Err(err).Msg("migration sweep: list pending")
		return
	}
	for i := range pending {
		if ctx.Err() != nil {
			return
		}
		m := pending[i]
		if err := w.Run(ctx, &m); err != nil {
			log.Error().Err(err).Str("migration", m.ID).Str("account", m.AccountID).
				Str("cursor", m.Cursor).Msg("migration attempt failed")
		}
	}
}

// Run executes one migration to completion: copy batches from the source
// with the persisted cursor, import into the destination, checkpoint, and
// finally flip the account's active binding. The flip happens exactly once,
// after the copy is verified; source cleanup afterwards is best effort and
// never un-flips.
func (w *Migrator) Run(ctx context.Context, m *models.Migration) error {
	source, err := w.router.Driver(m.From.Kind)
	if err != nil {
		return w.fail(ctx, m, err)
	}
	dest, err := w.router.Driver(m.To.Kind)
	if err != nil {
		return w.fail(ctx, m, err)
	}

	if m.State == models.MigrationPending {
		count, err := source.Count(ctx, m.From)
		if err != nil {
			return w.fail(ctx, m, err)
		}
		m.SourceCount = count
		m.State = models.MigrationRunning
		m.LastError = ""
		if err := w.store.UpdateMigration(ctx, m); err != nil {
			return err
		}
		log.Info().Str("migration", m.ID).Int("source_count", count).Msg("migration started")
	}

	for {
		if err := ctx.Err(); err != nil {
			// Shutdown mid-copy: leave the record running at the last
			// checkpoint. The next sweep resumes it.
			return &models.MigrationError{MigrationID: m.ID, Cursor: m.Cursor, Err: err}
		}

		docs, next, err := source.Export(ctx, m.From, m.Cursor, w.batchSize)
		if err != nil {
			return w.fail(ctx, m, err)
		}
		if len(docs) > 0 {
			for i := range docs {
				docs[i].Namespace = m.To.Namespace
			}
			if err := dest.Import(ctx, m.To, docs); err != nil {
				return w.fail(ctx, m, err)
			}
			m.Copied += len(docs)
		}
		m.Cursor = next
		if err := w.store.UpdateMigration(ctx, m); err != nil {
			return err
		}
		if next == "" {
			break
		}
	}

	copied, err := dest.Count(ctx, m.To)
	if err != nil {
		return w.fail(ctx, m, err)
	}
	if copied < m.SourceCount {
		return w.fail(ctx, m, &models.MigrationError{
			MigrationID: m.ID,
			Cursor:      m.Cursor,
			Err:         countMismatchError{expected: m.SourceCount, got: copied},
		})
	}

	if err := w.store.SetActiveBinding(ctx, m.AccountID, m.To); err != nil {
		return w.fail(ctx, m, err)
	}

	now := time.Now().UTC()
	m.State = models.MigrationCompleted
	m.CompletedAt = &now
	m.LastError = ""
	if err := w.store.UpdateMigration(ctx, m); err != nil {
		return err
	}
	log.Info().Str("migration", m.ID).Str("account", m.AccountID).Int("copied", m.Copied).
		Str("to", string(m.To.Kind)).Msg("migration completed, binding flipped")

	// Source cleanup after the flip is best effort. Leftover source data
	// is unreferenced, not incorrect.
	if err := source.DeleteAll(ctx, m.From); err != nil {
		log.Warn().Err(err).Str("migration", m.ID).Msg("source cleanup failed")
	}
	return nil
}

// Resume re-queues a failed migration from its last checkpoint.
func (w *Migrator) Resume(ctx context.Context, id string) (*models.Migration, error) {
	m, err := w.store.GetMigration(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.State != models.MigrationFailed {
		return m, nil
	}
	m.State = models.MigrationRunning
	m.LastError = ""
	if err := w.store.UpdateMigration(ctx, m); err != nil {
		return nil, err
	}
	w.Kick()
	return m, nil
}

func (w *Migrator) fail(ctx context.Context, m *models.Migration, cause error) error {
	m.State = models.MigrationFailed
	m.LastError = cause.Error()
	if err := w.store.UpdateMigration(ctx, m); err != nil {
		log.Error().Err(err).Str("migration", m.ID).Msg("persist failed state")
	}
	return &models.MigrationError{MigrationID: m.ID, Cursor: m.Cursor, Err: cause}
}

type countMismatchError struct {
	expected, got int
}

func (e countMismatchError) Error() string {
	return fmt.Sprintf("destination count %d below source count %d", e.got, e.expected)
}
