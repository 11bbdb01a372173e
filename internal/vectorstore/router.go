package vectorstore

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/conductorhq/conductor/internal/store"
	"github.com/conductorhq/conductor/pkg/models"
)

// SharedIndexName is the managed index shared by standard and professional
// tier accounts, each under its own namespace.
const SharedIndexName = "conductor-shared"

// Router maps accounts to vector store backends by tier and routes
// reads/writes through the account's active binding. Tier changes do not
// reroute immediately: the active binding flips only when a migration
// finishes copying, so queries keep hitting the old backend until then.
type Router struct {
	store   store.Store
	drivers map[models.BackendKind]Driver

	// embeddedFallback lets tiers whose backend driver is not registered
	// degrade to the embedded in-memory backend instead of failing.
	embeddedFallback bool

	breakers map[models.BackendKind]*gobreaker.CircuitBreaker
}

func NewRouter(st store.Store) *Router {
	return &Router{
		store:    st,
		drivers:  make(map[models.BackendKind]Driver),
		breakers: make(map[models.BackendKind]*gobreaker.CircuitBreaker),
	}
}

// Register installs a driver for its backend kind. Not safe for concurrent
// use; call during startup only.
func (r *Router) Register(d Driver) {
	kind := d.Kind()
	r.drivers[kind] = d
	r.breakers[kind] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(kind),
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("backend", name).Str("from", from.String()).Str("to", to.String()).
				Msg("vector backend breaker state change")
		},
	})
	log.Info().Str("kind", string(kind)).Msg("vector store driver registered")
}

// AllowEmbeddedFallback opts in to degrading unregistered backend kinds to
// the embedded in-memory backend. Meant for single-process dev deployments;
// production leaves it off so a misconfigured driver surfaces as
// BackendUnavailableError instead of silently binding tenant vectors to
// process memory. Call during startup only, like Register.
func (r *Router) AllowEmbeddedFallback() {
	r.embeddedFallback = true
}

// Driver returns the driver for a backend kind.
func (r *Router) Driver(kind models.BackendKind) (Driver, error) {
	d, ok := r.drivers[kind]
	if !ok {
		return nil, &models.NotFoundError{Entity: "vector driver", Key: string(kind)}
	}
	return d, nil
}

// errDriverNotRegistered is the cause carried by BackendUnavailableError
// when a tier's backend has no driver installed.
var errDriverNotRegistered = fmt.Errorf("no driver registered")

// DeriveBinding computes the binding an account's tier calls for. Budget
// gets an isolated pgvector table, standard and professional share one
// managed index under per-account namespaces, enterprise gets a dedicated
// managed index. A kind without a registered driver fails with
// BackendUnavailableError unless the embedded fallback is enabled.
func (r *Router) DeriveBinding(account *models.Account) (models.VectorStoreBinding, error) {
	var b models.VectorStoreBinding
	switch account.Tier {
	case models.TierBudget:
		b = models.VectorStoreBinding{
			Kind:  models.BackendPgvector,
			Index: TableName(account.ID),
		}
	case models.TierStandard, models.TierProfessional:
		b = models.VectorStoreBinding{
			Kind:      models.BackendShared,
			Index:     SharedIndexName,
			Namespace: "acct-" + account.ID,
		}
	case models.TierEnterprise:
		b = models.VectorStoreBinding{
			Kind:  models.BackendDedicated,
			Index: "conductor-" + account.ID,
		}
	default:
		b = models.VectorStoreBinding{
			Kind:      models.BackendEmbedded,
			Index:     "embedded",
			Namespace: account.ID,
		}
	}
	if _, ok := r.drivers[b.Kind]; !ok {
		if !r.embeddedFallback {
			return models.VectorStoreBinding{}, &models.BackendUnavailableError{Kind: b.Kind, Err: errDriverNotRegistered}
		}
		log.Warn().Str("account", account.ID).Str("kind", string(b.Kind)).
			Msg("backend driver missing, degrading to embedded")
		b = models.VectorStoreBinding{
			Kind:      models.BackendEmbedded,
			Index:     "embedded",
			Namespace: account.ID,
		}
	}
	b.AccountID = account.ID
	return b, nil
}

// Binding returns the account's active binding, provisioning one from the
// tier on first use. Nothing is persisted when derivation fails, so the
// account binds correctly once the missing driver is configured.
func (r *Router) Binding(ctx context.Context, account *models.Account) (models.VectorStoreBinding, error) {
	existing, err := r.store.GetActiveBinding(ctx, account.ID)
	if err == nil {
		if _, ok := r.drivers[existing.Kind]; !ok && !r.embeddedFallback {
			return models.VectorStoreBinding{}, &models.BackendUnavailableError{Kind: existing.Kind, Err: errDriverNotRegistered}
		}
		return *existing, nil
	}
	if !models.IsNotFound(err) {
		return models.VectorStoreBinding{}, err
	}

	derived, err := r.DeriveBinding(account)
	if err != nil {
		return models.VectorStoreBinding{}, err
	}
	if err := r.store.SetActiveBinding(ctx, account.ID, derived); err != nil {
		return models.VectorStoreBinding{}, err
	}
	log.Info().Str("account", account.ID).Str("kind", string(derived.Kind)).
		Msg("provisioned vector store binding")
	return derived, nil
}

// PlanMigration compares the active binding with what the account's tier
// now calls for and records a pending migration when they differ. It
// returns the already-active migration if one is in flight so concurrent
// tier flips never double-migrate.
func (r *Router) PlanMigration(ctx context.Context, account *models.Account) (*models.Migration, error) {
	active, err := r.Binding(ctx, account)
	if err != nil {
		return nil, err
	}
	desired, err := r.DeriveBinding(account)
	if err != nil {
		return nil, err
	}
	if active.Equal(desired) {
		return nil, nil
	}

	if m, err := r.store.ActiveMigration(ctx, account.ID); err == nil {
		if m.To.Equal(desired) {
			return m, nil
		}
		// A stale in-flight migration targets a binding the tier no
		// longer calls for. Let it finish; the next plan pass will
		// migrate onward from its destination.
		return m, nil
	} else if !models.IsNotFound(err) {
		return nil, err
	}

	m := &models.Migration{
		ID:        uuid.NewString(),
		AccountID: account.ID,
		From:      active,
		To:        desired,
		State:     models.MigrationPending,
		StartedAt: time.Now().UTC(),
	}
	if err := r.store.CreateMigration(ctx, m); err != nil {
		return nil, err
	}
	log.Info().Str("account", account.ID).Str("migration", m.ID).
		Str("from", string(m.From.Kind)).Str("to", string(m.To.Kind)).
		Msg("vector store migration planned")
	return m, nil
}

// Upsert writes documents through the active binding. While a migration is
// copying, writes are mirrored to the destination so the final flip never
// loses documents written mid-copy.
func (r *Router) Upsert(ctx context.Context, account *models.Account, docs []models.VectorDoc) error {
	binding, err := r.Binding(ctx, account)
	if err != nil {
		return err
	}
	driver, err := r.Driver(binding.Kind)
	if err != nil {
		return err
	}
	if err := driver.Upsert(ctx, binding, docs); err != nil {
		return err
	}

	if m, err := r.store.ActiveMigration(ctx, account.ID); err == nil && m.From.Equal(binding) {
		dest, err := r.Driver(m.To.Kind)
		if err != nil {
			return nil
		}
		if err := dest.Upsert(ctx, m.To, docs); err != nil {
			log.Warn().Err(err).Str("account", account.ID).Str("migration", m.ID).
				Msg("mirror write to migration destination failed")
		}
	}
	return nil
}

// Query runs a similarity search against the active binding, with a
// circuit breaker per backend and bounded retries on transient failure.
func (r *Router) Query(ctx context.Context, binding models.VectorStoreBinding, vector []float32, topK int, filter map[string]string) ([]models.SearchResult, error) {
	driver, err := r.Driver(binding.Kind)
	if err != nil {
		return nil, err
	}
	breaker := r.breakers[binding.Kind]

	var results []models.SearchResult
	attempt := func() error {
		out, err := breaker.Execute(func() (any, error) {
			return driver.Query(ctx, binding, vector, topK, filter)
		})
		if err != nil {
			return err
		}
		results = out.([]models.SearchResult)
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(func() error {
		err := attempt()
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return backoff.Permanent(&models.BackendUnavailableError{Kind: binding.Kind, Err: err})
		}
		return err
	}, policy); err != nil {
		return nil, fmt.Errorf("vector query %s: %w", binding.Kind, err)
	}
	return results, nil
}

// DeleteAccountData drops every vector the account has in its active
// binding. Used when an account is deactivated.
func (r *Router) DeleteAccountData(ctx context.Context, account *models.Account) error {
	binding, err := r.Binding(ctx, account)
	if err != nil {
		return err
	}
	driver, err := r.Driver(binding.Kind)
	if err != nil {
		return err
	}
	return driver.DeleteAll(ctx, binding)
}

// HealthCheck pings every registered backend and returns per-kind status.
func (r *Router) HealthCheck(ctx context.Context) map[string]string {
	out := make(map[string]string, len(r.drivers))
	for kind, driver := range r.drivers {
		if err := driver.HealthCheck(ctx); err != nil {
			out[string(kind)] = err.Error()
		} else {
			out[string(kind)] = "ok"
		}
	}
	return out
}
