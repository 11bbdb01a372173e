// Package resolver maps external tenant slugs to internal account identities.
//
// Resolution is a pure lookup with a short-TTL cache in front of the store,
// so account deactivation takes effect within the cache window. Unknown and
// inactive accounts are caller mistakes and surface immediately; they are
// never retried.
package resolver

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"

	"github.com/conductorhq/conductor/internal/store"
	"github.com/conductorhq/conductor/pkg/models"
)

// Resolver resolves account slugs against the store with a TTL cache.
type Resolver struct {
	store store.Store
	cache *expirable.LRU[string, *models.Account]
	ttl   time.Duration
}

// New creates a resolver. ttl bounds how long a deactivated or re-tiered
// account can still be served from cache.
func New(s store.Store, size int, ttl time.Duration) *Resolver {
	if size <= 0 {
		size = 4096
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Resolver{
		store: s,
		cache: expirable.NewLRU[string, *models.Account](size, nil, ttl),
		ttl:   ttl,
	}
}

// Resolve returns the account for slug. Returns a NotFoundError for unknown
// slugs and an InactiveError for deactivated accounts. Inactive accounts are
// not cached, so reactivation is visible immediately.
func (r *Resolver) Resolve(ctx context.Context, slug string) (*models.Account, error) {
	if a, ok := r.cache.Get(slug); ok {
		if !a.Active {
			return nil, &models.InactiveError{Slug: slug}
		}
		return a, nil
	}

	a, err := r.store.GetAccountBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if !a.Active {
		return nil, &models.InactiveError{Slug: slug}
	}

	r.cache.Add(slug, a)
	log.Debug().Str("slug", slug).Str("account", a.ID).Str("tier", string(a.Tier)).Msg("Account resolved")
	return a, nil
}

// Invalidate drops a slug from the cache. Called after admin updates so
// tier and deactivation changes apply without waiting out the TTL.
func (r *Resolver) Invalidate(slug string) {
	r.cache.Remove(slug)
}
