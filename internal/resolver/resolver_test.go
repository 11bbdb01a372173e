package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/conductorhq/conductor/internal/store"
	"github.com/conductorhq/conductor/pkg/models"
)

func newTestResolver(t *testing.T, ttl time.Duration) (*Resolver, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return New(s, 16, ttl), s
}

func seedAccount(t *testing.T, s store.Store, slug string, active bool) *models.Account {
	t.Helper()
	a := &models.Account{ID: "id-" + slug, Slug: slug, Name: slug, Tier: models.TierStandard, Active: active}
	if err := s.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return a
}

func TestResolveKnownSlug(t *testing.T) {
	r, s := newTestResolver(t, time.Minute)
	seedAccount(t, s, "acme", true)

	a, err := r.Resolve(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if a.ID != "id-acme" {
		t.Errorf("resolved %s", a.ID)
	}
}

func TestResolveUnknownSlug(t *testing.T) {
	r, _ := newTestResolver(t, time.Minute)

	_, err := r.Resolve(context.Background(), "ghost")
	if !models.IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestResolveInactiveAccount(t *testing.T) {
	r, s := newTestResolver(t, time.Minute)
	seedAccount(t, s, "dormant", false)

	_, err := r.Resolve(context.Background(), "dormant")
	if !models.IsInactive(err) {
		t.Errorf("expected InactiveError, got %v", err)
	}

	// Inactive lookups are not cached, so reactivation applies immediately.
	a, err := s.GetAccount(context.Background(), "id-dormant")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	a.Active = true
	if err := s.UpdateAccount(context.Background(), a); err != nil {
		t.Fatalf("UpdateAccount: %v", err)
	}
	if _, err := r.Resolve(context.Background(), "dormant"); err != nil {
		t.Errorf("reactivated account still rejected: %v", err)
	}
}

func TestResolveServesFromCache(t *testing.T) {
	r, s := newTestResolver(t, time.Minute)
	acct := seedAccount(t, s, "acme", true)

	if _, err := r.Resolve(context.Background(), "acme"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// Deactivate behind the cache; the stale entry keeps serving until the
	// TTL or an explicit invalidation.
	acct.Active = false
	if err := s.UpdateAccount(context.Background(), acct); err != nil {
		t.Fatalf("UpdateAccount: %v", err)
	}
	if _, err := r.Resolve(context.Background(), "acme"); err != nil {
		t.Fatalf("cached resolve: %v", err)
	}

	r.Invalidate("acme")
	if _, err := r.Resolve(context.Background(), "acme"); !models.IsInactive(err) {
		t.Errorf("invalidation did not take effect: %v", err)
	}
}

func TestResolveCacheExpires(t *testing.T) {
	r, s := newTestResolver(t, 20*time.Millisecond)
	acct := seedAccount(t, s, "acme", true)

	if _, err := r.Resolve(context.Background(), "acme"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	acct.Active = false
	if err := s.UpdateAccount(context.Background(), acct); err != nil {
		t.Fatalf("UpdateAccount: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if _, err := r.Resolve(context.Background(), "acme"); !models.IsInactive(err) {
		t.Errorf("deactivation not visible after TTL: %v", err)
	}
}
