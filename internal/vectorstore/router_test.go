package vectorstore

import (
	"context"
	"testing"

	"github.com/conductorhq/conductor/internal/store"
	"github.com/conductorhq/conductor/pkg/models"
)

func newTestRouter(t *testing.T, drivers ...Driver) (store.Store, *Router) {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	r := NewRouter(s)
	r.AllowEmbeddedFallback()
	for _, d := range drivers {
		r.Register(d)
	}
	return s, r
}

func account(id string, tier models.Tier) *models.Account {
	return &models.Account{ID: id, Slug: id, Tier: tier, Active: true}
}

func TestDeriveBindingByTier(t *testing.T) {
	_, r := newTestRouter(t, NewEmbeddedDriver())
	shared := &flakyDriver{EmbeddedDriver: NewEmbeddedDriver(), kind: models.BackendShared, importsBefore: -1}
	dedicated := &flakyDriver{EmbeddedDriver: NewEmbeddedDriver(), kind: models.BackendDedicated, importsBefore: -1}
	pg := &flakyDriver{EmbeddedDriver: NewEmbeddedDriver(), kind: models.BackendPgvector, importsBefore: -1}
	r.Register(shared)
	r.Register(dedicated)
	r.Register(pg)

	tests := []struct {
		tier      models.Tier
		kind      models.BackendKind
		index     string
		namespace string
	}{
		{models.TierBudget, models.BackendPgvector, "vectors_a1", ""},
		{models.TierStandard, models.BackendShared, SharedIndexName, "acct-a1"},
		{models.TierProfessional, models.BackendShared, SharedIndexName, "acct-a1"},
		{models.TierEnterprise, models.BackendDedicated, "conductor-a1", ""},
	}
	for _, tc := range tests {
		b, err := r.DeriveBinding(account("a1", tc.tier))
		if err != nil {
			t.Fatalf("tier %s: %v", tc.tier, err)
		}
		if b.Kind != tc.kind || b.Index != tc.index || b.Namespace != tc.namespace {
			t.Errorf("tier %s: got %+v", tc.tier, b)
		}
		if b.AccountID != "a1" {
			t.Errorf("tier %s: binding missing account", tc.tier)
		}
	}
}

func TestDeriveBindingDegradesWhenOptedIn(t *testing.T) {
	_, r := newTestRouter(t, NewEmbeddedDriver())

	b, err := r.DeriveBinding(account("a1", models.TierEnterprise))
	if err != nil {
		t.Fatalf("DeriveBinding: %v", err)
	}
	if b.Kind != models.BackendEmbedded {
		t.Errorf("expected embedded degradation, got %s", b.Kind)
	}
	if b.Namespace != "a1" {
		t.Errorf("degraded binding not scoped to account: %+v", b)
	}
}

func TestBindingFailsWithoutDriver(t *testing.T) {
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	r := NewRouter(s)
	r.Register(NewEmbeddedDriver())
	ctx := context.Background()

	_, err := r.Binding(ctx, account("a1", models.TierEnterprise))
	if !models.IsBackendUnavailable(err) {
		t.Fatalf("expected BackendUnavailableError, got %v", err)
	}
	// Nothing persisted, so the account binds correctly once the driver
	// is configured.
	if _, err := s.GetActiveBinding(ctx, "a1"); !models.IsNotFound(err) {
		t.Errorf("failed derivation persisted a binding: %v", err)
	}

	dedicated := &flakyDriver{EmbeddedDriver: NewEmbeddedDriver(), kind: models.BackendDedicated, importsBefore: -1}
	r.Register(dedicated)
	b, err := r.Binding(ctx, account("a1", models.TierEnterprise))
	if err != nil {
		t.Fatalf("Binding after driver registered: %v", err)
	}
	if b.Kind != models.BackendDedicated {
		t.Errorf("binding kind = %s, want dedicated", b.Kind)
	}
}

func TestBindingRejectsStaleKindWithoutDriver(t *testing.T) {
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	r := NewRouter(s)
	r.Register(NewEmbeddedDriver())
	ctx := context.Background()

	stale := models.VectorStoreBinding{Kind: models.BackendShared, Index: SharedIndexName, Namespace: "acct-a1", AccountID: "a1"}
	if err := s.SetActiveBinding(ctx, "a1", stale); err != nil {
		t.Fatalf("SetActiveBinding: %v", err)
	}

	_, err := r.Binding(ctx, account("a1", models.TierStandard))
	if !models.IsBackendUnavailable(err) {
		t.Errorf("binding with an unregistered kind should be unavailable, got %v", err)
	}
}

func TestBindingProvisionsOnFirstUse(t *testing.T) {
	s, r := newTestRouter(t, NewEmbeddedDriver())
	ctx := context.Background()
	acct := account("a1", models.TierStandard)

	b, err := r.Binding(ctx, acct)
	if err != nil {
		t.Fatalf("Binding: %v", err)
	}

	persisted, err := s.GetActiveBinding(ctx, "a1")
	if err != nil {
		t.Fatalf("binding not persisted: %v", err)
	}
	if !persisted.Equal(b) {
		t.Errorf("persisted %+v, returned %+v", persisted, b)
	}

	again, err := r.Binding(ctx, acct)
	if err != nil {
		t.Fatalf("Binding second call: %v", err)
	}
	if !again.Equal(b) {
		t.Errorf("binding not stable across calls: %+v", again)
	}
}

func TestTierChangeKeepsOldBindingUntilMigrated(t *testing.T) {
	s, r := newTestRouter(t, NewEmbeddedDriver())
	shared := &flakyDriver{EmbeddedDriver: NewEmbeddedDriver(), kind: models.BackendShared, importsBefore: -1}
	r.Register(shared)
	ctx := context.Background()

	// An earlier embedded-era binding, now out of line with the tier.
	acct := account("a1", models.TierStandard)
	old := models.VectorStoreBinding{Kind: models.BackendEmbedded, Index: "embedded", Namespace: "a1", AccountID: "a1"}
	if err := s.SetActiveBinding(ctx, "a1", old); err != nil {
		t.Fatalf("SetActiveBinding: %v", err)
	}

	m, err := r.PlanMigration(ctx, acct)
	if err != nil {
		t.Fatalf("PlanMigration: %v", err)
	}
	if m == nil {
		t.Fatal("expected a migration plan")
	}
	if m.State != models.MigrationPending {
		t.Errorf("migration state = %s", m.State)
	}
	if !m.From.Equal(old) {
		t.Errorf("migration source = %+v, want the old binding", m.From)
	}

	active, err := r.Binding(ctx, acct)
	if err != nil {
		t.Fatalf("Binding after plan: %v", err)
	}
	if !active.Equal(old) {
		t.Error("planning a migration flipped the active binding early")
	}
}

func TestPlanMigrationIdempotent(t *testing.T) {
	s, r := newTestRouter(t, NewEmbeddedDriver())
	shared := &flakyDriver{EmbeddedDriver: NewEmbeddedDriver(), kind: models.BackendShared, importsBefore: -1}
	r.Register(shared)
	ctx := context.Background()

	acct := account("a1", models.TierStandard)
	old := models.VectorStoreBinding{Kind: models.BackendEmbedded, Index: "embedded", Namespace: "a1", AccountID: "a1"}
	if err := s.SetActiveBinding(ctx, "a1", old); err != nil {
		t.Fatalf("SetActiveBinding: %v", err)
	}

	first, err := r.PlanMigration(ctx, acct)
	if err != nil {
		t.Fatalf("PlanMigration: %v", err)
	}
	second, err := r.PlanMigration(ctx, acct)
	if err != nil {
		t.Fatalf("PlanMigration repeat: %v", err)
	}
	if first == nil || second == nil || first.ID != second.ID {
		t.Fatalf("repeated planning created a second migration: %v vs %v", first, second)
	}
}

func TestPlanMigrationNoopWhenAligned(t *testing.T) {
	_, r := newTestRouter(t, NewEmbeddedDriver())
	ctx := context.Background()

	acct := account("a1", models.TierStandard)
	if _, err := r.Binding(ctx, acct); err != nil {
		t.Fatalf("Binding: %v", err)
	}
	m, err := r.PlanMigration(ctx, acct)
	if err != nil {
		t.Fatalf("PlanMigration: %v", err)
	}
	if m != nil {
		t.Errorf("unexpected migration when binding already matches tier: %+v", m)
	}
}

func TestUpsertMirrorsDuringMigration(t *testing.T) {
	s, r := newTestRouter(t, NewEmbeddedDriver())
	shared := &flakyDriver{EmbeddedDriver: NewEmbeddedDriver(), kind: models.BackendShared, importsBefore: -1}
	r.Register(shared)
	ctx := context.Background()

	acct := account("a1", models.TierStandard)
	old := models.VectorStoreBinding{Kind: models.BackendEmbedded, Index: "embedded", Namespace: "a1", AccountID: "a1"}
	if err := s.SetActiveBinding(ctx, "a1", old); err != nil {
		t.Fatalf("SetActiveBinding: %v", err)
	}
	m, err := r.PlanMigration(ctx, acct)
	if err != nil || m == nil {
		t.Fatalf("PlanMigration: %v %v", m, err)
	}

	doc := models.VectorDoc{ID: "d1", Content: "hello", Vector: []float32{1, 0}}
	if err := r.Upsert(ctx, acct, []models.VectorDoc{doc}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	n, err := shared.Count(ctx, m.To)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("write during migration not mirrored to destination: %d docs", n)
	}
}

func TestQueryFiltersByMetadata(t *testing.T) {
	_, r := newTestRouter(t, NewEmbeddedDriver())
	ctx := context.Background()

	b := models.VectorStoreBinding{Kind: models.BackendEmbedded, Index: "embedded", Namespace: "a1", AccountID: "a1"}
	driver, _ := r.Driver(models.BackendEmbedded)
	docs := []models.VectorDoc{
		{ID: "d1", Content: "refund policy", Vector: []float32{1, 0}, Metadata: map[string]string{"lang": "en"}},
		{ID: "d2", Content: "politique de remboursement", Vector: []float32{1, 0}, Metadata: map[string]string{"lang": "fr"}},
	}
	if err := driver.Upsert(ctx, b, docs); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	results, err := r.Query(ctx, b, []float32{1, 0}, 10, map[string]string{"lang": "fr"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0].Doc.ID != "d2" {
		t.Errorf("filter not applied: %+v", results)
	}
}
