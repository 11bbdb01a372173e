package factory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/conductorhq/conductor/internal/store"
	"github.com/conductorhq/conductor/internal/templates"
	"github.com/conductorhq/conductor/internal/vectorstore"
	"github.com/conductorhq/conductor/pkg/models"
)

func newTestFactory(t *testing.T, capacity int) (*Factory, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	catalog := templates.NewCatalog("", time.Minute)
	catalog.Register(&models.AgentTemplate{
		Name:    "billing-agent",
		Version: "1",
		Type:    "billing",
		Defaults: map[string]any{
			"model":       "gpt-4o-mini",
			"temperature": 0.2,
		},
	})
	catalog.Register(&models.AgentTemplate{
		Name:     "search-agent",
		Version:  "1",
		Type:     "search",
		Tools:    []string{"search"},
		Selector: `hasTool("search")`,
	})

	vectors := vectorstore.NewRouter(s)
	vectors.AllowEmbeddedFallback()
	vectors.Register(vectorstore.NewEmbeddedDriver())
	return New(s, catalog, vectors, capacity, 5*time.Second), s
}

func seedSpec(t *testing.T, s store.Store, accountID, agentType, name, ref string, overrides map[string]any) *models.Account {
	t.Helper()
	ctx := context.Background()
	acct := &models.Account{ID: accountID, Slug: accountID, Name: accountID, Tier: models.TierStandard, Active: true}
	if err := s.CreateAccount(ctx, acct); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	spec := &models.InstanceSpec{
		AccountID:    accountID,
		AgentType:    agentType,
		InstanceName: name,
		TemplateRef:  ref,
		Overrides:    overrides,
	}
	if err := s.UpsertInstanceSpec(ctx, spec); err != nil {
		t.Fatalf("UpsertInstanceSpec: %v", err)
	}
	return acct
}

func TestAcquireBuildsOnceUnderContention(t *testing.T) {
	f, s := newTestFactory(t, 8)
	acct := seedSpec(t, s, "a1", "billing", "primary", "billing-agent@1", nil)

	const n = 50
	ids := make([]string, n)
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			h, err := f.Acquire(context.Background(), acct, "billing", "primary")
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			ids[i] = h.Instance.ID
			handles[i] = h
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("concurrent Acquire built more than one instance: %s vs %s", ids[i], ids[0])
		}
	}
	if got := f.CachedInstances(); got != 1 {
		t.Errorf("CachedInstances = %d, want 1", got)
	}
	for _, h := range handles {
		if h != nil {
			h.Release()
		}
	}
}

func TestAcquireUnprovisionedSpec(t *testing.T) {
	f, s := newTestFactory(t, 8)
	acct := seedSpec(t, s, "a1", "billing", "primary", "billing-agent@1", nil)

	_, err := f.Acquire(context.Background(), acct, "legal", "primary")
	if !models.IsNotFound(err) {
		t.Errorf("expected NotFoundError for unprovisioned type, got %v", err)
	}
}

func TestConfigEditChangesFingerprint(t *testing.T) {
	f, s := newTestFactory(t, 8)
	ctx := context.Background()
	acct := seedSpec(t, s, "a1", "billing", "primary", "billing-agent@1", nil)

	h1, err := f.Acquire(ctx, acct, "billing", "primary")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h1.Release()

	spec := &models.InstanceSpec{
		AccountID:    "a1",
		AgentType:    "billing",
		InstanceName: "primary",
		TemplateRef:  "billing-agent@1",
		Overrides:    map[string]any{"temperature": 0.9},
	}
	if err := s.UpsertInstanceSpec(ctx, spec); err != nil {
		t.Fatalf("UpsertInstanceSpec: %v", err)
	}

	h2, err := f.Acquire(ctx, acct, "billing", "primary")
	if err != nil {
		t.Fatalf("Acquire after edit: %v", err)
	}
	defer h2.Release()

	if h2.Instance.Fingerprint == h1.Instance.Fingerprint {
		t.Error("config edit did not change the fingerprint")
	}
	if h2.Instance.ID == h1.Instance.ID {
		t.Error("config edit did not produce a fresh instance")
	}
	if got := h2.Instance.Config["temperature"]; got != 0.9 {
		t.Errorf("override not applied: temperature = %v", got)
	}
}

func TestInstancesIsolatedByAccount(t *testing.T) {
	f, s := newTestFactory(t, 8)
	ctx := context.Background()
	a1 := seedSpec(t, s, "a1", "billing", "primary", "billing-agent@1", nil)
	a2 := seedSpec(t, s, "a2", "billing", "primary", "billing-agent@1", nil)

	h1, err := f.Acquire(ctx, a1, "billing", "primary")
	if err != nil {
		t.Fatalf("Acquire a1: %v", err)
	}
	defer h1.Release()
	h2, err := f.Acquire(ctx, a2, "billing", "primary")
	if err != nil {
		t.Fatalf("Acquire a2: %v", err)
	}
	defer h2.Release()

	if h1.Instance.ID == h2.Instance.ID {
		t.Fatal("same type and name across accounts shared one instance")
	}
	if h1.Instance.AccountID != "a1" || h2.Instance.AccountID != "a2" {
		t.Errorf("instance account ownership wrong: %s / %s", h1.Instance.AccountID, h2.Instance.AccountID)
	}
}

func TestPinnedInstancesAreNotEvicted(t *testing.T) {
	f, s := newTestFactory(t, 1)
	ctx := context.Background()
	acct := seedSpec(t, s, "a1", "billing", "primary", "billing-agent@1", nil)

	spec := &models.InstanceSpec{
		AccountID:    "a1",
		AgentType:    "support",
		InstanceName: "primary",
		TemplateRef:  "billing-agent@1",
	}
	if err := s.UpsertInstanceSpec(ctx, spec); err != nil {
		t.Fatalf("UpsertInstanceSpec: %v", err)
	}

	held, err := f.Acquire(ctx, acct, "billing", "primary")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	_, err = f.Acquire(ctx, acct, "support", "primary")
	var ce *models.CapacityError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CapacityError while the only slot is pinned, got %v", err)
	}

	held.Release()
	h2, err := f.Acquire(ctx, acct, "support", "primary")
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	h2.Release()

	if got := f.CachedInstances(); got != 1 {
		t.Errorf("CachedInstances = %d, want 1 after eviction", got)
	}
}

func TestSchemaViolationIsConfigurationError(t *testing.T) {
	f, s := newTestFactory(t, 8)
	ctx := context.Background()

	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"temperature": {"type": "number", "maximum": 1}},
		"required": ["model"]
	}`)
	f.catalog.Register(&models.AgentTemplate{
		Name:         "strict-agent",
		Version:      "1",
		Type:         "strict",
		ConfigSchema: schema,
		Defaults:     map[string]any{"model": "gpt-4o-mini"},
	})
	acct := seedSpec(t, s, "a1", "strict", "primary", "strict-agent@1", map[string]any{"temperature": 3.5})

	_, err := f.Acquire(ctx, acct, "strict", "primary")
	var cfg *models.ConfigurationError
	if !errors.As(err, &cfg) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if len(cfg.Issues) == 0 {
		t.Error("ConfigurationError carries no issues")
	}
}

func TestSelectorGatesMatches(t *testing.T) {
	f, s := newTestFactory(t, 8)
	acct := seedSpec(t, s, "a1", "search", "primary", "search-agent@1", nil)

	h, err := f.Acquire(context.Background(), acct, "search", "primary")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer h.Release()

	env := func(tools []string) map[string]any {
		return map[string]any{
			"hasTool": func(name string) bool {
				for _, tl := range tools {
					if tl == name {
						return true
					}
				}
				return false
			},
		}
	}
	if !h.Matches(env([]string{"search"})) {
		t.Error("selector rejected an environment with the required tool")
	}
	if h.Matches(env(nil)) {
		t.Error("selector accepted an environment without the required tool")
	}
}

func TestEvictDropsUnpinnedGenerations(t *testing.T) {
	f, s := newTestFactory(t, 8)
	ctx := context.Background()
	acct := seedSpec(t, s, "a1", "billing", "primary", "billing-agent@1", nil)

	h, err := f.Acquire(ctx, acct, "billing", "primary")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if n := f.Evict("a1", "billing", "primary"); n != 0 {
		t.Errorf("Evict removed %d pinned entries", n)
	}
	h.Release()
	if n := f.Evict("a1", "billing", "primary"); n != 1 {
		t.Errorf("Evict removed %d entries, want 1", n)
	}
	if got := f.CachedInstances(); got != 0 {
		t.Errorf("CachedInstances = %d after evict", got)
	}
}
