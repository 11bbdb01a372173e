package intent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/conductorhq/conductor/internal/factory"
	"github.com/conductorhq/conductor/internal/store"
	"github.com/conductorhq/conductor/internal/templates"
	"github.com/conductorhq/conductor/internal/vectorstore"
	"github.com/conductorhq/conductor/pkg/models"
)

// stubScorer returns canned scores, optionally sleeping to trip the
// classification deadline.
type stubScorer struct {
	scores map[string]float64
	delay  time.Duration
	err    error
}

func (s *stubScorer) Score(ctx context.Context, _ string, _ []string) (map[string]float64, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.scores, nil
}

type fixture struct {
	store   store.Store
	factory *factory.Factory
	account *models.Account
}

func newFixture(t *testing.T, types ...string) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	catalog := templates.NewCatalog("", time.Minute)
	vectors := vectorstore.NewRouter(s)
	vectors.AllowEmbeddedFallback()
	vectors.Register(vectorstore.NewEmbeddedDriver())
	f := factory.New(s, catalog, vectors, 32, 5*time.Second)

	ctx := context.Background()
	acct := &models.Account{ID: "a1", Slug: "acme", Name: "Acme", Tier: models.TierStandard, Active: true}
	if err := s.CreateAccount(ctx, acct); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	for _, typ := range types {
		catalog.Register(&models.AgentTemplate{
			Name:    typ + "-agent",
			Version: "1",
			Type:    typ,
		})
		spec := &models.InstanceSpec{
			AccountID:    "a1",
			AgentType:    typ,
			InstanceName: "primary",
			TemplateRef:  typ + "-agent@1",
		}
		if err := s.UpsertInstanceSpec(ctx, spec); err != nil {
			t.Fatalf("UpsertInstanceSpec(%s): %v", typ, err)
		}
	}
	return &fixture{store: s, factory: f, account: acct}
}

func (fx *fixture) router(t *testing.T, scorer *stubScorer, timeout time.Duration) *Router {
	t.Helper()
	return NewRouter(fx.store, fx.factory, scorer, nil, timeout)
}

func TestRouteConfidentClassification(t *testing.T) {
	fx := newFixture(t, "billing", "general")
	r := fx.router(t, &stubScorer{scores: map[string]float64{"billing": 0.82, "general": 0.1}}, 0)

	res, err := r.Route(context.Background(), fx.account, "c1", "why was I charged twice", "", "")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	defer res.Handle.Release()

	if res.Decision.ChosenType != "billing" {
		t.Errorf("chose %s, want billing", res.Decision.ChosenType)
	}
	if res.Decision.Confidence != 0.82 {
		t.Errorf("confidence = %v", res.Decision.Confidence)
	}
	if res.Decision.UsedFallback {
		t.Error("fallback used despite confidence above threshold")
	}
	if res.Handle.Instance.Type != "billing" {
		t.Errorf("handle instance type = %s", res.Handle.Instance.Type)
	}
}

func TestRouteLowConfidenceFallsBack(t *testing.T) {
	fx := newFixture(t, "billing", "general")
	r := fx.router(t, &stubScorer{scores: map[string]float64{"billing": 0.3, "general": 0.2}}, 0)

	res, err := r.Route(context.Background(), fx.account, "c1", "hmm", "", "")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	defer res.Handle.Release()

	if res.Decision.ChosenType != "general" {
		t.Errorf("chose %s, want the fallback type", res.Decision.ChosenType)
	}
	if !res.Decision.UsedFallback || res.Decision.FallbackReason != models.FallbackConfidence {
		t.Errorf("fallback not recorded: %+v", res.Decision)
	}
	if res.Decision.Confidence != 0.3 {
		t.Errorf("decision lost the real best score: %v", res.Decision.Confidence)
	}
}

func TestRouteLowConfidenceStaysWithActiveType(t *testing.T) {
	fx := newFixture(t, "billing", "general")
	r := fx.router(t, &stubScorer{scores: map[string]float64{"billing": 0.1, "general": 0.1}}, 0)

	// "ok thanks" mid-conversation scores low everywhere; the message
	// stays with the specialist instead of bouncing to the fallback.
	res, err := r.Route(context.Background(), fx.account, "c1", "ok thanks", "", "billing")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	defer res.Handle.Release()

	if res.Decision.ChosenType != "billing" {
		t.Errorf("chose %s, want the conversation's active type", res.Decision.ChosenType)
	}
	if res.Decision.UsedFallback {
		t.Errorf("inconclusive classification displaced the active type: %+v", res.Decision)
	}
}

func TestRouteDeadlineStaysWithActiveType(t *testing.T) {
	fx := newFixture(t, "billing", "general")
	r := fx.router(t, &stubScorer{delay: time.Second}, 20*time.Millisecond)

	res, err := r.Route(context.Background(), fx.account, "c1", "ok thanks", "", "billing")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	defer res.Handle.Release()

	if res.Decision.ChosenType != "billing" || res.Decision.UsedFallback {
		t.Errorf("overdue classification displaced the active type: %+v", res.Decision)
	}
	if res.Decision.Confidence != 0 {
		t.Errorf("confidence = %v, want 0", res.Decision.Confidence)
	}
}

func TestRouteConfidentClassificationMovesActiveConversation(t *testing.T) {
	fx := newFixture(t, "billing", "support", "general")
	r := fx.router(t, &stubScorer{scores: map[string]float64{"support": 0.9}}, 0)

	res, err := r.Route(context.Background(), fx.account, "c1", "my package never arrived", "", "billing")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	defer res.Handle.Release()

	if res.Decision.ChosenType != "support" {
		t.Errorf("confident classification should move the conversation, chose %s", res.Decision.ChosenType)
	}
}

func TestRouteStaleActiveTypeFallsBack(t *testing.T) {
	fx := newFixture(t, "general")
	r := fx.router(t, &stubScorer{scores: map[string]float64{"general": 0.1}}, 0)

	// The active type's specs are gone; staying put is impossible, so
	// the fallback takes over.
	res, err := r.Route(context.Background(), fx.account, "c1", "hmm", "", "legal")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	defer res.Handle.Release()

	if res.Decision.ChosenType != "general" || res.Decision.FallbackReason != models.FallbackUnprovisioned {
		t.Errorf("stale active type should fall back: %+v", res.Decision)
	}
}

func TestRouteHonorsAccountThreshold(t *testing.T) {
	fx := newFixture(t, "billing", "general")
	fx.account.Routing.Threshold = 0.9
	r := fx.router(t, &stubScorer{scores: map[string]float64{"billing": 0.82}}, 0)

	res, err := r.Route(context.Background(), fx.account, "c1", "charge", "", "")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	defer res.Handle.Release()

	if res.Decision.ChosenType != "general" || res.Decision.FallbackReason != models.FallbackConfidence {
		t.Errorf("0.82 should fall below the account's 0.9 threshold: %+v", res.Decision)
	}
}

func TestRouteDeadlineFallsBack(t *testing.T) {
	fx := newFixture(t, "billing", "general")
	r := fx.router(t, &stubScorer{delay: time.Second}, 20*time.Millisecond)

	res, err := r.Route(context.Background(), fx.account, "c1", "charge", "", "")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	defer res.Handle.Release()

	if res.Decision.ChosenType != "general" || res.Decision.FallbackReason != models.FallbackDeadline {
		t.Errorf("overdue classification should fall back: %+v", res.Decision)
	}
	if res.Decision.Confidence != 0 {
		t.Errorf("deadline fallback confidence = %v, want 0", res.Decision.Confidence)
	}
}

func TestRouteScorerErrorDegradesToKeywords(t *testing.T) {
	fx := newFixture(t, "billing", "general")
	r := fx.router(t, &stubScorer{err: errors.New("model down")}, 0)

	res, err := r.Route(context.Background(), fx.account, "c1", "billing question about billing", "", "")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	defer res.Handle.Release()

	if !res.Degraded {
		t.Error("degraded path not reported")
	}
}

func TestRouteExplicitTypeSkipsClassification(t *testing.T) {
	fx := newFixture(t, "billing", "general")
	r := fx.router(t, &stubScorer{err: errors.New("must not be called")}, 0)

	res, err := r.Route(context.Background(), fx.account, "c1", "anything", "billing", "")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	defer res.Handle.Release()

	if res.Decision.ChosenType != "billing" || res.Decision.Confidence != 1.0 {
		t.Errorf("explicit type not honored: %+v", res.Decision)
	}
	if res.Degraded {
		t.Error("explicit routing should not touch the scorer")
	}
}

func TestRouteUnprovisionedTypeFallsBack(t *testing.T) {
	fx := newFixture(t, "general")
	r := fx.router(t, &stubScorer{}, 0)

	res, err := r.Route(context.Background(), fx.account, "c1", "anything", "legal", "")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	defer res.Handle.Release()

	if res.Decision.ChosenType != "general" || res.Decision.FallbackReason != models.FallbackUnprovisioned {
		t.Errorf("unprovisioned type should fall back: %+v", res.Decision)
	}
}

func TestRouteNoSpecsAtAll(t *testing.T) {
	fx := newFixture(t)
	r := fx.router(t, &stubScorer{}, 0)

	_, err := r.Route(context.Background(), fx.account, "c1", "anything", "", "")
	if !models.IsNotFound(err) {
		t.Errorf("expected NotFoundError for account with no instances, got %v", err)
	}
}

func TestRouteAppendsDecision(t *testing.T) {
	fx := newFixture(t, "billing", "general")
	r := fx.router(t, &stubScorer{scores: map[string]float64{"billing": 0.9}}, 0)

	res, err := r.Route(context.Background(), fx.account, "c1", "charge", "", "")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	defer res.Handle.Release()

	decisions, err := fx.store.ListDecisions(context.Background(), "a1", "c1", 10)
	if err != nil {
		t.Fatalf("ListDecisions: %v", err)
	}
	if len(decisions) != 1 {
		t.Fatalf("decision log holds %d entries, want 1", len(decisions))
	}
	if decisions[0].InstanceID != res.Handle.Instance.ID {
		t.Errorf("decision instance = %s, handle = %s", decisions[0].InstanceID, res.Handle.Instance.ID)
	}
}

func TestPickBestTieBreaksByPriority(t *testing.T) {
	scores := map[string]float64{"billing": 0.7, "support": 0.7}
	specs := []models.InstanceSpec{
		{AgentType: "billing"},
		{AgentType: "support"},
	}

	typ, score := pickBest(scores, []string{"support", "billing"}, specs, nil)
	if typ != "support" || score != 0.7 {
		t.Errorf("priority tie-break picked %s (%v)", typ, score)
	}

	// Without priority the more recently provisioned type wins.
	specs[0].CreatedAt = time.Now()
	specs[1].CreatedAt = specs[0].CreatedAt.Add(-time.Hour)
	typ, _ = pickBest(scores, nil, specs, nil)
	if typ != "billing" {
		t.Errorf("recency tie-break picked %s, want billing", typ)
	}
}

func TestPickBestPrefersWarmInstances(t *testing.T) {
	scores := map[string]float64{"billing": 0.7, "support": 0.7}
	specs := []models.InstanceSpec{
		{AgentType: "billing"},
		{AgentType: "support"},
	}

	// support has a cached instance that served a request recently, so
	// the tie lands there even though billing sorts first.
	warm := map[string]time.Time{"support": time.Now()}
	typ, _ := pickBest(scores, nil, specs, warm)
	if typ != "support" {
		t.Errorf("warm-instance tie-break picked %s, want support", typ)
	}

	// Priority still outranks warmth.
	typ, _ = pickBest(scores, []string{"billing"}, specs, warm)
	if typ != "billing" {
		t.Errorf("priority should outrank warmth, picked %s", typ)
	}
}

func TestRouteTieBreaksTowardWarmInstance(t *testing.T) {
	fx := newFixture(t, "billing", "support")
	r := fx.router(t, &stubScorer{scores: map[string]float64{"billing": 0.8, "support": 0.8}}, 0)

	// Warm up support's instance, then classify a tie.
	h, err := r.acquireForType(context.Background(), fx.account, "support", "q")
	if err != nil {
		t.Fatalf("acquireForType: %v", err)
	}
	h.Release()

	res, err := r.Route(context.Background(), fx.account, "c1", "anything", "", "")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	defer res.Handle.Release()

	if res.Decision.ChosenType != "support" {
		t.Errorf("tie should land on the warm type, chose %s", res.Decision.ChosenType)
	}
}

func TestAcquireForTypeRoundRobins(t *testing.T) {
	fx := newFixture(t, "billing")
	spec := &models.InstanceSpec{
		AccountID:    "a1",
		AgentType:    "billing",
		InstanceName: "secondary",
		TemplateRef:  "billing-agent@1",
	}
	if err := fx.store.UpsertInstanceSpec(context.Background(), spec); err != nil {
		t.Fatalf("UpsertInstanceSpec: %v", err)
	}
	r := fx.router(t, &stubScorer{}, 0)

	seen := make(map[string]bool)
	for i := 0; i < 2; i++ {
		h, err := r.acquireForType(context.Background(), fx.account, "billing", "q")
		if err != nil {
			t.Fatalf("acquireForType: %v", err)
		}
		seen[h.Instance.Name] = true
		h.Release()
	}
	if !seen["primary"] || !seen["secondary"] {
		t.Errorf("round robin did not rotate: %v", seen)
	}
}
