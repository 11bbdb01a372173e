package intent

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/conductorhq/conductor/internal/factory"
	"github.com/conductorhq/conductor/internal/store"
	"github.com/conductorhq/conductor/pkg/contracts"
	"github.com/conductorhq/conductor/pkg/models"
)

// Router classifies an incoming message against the account's provisioned
// agent types and picks a concrete instance to serve it. Low-confidence,
// overdue, or impossible classifications route to the account's fallback
// type; the caller always gets either an instance or an error, never an
// ambiguity to resolve.
type Router struct {
	store           store.Store
	factory         *factory.Factory
	scorer          contracts.IntentScorer // model-backed; nil when unconfigured
	degraded        contracts.IntentScorer
	classifyTimeout time.Duration

	// rr holds per-(account, type) round-robin cursors.
	rrMu sync.Mutex
	rr   map[string]int
}

func NewRouter(st store.Store, f *factory.Factory, scorer contracts.IntentScorer, degraded contracts.IntentScorer, classifyTimeout time.Duration) *Router {
	if degraded == nil {
		degraded = NewKeywordScorer(nil)
	}
	if classifyTimeout <= 0 {
		classifyTimeout = 2 * time.Second
	}
	return &Router{
		store:           st,
		factory:         f,
		scorer:          scorer,
		degraded:        degraded,
		classifyTimeout: classifyTimeout,
		rr:              make(map[string]int),
	}
}

// Resolution is the outcome of one routing pass: a pinned instance handle
// plus the persisted audit record. Degraded reports that classification
// ran on the keyword scorer instead of the model.
type Resolution struct {
	Handle   *factory.Handle
	Decision *models.RoutingDecision
	Degraded bool
}

// Route picks an instance for the message. A non-empty requestedType skips
// classification. activeType is the type currently holding the
// conversation, empty for a fresh one: when classification is inconclusive
// the message stays with it rather than bouncing the user to the fallback
// agent on classifier noise. Only a confident classification moves an
// established conversation. The routing decision is appended to the audit
// log before returning; it stands even if the caller's generation step is
// later cancelled.
func (r *Router) Route(ctx context.Context, account *models.Account, conversationID, message, requestedType, activeType string) (*Resolution, error) {
	specs, err := r.store.ListInstanceSpecs(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, &models.NotFoundError{Entity: "instance spec", Key: account.ID}
	}

	types := typeSet(specs)
	threshold := account.Routing.EffectiveThreshold()
	fallbackType := account.Routing.EffectiveFallbackType()

	chosenType := requestedType
	confidence := 1.0
	usedFallback := false
	reason := models.FallbackNone
	degraded := false

	if requestedType == "" {
		scores, deg, err := r.classify(ctx, message, types)
		degraded = deg
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			confidence = 0
			if activeType != "" {
				log.Debug().Str("account", account.ID).Str("active", activeType).
					Msg("classification overdue, staying with active type")
				chosenType = activeType
			} else {
				chosenType = fallbackType
				usedFallback = true
				reason = models.FallbackDeadline
			}
		case err != nil:
			return nil, err
		default:
			warm := make(map[string]time.Time, len(types))
			for _, typ := range types {
				warm[typ] = r.factory.LastUsed(account.ID, typ)
			}
			chosenType, confidence = pickBest(scores, account.Routing.TypePriority, specs, warm)
			if confidence < threshold {
				log.Debug().Str("account", account.ID).Str("best", chosenType).
					Float64("confidence", confidence).Float64("threshold", threshold).
					Msg("classification below threshold")
				if activeType != "" {
					chosenType = activeType
				} else {
					chosenType = fallbackType
					usedFallback = true
					reason = models.FallbackConfidence
				}
			}
		}
	}

	handle, err := r.acquireForType(ctx, account, chosenType, message)
	if err != nil {
		fbReason, recoverable := fallbackReasonFor(err)
		if !recoverable || chosenType == fallbackType {
			return nil, err
		}
		chosenType = fallbackType
		usedFallback = true
		reason = fbReason
		handle, err = r.acquireForType(ctx, account, chosenType, message)
		if err != nil {
			return nil, err
		}
	}

	decision := &models.RoutingDecision{
		ID:             uuid.NewString(),
		AccountID:      account.ID,
		ConversationID: conversationID,
		InstanceID:     handle.Instance.ID,
		ChosenType:     chosenType,
		Confidence:     confidence,
		UsedFallback:   usedFallback,
		FallbackReason: reason,
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.store.AppendDecision(ctx, decision); err != nil {
		handle.Release()
		return nil, err
	}
	return &Resolution{Handle: handle, Decision: decision, Degraded: degraded}, nil
}

// classify runs the model scorer under the classification deadline and
// degrades to keyword matching on any failure other than the deadline
// itself. The bool reports whether the degraded path was taken.
func (r *Router) classify(ctx context.Context, message string, types []string) (map[string]float64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.classifyTimeout)
	defer cancel()

	if r.scorer == nil {
		scores, err := r.degraded.Score(ctx, message, types)
		return scores, true, err
	}

	scores, err := r.scorer.Score(ctx, message, types)
	if err == nil {
		return scores, false, nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, false, err
	}
	log.Warn().Err(err).Msg("intent scorer failed, degrading to keyword matching")
	scores, derr := r.degraded.Score(ctx, message, types)
	return scores, true, derr
}

// acquireForType picks one instance of the type, honoring capability
// selectors and rotating round-robin between eligible instances.
func (r *Router) acquireForType(ctx context.Context, account *models.Account, agentType, message string) (*factory.Handle, error) {
	specs, err := r.store.ListInstanceSpecsByType(ctx, account.ID, agentType)
	if err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, &models.NotFoundError{Entity: "instance spec", Key: account.ID + "/" + agentType}
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].InstanceName < specs[j].InstanceName })

	offset := r.nextOffset(account.ID, agentType, len(specs))
	var lastErr error
	for i := 0; i < len(specs); i++ {
		spec := specs[(offset+i)%len(specs)]
		handle, err := r.factory.Acquire(ctx, account, spec.AgentType, spec.InstanceName)
		if err != nil {
			lastErr = err
			continue
		}
		if handle.Matches(selectorEnv(message, handle.Instance)) {
			return handle, nil
		}
		handle.Release()
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errNoEligibleInstance
}

// errNoEligibleInstance means every instance of the chosen type declined
// the query via its capability selector.
var errNoEligibleInstance = errors.New("no eligible instance for query")

func (r *Router) nextOffset(accountID, agentType string, n int) int {
	r.rrMu.Lock()
	defer r.rrMu.Unlock()
	key := accountID + "/" + agentType
	offset := r.rr[key]
	r.rr[key] = (offset + 1) % n
	return offset
}

func selectorEnv(message string, inst *models.AgentInstance) map[string]any {
	return map[string]any{
		"query":        message,
		"capabilities": inst.Capabilities,
		"tools":        inst.Tools,
		"hasTool": func(name string) bool {
			for _, t := range inst.Tools {
				if t == name {
					return true
				}
			}
			return false
		},
		"hasCapability": func(name string) bool {
			for _, c := range inst.Capabilities {
				if c == name {
					return true
				}
			}
			return false
		},
	}
}

// fallbackReasonFor classifies an acquisition failure. Configuration
// errors are not recoverable by falling back: the operator must fix the
// spec, and hiding that behind the fallback agent would mask it.
func fallbackReasonFor(err error) (models.FallbackReason, bool) {
	switch {
	case models.IsNotFound(err):
		return models.FallbackUnprovisioned, true
	case models.IsBackendUnavailable(err):
		return models.FallbackUnavailable, true
	case errors.Is(err, errNoEligibleInstance):
		return models.FallbackUnavailable, true
	default:
		var capacity *models.CapacityError
		if errors.As(err, &capacity) {
			return models.FallbackUnavailable, true
		}
		return models.FallbackNone, false
	}
}

func typeSet(specs []models.InstanceSpec) []string {
	seen := make(map[string]bool, len(specs))
	var out []string
	for _, s := range specs {
		if !seen[s.AgentType] {
			seen[s.AgentType] = true
			out = append(out, s.AgentType)
		}
	}
	sort.Strings(out)
	return out
}

// pickBest returns the highest-scoring type. Exact ties break first by the
// account's configured type priority, then by which type has the most
// recently used cached instance so the request lands on a warm one, then by
// which type's instances were provisioned or updated most recently, then by
// name for determinism.
func pickBest(scores map[string]float64, priority []string, specs []models.InstanceSpec, warm map[string]time.Time) (string, float64) {
	rank := make(map[string]int, len(priority))
	for i, t := range priority {
		rank[t] = i + 1
	}
	latest := make(map[string]time.Time, len(specs))
	for _, s := range specs {
		at := s.UpdatedAt
		if s.CreatedAt.After(at) {
			at = s.CreatedAt
		}
		if at.After(latest[s.AgentType]) {
			latest[s.AgentType] = at
		}
	}

	types := make([]string, 0, len(scores))
	for t := range scores {
		types = append(types, t)
	}
	sort.Strings(types)

	best := ""
	bestScore := -1.0
	for _, t := range types {
		s := scores[t]
		if s > bestScore {
			best, bestScore = t, s
			continue
		}
		if s == bestScore && tieWins(t, best, rank, warm, latest) {
			best = t
		}
	}
	if best == "" {
		return "", 0
	}
	return best, bestScore
}

func tieWins(candidate, incumbent string, rank map[string]int, warm, latest map[string]time.Time) bool {
	cr, ir := rank[candidate], rank[incumbent]
	if cr != ir {
		// Zero means unranked; any ranked type beats it.
		if cr == 0 {
			return false
		}
		if ir == 0 {
			return true
		}
		return cr < ir
	}
	if !warm[candidate].Equal(warm[incumbent]) {
		return warm[candidate].After(warm[incumbent])
	}
	if !latest[candidate].Equal(latest[incumbent]) {
		return latest[candidate].After(latest[incumbent])
	}
	return false
}
