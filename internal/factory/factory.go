package factory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/conductorhq/conductor/internal/store"
	"github.com/conductorhq/conductor/internal/templates"
	"github.com/conductorhq/conductor/internal/vectorstore"
	"github.com/conductorhq/conductor/pkg/models"
)

// Factory builds and caches live agent instances. Concurrent requests for
// the same (account, type, name, fingerprint) collapse into a single
// construction via singleflight; everyone else waits for that one build.
// Cached instances are pinned while a request holds them, so the LRU never
// evicts an instance mid-request.
type Factory struct {
	store        store.Store
	catalog      *templates.Catalog
	vectors      *vectorstore.Router
	cache        *pinnedLRU
	group        singleflight.Group
	buildTimeout time.Duration

	// selectors caches compiled capability programs by template ref.
	selectors sync.Map
}

func New(st store.Store, catalog *templates.Catalog, vectors *vectorstore.Router, capacity int, buildTimeout time.Duration) *Factory {
	if buildTimeout <= 0 {
		buildTimeout = 15 * time.Second
	}
	f := &Factory{
		store:        st,
		catalog:      catalog,
		vectors:      vectors,
		buildTimeout: buildTimeout,
	}
	f.cache = newPinnedLRU(capacity, func(inst *models.AgentInstance) {
		log.Debug().Str("account", inst.AccountID).Str("type", inst.Type).
			Str("name", inst.Name).Msg("agent instance evicted")
	})
	return f
}

// Handle is a pinned reference to a live instance. Callers must Release
// exactly once, after the request is done with the instance.
type Handle struct {
	Instance *models.AgentInstance

	factory *Factory
	key     string
	program *vm.Program
	once    sync.Once
}

// Release unpins the instance, making it evictable again.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.factory.cache.Release(h.key)
	})
}

// Matches evaluates the template's capability selector against a query
// environment. Instances without a selector match everything; a selector
// that fails to evaluate matches nothing.
func (h *Handle) Matches(env map[string]any) bool {
	if h.program == nil {
		return true
	}
	out, err := expr.Run(h.program, env)
	if err != nil {
		log.Warn().Err(err).Str("instance", h.Instance.ID).Msg("selector evaluation failed")
		return false
	}
	ok, _ := out.(bool)
	return ok
}

// cacheKey includes the config fingerprint, so editing an instance's
// configuration routes the next request to a fresh build while in-flight
// requests keep the instance they already hold.
func cacheKey(accountID, agentType, instanceName, fingerprint string) string {
	return strings.Join([]string{accountID, agentType, instanceName, fingerprint}, "\x00")
}

// Acquire returns a pinned handle on the live instance for the given spec
// coordinates, building it on first use. A missing spec surfaces as a
// NotFoundError so the intent layer can fall back instead of erroring.
func (f *Factory) Acquire(ctx context.Context, account *models.Account, agentType, instanceName string) (*Handle, error) {
	spec, err := f.store.GetInstanceSpec(ctx, account.ID, agentType, instanceName)
	if err != nil {
		return nil, err
	}

	tmpl, err := f.catalog.Get(spec.TemplateRef)
	if err != nil {
		return nil, err
	}
	merged, err := MergeConfig(tmpl, spec.Overrides)
	if err != nil {
		return nil, err
	}
	fp, err := Fingerprint(merged)
	if err != nil {
		return nil, err
	}
	key := cacheKey(account.ID, agentType, instanceName, fp)

	// Two rounds: a fresh build can be evicted between the builder's
	// release and our pin if the cache is thrashing. One retry covers it.
	for attempt := 0; attempt < 2; attempt++ {
		if inst, ok := f.cache.Acquire(key); ok {
			return f.handle(key, tmpl, inst), nil
		}

		_, err, _ := f.group.Do(key, func() (any, error) {
			if _, ok := f.cache.Acquire(key); ok {
				// Another builder won while we queued.
				f.cache.Release(key)
				return nil, nil
			}
			inst, err := f.build(ctx, account, spec, tmpl, merged, fp)
			if err != nil {
				return nil, err
			}
			if err := f.cache.Add(key, inst); err != nil {
				f.teardown(inst)
				return nil, err
			}
			// The Add pin belongs to no caller; each waiter pins via
			// Acquire on its own.
			f.cache.Release(key)
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
	}
	return nil, &models.CapacityError{Capacity: f.cache.capacity}
}

func (f *Factory) handle(key string, tmpl *models.AgentTemplate, inst *models.AgentInstance) *Handle {
	var program *vm.Program
	if p, ok := f.selectors.Load(tmpl.Ref()); ok {
		program = p.(*vm.Program)
	}
	return &Handle{Instance: inst, factory: f, key: key, program: program}
}

// build constructs the live instance under the factory's build timeout.
// Construction resolves the account's vector binding and compiles the
// template's selector; either failing fails the build.
func (f *Factory) build(ctx context.Context, account *models.Account, spec *models.InstanceSpec, tmpl *models.AgentTemplate, config map[string]any, fp string) (*models.AgentInstance, error) {
	ctx, cancel := context.WithTimeout(ctx, f.buildTimeout)
	defer cancel()

	binding, err := f.vectors.Binding(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("resolve vector binding: %w", err)
	}

	if tmpl.Selector != "" {
		if _, ok := f.selectors.Load(tmpl.Ref()); !ok {
			program, err := expr.Compile(tmpl.Selector, expr.AsBool(), expr.AllowUndefinedVariables())
			if err != nil {
				return nil, &models.ConfigurationError{
					TemplateRef: tmpl.Ref(),
					Issues:      []string{fmt.Sprintf("selector: %v", err)},
				}
			}
			f.selectors.Store(tmpl.Ref(), program)
		}
	}

	now := time.Now().UTC()
	inst := &models.AgentInstance{
		ID:              uuid.NewString(),
		AccountID:       account.ID,
		Type:            spec.AgentType,
		Name:            spec.InstanceName,
		TemplateName:    tmpl.Name,
		TemplateVersion: tmpl.Version,
		Fingerprint:     fp,
		Config:          config,
		Capabilities:    tmpl.Capabilities,
		Tools:           tmpl.Tools,
		Binding:         binding,
		CreatedAt:       now,
		LastUsedAt:      now,
	}
	log.Info().Str("account", account.ID).Str("type", inst.Type).Str("name", inst.Name).
		Str("template", tmpl.Ref()).Str("fingerprint", fp[:12]).Msg("agent instance built")
	return inst, nil
}

func (f *Factory) teardown(inst *models.AgentInstance) {
	log.Debug().Str("account", inst.AccountID).Str("type", inst.Type).
		Str("name", inst.Name).Msg("agent instance torn down")
}

// Evict drops every unpinned cached generation of one instance and
// returns how many were removed. Pinned generations stay until released.
func (f *Factory) Evict(accountID, agentType, instanceName string) int {
	return f.cache.RemoveFunc(func(inst *models.AgentInstance) bool {
		return inst.AccountID == accountID && inst.Type == agentType && inst.Name == instanceName
	})
}

// EvictAccount drops every unpinned cached instance owned by an account.
func (f *Factory) EvictAccount(accountID string) int {
	return f.cache.RemoveFunc(func(inst *models.AgentInstance) bool {
		return inst.AccountID == accountID
	})
}

// CachedInstances reports the current cache population.
func (f *Factory) CachedInstances() int {
	return f.cache.Len()
}

// LastUsed reports the most recent use of any cached instance of the type,
// zero when none are cached. The intent router consults this to prefer
// types with a warm instance when classification ties.
func (f *Factory) LastUsed(accountID, agentType string) time.Time {
	var latest time.Time
	f.cache.Each(func(inst *models.AgentInstance) {
		if inst.AccountID == accountID && inst.Type == agentType && inst.LastUsedAt.After(latest) {
			latest = inst.LastUsedAt
		}
	})
	return latest
}
