// Package handlers implements the HTTP handlers for the Conductor control
// plane: the chat front door, document indexing, and the admin surface for
// accounts, instances, migrations, and templates.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/conductorhq/conductor/internal/api/middleware"
	"github.com/conductorhq/conductor/internal/conversation"
	"github.com/conductorhq/conductor/internal/dispatch"
	"github.com/conductorhq/conductor/internal/factory"
	"github.com/conductorhq/conductor/internal/resolver"
	"github.com/conductorhq/conductor/internal/store"
	"github.com/conductorhq/conductor/internal/templates"
	"github.com/conductorhq/conductor/internal/vectorstore"
	"github.com/conductorhq/conductor/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store         store.Store
	Resolver      *resolver.Resolver
	Dispatcher    *dispatch.Dispatcher
	Conversations *conversation.Manager
	Factory       *factory.Factory
	Vectors       *vectorstore.Router
	Migrator      *vectorstore.Migrator
	Catalog       *templates.Catalog
}

// ── Chat front door ──────────────────────────────────────────

func (h *Handlers) Chat(w http.ResponseWriter, r *http.Request) {
	slug := middleware.GetAccountSlug(r.Context())
	if slug == "" {
		respondError(w, http.StatusBadRequest, "missing X-Account header")
		return
	}

	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		respondError(w, http.StatusBadRequest, "message is required")
		return
	}

	if r.URL.Query().Get("stream") == "true" {
		h.chatStream(w, r, slug, &req)
		return
	}

	resp, err := h.Dispatcher.Chat(r.Context(), slug, &req, nil)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// chatStream serves the reply as server-sent events: delta events while
// generating, then one final routing-metadata event.
func (h *Handlers) chatStream(w http.ResponseWriter, r *http.Request, slug string, req *models.ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	onDelta := func(delta string) error {
		payload, err := json.Marshal(map[string]string{"delta": delta})
		if err != nil {
			return err
		}
		if _, err := w.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	resp, err := h.Dispatcher.Chat(r.Context(), slug, req, onDelta)
	if err != nil {
		payload, _ := json.Marshal(map[string]string{"error": err.Error()})
		w.Write([]byte("event: error\ndata: " + string(payload) + "\n\n"))
		flusher.Flush()
		return
	}
	payload, _ := json.Marshal(resp)
	w.Write([]byte("event: done\ndata: " + string(payload) + "\n\n"))
	flusher.Flush()
}

// ── Indexing & search ────────────────────────────────────────

func (h *Handlers) IndexDocuments(w http.ResponseWriter, r *http.Request) {
	slug := middleware.GetAccountSlug(r.Context())
	if slug == "" {
		respondError(w, http.StatusBadRequest, "missing X-Account header")
		return
	}

	var req models.IndexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	count, err := h.Dispatcher.Index(r.Context(), slug, &req)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"indexed": count})
}

// ── Conversations ────────────────────────────────────────────

func (h *Handlers) GetConversation(w http.ResponseWriter, r *http.Request) {
	slug := middleware.GetAccountSlug(r.Context())
	account, err := h.Resolver.Resolve(r.Context(), slug)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	conversationID := chi.URLParam(r, "conversationID")
	cc, err := h.Conversations.Context(r.Context(), conversationID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if cc.AccountID != account.ID {
		respondError(w, http.StatusNotFound, "conversation not found")
		return
	}
	respondJSON(w, http.StatusOK, cc)
}

func (h *Handlers) CloseConversation(w http.ResponseWriter, r *http.Request) {
	slug := middleware.GetAccountSlug(r.Context())
	account, err := h.Resolver.Resolve(r.Context(), slug)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	conversationID := chi.URLParam(r, "conversationID")
	if err := h.Conversations.Close(r.Context(), account.ID, conversationID); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"state": string(models.ConversationClosed)})
}

func (h *Handlers) ListDecisions(w http.ResponseWriter, r *http.Request) {
	slug := middleware.GetAccountSlug(r.Context())
	account, err := h.Resolver.Resolve(r.Context(), slug)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	decisions, err := h.Store.ListDecisions(r.Context(), account.ID, r.URL.Query().Get("conversation"), limit)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if decisions == nil {
		decisions = []models.RoutingDecision{}
	}
	respondJSON(w, http.StatusOK, decisions)
}

// ── Admin: accounts ──────────────────────────────────────────

func (h *Handlers) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.Store.ListAccounts(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if accounts == nil {
		accounts = []models.Account{}
	}
	respondJSON(w, http.StatusOK, accounts)
}

func (h *Handlers) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var account models.Account
	if err := json.NewDecoder(r.Body).Decode(&account); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if account.Slug == "" {
		respondError(w, http.StatusBadRequest, "slug is required")
		return
	}
	if account.Tier == "" {
		account.Tier = models.TierBudget
	}
	if !account.Tier.Valid() {
		respondError(w, http.StatusBadRequest, "invalid tier")
		return
	}

	account.ID = uuid.NewString()
	account.Active = true
	account.CreatedAt = time.Now().UTC()
	if err := h.Store.CreateAccount(r.Context(), &account); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, account)
}

func (h *Handlers) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.Store.GetAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, account)
}

// UpdateAccount applies tier, routing, and active-flag changes. A tier
// change plans a vector store migration; routing the account's traffic to
// the new backend waits until that migration completes and flips the
// binding.
func (h *Handlers) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.Store.GetAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		respondDomainError(w, err)
		return
	}

	var req struct {
		Name    *string         `json:"name"`
		Tier    *models.Tier    `json:"tier"`
		Active  *bool           `json:"active"`
		Routing *models.Routing `json:"routing"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name != nil {
		account.Name = *req.Name
	}
	if req.Tier != nil {
		if !req.Tier.Valid() {
			respondError(w, http.StatusBadRequest, "invalid tier")
			return
		}
		account.Tier = *req.Tier
	}
	if req.Active != nil {
		account.Active = *req.Active
	}
	if req.Routing != nil {
		account.Routing = *req.Routing
	}

	if err := h.Store.UpdateAccount(r.Context(), account); err != nil {
		respondDomainError(w, err)
		return
	}
	h.Resolver.Invalidate(account.Slug)

	var migration *models.Migration
	if req.Tier != nil {
		migration, err = h.Vectors.PlanMigration(r.Context(), account)
		if err != nil {
			log.Error().Err(err).Str("account", account.ID).Msg("plan migration after tier change")
		} else if migration != nil {
			h.Migrator.Kick()
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"account":   account,
		"migration": migration,
	})
}

// ── Admin: instances ─────────────────────────────────────────

func (h *Handlers) ListInstances(w http.ResponseWriter, r *http.Request) {
	specs, err := h.Store.ListInstanceSpecs(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if specs == nil {
		specs = []models.InstanceSpec{}
	}
	respondJSON(w, http.StatusOK, specs)
}

// ProvisionInstance creates or updates an instance spec. The template must
// exist and the merged configuration must validate before anything is
// persisted; a spec that cannot build should never be provisioned.
func (h *Handlers) ProvisionInstance(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	if _, err := h.Store.GetAccount(r.Context(), accountID); err != nil {
		respondDomainError(w, err)
		return
	}

	var req models.ProvisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentType == "" || req.InstanceName == "" || req.TemplateRef == "" {
		respondError(w, http.StatusBadRequest, "agent_type, instance_name and template_ref are required")
		return
	}

	tmpl, err := h.Catalog.Get(req.TemplateRef)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if _, err := factory.MergeConfig(tmpl, req.Overrides); err != nil {
		respondDomainError(w, err)
		return
	}

	spec := &models.InstanceSpec{
		AccountID:    accountID,
		AgentType:    req.AgentType,
		InstanceName: req.InstanceName,
		TemplateRef:  req.TemplateRef,
		Overrides:    req.Overrides,
		UpdatedAt:    time.Now().UTC(),
	}
	if err := h.Store.UpsertInstanceSpec(r.Context(), spec); err != nil {
		respondDomainError(w, err)
		return
	}
	// Cached instances built from the previous spec are stale now.
	h.Factory.Evict(accountID, req.AgentType, req.InstanceName)
	respondJSON(w, http.StatusCreated, spec)
}

func (h *Handlers) DeleteInstance(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	agentType := chi.URLParam(r, "agentType")
	name := chi.URLParam(r, "instanceName")

	if err := h.Store.DeleteInstanceSpec(r.Context(), accountID, agentType, name); err != nil {
		respondDomainError(w, err)
		return
	}
	h.Factory.Evict(accountID, agentType, name)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) EvictInstance(w http.ResponseWriter, r *http.Request) {
	removed := h.Factory.Evict(
		chi.URLParam(r, "accountID"),
		chi.URLParam(r, "agentType"),
		chi.URLParam(r, "instanceName"),
	)
	respondJSON(w, http.StatusOK, map[string]int{"evicted": removed})
}

// ── Admin: migrations ────────────────────────────────────────

func (h *Handlers) ListMigrations(w http.ResponseWriter, r *http.Request) {
	migrations, err := h.Store.ListMigrations(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if migrations == nil {
		migrations = []models.Migration{}
	}
	respondJSON(w, http.StatusOK, migrations)
}

func (h *Handlers) GetMigration(w http.ResponseWriter, r *http.Request) {
	m, err := h.Store.GetMigration(r.Context(), chi.URLParam(r, "migrationID"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (h *Handlers) ResumeMigration(w http.ResponseWriter, r *http.Request) {
	m, err := h.Migrator.Resume(r.Context(), chi.URLParam(r, "migrationID"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

// ── Admin: templates ─────────────────────────────────────────

func (h *Handlers) ListTemplates(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Catalog.List())
}

func (h *Handlers) ReloadTemplates(w http.ResponseWriter, r *http.Request) {
	if err := h.Catalog.Reload(); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"templates": len(h.Catalog.List())})
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondDomainError maps domain error types onto HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	var (
		configErr   *models.ConfigurationError
		capacityErr *models.CapacityError
	)
	switch {
	case models.IsNotFound(err):
		respondError(w, http.StatusNotFound, err.Error())
	case models.IsInactive(err):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, conversation.ErrConversationClosed):
		respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &configErr):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &capacityErr):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	case models.IsBackendUnavailable(err):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
