// Package store — in-memory Store implementation.
// Used when DATABASE_URL is not set (local dev, tests). Supports file-based
// snapshot persistence so data survives restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/conductorhq/conductor/pkg/models"
)

// DefaultDecisionTTL bounds how long routing decisions stay in the hot
// store. Override with CONDUCTOR_DECISION_TTL (Go duration string).
const DefaultDecisionTTL = 30 * 24 * time.Hour

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Accounts      map[string]*models.Account             `json:"accounts"`       // key: id
	Specs         map[string]*models.InstanceSpec        `json:"specs"`          // key: account:type:name
	Bindings      map[string]*models.VectorStoreBinding  `json:"bindings"`       // key: account_id
	Migrations    map[string]*models.Migration           `json:"migrations"`     // key: id
	Decisions     []*models.RoutingDecision              `json:"decisions"`      // append-only
	Conversations map[string]*models.Conversation        `json:"conversations"`  // key: id
	Contexts      map[string]*models.ConversationContext `json:"contexts"`       // key: conversation_id
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu            sync.RWMutex
	accounts      map[string]*models.Account
	accountsBySlug map[string]string // slug → id
	specs         map[string]*models.InstanceSpec
	bindings      map[string]*models.VectorStoreBinding
	migrations    map[string]*models.Migration
	decisions     []*models.RoutingDecision // append-only log
	conversations map[string]*models.Conversation
	contexts      map[string]*models.ConversationContext

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
	closeOnce    sync.Once

	decisionTTL time.Duration
}

// NewMemoryStore creates a new in-memory store. If CONDUCTOR_DATA_DIR is
// set, data is persisted to a JSON file in that directory.
func NewMemoryStore() *MemoryStore {
	decisionTTL := DefaultDecisionTTL
	if ttlStr := os.Getenv("CONDUCTOR_DECISION_TTL"); ttlStr != "" {
		if parsed, err := time.ParseDuration(ttlStr); err == nil {
			decisionTTL = parsed
		} else {
			log.Warn().Str("value", ttlStr).Msg("Invalid CONDUCTOR_DECISION_TTL, using default 30d")
		}
	}

	m := &MemoryStore{
		accounts:       make(map[string]*models.Account),
		accountsBySlug: make(map[string]string),
		specs:          make(map[string]*models.InstanceSpec),
		bindings:       make(map[string]*models.VectorStoreBinding),
		migrations:     make(map[string]*models.Migration),
		decisions:      make([]*models.RoutingDecision, 0),
		conversations:  make(map[string]*models.Conversation),
		contexts:       make(map[string]*models.ConversationContext),
		saveCh:         make(chan struct{}, 1),
		doneCh:         make(chan struct{}),
		decisionTTL:    decisionTTL,
	}

	if dataDir := os.Getenv("CONDUCTOR_DATA_DIR"); dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	go m.decisionEvictionLoop()

	log.Info().
		Str("snapshot", m.snapshotPath).
		Str("decision_ttl", decisionTTL.String()).
		Msg("Memory store configured")

	return m
}

func specKey(accountID, agentType, instanceName string) string {
	return accountID + ":" + agentType + ":" + instanceName
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop debounces save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond)
			m.saveSnapshot()
		}
	}
}

// decisionEvictionLoop periodically drops decisions older than decisionTTL.
// Eviction by age keeps the log append-only in spirit: records age out, they
// are never rewritten.
func (m *MemoryStore) decisionEvictionLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-m.doneCh:
			return
		case <-ticker.C:
			m.evictExpiredDecisions()
		}
	}
}

func (m *MemoryStore) evictExpiredDecisions() {
	cutoff := time.Now().Add(-m.decisionTTL)

	m.mu.Lock()
	kept := m.decisions[:0]
	evicted := 0
	for _, d := range m.decisions {
		if d.CreatedAt.Before(cutoff) {
			evicted++
			continue
		}
		kept = append(kept, d)
	}
	m.decisions = kept
	m.mu.Unlock()

	if evicted > 0 {
		log.Info().Int("evicted", evicted).Msg("Evicted expired routing decisions")
		m.requestSave()
	}
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Msg("Cannot read snapshot")
		}
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Msg("Corrupt snapshot, starting empty")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Accounts != nil {
		m.accounts = snap.Accounts
		for id, a := range snap.Accounts {
			m.accountsBySlug[a.Slug] = id
		}
	}
	if snap.Specs != nil {
		m.specs = snap.Specs
	}
	if snap.Bindings != nil {
		m.bindings = snap.Bindings
	}
	if snap.Migrations != nil {
		m.migrations = snap.Migrations
	}
	if snap.Decisions != nil {
		m.decisions = snap.Decisions
	}
	if snap.Conversations != nil {
		m.conversations = snap.Conversations
	}
	if snap.Contexts != nil {
		m.contexts = snap.Contexts
	}

	log.Info().
		Int("accounts", len(m.accounts)).
		Int("specs", len(m.specs)).
		Int("conversations", len(m.conversations)).
		Msg("Loaded snapshot")
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Accounts:      m.accounts,
		Specs:         m.specs,
		Bindings:      m.bindings,
		Migrations:    m.migrations,
		Decisions:     m.decisions,
		Conversations: m.conversations,
		Contexts:      m.contexts,
	}
	data, err := json.MarshalIndent(&snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Cannot marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Error().Err(err).Msg("Cannot write snapshot")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Msg("Cannot rename snapshot")
	}
}

// ── Accounts ────────────────────────────────────────────────

func (m *MemoryStore) GetAccountBySlug(_ context.Context, slug string) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.accountsBySlug[slug]
	if !ok {
		return nil, &models.NotFoundError{Entity: "account", Key: slug}
	}
	cp := *m.accounts[id]
	return &cp, nil
}

func (m *MemoryStore) GetAccount(_ context.Context, id string) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, &models.NotFoundError{Entity: "account", Key: id}
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) CreateAccount(_ context.Context, account *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	cp := *account
	m.accounts[account.ID] = &cp
	m.accountsBySlug[account.Slug] = account.ID
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateAccount(_ context.Context, account *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.accounts[account.ID]
	if !ok {
		return &models.NotFoundError{Entity: "account", Key: account.ID}
	}
	// Identity and slug are immutable; only tier, active flag, and routing
	// config may change.
	account.Slug = existing.Slug
	account.CreatedAt = existing.CreatedAt
	account.UpdatedAt = time.Now().UTC()
	cp := *account
	m.accounts[account.ID] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListAccounts(_ context.Context) ([]models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// ── Instance specs ──────────────────────────────────────────

func (m *MemoryStore) UpsertInstanceSpec(_ context.Context, spec *models.InstanceSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := specKey(spec.AccountID, spec.AgentType, spec.InstanceName)
	if existing, ok := m.specs[k]; ok {
		spec.CreatedAt = existing.CreatedAt
		spec.UpdatedAt = time.Now().UTC()
	} else if spec.CreatedAt.IsZero() {
		spec.CreatedAt = time.Now().UTC()
	}
	cp := *spec
	m.specs[k] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetInstanceSpec(_ context.Context, accountID, agentType, instanceName string) (*models.InstanceSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.specs[specKey(accountID, agentType, instanceName)]
	if !ok {
		return nil, &models.NotFoundError{Entity: "instance spec", Key: agentType + "/" + instanceName}
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListInstanceSpecs(_ context.Context, accountID string) ([]models.InstanceSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.InstanceSpec
	for _, s := range m.specs {
		if s.AccountID == accountID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgentType != out[j].AgentType {
			return out[i].AgentType < out[j].AgentType
		}
		return out[i].InstanceName < out[j].InstanceName
	})
	return out, nil
}

func (m *MemoryStore) ListInstanceSpecsByType(_ context.Context, accountID, agentType string) ([]models.InstanceSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.InstanceSpec
	for _, s := range m.specs {
		if s.AccountID == accountID && s.AgentType == agentType {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceName < out[j].InstanceName })
	return out, nil
}

func (m *MemoryStore) DeleteInstanceSpec(_ context.Context, accountID, agentType, instanceName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := specKey(accountID, agentType, instanceName)
	if _, ok := m.specs[k]; !ok {
		return &models.NotFoundError{Entity: "instance spec", Key: agentType + "/" + instanceName}
	}
	delete(m.specs, k)
	m.requestSave()
	return nil
}

// ── Bindings ────────────────────────────────────────────────

func (m *MemoryStore) GetActiveBinding(_ context.Context, accountID string) (*models.VectorStoreBinding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bindings[accountID]
	if !ok {
		return nil, &models.NotFoundError{Entity: "binding", Key: accountID}
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) SetActiveBinding(_ context.Context, accountID string, binding models.VectorStoreBinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.bindings[accountID] = &binding
	m.requestSave()
	return nil
}

// ── Migrations ──────────────────────────────────────────────

func (m *MemoryStore) CreateMigration(_ context.Context, mig *models.Migration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mig.StartedAt.IsZero() {
		mig.StartedAt = time.Now().UTC()
	}
	cp := *mig
	m.migrations[mig.ID] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetMigration(_ context.Context, id string) (*models.Migration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mig, ok := m.migrations[id]
	if !ok {
		return nil, &models.NotFoundError{Entity: "migration", Key: id}
	}
	cp := *mig
	return &cp, nil
}

func (m *MemoryStore) UpdateMigration(_ context.Context, mig *models.Migration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.migrations[mig.ID]; !ok {
		return &models.NotFoundError{Entity: "migration", Key: mig.ID}
	}
	mig.UpdatedAt = time.Now().UTC()
	cp := *mig
	m.migrations[mig.ID] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) ActiveMigration(_ context.Context, accountID string) (*models.Migration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, mig := range m.migrations {
		if mig.AccountID == accountID &&
			(mig.State == models.MigrationPending || mig.State == models.MigrationRunning) {
			cp := *mig
			return &cp, nil
		}
	}
	return nil, &models.NotFoundError{Entity: "active migration", Key: accountID}
}

func (m *MemoryStore) PendingMigrations(_ context.Context) ([]models.Migration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Migration
	for _, mig := range m.migrations {
		if mig.State == models.MigrationPending || mig.State == models.MigrationRunning {
			out = append(out, *mig)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryStore) ListMigrations(_ context.Context, accountID string) ([]models.Migration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Migration
	for _, mig := range m.migrations {
		if mig.AccountID == accountID {
			out = append(out, *mig)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// ── Routing decisions ───────────────────────────────────────

func (m *MemoryStore) AppendDecision(_ context.Context, d *models.RoutingDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	cp := *d
	m.decisions = append(m.decisions, &cp)
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListDecisions(_ context.Context, accountID, conversationID string, limit int) ([]models.RoutingDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var out []models.RoutingDecision
	// Newest first
	for i := len(m.decisions) - 1; i >= 0 && len(out) < limit; i-- {
		d := m.decisions[i]
		if accountID != "" && d.AccountID != accountID {
			continue
		}
		if conversationID != "" && d.ConversationID != conversationID {
			continue
		}
		out = append(out, *d)
	}
	return out, nil
}

// ── Conversations ───────────────────────────────────────────

func (m *MemoryStore) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, &models.NotFoundError{Entity: "conversation", Key: id}
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) CreateConversation(_ context.Context, c *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	cp := *c
	m.conversations[c.ID] = &cp
	m.contexts[c.ID] = &models.ConversationContext{
		ConversationID: c.ID,
		AccountID:      c.AccountID,
		NextSeq:        1,
	}
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateConversation(_ context.Context, c *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[c.ID]; !ok {
		return &models.NotFoundError{Entity: "conversation", Key: c.ID}
	}
	c.UpdatedAt = time.Now().UTC()
	cp := *c
	m.conversations[c.ID] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetContext(_ context.Context, conversationID string) (*models.ConversationContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cc, ok := m.contexts[conversationID]
	if !ok {
		return nil, &models.NotFoundError{Entity: "conversation context", Key: conversationID}
	}
	cp := *cc
	cp.Turns = append([]models.Turn(nil), cc.Turns...)
	return &cp, nil
}

func (m *MemoryStore) AppendTurn(_ context.Context, conversationID string, turn models.Turn) (models.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cc, ok := m.contexts[conversationID]
	if !ok {
		return models.Turn{}, &models.NotFoundError{Entity: "conversation context", Key: conversationID}
	}
	turn.Seq = cc.NextSeq
	cc.NextSeq++
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	cc.Turns = append(cc.Turns, turn)
	m.requestSave()
	return turn, nil
}

func (m *MemoryStore) UpdateSummary(_ context.Context, conversationID, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cc, ok := m.contexts[conversationID]
	if !ok {
		return &models.NotFoundError{Entity: "conversation context", Key: conversationID}
	}
	cc.Summary = summary
	m.requestSave()
	return nil
}

// ── Lifecycle ───────────────────────────────────────────────

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.doneCh)
		if m.snapshotPath != "" {
			m.saveSnapshot()
		}
	})
	return nil
}
