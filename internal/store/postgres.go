// Package store — PostgreSQL Store implementation backed by pgxpool.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/conductorhq/conductor/pkg/models"
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres and ensures the schema exists.
func NewPostgresStore(ctx context.Context, connURL string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres parse config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Msg("Postgres store initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS accounts (
		id         TEXT PRIMARY KEY,
		slug       TEXT NOT NULL UNIQUE,
		name       TEXT NOT NULL DEFAULT '',
		tier       TEXT NOT NULL,
		active     BOOLEAN NOT NULL DEFAULT TRUE,
		routing    JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS instance_specs (
		account_id    TEXT NOT NULL REFERENCES accounts(id),
		agent_type    TEXT NOT NULL,
		instance_name TEXT NOT NULL,
		template_ref  TEXT NOT NULL,
		overrides     JSONB NOT NULL DEFAULT '{}',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ,
		PRIMARY KEY (account_id, agent_type, instance_name)
	);

	CREATE TABLE IF NOT EXISTS bindings (
		account_id TEXT PRIMARY KEY REFERENCES accounts(id),
		kind       TEXT NOT NULL,
		index_name TEXT NOT NULL,
		namespace  TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS migrations (
		id           TEXT PRIMARY KEY,
		account_id   TEXT NOT NULL REFERENCES accounts(id),
		from_binding JSONB NOT NULL,
		to_binding   JSONB NOT NULL,
		state        TEXT NOT NULL,
		cursor       TEXT NOT NULL DEFAULT '',
		copied       INTEGER NOT NULL DEFAULT 0,
		source_count INTEGER NOT NULL DEFAULT 0,
		last_error   TEXT NOT NULL DEFAULT '',
		started_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at   TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_migrations_account ON migrations (account_id, state);

	CREATE TABLE IF NOT EXISTS routing_decisions (
		id              TEXT PRIMARY KEY,
		account_id      TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		instance_id     TEXT NOT NULL DEFAULT '',
		chosen_type     TEXT NOT NULL,
		confidence      DOUBLE PRECISION NOT NULL,
		used_fallback   BOOLEAN NOT NULL,
		fallback_reason TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_conv ON routing_decisions (conversation_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_decisions_account ON routing_decisions (account_id, created_at);

	CREATE TABLE IF NOT EXISTS conversations (
		id                 TEXT PRIMARY KEY,
		account_id         TEXT NOT NULL,
		state              TEXT NOT NULL,
		active_instance_id TEXT NOT NULL DEFAULT '',
		active_type        TEXT NOT NULL DEFAULT '',
		handoff_from       TEXT NOT NULL DEFAULT '',
		handoff_to         TEXT NOT NULL DEFAULT '',
		summary            TEXT NOT NULL DEFAULT '',
		next_seq           INTEGER NOT NULL DEFAULT 1,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS turns (
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		seq             INTEGER NOT NULL,
		role            TEXT NOT NULL,
		instance_id     TEXT NOT NULL DEFAULT '',
		content         TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (conversation_id, seq)
	);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// ── Accounts ────────────────────────────────────────────────

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	var routing []byte
	var updated *time.Time
	if err := row.Scan(&a.ID, &a.Slug, &a.Name, &a.Tier, &a.Active, &routing, &a.CreatedAt, &updated); err != nil {
		return nil, err
	}
	if updated != nil {
		a.UpdatedAt = *updated
	}
	if len(routing) > 0 {
		if err := json.Unmarshal(routing, &a.Routing); err != nil {
			return nil, fmt.Errorf("decode routing config: %w", err)
		}
	}
	return &a, nil
}

const accountCols = `id, slug, name, tier, active, routing, created_at, updated_at`

func (s *PostgresStore) GetAccountBySlug(ctx context.Context, slug string) (*models.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE slug = $1`, slug))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "account", Key: slug}
	}
	return a, err
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "account", Key: id}
	}
	return a, err
}

func (s *PostgresStore) CreateAccount(ctx context.Context, account *models.Account) error {
	routing, err := json.Marshal(account.Routing)
	if err != nil {
		return err
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO accounts (id, slug, name, tier, active, routing, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		account.ID, account.Slug, account.Name, account.Tier, account.Active, routing, account.CreatedAt)
	return err
}

func (s *PostgresStore) UpdateAccount(ctx context.Context, account *models.Account) error {
	routing, err := json.Marshal(account.Routing)
	if err != nil {
		return err
	}
	// Slug and identity are immutable: only tier, active, name, and routing
	// are written.
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET name = $2, tier = $3, active = $4, routing = $5, updated_at = NOW()
		 WHERE id = $1`,
		account.ID, account.Name, account.Tier, account.Active, routing)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &models.NotFoundError{Entity: "account", Key: account.ID}
	}
	return nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+accountCols+` FROM accounts ORDER BY slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ── Instance specs ──────────────────────────────────────────

const specCols = `account_id, agent_type, instance_name, template_ref, overrides, created_at, updated_at`

func scanSpec(row pgx.Row) (*models.InstanceSpec, error) {
	var sp models.InstanceSpec
	var overrides []byte
	var updated *time.Time
	if err := row.Scan(&sp.AccountID, &sp.AgentType, &sp.InstanceName, &sp.TemplateRef, &overrides, &sp.CreatedAt, &updated); err != nil {
		return nil, err
	}
	if updated != nil {
		sp.UpdatedAt = *updated
	}
	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &sp.Overrides); err != nil {
			return nil, fmt.Errorf("decode overrides: %w", err)
		}
	}
	return &sp, nil
}

func (s *PostgresStore) UpsertInstanceSpec(ctx context.Context, spec *models.InstanceSpec) error {
	overrides, err := json.Marshal(spec.Overrides)
	if err != nil {
		return err
	}
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO instance_specs (account_id, agent_type, instance_name, template_ref, overrides, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (account_id, agent_type, instance_name)
		 DO UPDATE SET template_ref = EXCLUDED.template_ref, overrides = EXCLUDED.overrides, updated_at = NOW()`,
		spec.AccountID, spec.AgentType, spec.InstanceName, spec.TemplateRef, overrides, spec.CreatedAt)
	return err
}

func (s *PostgresStore) GetInstanceSpec(ctx context.Context, accountID, agentType, instanceName string) (*models.InstanceSpec, error) {
	sp, err := scanSpec(s.pool.QueryRow(ctx,
		`SELECT `+specCols+` FROM instance_specs
		 WHERE account_id = $1 AND agent_type = $2 AND instance_name = $3`,
		accountID, agentType, instanceName))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "instance spec", Key: agentType + "/" + instanceName}
	}
	return sp, err
}

func (s *PostgresStore) listSpecs(ctx context.Context, query string, args ...any) ([]models.InstanceSpec, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.InstanceSpec
	for rows.Next() {
		sp, err := scanSpec(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sp)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListInstanceSpecs(ctx context.Context, accountID string) ([]models.InstanceSpec, error) {
	return s.listSpecs(ctx,
		`SELECT `+specCols+` FROM instance_specs WHERE account_id = $1 ORDER BY agent_type, instance_name`,
		accountID)
}

func (s *PostgresStore) ListInstanceSpecsByType(ctx context.Context, accountID, agentType string) ([]models.InstanceSpec, error) {
	return s.listSpecs(ctx,
		`SELECT `+specCols+` FROM instance_specs WHERE account_id = $1 AND agent_type = $2 ORDER BY instance_name`,
		accountID, agentType)
}

func (s *PostgresStore) DeleteInstanceSpec(ctx context.Context, accountID, agentType, instanceName string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM instance_specs WHERE account_id = $1 AND agent_type = $2 AND instance_name = $3`,
		accountID, agentType, instanceName)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &models.NotFoundError{Entity: "instance spec", Key: agentType + "/" + instanceName}
	}
	return nil
}

// ── Bindings ────────────────────────────────────────────────

func (s *PostgresStore) GetActiveBinding(ctx context.Context, accountID string) (*models.VectorStoreBinding, error) {
	var b models.VectorStoreBinding
	b.AccountID = accountID
	err := s.pool.QueryRow(ctx,
		`SELECT kind, index_name, namespace FROM bindings WHERE account_id = $1`, accountID).
		Scan(&b.Kind, &b.Index, &b.Namespace)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "binding", Key: accountID}
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) SetActiveBinding(ctx context.Context, accountID string, binding models.VectorStoreBinding) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bindings (account_id, kind, index_name, namespace, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (account_id)
		 DO UPDATE SET kind = EXCLUDED.kind, index_name = EXCLUDED.index_name,
		               namespace = EXCLUDED.namespace, updated_at = NOW()`,
		accountID, binding.Kind, binding.Index, binding.Namespace)
	return err
}

// ── Migrations ──────────────────────────────────────────────

const migrationCols = `id, account_id, from_binding, to_binding, state, cursor, copied, source_count, last_error, started_at, updated_at, completed_at`

func scanMigration(row pgx.Row) (*models.Migration, error) {
	var m models.Migration
	var from, to []byte
	var updated *time.Time
	if err := row.Scan(&m.ID, &m.AccountID, &from, &to, &m.State, &m.Cursor, &m.Copied,
		&m.SourceCount, &m.LastError, &m.StartedAt, &updated, &m.CompletedAt); err != nil {
		return nil, err
	}
	if updated != nil {
		m.UpdatedAt = *updated
	}
	if err := json.Unmarshal(from, &m.From); err != nil {
		return nil, fmt.Errorf("decode from binding: %w", err)
	}
	if err := json.Unmarshal(to, &m.To); err != nil {
		return nil, fmt.Errorf("decode to binding: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) CreateMigration(ctx context.Context, m *models.Migration) error {
	from, err := json.Marshal(m.From)
	if err != nil {
		return err
	}
	to, err := json.Marshal(m.To)
	if err != nil {
		return err
	}
	if m.StartedAt.IsZero() {
		m.StartedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO migrations (id, account_id, from_binding, to_binding, state, cursor, copied, source_count, last_error, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.AccountID, from, to, m.State, m.Cursor, m.Copied, m.SourceCount, m.LastError, m.StartedAt)
	return err
}

func (s *PostgresStore) GetMigration(ctx context.Context, id string) (*models.Migration, error) {
	m, err := scanMigration(s.pool.QueryRow(ctx,
		`SELECT `+migrationCols+` FROM migrations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "migration", Key: id}
	}
	return m, err
}

func (s *PostgresStore) UpdateMigration(ctx context.Context, m *models.Migration) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE migrations SET state = $2, cursor = $3, copied = $4, source_count = $5,
		        last_error = $6, updated_at = NOW(), completed_at = $7
		 WHERE id = $1`,
		m.ID, m.State, m.Cursor, m.Copied, m.SourceCount, m.LastError, m.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &models.NotFoundError{Entity: "migration", Key: m.ID}
	}
	return nil
}

func (s *PostgresStore) ActiveMigration(ctx context.Context, accountID string) (*models.Migration, error) {
	m, err := scanMigration(s.pool.QueryRow(ctx,
		`SELECT `+migrationCols+` FROM migrations
		 WHERE account_id = $1 AND state IN ('pending', 'running')
		 ORDER BY started_at DESC LIMIT 1`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "active migration", Key: accountID}
	}
	return m, err
}

func (s *PostgresStore) PendingMigrations(ctx context.Context) ([]models.Migration, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+migrationCols+` FROM migrations
		 WHERE state IN ('pending', 'running') ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Migration
	for rows.Next() {
		m, err := scanMigration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListMigrations(ctx context.Context, accountID string) ([]models.Migration, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+migrationCols+` FROM migrations WHERE account_id = $1 ORDER BY started_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Migration
	for rows.Next() {
		m, err := scanMigration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ── Routing decisions ───────────────────────────────────────

func (s *PostgresStore) AppendDecision(ctx context.Context, d *models.RoutingDecision) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO routing_decisions (id, account_id, conversation_id, instance_id, chosen_type, confidence, used_fallback, fallback_reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.AccountID, d.ConversationID, d.InstanceID, d.ChosenType, d.Confidence,
		d.UsedFallback, d.FallbackReason, d.CreatedAt)
	return err
}

func (s *PostgresStore) ListDecisions(ctx context.Context, accountID, conversationID string, limit int) ([]models.RoutingDecision, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, account_id, conversation_id, instance_id, chosen_type, confidence, used_fallback, fallback_reason, created_at
	          FROM routing_decisions WHERE 1=1`
	args := []any{}
	if accountID != "" {
		args = append(args, accountID)
		query += fmt.Sprintf(" AND account_id = $%d", len(args))
	}
	if conversationID != "" {
		args = append(args, conversationID)
		query += fmt.Sprintf(" AND conversation_id = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RoutingDecision
	for rows.Next() {
		var d models.RoutingDecision
		if err := rows.Scan(&d.ID, &d.AccountID, &d.ConversationID, &d.InstanceID, &d.ChosenType,
			&d.Confidence, &d.UsedFallback, &d.FallbackReason, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ── Conversations ───────────────────────────────────────────

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var c models.Conversation
	var updated *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT id, account_id, state, active_instance_id, active_type, handoff_from, handoff_to, created_at, updated_at
		 FROM conversations WHERE id = $1`, id).
		Scan(&c.ID, &c.AccountID, &c.State, &c.ActiveInstanceID, &c.ActiveType,
			&c.HandoffFrom, &c.HandoffTo, &c.CreatedAt, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "conversation", Key: id}
	}
	if err != nil {
		return nil, err
	}
	if updated != nil {
		c.UpdatedAt = *updated
	}
	return &c, nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, c *models.Conversation) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, account_id, state, active_instance_id, active_type, handoff_from, handoff_to, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.AccountID, c.State, c.ActiveInstanceID, c.ActiveType, c.HandoffFrom, c.HandoffTo, c.CreatedAt)
	return err
}

func (s *PostgresStore) UpdateConversation(ctx context.Context, c *models.Conversation) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET state = $2, active_instance_id = $3, active_type = $4,
		        handoff_from = $5, handoff_to = $6, updated_at = NOW()
		 WHERE id = $1`,
		c.ID, c.State, c.ActiveInstanceID, c.ActiveType, c.HandoffFrom, c.HandoffTo)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &models.NotFoundError{Entity: "conversation", Key: c.ID}
	}
	return nil
}

func (s *PostgresStore) GetContext(ctx context.Context, conversationID string) (*models.ConversationContext, error) {
	cc := &models.ConversationContext{ConversationID: conversationID}
	err := s.pool.QueryRow(ctx,
		`SELECT account_id, summary, next_seq FROM conversations WHERE id = $1`, conversationID).
		Scan(&cc.AccountID, &cc.Summary, &cc.NextSeq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "conversation context", Key: conversationID}
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT seq, role, instance_id, content, created_at FROM turns
		 WHERE conversation_id = $1 ORDER BY seq`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var t models.Turn
		if err := rows.Scan(&t.Seq, &t.Role, &t.InstanceID, &t.Content, &t.CreatedAt); err != nil {
			return nil, err
		}
		cc.Turns = append(cc.Turns, t)
	}
	return cc, rows.Err()
}

func (s *PostgresStore) AppendTurn(ctx context.Context, conversationID string, turn models.Turn) (models.Turn, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.Turn{}, err
	}
	defer tx.Rollback(ctx)

	// Claim the next sequence number under row lock so concurrent appends
	// for the same conversation keep strict arrival order.
	err = tx.QueryRow(ctx,
		`UPDATE conversations SET next_seq = next_seq + 1 WHERE id = $1 RETURNING next_seq - 1`,
		conversationID).Scan(&turn.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Turn{}, &models.NotFoundError{Entity: "conversation context", Key: conversationID}
	}
	if err != nil {
		return models.Turn{}, err
	}

	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO turns (conversation_id, seq, role, instance_id, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		conversationID, turn.Seq, turn.Role, turn.InstanceID, turn.Content, turn.CreatedAt)
	if err != nil {
		return models.Turn{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Turn{}, err
	}
	return turn, nil
}

func (s *PostgresStore) UpdateSummary(ctx context.Context, conversationID, summary string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET summary = $2 WHERE id = $1`, conversationID, summary)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &models.NotFoundError{Entity: "conversation context", Key: conversationID}
	}
	return nil
}

// ── Lifecycle ───────────────────────────────────────────────

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}