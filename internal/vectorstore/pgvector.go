package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/rs/zerolog/log"

	"github.com/conductorhq/conductor/pkg/models"
)

// identRe validates table names derived from bindings before they are
// spliced into DDL.
var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PgvectorDriver implements Driver on PostgreSQL with the pgvector
// extension. Each budget-tier account gets its own table, named by the
// binding's Index, so tenant data never shares a table.
type PgvectorDriver struct {
	pool       *pgxpool.Pool
	dimensions int

	mu      sync.Mutex
	ensured map[string]bool // tables with DDL applied
}

// NewPgvectorDriver connects to Postgres and enables the vector extension.
func NewPgvectorDriver(ctx context.Context, connURL string, dimensions int) (*PgvectorDriver, error) {
	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("pgvector parse config: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgvector connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector ping: %w", err)
	}
	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector extension: %w", err)
	}

	log.Info().Int("dims", dimensions).Msg("pgvector backend initialized")
	return &PgvectorDriver{
		pool:       pool,
		dimensions: dimensions,
		ensured:    make(map[string]bool),
	}, nil
}

func (d *PgvectorDriver) Kind() models.BackendKind { return models.BackendPgvector }

// table validates and returns the binding's table name.
func (d *PgvectorDriver) table(binding models.VectorStoreBinding) (string, error) {
	if !identRe.MatchString(binding.Index) {
		return "", fmt.Errorf("invalid pgvector table name %q", binding.Index)
	}
	return binding.Index, nil
}

// ensureTable creates the binding's table on first use.
func (d *PgvectorDriver) ensureTable(ctx context.Context, table string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ensured[table] {
		return nil
	}
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id         TEXT PRIMARY KEY,
			namespace  TEXT NOT NULL DEFAULT '',
			content    TEXT NOT NULL DEFAULT '',
			metadata   JSONB NOT NULL DEFAULT '{}',
			embedding  vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, table, d.dimensions)
	if _, err := d.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	d.ensured[table] = true
	return nil
}

func (d *PgvectorDriver) Upsert(ctx context.Context, binding models.VectorStoreBinding, docs []models.VectorDoc) error {
	if len(docs) == 0 {
		return nil
	}
	table, err := d.table(binding)
	if err != nil {
		return err
	}
	if err := d.ensureTable(ctx, table); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	now := time.Now().UTC()
	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, namespace, content, metadata, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			namespace = EXCLUDED.namespace,
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding`, table)
	for _, doc := range docs {
		id := doc.ID
		if id == "" {
			id = uuid.NewString()
		}
		created := doc.CreatedAt
		if created.IsZero() {
			created = now
		}
		metadata := doc.Metadata
		if metadata == nil {
			metadata = map[string]string{}
		}
		batch.Queue(stmt, id, binding.Namespace, doc.Content, metadata, pgvector.NewVector(doc.Vector), created)
	}

	br := d.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range docs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("pgvector upsert: %w", err)
		}
	}
	return nil
}

func (d *PgvectorDriver) Query(ctx context.Context, binding models.VectorStoreBinding, vector []float32, topK int, filter map[string]string) ([]models.SearchResult, error) {
	table, err := d.table(binding)
	if err != nil {
		return nil, err
	}
	if err := d.ensureTable(ctx, table); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 10
	}

	query := fmt.Sprintf(`
		SELECT id, namespace, content, metadata, created_at, 1 - (embedding <=> $1) AS score
		FROM %s WHERE 1=1`, table)
	args := []any{pgvector.NewVector(vector)}
	for k, v := range filter {
		args = append(args, k, v)
		query += fmt.Sprintf(" AND metadata->>$%d = $%d", len(args)-1, len(args))
	}
	args = append(args, topK)
	query += fmt.Sprintf(" ORDER BY embedding <=> $1 LIMIT $%d", len(args))

	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgvector query: %w", err)
	}
	defer rows.Close()

	var results []models.SearchResult
	for rows.Next() {
		var doc models.VectorDoc
		var metadata []byte
		var score float64
		if err := rows.Scan(&doc.ID, &doc.Namespace, &doc.Content, &metadata, &doc.CreatedAt, &score); err != nil {
			return nil, fmt.Errorf("pgvector scan: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &doc.Metadata); err != nil {
				return nil, fmt.Errorf("pgvector decode metadata: %w", err)
			}
		}
		doc.AccountID = binding.AccountID
		results = append(results, models.SearchResult{Doc: doc, Score: score})
	}
	return results, rows.Err()
}

func (d *PgvectorDriver) Delete(ctx context.Context, binding models.VectorStoreBinding, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	table, err := d.table(binding)
	if err != nil {
		return err
	}
	_, err = d.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, table), ids)
	return err
}

func (d *PgvectorDriver) Count(ctx context.Context, binding models.VectorStoreBinding) (int, error) {
	table, err := d.table(binding)
	if err != nil {
		return 0, err
	}
	if err := d.ensureTable(ctx, table); err != nil {
		return 0, err
	}
	var count int
	err = d.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&count)
	return count, err
}

// Export pages in ID order; the cursor is the last ID of the previous page.
func (d *PgvectorDriver) Export(ctx context.Context, binding models.VectorStoreBinding, cursor string, limit int) ([]models.VectorDoc, string, error) {
	table, err := d.table(binding)
	if err != nil {
		return nil, "", err
	}
	if err := d.ensureTable(ctx, table); err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := d.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, namespace, content, metadata, embedding, created_at
		FROM %s WHERE id > $1 ORDER BY id LIMIT $2`, table), cursor, limit)
	if err != nil {
		return nil, "", fmt.Errorf("pgvector export: %w", err)
	}
	defer rows.Close()

	var out []models.VectorDoc
	for rows.Next() {
		var doc models.VectorDoc
		var metadata []byte
		var vec pgvector.Vector
		if err := rows.Scan(&doc.ID, &doc.Namespace, &doc.Content, &metadata, &vec, &doc.CreatedAt); err != nil {
			return nil, "", fmt.Errorf("pgvector scan: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &doc.Metadata); err != nil {
				return nil, "", fmt.Errorf("pgvector decode metadata: %w", err)
			}
		}
		doc.Vector = vec.Slice()
		doc.AccountID = binding.AccountID
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (d *PgvectorDriver) Import(ctx context.Context, binding models.VectorStoreBinding, docs []models.VectorDoc) error {
	return d.Upsert(ctx, binding, docs)
}

func (d *PgvectorDriver) DeleteAll(ctx context.Context, binding models.VectorStoreBinding) error {
	table, err := d.table(binding)
	if err != nil {
		return err
	}
	_, err = d.pool.Exec(ctx, `DROP TABLE IF EXISTS `+table)
	if err == nil {
		d.mu.Lock()
		delete(d.ensured, table)
		d.mu.Unlock()
	}
	return err
}

func (d *PgvectorDriver) HealthCheck(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

// Close releases the connection pool.
func (d *PgvectorDriver) Close() {
	d.pool.Close()
}

// TableName derives a safe per-account table name.
func TableName(accountID string) string {
	cleaned := strings.ToLower(accountID)
	cleaned = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, cleaned)
	return "vectors_" + cleaned
}
