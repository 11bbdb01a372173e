package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/conductorhq/conductor/pkg/models"
)

// DefaultMaxVectors is the default cap for the embedded store (50K).
const DefaultMaxVectors = 50_000

// EmbeddedDriver is a lightweight in-memory backend using brute-force cosine
// similarity. Suitable for development and tests; production tiers bind to
// pgvector or a managed index.
type EmbeddedDriver struct {
	mu         sync.RWMutex
	docs       map[string]map[string]*models.VectorDoc // index/namespace → id → doc
	maxVectors int
}

// EmbeddedOption configures the embedded driver.
type EmbeddedOption func(*EmbeddedDriver)

// WithMaxVectors sets the maximum total number of vectors.
func WithMaxVectors(max int) EmbeddedOption {
	return func(d *EmbeddedDriver) { d.maxVectors = max }
}

// NewEmbeddedDriver creates an in-memory vector backend.
func NewEmbeddedDriver(opts ...EmbeddedOption) *EmbeddedDriver {
	d := &EmbeddedDriver{
		docs:       make(map[string]map[string]*models.VectorDoc),
		maxVectors: DefaultMaxVectors,
	}
	for _, opt := range opts {
		opt(d)
	}
	log.Info().Int("max_vectors", d.maxVectors).Msg("Embedded vector backend initialized")
	return d
}

func (d *EmbeddedDriver) Kind() models.BackendKind { return models.BackendEmbedded }

// scope returns the partition key for a binding.
func scope(b models.VectorStoreBinding) string {
	return b.Index + "/" + b.Namespace
}

func (d *EmbeddedDriver) total() int {
	n := 0
	for _, part := range d.docs {
		n += len(part)
	}
	return n
}

func (d *EmbeddedDriver) Upsert(_ context.Context, binding models.VectorStoreBinding, docs []models.VectorDoc) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	part := d.docs[scope(binding)]
	if part == nil {
		part = make(map[string]*models.VectorDoc)
		d.docs[scope(binding)] = part
	}

	newCount := 0
	for _, doc := range docs {
		if _, exists := part[doc.ID]; !exists {
			newCount++
		}
	}
	if d.total()+newCount > d.maxVectors {
		return fmt.Errorf("embedded vector backend capacity exceeded: %d > %d", d.total()+newCount, d.maxVectors)
	}

	now := time.Now().UTC()
	for _, doc := range docs {
		cp := doc
		cp.AccountID = binding.AccountID
		cp.Namespace = binding.Namespace
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		part[cp.ID] = &cp
	}
	return nil
}

func (d *EmbeddedDriver) Query(_ context.Context, binding models.VectorStoreBinding, vector []float32, topK int, filter map[string]string) ([]models.SearchResult, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	part := d.docs[scope(binding)]
	if len(part) == 0 {
		return nil, nil
	}

	var results []models.SearchResult
	for _, doc := range part {
		if !matchesFilter(doc.Metadata, filter) {
			continue
		}
		results = append(results, models.SearchResult{Doc: *doc, Score: cosine(vector, doc.Vector)})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (d *EmbeddedDriver) Delete(_ context.Context, binding models.VectorStoreBinding, ids []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	part := d.docs[scope(binding)]
	for _, id := range ids {
		delete(part, id)
	}
	return nil
}

func (d *EmbeddedDriver) Count(_ context.Context, binding models.VectorStoreBinding) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.docs[scope(binding)]), nil
}

// Export pages through documents in ID order; the cursor is the last ID of
// the previous page.
func (d *EmbeddedDriver) Export(_ context.Context, binding models.VectorStoreBinding, cursor string, limit int) ([]models.VectorDoc, string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	part := d.docs[scope(binding)]
	ids := make([]string, 0, len(part))
	for id := range part {
		if cursor == "" || id > cursor {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	if limit <= 0 {
		limit = 100
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]models.VectorDoc, 0, len(ids))
	for _, id := range ids {
		out = append(out, *part[id])
	}

	next := ""
	if len(ids) == limit {
		next = ids[len(ids)-1]
	}
	return out, next, nil
}

func (d *EmbeddedDriver) Import(ctx context.Context, binding models.VectorStoreBinding, docs []models.VectorDoc) error {
	return d.Upsert(ctx, binding, docs)
}

func (d *EmbeddedDriver) DeleteAll(_ context.Context, binding models.VectorStoreBinding) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.docs, scope(binding))
	return nil
}

func (d *EmbeddedDriver) HealthCheck(_ context.Context) error { return nil }

// matchesFilter reports whether metadata satisfies every filter entry.
func matchesFilter(metadata, filter map[string]string) bool {
	for k, v := range filter {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

// cosine computes cosine similarity between two vectors.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
