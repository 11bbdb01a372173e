package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/conductorhq/conductor/pkg/models"
)

// ManagedDriver talks to a hosted vector database over its HTTP API. The
// same driver serves the shared-index kind (one index, per-account
// namespaces) and the dedicated-index kind (one index per account); the
// binding carries the index and namespace to target.
type ManagedDriver struct {
	kind    models.BackendKind
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewManagedDriver builds a driver for one backend kind. kind must be
// BackendShared or BackendDedicated.
func NewManagedDriver(kind models.BackendKind, baseURL, apiKey string) *ManagedDriver {
	return &ManagedDriver{
		kind:    kind,
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (d *ManagedDriver) Kind() models.BackendKind { return d.kind }

type managedVector struct {
	ID       string            `json:"id"`
	Values   []float32         `json:"values"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type managedMatch struct {
	ID       string            `json:"id"`
	Score    float64           `json:"score"`
	Values   []float32         `json:"values,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// do posts a JSON body to an index-scoped path and decodes the response
// into out when non-nil.
func (d *ManagedDriver) do(ctx context.Context, index, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("managed encode: %w", err)
	}
	url := fmt.Sprintf("%s/indexes/%s%s", d.baseURL, index, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		req.Header.Set("Api-Key", d.apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return &models.BackendUnavailableError{Kind: d.kind, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &models.BackendUnavailableError{Kind: d.kind, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("managed %s: status %d: %s", path, resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("managed decode: %w", err)
		}
	}
	return nil
}

func (d *ManagedDriver) Upsert(ctx context.Context, binding models.VectorStoreBinding, docs []models.VectorDoc) error {
	if len(docs) == 0 {
		return nil
	}
	vectors := make([]managedVector, 0, len(docs))
	for _, doc := range docs {
		id := doc.ID
		if id == "" {
			id = uuid.NewString()
		}
		metadata := make(map[string]string, len(doc.Metadata)+2)
		for k, v := range doc.Metadata {
			metadata[k] = v
		}
		metadata["_content"] = doc.Content
		metadata["_account"] = binding.AccountID
		vectors = append(vectors, managedVector{ID: id, Values: doc.Vector, Metadata: metadata})
	}
	body := map[string]any{"vectors": vectors, "namespace": binding.Namespace}
	return d.do(ctx, binding.Index, "/vectors/upsert", body, nil)
}

func (d *ManagedDriver) Query(ctx context.Context, binding models.VectorStoreBinding, vector []float32, topK int, filter map[string]string) ([]models.SearchResult, error) {
	if topK <= 0 {
		topK = 10
	}
	body := map[string]any{
		"vector":          vector,
		"topK":            topK,
		"namespace":       binding.Namespace,
		"includeMetadata": true,
	}
	if len(filter) > 0 {
		body["filter"] = filter
	}
	var out struct {
		Matches []managedMatch `json:"matches"`
	}
	if err := d.do(ctx, binding.Index, "/query", body, &out); err != nil {
		return nil, err
	}

	results := make([]models.SearchResult, 0, len(out.Matches))
	for _, m := range out.Matches {
		doc := models.VectorDoc{
			ID:        m.ID,
			AccountID: binding.AccountID,
			Namespace: binding.Namespace,
			Content:   m.Metadata["_content"],
			Metadata:  make(map[string]string),
		}
		for k, v := range m.Metadata {
			if k != "_content" && k != "_account" {
				doc.Metadata[k] = v
			}
		}
		results = append(results, models.SearchResult{Doc: doc, Score: m.Score})
	}
	return results, nil
}

func (d *ManagedDriver) Delete(ctx context.Context, binding models.VectorStoreBinding, ids []string) error {
	body := map[string]any{"ids": ids, "namespace": binding.Namespace}
	return d.do(ctx, binding.Index, "/vectors/delete", body, nil)
}

func (d *ManagedDriver) Count(ctx context.Context, binding models.VectorStoreBinding) (int, error) {
	var out struct {
		Namespaces map[string]struct {
			VectorCount int `json:"vectorCount"`
		} `json:"namespaces"`
	}
	if err := d.do(ctx, binding.Index, "/describe_index_stats", map[string]any{}, &out); err != nil {
		return 0, err
	}
	ns, ok := out.Namespaces[binding.Namespace]
	if !ok {
		return 0, nil
	}
	return ns.VectorCount, nil
}

// Export pages through the index with the list endpoint's pagination
// token as the cursor, fetching vector values through a follow-up fetch.
func (d *ManagedDriver) Export(ctx context.Context, binding models.VectorStoreBinding, cursor string, limit int) ([]models.VectorDoc, string, error) {
	if limit <= 0 {
		limit = 100
	}
	listBody := map[string]any{"namespace": binding.Namespace, "limit": limit}
	if cursor != "" {
		listBody["paginationToken"] = cursor
	}
	var listed struct {
		Vectors []struct {
			ID string `json:"id"`
		} `json:"vectors"`
		Pagination struct {
			Next string `json:"next"`
		} `json:"pagination"`
	}
	if err := d.do(ctx, binding.Index, "/vectors/list", listBody, &listed); err != nil {
		return nil, "", err
	}
	if len(listed.Vectors) == 0 {
		return nil, "", nil
	}

	ids := make([]string, 0, len(listed.Vectors))
	for _, v := range listed.Vectors {
		ids = append(ids, v.ID)
	}
	var fetched struct {
		Vectors map[string]managedMatch `json:"vectors"`
	}
	fetchBody := map[string]any{"ids": ids, "namespace": binding.Namespace}
	if err := d.do(ctx, binding.Index, "/vectors/fetch", fetchBody, &fetched); err != nil {
		return nil, "", err
	}

	docs := make([]models.VectorDoc, 0, len(ids))
	for _, id := range ids {
		v, ok := fetched.Vectors[id]
		if !ok {
			continue
		}
		doc := models.VectorDoc{
			ID:        id,
			AccountID: binding.AccountID,
			Namespace: binding.Namespace,
			Vector:    v.Values,
			Content:   v.Metadata["_content"],
			Metadata:  make(map[string]string),
		}
		for k, val := range v.Metadata {
			if k != "_content" && k != "_account" {
				doc.Metadata[k] = val
			}
		}
		docs = append(docs, doc)
	}
	return docs, listed.Pagination.Next, nil
}

func (d *ManagedDriver) Import(ctx context.Context, binding models.VectorStoreBinding, docs []models.VectorDoc) error {
	return d.Upsert(ctx, binding, docs)
}

func (d *ManagedDriver) DeleteAll(ctx context.Context, binding models.VectorStoreBinding) error {
	body := map[string]any{"deleteAll": true, "namespace": binding.Namespace}
	return d.do(ctx, binding.Index, "/vectors/delete", body, nil)
}

func (d *ManagedDriver) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/indexes", nil)
	if err != nil {
		return err
	}
	if d.apiKey != "" {
		req.Header.Set("Api-Key", d.apiKey)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return &models.BackendUnavailableError{Kind: d.kind, Err: err}
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &models.BackendUnavailableError{Kind: d.kind, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}
