package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	opensearch "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/developer-mesh/rag-core/pkg/models"
	"github.com/developer-mesh/rag-core/pkg/observability"
)

// osFilterOverfetch widens k-NN candidate retrieval when metadata filters
// apply client-side, so post-filtering still fills the requested limit.
const osFilterOverfetch = 4

// OpenSearchStore stores chunks in OpenSearch indexes with a knn_vector
// field indexed via HNSW. Metadata filters are applied client-side after
// the k-NN query because the k-NN plugin scores before filtering.
type OpenSearchStore struct {
	client  *opensearch.Client
	timeout time.Duration
	logger  observability.Logger
}

var _ Store = (*OpenSearchStore)(nil)

// osDocument is the indexed document shape. Embeddings are excluded from
// search responses via _source filtering.
type osDocument struct {
	ChunkID    string                 `json:"chunk_id"`
	DocumentID string                 `json:"document_id"`
	ChunkIndex int                    `json:"chunk_index"`
	Content    string                 `json:"content"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Embedding  []float32              `json:"embedding,omitempty"`
}

// NewOpenSearchStore builds a store against cfg.Endpoint, with optional
// basic auth.
func NewOpenSearchStore(cfg Config, logger observability.Logger) (*OpenSearchStore, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = observability.NewStandardLogger("vectorstore.opensearch")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("opensearch endpoint is required")
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.Endpoint},
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	return &OpenSearchStore{
		client:  client,
		timeout: cfg.RequestTimeout,
		logger:  logger,
	}, nil
}

// Initialize pings the cluster.
func (s *OpenSearchStore) Initialize(ctx context.Context) error {
	return s.HealthCheck(ctx)
}

// CreateIndex creates a k-NN enabled index with an HNSW embedding mapping.
// Supported opts: ef_construction, m.
func (s *OpenSearchStore) CreateIndex(ctx context.Context, name string, dimension int, metric DistanceMetric, opts map[string]interface{}) (bool, error) {
	if err := validateIndexName(name); err != nil {
		return false, err
	}
	if dimension <= 0 {
		return false, fmt.Errorf("dimension must be positive, got %d", dimension)
	}
	metric, err := NormalizeMetric(string(metric))
	if err != nil {
		return false, err
	}
	spaceType, err := osSpaceType(metric)
	if err != nil {
		return false, err
	}

	exists, err := s.IndexExists(ctx, name)
	if err != nil {
		return false, err
	}
	if exists {
		return true, nil
	}

	body := map[string]interface{}{
		"settings": map[string]interface{}{
			"index": map[string]interface{}{
				"knn": true,
			},
		},
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"chunk_id":    map[string]interface{}{"type": "keyword"},
				"document_id": map[string]interface{}{"type": "keyword"},
				"chunk_index": map[string]interface{}{"type": "integer"},
				"content":     map[string]interface{}{"type": "text"},
				"metadata":    map[string]interface{}{"type": "object"},
				"embedding": map[string]interface{}{
					"type":      "knn_vector",
					"dimension": dimension,
					"method": map[string]interface{}{
						"name":       "hnsw",
						"space_type": spaceType,
						"engine":     "nmslib",
						"parameters": map[string]interface{}{
							"ef_construction": intOpt(opts, "ef_construction", 512),
							"m":               intOpt(opts, "m", 16),
						},
					},
				},
			},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return false, fmt.Errorf("failed to encode index mapping: %w", err)
	}

	ctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	req := opensearchapi.IndicesCreateRequest{Index: name, Body: bytes.NewReader(payload)}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return false, fmt.Errorf("failed to create index %s: %w", name, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		// Lost the exists-check race; another creator won.
		if strings.Contains(string(raw), "resource_already_exists_exception") {
			return true, nil
		}
		return false, fmt.Errorf("failed to create index %s: status %s: %s", name, res.Status(), raw)
	}

	s.logger.Info("created opensearch index", map[string]interface{}{
		"index":      name,
		"dimension":  dimension,
		"space_type": spaceType,
	})
	return false, nil
}

// IndexExists checks the index via a HEAD request.
func (s *OpenSearchStore) IndexExists(ctx context.Context, name string) (bool, error) {
	if err := validateIndexName(name); err != nil {
		return false, err
	}

	ctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	req := opensearchapi.IndicesExistsRequest{Index: []string{name}}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return false, fmt.Errorf("failed to check index %s: %w", name, err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("failed to check index %s: status %s", name, res.Status())
	}
}

// IndexChunks upserts chunks through the _bulk API, parsing per-line item
// statuses so one rejected document does not hide the rest.
func (s *OpenSearchStore) IndexChunks(ctx context.Context, name string, chunks []*models.ChunkWithEmbedding, batchSize int) (*models.BatchIndexResult, error) {
	if err := validateIndexName(name); err != nil {
		return nil, err
	}

	result := &models.BatchIndexResult{Success: true}
	if len(chunks) == 0 {
		return result, nil
	}
	batchSize = clampBatchSize(batchSize)

	for start := 0; start < len(chunks); start += batchSize {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		s.bulkUpsert(ctx, name, chunks[start:end], start, result)
	}

	if result.FailedCount > 0 {
		s.logger.Warn("some chunks failed to index", map[string]interface{}{
			"index":   name,
			"indexed": result.IndexedCount,
			"failed":  result.FailedCount,
		})
	}
	return result, nil
}

func (s *OpenSearchStore) bulkUpsert(ctx context.Context, name string, batch []*models.ChunkWithEmbedding, offset int, result *models.BatchIndexResult) {
	var buf bytes.Buffer
	var valid []*models.ChunkWithEmbedding
	for i, chunk := range batch {
		if chunk == nil || chunk.ChunkID == "" {
			result.AddError("chunk %d: missing chunk_id", offset+i)
			continue
		}
		if len(chunk.Embedding) == 0 {
			result.AddError("chunk %s: missing embedding", chunk.ChunkID)
			continue
		}

		action := map[string]interface{}{
			"index": map[string]interface{}{"_id": chunk.ChunkID},
		}
		actionLine, err := json.Marshal(action)
		if err != nil {
			result.AddError("chunk %s: %v", chunk.ChunkID, err)
			continue
		}
		docLine, err := json.Marshal(osDocument{
			ChunkID:    chunk.ChunkID,
			DocumentID: chunk.DocumentID,
			ChunkIndex: chunk.ChunkIndex,
			Content:    chunk.Content,
			Metadata:   chunk.Metadata,
			Embedding:  chunk.Embedding,
		})
		if err != nil {
			result.AddError("chunk %s: %v", chunk.ChunkID, err)
			continue
		}

		buf.Write(actionLine)
		buf.WriteByte('\n')
		buf.Write(docLine)
		buf.WriteByte('\n')
		valid = append(valid, chunk)
	}
	if len(valid) == 0 {
		return
	}

	opCtx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	req := opensearchapi.BulkRequest{Index: name, Body: &buf}
	res, err := req.Do(opCtx, s.client)
	if err != nil {
		for _, chunk := range valid {
			result.AddError("chunk %s: bulk request failed: %v", chunk.ChunkID, err)
		}
		return
	}
	defer res.Body.Close()

	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		for _, chunk := range valid {
			result.AddError("chunk %s: bulk request failed: status %s: %s", chunk.ChunkID, res.Status(), raw)
		}
		return
	}

	var bulkRes struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&bulkRes); err != nil {
		for _, chunk := range valid {
			result.AddError("chunk %s: failed to parse bulk response: %v", chunk.ChunkID, err)
		}
		return
	}

	for i, item := range bulkRes.Items {
		entry, ok := item["index"]
		if !ok {
			continue
		}
		if entry.Status >= http.StatusMultipleChoices {
			reason := "unknown error"
			if entry.Error != nil {
				reason = fmt.Sprintf("%s: %s", entry.Error.Type, entry.Error.Reason)
			}
			id := entry.ID
			if id == "" && i < len(valid) {
				id = valid[i].ChunkID
			}
			result.AddError("chunk %s: %s", id, reason)
			continue
		}
		result.IndexedCount++
	}
}

// Search runs a k-NN query and applies threshold and metadata filters to
// the hits. A missing index yields an empty result set.
func (s *OpenSearchStore) Search(ctx context.Context, name string, vector []float32, opts SearchOptions) ([]*models.SearchResult, error) {
	if err := validateIndexName(name); err != nil {
		return nil, err
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector is empty")
	}
	opts = opts.withDefaults()

	fetch := opts.Limit
	if len(opts.Filters) > 0 {
		fetch = opts.Limit * osFilterOverfetch
	}

	body := map[string]interface{}{
		"size": fetch,
		"query": map[string]interface{}{
			"knn": map[string]interface{}{
				"embedding": map[string]interface{}{
					"vector": vector,
					"k":      fetch,
				},
			},
		},
		"_source": []string{"chunk_id", "document_id", "chunk_index", "content", "metadata"},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode search query: %w", err)
	}

	ctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	req := opensearchapi.SearchRequest{Index: []string{name}, Body: bytes.NewReader(payload)}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return nil, fmt.Errorf("failed to execute search: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return []*models.SearchResult{}, nil
	}
	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("search failed: status %s: %s", res.Status(), raw)
	}

	var searchRes struct {
		Hits struct {
			Hits []struct {
				ID     string     `json:"_id"`
				Score  float64    `json:"_score"`
				Source osDocument `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&searchRes); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	results := make([]*models.SearchResult, 0, opts.Limit)
	for _, hit := range searchRes.Hits.Hits {
		// The k-NN plugin scores as 1/(1+distance), already in (0,1] for
		// cosinesimil and l2; inner product can exceed 1 so clamp.
		score := clamp01(hit.Score)
		if opts.Threshold > 0 && score < opts.Threshold {
			continue
		}
		metadata := hit.Source.Metadata
		if metadata == nil {
			metadata = map[string]interface{}{}
		}
		if !matchesFilters(metadata, opts.Filters) {
			continue
		}
		results = append(results, &models.SearchResult{
			ChunkID:    hit.Source.ChunkID,
			DocumentID: hit.Source.DocumentID,
			Content:    hit.Source.Content,
			Score:      score,
			Metadata:   metadata,
			ChunkIndex: hit.Source.ChunkIndex,
		})
		if len(results) == opts.Limit {
			break
		}
	}
	return results, nil
}

// DeleteByDocumentID removes the document's chunks via delete_by_query.
func (s *OpenSearchStore) DeleteByDocumentID(ctx context.Context, name, documentID string) (bool, error) {
	if err := validateIndexName(name); err != nil {
		return false, err
	}
	if documentID == "" {
		return false, fmt.Errorf("document ID is required")
	}

	body := map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{"document_id": documentID},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return false, fmt.Errorf("failed to encode delete query: %w", err)
	}

	ctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	req := opensearchapi.DeleteByQueryRequest{Index: []string{name}, Body: bytes.NewReader(payload)}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return false, fmt.Errorf("failed to delete document %s: %w", documentID, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		return false, fmt.Errorf("failed to delete document %s: status %s: %s", documentID, res.Status(), raw)
	}

	var deleteRes struct {
		Deleted int `json:"deleted"`
	}
	if err := json.NewDecoder(res.Body).Decode(&deleteRes); err != nil {
		return false, fmt.Errorf("failed to parse delete response: %w", err)
	}
	return deleteRes.Deleted > 0, nil
}

// DocumentCount counts chunks via the _count API.
func (s *OpenSearchStore) DocumentCount(ctx context.Context, name, documentID string) (int, error) {
	if err := validateIndexName(name); err != nil {
		return 0, err
	}

	var reqBody io.Reader
	if documentID != "" {
		body := map[string]interface{}{
			"query": map[string]interface{}{
				"term": map[string]interface{}{"document_id": documentID},
			},
		}
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode count query: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	ctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	req := opensearchapi.CountRequest{Index: []string{name}, Body: reqBody}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		return 0, fmt.Errorf("failed to count chunks: status %s: %s", res.Status(), raw)
	}

	var countRes struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&countRes); err != nil {
		return 0, fmt.Errorf("failed to parse count response: %w", err)
	}
	return countRes.Count, nil
}

// HealthCheck pings the cluster.
func (s *OpenSearchStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	req := opensearchapi.PingRequest{}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("opensearch health check failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("opensearch health check failed: status %s", res.Status())
	}
	return nil
}

// Close is a no-op; the client holds no persistent connections beyond the
// HTTP transport's pool.
func (s *OpenSearchStore) Close() error {
	return nil
}

// osSpaceType maps a metric to the k-NN plugin space_type.
func osSpaceType(metric DistanceMetric) (string, error) {
	switch metric {
	case MetricCosine:
		return "cosinesimil", nil
	case MetricEuclidean:
		return "l2", nil
	case MetricDotProduct:
		return "innerproduct", nil
	case MetricManhattan:
		return "l1", nil
	default:
		return "", fmt.Errorf("opensearch backend does not support metric %q", metric)
	}
}
