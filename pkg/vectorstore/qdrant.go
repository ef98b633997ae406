package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/developer-mesh/rag-core/pkg/models"
	"github.com/developer-mesh/rag-core/pkg/observability"
)

const defaultQdrantEndpoint = "http://localhost:6333"

// QdrantStore stores chunks in Qdrant collections over the REST API.
// Qdrant point IDs must be UUIDs or unsigned integers, so points are keyed
// by a deterministic UUIDv5 of the chunk ID and the original chunk ID is
// kept in the payload.
type QdrantStore struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	logger     observability.Logger

	// metrics caches each collection's distance metric, fetched from the
	// collection config when not recorded by CreateIndex in-process.
	mu      sync.RWMutex
	metrics map[string]DistanceMetric
}

var _ Store = (*QdrantStore)(nil)

type qdrantError struct {
	status int
	body   string
}

func (e *qdrantError) Error() string {
	return fmt.Sprintf("qdrant returned status %d: %s", e.status, e.body)
}

func isQdrantNotFound(err error) bool {
	var qe *qdrantError
	return errors.As(err, &qe) && qe.status == http.StatusNotFound
}

// NewQdrantStore builds a store against cfg.Endpoint (default
// http://localhost:6333), with optional api-key auth.
func NewQdrantStore(cfg Config, logger observability.Logger) (*QdrantStore, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = observability.NewStandardLogger("vectorstore.qdrant")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultQdrantEndpoint
	}

	return &QdrantStore{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		logger:     logger,
		metrics:    make(map[string]DistanceMetric),
	}, nil
}

// Initialize verifies the server is reachable.
func (s *QdrantStore) Initialize(ctx context.Context) error {
	return s.HealthCheck(ctx)
}

// CreateIndex creates the collection and payload indexes on document_id and
// chunk_index. Supported opts: on_disk (store vectors on disk).
func (s *QdrantStore) CreateIndex(ctx context.Context, name string, dimension int, metric DistanceMetric, opts map[string]interface{}) (bool, error) {
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

	exists, err := s.IndexExists(ctx, name)
	if err != nil {
		return false, err
	}
	s.rememberMetric(name, metric)
	if exists {
		return true, nil
	}

	vectors := map[string]interface{}{
		"size":     dimension,
		"distance": qdrantDistance(metric),
	}
	if onDisk, ok := opts["on_disk"].(bool); ok && onDisk {
		vectors["on_disk"] = true
	}
	body := map[string]interface{}{"vectors": vectors}

	if _, err := s.doRequest(ctx, http.MethodPut, "/collections/"+name, body); err != nil {
		return false, fmt.Errorf("failed to create collection %s: %w", name, err)
	}

	// Payload indexes keep document deletes and counts from scanning the
	// whole collection.
	for field, schema := range map[string]string{"document_id": "keyword", "chunk_index": "integer"} {
		indexBody := map[string]interface{}{
			"field_name":   field,
			"field_schema": schema,
		}
		if _, err := s.doRequest(ctx, http.MethodPut, "/collections/"+name+"/index", indexBody); err != nil {
			return false, fmt.Errorf("failed to create payload index on %s.%s: %w", name, field, err)
		}
	}

	s.logger.Info("created qdrant collection", map[string]interface{}{
		"collection": name,
		"dimension":  dimension,
		"distance":   qdrantDistance(metric),
	})
	return false, nil
}

// IndexExists checks the collection info endpoint.
func (s *QdrantStore) IndexExists(ctx context.Context, name string) (bool, error) {
	if err := validateIndexName(name); err != nil {
		return false, err
	}
	_, err := s.doRequest(ctx, http.MethodGet, "/collections/"+name, nil)
	if err != nil {
		if isQdrantNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check collection %s: %w", name, err)
	}
	return true, nil
}

type qdrantPoint struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload"`
}

// qdrantPointID derives the deterministic point UUID for a chunk, so
// re-indexing the same chunk replaces its previous point.
func qdrantPointID(chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(chunkID)).String()
}

// IndexChunks upserts points batch by batch; a rejected batch is recorded
// per-chunk and the remaining batches still run.
func (s *QdrantStore) IndexChunks(ctx context.Context, name string, chunks []*models.ChunkWithEmbedding, batchSize int) (*models.BatchIndexResult, error) {
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

		var points []qdrantPoint
		var valid []*models.ChunkWithEmbedding
		for i, chunk := range chunks[start:end] {
			if chunk == nil || chunk.ChunkID == "" {
				result.AddError("chunk %d: missing chunk_id", start+i)
				continue
			}
			if len(chunk.Embedding) == 0 {
				result.AddError("chunk %s: missing embedding", chunk.ChunkID)
				continue
			}
			metadata := chunk.Metadata
			if metadata == nil {
				metadata = map[string]interface{}{}
			}
			points = append(points, qdrantPoint{
				ID:     qdrantPointID(chunk.ChunkID),
				Vector: chunk.Embedding,
				Payload: map[string]interface{}{
					"chunk_id":    chunk.ChunkID,
					"document_id": chunk.DocumentID,
					"chunk_index": chunk.ChunkIndex,
					"content":     chunk.Content,
					"metadata":    metadata,
				},
			})
			valid = append(valid, chunk)
		}
		if len(points) == 0 {
			continue
		}

		body := map[string]interface{}{"points": points}
		if _, err := s.doRequest(ctx, http.MethodPut, "/collections/"+name+"/points?wait=true", body); err != nil {
			for _, chunk := range valid {
				result.AddError("chunk %s: upsert failed: %v", chunk.ChunkID, err)
			}
			continue
		}
		result.IndexedCount += len(points)
	}

	if result.FailedCount > 0 {
		s.logger.Warn("some chunks failed to index", map[string]interface{}{
			"collection": name,
			"indexed":    result.IndexedCount,
			"failed":     result.FailedCount,
		})
	}
	return result, nil
}

// Search queries the points/search endpoint. The threshold is translated
// into Qdrant's raw score space so the cutoff applies natively; scores come
// back normalized to [0,1]. A missing collection yields an empty result.
func (s *QdrantStore) Search(ctx context.Context, name string, vector []float32, opts SearchOptions) ([]*models.SearchResult, error) {
	if err := validateIndexName(name); err != nil {
		return nil, err
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector is empty")
	}
	if err := validateFilterKeys(opts.Filters); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	metric, found, err := s.metricFor(ctx, name)
	if err != nil {
		return nil, err
	}
	if !found {
		return []*models.SearchResult{}, nil
	}

	body := map[string]interface{}{
		"vector":       vector,
		"limit":        opts.Limit,
		"with_payload": true,
	}
	if opts.Threshold > 0 {
		body["score_threshold"] = qdrantRawThreshold(metric, opts.Threshold)
	}
	if len(opts.Filters) > 0 {
		must := make([]map[string]interface{}, 0, len(opts.Filters))
		for _, key := range sortedFilterKeys(opts.Filters) {
			must = append(must, map[string]interface{}{
				"key":   "metadata." + key,
				"match": map[string]interface{}{"value": opts.Filters[key]},
			})
		}
		body["filter"] = map[string]interface{}{"must": must}
	}

	raw, err := s.doRequest(ctx, http.MethodPost, "/collections/"+name+"/points/search", body)
	if err != nil {
		if isQdrantNotFound(err) {
			return []*models.SearchResult{}, nil
		}
		return nil, fmt.Errorf("failed to execute search: %w", err)
	}

	var searchRes struct {
		Result []struct {
			Score   float64                `json:"score"`
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &searchRes); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	results := make([]*models.SearchResult, 0, len(searchRes.Result))
	for _, hit := range searchRes.Result {
		metadata := map[string]interface{}{}
		if md, ok := hit.Payload["metadata"].(map[string]interface{}); ok {
			metadata = md
		}
		results = append(results, &models.SearchResult{
			ChunkID:    payloadString(hit.Payload, "chunk_id"),
			DocumentID: payloadString(hit.Payload, "document_id"),
			Content:    payloadString(hit.Payload, "content"),
			Score:      normalizeQdrantScore(metric, hit.Score),
			Metadata:   metadata,
			ChunkIndex: payloadInt(hit.Payload, "chunk_index"),
		})
	}
	return results, nil
}

// DeleteByDocumentID counts the document's points, then deletes them by
// filter. The count makes the returned bool exact; Qdrant's delete response
// does not say how many points matched.
func (s *QdrantStore) DeleteByDocumentID(ctx context.Context, name, documentID string) (bool, error) {
	if err := validateIndexName(name); err != nil {
		return false, err
	}
	if documentID == "" {
		return false, fmt.Errorf("document ID is required")
	}

	count, err := s.DocumentCount(ctx, name, documentID)
	if err != nil {
		return false, err
	}
	if count == 0 {
		return false, nil
	}

	body := map[string]interface{}{
		"filter": documentFilter(documentID),
	}
	if _, err := s.doRequest(ctx, http.MethodPost, "/collections/"+name+"/points/delete?wait=true", body); err != nil {
		return false, fmt.Errorf("failed to delete document %s: %w", documentID, err)
	}
	return true, nil
}

// DocumentCount counts points exactly, filtered by document when documentID
// is set. A missing collection counts as zero.
func (s *QdrantStore) DocumentCount(ctx context.Context, name, documentID string) (int, error) {
	if err := validateIndexName(name); err != nil {
		return 0, err
	}

	body := map[string]interface{}{"exact": true}
	if documentID != "" {
		body["filter"] = documentFilter(documentID)
	}

	raw, err := s.doRequest(ctx, http.MethodPost, "/collections/"+name+"/points/count", body)
	if err != nil {
		if isQdrantNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to count points: %w", err)
	}

	var countRes struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &countRes); err != nil {
		return 0, fmt.Errorf("failed to parse count response: %w", err)
	}
	return countRes.Result.Count, nil
}

// HealthCheck probes the server's root endpoint.
func (s *QdrantStore) HealthCheck(ctx context.Context) error {
	if _, err := s.doRequest(ctx, http.MethodGet, "/", nil); err != nil {
		return fmt.Errorf("qdrant health check failed: %w", err)
	}
	return nil
}

// Close releases idle transport connections.
func (s *QdrantStore) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

func (s *QdrantStore) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.endpoint+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &qdrantError{status: resp.StatusCode, body: string(raw)}
	}
	return raw, nil
}

func (s *QdrantStore) rememberMetric(name string, metric DistanceMetric) {
	s.mu.Lock()
	s.metrics[name] = metric
	s.mu.Unlock()
}

// metricFor resolves a collection's distance metric, fetching the
// collection config on cache miss. found is false when the collection does
// not exist.
func (s *QdrantStore) metricFor(ctx context.Context, name string) (metric DistanceMetric, found bool, err error) {
	s.mu.RLock()
	metric, ok := s.metrics[name]
	s.mu.RUnlock()
	if ok {
		return metric, true, nil
	}

	raw, err := s.doRequest(ctx, http.MethodGet, "/collections/"+name, nil)
	if err != nil {
		if isQdrantNotFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to fetch collection %s: %w", name, err)
	}

	var info struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Distance string `json:"distance"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return "", false, fmt.Errorf("failed to parse collection info: %w", err)
	}

	metric = metricFromQdrantDistance(info.Result.Config.Params.Vectors.Distance)
	s.rememberMetric(name, metric)
	return metric, true, nil
}

func documentFilter(documentID string) map[string]interface{} {
	return map[string]interface{}{
		"must": []map[string]interface{}{
			{
				"key":   "document_id",
				"match": map[string]interface{}{"value": documentID},
			},
		},
	}
}

func payloadString(payload map[string]interface{}, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func payloadInt(payload map[string]interface{}, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// qdrantDistance maps a metric to Qdrant's distance name.
func qdrantDistance(metric DistanceMetric) string {
	switch metric {
	case MetricEuclidean:
		return "Euclid"
	case MetricDotProduct:
		return "Dot"
	case MetricManhattan:
		return "Manhattan"
	default:
		return "Cosine"
	}
}

func metricFromQdrantDistance(distance string) DistanceMetric {
	switch distance {
	case "Euclid":
		return MetricEuclidean
	case "Dot":
		return MetricDotProduct
	case "Manhattan":
		return MetricManhattan
	default:
		return MetricCosine
	}
}

// normalizeQdrantScore maps Qdrant's raw score into [0,1]. Cosine and Dot
// report similarity in [-1,1] for normalized vectors; Euclid and Manhattan
// report the distance itself.
func normalizeQdrantScore(metric DistanceMetric, score float64) float64 {
	switch metric {
	case MetricEuclidean, MetricManhattan:
		return clamp01(1 / (1 + score))
	default:
		return clamp01((score + 1) / 2)
	}
}

// qdrantRawThreshold inverts normalizeQdrantScore so a normalized cutoff can
// be pushed down as Qdrant's score_threshold.
func qdrantRawThreshold(metric DistanceMetric, threshold float64) float64 {
	switch metric {
	case MetricEuclidean, MetricManhattan:
		// 1/(1+d) >= t  <=>  d <= 1/t - 1
		return 1/threshold - 1
	default:
		return threshold*2 - 1
	}
}
