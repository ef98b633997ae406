package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/developer-mesh/rag-core/pkg/models"
	"github.com/developer-mesh/rag-core/pkg/observability"
)

// PGVectorStore persists chunks in PostgreSQL with a pgvector embedding
// column. Each index name maps to one table; CreateIndex issues idempotent
// DDL so concurrent creators race safely.
type PGVectorStore struct {
	db      *sqlx.DB
	timeout time.Duration
	logger  observability.Logger

	// metrics records the distance metric per table created in-process.
	// Tables created elsewhere fall back to the configured default.
	mu            sync.RWMutex
	metrics       map[string]DistanceMetric
	defaultMetric DistanceMetric
}

var _ Store = (*PGVectorStore)(nil)

// NewPGVectorStore opens a connection pool against cfg.DSN.
func NewPGVectorStore(cfg Config, logger observability.Logger) (*PGVectorStore, error) {
	cfg = cfg.withDefaults()
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return NewPGVectorStoreWithDB(db, cfg, logger), nil
}

// NewPGVectorStoreWithDB wraps an existing pool. Tests inject a
// sqlmock-backed pool through here.
func NewPGVectorStoreWithDB(db *sqlx.DB, cfg Config, logger observability.Logger) *PGVectorStore {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = observability.NewStandardLogger("vectorstore.pgvector")
	}
	return &PGVectorStore{
		db:            db,
		timeout:       cfg.RequestTimeout,
		logger:        logger,
		metrics:       make(map[string]DistanceMetric),
		defaultMetric: cfg.Metric,
	}
}

// Initialize pings the database and enables the pgvector extension.
func (s *PGVectorStore) Initialize(ctx context.Context) error {
	ctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to enable pgvector extension: %w", err)
	}
	return nil
}

// CreateIndex creates the chunk table plus its ANN and document_id indexes.
// Supported opts: index_type ("hnsw" default, "ivfflat"), m, ef_construction
// for HNSW, lists for IVFFlat.
func (s *PGVectorStore) CreateIndex(ctx context.Context, name string, dimension int, metric DistanceMetric, opts map[string]interface{}) (bool, error) {
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
	opclass, err := pgOperatorClass(metric)
	if err != nil {
		return false, err
	}

	ctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	exists, err := s.indexExists(ctx, name)
	if err != nil {
		return false, err
	}
	s.rememberMetric(name, metric)
	if exists {
		return true, nil
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		chunk_id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL DEFAULT 0,
		content TEXT NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		embedding vector(%d),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, name, dimension)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return false, fmt.Errorf("failed to create table %s: %w", name, err)
	}

	docIdx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_document_id_idx ON %s (document_id)", name, name)
	if _, err := s.db.ExecContext(ctx, docIdx); err != nil {
		return false, fmt.Errorf("failed to create document_id index on %s: %w", name, err)
	}

	annIdx := buildANNIndexDDL(name, opclass, opts)
	if _, err := s.db.ExecContext(ctx, annIdx); err != nil {
		return false, fmt.Errorf("failed to create vector index on %s: %w", name, err)
	}

	s.logger.Info("created pgvector table", map[string]interface{}{
		"table":     name,
		"dimension": dimension,
		"metric":    string(metric),
	})
	return false, nil
}

// IndexExists reports whether the table exists.
func (s *PGVectorStore) IndexExists(ctx context.Context, name string) (bool, error) {
	if err := validateIndexName(name); err != nil {
		return false, err
	}
	ctx, cancel := opContext(ctx, s.timeout)
	defer cancel()
	return s.indexExists(ctx, name)
}

func (s *PGVectorStore) indexExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	if err := s.db.GetContext(ctx, &exists, "SELECT to_regclass($1) IS NOT NULL", name); err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", name, err)
	}
	return exists, nil
}

// IndexChunks upserts chunks one statement at a time so a failed row never
// poisons the rest of its batch; batches only bound progress logging and
// cancellation checks.
func (s *PGVectorStore) IndexChunks(ctx context.Context, name string, chunks []*models.ChunkWithEmbedding, batchSize int) (*models.BatchIndexResult, error) {
	if err := validateIndexName(name); err != nil {
		return nil, err
	}

	result := &models.BatchIndexResult{Success: true}
	if len(chunks) == 0 {
		return result, nil
	}
	batchSize = clampBatchSize(batchSize)

	query := fmt.Sprintf(`INSERT INTO %s (chunk_id, document_id, chunk_index, content, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chunk_id) DO UPDATE SET
			document_id = EXCLUDED.document_id,
			chunk_index = EXCLUDED.chunk_index,
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding`, name)

	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		for i, chunk := range chunks[start:end] {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			if chunk == nil || chunk.ChunkID == "" {
				result.AddError("chunk %d: missing chunk_id", start+i)
				continue
			}
			if len(chunk.Embedding) == 0 {
				result.AddError("chunk %s: missing embedding", chunk.ChunkID)
				continue
			}

			metadataJSON := []byte("{}")
			if chunk.Metadata != nil {
				if b, err := json.Marshal(chunk.Metadata); err == nil {
					metadataJSON = b
				}
			}

			opCtx, cancel := opContext(ctx, s.timeout)
			_, err := s.db.ExecContext(opCtx, query,
				chunk.ChunkID, chunk.DocumentID, chunk.ChunkIndex,
				chunk.Content, metadataJSON, pgvector.NewVector(chunk.Embedding))
			cancel()
			if err != nil {
				result.AddError("chunk %s: %v", chunk.ChunkID, err)
				continue
			}
			result.IndexedCount++
		}
	}

	if result.FailedCount > 0 {
		s.logger.Warn("some chunks failed to index", map[string]interface{}{
			"table":   name,
			"indexed": result.IndexedCount,
			"failed":  result.FailedCount,
		})
	}
	return result, nil
}

// Search runs a similarity query using the distance operator for the
// table's metric. A missing table yields an empty result set.
func (s *PGVectorStore) Search(ctx context.Context, name string, vector []float32, opts SearchOptions) ([]*models.SearchResult, error) {
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

	scoreExpr, err := pgScoreExpression(s.metricFor(name))
	if err != nil {
		return nil, err
	}

	args := []interface{}{pgvector.NewVector(vector)}
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT chunk_id, document_id, chunk_index, content, metadata, %s AS score FROM %s", scoreExpr, name)

	var conditions []string
	for _, key := range sortedFilterKeys(opts.Filters) {
		args = append(args, fmt.Sprintf("%v", opts.Filters[key]))
		conditions = append(conditions, fmt.Sprintf("metadata->>'%s' = $%d", key, len(args)))
	}
	if opts.Threshold > 0 {
		args = append(args, opts.Threshold)
		conditions = append(conditions, fmt.Sprintf("%s >= $%d", scoreExpr, len(args)))
	}
	if len(conditions) > 0 {
		sb.WriteString(" WHERE " + strings.Join(conditions, " AND "))
	}

	args = append(args, opts.Limit)
	fmt.Fprintf(&sb, " ORDER BY score DESC LIMIT $%d", len(args))

	ctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		if isUndefinedTable(err) {
			return []*models.SearchResult{}, nil
		}
		return nil, fmt.Errorf("failed to execute search query: %w", err)
	}
	defer rows.Close()

	results := make([]*models.SearchResult, 0, opts.Limit)
	for rows.Next() {
		var (
			chunkID, documentID, content string
			chunkIndex                   int
			metadataRaw                  []byte
			score                        float64
		)
		if err := rows.Scan(&chunkID, &documentID, &chunkIndex, &content, &metadataRaw, &score); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}

		metadata := map[string]interface{}{}
		if len(metadataRaw) > 0 {
			if err := json.Unmarshal(metadataRaw, &metadata); err != nil {
				s.logger.Warn("failed to decode chunk metadata", map[string]interface{}{
					"chunk_id": chunkID,
					"error":    err.Error(),
				})
			}
		}

		results = append(results, &models.SearchResult{
			ChunkID:    chunkID,
			DocumentID: documentID,
			Content:    content,
			Score:      clamp01(score),
			Metadata:   metadata,
			ChunkIndex: chunkIndex,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read search results: %w", err)
	}
	return results, nil
}

// DeleteByDocumentID removes the document's chunks and reports whether any
// rows were deleted.
func (s *PGVectorStore) DeleteByDocumentID(ctx context.Context, name, documentID string) (bool, error) {
	if err := validateIndexName(name); err != nil {
		return false, err
	}
	if documentID == "" {
		return false, fmt.Errorf("document ID is required")
	}

	ctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE document_id = $1", name), documentID)
	if err != nil {
		if isUndefinedTable(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete document %s: %w", documentID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read deleted row count: %w", err)
	}
	return affected > 0, nil
}

// DocumentCount counts chunks for a document, or all chunks when documentID
// is empty. A missing table counts as zero.
func (s *PGVectorStore) DocumentCount(ctx context.Context, name, documentID string) (int, error) {
	if err := validateIndexName(name); err != nil {
		return 0, err
	}

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", name)
	var args []interface{}
	if documentID != "" {
		query += " WHERE document_id = $1"
		args = append(args, documentID)
	}

	ctx, cancel := opContext(ctx, s.timeout)
	defer cancel()

	var count int
	if err := s.db.GetContext(ctx, &count, query, args...); err != nil {
		if isUndefinedTable(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count, nil
}

// HealthCheck pings the database.
func (s *PGVectorStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := opContext(ctx, s.timeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres health check failed: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PGVectorStore) Close() error {
	return s.db.Close()
}

func (s *PGVectorStore) rememberMetric(name string, metric DistanceMetric) {
	s.mu.Lock()
	s.metrics[name] = metric
	s.mu.Unlock()
}

func (s *PGVectorStore) metricFor(name string) DistanceMetric {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.metrics[name]; ok {
		return m
	}
	return s.defaultMetric
}

// pgOperatorClass maps a metric to the pgvector operator class used when
// building the ANN index. pgvector has no manhattan operator class.
func pgOperatorClass(metric DistanceMetric) (string, error) {
	switch metric {
	case MetricCosine:
		return "vector_cosine_ops", nil
	case MetricEuclidean:
		return "vector_l2_ops", nil
	case MetricDotProduct:
		return "vector_ip_ops", nil
	default:
		return "", fmt.Errorf("pgvector backend does not support metric %q", metric)
	}
}

// pgScoreExpression returns the SQL expression computing a [0,1] similarity
// score for the metric. Cosine distance spans [0,2] so 1 - dist/2 lands in
// [0,1]; <#> returns the negated inner product so (1 - raw)/2 recovers
// (sim+1)/2 for normalized embeddings.
func pgScoreExpression(metric DistanceMetric) (string, error) {
	switch metric {
	case MetricCosine:
		return "1 - (embedding <=> $1::vector) / 2", nil
	case MetricEuclidean:
		return "1 / (1 + (embedding <-> $1::vector))", nil
	case MetricDotProduct:
		return "(1 - (embedding <#> $1::vector)) / 2", nil
	default:
		return "", fmt.Errorf("pgvector backend does not support metric %q", metric)
	}
}

// buildANNIndexDDL renders the CREATE INDEX statement for the requested
// index type. Option values arrive as JSON-decoded interface{} so numeric
// types vary.
func buildANNIndexDDL(name, opclass string, opts map[string]interface{}) string {
	indexType := "hnsw"
	if v, ok := opts["index_type"].(string); ok && strings.EqualFold(v, "ivfflat") {
		indexType = "ivfflat"
	}
	if indexType == "ivfflat" {
		return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING ivfflat (embedding %s) WITH (lists = %d)",
			name, name, opclass, intOpt(opts, "lists", 100))
	}
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding %s) WITH (m = %d, ef_construction = %d)",
		name, name, opclass, intOpt(opts, "m", 16), intOpt(opts, "ef_construction", 64))
}

func intOpt(opts map[string]interface{}, key string, fallback int) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func sortedFilterKeys(filters map[string]interface{}) []string {
	if len(filters) == 0 {
		return nil
	}
	keys := make([]string, 0, len(filters))
	for key := range filters {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func isUndefinedTable(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "42P01"
}
