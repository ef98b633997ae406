// Package pipeline wires chunking, embedding, and vector storage into the
// document ingestion flow: one call takes a raw document to indexed chunks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/developer-mesh/rag-core/pkg/chunking"
	"github.com/developer-mesh/rag-core/pkg/embedding"
	"github.com/developer-mesh/rag-core/pkg/models"
	"github.com/developer-mesh/rag-core/pkg/observability"
	"github.com/developer-mesh/rag-core/pkg/vectorstore"
)

// Validation errors returned by IngestDocument.
var (
	ErrNilDocument  = errors.New("document is required")
	ErrEmptyContent = errors.New("document content is empty")
)

// Config carries the pipeline's target index and batch sizing.
type Config struct {
	// IndexName is the vector store index documents are ingested into.
	// Required.
	IndexName string `mapstructure:"index_name"`

	// Metric is the index's distance metric, used when the pipeline creates
	// the index. Defaults to cosine.
	Metric vectorstore.DistanceMetric `mapstructure:"metric"`

	// IndexOptions are backend-specific index creation options (hnsw/ivfflat
	// parameters and the like).
	IndexOptions map[string]interface{} `mapstructure:"index_options"`

	// EmbedBatchSize is passed to EmbedBatch; zero means the provider
	// default.
	EmbedBatchSize int `mapstructure:"embed_batch_size"`

	// IndexBatchSize is passed to IndexChunks; zero means the store default.
	IndexBatchSize int `mapstructure:"index_batch_size"`

	// Metrics records chunk/embed/index operation outcomes. Nil disables
	// recording.
	Metrics observability.MetricsClient `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.Metric == "" {
		c.Metric = vectorstore.MetricCosine
	}
	return c
}

// Pipeline ingests documents: chunk, embed, pair, and index. It holds no
// per-document state and is safe for concurrent use; callers that need
// at-most-one-writer-per-document ordering must serialize above it.
type Pipeline struct {
	chunker  chunking.Chunker
	embedder embedding.Service
	store    vectorstore.Store
	cfg      Config
	logger   observability.Logger
}

// NewPipeline wires an ingestion pipeline.
func NewPipeline(chunker chunking.Chunker, embedder embedding.Service, store vectorstore.Store, cfg Config, logger observability.Logger) (*Pipeline, error) {
	if chunker == nil {
		return nil, errors.New("chunker is required")
	}
	if embedder == nil {
		return nil, errors.New("embedding service is required")
	}
	if store == nil {
		return nil, errors.New("vector store is required")
	}
	if cfg.IndexName == "" {
		return nil, errors.New("index name is required")
	}
	if logger == nil {
		logger = observability.NewStandardLogger("pipeline")
	}

	return &Pipeline{
		chunker:  chunker,
		embedder: embedder,
		store:    store,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}, nil
}

// IngestDocument chunks, embeds, and indexes one document. A missing ID is
// assigned in place so the caller keeps the generated value. Chunks whose
// embedding failed are skipped and counted; indexing failures accumulate
// per-item. The call errors when nothing could be embedded at all.
func (p *Pipeline) IngestDocument(ctx context.Context, doc *models.Document) (*models.IngestResult, error) {
	if doc == nil {
		return nil, ErrNilDocument
	}
	if strings.TrimSpace(doc.Content) == "" {
		return nil, ErrEmptyContent
	}
	if err := validateContentType(doc.ContentType); err != nil {
		return nil, err
	}
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}

	start := time.Now()
	result := &models.IngestResult{DocumentID: doc.ID}

	doneChunk := observability.Timed(p.cfg.Metrics, "pipeline", "chunk", time.Now())
	chunks, err := p.chunker.ChunkText(ctx, doc.Content, doc.ID, p.chunkMetadata(doc))
	doneChunk(err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to chunk document %s: %w", doc.ID, err)
	}
	result.ChunkCount = len(chunks)
	if len(chunks) == 0 {
		p.logger.Warn("document produced no chunks", map[string]interface{}{
			"document_id": doc.ID,
		})
		result.Duration = time.Since(start)
		return result, nil
	}

	p.logger.Info("document chunked", map[string]interface{}{
		"document_id": doc.ID,
		"chunk_count": len(chunks),
	})

	embedded, err := p.embedChunks(ctx, doc.ID, chunks, result)
	if err != nil {
		return nil, err
	}

	if _, err := p.store.CreateIndex(ctx, p.cfg.IndexName, p.embedder.Dimension(), p.cfg.Metric, p.cfg.IndexOptions); err != nil {
		return nil, fmt.Errorf("failed to ensure index %s: %w", p.cfg.IndexName, err)
	}

	doneIndex := observability.Timed(p.cfg.Metrics, "pipeline", "index", time.Now())
	indexed, err := p.store.IndexChunks(ctx, p.cfg.IndexName, embedded, p.cfg.IndexBatchSize)
	doneIndex(err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to index chunks for document %s: %w", doc.ID, err)
	}
	result.IndexedCount = indexed.IndexedCount
	result.FailedCount += indexed.FailedCount
	result.Errors = append(result.Errors, indexed.Errors...)
	result.Duration = time.Since(start)

	p.logger.Info("document ingested", map[string]interface{}{
		"document_id": doc.ID,
		"chunks":      result.ChunkCount,
		"indexed":     result.IndexedCount,
		"failed":      result.FailedCount,
		"duration_ms": result.Duration.Milliseconds(),
	})
	return result, nil
}

// embedChunks embeds chunk contents in batches and pairs vectors with their
// chunks positionally. Zero vectors mark items whose embedding failed; those
// chunks are skipped so they never shadow real content in the index.
func (p *Pipeline) embedChunks(ctx context.Context, documentID string, chunks []*models.Chunk, result *models.IngestResult) ([]*models.ChunkWithEmbedding, error) {
	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Content
	}

	doneEmbed := observability.Timed(p.cfg.Metrics, "pipeline", "embed", time.Now())
	vectors, err := p.embedder.EmbedBatch(ctx, texts, p.cfg.EmbedBatchSize)
	doneEmbed(err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to embed chunks for document %s: %w", documentID, err)
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("embedding count %d does not match chunk count %d", len(vectors), len(chunks))
	}

	embedded := make([]*models.ChunkWithEmbedding, 0, len(chunks))
	for i, chunk := range chunks {
		if embedding.IsZeroVector(vectors[i]) {
			p.logger.Warn("chunk embedding failed, skipping", map[string]interface{}{
				"document_id": documentID,
				"chunk_id":    chunk.ChunkID,
			})
			result.FailedCount++
			result.Errors = append(result.Errors, fmt.Sprintf("chunk %s: embedding failed", chunk.ChunkID))
			continue
		}
		embedded = append(embedded, &models.ChunkWithEmbedding{Chunk: *chunk, Embedding: vectors[i]})
	}

	if len(embedded) == 0 {
		return nil, fmt.Errorf("failed to embed any chunks for document %s", documentID)
	}
	return embedded, nil
}

// IngestDocuments ingests documents sequentially. A failed document is
// logged and skipped; the returned results cover the documents that went
// through. The call errors only on cancellation.
func (p *Pipeline) IngestDocuments(ctx context.Context, docs []*models.Document) ([]*models.IngestResult, error) {
	results := make([]*models.IngestResult, 0, len(docs))
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		result, err := p.IngestDocument(ctx, doc)
		if err != nil {
			id := ""
			if doc != nil {
				id = doc.ID
			}
			p.logger.Error("failed to ingest document", map[string]interface{}{
				"document_id": id,
				"error":       err.Error(),
			})
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

// DeleteDocument removes every indexed chunk of the document. It returns
// true when something was deleted.
func (p *Pipeline) DeleteDocument(ctx context.Context, documentID string) (bool, error) {
	if documentID == "" {
		return false, errors.New("document id is required")
	}
	return p.store.DeleteByDocumentID(ctx, p.cfg.IndexName, documentID)
}

// DocumentCount reports how many chunks the document has in the index.
func (p *Pipeline) DocumentCount(ctx context.Context, documentID string) (int, error) {
	return p.store.DocumentCount(ctx, p.cfg.IndexName, documentID)
}

// chunkMetadata builds the metadata merged into every chunk: the caller's
// document metadata plus the content type when set.
func (p *Pipeline) chunkMetadata(doc *models.Document) map[string]interface{} {
	meta := make(map[string]interface{}, len(doc.Metadata)+1)
	for k, v := range doc.Metadata {
		meta[k] = v
	}
	if doc.ContentType != "" {
		if _, exists := meta["content_type"]; !exists {
			meta["content_type"] = doc.ContentType
		}
	}
	return meta
}

func validateContentType(contentType string) error {
	switch contentType {
	case "", models.ContentTypeText, models.ContentTypeMarkdown, models.ContentTypeCode:
		return nil
	default:
		return fmt.Errorf("unsupported content type: %q", contentType)
	}
}
