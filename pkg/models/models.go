// Package models defines the core data models shared by the chunking,
// embedding, vector store, and retrieval packages.
package models

import (
	"fmt"
	"time"
)

// Chunk represents a bounded segment of a document's text, the unit of
// embedding and retrieval. Chunks are immutable once created; re-chunking a
// document produces a new chunk set under the same DocumentID.
type Chunk struct {
	ChunkID    string                 `json:"chunk_id" db:"chunk_id"`
	DocumentID string                 `json:"document_id" db:"document_id"`
	ChunkIndex int                    `json:"chunk_index" db:"chunk_index"`
	Content    string                 `json:"content" db:"content"`
	Metadata   map[string]interface{} `json:"metadata" db:"metadata"`
	CreatedAt  time.Time              `json:"created_at" db:"created_at"`
}

// NewChunkID derives the canonical chunk identifier for a document and index.
func NewChunkID(documentID string, index int) string {
	return fmt.Sprintf("%s:chunk:%d", documentID, index)
}

// ChunkWithEmbedding pairs a chunk with its embedding vector. The vector
// dimension must match the target index's configured dimension.
type ChunkWithEmbedding struct {
	Chunk
	Embedding []float32 `json:"embedding" db:"-"`
}

// SearchResult is a single similarity search hit. Score is normalized to
// [0,1] where 1.0 is a perfect match. Results are produced by vector store
// searches and never persisted.
type SearchResult struct {
	ChunkID    string                 `json:"chunk_id"`
	DocumentID string                 `json:"document_id"`
	Content    string                 `json:"content"`
	Score      float64                `json:"score"`
	Metadata   map[string]interface{} `json:"metadata"`
	ChunkIndex int                    `json:"chunk_index"`
}

// EmbeddingModel describes an embedding model's immutable configuration
// metadata, used for validation and cost estimation.
type EmbeddingModel struct {
	ModelID         string  `json:"model_id"`
	Provider        string  `json:"provider"`
	Dimension       int     `json:"dimension"`
	MaxTokens       int     `json:"max_tokens"`
	CostPer1KTokens float64 `json:"cost_per_1k_tokens"`
}

// BatchIndexResult summarizes one bulk indexing call. The store never retries
// failed items automatically; the caller decides.
type BatchIndexResult struct {
	Success      bool     `json:"success"`
	IndexedCount int      `json:"indexed_count"`
	FailedCount  int      `json:"failed_count"`
	Errors       []string `json:"errors"`
}

// AddError records a per-item indexing failure.
func (r *BatchIndexResult) AddError(format string, args ...interface{}) {
	r.FailedCount++
	r.Success = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Document is the ingestion pipeline's input: plain text plus caller-supplied
// metadata. ID is caller-assigned and opaque; the pipeline assigns one when
// empty.
type Document struct {
	ID          string                 `json:"id"`
	Content     string                 `json:"content"`
	ContentType string                 `json:"content_type"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// IngestResult summarizes one document's trip through the ingestion pipeline.
type IngestResult struct {
	DocumentID   string        `json:"document_id"`
	ChunkCount   int           `json:"chunk_count"`
	IndexedCount int           `json:"indexed_count"`
	FailedCount  int           `json:"failed_count"`
	Errors       []string      `json:"errors"`
	Duration     time.Duration `json:"duration"`
}

// Content types recognized by the ingestion pipeline.
const (
	ContentTypeText     = "text"
	ContentTypeMarkdown = "markdown"
	ContentTypeCode     = "code"
)
