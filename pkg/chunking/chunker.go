// Package chunking splits document text into overlapping segments for
// embedding and retrieval. Three strategies are provided: fixed-size windows,
// recursive separator-based splitting, and semantic sentence-aware chunking.
package chunking

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/developer-mesh/rag-core/pkg/models"
)

// Chunking strategy names accepted by the factory.
const (
	StrategyFixed     = "fixed"
	StrategyFixedSize = "fixed_size"
	StrategyRecursive = "recursive"
	StrategySemantic  = "semantic"
)

// Validation errors raised at construction or call time.
var (
	ErrEmptyText      = errors.New("text cannot be empty")
	ErrInvalidOverlap = errors.New("chunk overlap must be smaller than chunk size")
	ErrInvalidMinSize = errors.New("min chunk size must not exceed chunk size")
	ErrInvalidMaxSize = errors.New("max chunk size must not be smaller than chunk size")
	ErrInvalidSize    = errors.New("chunk size must be positive")
)

// Chunker splits raw text into ordered, overlapping chunks. Implementations
// are stateless per call; the same input always yields the same chunks.
type Chunker interface {
	// ChunkText splits text belonging to documentID into chunks. The metadata
	// map is merged into every chunk's metadata. Empty or whitespace-only
	// text is a validation error.
	ChunkText(ctx context.Context, text, documentID string, metadata map[string]interface{}) ([]*models.Chunk, error)

	// Strategy returns the strategy name recorded in chunk metadata.
	Strategy() string
}

// Config holds the knobs shared by all chunking strategies. Sizes are
// character counts.
type Config struct {
	ChunkSize    int
	ChunkOverlap int
	MinChunkSize int
	MaxChunkSize int

	// Semantic strategy options.
	RespectParagraphs  bool
	RespectHeaders     bool
	PreserveCodeBlocks bool

	// Recursive strategy separator priority list. Empty means the default
	// list ["\n\n", "\n", ". ", " ", ""].
	Separators []string
}

// DefaultConfig returns the baseline configuration used when callers pass a
// zero Config.
func DefaultConfig() Config {
	return Config{
		ChunkSize:          800,
		ChunkOverlap:       150,
		MinChunkSize:       100,
		MaxChunkSize:       1600,
		RespectParagraphs:  true,
		RespectHeaders:     true,
		PreserveCodeBlocks: true,
	}
}

// withDefaults fills unset size bounds. ChunkOverlap is left alone: zero
// means no overlap, and the house defaults come from DefaultConfig or the
// tier tables.
func (c Config) withDefaults() Config {
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultConfig().ChunkSize
	}
	if c.MinChunkSize == 0 {
		c.MinChunkSize = c.ChunkSize / 8
		if c.MinChunkSize == 0 {
			c.MinChunkSize = 1
		}
	}
	if c.MaxChunkSize == 0 {
		c.MaxChunkSize = 2 * c.ChunkSize
	}
	return c
}

// Validate enforces the construction-time invariants shared by all
// strategies.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return ErrInvalidSize
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return ErrInvalidOverlap
	}
	if c.MinChunkSize > c.ChunkSize {
		return ErrInvalidMinSize
	}
	if c.MaxChunkSize < c.ChunkSize {
		return ErrInvalidMaxSize
	}
	return nil
}

// buildChunk assembles one chunk with the metadata every strategy records.
func buildChunk(documentID string, index int, content string, startChar, endChar int, strategy string, metadata map[string]interface{}) *models.Chunk {
	md := copyMetadata(metadata)
	md["start_char"] = startChar
	md["end_char"] = endChar
	md["char_count"] = len(content)
	md["word_count"] = len(strings.Fields(content))
	md["chunking_strategy"] = strategy

	return &models.Chunk{
		ChunkID:    models.NewChunkID(documentID, index),
		DocumentID: documentID,
		ChunkIndex: index,
		Content:    content,
		Metadata:   md,
		CreatedAt:  time.Now().UTC(),
	}
}

// copyMetadata creates a copy of the metadata map
func copyMetadata(metadata map[string]interface{}) map[string]interface{} {
	copied := make(map[string]interface{}, len(metadata)+5)
	for k, v := range metadata {
		copied[k] = v
	}
	return copied
}

// validateInput applies the shared call-time checks.
func validateInput(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	return nil
}

// trimmedSpan returns the trimmed content of text[start:end] along with the
// absolute character span of the trimmed content.
func trimmedSpan(text string, start, end int) (content string, trimStart, trimEnd int) {
	raw := text[start:end]
	trimmedLeft := strings.TrimLeft(raw, " \t\n\r")
	trimStart = start + (len(raw) - len(trimmedLeft))
	content = strings.TrimRight(trimmedLeft, " \t\n\r")
	trimEnd = trimStart + len(content)
	return content, trimStart, trimEnd
}
