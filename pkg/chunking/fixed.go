package chunking

import (
	"context"

	"github.com/developer-mesh/rag-core/pkg/models"
	"github.com/developer-mesh/rag-core/pkg/observability"
)

// boundarySearchWindow is how far back from a window boundary the fixed-size
// strategy searches for a space before giving up and splitting mid-word.
const boundarySearchWindow = 50

// FixedSizeChunker walks the text in ChunkSize windows with a ChunkOverlap
// backward step. It is the simplest and fastest strategy, intended for
// high-throughput use where sentence integrity matters less.
type FixedSizeChunker struct {
	config Config
	logger observability.Logger
}

// NewFixedSizeChunker creates a fixed-size chunker, validating the config.
func NewFixedSizeChunker(config Config, logger observability.Logger) (*FixedSizeChunker, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = observability.NewStandardLogger("chunking.fixed")
	}
	return &FixedSizeChunker{config: config, logger: logger}, nil
}

// Strategy returns the strategy name recorded in chunk metadata.
func (f *FixedSizeChunker) Strategy() string { return StrategyFixedSize }

// ChunkText splits text into fixed-size windows. Window boundaries that land
// mid-word back off to the rightmost space within the trailing 50 characters
// of the window. Windows under MinChunkSize are re-extended forward unless
// they are the terminal window, which keeps the final chunk even when short.
func (f *FixedSizeChunker) ChunkText(ctx context.Context, text, documentID string, metadata map[string]interface{}) ([]*models.Chunk, error) {
	if err := validateInput(text); err != nil {
		return nil, err
	}

	var chunks []*models.Chunk
	index := 0
	pos := 0

	for pos < len(text) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		end := pos + f.config.ChunkSize
		terminal := end >= len(text)
		if terminal {
			end = len(text)
		} else if splitsWord(text, end) {
			if snapped := snapToSpace(text, end); snapped > pos {
				end = snapped
			}
		}

		content, startChar, endChar := trimmedSpan(text, pos, end)

		// A snapped window can fall under the minimum; re-extend to the full
		// window so only the terminal chunk may be short.
		if !terminal && len(content) < f.config.MinChunkSize {
			end = pos + f.config.ChunkSize
			content, startChar, endChar = trimmedSpan(text, pos, end)
		}

		if content != "" {
			chunks = append(chunks, buildChunk(documentID, index, content, startChar, endChar, f.Strategy(), metadata))
			index++
		}

		if end >= len(text) {
			break
		}
		next := end - f.config.ChunkOverlap
		if next <= pos {
			next = end
		}
		pos = next
	}

	f.logger.Debug("chunked document", map[string]interface{}{
		"document_id": documentID,
		"chunks":      len(chunks),
		"strategy":    f.Strategy(),
	})
	return chunks, nil
}

// splitsWord reports whether a boundary at pos falls inside a word.
func splitsWord(text string, pos int) bool {
	if pos <= 0 || pos >= len(text) {
		return false
	}
	return !isSpaceByte(text[pos-1]) && !isSpaceByte(text[pos])
}

// snapToSpace searches backward from pos for the rightmost space within
// boundarySearchWindow characters. It returns pos unchanged when none exists.
func snapToSpace(text string, pos int) int {
	limit := pos - boundarySearchWindow
	if limit < 0 {
		limit = 0
	}
	for i := pos - 1; i >= limit; i-- {
		if isSpaceByte(text[i]) {
			return i
		}
	}
	return pos
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
