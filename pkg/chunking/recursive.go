package chunking

import (
	"context"
	"strings"

	"github.com/developer-mesh/rag-core/pkg/models"
	"github.com/developer-mesh/rag-core/pkg/observability"
)

// DefaultSeparators returns the default separator priority list for the
// recursive strategy: paragraph breaks first, then lines, sentences, words,
// and finally character-level splitting.
func DefaultSeparators() []string {
	return []string{"\n\n", "\n", ". ", " ", ""}
}

// RecursiveChunker applies a priority-ordered separator list: it splits on
// the coarsest separator present, recursively re-splits any segment still
// exceeding ChunkSize with the next separator, and greedily merges the
// resulting segments back into chunks.
type RecursiveChunker struct {
	config     Config
	separators []string
	logger     observability.Logger
}

// NewRecursiveChunker creates a recursive chunker, validating the config.
func NewRecursiveChunker(config Config, logger observability.Logger) (*RecursiveChunker, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	separators := config.Separators
	if len(separators) == 0 {
		separators = DefaultSeparators()
	}
	if logger == nil {
		logger = observability.NewStandardLogger("chunking.recursive")
	}
	return &RecursiveChunker{config: config, separators: separators, logger: logger}, nil
}

// Strategy returns the strategy name recorded in chunk metadata.
func (r *RecursiveChunker) Strategy() string { return StrategyRecursive }

// ChunkText splits text recursively and merges the splits into chunks.
// Overlap between consecutive chunks is the last merged segment, a coarser
// window than the semantic strategy's sentence accumulation.
func (r *RecursiveChunker) ChunkText(ctx context.Context, text, documentID string, metadata map[string]interface{}) ([]*models.Chunk, error) {
	if err := validateInput(text); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	splits := r.splitText(text, r.separators)
	chunks := r.mergeSplits(splits, documentID, metadata)

	r.logger.Debug("chunked document", map[string]interface{}{
		"document_id": documentID,
		"chunks":      len(chunks),
		"strategy":    r.Strategy(),
	})
	return chunks, nil
}

// splitText recursively splits text using the separator priority list.
// Separators are kept attached to the preceding segment so that re-joining
// the splits reconstructs the input.
func (r *RecursiveChunker) splitText(text string, separators []string) []string {
	separator := ""
	var remaining []string
	for i, sep := range separators {
		if sep == "" || strings.Contains(text, sep) {
			separator = sep
			remaining = separators[i+1:]
			break
		}
	}

	var splits []string
	if separator == "" {
		splits = r.splitByCharacters(text)
	} else {
		splits = r.splitBySeparator(text, separator)
	}

	var final []string
	for _, split := range splits {
		if split == "" {
			continue
		}
		switch {
		case len(split) <= r.config.ChunkSize:
			final = append(final, split)
		case len(remaining) > 0:
			final = append(final, r.splitText(split, remaining)...)
		default:
			final = append(final, r.forceSplit(split)...)
		}
	}
	return final
}

// splitBySeparator splits text, re-attaching the separator to each segment
// except the last.
func (r *RecursiveChunker) splitBySeparator(text, separator string) []string {
	parts := strings.Split(text, separator)
	result := make([]string, 0, len(parts))
	for i, part := range parts {
		if i < len(parts)-1 {
			result = append(result, part+separator)
		} else if part != "" {
			result = append(result, part)
		}
	}
	return result
}

// splitByCharacters is the character-level last resort.
func (r *RecursiveChunker) splitByCharacters(text string) []string {
	var out []string
	runes := []rune(text)
	for i := 0; i < len(runes); i += r.config.ChunkSize {
		end := i + r.config.ChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}

// forceSplit splits an oversized segment at the rightmost space before the
// size limit, falling back to a hard cut.
func (r *RecursiveChunker) forceSplit(text string) []string {
	var out []string
	for len(text) > r.config.ChunkSize {
		point := r.findSplitPoint(text)
		out = append(out, text[:point])
		text = text[point:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

// findSplitPoint looks for a space near the size limit, scanning back no
// further than half the target length.
func (r *RecursiveChunker) findSplitPoint(text string) int {
	target := r.config.ChunkSize
	if len(text) <= target {
		return len(text)
	}
	for i := target; i > target/2; i-- {
		if i < len(text) && text[i] == ' ' {
			return i + 1
		}
	}
	return target
}

// mergeSplits greedily concatenates splits up to ChunkSize. When a
// concatenation would overflow, the accumulator is emitted and the next one
// starts seeded with the last split for overlap continuity.
func (r *RecursiveChunker) mergeSplits(splits []string, documentID string, metadata map[string]interface{}) []*models.Chunk {
	var chunks []*models.Chunk
	var current []string
	currentLen := 0
	startChar := 0
	cursor := 0

	emit := func(endChar int) {
		content := strings.TrimSpace(strings.Join(current, ""))
		if content == "" {
			return
		}
		chunks = append(chunks, buildChunk(documentID, len(chunks), content, startChar, endChar, r.Strategy(), metadata))
	}

	for _, split := range splits {
		if currentLen > 0 && currentLen+len(split) > r.config.ChunkSize {
			emit(cursor)

			// Seed the next accumulator with the last split only. ChunkOverlap
			// zero disables seeding.
			if r.config.ChunkOverlap > 0 {
				last := current[len(current)-1]
				current = []string{last}
				currentLen = len(last)
				startChar = cursor - currentLen
			} else {
				current = nil
				currentLen = 0
				startChar = cursor
			}
		}

		current = append(current, split)
		currentLen += len(split)
		cursor += len(split)
	}

	if currentLen > 0 {
		emit(cursor)
	}
	return chunks
}
