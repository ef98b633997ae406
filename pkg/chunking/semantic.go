package chunking

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/developer-mesh/rag-core/pkg/models"
	"github.com/developer-mesh/rag-core/pkg/observability"
)

var (
	headerPattern    = regexp.MustCompile(`(?m)^#{1,6} `)
	codeBlockPattern = regexp.MustCompile("(?s)```.*?```")
)

// SemanticChunker preserves sentence and paragraph integrity: text is split
// into sections (markdown headers or paragraphs), sections into sentences,
// and sentences are greedily grouped into chunks with a sentence-based
// overlap window. It is the most expensive strategy and the recommended
// default for technical and manual-style documents.
type SemanticChunker struct {
	config   Config
	splitter SentenceSplitter
	logger   observability.Logger
}

// NewSemanticChunker creates a semantic chunker, validating the config.
func NewSemanticChunker(config Config, logger observability.Logger) (*SemanticChunker, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = observability.NewStandardLogger("chunking.semantic")
	}
	return &SemanticChunker{
		config:   config,
		splitter: NewSentenceSplitter(),
		logger:   logger,
	}, nil
}

// Strategy returns the strategy name recorded in chunk metadata.
func (s *SemanticChunker) Strategy() string { return StrategySemantic }

// textSpan is a piece of text with its absolute start offset in the working
// document.
type textSpan struct {
	text  string
	start int
}

func (t textSpan) end() int { return t.start + len(t.text) }

// draftChunk is a chunk before index assignment. Indices are assigned in one
// pass after every section is processed so they are sequential across the
// whole document.
type draftChunk struct {
	content   string
	startChar int
	endChar   int
}

// ChunkText splits text into semantic chunks. Fenced code blocks are
// extracted first so they are never split internally, then restored into the
// final chunk content.
func (s *SemanticChunker) ChunkText(ctx context.Context, text, documentID string, metadata map[string]interface{}) ([]*models.Chunk, error) {
	if err := validateInput(text); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	working := text
	var codeBlocks []string
	if s.config.PreserveCodeBlocks {
		working, codeBlocks = extractCodeBlocks(text)
	}

	var drafts []draftChunk
	for _, section := range s.splitSections(working) {
		sentences := s.sentenceSpans(section)
		drafts = append(drafts, s.groupSentences(sentences)...)
	}

	chunks := make([]*models.Chunk, 0, len(drafts))
	for i, draft := range drafts {
		content := restoreCodeBlocks(draft.content, codeBlocks)
		chunks = append(chunks, buildChunk(documentID, i, content, draft.startChar, draft.endChar, s.Strategy(), metadata))
	}

	s.logger.Debug("chunked document", map[string]interface{}{
		"document_id": documentID,
		"chunks":      len(chunks),
		"strategy":    s.Strategy(),
	})
	return chunks, nil
}

// splitSections splits the working text into major sections: by markdown
// headers when enabled and present, else by paragraph breaks.
func (s *SemanticChunker) splitSections(text string) []textSpan {
	if s.config.RespectHeaders {
		if starts := headerPattern.FindAllStringIndex(text, -1); len(starts) > 0 {
			var sections []textSpan
			prev := 0
			for _, loc := range starts {
				if loc[0] > prev {
					sections = appendSection(sections, text[prev:loc[0]], prev)
				}
				prev = loc[0]
			}
			sections = appendSection(sections, text[prev:], prev)
			return sections
		}
	}

	if s.config.RespectParagraphs {
		var sections []textSpan
		cursor := 0
		for _, part := range strings.Split(text, "\n\n") {
			sections = appendSection(sections, part, cursor)
			cursor += len(part) + len("\n\n")
		}
		if len(sections) > 0 {
			return sections
		}
	}

	return []textSpan{{text: text, start: 0}}
}

func appendSection(sections []textSpan, text string, start int) []textSpan {
	if strings.TrimSpace(text) == "" {
		return sections
	}
	return append(sections, textSpan{text: text, start: start})
}

// sentenceSpans splits a section into sentences and locates each sentence's
// absolute offset. Sentences longer than MaxChunkSize are word-split so no
// single span can exceed the chunk budget.
func (s *SemanticChunker) sentenceSpans(section textSpan) []textSpan {
	sentences := s.splitter.Split(section.text)
	spans := make([]textSpan, 0, len(sentences))
	cursor := 0
	for _, sentence := range sentences {
		idx := strings.Index(section.text[cursor:], sentence)
		if idx < 0 {
			idx = 0
		}
		start := section.start + cursor + idx
		cursor += idx + len(sentence)

		if len(sentence) > s.config.MaxChunkSize {
			spans = append(spans, s.splitOversized(textSpan{text: sentence, start: start})...)
			continue
		}
		spans = append(spans, textSpan{text: sentence, start: start})
	}
	return spans
}

// splitOversized word-splits a sentence that alone exceeds MaxChunkSize into
// ChunkSize-bounded pieces.
func (s *SemanticChunker) splitOversized(span textSpan) []textSpan {
	var pieces []textSpan
	var piece []string
	pieceLen := 0
	pieceStart := span.start
	cursor := 0

	flush := func() {
		if len(piece) == 0 {
			return
		}
		pieces = append(pieces, textSpan{text: strings.Join(piece, " "), start: pieceStart})
		piece = nil
		pieceLen = 0
	}

	for _, word := range strings.Fields(span.text) {
		rel := strings.Index(span.text[cursor:], word)
		if rel < 0 {
			rel = 0
		}
		wordStart := span.start + cursor + rel
		cursor += rel + len(word)

		add := len(word)
		if pieceLen > 0 {
			add++
		}
		if pieceLen > 0 && pieceLen+add > s.config.ChunkSize {
			flush()
			add = len(word)
		}
		if len(piece) == 0 {
			pieceStart = wordStart
		}
		piece = append(piece, word)
		pieceLen += add
	}
	flush()
	return pieces
}

// groupSentences greedily accumulates sentences into chunks until ChunkSize
// is covered, pre-emitting when the next sentence would overflow
// MaxChunkSize. Each new chunk is seeded with a trailing window of whole
// sentences covering at least ChunkOverlap characters.
func (s *SemanticChunker) groupSentences(spans []textSpan) []draftChunk {
	var drafts []draftChunk
	var current []textSpan
	currentLen := 0
	newSinceEmit := 0

	emit := func() {
		if len(current) == 0 {
			return
		}
		drafts = append(drafts, draftChunk{
			content:   joinSpans(current),
			startChar: current[0].start,
			endChar:   current[len(current)-1].end(),
		})
		current = s.overlapTail(current)
		currentLen = joinedLen(current)
		newSinceEmit = 0
	}

	for _, span := range spans {
		add := len(span.text)
		if currentLen > 0 {
			add++
		}
		if currentLen >= s.config.MinChunkSize && currentLen+add > s.config.MaxChunkSize {
			emit()
			add = len(span.text)
			if currentLen > 0 {
				add++
			}
		}

		current = append(current, span)
		currentLen += add
		newSinceEmit++

		if currentLen >= s.config.ChunkSize {
			emit()
		}
	}

	if newSinceEmit > 0 && len(current) > 0 {
		drafts = append(drafts, draftChunk{
			content:   joinSpans(current),
			startChar: current[0].start,
			endChar:   current[len(current)-1].end(),
		})
	}
	return drafts
}

// overlapTail returns the trailing sentences covering at least ChunkOverlap
// characters, always keeping at least one sentence.
func (s *SemanticChunker) overlapTail(spans []textSpan) []textSpan {
	if s.config.ChunkOverlap <= 0 || len(spans) == 0 {
		return nil
	}
	covered := 0
	i := len(spans)
	for i > 0 && covered < s.config.ChunkOverlap {
		i--
		covered += len(spans[i].text)
	}
	return append([]textSpan(nil), spans[i:]...)
}

func joinSpans(spans []textSpan) string {
	parts := make([]string, len(spans))
	for i, span := range spans {
		parts[i] = span.text
	}
	return strings.Join(parts, " ")
}

func joinedLen(spans []textSpan) int {
	if len(spans) == 0 {
		return 0
	}
	total := len(spans) - 1
	for _, span := range spans {
		total += len(span.text)
	}
	return total
}

// extractCodeBlocks replaces fenced code blocks with placeholder tokens and
// returns the originals for later restoration.
func extractCodeBlocks(text string) (string, []string) {
	var blocks []string
	working := codeBlockPattern.ReplaceAllStringFunc(text, func(block string) string {
		placeholder := codeBlockPlaceholder(len(blocks))
		blocks = append(blocks, block)
		return placeholder
	})
	return working, blocks
}

// restoreCodeBlocks substitutes placeholder tokens back with the original
// fenced blocks.
func restoreCodeBlocks(content string, blocks []string) string {
	for i, block := range blocks {
		content = strings.ReplaceAll(content, codeBlockPlaceholder(i), block)
	}
	return content
}

func codeBlockPlaceholder(i int) string {
	return fmt.Sprintf("__CODE_BLOCK_%d__", i)
}
