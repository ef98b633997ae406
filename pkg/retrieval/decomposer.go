package retrieval

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/developer-mesh/rag-core/pkg/observability"
)

const (
	// DefaultMaxSubqueries caps decomposition output when the caller passes
	// a non-positive limit.
	DefaultMaxSubqueries = 4

	// simpleQuestionLength is the fast-path cutoff: shorter questions skip
	// the LLM call entirely.
	simpleQuestionLength = 60

	// minSubqueryLength discards LLM fragments too short to be searchable.
	minSubqueryLength = 10

	decompositionMaxTokens   = 300
	decompositionTemperature = 0.3
)

var (
	// conjunctionRe matches coordinating words that join multiple asks into
	// one question.
	conjunctionRe = regexp.MustCompile(`(?i)\b(and|or|but|also|plus|as well as)\b`)

	// interrogativeRe matches question words; more than one distinct hit
	// signals a compound question.
	interrogativeRe = regexp.MustCompile(`(?i)\b(what|how|why|when|where|who|which)\b`)

	// bulletRe strips leading list markers the LLM adds despite instructions.
	bulletRe = regexp.MustCompile(`^(?:\d+[.)]|[-*•])\s*`)

	// summaryIntentRe detects summary-style questions, which decompose along
	// document structure rather than topical sub-aspects.
	summaryIntentRe = regexp.MustCompile(`(?i)\b(summary|summarize|summarise|overview|describe|explain|tell me about)\b`)
)

// Decomposer breaks complex questions into independent sub-queries so each
// can be searched on its own. Decompose never fails: every error path falls
// back to searching the original question.
type Decomposer struct {
	llm    LLMClient
	logger observability.Logger
}

// NewDecomposer creates a decomposer around the given completion client. A
// nil client disables decomposition and every question is returned as-is.
func NewDecomposer(llm LLMClient, logger observability.Logger) *Decomposer {
	if logger == nil {
		logger = observability.NewStandardLogger("retrieval.decomposer")
	}
	return &Decomposer{llm: llm, logger: logger}
}

// Decompose splits question into at most maxSubqueries sub-queries. Simple
// questions short-circuit without an LLM call; a non-positive maxSubqueries
// means DefaultMaxSubqueries. The original question is always a valid answer,
// so the method returns it on empty input, simple questions, LLM failure, or
// unusable LLM output.
func (d *Decomposer) Decompose(ctx context.Context, question string, maxSubqueries int) []string {
	if maxSubqueries <= 0 {
		maxSubqueries = DefaultMaxSubqueries
	}
	if strings.TrimSpace(question) == "" {
		return []string{question}
	}

	if d.isSimpleQuestion(question) {
		d.logger.Debug("question is simple, skipping decomposition", map[string]interface{}{
			"question": question,
		})
		return []string{question}
	}

	if d.llm == nil {
		d.logger.Warn("no completion client configured, skipping decomposition", nil)
		return []string{question}
	}

	prompt, systemPrompt := d.buildPrompt(question, maxSubqueries)
	resp, err := d.llm.Complete(ctx, CompletionRequest{
		Prompt:       prompt,
		MaxTokens:    decompositionMaxTokens,
		Temperature:  decompositionTemperature,
		SystemPrompt: systemPrompt,
	})
	if err != nil {
		d.logger.Warn("decomposition failed, using original question", map[string]interface{}{
			"question": question,
			"error":    err.Error(),
		})
		return []string{question}
	}

	subQueries := d.parseSubqueries(resp.Text, question, maxSubqueries)
	if len(subQueries) == 0 {
		d.logger.Debug("decomposition produced no usable sub-queries", map[string]interface{}{
			"question": question,
		})
		return []string{question}
	}

	d.logger.Info("question decomposed", map[string]interface{}{
		"question":    question,
		"sub_queries": len(subQueries),
	})
	return subQueries
}

// isSimpleQuestion reports whether question can be searched directly. Short
// questions are always simple; longer ones are complex when they stack
// multiple question marks, join clauses with a conjunction, or mix more than
// one distinct interrogative word.
func (d *Decomposer) isSimpleQuestion(question string) bool {
	if len(question) < simpleQuestionLength {
		return true
	}

	if strings.Count(question, "?") > 1 {
		return false
	}
	if conjunctionRe.MatchString(question) {
		return false
	}
	return countDistinctInterrogatives(question) <= 1
}

func countDistinctInterrogatives(question string) int {
	seen := make(map[string]struct{})
	for _, match := range interrogativeRe.FindAllString(question, -1) {
		seen[strings.ToLower(match)] = struct{}{}
	}
	return len(seen)
}

// buildPrompt selects the decomposition prompt. Summary-style questions are
// split along document structure; everything else splits into independent
// sub-aspects.
func (d *Decomposer) buildPrompt(question string, maxSubqueries int) (prompt, systemPrompt string) {
	if summaryIntentRe.MatchString(question) {
		prompt = fmt.Sprintf(`Break this summary request into focused retrieval queries: %q

Rules:
1. Cover the overall topic, the key points, the major sections, and the important details
2. Each query must be self-contained and searchable
3. Return at most %d queries
4. One query per line, no numbering or bullets`, question, maxSubqueries)
		systemPrompt = "You are an expert at planning the retrieval queries needed to summarize a document."
		return prompt, systemPrompt
	}

	prompt = fmt.Sprintf(`Decompose this question into simpler sub-questions: %q

Rules:
1. Each sub-question should cover one independent aspect of the original question
2. Sub-questions must be self-contained and searchable
3. Avoid redundancy between sub-questions
4. Return at most %d sub-questions
5. One sub-question per line, no numbering or bullets`, question, maxSubqueries)
	systemPrompt = "You are an expert at breaking down complex search queries into simpler, more targeted sub-queries."
	return prompt, systemPrompt
}

// parseSubqueries extracts sub-queries from the LLM response: one per line,
// list markers stripped, fragments and echoes of the original discarded.
func (d *Decomposer) parseSubqueries(text, question string, maxSubqueries int) []string {
	var subQueries []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = bulletRe.ReplaceAllString(line, "")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) < minSubqueryLength || strings.EqualFold(line, question) {
			continue
		}
		subQueries = append(subQueries, line)
		if len(subQueries) == maxSubqueries {
			break
		}
	}
	return subQueries
}
