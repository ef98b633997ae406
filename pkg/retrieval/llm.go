// Package retrieval turns a user question into ranked search results: it
// decomposes complex questions into sub-queries, embeds them, searches the
// vector store per sub-query, and fuses the result sets with reciprocal rank
// fusion.
package retrieval

import (
	"context"
	"errors"
	"strings"
)

// Validation errors shared by the retrieval entry points.
var (
	// ErrEmptyQuestion is returned when the question is empty or whitespace.
	ErrEmptyQuestion = errors.New("question cannot be empty")

	// ErrQuestionTooLong is returned when the question exceeds the accepted
	// length.
	ErrQuestionTooLong = errors.New("question exceeds maximum length of 500 characters")
)

// maxQuestionLength bounds the accepted question size.
const maxQuestionLength = 500

// LLMClient generates text completions. The decomposer uses it to break
// complex questions into sub-queries; any implementation backed by a real
// model works, and tests substitute a mock.
type LLMClient interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// CompletionRequest carries one completion call's parameters.
type CompletionRequest struct {
	Prompt       string
	MaxTokens    int
	Temperature  float32
	Format       string
	SystemPrompt string
}

// CompletionResponse is the model's completion plus its token count (exact
// when the provider reports one, estimated otherwise).
type CompletionResponse struct {
	Text   string
	Tokens int
}

// ValidateQuestion applies the shared question checks.
func ValidateQuestion(question string) error {
	if strings.TrimSpace(question) == "" {
		return ErrEmptyQuestion
	}
	if len(question) > maxQuestionLength {
		return ErrQuestionTooLong
	}
	return nil
}
