// Package embedding converts text into fixed-dimension float32 vectors via
// interchangeable providers (AWS Bedrock, OpenAI, local Ollama-compatible
// servers). Providers share one contract: batched generation with per-item
// failure isolation, canary-based initialization, and model metadata.
package embedding

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/developer-mesh/rag-core/pkg/models"
	"github.com/developer-mesh/rag-core/pkg/observability"
)

// Provider names accepted by the factory.
const (
	ProviderBedrock = "bedrock"
	ProviderOpenAI  = "openai"
	ProviderLocal   = "local"
)

var (
	// ErrEmptyText is returned when the input text is empty or whitespace.
	ErrEmptyText = errors.New("text cannot be empty")

	// ErrCircuitOpen is returned by the breaker decorator while the
	// underlying provider is considered unavailable.
	ErrCircuitOpen = errors.New("embedding circuit breaker is open")
)

// canaryText is embedded during Initialize to verify provider connectivity
// and the configured model's dimension.
const canaryText = "embedding service connectivity check"

// Service generates embeddings for text. Implementations are safe for
// concurrent use once Initialize has succeeded.
type Service interface {
	// Initialize verifies connectivity by embedding a canary string and
	// checking the returned dimension against the model catalog.
	Initialize(ctx context.Context) error

	// EmbedText embeds a single text. Empty text is a validation error.
	// Text beyond the model's token budget is truncated with a warning.
	EmbedText(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds texts in sub-batches of batchSize (provider default
	// when <= 0, capped at the provider limit). A failed item yields a zero
	// vector of the model dimension instead of failing the call; the
	// returned slice is positionally aligned with texts. The call errors
	// only on context cancellation.
	EmbedBatch(ctx context.Context, texts []string, batchSize int) ([][]float32, error)

	// Dimension returns the vector dimension produced by the model.
	Dimension() int

	// MaxTokens returns the model's input token budget.
	MaxTokens() int

	// ModelInfo returns the model descriptor.
	ModelInfo() models.EmbeddingModel

	// HealthCheck verifies the provider is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases client resources.
	Close() error
}

// Config carries provider construction options. Only the fields relevant to
// the selected provider need to be set.
type Config struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`

	// Bedrock.
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`

	// OpenAI and local servers.
	APIKey   string `mapstructure:"api_key"`
	Endpoint string `mapstructure:"endpoint"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	MaxConcurrency int64         `mapstructure:"max_concurrency"`
	BatchSize      int           `mapstructure:"batch_size"`
}

// withDefaults fills unset operational knobs.
func (c Config) withDefaults() Config {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = 4
	}
	return c
}

// validateText applies the shared empty-input check.
func validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	return nil
}

// truncateToBudget cuts text to the model's approximate character budget
// (maxTokens * 4) and logs a warning when it does.
func truncateToBudget(text string, maxTokens int, logger observability.Logger) string {
	maxChars := maxTokens * 4
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	logger.Warn("text exceeds model token budget, truncating", map[string]interface{}{
		"length":    len(text),
		"max_chars": maxChars,
	})
	return text[:maxChars]
}

// zeroVector is the substitute for a failed batch item; it keeps downstream
// indexing positionally aligned with the input.
func zeroVector(dimension int) []float32 {
	return make([]float32, dimension)
}

// IsZeroVector reports whether vec is all zeros. The ingestion pipeline uses
// it to skip failed items before indexing.
func IsZeroVector(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return len(vec) > 0
}

// clampBatchSize resolves the effective sub-batch size.
func clampBatchSize(requested, defaultSize, limit int) int {
	size := requested
	if size <= 0 {
		size = defaultSize
	}
	if size > limit {
		size = limit
	}
	return size
}

// embedEach dispatches one embed call per text under the semaphore bound,
// writing results into out starting at offset. Failed items are logged and
// replaced with zero vectors; only context cancellation aborts the batch.
func embedEach(ctx context.Context, texts []string, out [][]float32, offset int, sem *semaphore.Weighted, dimension int, logger observability.Logger, embed func(context.Context, string) ([]float32, error)) error {
	var wg sync.WaitGroup
	for i, text := range texts {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return err
		}
		wg.Add(1)
		go func(i int, text string) {
			defer wg.Done()
			defer sem.Release(1)

			vec, err := embed(ctx, text)
			if err != nil {
				logger.Error("embedding failed, substituting zero vector", map[string]interface{}{
					"index": offset + i,
					"error": err.Error(),
				})
				vec = zeroVector(dimension)
			}
			out[offset+i] = vec
		}(i, text)
	}
	wg.Wait()
	return nil
}

// ProviderError is a provider-level failure with enough detail to decide
// whether the call can be retried.
type ProviderError struct {
	Provider    string
	Code        string
	Message     string
	StatusCode  int
	RetryAfter  *time.Duration
	IsRetryable bool
}

func (e *ProviderError) Error() string {
	return e.Provider + " provider error [" + e.Code + "]: " + e.Message
}
