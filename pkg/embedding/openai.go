package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/developer-mesh/rag-core/pkg/models"
	"github.com/developer-mesh/rag-core/pkg/observability"
)

// OpenAI embedding model identifiers.
const (
	ModelOpenAISmall = "text-embedding-3-small"
	ModelOpenAILarge = "text-embedding-3-large"
	ModelOpenAIAda   = "text-embedding-ada-002"
)

const (
	defaultOpenAIEndpoint  = "https://api.openai.com/v1"
	defaultOpenAIModel     = ModelOpenAISmall
	defaultOpenAIBatchSize = 100
	// The embeddings endpoint accepts up to 2048 inputs per request.
	maxOpenAIBatchSize = 2048

	openAIRetryDelayBase = time.Second
	openAIRetryDelayMax  = 30 * time.Second
)

// OpenAIModels returns the descriptor for every supported OpenAI model.
func OpenAIModels() map[string]models.EmbeddingModel {
	return map[string]models.EmbeddingModel{
		ModelOpenAISmall: {
			ModelID: ModelOpenAISmall, Provider: ProviderOpenAI,
			Dimension: 1536, MaxTokens: 8191, CostPer1KTokens: 0.00002,
		},
		ModelOpenAILarge: {
			ModelID: ModelOpenAILarge, Provider: ProviderOpenAI,
			Dimension: 3072, MaxTokens: 8191, CostPer1KTokens: 0.00013,
		},
		ModelOpenAIAda: {
			ModelID: ModelOpenAIAda, Provider: ProviderOpenAI,
			Dimension: 1536, MaxTokens: 8191, CostPer1KTokens: 0.0001,
		},
	}
}

// OpenAIService generates embeddings through the OpenAI embeddings endpoint.
// Unlike Bedrock, the API natively accepts a list of inputs, so sub-batches
// are sent as single requests and failures are isolated per sub-batch.
type OpenAIService struct {
	model      models.EmbeddingModel
	apiKey     string
	endpoint   string
	httpClient *http.Client
	maxRetries int
	retryBase  time.Duration
	batchSize  int
	logger     observability.Logger
}

var _ Service = (*OpenAIService)(nil)

type openAIRequest struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	EncodingFormat string   `json:"encoding_format,omitempty"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

type openAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

// NewOpenAIService creates an OpenAI embedding service.
func NewOpenAIService(cfg Config, logger observability.Logger) (*OpenAIService, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}
	cfg = cfg.withDefaults()

	modelID := cfg.Model
	if modelID == "" {
		modelID = defaultOpenAIModel
	}
	model, ok := OpenAIModels()[modelID]
	if !ok {
		return nil, fmt.Errorf("unsupported openai embedding model: %q (supported: %s)",
			modelID, strings.Join(openAIModelIDs(), ", "))
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultOpenAIEndpoint
	}
	endpoint = strings.TrimRight(endpoint, "/")

	if logger == nil {
		logger = observability.NewStandardLogger("embedding.openai")
	}

	return &OpenAIService{
		model:      model,
		apiKey:     cfg.APIKey,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		maxRetries: cfg.MaxRetries,
		retryBase:  openAIRetryDelayBase,
		batchSize:  cfg.BatchSize,
		logger:     logger,
	}, nil
}

func openAIModelIDs() []string {
	return []string{ModelOpenAISmall, ModelOpenAILarge, ModelOpenAIAda}
}

// Initialize embeds the canary string and verifies the returned dimension.
func (s *OpenAIService) Initialize(ctx context.Context) error {
	vecs, err := s.requestEmbeddings(ctx, []string{canaryText})
	if err != nil {
		return fmt.Errorf("openai initialization failed: %w", err)
	}
	if len(vecs[0]) != s.model.Dimension {
		return fmt.Errorf("openai model %s returned dimension %d, expected %d",
			s.model.ModelID, len(vecs[0]), s.model.Dimension)
	}
	s.logger.Info("openai embedding service initialized", map[string]interface{}{
		"model":     s.model.ModelID,
		"dimension": s.model.Dimension,
	})
	return nil
}

// EmbedText embeds a single text.
func (s *OpenAIService) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if err := validateText(text); err != nil {
		return nil, err
	}
	text = truncateToBudget(text, s.model.MaxTokens, s.logger)

	vecs, err := s.requestEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in sequential sub-batches, each sent as one API
// request. A sub-batch that still fails after retries yields zero vectors for
// its items; only context cancellation fails the call.
func (s *OpenAIService) EmbedBatch(ctx context.Context, texts []string, batchSize int) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	size := clampBatchSize(batchSize, s.defaultBatchSize(), maxOpenAIBatchSize)
	results := make([][]float32, len(texts))

	for start := 0; start < len(texts); start += size {
		end := start + size
		if end > len(texts) {
			end = len(texts)
		}
		if err := s.embedSubBatch(ctx, texts[start:end], results, start); err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (s *OpenAIService) embedSubBatch(ctx context.Context, texts []string, out [][]float32, offset int) error {
	valid := make([]string, 0, len(texts))
	positions := make([]int, 0, len(texts))
	for i, text := range texts {
		if err := validateText(text); err != nil {
			s.logger.Error("embedding failed, substituting zero vector", map[string]interface{}{
				"index": offset + i,
				"error": err.Error(),
			})
			out[offset+i] = zeroVector(s.model.Dimension)
			continue
		}
		valid = append(valid, truncateToBudget(text, s.model.MaxTokens, s.logger))
		positions = append(positions, offset+i)
	}
	if len(valid) == 0 {
		return nil
	}

	vecs, err := s.requestEmbeddings(ctx, valid)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Error("embedding sub-batch failed, substituting zero vectors", map[string]interface{}{
			"offset": offset,
			"count":  len(valid),
			"error":  err.Error(),
		})
		for _, pos := range positions {
			out[pos] = zeroVector(s.model.Dimension)
		}
		return nil
	}

	for i, pos := range positions {
		out[pos] = vecs[i]
	}
	return nil
}

func (s *OpenAIService) defaultBatchSize() int {
	if s.batchSize > 0 {
		return s.batchSize
	}
	return defaultOpenAIBatchSize
}

// Dimension returns the model's vector dimension.
func (s *OpenAIService) Dimension() int { return s.model.Dimension }

// MaxTokens returns the model's input token budget.
func (s *OpenAIService) MaxTokens() int { return s.model.MaxTokens }

// ModelInfo returns the model descriptor.
func (s *OpenAIService) ModelInfo() models.EmbeddingModel { return s.model }

// HealthCheck sends a single canary request without retries.
func (s *OpenAIService) HealthCheck(ctx context.Context) error {
	_, err := s.doRequest(ctx, openAIRequest{
		Input: []string{canaryText},
		Model: s.model.ModelID,
	})
	if err != nil {
		return fmt.Errorf("openai health check failed: %w", err)
	}
	return nil
}

// Close cleans up resources. The HTTP client needs no explicit cleanup.
func (s *OpenAIService) Close() error { return nil }

// requestEmbeddings sends one embeddings request with retry on throttling and
// server errors, honoring Retry-After when the API provides one.
func (s *OpenAIService) requestEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	var resp *openAIResponse
	var lastErr error

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.retryDelay(attempt, lastErr)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			s.logger.Warn("retrying openai request", map[string]interface{}{
				"attempt": attempt,
				"error":   lastErr.Error(),
			})
		}

		resp, lastErr = s.doRequest(ctx, openAIRequest{
			Input:          texts,
			Model:          s.model.ModelID,
			EncodingFormat: "float",
		})
		if lastErr == nil {
			break
		}
		if !isRetryableProviderError(lastErr) {
			break
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}

	// Responses may arrive out of order; place each row by its index.
	vecs := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(vecs) {
			return nil, fmt.Errorf("embedding index %d out of range for batch of %d", data.Index, len(texts))
		}
		vecs[data.Index] = data.Embedding
	}
	for i, vec := range vecs {
		if vec == nil {
			return nil, fmt.Errorf("no embedding returned for batch item %d", i)
		}
	}
	return vecs, nil
}

func (s *OpenAIService) doRequest(ctx context.Context, reqBody openAIRequest) (*openAIResponse, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/embeddings", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &ProviderError{
			Provider:    ProviderOpenAI,
			Code:        "REQUEST_FAILED",
			Message:     err.Error(),
			IsRetryable: true,
		}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp openAIErrorResponse
		if err := json.Unmarshal(body, &errResp); err != nil {
			return nil, &ProviderError{
				Provider:    ProviderOpenAI,
				Code:        "UNKNOWN_ERROR",
				Message:     string(body),
				StatusCode:  resp.StatusCode,
				IsRetryable: isRetryableStatusCode(resp.StatusCode),
			}
		}
		return nil, &ProviderError{
			Provider:    ProviderOpenAI,
			Code:        errResp.Error.Code,
			Message:     errResp.Error.Message,
			StatusCode:  resp.StatusCode,
			RetryAfter:  parseRetryAfter(resp.Header.Get("Retry-After")),
			IsRetryable: isRetryableStatusCode(resp.StatusCode),
		}
	}

	var openAIResp openAIResponse
	if err := json.Unmarshal(body, &openAIResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(openAIResp.Data) == 0 {
		return nil, errors.New("no embedding data in response")
	}
	return &openAIResp, nil
}

func (s *OpenAIService) retryDelay(attempt int, lastErr error) time.Duration {
	var provErr *ProviderError
	if errors.As(lastErr, &provErr) && provErr.RetryAfter != nil {
		return *provErr.RetryAfter
	}
	delay := s.retryBase * time.Duration(1<<uint(attempt-1))
	if delay > openAIRetryDelayMax {
		delay = openAIRetryDelayMax
	}
	return delay
}

func isRetryableProviderError(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.IsRetryable
	}
	// Network errors are generally retryable.
	return true
}

func isRetryableStatusCode(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func parseRetryAfter(header string) *time.Duration {
	if header == "" {
		return nil
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		duration := time.Duration(seconds) * time.Second
		return &duration
	}
	if t, err := http.ParseTime(header); err == nil {
		duration := time.Until(t)
		if duration > 0 {
			return &duration
		}
	}
	return nil
}
