package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/developer-mesh/rag-core/pkg/models"
	"github.com/developer-mesh/rag-core/pkg/observability"
)

// Local embedding model identifiers (Ollama model names).
const (
	ModelNomicEmbed = "nomic-embed-text"
	ModelAllMiniLM  = "all-minilm"
	ModelMxbaiLarge = "mxbai-embed-large"
)

const (
	defaultLocalEndpoint  = "http://localhost:11434"
	defaultLocalModel     = ModelNomicEmbed
	defaultLocalBatchSize = 16
	maxLocalBatchSize     = 64
	// Token budget assumed for models outside the catalog.
	defaultLocalMaxTokens = 8192
)

// LocalModels returns the descriptor for known local models. Models outside
// this catalog are still usable; their dimension is learned from the canary
// embedding during Initialize.
func LocalModels() map[string]models.EmbeddingModel {
	return map[string]models.EmbeddingModel{
		ModelNomicEmbed: {
			ModelID: ModelNomicEmbed, Provider: ProviderLocal,
			Dimension: 768, MaxTokens: 8192, CostPer1KTokens: 0,
		},
		ModelAllMiniLM: {
			ModelID: ModelAllMiniLM, Provider: ProviderLocal,
			Dimension: 384, MaxTokens: 256, CostPer1KTokens: 0,
		},
		ModelMxbaiLarge: {
			ModelID: ModelMxbaiLarge, Provider: ProviderLocal,
			Dimension: 1024, MaxTokens: 512, CostPer1KTokens: 0,
		},
	}
}

// LocalService generates embeddings through an Ollama-compatible server
// (POST /api/embeddings, one prompt per call). Batch concurrency is handled
// client-side under the semaphore bound.
type LocalService struct {
	model      models.EmbeddingModel
	endpoint   string
	httpClient *http.Client
	sem        *semaphore.Weighted
	batchSize  int
	logger     observability.Logger
}

var _ Service = (*LocalService)(nil)

type localEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type localEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// NewLocalService creates a service backed by an Ollama-compatible server.
func NewLocalService(cfg Config, logger observability.Logger) (*LocalService, error) {
	cfg = cfg.withDefaults()

	modelID := cfg.Model
	if modelID == "" {
		modelID = defaultLocalModel
	}
	model, ok := LocalModels()[modelID]
	if !ok {
		// Unknown models are served as-is; Initialize resolves the dimension.
		model = models.EmbeddingModel{
			ModelID:   modelID,
			Provider:  ProviderLocal,
			MaxTokens: defaultLocalMaxTokens,
		}
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultLocalEndpoint
	}
	endpoint = strings.TrimRight(endpoint, "/")

	if logger == nil {
		logger = observability.NewStandardLogger("embedding.local")
	}

	return &LocalService{
		model:      model,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		sem:        semaphore.NewWeighted(cfg.MaxConcurrency),
		batchSize:  cfg.BatchSize,
		logger:     logger,
	}, nil
}

// Initialize embeds the canary string, learning the dimension for models
// outside the catalog and verifying it for known ones. It must complete
// before concurrent use.
func (s *LocalService) Initialize(ctx context.Context) error {
	vec, err := s.embedOne(ctx, canaryText)
	if err != nil {
		return fmt.Errorf("local embedding initialization failed: %w", err)
	}
	if s.model.Dimension == 0 {
		s.model.Dimension = len(vec)
	} else if len(vec) != s.model.Dimension {
		return fmt.Errorf("local model %s returned dimension %d, expected %d",
			s.model.ModelID, len(vec), s.model.Dimension)
	}
	s.logger.Info("local embedding service initialized", map[string]interface{}{
		"model":     s.model.ModelID,
		"endpoint":  s.endpoint,
		"dimension": s.model.Dimension,
	})
	return nil
}

// EmbedText embeds a single text.
func (s *LocalService) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if err := validateText(text); err != nil {
		return nil, err
	}
	return s.embedOne(ctx, text)
}

// EmbedBatch embeds texts in sequential sub-batches with concurrent items.
func (s *LocalService) EmbedBatch(ctx context.Context, texts []string, batchSize int) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	size := clampBatchSize(batchSize, s.defaultBatchSize(), maxLocalBatchSize)
	results := make([][]float32, len(texts))

	for start := 0; start < len(texts); start += size {
		end := start + size
		if end > len(texts) {
			end = len(texts)
		}
		if err := embedEach(ctx, texts[start:end], results, start, s.sem, s.model.Dimension, s.logger, s.embedOne); err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (s *LocalService) defaultBatchSize() int {
	if s.batchSize > 0 {
		return s.batchSize
	}
	return defaultLocalBatchSize
}

// Dimension returns the model's vector dimension; zero for uncataloged
// models until Initialize has run.
func (s *LocalService) Dimension() int { return s.model.Dimension }

// MaxTokens returns the model's input token budget.
func (s *LocalService) MaxTokens() int { return s.model.MaxTokens }

// ModelInfo returns the model descriptor.
func (s *LocalService) ModelInfo() models.EmbeddingModel { return s.model }

// HealthCheck pings /api/tags, which validates connectivity without running
// inference.
func (s *LocalService) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"/api/tags", http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("local embedding server unreachable: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("local embedding server returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Close cleans up resources. The HTTP client needs no explicit cleanup.
func (s *LocalService) Close() error { return nil }

func (s *LocalService) embedOne(ctx context.Context, text string) ([]float32, error) {
	if err := validateText(text); err != nil {
		return nil, err
	}
	text = truncateToBudget(text, s.model.MaxTokens, s.logger)

	jsonBody, err := json.Marshal(localEmbedRequest{Model: s.model.ModelID, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/api/embeddings", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &ProviderError{
			Provider:    ProviderLocal,
			Code:        "REQUEST_FAILED",
			Message:     err.Error(),
			IsRetryable: true,
		}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &ProviderError{
			Provider:    ProviderLocal,
			Code:        "EMBED_FAILED",
			Message:     string(body),
			StatusCode:  resp.StatusCode,
			IsRetryable: isRetryableStatusCode(resp.StatusCode),
		}
	}

	var embedResp localEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(embedResp.Embedding) == 0 {
		return nil, fmt.Errorf("no embedding returned for model %s", s.model.ModelID)
	}

	// The wire format carries float64; downstream stores take float32.
	embedding := make([]float32, len(embedResp.Embedding))
	for i, v := range embedResp.Embedding {
		embedding[i] = float32(v)
	}
	return embedding, nil
}
