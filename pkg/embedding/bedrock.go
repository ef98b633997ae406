package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/developer-mesh/rag-core/pkg/models"
	"github.com/developer-mesh/rag-core/pkg/observability"
)

// Bedrock embedding model identifiers.
const (
	ModelTitanV1            = "amazon.titan-embed-text-v1"
	ModelTitanV2            = "amazon.titan-embed-text-v2:0"
	ModelCohereEnglish      = "cohere.embed-english-v3"
	ModelCohereMultilingual = "cohere.embed-multilingual-v3"
)

const (
	defaultBedrockModel     = ModelTitanV2
	defaultBedrockBatchSize = 8
	// Cohere accepts up to 96 texts per request; treat that as the family
	// ceiling for sub-batch sizing.
	maxBedrockBatchSize = 96
)

// BedrockModels returns the descriptor for every supported Bedrock model.
func BedrockModels() map[string]models.EmbeddingModel {
	return map[string]models.EmbeddingModel{
		ModelTitanV1: {
			ModelID: ModelTitanV1, Provider: ProviderBedrock,
			Dimension: 1536, MaxTokens: 8000, CostPer1KTokens: 0.0001,
		},
		ModelTitanV2: {
			ModelID: ModelTitanV2, Provider: ProviderBedrock,
			Dimension: 1024, MaxTokens: 8192, CostPer1KTokens: 0.00002,
		},
		ModelCohereEnglish: {
			ModelID: ModelCohereEnglish, Provider: ProviderBedrock,
			Dimension: 1024, MaxTokens: 512, CostPer1KTokens: 0.0001,
		},
		ModelCohereMultilingual: {
			ModelID: ModelCohereMultilingual, Provider: ProviderBedrock,
			Dimension: 1024, MaxTokens: 512, CostPer1KTokens: 0.0001,
		},
	}
}

// BedrockRuntimeClient is the slice of the Bedrock runtime API this service
// uses, defined as an interface to allow mocking in tests.
type BedrockRuntimeClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockService generates embeddings through AWS Bedrock. Titan models take
// one text per invocation; Cohere models accept a texts list but are invoked
// per text here as well, with batch concurrency handled above the wire call.
type BedrockService struct {
	model      models.EmbeddingModel
	client     BedrockRuntimeClient
	sem        *semaphore.Weighted
	timeout    time.Duration
	maxRetries int
	retryBase  time.Duration
	batchSize  int
	logger     observability.Logger
}

var _ Service = (*BedrockService)(nil)

// NewBedrockService creates a Bedrock embedding service. Static credentials
// are used when provided; otherwise the default AWS credential chain applies.
func NewBedrockService(cfg Config, logger observability.Logger) (*BedrockService, error) {
	if cfg.Region == "" {
		return nil, errors.New("aws region is required for bedrock embeddings")
	}

	optFns := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	return NewBedrockServiceWithClient(bedrockruntime.NewFromConfig(awsCfg), cfg, logger)
}

// NewBedrockServiceWithClient creates the service around an existing client.
// Tests use it to inject a mock BedrockRuntimeClient.
func NewBedrockServiceWithClient(client BedrockRuntimeClient, cfg Config, logger observability.Logger) (*BedrockService, error) {
	if client == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	cfg = cfg.withDefaults()

	modelID := cfg.Model
	if modelID == "" {
		modelID = defaultBedrockModel
	}
	model, ok := BedrockModels()[modelID]
	if !ok {
		return nil, fmt.Errorf("unsupported bedrock embedding model: %q (supported: %s)",
			modelID, strings.Join(bedrockModelIDs(), ", "))
	}

	if logger == nil {
		logger = observability.NewStandardLogger("embedding.bedrock")
	}

	return &BedrockService{
		model:      model,
		client:     client,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrency),
		timeout:    cfg.RequestTimeout,
		maxRetries: cfg.MaxRetries,
		retryBase:  500 * time.Millisecond,
		batchSize:  cfg.BatchSize,
		logger:     logger,
	}, nil
}

func bedrockModelIDs() []string {
	return []string{ModelTitanV1, ModelTitanV2, ModelCohereEnglish, ModelCohereMultilingual}
}

// Initialize embeds the canary string and verifies the returned dimension.
func (s *BedrockService) Initialize(ctx context.Context) error {
	vec, err := s.embedOne(ctx, canaryText)
	if err != nil {
		return fmt.Errorf("bedrock initialization failed: %w", err)
	}
	if len(vec) != s.model.Dimension {
		return fmt.Errorf("bedrock model %s returned dimension %d, expected %d",
			s.model.ModelID, len(vec), s.model.Dimension)
	}
	s.logger.Info("bedrock embedding service initialized", map[string]interface{}{
		"model":     s.model.ModelID,
		"dimension": s.model.Dimension,
	})
	return nil
}

// EmbedText embeds a single text.
func (s *BedrockService) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if err := validateText(text); err != nil {
		return nil, err
	}
	return s.embedOne(ctx, text)
}

// EmbedBatch embeds texts in sequential sub-batches with concurrent items.
func (s *BedrockService) EmbedBatch(ctx context.Context, texts []string, batchSize int) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	size := clampBatchSize(batchSize, s.defaultBatchSize(), maxBedrockBatchSize)
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

func (s *BedrockService) defaultBatchSize() int {
	if s.batchSize > 0 {
		return s.batchSize
	}
	return defaultBedrockBatchSize
}

// Dimension returns the model's vector dimension.
func (s *BedrockService) Dimension() int { return s.model.Dimension }

// MaxTokens returns the model's input token budget.
func (s *BedrockService) MaxTokens() int { return s.model.MaxTokens }

// ModelInfo returns the model descriptor.
func (s *BedrockService) ModelInfo() models.EmbeddingModel { return s.model }

// HealthCheck embeds the canary string.
func (s *BedrockService) HealthCheck(ctx context.Context) error {
	if _, err := s.embedOne(ctx, canaryText); err != nil {
		return fmt.Errorf("bedrock health check failed: %w", err)
	}
	return nil
}

// Close releases resources. The SDK client holds none that need closing.
func (s *BedrockService) Close() error { return nil }

func (s *BedrockService) embedOne(ctx context.Context, text string) ([]float32, error) {
	if err := validateText(text); err != nil {
		return nil, err
	}
	text = truncateToBudget(text, s.model.MaxTokens, s.logger)

	body, err := s.buildRequest(text)
	if err != nil {
		return nil, err
	}
	respBody, err := s.invoke(ctx, body)
	if err != nil {
		return nil, err
	}
	return s.parseResponse(respBody)
}

// Wire formats per model family.
type titanRequest struct {
	InputText string `json:"inputText"`
}

type titanV2Request struct {
	InputText  string `json:"inputText"`
	Dimensions int    `json:"dimensions"`
	Normalize  bool   `json:"normalize"`
}

type titanResponse struct {
	Embedding           []float32 `json:"embedding"`
	InputTextTokenCount int       `json:"inputTextTokenCount"`
}

type bedrockCohereRequest struct {
	Texts     []string `json:"texts"`
	InputType string   `json:"input_type"`
	Truncate  string   `json:"truncate"`
}

type bedrockCohereResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (s *BedrockService) buildRequest(text string) ([]byte, error) {
	switch {
	case isTitanV2Model(s.model.ModelID):
		return json.Marshal(titanV2Request{InputText: text, Dimensions: s.model.Dimension, Normalize: true})
	case isTitanModel(s.model.ModelID):
		return json.Marshal(titanRequest{InputText: text})
	case isCohereBedrockModel(s.model.ModelID):
		return json.Marshal(bedrockCohereRequest{Texts: []string{text}, InputType: "search_document", Truncate: "END"})
	default:
		return nil, fmt.Errorf("unsupported bedrock model format: %s", s.model.ModelID)
	}
}

func (s *BedrockService) parseResponse(body []byte) ([]float32, error) {
	if isCohereBedrockModel(s.model.ModelID) {
		var resp bedrockCohereResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to parse cohere response: %w", err)
		}
		if len(resp.Embeddings) == 0 {
			return nil, errors.New("no embeddings returned from cohere model")
		}
		return resp.Embeddings[0], nil
	}

	var resp titanResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse titan response: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, errors.New("no embedding returned from titan model")
	}
	return resp.Embedding, nil
}

// invoke calls InvokeModel with exponential backoff. Validation and access
// errors are permanent; throttling and transient failures are retried with a
// doubling wait, bounded by maxRetries.
func (s *BedrockService) invoke(ctx context.Context, body []byte) ([]byte, error) {
	var out []byte
	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		resp, err := s.client.InvokeModel(callCtx, &bedrockruntime.InvokeModelInput{
			ModelId:     aws.String(s.model.ModelID),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        body,
		})
		if err != nil {
			if !isRetryableBedrockError(err) {
				return backoff.Permanent(err)
			}
			s.logger.Warn("bedrock invocation failed, retrying", map[string]interface{}{
				"model": s.model.ModelID,
				"error": err.Error(),
			})
			return err
		}
		out = resp.Body
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retryBase
	policy.Multiplier = 2
	policy.MaxInterval = 8 * time.Second
	policy.MaxElapsedTime = 0

	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.maxRetries)), ctx)); err != nil {
		return nil, fmt.Errorf("failed to invoke bedrock model %s: %w", s.model.ModelID, err)
	}
	return out, nil
}

// isRetryableBedrockError distinguishes transient failures from request or
// permission errors that retrying cannot fix.
func isRetryableBedrockError(err error) bool {
	var validation *types.ValidationException
	var accessDenied *types.AccessDeniedException
	if errors.As(err, &validation) || errors.As(err, &accessDenied) {
		return false
	}
	return true
}

func isTitanModel(modelID string) bool {
	return strings.HasPrefix(modelID, "amazon.titan-embed")
}

func isTitanV2Model(modelID string) bool {
	return isTitanModel(modelID) && strings.Contains(modelID, "-v2")
}

func isCohereBedrockModel(modelID string) bool {
	return strings.HasPrefix(modelID, "cohere.")
}
