package cache

import (
	"context"

	"github.com/developer-mesh/rag-core/pkg/embedding"
	"github.com/developer-mesh/rag-core/pkg/models"
	"github.com/developer-mesh/rag-core/pkg/observability"
)

// CachedService decorates an embedding.Service with read-through caching.
// Zero vectors are never cached: they mark failed items, and caching one
// would pin the failure past the provider's recovery.
type CachedService struct {
	inner  embedding.Service
	cache  Cache
	logger observability.Logger
}

var _ embedding.Service = (*CachedService)(nil)

// NewCachedService wraps inner with the given cache.
func NewCachedService(inner embedding.Service, cache Cache, logger observability.Logger) *CachedService {
	if logger == nil {
		logger = observability.NewStandardLogger("embedding.cached")
	}
	return &CachedService{inner: inner, cache: cache, logger: logger}
}

// Initialize initializes the wrapped service.
func (s *CachedService) Initialize(ctx context.Context) error {
	return s.inner.Initialize(ctx)
}

// EmbedText serves from cache when possible.
func (s *CachedService) EmbedText(ctx context.Context, text string) ([]float32, error) {
	model := s.inner.ModelInfo().ModelID
	if vec, ok := s.cache.Get(ctx, model, text); ok {
		return vec, nil
	}

	vec, err := s.inner.EmbedText(ctx, text)
	if err != nil {
		return nil, err
	}
	s.store(ctx, model, text, vec)
	return vec, nil
}

// EmbedBatch serves cached items from the cache and embeds only the misses,
// keeping results positionally aligned with texts.
func (s *CachedService) EmbedBatch(ctx context.Context, texts []string, batchSize int) ([][]float32, error) {
	if len(texts) == 0 {
		return s.inner.EmbedBatch(ctx, texts, batchSize)
	}

	model := s.inner.ModelInfo().ModelID
	results := make([][]float32, len(texts))
	missing := make([]string, 0, len(texts))
	positions := make([]int, 0, len(texts))

	for i, text := range texts {
		if vec, ok := s.cache.Get(ctx, model, text); ok {
			results[i] = vec
			continue
		}
		missing = append(missing, text)
		positions = append(positions, i)
	}
	if len(missing) == 0 {
		return results, nil
	}

	vecs, err := s.inner.EmbedBatch(ctx, missing, batchSize)
	if err != nil {
		return nil, err
	}
	for j, pos := range positions {
		results[pos] = vecs[j]
		s.store(ctx, model, texts[pos], vecs[j])
	}
	return results, nil
}

// Dimension returns the wrapped service's vector dimension.
func (s *CachedService) Dimension() int { return s.inner.Dimension() }

// MaxTokens returns the wrapped service's input token budget.
func (s *CachedService) MaxTokens() int { return s.inner.MaxTokens() }

// ModelInfo returns the wrapped service's model descriptor.
func (s *CachedService) ModelInfo() models.EmbeddingModel { return s.inner.ModelInfo() }

// HealthCheck checks the wrapped service.
func (s *CachedService) HealthCheck(ctx context.Context) error {
	return s.inner.HealthCheck(ctx)
}

// Close closes the wrapped service and then the cache.
func (s *CachedService) Close() error {
	innerErr := s.inner.Close()
	if err := s.cache.Close(); err != nil && innerErr == nil {
		innerErr = err
	}
	return innerErr
}

func (s *CachedService) store(ctx context.Context, model, text string, vec []float32) {
	if embedding.IsZeroVector(vec) {
		return
	}
	if err := s.cache.Set(ctx, model, text, vec); err != nil {
		s.logger.Warn("failed to cache embedding", map[string]interface{}{
			"model": model,
			"error": err.Error(),
		})
	}
}
