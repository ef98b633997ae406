package embedding

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/developer-mesh/rag-core/pkg/models"
	"github.com/developer-mesh/rag-core/pkg/observability"
)

// BreakerConfig tunes the circuit breaker decorator.
type BreakerConfig struct {
	MaxRequests uint32        `mapstructure:"max_requests"`
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxRequests == 0 {
		c.MaxRequests = 3
	}
	if c.Interval == 0 {
		c.Interval = 10 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// BreakerService wraps a Service with a circuit breaker. While the breaker
// is open, embed calls fail fast with ErrCircuitOpen instead of hitting the
// provider.
type BreakerService struct {
	inner Service
	cb    *gobreaker.CircuitBreaker
}

var _ Service = (*BreakerService)(nil)

// NewBreakerService decorates inner with a circuit breaker that trips once
// 60% of at least 3 requests have failed within the interval.
func NewBreakerService(inner Service, cfg BreakerConfig, logger observability.Logger) *BreakerService {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = observability.NewStandardLogger("embedding.breaker")
	}

	settings := gobreaker.Settings{
		Name:        "embedding-" + inner.ModelInfo().Provider,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("circuit breaker state changed", map[string]interface{}{
				"name": name,
				"from": from.String(),
				"to":   to.String(),
			})
		},
	}

	return &BreakerService{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Initialize passes through without breaker accounting.
func (s *BreakerService) Initialize(ctx context.Context) error {
	return s.inner.Initialize(ctx)
}

// EmbedText embeds through the breaker. Input validation happens before the
// breaker so client errors never count against the provider.
func (s *BreakerService) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if err := validateText(text); err != nil {
		return nil, err
	}
	result, err := s.cb.Execute(func() (interface{}, error) {
		return s.inner.EmbedText(ctx, text)
	})
	if err != nil {
		return nil, mapBreakerErr(err)
	}
	return result.([]float32), nil
}

// EmbedBatch embeds through the breaker.
func (s *BreakerService) EmbedBatch(ctx context.Context, texts []string, batchSize int) ([][]float32, error) {
	result, err := s.cb.Execute(func() (interface{}, error) {
		return s.inner.EmbedBatch(ctx, texts, batchSize)
	})
	if err != nil {
		return nil, mapBreakerErr(err)
	}
	return result.([][]float32), nil
}

// Dimension returns the wrapped service's vector dimension.
func (s *BreakerService) Dimension() int { return s.inner.Dimension() }

// MaxTokens returns the wrapped service's input token budget.
func (s *BreakerService) MaxTokens() int { return s.inner.MaxTokens() }

// ModelInfo returns the wrapped service's model descriptor.
func (s *BreakerService) ModelInfo() models.EmbeddingModel { return s.inner.ModelInfo() }

// HealthCheck bypasses the breaker so probes can observe recovery while it
// is open.
func (s *BreakerService) HealthCheck(ctx context.Context) error {
	return s.inner.HealthCheck(ctx)
}

// Close closes the wrapped service.
func (s *BreakerService) Close() error { return s.inner.Close() }

func mapBreakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}
