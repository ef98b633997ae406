package embedding

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/rag-core/pkg/models"
	"github.com/developer-mesh/rag-core/pkg/observability"
)

// stubService is a minimal Service whose embed behavior is injected per test.
type stubService struct {
	calls     int32
	embedText func(ctx context.Context, text string) ([]float32, error)
}

func (s *stubService) Initialize(context.Context) error { return nil }

func (s *stubService) EmbedText(ctx context.Context, text string) ([]float32, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.embedText(ctx, text)
}

func (s *stubService) EmbedBatch(ctx context.Context, texts []string, _ int) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := s.EmbedText(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (s *stubService) Dimension() int { return 3 }

func (s *stubService) MaxTokens() int { return 512 }

func (s *stubService) ModelInfo() models.EmbeddingModel {
	return models.EmbeddingModel{ModelID: "stub-model", Provider: "stub", Dimension: 3}
}

func (s *stubService) HealthCheck(context.Context) error { return nil }

func (s *stubService) Close() error { return nil }

func (s *stubService) callCount() int32 { return atomic.LoadInt32(&s.calls) }

func TestBreakerService_PassesThroughSuccess(t *testing.T) {
	stub := &stubService{embedText: func(context.Context, string) ([]float32, error) {
		return []float32{1, 2, 3}, nil
	}}
	svc := NewBreakerService(stub, BreakerConfig{}, observability.NewNoopLogger())

	vec, err := svc.EmbedText(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, vec)

	batch, err := svc.EmbedBatch(context.Background(), []string{"a", "b"}, 10)
	require.NoError(t, err)
	assert.Len(t, batch, 2)
}

func TestBreakerService_OpensAfterRepeatedFailures(t *testing.T) {
	stub := &stubService{embedText: func(context.Context, string) ([]float32, error) {
		return nil, errors.New("provider down")
	}}
	svc := NewBreakerService(stub, BreakerConfig{}, observability.NewNoopLogger())

	// Trip threshold: at least 3 requests with a 60% failure ratio.
	for i := 0; i < 3; i++ {
		_, err := svc.EmbedText(context.Background(), "fail")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}
	require.Equal(t, int32(3), stub.callCount())

	_, err := svc.EmbedText(context.Background(), "short-circuited")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	// The provider was never consulted for the short-circuited call.
	assert.Equal(t, int32(3), stub.callCount())
}

func TestBreakerService_ValidationErrorsDoNotTrip(t *testing.T) {
	stub := &stubService{embedText: func(context.Context, string) ([]float32, error) {
		return []float32{1}, nil
	}}
	svc := NewBreakerService(stub, BreakerConfig{}, observability.NewNoopLogger())

	for i := 0; i < 10; i++ {
		_, err := svc.EmbedText(context.Background(), "   ")
		assert.ErrorIs(t, err, ErrEmptyText)
	}
	assert.Zero(t, stub.callCount())

	// The breaker stayed closed the whole time.
	vec, err := svc.EmbedText(context.Background(), "still works")
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, vec)
}

func TestBreakerService_DelegatesMetadata(t *testing.T) {
	stub := &stubService{}
	svc := NewBreakerService(stub, BreakerConfig{}, observability.NewNoopLogger())

	assert.Equal(t, 3, svc.Dimension())
	assert.Equal(t, 512, svc.MaxTokens())
	assert.Equal(t, "stub-model", svc.ModelInfo().ModelID)
	assert.NoError(t, svc.HealthCheck(context.Background()))
	assert.NoError(t, svc.Initialize(context.Background()))
	assert.NoError(t, svc.Close())
}

func TestBreakerService_HealthCheckBypassesOpenBreaker(t *testing.T) {
	stub := &stubService{embedText: func(context.Context, string) ([]float32, error) {
		return nil, errors.New("provider down")
	}}
	svc := NewBreakerService(stub, BreakerConfig{}, observability.NewNoopLogger())

	for i := 0; i < 3; i++ {
		_, _ = svc.EmbedText(context.Background(), "fail")
	}
	_, err := svc.EmbedText(context.Background(), "open now")
	require.ErrorIs(t, err, ErrCircuitOpen)

	// Probes still reach the provider while embeds are short-circuited.
	assert.NoError(t, svc.HealthCheck(context.Background()))
}
