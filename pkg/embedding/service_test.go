package embedding

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/developer-mesh/rag-core/pkg/observability"
)

func TestValidateText(t *testing.T) {
	assert.NoError(t, validateText("hello"))
	assert.ErrorIs(t, validateText(""), ErrEmptyText)
	assert.ErrorIs(t, validateText("   \n\t"), ErrEmptyText)
}

func TestTruncateToBudget(t *testing.T) {
	logger := observability.NewNoopLogger()

	short := "short text"
	assert.Equal(t, short, truncateToBudget(short, 100, logger))

	// Budget is maxTokens * 4 characters.
	long := strings.Repeat("a", 100)
	got := truncateToBudget(long, 10, logger)
	assert.Len(t, got, 40)

	exact := strings.Repeat("b", 40)
	assert.Equal(t, exact, truncateToBudget(exact, 10, logger))

	// Zero budget disables truncation rather than emptying the text.
	assert.Equal(t, long, truncateToBudget(long, 0, logger))
}

func TestZeroVector(t *testing.T) {
	vec := zeroVector(5)
	require.Len(t, vec, 5)
	for _, v := range vec {
		assert.Zero(t, v)
	}
}

func TestIsZeroVector(t *testing.T) {
	assert.True(t, IsZeroVector(make([]float32, 8)))
	assert.False(t, IsZeroVector([]float32{0, 0, 0.1}))
	assert.False(t, IsZeroVector([]float32{}))
	assert.False(t, IsZeroVector(nil))
}

func TestClampBatchSize(t *testing.T) {
	assert.Equal(t, 8, clampBatchSize(0, 8, 96))
	assert.Equal(t, 8, clampBatchSize(-1, 8, 96))
	assert.Equal(t, 5, clampBatchSize(5, 8, 96))
	assert.Equal(t, 96, clampBatchSize(200, 8, 96))
}

func TestEmbedEach_SubstitutesZeroVectorOnFailure(t *testing.T) {
	texts := []string{"ok", "boom", "ok"}
	out := make([][]float32, len(texts))
	sem := semaphore.NewWeighted(2)

	embed := func(_ context.Context, text string) ([]float32, error) {
		if text == "boom" {
			return nil, errors.New("provider unavailable")
		}
		return []float32{1, 2, 3}, nil
	}

	err := embedEach(context.Background(), texts, out, 0, sem, 3, observability.NewNoopLogger(), embed)
	require.NoError(t, err)

	assert.Equal(t, []float32{1, 2, 3}, out[0])
	assert.True(t, IsZeroVector(out[1]))
	assert.Len(t, out[1], 3)
	assert.Equal(t, []float32{1, 2, 3}, out[2])
}

func TestEmbedEach_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make([][]float32, 1)
	err := embedEach(ctx, []string{"text"}, out, 0, semaphore.NewWeighted(1), 3, observability.NewNoopLogger(),
		func(context.Context, string) ([]float32, error) {
			return []float32{1}, nil
		})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProviderError_Error(t *testing.T) {
	err := &ProviderError{Provider: "openai", Code: "rate_limit_exceeded", Message: "slow down"}
	assert.Equal(t, "openai provider error [rate_limit_exceeded]: slow down", err.Error())
}

func TestIsRetryableStatusCode(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		assert.True(t, isRetryableStatusCode(code), "status %d", code)
	}
	for _, code := range []int{200, 400, 401, 403, 404, 422} {
		assert.False(t, isRetryableStatusCode(code), "status %d", code)
	}
}

func TestParseRetryAfter(t *testing.T) {
	assert.Nil(t, parseRetryAfter(""))
	assert.Nil(t, parseRetryAfter("not-a-delay"))

	d := parseRetryAfter("5")
	require.NotNil(t, d)
	assert.Equal(t, 5*time.Second, *d)

	future := time.Now().Add(30 * time.Second).UTC().Format(time.RFC1123)
	d = parseRetryAfter(strings.Replace(future, "UTC", "GMT", 1))
	require.NotNil(t, d)
	assert.Greater(t, *d, 20*time.Second)

	past := time.Now().Add(-time.Minute).UTC().Format(time.RFC1123)
	assert.Nil(t, parseRetryAfter(strings.Replace(past, "UTC", "GMT", 1)))
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, int64(4), cfg.MaxConcurrency)

	custom := Config{RequestTimeout: time.Second, MaxRetries: 1, MaxConcurrency: 16}.withDefaults()
	assert.Equal(t, time.Second, custom.RequestTimeout)
	assert.Equal(t, 1, custom.MaxRetries)
	assert.Equal(t, int64(16), custom.MaxConcurrency)
}
