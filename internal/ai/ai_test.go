package ai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policy-adjudicator/models"
)

func TestStaticEmbedderIsDeterministic(t *testing.T) {
	e := NewStaticEmbedder(64)
	ctx := context.Background()

	a, err := e.EmbedOne(ctx, "knee surgery in Pune")
	require.NoError(t, err)
	b, err := e.EmbedOne(ctx, "knee surgery in Pune")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.Equal(t, 64, e.Dimension())
}

func TestStaticEmbedderBatchPreservesOrder(t *testing.T) {
	e := NewStaticEmbedder(32)
	ctx := context.Background()
	texts := []string{"alpha", "beta", "gamma"}

	batch, err := e.EmbedBatch(ctx, texts)
	require.NoError(t, err)
	require.Len(t, batch, len(texts))

	for i, text := range texts {
		one, err := e.EmbedOne(ctx, text)
		require.NoError(t, err)
		assert.Equal(t, one, batch[i], "vector %d out of order", i)
	}
}

func TestStaticEmbedderNormalisesVectors(t *testing.T) {
	e := NewStaticEmbedder(16)
	v, err := e.EmbedOne(context.Background(), "one two three four five")
	require.NoError(t, err)

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestStaticEmbedderHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewStaticEmbedder(8).EmbedBatch(ctx, []string{"x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTokenCounterLimits(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	tc := NewTokenCounter(RateLimits{RPM: 2, TPM: 100, RPD: 3})
	tc.now = func() time.Time { return now }

	require.True(t, tc.CanConsume(40, 1))
	tc.RecordUsage(40, 1)
	assert.False(t, tc.CanConsume(70, 1), "token budget per minute")
	require.True(t, tc.CanConsume(10, 1))
	tc.RecordUsage(10, 1)
	assert.False(t, tc.CanConsume(1, 1), "request budget per minute")

	now = now.Add(time.Minute)
	require.True(t, tc.CanConsume(10, 1))
	tc.RecordUsage(10, 1)

	now = now.Add(time.Minute)
	assert.False(t, tc.CanConsume(1, 1), "daily request budget")
}

func TestTokenCounterUnlimited(t *testing.T) {
	tc := NewTokenCounter(getRateLimits("unlimited"))
	tc.RecordUsage(1<<30, 1<<20)
	assert.True(t, tc.CanConsume(1<<30, 1))
}

func TestRecordUsageChargesTokenBudget(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	tc := NewTokenCounter(RateLimits{RPM: 10, TPM: 100, RPD: 10})
	tc.now = func() time.Time { return now }
	require.True(t, tc.CanConsume(0, 0))

	gc := &GeminiClient{model: "gemini-test", tokenCounter: tc}
	resp := &genai.GenerateContentResponse{
		UsageMetadata: &genai.UsageMetadata{TotalTokenCount: 60},
	}

	assert.Equal(t, 60, gc.recordUsage(context.Background(), resp))
	assert.False(t, tc.CanConsume(50, 1))
	assert.True(t, tc.CanConsume(40, 1))
}

func TestMeasureDimension(t *testing.T) {
	dim, err := measureDimension(context.Background(), func(_ context.Context, texts []string) ([][]float32, error) {
		require.Len(t, texts, 1)
		return [][]float32{make([]float32, 768)}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 768, dim)

	_, err = measureDimension(context.Background(), func(context.Context, []string) ([][]float32, error) {
		return [][]float32{{}}, nil
	})
	var embErr *models.EmbeddingServiceError
	assert.ErrorAs(t, err, &embErr)

	outage := &models.EmbeddingServiceError{Op: "batch_embed", Err: errors.New("503")}
	_, err = measureDimension(context.Background(), func(context.Context, []string) ([][]float32, error) {
		return nil, outage
	})
	assert.ErrorIs(t, err, outage)
}

func TestResponseText(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text(`{"a":`), genai.Text(`1}`)}},
		}},
	}
	assert.Equal(t, `{"a":1}`, responseText(resp))
	assert.Equal(t, "", responseText(&genai.GenerateContentResponse{}))
	assert.Equal(t, 1, extractTokenUsage(resp))
}

func TestNewLimiterUnlimitedTier(t *testing.T) {
	l := newLimiter(RateLimits{})
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow())
	}
}
