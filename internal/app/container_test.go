package app

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policy-adjudicator/internal/config"
)

func staticConfig(t *testing.T) *config.Config {
	return &config.Config{
		FileStorageDir:     t.TempDir(),
		MaxFileSize:        1 << 20,
		MaxFiles:           5,
		VectorBackend:      "memory",
		VectorIndexName:    "policies",
		VectorDimensions:   64,
		VectorMetric:       "cosine",
		EmbeddingsProvider: "static",
		UpsertMaxRetries:   1,
		UpsertBatchSize:    10,
	}
}

func TestNewStaticContainer(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, staticConfig(t), Options{SkipGenerator: true})
	require.NoError(t, err)
	defer c.Close(ctx)

	assert.Nil(t, c.Decisions)
	assert.Nil(t, c.Redis)
	assert.Equal(t, 64, c.Embedder.Dimension())

	info, err := c.Index.Describe(ctx)
	require.NoError(t, err)
	assert.Equal(t, "policies", info.Name)
	assert.Equal(t, 64, info.Dimension)

	passages, err := c.Retriever.Retrieve(ctx, "is knee surgery covered", 3)
	require.NoError(t, err)
	assert.Empty(t, passages)
}

func TestNewUnknownBackend(t *testing.T) {
	cfg := staticConfig(t)
	cfg.VectorBackend = "sqlite"

	_, err := New(context.Background(), cfg, Options{SkipGenerator: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown vector backend")
}

func TestCloseRunsInReverseOrder(t *testing.T) {
	var order []int
	c := &Container{}
	c.addCloser(func(context.Context) error { order = append(order, 1); return nil })
	c.addCloser(func(context.Context) error { order = append(order, 2); return errors.New("boom") })

	err := c.Close(context.Background())
	require.Error(t, err)
	assert.Equal(t, []int{2, 1}, order)
	assert.NoError(t, c.Close(context.Background()), "second close is a no-op")
}
