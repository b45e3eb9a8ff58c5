package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policy-adjudicator/internal/ai"
)

type mapStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	failGet bool
	failSet bool
}

func newMapStore() *mapStore { return &mapStore{data: map[string][]byte{}} }

func (m *mapStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet {
		return nil, errors.New("connection refused")
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrMiss
	}
	return v, nil
}

func (m *mapStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet {
		return errors.New("connection refused")
	}
	m.data[key] = value
	return nil
}

type countingEmbedder struct {
	*ai.StaticEmbedder
	calls int
}

func (c *countingEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	return c.StaticEmbedder.EmbedOne(ctx, text)
}

func TestEmbeddingCacheHit(t *testing.T) {
	inner := &countingEmbedder{StaticEmbedder: ai.NewStaticEmbedder(16)}
	c := NewEmbeddingCache(inner, newMapStore(), time.Hour)
	ctx := context.Background()

	first, err := c.EmbedOne(ctx, "what is the waiting period")
	require.NoError(t, err)
	second, err := c.EmbedOne(ctx, "what is the waiting period")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, 16, c.Dimension())
}

func TestEmbeddingCacheFailsOpen(t *testing.T) {
	inner := &countingEmbedder{StaticEmbedder: ai.NewStaticEmbedder(8)}
	store := newMapStore()
	store.failGet = true
	store.failSet = true
	c := NewEmbeddingCache(inner, store, time.Hour)

	vec, err := c.EmbedOne(context.Background(), "query")
	require.NoError(t, err)
	assert.Len(t, vec, 8)
	assert.Equal(t, 1, inner.calls)
}

func TestEmbeddingCacheIgnoresMalformedEntry(t *testing.T) {
	inner := &countingEmbedder{StaticEmbedder: ai.NewStaticEmbedder(8)}
	store := newMapStore()
	c := NewEmbeddingCache(inner, store, time.Hour)
	store.data[c.key("q")] = []byte{1, 2, 3}

	vec, err := c.EmbedOne(context.Background(), "q")
	require.NoError(t, err)
	assert.Len(t, vec, 8)
	assert.Equal(t, 1, inner.calls)
}

func TestVectorCodec(t *testing.T) {
	in := []float32{0, 1.5, -2.25, 3e-7}
	out, err := decodeVector(encodeVector(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
