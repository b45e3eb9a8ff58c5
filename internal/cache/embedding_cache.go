package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"policy-adjudicator/internal/ai"
	"policy-adjudicator/internal/logger"
)

const keyPrefix = "emb:"

// ErrMiss is returned by a Store when the key is absent.
var ErrMiss = errors.New("cache miss")

// Store is the byte-level key/value surface the embedding cache needs.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RedisStore adapts a go-redis client to Store.
type RedisStore struct {
	rdb redis.Cmdable
}

func NewRedisStore(rdb redis.Cmdable) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	return b, err
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

// EmbeddingCache decorates an Embedder with a read-through cache on
// single-text lookups. Cache errors never fail a request.
type EmbeddingCache struct {
	ai.Embedder
	store Store
	ttl   time.Duration
}

func NewEmbeddingCache(inner ai.Embedder, store Store, ttl time.Duration) *EmbeddingCache {
	return &EmbeddingCache{Embedder: inner, store: store, ttl: ttl}
}

func (c *EmbeddingCache) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)

	if raw, err := c.store.Get(ctx, key); err == nil {
		if vec, derr := decodeVector(raw); derr == nil && len(vec) == c.Dimension() {
			return vec, nil
		}
		logger.Warn("Discarding malformed cached embedding", "key", key)
	} else if !errors.Is(err, ErrMiss) {
		logger.Warn("Embedding cache read failed", "error", err)
	}

	vec, err := c.Embedder.EmbedOne(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := c.store.Set(ctx, key, encodeVector(vec), c.ttl); err != nil {
		logger.Warn("Embedding cache write failed", "error", err)
	}
	return vec, nil
}

// key scopes entries by model so a model change never serves stale vectors.
func (c *EmbeddingCache) key(text string) string {
	sum := sha256.Sum256([]byte(c.Model() + "|" + text))
	return keyPrefix + hex.EncodeToString(sum[:])
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("cached vector has %d bytes", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec, nil
}
