// Package app wires the pipeline components from configuration. Nothing is
// connected at import time; callers build a Container and Close it on exit.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"

	"policy-adjudicator/internal/ai"
	"policy-adjudicator/internal/cache"
	"policy-adjudicator/internal/config"
	"policy-adjudicator/internal/logger"
	"policy-adjudicator/internal/vectorindex"
	"policy-adjudicator/models"
	"policy-adjudicator/services"
)

// Options selects the optional parts of the container.
type Options struct {
	// SkipGenerator leaves Decisions nil. The ingestion worker does not
	// need a generative model.
	SkipGenerator bool
}

type Container struct {
	Config    *config.Config
	Index     vectorindex.Index
	Embedder  ai.Embedder
	Generator ai.Generator
	Redis     *redis.Client

	Extractor *services.PDFExtractor
	Ingestion *services.IngestionService
	Retriever services.Retriever
	Decisions *services.DecisionService

	closers []func(context.Context) error
}

// New connects every backend and blocks until the vector index is queryable.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *Container, err error) {
	c := &Container{Config: cfg}
	defer func() {
		if err != nil {
			_ = c.Close(context.Background())
		}
	}()

	embedder, err := ai.NewEmbedder(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	if closer, ok := embedder.(io.Closer); ok {
		c.addCloser(func(context.Context) error { return closer.Close() })
	}
	if embedder.Dimension() != cfg.VectorDimensions {
		return nil, &models.DimensionMismatchError{Expected: cfg.VectorDimensions, Actual: embedder.Dimension()}
	}

	if cfg.RedisURL != "" {
		rdb, rerr := config.NewRedisClient(cfg)
		if rerr != nil {
			logger.Warn("Redis unavailable, continuing without embedding cache", "error", rerr)
		} else {
			c.Redis = rdb
			c.addCloser(func(context.Context) error { return rdb.Close() })
		}
	}
	if c.Redis != nil && cfg.EmbeddingCacheTTL > 0 {
		embedder = cache.NewEmbeddingCache(embedder, cache.NewRedisStore(c.Redis), cfg.EmbeddingCacheTTL)
	}
	c.Embedder = embedder

	index, err := vectorindex.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector index: %w", err)
	}
	c.Index = index
	c.addCloser(index.Close)

	if err := index.EnsureReady(ctx, cfg.VectorDimensions, cfg.VectorMetric); err != nil {
		return nil, fmt.Errorf("vector index not ready: %w", err)
	}
	logger.Info("Vector index ready",
		"backend", cfg.VectorBackend,
		"index", cfg.VectorIndexName,
		"dimension", cfg.VectorDimensions,
		"metric", cfg.VectorMetric,
	)

	c.Extractor = services.NewPDFExtractor()
	c.Ingestion = services.NewIngestionService(cfg, c.Extractor, c.Embedder, c.Index)
	c.Retriever = services.NewIndexRetriever(c.Embedder, c.Index)

	if !opts.SkipGenerator {
		gen, err := ai.NewGeminiClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create generative client: %w", err)
		}
		c.Generator = gen
		c.addCloser(func(context.Context) error { return gen.Close() })

		c.Decisions, err = services.NewDecisionService(gen, cfg.MaxContextChars, cfg.DecisionRetries)
		if err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *Container) addCloser(fn func(context.Context) error) {
	c.closers = append(c.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
