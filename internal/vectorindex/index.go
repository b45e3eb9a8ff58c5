// Package vectorindex stores chunk embeddings and answers nearest-neighbour
// queries. All backends share one global namespace; an entry is identified by
// its chunk ID and a second upsert of the same ID overwrites the first.
package vectorindex

import (
	"context"
	"fmt"
	"math"
	"sort"

	"policy-adjudicator/internal/config"
	"policy-adjudicator/models"
)

const (
	MetricDotProduct = "dotproduct"
	MetricCosine     = "cosine"
	MetricEuclidean  = "euclidean"
)

// Info describes a ready index.
type Info struct {
	Name      string `json:"name"`
	Backend   string `json:"backend"`
	Dimension int    `json:"dimension"`
	Metric    string `json:"metric"`
	Entries   int64  `json:"entries"`
}

// Index is a nearest-neighbour store over IndexedEntry values.
type Index interface {
	// EnsureReady creates the index if absent and blocks until it accepts
	// queries. An existing index with a different dimension or metric yields
	// IndexConfigConflictError.
	EnsureReady(ctx context.Context, dimension int, metric string) error

	// Upsert writes entries by chunk ID. Dimensions are checked for the whole
	// batch before anything is written.
	Upsert(ctx context.Context, entries []models.IndexedEntry) error

	// Query returns at most topK entries ordered by descending score.
	Query(ctx context.Context, vector []float32, topK int) ([]models.ScoredEntry, error)

	// Count returns the entries stored for sourceID, or all entries when it is empty.
	Count(ctx context.Context, sourceID string) (int64, error)

	Describe(ctx context.Context) (Info, error)
	Close(ctx context.Context) error
}

// New opens the backend selected by VECTOR_BACKEND. The index is not ready
// until EnsureReady returns.
func New(ctx context.Context, cfg *config.Config) (Index, error) {
	switch cfg.VectorBackend {
	case "memory", "":
		return NewMemoryIndex(cfg.VectorIndexName), nil
	case "mongo":
		client, err := config.ConnectMongoDB(cfg)
		if err != nil {
			return nil, err
		}
		return NewMongoIndex(client.Database(cfg.DBName), cfg.VectorIndexName, MongoOptions{
			ReadyTimeout: cfg.IndexReadyTimeout,
			PollInterval: cfg.IndexPollInterval,
			BatchSize:    cfg.UpsertBatchSize,
		}), nil
	case "pgvector":
		return NewPgVectorIndex(ctx, cfg.PostgresURL, cfg.VectorIndexName)
	default:
		return nil, fmt.Errorf("unknown vector backend: %s", cfg.VectorBackend)
	}
}

// ValidMetric reports whether metric is supported.
func ValidMetric(metric string) bool {
	switch metric {
	case MetricDotProduct, MetricCosine, MetricEuclidean:
		return true
	}
	return false
}

// CheckDimensions validates every entry against dim and returns the first offender.
func CheckDimensions(entries []models.IndexedEntry, dim int) error {
	for _, e := range entries {
		if len(e.Vector) != dim {
			return &models.DimensionMismatchError{Expected: dim, Actual: len(e.Vector), ChunkID: e.ChunkID}
		}
	}
	return nil
}

// Score computes similarity under metric; higher is always more similar.
// Euclidean distance is mapped to 1/(1+d).
func Score(metric string, a, b []float32) float64 {
	switch metric {
	case MetricCosine:
		var dot, na, nb float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
			na += float64(a[i]) * float64(a[i])
			nb += float64(b[i]) * float64(b[i])
		}
		if na == 0 || nb == 0 {
			return 0
		}
		return dot / (math.Sqrt(na) * math.Sqrt(nb))
	case MetricEuclidean:
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return 1 / (1 + math.Sqrt(sum))
	default:
		var dot float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
		}
		return dot
	}
}

// sortScored orders results by descending score, breaking ties by chunk ID so
// results are stable across calls.
func sortScored(results []models.ScoredEntry) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Entry.ChunkID < results[j].Entry.ChunkID
	})
}

func notReady(name string) error {
	return fmt.Errorf("vector index %q is not ready: call EnsureReady first", name)
}
