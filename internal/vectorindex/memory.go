package vectorindex

import (
	"context"
	"sync"

	"policy-adjudicator/models"
)

// MemoryIndex is a brute-force in-process index. Contents do not survive a restart.
type MemoryIndex struct {
	name string

	mu        sync.RWMutex
	ready     bool
	dimension int
	metric    string
	entries   map[string]models.IndexedEntry
}

func NewMemoryIndex(name string) *MemoryIndex {
	return &MemoryIndex{name: name, entries: make(map[string]models.IndexedEntry)}
}

func (m *MemoryIndex) EnsureReady(ctx context.Context, dimension int, metric string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ready {
		if m.dimension != dimension || m.metric != metric {
			return &models.IndexConfigConflictError{
				Index:           m.name,
				WantDimension:   dimension,
				WantMetric:      metric,
				ActualDimension: m.dimension,
				ActualMetric:    m.metric,
			}
		}
		return nil
	}
	m.dimension = dimension
	m.metric = metric
	m.ready = true
	return nil
}

func (m *MemoryIndex) Upsert(ctx context.Context, entries []models.IndexedEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ready {
		return notReady(m.name)
	}
	if err := CheckDimensions(entries, m.dimension); err != nil {
		return err
	}
	for _, e := range entries {
		vec := make([]float32, len(e.Vector))
		copy(vec, e.Vector)
		e.Vector = vec
		m.entries[e.ChunkID] = e
	}
	return nil
}

func (m *MemoryIndex) Query(ctx context.Context, vector []float32, topK int) ([]models.ScoredEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.ready {
		return nil, notReady(m.name)
	}
	if len(vector) != m.dimension {
		return nil, &models.DimensionMismatchError{Expected: m.dimension, Actual: len(vector)}
	}
	if topK <= 0 {
		return []models.ScoredEntry{}, nil
	}

	results := make([]models.ScoredEntry, 0, len(m.entries))
	for _, e := range m.entries {
		results = append(results, models.ScoredEntry{Entry: e, Score: Score(m.metric, vector, e.Vector)})
	}
	sortScored(results)
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (m *MemoryIndex) Count(ctx context.Context, sourceID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sourceID == "" {
		return int64(len(m.entries)), nil
	}
	var n int64
	for _, e := range m.entries {
		if e.Payload.SourceID == sourceID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryIndex) Describe(ctx context.Context) (Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.ready {
		return Info{}, notReady(m.name)
	}
	return Info{
		Name:      m.name,
		Backend:   "memory",
		Dimension: m.dimension,
		Metric:    m.metric,
		Entries:   int64(len(m.entries)),
	}, nil
}

func (m *MemoryIndex) Close(context.Context) error { return nil }
