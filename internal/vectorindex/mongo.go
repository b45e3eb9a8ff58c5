package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"policy-adjudicator/internal/config"
	"policy-adjudicator/internal/logger"
	"policy-adjudicator/models"
)

const maxNumCandidates = 10000

type MongoOptions struct {
	ReadyTimeout time.Duration
	PollInterval time.Duration
	BatchSize    int
}

// MongoIndex stores entries in a collection backed by an Atlas Vector Search index.
type MongoIndex struct {
	coll *mongo.Collection
	name string
	opts MongoOptions

	dimension int
	metric    string
}

func NewMongoIndex(db *mongo.Database, name string, opts MongoOptions) *MongoIndex {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 2 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &MongoIndex{coll: db.Collection(config.ChunksCollection), name: name, opts: opts}
}

// atlasSimilarity maps a metric to the Atlas similarity function name.
func atlasSimilarity(metric string) string {
	switch metric {
	case MetricCosine:
		return "cosine"
	case MetricEuclidean:
		return "euclidean"
	default:
		return "dotProduct"
	}
}

func metricFromAtlas(similarity string) string {
	switch similarity {
	case "cosine":
		return MetricCosine
	case "euclidean":
		return MetricEuclidean
	case "dotProduct":
		return MetricDotProduct
	default:
		return similarity
	}
}

func vectorSearchDefinition(dimension int, metric string) bson.D {
	return bson.D{{Key: "fields", Value: bson.A{
		bson.D{
			{Key: "type", Value: "vector"},
			{Key: "path", Value: "vector"},
			{Key: "numDimensions", Value: dimension},
			{Key: "similarity", Value: atlasSimilarity(metric)},
		},
		bson.D{
			{Key: "type", Value: "filter"},
			{Key: "path", Value: "payload.source_id"},
		},
	}}}
}

// searchIndexStatus is the subset of a $listSearchIndexes result we read.
type searchIndexStatus struct {
	Name      string `bson:"name"`
	Status    string `bson:"status"`
	Queryable bool   `bson:"queryable"`
	Latest    struct {
		Fields []struct {
			Type          string `bson:"type"`
			Path          string `bson:"path"`
			NumDimensions int    `bson:"numDimensions"`
			Similarity    string `bson:"similarity"`
		} `bson:"fields"`
	} `bson:"latestDefinition"`
}

func (s searchIndexStatus) vectorField() (int, string, bool) {
	for _, f := range s.Latest.Fields {
		if f.Type == "vector" && f.Path == "vector" {
			return f.NumDimensions, metricFromAtlas(f.Similarity), true
		}
	}
	return 0, "", false
}

// conflict reports an existing index whose vector field is missing or
// declared with a different dimension or metric.
func (s searchIndexStatus) conflict(dimension int, metric string) error {
	dim, met, ok := s.vectorField()
	if ok && dim == dimension && met == metric {
		return nil
	}
	return &models.IndexConfigConflictError{
		Index:           s.Name,
		WantDimension:   dimension,
		WantMetric:      metric,
		ActualDimension: dim,
		ActualMetric:    met,
	}
}

func (m *MongoIndex) lookup(ctx context.Context) (*searchIndexStatus, error) {
	cursor, err := m.coll.SearchIndexes().List(ctx, options.SearchIndexes().SetName(m.name))
	if err != nil {
		return nil, fmt.Errorf("failed to list search indexes: %w", err)
	}
	defer cursor.Close(ctx)

	var found []searchIndexStatus
	if err := cursor.All(ctx, &found); err != nil {
		return nil, fmt.Errorf("failed to decode search indexes: %w", err)
	}
	for i := range found {
		if found[i].Name == m.name {
			return &found[i], nil
		}
	}
	return nil, nil
}

func (m *MongoIndex) EnsureReady(ctx context.Context, dimension int, metric string) error {
	status, err := m.lookup(ctx)
	if err != nil {
		return err
	}

	if status == nil {
		logger.Info("Creating vector search index", "index", m.name, "dimension", dimension, "metric", metric)
		_, err := m.coll.SearchIndexes().CreateOne(ctx, mongo.SearchIndexModel{
			Definition: vectorSearchDefinition(dimension, metric),
			Options:    options.SearchIndexes().SetName(m.name).SetType("vectorSearch"),
		})
		if err != nil {
			return fmt.Errorf("failed to create search index %q: %w", m.name, err)
		}
	} else if err := status.conflict(dimension, metric); err != nil {
		return err
	}

	if err := m.waitQueryable(ctx); err != nil {
		return err
	}
	m.dimension = dimension
	m.metric = metric
	return nil
}

func (m *MongoIndex) waitQueryable(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		status, err := m.lookup(ctx)
		if err != nil {
			return err
		}
		if status != nil && status.Queryable {
			return nil
		}
		if status != nil && status.Status == "FAILED" {
			return fmt.Errorf("search index %q failed to build", m.name)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("search index %q not queryable after %s: %w", m.name, m.opts.ReadyTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (m *MongoIndex) Upsert(ctx context.Context, entries []models.IndexedEntry) error {
	if m.dimension == 0 {
		return notReady(m.name)
	}
	if err := CheckDimensions(entries, m.dimension); err != nil {
		return err
	}

	for start := 0; start < len(entries); start += m.opts.BatchSize {
		end := start + m.opts.BatchSize
		if end > len(entries) {
			end = len(entries)
		}
		batch := entries[start:end]

		writes := make([]mongo.WriteModel, len(batch))
		for i, e := range batch {
			writes[i] = mongo.NewReplaceOneModel().
				SetFilter(bson.M{"chunk_id": e.ChunkID}).
				SetReplacement(e).
				SetUpsert(true)
		}

		_, err := m.coll.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
		if err == nil {
			continue
		}

		failed := failedChunkIDs(err, batch)
		for _, e := range entries[end:] {
			failed = append(failed, e.ChunkID)
		}
		return &models.UpsertError{Failed: failed, Err: err}
	}
	return nil
}

// failedChunkIDs maps bulk write errors back to chunk IDs. Anything other than
// a per-document write error fails the whole batch.
func failedChunkIDs(err error, batch []models.IndexedEntry) []string {
	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) && len(bwe.WriteErrors) > 0 && bwe.WriteConcernError == nil {
		ids := make([]string, 0, len(bwe.WriteErrors))
		for _, we := range bwe.WriteErrors {
			if we.Index >= 0 && we.Index < len(batch) {
				ids = append(ids, batch[we.Index].ChunkID)
			}
		}
		return ids
	}
	ids := make([]string, len(batch))
	for i, e := range batch {
		ids[i] = e.ChunkID
	}
	return ids
}

func (m *MongoIndex) Query(ctx context.Context, vector []float32, topK int) ([]models.ScoredEntry, error) {
	if m.dimension == 0 {
		return nil, notReady(m.name)
	}
	if len(vector) != m.dimension {
		return nil, &models.DimensionMismatchError{Expected: m.dimension, Actual: len(vector)}
	}
	if topK <= 0 {
		return []models.ScoredEntry{}, nil
	}

	cursor, err := m.coll.Aggregate(ctx, vectorSearchPipeline(m.name, vector, topK))
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer cursor.Close(ctx)

	var hits []struct {
		ChunkID string              `bson:"chunk_id"`
		Payload models.EntryPayload `bson:"payload"`
		Score   float64             `bson:"score"`
	}
	if err := cursor.All(ctx, &hits); err != nil {
		return nil, fmt.Errorf("failed to decode vector search results: %w", err)
	}

	results := make([]models.ScoredEntry, len(hits))
	for i, h := range hits {
		results[i] = models.ScoredEntry{
			Entry: models.IndexedEntry{ChunkID: h.ChunkID, Payload: h.Payload},
			Score: h.Score,
		}
	}
	sortScored(results)
	return results, nil
}

func vectorSearchPipeline(index string, vector []float32, topK int) mongo.Pipeline {
	candidates := topK * 10
	if candidates > maxNumCandidates {
		candidates = maxNumCandidates
	}
	return mongo.Pipeline{
		{{Key: "$vectorSearch", Value: bson.D{
			{Key: "index", Value: index},
			{Key: "path", Value: "vector"},
			{Key: "queryVector", Value: vector},
			{Key: "numCandidates", Value: candidates},
			{Key: "limit", Value: topK},
		}}},
		{{Key: "$project", Value: bson.D{
			{Key: "_id", Value: 0},
			{Key: "chunk_id", Value: 1},
			{Key: "payload", Value: 1},
			{Key: "score", Value: bson.D{{Key: "$meta", Value: "vectorSearchScore"}}},
		}}},
	}
}

func (m *MongoIndex) Count(ctx context.Context, sourceID string) (int64, error) {
	filter := bson.M{}
	if sourceID != "" {
		filter["payload.source_id"] = sourceID
	}
	return m.coll.CountDocuments(ctx, filter)
}

func (m *MongoIndex) Describe(ctx context.Context) (Info, error) {
	if m.dimension == 0 {
		return Info{}, notReady(m.name)
	}
	n, err := m.coll.EstimatedDocumentCount(ctx)
	if err != nil {
		return Info{}, err
	}
	return Info{Name: m.name, Backend: "mongo", Dimension: m.dimension, Metric: m.metric, Entries: n}, nil
}

func (m *MongoIndex) Close(ctx context.Context) error {
	return m.coll.Database().Client().Disconnect(ctx)
}
