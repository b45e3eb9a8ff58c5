package services

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"policy-adjudicator/internal/ai"
	"policy-adjudicator/internal/vectorindex"
	"policy-adjudicator/models"
)

// DefaultTopK is the number of passages retrieved when the caller does not ask for more.
const DefaultTopK = 3

// Retriever finds the passages most relevant to a question, best first.
type Retriever interface {
	Retrieve(ctx context.Context, question string, topK int) ([]models.RetrievedPassage, error)
}

// IndexRetriever embeds the question and queries the vector index.
type IndexRetriever struct {
	embedder ai.Embedder
	index    vectorindex.Index
}

func NewIndexRetriever(embedder ai.Embedder, index vectorindex.Index) *IndexRetriever {
	return &IndexRetriever{embedder: embedder, index: index}
}

func (r *IndexRetriever) Retrieve(ctx context.Context, question string, topK int) ([]models.RetrievedPassage, error) {
	ctx, span := otel.Tracer("retriever").Start(ctx, "retriever.retrieve")
	defer span.End()

	if topK <= 0 {
		topK = DefaultTopK
	}
	span.SetAttributes(attribute.Int("retriever.top_k", topK))

	vec, err := r.embedder.EmbedOne(ctx, question)
	if err != nil {
		return nil, err
	}

	hits, err := r.index.Query(ctx, vec, topK)
	if err != nil {
		return nil, err
	}

	passages := make([]models.RetrievedPassage, 0, len(hits))
	for _, h := range hits {
		passages = append(passages, toPassage(h))
	}
	span.SetAttributes(attribute.Int("retriever.hits", len(passages)))
	return passages, nil
}

func toPassage(h models.ScoredEntry) models.RetrievedPassage {
	return models.RetrievedPassage{
		Text: h.Entry.Payload.Text,
		Metadata: models.PassageMetadata{
			ChunkID:    h.Entry.ChunkID,
			Source:     h.Entry.Payload.Source,
			SourceID:   h.Entry.Payload.SourceID,
			PageNumber: h.Entry.Payload.PageNumber,
			Score:      h.Score,
		},
	}
}

// StaticRetriever serves a fixed, already ranked passage list. It is used
// for offline evaluation and tests.
type StaticRetriever []models.RetrievedPassage

func (s StaticRetriever) Retrieve(ctx context.Context, _ string, topK int) ([]models.RetrievedPassage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	n := len(s)
	if n > topK {
		n = topK
	}
	out := make([]models.RetrievedPassage, n)
	copy(out, s[:n])
	return out, nil
}
