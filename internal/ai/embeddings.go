package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	"policy-adjudicator/internal/config"
	"policy-adjudicator/internal/telemetry"
	"policy-adjudicator/models"
)

// maxBatchSize is the BatchEmbedContents request cap.
const maxBatchSize = 100

// Embedder maps text to fixed-dimension vectors. Implementations are pure
// functions of their input at a fixed model version: output order and length
// always match the input.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	EmbedOne(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	Model() string
}

// NewEmbedder builds the embedder selected by EMBEDDINGS_PROVIDER.
func NewEmbedder(ctx context.Context, cfg *config.Config) (Embedder, error) {
	switch cfg.EmbeddingsProvider {
	case "google", "":
		return NewGeminiEmbedder(ctx, cfg)
	case "static":
		return NewStaticEmbedder(cfg.VectorDimensions), nil
	default:
		return nil, fmt.Errorf("unknown embeddings provider: %s", cfg.EmbeddingsProvider)
	}
}

// GeminiEmbedder calls the Google Generative AI embedding API.
type GeminiEmbedder struct {
	client      *genai.Client
	docModel    *genai.EmbeddingModel
	queryModel  *genai.EmbeddingModel
	model       string
	dimension   int
	timeout     time.Duration
	breaker     *gobreaker.CircuitBreaker
	rateLimiter *rate.Limiter
}

func NewGeminiEmbedder(ctx context.Context, cfg *config.Config) (*GeminiEmbedder, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("missing GEMINI_API_KEY for embeddings")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.GeminiAPIKey))
	if err != nil {
		return nil, err
	}

	docModel := client.EmbeddingModel(cfg.GoogleEmbeddingsModel)
	docModel.TaskType = genai.TaskTypeRetrievalDocument
	queryModel := client.EmbeddingModel(cfg.GoogleEmbeddingsModel)
	queryModel.TaskType = genai.TaskTypeRetrievalQuery

	e := &GeminiEmbedder{
		client:      client,
		docModel:    docModel,
		queryModel:  queryModel,
		model:       cfg.GoogleEmbeddingsModel,
		timeout:     cfg.EmbedTimeout,
		breaker:     newBreaker("GeminiEmbeddings"),
		rateLimiter: newLimiter(getRateLimits(cfg.GeminiTier)),
	}

	// The model, not VECTOR_DIM, decides the vector length.
	dim, err := measureDimension(ctx, func(ctx context.Context, texts []string) ([][]float32, error) {
		return e.embedSlice(ctx, e.docModel, texts)
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to read embedding dimension of %s: %w", cfg.GoogleEmbeddingsModel, err)
	}
	e.dimension = dim
	return e, nil
}

// measureDimension embeds one short text and returns the vector length.
func measureDimension(ctx context.Context, embed func(context.Context, []string) ([][]float32, error)) (int, error) {
	vecs, err := embed(ctx, []string{"policy"})
	if err != nil {
		return 0, err
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return 0, &models.EmbeddingServiceError{Op: "dimension", Err: errors.New("backend returned no embedding")}
	}
	return len(vecs[0]), nil
}

func (e *GeminiEmbedder) Dimension() int { return e.dimension }
func (e *GeminiEmbedder) Model() string  { return e.model }

// EmbedBatch embeds texts in request-sized slices and reassembles them in input order.
func (e *GeminiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := e.embedSlice(ctx, e.docModel, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (e *GeminiEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.embedSlice(ctx, e.queryModel, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *GeminiEmbedder) embedSlice(ctx context.Context, model *genai.EmbeddingModel, texts []string) ([][]float32, error) {
	ctx, span := otel.Tracer("gemini-embeddings").Start(ctx, "gemini.embed_batch")
	defer span.End()
	span.SetAttributes(
		attribute.String("gemini.model", e.model),
		attribute.Int("gemini.batch_size", len(texts)),
	)

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	if err := e.rateLimiter.Wait(ctx); err != nil {
		span.SetAttributes(attribute.Bool("gemini.rate_limited", true))
		return nil, &models.EmbeddingServiceError{Op: "rate_limit", Timeout: isTimeout(err), Err: err}
	}

	result, err := e.breaker.Execute(func() (interface{}, error) {
		batch := model.NewBatch()
		for _, t := range texts {
			batch.AddContent(genai.Text(t))
		}
		return model.BatchEmbedContents(ctx, batch)
	})
	telemetry.Default().RecordEmbeddingCall(ctx, e.model, len(texts), err == nil)
	if err != nil {
		span.SetAttributes(attribute.Bool("gemini.error", true))
		if isBreakerOpen(err) {
			span.SetAttributes(attribute.Bool("gemini.circuit_breaker_open", true))
		}
		return nil, &models.EmbeddingServiceError{Op: "batch_embed", Timeout: isTimeout(err), Err: err}
	}

	resp := result.(*genai.BatchEmbedContentsResponse)
	if len(resp.Embeddings) != len(texts) {
		return nil, &models.EmbeddingServiceError{
			Op:  "batch_embed",
			Err: fmt.Errorf("backend returned %d embeddings for %d texts", len(resp.Embeddings), len(texts)),
		}
	}

	vecs := make([][]float32, len(texts))
	for i, emb := range resp.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, &models.EmbeddingServiceError{Op: "batch_embed", Err: fmt.Errorf("no embedding returned for text %d", i)}
		}
		vecs[i] = emb.Values
	}
	return vecs, nil
}

// Close the client
func (e *GeminiEmbedder) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}
