package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all application metrics
type Metrics struct {
	RequestCounter      metric.Int64Counter
	RequestDuration     metric.Float64Histogram
	IngestionDuration   metric.Float64Histogram
	ChunksWritten       metric.Int64Counter
	EmbeddingCalls      metric.Int64Counter
	TokensUsed          metric.Int64Counter
	Decisions           metric.Int64Counter
	SchemaFailures      metric.Int64Counter
	CircuitBreakerState metric.Int64Counter
	IndexEntries        metric.Int64Gauge
}

var (
	defaultMetrics *Metrics
	initOnce       sync.Once
)

// Default returns the process-wide metrics, creating them against the global
// meter provider on first use. With no provider installed the instruments are no-ops.
func Default() *Metrics {
	initOnce.Do(func() {
		m, err := InitMetrics()
		if err != nil {
			panic(err)
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// InitMetrics initializes all application metrics
func InitMetrics() (*Metrics, error) {
	meter := otel.Meter(ServiceName)
	m := &Metrics{}
	var err error

	if m.RequestCounter, err = meter.Int64Counter(
		"http.requests.total",
		metric.WithDescription("Total HTTP requests"),
	); err != nil {
		return nil, err
	}

	if m.RequestDuration, err = meter.Float64Histogram(
		"http.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.IngestionDuration, err = meter.Float64Histogram(
		"ingestion.duration",
		metric.WithDescription("Per-document ingestion duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.ChunksWritten, err = meter.Int64Counter(
		"ingestion.chunks.written",
		metric.WithDescription("Chunks upserted into the vector index"),
	); err != nil {
		return nil, err
	}

	if m.EmbeddingCalls, err = meter.Int64Counter(
		"embedding.calls",
		metric.WithDescription("Embedding backend calls"),
	); err != nil {
		return nil, err
	}

	if m.TokensUsed, err = meter.Int64Counter(
		"gemini.tokens.used",
		metric.WithDescription("Total Gemini tokens used"),
	); err != nil {
		return nil, err
	}

	if m.Decisions, err = meter.Int64Counter(
		"decisions.total",
		metric.WithDescription("Decisions produced, by outcome"),
	); err != nil {
		return nil, err
	}

	if m.SchemaFailures, err = meter.Int64Counter(
		"decisions.schema_failures",
		metric.WithDescription("Generative responses rejected by the decision schema"),
	); err != nil {
		return nil, err
	}

	if m.CircuitBreakerState, err = meter.Int64Counter(
		"circuit_breaker.state_changes",
		metric.WithDescription("Circuit breaker state changes"),
	); err != nil {
		return nil, err
	}

	if m.IndexEntries, err = meter.Int64Gauge(
		"vector_index.entries",
		metric.WithDescription("Entries stored in the vector index"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordRequest records HTTP request metrics
func (m *Metrics) RecordRequest(ctx context.Context, method, path, status string, duration float64) {
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.path", path),
		attribute.String("http.status", status),
	)
	m.RequestCounter.Add(ctx, 1, attrs)
	m.RequestDuration.Record(ctx, duration, attrs)
}

// RecordIngestion records one document's ingestion outcome.
func (m *Metrics) RecordIngestion(ctx context.Context, chunks int, duration float64, status string) {
	attrs := metric.WithAttributes(
		attribute.String("ingestion.status", status),
	)
	m.IngestionDuration.Record(ctx, duration, attrs)
	if chunks > 0 {
		m.ChunksWritten.Add(ctx, int64(chunks), attrs)
	}
}

// RecordEmbeddingCall records an embedding request and how many texts it carried.
func (m *Metrics) RecordEmbeddingCall(ctx context.Context, model string, texts int, success bool) {
	m.EmbeddingCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("embedding.model", model),
		attribute.Int("embedding.texts", texts),
		attribute.Bool("embedding.success", success),
	))
}

// RecordTokensUsed records Gemini token usage
func (m *Metrics) RecordTokensUsed(ctx context.Context, tokens int64, model string) {
	m.TokensUsed.Add(ctx, tokens, metric.WithAttributes(
		attribute.String("gemini.model", model),
	))
}

// RecordDecision records a synthesized decision outcome.
func (m *Metrics) RecordDecision(ctx context.Context, outcome string, attempts int) {
	m.Decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("decision.outcome", outcome),
		attribute.Int("decision.attempts", attempts),
	))
}

// RecordSchemaFailure records a rejected generative response.
func (m *Metrics) RecordSchemaFailure(ctx context.Context, field string) {
	m.SchemaFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("schema.field", field)))
}

// RecordCircuitBreakerState records circuit breaker state changes
func (m *Metrics) RecordCircuitBreakerState(service, state string) {
	m.CircuitBreakerState.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("state", state),
	))
}

// RecordIndexEntries records the current entry count of an index.
func (m *Metrics) RecordIndexEntries(ctx context.Context, index string, count int64) {
	m.IndexEntries.Record(ctx, count, metric.WithAttributes(attribute.String("index", index)))
}
