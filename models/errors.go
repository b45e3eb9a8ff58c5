package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// InvalidDocumentError reports bad or empty input. Not retryable.
type InvalidDocumentError struct {
	Filename string
	Reason   string
}

func (e *InvalidDocumentError) Error() string {
	if e.Filename == "" {
		return "invalid document: " + e.Reason
	}
	return fmt.Sprintf("invalid document %q: %s", e.Filename, e.Reason)
}

func (e *InvalidDocumentError) Retryable() bool { return false }

// DimensionMismatchError reports config drift between embedder and index.
type DimensionMismatchError struct {
	Expected int
	Actual   int
	ChunkID  string
}

func (e *DimensionMismatchError) Error() string {
	if e.ChunkID != "" {
		return fmt.Sprintf("dimension mismatch for %s: index expects %d, got %d", e.ChunkID, e.Expected, e.Actual)
	}
	return fmt.Sprintf("dimension mismatch: index expects %d, got %d", e.Expected, e.Actual)
}

func (e *DimensionMismatchError) Retryable() bool { return false }

// EmbeddingServiceError wraps an upstream embedding failure.
type EmbeddingServiceError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *EmbeddingServiceError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("embedding service %s timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("embedding service %s failed: %v", e.Op, e.Err)
}

func (e *EmbeddingServiceError) Unwrap() error   { return e.Err }
func (e *EmbeddingServiceError) Retryable() bool { return true }

// GenerativeServiceError wraps an upstream generation failure.
type GenerativeServiceError struct {
	Model   string
	Timeout bool
	Err     error
}

func (e *GenerativeServiceError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("generative model %s timed out: %v", e.Model, e.Err)
	}
	return fmt.Sprintf("generative model %s failed: %v", e.Model, e.Err)
}

func (e *GenerativeServiceError) Unwrap() error   { return e.Err }
func (e *GenerativeServiceError) Retryable() bool { return true }

// IndexConfigConflictError is returned when an existing index was created with
// a different dimension or metric.
type IndexConfigConflictError struct {
	Index           string
	WantDimension   int
	WantMetric      string
	ActualDimension int
	ActualMetric    string
}

func (e *IndexConfigConflictError) Error() string {
	return fmt.Sprintf("index %q exists with dimension=%d metric=%s, want dimension=%d metric=%s",
		e.Index, e.ActualDimension, e.ActualMetric, e.WantDimension, e.WantMetric)
}

func (e *IndexConfigConflictError) Retryable() bool { return false }

// SchemaValidationError is returned when the generative backend produced
// output that does not satisfy the decision schema.
type SchemaValidationError struct {
	Field    string
	Reasons  []string
	Attempts int
}

func (e *SchemaValidationError) Error() string {
	msg := "decision failed schema validation"
	if e.Field != "" {
		msg += " at " + e.Field
	}
	if len(e.Reasons) > 0 {
		msg += ": " + strings.Join(e.Reasons, "; ")
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" (after %d attempts)", e.Attempts)
	}
	return msg
}

func (e *SchemaValidationError) Retryable() bool { return false }

// UpsertError identifies the entries a write did not store.
type UpsertError struct {
	Failed []string
	Err    error
}

func (e *UpsertError) Error() string {
	return fmt.Sprintf("upsert failed for %d entries (%s): %v", len(e.Failed), abbreviate(e.Failed, 5), e.Err)
}

func (e *UpsertError) Unwrap() error   { return e.Err }
func (e *UpsertError) Retryable() bool { return IsRetryable(e.Err) }

// IngestionError records which source and stage aborted an ingestion batch.
type IngestionError struct {
	Source string
	Stage  string
	Err    error
}

func (e *IngestionError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("ingestion failed during %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("ingestion of %s failed during %s: %v", e.Source, e.Stage, e.Err)
}

func (e *IngestionError) Unwrap() error   { return e.Err }
func (e *IngestionError) Retryable() bool { return IsRetryable(e.Err) }

// IsRetryable reports whether err (or anything it wraps) is a transient failure.
// Errors outside the taxonomy are treated as transient, except cancellation.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

func abbreviate(ids []string, n int) string {
	if len(ids) <= n {
		return strings.Join(ids, ", ")
	}
	return strings.Join(ids[:n], ", ") + fmt.Sprintf(", ... +%d", len(ids)-n)
}
