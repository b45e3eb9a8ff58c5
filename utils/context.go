package utils

import (
	"context"
	"time"
)

const (
	// DefaultTimeout bounds health and readiness checks
	DefaultTimeout = 10 * time.Second

	// QueryTimeout bounds a full retrieve-and-decide request
	QueryTimeout = 90 * time.Second

	// IngestTimeout bounds a synchronous ingestion batch
	IngestTimeout = 10 * time.Minute
)

// WithTimeout creates a context with default timeout
func WithTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultTimeout)
}

// WithQueryTimeout creates a context for answering a question
func WithQueryTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, QueryTimeout)
}

// WithIngestTimeout creates a context for ingesting an upload batch
func WithIngestTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, IngestTimeout)
}
