package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"policy-adjudicator/internal/ai"
	"policy-adjudicator/internal/config"
	"policy-adjudicator/internal/logger"
	"policy-adjudicator/internal/telemetry"
	"policy-adjudicator/internal/vectorindex"
	"policy-adjudicator/models"
)

// Ingestion stages reported in IngestionError.
const (
	StageValidate = "validate"
	StageStage    = "stage"
	StageExtract  = "extract"
	StageChunk    = "chunk"
	StageEmbed    = "embed"
	StageUpsert   = "upsert"
)

var pdfMagic = []byte("%PDF-")

// DocumentExtractor turns an uploaded file into document text.
type DocumentExtractor interface {
	ExtractDocument(ctx context.Context, sourceID string, upload models.Upload) (models.Document, error)
}

// IngestionService runs chunk, embed and upsert for a batch of uploads.
type IngestionService struct {
	extractor   DocumentExtractor
	embedder    ai.Embedder
	index       vectorindex.Index
	stagingRoot string
	maxFileSize int64
	maxFiles    int
	maxTries    uint
	batchSize   int
	newBackOff  func() backoff.BackOff
}

func NewIngestionService(cfg *config.Config, extractor DocumentExtractor, embedder ai.Embedder, index vectorindex.Index) *IngestionService {
	tries := cfg.UpsertMaxRetries
	if tries < 1 {
		tries = 1
	}
	batch := cfg.UpsertBatchSize
	if batch <= 0 {
		batch = 100
	}
	return &IngestionService{
		extractor:   extractor,
		embedder:    embedder,
		index:       index,
		stagingRoot: cfg.FileStorageDir,
		maxFileSize: cfg.MaxFileSize,
		maxFiles:    cfg.MaxFiles,
		maxTries:    uint(tries),
		batchSize:   batch,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

// SourceIDFor derives the stable source identifier from a filename.
func SourceIDFor(filename string) string {
	base := filepath.Base(filename)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ValidateUploads rejects the whole batch if any upload is unusable. It runs
// before any staging, extraction or network call.
func (s *IngestionService) ValidateUploads(uploads []models.Upload) error {
	if len(uploads) == 0 {
		return &models.InvalidDocumentError{Reason: "no files provided"}
	}
	if s.maxFiles > 0 && len(uploads) > s.maxFiles {
		return &models.InvalidDocumentError{Reason: fmt.Sprintf("too many files: %d exceeds limit of %d", len(uploads), s.maxFiles)}
	}

	seen := make(map[string]string, len(uploads))
	for _, u := range uploads {
		name := u.Filename
		switch {
		case strings.TrimSpace(name) == "":
			return &models.InvalidDocumentError{Reason: "file has no name"}
		case strings.ContainsAny(name, `/\`) || name != filepath.Base(name) || strings.HasPrefix(name, "."):
			return &models.InvalidDocumentError{Filename: name, Reason: "filename must not contain path components"}
		case !strings.EqualFold(filepath.Ext(name), ".pdf"):
			return &models.InvalidDocumentError{Filename: name, Reason: "only PDF files are accepted"}
		case len(u.Content) == 0:
			return &models.InvalidDocumentError{Filename: name, Reason: "file is empty"}
		case s.maxFileSize > 0 && int64(len(u.Content)) > s.maxFileSize:
			return &models.InvalidDocumentError{Filename: name, Reason: fmt.Sprintf("file exceeds %d bytes", s.maxFileSize)}
		case !bytes.HasPrefix(u.Content, pdfMagic):
			return &models.InvalidDocumentError{Filename: name, Reason: "file is not a PDF"}
		}

		id := SourceIDFor(name)
		if prev, ok := seen[id]; ok {
			return &models.InvalidDocumentError{Filename: name, Reason: fmt.Sprintf("duplicate source %q (also %s)", id, prev)}
		}
		seen[id] = name
	}
	return nil
}

// Ingest processes uploads in order. On the first failure it stops, returns
// the sources completed so far and wraps the cause in IngestionError.
// Entries already written are left in place; re-ingesting overwrites them.
func (s *IngestionService) Ingest(ctx context.Context, uploads []models.Upload, chunkSize, overlap int) (*models.IngestionReport, error) {
	ctx, span := otel.Tracer("ingestion").Start(ctx, "ingestion.ingest")
	defer span.End()
	span.SetAttributes(attribute.Int("ingestion.files", len(uploads)))

	start := time.Now()
	report := &models.IngestionReport{SourcesProcessed: []string{}}

	err := s.ingest(ctx, uploads, chunkSize, overlap, report)

	status := "success"
	if err != nil {
		status = "failed"
		span.RecordError(err)
		logger.Error("Ingestion failed", "error", err, "sources_processed", report.SourcesProcessed, "chunks_written", report.ChunksWritten)
	} else {
		logger.Info("Ingestion complete", "sources", report.SourcesProcessed, "chunks_written", report.ChunksWritten, "duration", time.Since(start).String())
	}
	telemetry.Default().RecordIngestion(ctx, report.ChunksWritten, time.Since(start).Seconds(), status)
	span.SetAttributes(attribute.Int("ingestion.chunks_written", report.ChunksWritten))

	return report, err
}

func (s *IngestionService) ingest(ctx context.Context, uploads []models.Upload, chunkSize, overlap int, report *models.IngestionReport) error {
	if err := ValidateChunking(chunkSize, overlap); err != nil {
		return s.fail(report, "", StageValidate, err)
	}
	if err := s.ValidateUploads(uploads); err != nil {
		return s.fail(report, sourceOf(err), StageValidate, err)
	}
	if err := s.checkDimension(ctx); err != nil {
		return s.fail(report, "", StageValidate, err)
	}

	area, err := Stage(s.stagingRoot, uploads)
	if err != nil {
		return s.fail(report, "", StageStage, err)
	}
	defer area.Cleanup()

	for _, file := range area.Files {
		if err := ctx.Err(); err != nil {
			return s.fail(report, file.Filename, StageExtract, err)
		}
		written, stage, err := s.ingestFile(ctx, file, chunkSize, overlap)
		report.ChunksWritten += written
		if err != nil {
			return s.fail(report, file.Filename, stage, err)
		}
		report.SourcesProcessed = append(report.SourcesProcessed, file.Filename)
	}
	return nil
}

func (s *IngestionService) fail(report *models.IngestionReport, source, stage string, err error) error {
	report.FailedSource = source
	return &models.IngestionError{Source: source, Stage: stage, Err: err}
}

func sourceOf(err error) string {
	var ide *models.InvalidDocumentError
	if errors.As(err, &ide) {
		return ide.Filename
	}
	return ""
}

func (s *IngestionService) checkDimension(ctx context.Context) error {
	info, err := s.index.Describe(ctx)
	if err != nil {
		return err
	}
	if info.Dimension != s.embedder.Dimension() {
		return &models.DimensionMismatchError{Expected: info.Dimension, Actual: s.embedder.Dimension()}
	}
	return nil
}

// ingestFile returns the number of entries written, and on failure the stage that failed.
func (s *IngestionService) ingestFile(ctx context.Context, file StagedFile, chunkSize, overlap int) (int, string, error) {
	upload, err := file.Read()
	if err != nil {
		return 0, StageExtract, err
	}

	doc, err := s.extractor.ExtractDocument(ctx, file.SourceID, upload)
	if err != nil {
		return 0, StageExtract, &models.InvalidDocumentError{Filename: file.Filename, Reason: err.Error()}
	}

	chunks, err := ChunkDocument(doc, chunkSize, overlap)
	if err != nil {
		return 0, StageChunk, err
	}

	entries, err := s.embedChunks(ctx, chunks)
	if err != nil {
		return 0, StageEmbed, err
	}

	written := 0
	for start := 0; start < len(entries); start += s.batchSize {
		end := start + s.batchSize
		if end > len(entries) {
			end = len(entries)
		}
		if err := s.upsertWithRetry(ctx, entries[start:end]); err != nil {
			return written, StageUpsert, err
		}
		written += end - start
	}

	logger.Info("Ingested document", "source", file.Filename, "pages", doc.PageCount, "chunks", written)
	return written, "", nil
}

// embedChunks embeds all chunk texts in one batched call and pairs each
// vector with its chunk by ID.
func (s *IngestionService) embedChunks(ctx context.Context, chunks []models.Chunk) ([]models.IndexedEntry, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	vecs, err := s.embedWithRetry(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(chunks) {
		return nil, &models.EmbeddingServiceError{
			Op:  "embed_batch",
			Err: fmt.Errorf("got %d vectors for %d chunks", len(vecs), len(chunks)),
		}
	}

	byID := make(map[string][]float32, len(chunks))
	for i, c := range chunks {
		byID[c.ChunkID] = vecs[i]
	}

	dim := s.embedder.Dimension()
	entries := make([]models.IndexedEntry, len(chunks))
	for i, c := range chunks {
		vec := byID[c.ChunkID]
		if len(vec) != dim {
			return nil, &models.DimensionMismatchError{Expected: dim, Actual: len(vec), ChunkID: c.ChunkID}
		}
		entries[i] = models.IndexedEntry{
			ChunkID: c.ChunkID,
			Vector:  vec,
			Payload: models.EntryPayload{
				Text:       c.Text,
				Source:     c.Source,
				SourceID:   c.SourceID,
				PageNumber: c.PageNumber,
			},
		}
	}
	return entries, nil
}

// embedWithRetry retries transient embedding failures with exponential backoff.
func (s *IngestionService) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	op := func() ([][]float32, error) {
		vecs, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil && !models.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return vecs, err
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxTries(s.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("Embedding failed, retrying", "error", err, "texts", len(texts), "retry_in", next.String())
		}),
	)
}

// upsertWithRetry retries transient index failures with exponential backoff.
func (s *IngestionService) upsertWithRetry(ctx context.Context, entries []models.IndexedEntry) error {
	op := func() (struct{}, error) {
		err := s.index.Upsert(ctx, entries)
		if err != nil && !models.IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxTries(s.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("Upsert failed, retrying", "error", err, "entries", len(entries), "retry_in", next.String())
		}),
	)
	return err
}
