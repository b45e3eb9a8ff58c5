package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"policy-adjudicator/internal/logger"
	"policy-adjudicator/models"
	"policy-adjudicator/utils"
)

const (
	TaskIngestPolicies = "policy:ingest"

	// IngestQueue receives ingestion tasks.
	IngestQueue = "critical"
)

// EncodedFile is one upload carried inside a task payload.
type EncodedFile struct {
	Filename    string                     `json:"filename"`
	Compression utils.CompressionAlgorithm `json:"compression"`
	Data        []byte                     `json:"data"`
}

type IngestPayload struct {
	Files        []EncodedFile `json:"files"`
	ChunkSize    int           `json:"chunk_size"`
	ChunkOverlap int           `json:"chunk_overlap"`
}

// Ingester is the part of the ingestion service the worker needs.
type Ingester interface {
	Ingest(ctx context.Context, uploads []models.Upload, chunkSize, overlap int) (*models.IngestionReport, error)
}

// NewIngestTask packs uploads into a task. Large files are compressed so the
// payload stays small in Redis.
func NewIngestTask(uploads []models.Upload, chunkSize, overlap int) (*asynq.Task, error) {
	payload := IngestPayload{
		Files:        make([]EncodedFile, 0, len(uploads)),
		ChunkSize:    chunkSize,
		ChunkOverlap: overlap,
	}
	for _, u := range uploads {
		data, alg, err := utils.Compress(u.Content)
		if err != nil {
			return nil, fmt.Errorf("failed to compress %s: %w", u.Filename, err)
		}
		payload.Files = append(payload.Files, EncodedFile{Filename: u.Filename, Compression: alg, Data: data})
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(
		TaskIngestPolicies,
		raw,
		asynq.MaxRetry(3),
		asynq.Timeout(10*time.Minute),
		asynq.Queue(IngestQueue),
		asynq.Retention(24*time.Hour),
	), nil
}

// DecodeIngestPayload restores the uploads carried by an ingestion task.
func DecodeIngestPayload(raw []byte) ([]models.Upload, IngestPayload, error) {
	var payload IngestPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, payload, err
	}
	uploads := make([]models.Upload, 0, len(payload.Files))
	for _, f := range payload.Files {
		content, err := utils.DecompressData(f.Data, f.Compression)
		if err != nil {
			return nil, payload, fmt.Errorf("failed to decompress %s: %w", f.Filename, err)
		}
		uploads = append(uploads, models.Upload{Filename: f.Filename, Content: content})
	}
	return uploads, payload, nil
}

// Task handlers
type TaskProcessor struct {
	ingester Ingester
}

func NewTaskProcessor(ingester Ingester) *TaskProcessor {
	return &TaskProcessor{ingester: ingester}
}

// ProcessIngest runs an ingestion batch. Only retryable failures are handed
// back to asynq for another attempt; the report is stored as the task result.
func (p *TaskProcessor) ProcessIngest(ctx context.Context, t *asynq.Task) error {
	uploads, payload, err := DecodeIngestPayload(t.Payload())
	if err != nil {
		return fmt.Errorf("decode payload failed: %v: %w", err, asynq.SkipRetry)
	}

	taskID, _ := asynq.GetTaskID(ctx)
	logger.Info("Processing ingestion task", "task_id", taskID, "files", len(uploads))

	report, err := p.ingester.Ingest(ctx, uploads, payload.ChunkSize, payload.ChunkOverlap)
	if report != nil && t.ResultWriter() != nil {
		if raw, mErr := json.Marshal(report); mErr == nil {
			if _, wErr := t.ResultWriter().Write(raw); wErr != nil {
				logger.Warn("Failed to store task result", "task_id", taskID, "error", wErr)
			}
		}
	}
	if err != nil {
		logger.Error("Ingestion task failed", "task_id", taskID, "error", err, "retryable", models.IsRetryable(err))
		if !models.IsRetryable(err) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}

	logger.Info("Ingestion task completed", "task_id", taskID, "chunks", report.ChunksWritten)
	return nil
}

// TaskStatus is the public view of a queued ingestion task.
type TaskStatus struct {
	ID        string                  `json:"task_id"`
	State     string                  `json:"state"`
	Retried   int                     `json:"retried"`
	MaxRetry  int                     `json:"max_retry"`
	LastError string                  `json:"last_error,omitempty"`
	Report    *models.IngestionReport `json:"report,omitempty"`
}

// TaskInspector is satisfied by *asynq.Inspector.
type TaskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
}

// ErrTaskNotFound is returned for unknown or expired task IDs.
var ErrTaskNotFound = errors.New("task not found")

// LookupTask reports the state of an ingestion task.
func LookupTask(inspector TaskInspector, id string) (*TaskStatus, error) {
	info, err := inspector.GetTaskInfo(IngestQueue, id)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}

	status := &TaskStatus{
		ID:        info.ID,
		State:     info.State.String(),
		Retried:   info.Retried,
		MaxRetry:  info.MaxRetry,
		LastError: info.LastErr,
	}
	if len(info.Result) > 0 {
		var report models.IngestionReport
		if err := json.Unmarshal(info.Result, &report); err == nil {
			status.Report = &report
		}
	}
	return status, nil
}
