package routes

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"

	"policy-adjudicator/internal/config"
	"policy-adjudicator/internal/queue"
	"policy-adjudicator/internal/vectorindex"
	"policy-adjudicator/models"
	"policy-adjudicator/services"
)

// Ingestor validates and ingests upload batches.
type Ingestor interface {
	ValidateUploads(uploads []models.Upload) error
	Ingest(ctx context.Context, uploads []models.Upload, chunkSize, overlap int) (*models.IngestionReport, error)
}

// Decider turns retrieved passages into a decision.
type Decider interface {
	Synthesize(ctx context.Context, question string, passages []models.RetrievedPassage) (*models.Decision, error)
}

// TaskQueue is satisfied by *asynq.Client.
type TaskQueue interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Deps carries everything the HTTP handlers use. Queue and Inspector may be
// nil, in which case the async ingestion endpoints answer 503.
type Deps struct {
	Config    *config.Config
	Ingestion Ingestor
	Retriever services.Retriever
	Decisions Decider
	Index     vectorindex.Index
	Queue     TaskQueue
	Inspector queue.TaskInspector
}

// Setup registers every route on router.
func Setup(router *gin.Engine, deps Deps) {
	SetupHealthRoutes(router, deps.Index)
	SetupIngestRoutes(router, deps)
	SetupQueryRoutes(router, deps)
}
