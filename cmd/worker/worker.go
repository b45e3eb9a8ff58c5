package main

import (
	"context"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"policy-adjudicator/internal/app"
	"policy-adjudicator/internal/config"
	"policy-adjudicator/internal/logger"
	"policy-adjudicator/internal/queue"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	logger.InitLogger(cfg)

	startCtx, cancel := context.WithTimeout(context.Background(), cfg.IndexReadyTimeout+30*time.Second)
	container, err := app.New(startCtx, cfg, app.Options{SkipGenerator: true})
	cancel()
	if err != nil {
		log.Fatal("Failed to initialize pipeline:", err)
	}
	defer container.Close(context.Background())

	redisOpt, err := config.AsynqRedisOpt(cfg)
	if err != nil {
		log.Fatal("Invalid Redis configuration:", err)
	}

	// Ingestion batches are heavy, so keep concurrency low
	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 4,
			Queues: map[string]int{
				queue.IngestQueue: 6,
				"default":         3,
				"low":             1,
			},
			StrictPriority: true,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				id, _ := asynq.GetTaskID(ctx)
				logger.Error("Task failed", "type", task.Type(), "task_id", id, "error", err)
			}),
		},
	)

	processor := queue.NewTaskProcessor(container.Ingestion)

	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TaskIngestPolicies, processor.ProcessIngest)

	logger.Info("Starting Asynq worker", "concurrency", 4, "index", cfg.VectorIndexName, "backend", cfg.VectorBackend)

	if err := server.Run(mux); err != nil {
		log.Fatal("Failed to start worker:", err)
	}
}
