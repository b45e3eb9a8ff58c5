package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"

	"policy-adjudicator/internal/app"
	"policy-adjudicator/internal/config"
	"policy-adjudicator/internal/logger"
	"policy-adjudicator/internal/telemetry"
	"policy-adjudicator/middleware"
	"policy-adjudicator/routes"
	"policy-adjudicator/services"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	logger.InitLogger(cfg)

	ctx := context.Background()

	if cfg.TracingEnabled {
		shutdown, err := telemetry.InitTracer(ctx, cfg.OTELEndpoint, cfg.GinMode, 1.0)
		if err != nil {
			logger.Warn("Tracing disabled", "error", err)
		} else {
			defer shutdown(context.Background())
		}
	}

	startCtx, cancel := context.WithTimeout(ctx, cfg.IndexReadyTimeout+30*time.Second)
	container, err := app.New(startCtx, cfg, app.Options{})
	cancel()
	if err != nil {
		log.Fatal("Failed to initialize pipeline:", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Error("Failed to close resources", "error", err)
		}
	}()

	deps := routes.Deps{
		Config:    cfg,
		Ingestion: container.Ingestion,
		Retriever: container.Retriever,
		Decisions: container.Decisions,
		Index:     container.Index,
	}

	// Async ingestion needs the same Redis the worker reads from
	if container.Redis != nil {
		redisOpt, err := config.AsynqRedisOpt(cfg)
		if err != nil {
			log.Fatal("Invalid Redis configuration:", err)
		}
		queueClient := asynq.NewClient(redisOpt)
		defer queueClient.Close()
		inspector := asynq.NewInspector(redisOpt)
		defer inspector.Close()
		deps.Queue = queueClient
		deps.Inspector = inspector
	}

	monitor := services.NewIndexMonitor(container.Index, cfg.IndexMonitorInterval)
	if err := monitor.Start(); err != nil {
		logger.Warn("Index monitor not started", "error", err)
	}
	defer monitor.Stop()

	// Initialize Gin router
	if cfg.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	if cfg.TracingEnabled {
		router.Use(middleware.TracingMiddleware())
		router.Use(middleware.EnrichTrace())
	}
	router.Use(middleware.MetricsMiddleware(telemetry.Default()))
	router.Use(middleware.CORSMiddleware(cfg.CORSOrigins))
	if container.Redis != nil {
		router.Use(middleware.RateLimitMiddleware(container.Redis, cfg.RateLimitReqs, time.Duration(cfg.RateLimitWindow)*time.Second))
	}
	if cfg.MaxFileSize > 0 {
		router.Use(middleware.RequestSizeLimit(cfg.MaxFileSize*int64(cfg.MaxFiles) + 1<<20))
	}
	router.MaxMultipartMemory = 32 << 20

	routes.Setup(router, deps)

	// Create HTTP server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("Server starting", "port", cfg.Port, "backend", cfg.VectorBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server exited")
}
