package routes

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"policy-adjudicator/internal/config"
	"policy-adjudicator/internal/logger"
	"policy-adjudicator/internal/queue"
	"policy-adjudicator/models"
	"policy-adjudicator/services"
	"policy-adjudicator/utils"
)

// UploadResponse is returned by a completed synchronous upload.
type UploadResponse struct {
	Messages string `json:"messages"`
	models.IngestionReport
}

func SetupIngestRoutes(router *gin.Engine, deps Deps) {
	cfg := deps.Config

	upload := router.Group("/upload_pdfs")

	upload.POST("", func(c *gin.Context) {
		uploads, chunkSize, overlap, ok := readUploadRequest(c, cfg)
		if !ok {
			return
		}

		ctx, cancel := utils.WithIngestTimeout(c.Request.Context())
		defer cancel()

		report, err := deps.Ingestion.Ingest(ctx, uploads, chunkSize, overlap)
		if err != nil {
			utils.RespondWithAppError(c, err)
			return
		}

		logger.Info("Documents added to vector index", "files", len(uploads), "chunks", report.ChunksWritten)
		c.JSON(http.StatusOK, UploadResponse{
			Messages:        "Files processed and vector index updated",
			IngestionReport: *report,
		})
	})

	upload.POST("/async", func(c *gin.Context) {
		if deps.Queue == nil {
			utils.RespondWithError(c, http.StatusServiceUnavailable, "queue_unavailable", "Async ingestion is not configured", nil)
			return
		}
		uploads, chunkSize, overlap, ok := readUploadRequest(c, cfg)
		if !ok {
			return
		}
		if err := deps.Ingestion.ValidateUploads(uploads); err != nil {
			utils.RespondWithAppError(c, err)
			return
		}

		task, err := queue.NewIngestTask(uploads, chunkSize, overlap)
		if err != nil {
			utils.RespondWithInternalError(c, "Failed to create processing task", nil)
			return
		}
		info, err := deps.Queue.Enqueue(task)
		if err != nil {
			logger.Error("Failed to enqueue ingestion task", "error", err)
			utils.RespondWithError(c, http.StatusServiceUnavailable, "queue_error", "Failed to enqueue processing task", nil)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"message": "Upload accepted for processing",
			"task_id": info.ID,
			"status":  info.State.String(),
			"files":   len(uploads),
		})
	})

	upload.GET("/tasks/:id", func(c *gin.Context) {
		if deps.Inspector == nil {
			utils.RespondWithError(c, http.StatusServiceUnavailable, "queue_unavailable", "Async ingestion is not configured", nil)
			return
		}
		status, err := queue.LookupTask(deps.Inspector, c.Param("id"))
		if errors.Is(err, queue.ErrTaskNotFound) {
			utils.RespondWithNotFound(c, "Task not found")
			return
		}
		if err != nil {
			utils.RespondWithInternalError(c, "Failed to read task status", nil)
			return
		}
		c.JSON(http.StatusOK, status)
	})
}

// readUploadRequest reads the multipart "files" field and optional chunking
// overrides. It writes the error response itself and reports false on failure.
func readUploadRequest(c *gin.Context, cfg *config.Config) ([]models.Upload, int, int, bool) {
	form, err := c.MultipartForm()
	if err != nil {
		utils.RespondWithBadRequest(c, "Expected a multipart form with PDF files", nil)
		return nil, 0, 0, false
	}

	headers := form.File["files"]
	if len(headers) == 0 {
		utils.RespondWithError(c, http.StatusBadRequest, "no_files", "No files provided", nil)
		return nil, 0, 0, false
	}

	chunkSize, err := formInt(c, "chunk_size", cfg.ChunkSize, 1)
	if err != nil {
		utils.RespondWithBadRequest(c, err.Error(), nil)
		return nil, 0, 0, false
	}
	overlap, err := formInt(c, "chunk_overlap", cfg.ChunkOverlap, 0)
	if err != nil {
		utils.RespondWithBadRequest(c, err.Error(), nil)
		return nil, 0, 0, false
	}
	if err := services.ValidateChunking(chunkSize, overlap); err != nil {
		utils.RespondWithAppError(c, err)
		return nil, 0, 0, false
	}

	uploads := make([]models.Upload, 0, len(headers))
	for _, h := range headers {
		logger.Debug("Received file", "filename", h.Filename, "size", h.Size, "content_type", h.Header.Get("Content-Type"))

		f, err := h.Open()
		if err != nil {
			utils.RespondWithBadRequest(c, fmt.Sprintf("Cannot read file %s", h.Filename), nil)
			return nil, 0, 0, false
		}
		var r io.Reader = f
		if cfg.MaxFileSize > 0 {
			// One byte past the limit is enough for validation to reject it.
			r = io.LimitReader(f, cfg.MaxFileSize+1)
		}
		content, err := io.ReadAll(r)
		f.Close()
		if err != nil {
			utils.RespondWithBadRequest(c, fmt.Sprintf("Cannot read file %s", h.Filename), nil)
			return nil, 0, 0, false
		}
		uploads = append(uploads, models.Upload{Filename: h.Filename, Content: content})
	}
	return uploads, chunkSize, overlap, true
}

func formInt(c *gin.Context, key string, def, minValue int) (int, error) {
	raw := c.PostForm(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < minValue {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return v, nil
}
