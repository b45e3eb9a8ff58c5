package utils

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"policy-adjudicator/internal/logger"
	"policy-adjudicator/models"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error     string      `json:"error"`
	ErrorCode string      `json:"error_code"`
	Details   interface{} `json:"details,omitempty"`
}

// RespondWithError sends a standardized error response
func RespondWithError(c *gin.Context, statusCode int, errorCode, message string, details interface{}) {
	c.AbortWithStatusJSON(statusCode, ErrorResponse{
		Error:     message,
		ErrorCode: errorCode,
		Details:   details,
	})
}

// RespondWithBadRequest sends a 400 Bad Request error
func RespondWithBadRequest(c *gin.Context, message string, details interface{}) {
	RespondWithError(c, http.StatusBadRequest, "bad_request", message, details)
}

// RespondWithNotFound sends a 404 Not Found error
func RespondWithNotFound(c *gin.Context, message string) {
	RespondWithError(c, http.StatusNotFound, "not_found", message, nil)
}

// RespondWithInternalError sends a 500 Internal Server Error
func RespondWithInternalError(c *gin.Context, message string, details interface{}) {
	RespondWithError(c, http.StatusInternalServerError, "internal_error", message, details)
}

// AppErrorStatus maps an error from the pipeline to an HTTP status and a
// stable error code.
func AppErrorStatus(err error) (int, string) {
	var (
		invalid   *models.InvalidDocumentError
		dim       *models.DimensionMismatchError
		conflict  *models.IndexConfigConflictError
		schema    *models.SchemaValidationError
		embedding *models.EmbeddingServiceError
		gen       *models.GenerativeServiceError
		upsert    *models.UpsertError
	)
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest, "invalid_document"
	case errors.As(err, &dim):
		return http.StatusInternalServerError, "dimension_mismatch"
	case errors.As(err, &conflict):
		return http.StatusInternalServerError, "index_config_conflict"
	case errors.As(err, &schema):
		return http.StatusBadGateway, "schema_validation_failed"
	case errors.As(err, &embedding):
		if embedding.Timeout {
			return http.StatusGatewayTimeout, "embedding_timeout"
		}
		return http.StatusServiceUnavailable, "embedding_unavailable"
	case errors.As(err, &gen):
		if gen.Timeout {
			return http.StatusGatewayTimeout, "generation_timeout"
		}
		return http.StatusServiceUnavailable, "generation_unavailable"
	case errors.As(err, &upsert):
		return http.StatusServiceUnavailable, "index_write_failed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return 499, "canceled"
	}
	return http.StatusInternalServerError, "internal_error"
}

// RespondWithAppError writes err as a structured response. Upstream details
// are logged, not returned, for server-side failures.
func RespondWithAppError(c *gin.Context, err error) {
	status, code := AppErrorStatus(err)

	message := err.Error()
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed",
			"path", c.FullPath(),
			"error_code", code,
			"error", err,
			"request_id", c.GetString("request_id"),
		)
		message = publicMessage(code)
	}

	var details interface{}
	var ingestion *models.IngestionError
	if errors.As(err, &ingestion) {
		details = gin.H{"source": ingestion.Source, "stage": ingestion.Stage}
	}
	var schema *models.SchemaValidationError
	if errors.As(err, &schema) {
		details = gin.H{"field": schema.Field, "attempts": schema.Attempts}
	}

	RespondWithError(c, status, code, message, details)
}

func publicMessage(code string) string {
	switch code {
	case "dimension_mismatch", "index_config_conflict":
		return "Vector index configuration does not match the embedding model"
	case "schema_validation_failed":
		return "The decision model returned an invalid response"
	case "embedding_unavailable", "embedding_timeout":
		return "Embedding service is temporarily unavailable"
	case "generation_unavailable", "generation_timeout":
		return "Decision model is temporarily unavailable"
	case "index_write_failed":
		return "Failed to write to the vector index"
	case "timeout":
		return "Request timed out"
	}
	return "Internal server error"
}
