package routes

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"policy-adjudicator/internal/logger"
	"policy-adjudicator/models"
	"policy-adjudicator/utils"
)

const maxQuestionLength = 4000

func SetupQueryRoutes(router *gin.Engine, deps Deps) {
	router.POST("/ask_questions", func(c *gin.Context) {
		var req models.AskRequest
		if err := c.ShouldBind(&req); err != nil {
			utils.RespondWithBadRequest(c, "A question is required", gin.H{"error": err.Error()})
			return
		}
		req.Question = strings.TrimSpace(req.Question)
		if req.Question == "" {
			utils.RespondWithBadRequest(c, "A question is required", nil)
			return
		}
		if len(req.Question) > maxQuestionLength {
			utils.RespondWithBadRequest(c, "Question is too long", gin.H{"max_length": maxQuestionLength})
			return
		}
		if req.TopK < 0 {
			utils.RespondWithBadRequest(c, "top_k must not be negative", nil)
			return
		}
		topK := req.TopK
		if topK == 0 {
			topK = deps.Config.TopK
		}

		logger.Info("User query", "request_id", c.GetString("request_id"), "top_k", topK)

		ctx, cancel := utils.WithQueryTimeout(c.Request.Context())
		defer cancel()

		passages, err := deps.Retriever.Retrieve(ctx, req.Question, topK)
		if err != nil {
			utils.RespondWithAppError(c, err)
			return
		}
		logger.Debug("Retrieved passages", "count", len(passages))

		decision, err := deps.Decisions.Synthesize(ctx, req.Question, passages)
		if err != nil {
			utils.RespondWithAppError(c, err)
			return
		}

		if !req.IncludeSources {
			c.JSON(http.StatusOK, decision)
			return
		}
		sources := make([]models.PassageMetadata, 0, len(passages))
		for _, p := range passages {
			sources = append(sources, p.Metadata)
		}
		c.JSON(http.StatusOK, models.AskResponse{Decision: decision, Sources: sources})
	})
}
