package routes

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"policy-adjudicator/internal/vectorindex"
	"policy-adjudicator/utils"
)

func SetupHealthRoutes(router *gin.Engine, index vectorindex.Index) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now()})
	})

	// Ready only once the vector index answers Describe.
	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := utils.WithTimeout(c.Request.Context())
		defer cancel()

		info, err := index.Describe(ctx)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":     "not_ready",
				"error":      "vector index is not ready",
				"error_code": "index_not_ready",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "index": info})
	})
}
