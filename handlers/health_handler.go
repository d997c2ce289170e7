package handlers

import (
	"net/http"
	"time"

	"ragchat-backend/repository"
	"ragchat-backend/service"

	"github.com/gin-gonic/gin"
)

// HealthHandler reports dependency health for GET /health
type HealthHandler struct {
	searchIndex *repository.SearchIndexRepository
	completions *service.CompletionService
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(searchIndex *repository.SearchIndexRepository, completions *service.CompletionService) *HealthHandler {
	return &HealthHandler{
		searchIndex: searchIndex,
		completions: completions,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx := c.Request.Context()
	healthy := true

	searchCheck := gin.H{"status": "ok"}
	start := time.Now()
	stats, err := h.searchIndex.GetIndexStats(ctx)
	searchCheck["latency_ms"] = time.Since(start).Milliseconds()
	if err != nil {
		healthy = false
		searchCheck["status"] = "error"
		searchCheck["error"] = err.Error()
	} else {
		searchCheck["document_count"] = stats.DocumentCount
	}

	completionCheck := gin.H{"status": "ok"}
	start = time.Now()
	if err := h.completions.Ping(ctx); err != nil {
		healthy = false
		completionCheck["status"] = "error"
		completionCheck["error"] = err.Error()
	}
	completionCheck["latency_ms"] = time.Since(start).Milliseconds()

	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}

	c.JSON(status, gin.H{
		"status": overall,
		"checks": gin.H{
			"search_index": searchCheck,
			"completions":  completionCheck,
		},
	})
}
