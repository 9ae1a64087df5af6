package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"rebalancer/internal/performance"
)

type PerformanceHandler struct {
	Agg *performance.Aggregator
}

func (h *PerformanceHandler) Register(r *gin.Engine) {
	r.GET("/api/v1/performance/stats", h.stats)
}

func (h *PerformanceHandler) stats(c *gin.Context) {
	owner := strings.TrimSpace(c.Query("owner"))
	if owner == "" {
		Error(c, http.StatusBadRequest, "owner required", nil)
		return
	}
	windowDays := intQuery(c, "window_days", 30)
	stats, err := h.Agg.Stats(c.Request.Context(), owner, windowDays)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, stats, map[string]any{"window_days": windowDays})
}
