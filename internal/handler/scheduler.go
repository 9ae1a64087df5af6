package handler

import (
	"github.com/gin-gonic/gin"

	"rebalancer/internal/scheduler"
)

// SchedulerHandler exposes the operational hook that runs one poll cycle on
// demand, outside the cron cadence.
type SchedulerHandler struct {
	Scheduler *scheduler.Scheduler
}

func (h *SchedulerHandler) Register(r *gin.Engine) {
	r.POST("/api/v1/scheduler/scan", h.scan)
}

func (h *SchedulerHandler) scan(c *gin.Context) {
	created := h.Scheduler.ScanOnce(c.Request.Context())
	Ok(c, gin.H{"operations_created": created}, nil)
}
