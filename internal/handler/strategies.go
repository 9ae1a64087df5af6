package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"rebalancer/internal/models"
	"rebalancer/internal/repository"
	"rebalancer/internal/strategy"
)

type StrategyHandler struct {
	Svc  *strategy.Service
	Repo repository.Repository
}

type strategyRequest struct {
	Owner             string                    `json:"owner"`
	Name              string                    `json:"name"`
	Type              string                    `json:"type"`
	TargetAllocations []models.AllocationTarget `json:"target_allocations"`
	Triggers          models.TriggerConfig      `json:"triggers"`
	ExecutionParams   models.ExecutionParams    `json:"execution_params"`
	Advanced          models.AdvancedParams     `json:"advanced"`
}

func (r strategyRequest) input() strategy.Input {
	return strategy.Input{
		OwnerID:  r.Owner,
		Name:     r.Name,
		Type:     r.Type,
		Targets:  r.TargetAllocations,
		Triggers: r.Triggers,
		Exec:     r.ExecutionParams,
		Advanced: r.Advanced,
	}
}

func (h *StrategyHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1/strategies")
	group.POST("", h.create)
	group.GET("", h.list)
	group.GET("/:id", h.get)
	group.PUT("/:id", h.update)
	group.DELETE("/:id", h.remove)
	group.POST("/:id/activate", h.activate)
	group.POST("/:id/pause", h.pause)
}

func (h *StrategyHandler) create(c *gin.Context) {
	var req strategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body: "+err.Error(), nil)
		return
	}
	item, err := h.Svc.Create(c.Request.Context(), req.input())
	if err != nil {
		fail(c, err)
		return
	}
	Ok(c, item, nil)
}

func (h *StrategyHandler) list(c *gin.Context) {
	params := repository.ListStrategiesParams{
		Limit:   intQuery(c, "limit", 50),
		Offset:  intQuery(c, "offset", 0),
		OwnerID: strPtrQuery(c, "owner"),
		Status:  strPtrQuery(c, "status"),
		Type:    strPtrQuery(c, "type"),
		OrderBy: c.Query("order_by"),
	}
	items, err := h.Repo.ListStrategies(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountStrategies(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(params.Limit, params.Offset, total))
}

func (h *StrategyHandler) get(c *gin.Context) {
	id, ok := uint64Param(c, "id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	item, err := h.Repo.GetStrategyByID(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "strategy not found", nil)
		return
	}
	Ok(c, item, nil)
}

func (h *StrategyHandler) update(c *gin.Context) {
	id, ok := uint64Param(c, "id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	var req strategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body: "+err.Error(), nil)
		return
	}
	item, err := h.Svc.Update(c.Request.Context(), id, req.input())
	if err != nil {
		fail(c, err)
		return
	}
	Ok(c, item, nil)
}

func (h *StrategyHandler) remove(c *gin.Context) {
	id, ok := uint64Param(c, "id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	if err := h.Svc.Delete(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	Ok(c, gin.H{"deleted": id}, nil)
}

func (h *StrategyHandler) activate(c *gin.Context) {
	id, ok := uint64Param(c, "id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	item, err := h.Svc.Activate(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	Ok(c, item, nil)
}

func (h *StrategyHandler) pause(c *gin.Context) {
	id, ok := uint64Param(c, "id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	item, err := h.Svc.Pause(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	Ok(c, item, nil)
}
