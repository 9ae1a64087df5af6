package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"rebalancer/internal/apperr"
	"rebalancer/internal/approval"
	"rebalancer/internal/models"
	"rebalancer/internal/pipeline"
	"rebalancer/internal/repository"
	"rebalancer/internal/scheduler"
)

type OperationHandler struct {
	Repo      repository.Repository
	Scheduler *scheduler.Scheduler
	Gate      *approval.Gate
	Pipeline  *pipeline.Runner
}

func (h *OperationHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1/operations")
	group.GET("", h.list)
	group.GET("/:id", h.get)
	group.POST("", h.create)
	group.POST("/:id/simulate", h.drive)
	group.POST("/:id/execute", h.drive)
	group.POST("/:id/approve", h.approve)
	group.POST("/:id/reject", h.reject)
	group.POST("/:id/cancel", h.cancel)
	group.POST("/:id/override", h.override)
}

func (h *OperationHandler) list(c *gin.Context) {
	params := repository.ListOperationsParams{
		Limit:   intQuery(c, "limit", 50),
		Offset:  intQuery(c, "offset", 0),
		OwnerID: strPtrQuery(c, "owner"),
		Status:  strPtrQuery(c, "status"),
		Trigger: strPtrQuery(c, "trigger"),
		OrderBy: c.Query("order_by"),
	}
	if id := intQuery(c, "strategy_id", 0); id > 0 {
		sid := uint64(id)
		params.StrategyID = &sid
	}
	if raw := c.Query("since"); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			params.Since = &ts
		}
	}
	if raw := c.Query("until"); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			params.Until = &ts
		}
	}
	items, err := h.Repo.ListOperations(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountOperations(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(params.Limit, params.Offset, total))
}

func (h *OperationHandler) get(c *gin.Context) {
	id, ok := uint64Param(c, "id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	op, err := h.Repo.GetOperationByID(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if op == nil {
		Error(c, http.StatusNotFound, "operation not found", nil)
		return
	}
	steps, err := h.Repo.ListTransactionsByOperationID(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, gin.H{"operation": op, "transactions": steps}, nil)
}

func (h *OperationHandler) create(c *gin.Context) {
	var req struct {
		StrategyID uint64 `json:"strategy_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.StrategyID == 0 {
		Error(c, http.StatusBadRequest, "strategy_id required", nil)
		return
	}
	op, err := h.Scheduler.TriggerManual(c.Request.Context(), req.StrategyID)
	if err != nil {
		fail(c, err)
		return
	}
	Ok(c, op, nil)
}

// drive pushes a pending or resumable operation forward synchronously:
// planning and simulation for a fresh operation, execution for one already
// cleared to run.
func (h *OperationHandler) drive(c *gin.Context) {
	id, ok := uint64Param(c, "id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	op, err := h.Pipeline.Drive(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	Ok(c, op, nil)
}

func (h *OperationHandler) approve(c *gin.Context) {
	h.processApproval(c, true)
}

func (h *OperationHandler) reject(c *gin.Context) {
	h.processApproval(c, false)
}

func (h *OperationHandler) processApproval(c *gin.Context, approved bool) {
	id, ok := uint64Param(c, "id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	var req struct {
		Approver string `json:"approver"`
		Reason   string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body: "+err.Error(), nil)
		return
	}
	op, err := h.Gate.ProcessApproval(c.Request.Context(), id, req.Approver, approved, req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	Ok(c, op, nil)
}

// cancel is permitted only before execution begins; an executing operation
// settles on its own.
func (h *OperationHandler) cancel(c *gin.Context) {
	id, ok := uint64Param(c, "id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	op, err := h.Repo.GetOperationByID(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if op == nil {
		Error(c, http.StatusNotFound, "operation not found", nil)
		return
	}
	switch op.Status {
	case models.OpStatusPending, models.OpStatusSimulating, models.OpStatusWaitingApproval:
	default:
		fail(c, apperr.Conflict("operation cannot be cancelled from status "+op.Status))
		return
	}
	if err := h.Repo.UpdateOperationStatus(c.Request.Context(), id, op.Status, models.OpStatusCancelled, nil); err != nil {
		fail(c, err)
		return
	}
	op.Status = models.OpStatusCancelled
	Ok(c, op, nil)
}

type overrideStep struct {
	Type       string          `json:"type"`
	FromAsset  string          `json:"from_asset"`
	FromChain  string          `json:"from_chain"`
	ToAsset    string          `json:"to_asset"`
	ToChain    string          `json:"to_chain"`
	FromAmount decimal.Decimal `json:"from_amount"`
	ToAmount   decimal.Decimal `json:"to_amount"`
}

func (h *OperationHandler) override(c *gin.Context) {
	id, ok := uint64Param(c, "id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	var req struct {
		User   string         `json:"user"`
		Reason string         `json:"reason"`
		Plan   []overrideStep `json:"plan"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body: "+err.Error(), nil)
		return
	}
	plan := make([]models.Transaction, 0, len(req.Plan))
	for _, s := range req.Plan {
		plan = append(plan, models.Transaction{
			Type:       s.Type,
			FromAsset:  s.FromAsset,
			FromChain:  s.FromChain,
			ToAsset:    s.ToAsset,
			ToChain:    s.ToChain,
			FromAmount: s.FromAmount,
			ToAmount:   s.ToAmount,
		})
	}
	op, err := h.Gate.ApplyOverride(c.Request.Context(), id, req.User, req.Reason, plan)
	if err != nil {
		fail(c, err)
		return
	}
	Ok(c, op, nil)
}
