// Package executor runs an approved plan step by step against the chain
// executor and settles the operation.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rebalancer/internal/apperr"
	"rebalancer/internal/client/chain"
	"rebalancer/internal/models"
	"rebalancer/internal/repository"
)

var hundred = decimal.NewFromInt(100)

// AllocationSource provides the post-execution portfolio snapshot.
type AllocationSource interface {
	CurrentAllocations(ctx context.Context, owner string) ([]models.AllocationSnapshot, decimal.Decimal, error)
}

type Executor struct {
	Repo        repository.Repository
	Chain       chain.Executor
	Alloc       AllocationSource
	Logger      *zap.Logger
	StepTimeout time.Duration
}

func New(repo repository.Repository, chainExec chain.Executor, alloc AllocationSource, logger *zap.Logger, stepTimeout time.Duration) *Executor {
	if stepTimeout <= 0 {
		stepTimeout = 2 * time.Minute
	}
	return &Executor{
		Repo:        repo,
		Chain:       chainExec,
		Alloc:       alloc,
		Logger:      logger,
		StepTimeout: stepTimeout,
	}
}

// Execute runs the operation's steps strictly in plan order. Step i+1 does
// not begin until step i settles; a failed step leaves everything after it
// pending. There is no retry of a failed step inside the same operation.
// Already-settled steps are skipped so an interrupted operation resumes
// from its checkpoint.
func (e *Executor) Execute(ctx context.Context, op *models.Operation) error {
	if op == nil {
		return nil
	}
	if op.Status != models.OpStatusExecuting {
		return apperr.Conflict("operation is not executing")
	}

	steps, err := e.Repo.ListTransactionsByOperationID(ctx, op.ID)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return e.failEmpty(ctx, op)
	}

	completed, failed := 0, 0
	for i := range steps {
		step := &steps[i]
		switch step.Status {
		case models.TxStatusCompleted:
			completed++
			continue
		case models.TxStatusFailed, models.TxStatusCancelled:
			failed++
			continue
		}
		if failed > 0 {
			// Later legs may consume earlier legs' outputs; once a step
			// fails the rest of the plan is never attempted.
			break
		}

		if err := e.runStep(ctx, op, step); err != nil {
			return err
		}
		if step.Status == models.TxStatusCompleted {
			completed++
		} else {
			failed++
		}
	}

	return e.settle(ctx, op, steps, completed, failed)
}

func (e *Executor) runStep(ctx context.Context, op *models.Operation, step *models.Transaction) error {
	err := e.Repo.UpdateTransactionStatus(ctx, step.ID, models.TxStatusPending, models.TxStatusExecuting, nil)
	if err != nil {
		return err
	}
	step.Status = models.TxStatusExecuting

	route, _ := step.RouteInfo()
	req := chain.SubmitRequest{
		OperationRef: op.Reference,
		Seq:          step.Seq,
		Type:         step.Type,
		FromAsset:    step.FromAsset,
		FromChain:    step.FromChain,
		FromProtocol: step.FromProtocol,
		ToAsset:      step.ToAsset,
		ToChain:      step.ToChain,
		ToProtocol:   step.ToProtocol,
		FromAmount:   step.FromAmount,
		ToAmount:     step.ToAmount,
		Venue:        route.Venue,
		MaxSlippage:  step.ExpectedSlippagePct,
	}

	stepCtx, cancel := context.WithTimeout(ctx, e.StepTimeout)
	receipt, submitErr := e.Chain.Submit(stepCtx, req)
	cancel()

	now := time.Now().UTC()
	updates := map[string]any{"executed_at": now}
	if submitErr != nil {
		updates["error_code"] = "submit_error"
		updates["error_message"] = submitErr.Error()
		if err := e.Repo.UpdateTransactionStatus(ctx, step.ID, models.TxStatusExecuting, models.TxStatusFailed, updates); err != nil {
			return err
		}
		step.Status = models.TxStatusFailed
		if e.Logger != nil {
			e.Logger.Warn("step submission failed",
				zap.Uint64("operation_id", op.ID),
				zap.Int("seq", step.Seq),
				zap.Error(submitErr))
		}
		return nil
	}

	if receipt.TxRef != "" {
		updates["tx_ref"] = receipt.TxRef
	}
	updates["gas_usd"] = receipt.GasUSD
	if receipt.ActualSlippagePct != nil {
		updates["actual_slippage_pct"] = *receipt.ActualSlippagePct
	}

	next := models.TxStatusCompleted
	if !receipt.Success {
		next = models.TxStatusFailed
		updates["error_code"] = receipt.FailureCode
		updates["error_message"] = receipt.FailureReason
	}
	if err := e.Repo.UpdateTransactionStatus(ctx, step.ID, models.TxStatusExecuting, next, updates); err != nil {
		return err
	}
	step.Status = next
	step.GasUSD = &receipt.GasUSD
	step.ActualSlippagePct = receipt.ActualSlippagePct
	return nil
}

// failEmpty settles an executing operation that has no plan at all. This is
// an upstream defect, not a step failure, so the summary names it instead of
// counting phantom steps.
func (e *Executor) failEmpty(ctx context.Context, op *models.Operation) error {
	err := e.Repo.UpdateOperationStatus(ctx, op.ID, models.OpStatusExecuting, models.OpStatusFailed, map[string]any{
		"error": "no transaction steps to execute",
	})
	if err != nil {
		return err
	}
	if e.Logger != nil {
		e.Logger.Warn("operation had no plan to execute", zap.Uint64("operation_id", op.ID))
	}
	op.Status = models.OpStatusFailed
	return nil
}

// settle maps step outcomes to the operation's terminal status and records
// the achieved allocation and performance block in the same conditional
// write as the transition.
func (e *Executor) settle(ctx context.Context, op *models.Operation, steps []models.Transaction, completed, failed int) error {
	var final string
	switch {
	case failed == 0:
		final = models.OpStatusCompleted
	case completed == 0:
		final = models.OpStatusFailed
	default:
		final = models.OpStatusPartial
	}

	perf := e.buildPerformance(op, steps, completed)
	updates := map[string]any{
		"performance": models.ToJSON(perf),
	}

	if e.Alloc != nil && completed > 0 {
		achieved, after, err := e.Alloc.CurrentAllocations(ctx, op.OwnerID)
		if err == nil {
			updates["achieved_allocation"] = models.ToJSON(achieved)
			perf.PortfolioValueAfterUSD = after
			updates["performance"] = models.ToJSON(perf)
		} else if e.Logger != nil {
			e.Logger.Warn("post-execution snapshot failed",
				zap.Uint64("operation_id", op.ID), zap.Error(err))
		}
	}
	if final != models.OpStatusCompleted {
		updates["error"] = fmt.Sprintf("%d of %d steps failed", failed, completed+failed)
	}

	if err := e.Repo.UpdateOperationStatus(ctx, op.ID, models.OpStatusExecuting, final, updates); err != nil {
		return err
	}

	if e.Logger != nil {
		e.Logger.Info("operation settled",
			zap.Uint64("operation_id", op.ID),
			zap.String("status", final),
			zap.Int("completed_steps", completed),
			zap.Int("failed_steps", failed))
	}
	op.Status = final
	return nil
}

func (e *Executor) buildPerformance(op *models.Operation, steps []models.Transaction, completed int) models.PerformanceRecord {
	perf := models.PerformanceRecord{
		PortfolioValueBeforeUSD: op.PortfolioValueUSD,
		PortfolioValueAfterUSD:  op.PortfolioValueUSD,
	}

	totalGas := decimal.Zero
	maxSlippage := decimal.Zero
	for _, step := range steps {
		if step.GasUSD != nil {
			totalGas = totalGas.Add(*step.GasUSD)
		}
		if step.ActualSlippagePct != nil && step.ActualSlippagePct.GreaterThan(maxSlippage) {
			maxSlippage = *step.ActualSlippagePct
		}
	}
	perf.TotalGasCostUSD = totalGas
	perf.TotalSlippagePct = maxSlippage

	if len(steps) > 0 {
		perf.SuccessRatePct = decimal.NewFromInt(int64(completed)).
			Div(decimal.NewFromInt(int64(len(steps)))).
			Mul(hundred)
	}
	if op.StartedAt != nil {
		perf.ExecutionTimeSec = time.Since(*op.StartedAt).Seconds()
	}

	if sim, err := op.SimulationReport(); err == nil && sim.Performed {
		saved := sim.ExpectedGasCostUSD.Sub(totalGas)
		if saved.IsPositive() {
			perf.EstimatedSavingsUSD = saved
		}
	}
	return perf
}
