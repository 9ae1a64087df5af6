// Package approval implements the human gate between simulation and
// execution.
package approval

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"rebalancer/internal/apperr"
	"rebalancer/internal/models"
	"rebalancer/internal/repository"
)

type Gate struct {
	Repo   repository.Repository
	Logger *zap.Logger
}

func New(repo repository.Repository, logger *zap.Logger) *Gate {
	return &Gate{Repo: repo, Logger: logger}
}

// RequiresApproval is evaluated independently of the simulation outcome: a
// strategy demanding manual sign-off waits for a human even after a clean
// dry-run, and a performed simulation that is not a clean success always
// forces the gate.
func RequiresApproval(triggers models.TriggerConfig, sim models.SimulationReport) bool {
	if triggers.ManualApprovalRequired {
		return true
	}
	return sim.Performed && sim.Result != models.SimResultSuccess
}

// ProcessApproval settles a waitingApproval operation: approved moves it to
// executing, rejected cancels it with the reason on record. Any other
// current status is a conflict.
func (g *Gate) ProcessApproval(ctx context.Context, operationID uint64, approver string, approved bool, reason string) (*models.Operation, error) {
	if strings.TrimSpace(approver) == "" {
		return nil, apperr.Validation("approver", "must not be empty")
	}
	op, err := g.Repo.GetOperationByID(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, apperr.ErrNotFound
	}
	if op.Status != models.OpStatusWaitingApproval {
		return nil, apperr.Conflict("operation is not waiting for approval")
	}

	record, err := op.ApprovalRecord()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	record.Required = true
	record.Approved = approved

	var next string
	if approved {
		record.ApprovedBy = approver
		record.ApprovedAt = &now
		next = models.OpStatusExecuting
	} else {
		record.RejectedAt = &now
		record.RejectionReason = reason
		next = models.OpStatusCancelled
	}

	// One conditional write: the transition and the approval record land
	// together or not at all.
	err = g.Repo.UpdateOperationStatus(ctx, operationID, models.OpStatusWaitingApproval, next, map[string]any{
		"approval": models.ToJSON(record),
	})
	if err != nil {
		return nil, err
	}

	if g.Logger != nil {
		g.Logger.Info("approval processed",
			zap.Uint64("operation_id", operationID),
			zap.String("approver", approver),
			zap.Bool("approved", approved))
	}
	op.Status = next
	op.Approval = models.ToJSON(record)
	return op, nil
}

// ApplyOverride lets a privileged actor replace or force through the plan
// after simulation. The pre-override plan is preserved for audit; the
// executor's step-by-step contract still applies to whatever plan remains.
func (g *Gate) ApplyOverride(ctx context.Context, operationID uint64, user, reason string, newPlan []models.Transaction) (*models.Operation, error) {
	if strings.TrimSpace(user) == "" {
		return nil, apperr.Validation("user", "must not be empty")
	}
	if strings.TrimSpace(reason) == "" {
		return nil, apperr.Validation("reason", "must not be empty")
	}
	op, err := g.Repo.GetOperationByID(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, apperr.ErrNotFound
	}
	if op.Status != models.OpStatusWaitingApproval {
		return nil, apperr.Conflict("override is only permitted while waiting for approval")
	}

	original, err := g.Repo.ListTransactionsByOperationID(ctx, operationID)
	if err != nil {
		return nil, err
	}
	originalPlan := make([]models.PlannedStep, 0, len(original))
	for i := range original {
		originalPlan = append(originalPlan, original[i].PlannedStep())
	}

	now := time.Now().UTC()
	record := models.OverrideRecord{
		Overridden:   true,
		By:           user,
		At:           &now,
		Reason:       reason,
		OriginalPlan: originalPlan,
	}

	if len(newPlan) > 0 {
		for i := range newPlan {
			newPlan[i].OperationID = operationID
			newPlan[i].Seq = i
			newPlan[i].Status = models.TxStatusPending
		}
		if err := g.Repo.ReplaceTransactions(ctx, operationID, newPlan); err != nil {
			return nil, err
		}
	}

	err = g.Repo.UpdateOperationFields(ctx, operationID, map[string]any{
		"override": models.ToJSON(record),
	})
	if err != nil {
		return nil, err
	}

	if g.Logger != nil {
		g.Logger.Info("plan overridden",
			zap.Uint64("operation_id", operationID),
			zap.String("by", user),
			zap.Int("new_steps", len(newPlan)))
	}
	op.Override = models.ToJSON(record)
	return op, nil
}
