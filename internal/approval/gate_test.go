package approval

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rebalancer/internal/apperr"
	"rebalancer/internal/models"
	"rebalancer/internal/repository/memory"
)

func seedWaitingOp(t *testing.T, repo *memory.Store) *models.Operation {
	t.Helper()
	op := &models.Operation{
		Reference:  "op-ref",
		StrategyID: 1,
		OwnerID:    "alice",
		Status:     models.OpStatusWaitingApproval,
		Trigger:    models.OpTriggerThreshold,
	}
	if err := repo.CreateOperationIfNoneActive(context.Background(), op); err != nil {
		t.Fatalf("seed op: %v", err)
	}
	return op
}

func TestRequiresApproval_ManualFlagOverridesCleanSim(t *testing.T) {
	// A clean simulation does not bypass an explicitly demanded human gate.
	triggers := models.TriggerConfig{ManualApprovalRequired: true}
	sim := models.SimulationReport{Performed: true, Result: models.SimResultSuccess}
	if !RequiresApproval(triggers, sim) {
		t.Fatalf("manual approval flag must force the gate")
	}
}

func TestRequiresApproval_DirtySimulation(t *testing.T) {
	triggers := models.TriggerConfig{}
	for _, result := range []string{models.SimResultPartial, models.SimResultFailed} {
		sim := models.SimulationReport{Performed: true, Result: result}
		if !RequiresApproval(triggers, sim) {
			t.Fatalf("simulation result %q must force the gate", result)
		}
	}
}

func TestRequiresApproval_CleanAutoPath(t *testing.T) {
	triggers := models.TriggerConfig{}
	sim := models.SimulationReport{Performed: true, Result: models.SimResultSuccess}
	if RequiresApproval(triggers, sim) {
		t.Fatalf("clean simulation without the manual flag should auto-execute")
	}
	if RequiresApproval(triggers, models.SimulationReport{Performed: false}) {
		t.Fatalf("skipped simulation without the manual flag should auto-execute")
	}
}

func TestProcessApproval_Approve(t *testing.T) {
	repo := memory.New()
	op := seedWaitingOp(t, repo)
	gate := New(repo, zap.NewNop())

	out, err := gate.ProcessApproval(context.Background(), op.ID, "bob", true, "")
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if out.Status != models.OpStatusExecuting {
		t.Fatalf("status=%s, want executing", out.Status)
	}
	stored, _ := repo.GetOperationByID(context.Background(), op.ID)
	record, _ := stored.ApprovalRecord()
	if !record.Approved || record.ApprovedBy != "bob" || record.ApprovedAt == nil {
		t.Fatalf("record=%+v", record)
	}
}

func TestProcessApproval_RejectCancels(t *testing.T) {
	repo := memory.New()
	op := seedWaitingOp(t, repo)
	gate := New(repo, zap.NewNop())

	out, err := gate.ProcessApproval(context.Background(), op.ID, "bob", false, "too risky")
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if out.Status != models.OpStatusCancelled {
		t.Fatalf("status=%s, want cancelled", out.Status)
	}
	stored, _ := repo.GetOperationByID(context.Background(), op.ID)
	record, _ := stored.ApprovalRecord()
	if record.Approved || record.RejectionReason != "too risky" || record.RejectedAt == nil {
		t.Fatalf("record=%+v", record)
	}
}

// brokenFieldsStore rejects any standalone field write, so only data carried
// by the status transition itself can be persisted.
type brokenFieldsStore struct {
	*memory.Store
}

func (s *brokenFieldsStore) UpdateOperationFields(context.Context, uint64, map[string]any) error {
	return errors.New("fields write unavailable")
}

func TestProcessApproval_RecordRidesTheTransition(t *testing.T) {
	base := memory.New()
	op := seedWaitingOp(t, base)
	gate := New(&brokenFieldsStore{Store: base}, zap.NewNop())

	out, err := gate.ProcessApproval(context.Background(), op.ID, "bob", true, "")
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if out.Status != models.OpStatusExecuting {
		t.Fatalf("status=%s, want executing", out.Status)
	}
	stored, _ := base.GetOperationByID(context.Background(), op.ID)
	record, _ := stored.ApprovalRecord()
	if !record.Approved || record.ApprovedBy != "bob" {
		t.Fatalf("approval record must land with the transition, got %+v", record)
	}
}

func TestProcessApproval_WrongStatusConflicts(t *testing.T) {
	repo := memory.New()
	op := &models.Operation{
		Reference:  "op-ref",
		StrategyID: 1,
		OwnerID:    "alice",
		Status:     models.OpStatusExecuting,
		Trigger:    models.OpTriggerThreshold,
	}
	if err := repo.CreateOperationIfNoneActive(context.Background(), op); err != nil {
		t.Fatalf("seed: %v", err)
	}
	gate := New(repo, zap.NewNop())
	if _, err := gate.ProcessApproval(context.Background(), op.ID, "bob", true, ""); !apperr.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestProcessApproval_NotFound(t *testing.T) {
	gate := New(memory.New(), zap.NewNop())
	if _, err := gate.ProcessApproval(context.Background(), 99, "bob", true, ""); err != apperr.ErrNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestApplyOverride_PreservesOriginalPlan(t *testing.T) {
	repo := memory.New()
	op := seedWaitingOp(t, repo)
	gate := New(repo, zap.NewNop())

	original := []models.Transaction{
		{OperationID: op.ID, Seq: 0, Type: models.TxTypeSwap, FromAsset: "USDC", ToAsset: "DOT",
			FromAmount: decimal.NewFromInt(1000), ToAmount: decimal.NewFromInt(1000), Status: models.TxStatusPending},
	}
	if err := repo.InsertTransactions(context.Background(), original); err != nil {
		t.Fatalf("seed plan: %v", err)
	}

	replacement := []models.Transaction{
		{Type: models.TxTypeSwap, FromAsset: "USDC", ToAsset: "ETH",
			FromAmount: decimal.NewFromInt(500), ToAmount: decimal.NewFromInt(500)},
	}
	out, err := gate.ApplyOverride(context.Background(), op.ID, "carol", "manual reroute", replacement)
	if err != nil {
		t.Fatalf("err=%v", err)
	}

	record, _ := out.OverrideRecord()
	if !record.Overridden || record.By != "carol" || record.Reason != "manual reroute" {
		t.Fatalf("record=%+v", record)
	}
	if len(record.OriginalPlan) != 1 || record.OriginalPlan[0].ToAsset != "DOT" {
		t.Fatalf("original plan not preserved: %+v", record.OriginalPlan)
	}

	steps, _ := repo.ListTransactionsByOperationID(context.Background(), op.ID)
	if len(steps) != 1 || steps[0].ToAsset != "ETH" || steps[0].Status != models.TxStatusPending {
		t.Fatalf("steps=%+v", steps)
	}
}

func TestApplyOverride_RequiresReason(t *testing.T) {
	repo := memory.New()
	op := seedWaitingOp(t, repo)
	gate := New(repo, zap.NewNop())
	if _, err := gate.ApplyOverride(context.Background(), op.ID, "carol", "", nil); !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
