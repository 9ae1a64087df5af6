package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rebalancer/internal/apperr"
	"rebalancer/internal/client/chain"
	"rebalancer/internal/models"
	"rebalancer/internal/repository/memory"
)

func usd(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// scriptedChain returns a canned receipt per step sequence and records what
// was actually submitted.
type scriptedChain struct {
	receipts  map[int]chain.Receipt
	submitErr map[int]error
	submitted []int
}

func (c *scriptedChain) Submit(_ context.Context, req chain.SubmitRequest) (chain.Receipt, error) {
	c.submitted = append(c.submitted, req.Seq)
	if err := c.submitErr[req.Seq]; err != nil {
		return chain.Receipt{}, err
	}
	return c.receipts[req.Seq], nil
}

type stubAlloc struct {
	snapshot []models.AllocationSnapshot
	total    decimal.Decimal
}

func (a *stubAlloc) CurrentAllocations(_ context.Context, _ string) ([]models.AllocationSnapshot, decimal.Decimal, error) {
	return a.snapshot, a.total, nil
}

func okReceipt(ref string, gas float64) chain.Receipt {
	return chain.Receipt{TxRef: ref, Success: true, GasUSD: usd(gas)}
}

func failReceipt(code, reason string) chain.Receipt {
	return chain.Receipt{Success: false, FailureCode: code, FailureReason: reason}
}

func seedExecutingOp(t *testing.T, repo *memory.Store, stepCount int) *models.Operation {
	t.Helper()
	started := time.Now().UTC().Add(-time.Minute)
	op := &models.Operation{
		Reference:         "op-ref",
		StrategyID:        1,
		OwnerID:           "alice",
		Status:            models.OpStatusExecuting,
		Trigger:           models.OpTriggerThreshold,
		PortfolioValueUSD: usd(10000),
		StartedAt:         &started,
	}
	if err := repo.CreateOperationIfNoneActive(context.Background(), op); err != nil {
		t.Fatalf("seed op: %v", err)
	}
	steps := make([]models.Transaction, 0, stepCount)
	for i := 0; i < stepCount; i++ {
		steps = append(steps, models.Transaction{
			OperationID: op.ID,
			Seq:         i,
			Type:        models.TxTypeSwap,
			FromAsset:   "USDC",
			ToAsset:     "DOT",
			FromAmount:  usd(1000),
			ToAmount:    usd(1000),
			Status:      models.TxStatusPending,
		})
	}
	if err := repo.InsertTransactions(context.Background(), steps); err != nil {
		t.Fatalf("seed steps: %v", err)
	}
	return op
}

func newExecutor(repo *memory.Store, c chain.Executor, alloc AllocationSource) *Executor {
	return New(repo, c, alloc, zap.NewNop(), time.Minute)
}

func TestExecute_AllStepsComplete(t *testing.T) {
	repo := memory.New()
	op := seedExecutingOp(t, repo, 2)
	c := &scriptedChain{receipts: map[int]chain.Receipt{
		0: okReceipt("tx-0", 2),
		1: okReceipt("tx-1", 3),
	}}
	alloc := &stubAlloc{
		snapshot: []models.AllocationSnapshot{{Scope: models.ScopeAsset, AssetID: "DOT", Pct: usd(60)}},
		total:    usd(10100),
	}
	e := newExecutor(repo, c, alloc)

	if err := e.Execute(context.Background(), op); err != nil {
		t.Fatalf("err=%v", err)
	}
	if op.Status != models.OpStatusCompleted {
		t.Fatalf("status=%s, want completed", op.Status)
	}

	stored, _ := repo.GetOperationByID(context.Background(), op.ID)
	perf, err := stored.PerformanceRecord()
	if err != nil {
		t.Fatalf("performance: %v", err)
	}
	if !perf.TotalGasCostUSD.Equal(usd(5)) {
		t.Fatalf("gas=%s, want 5", perf.TotalGasCostUSD)
	}
	if !perf.SuccessRatePct.Equal(usd(100)) {
		t.Fatalf("success rate=%s, want 100", perf.SuccessRatePct)
	}
	if !perf.PortfolioValueAfterUSD.Equal(usd(10100)) {
		t.Fatalf("after value=%s, want snapshot total", perf.PortfolioValueAfterUSD)
	}
	if len(stored.AchievedAllocation) == 0 {
		t.Fatalf("achieved allocation not recorded")
	}

	steps, _ := repo.ListTransactionsByOperationID(context.Background(), op.ID)
	for _, step := range steps {
		if step.Status != models.TxStatusCompleted || step.TxRef == nil {
			t.Fatalf("step=%+v", step)
		}
	}
}

func TestExecute_MidPlanFailureIsPartial(t *testing.T) {
	repo := memory.New()
	op := seedExecutingOp(t, repo, 3)
	c := &scriptedChain{receipts: map[int]chain.Receipt{
		0: okReceipt("tx-0", 2),
		1: failReceipt("slippage_exceeded", "fill outside tolerance"),
	}}
	e := newExecutor(repo, c, nil)

	if err := e.Execute(context.Background(), op); err != nil {
		t.Fatalf("err=%v", err)
	}
	if op.Status != models.OpStatusPartial {
		t.Fatalf("status=%s, want partial", op.Status)
	}
	if len(c.submitted) != 2 {
		t.Fatalf("submitted=%v, step after the failure must never be attempted", c.submitted)
	}

	steps, _ := repo.ListTransactionsByOperationID(context.Background(), op.ID)
	if steps[0].Status != models.TxStatusCompleted {
		t.Fatalf("step0=%s", steps[0].Status)
	}
	if steps[1].Status != models.TxStatusFailed || steps[1].ErrorCode == nil || *steps[1].ErrorCode != "slippage_exceeded" {
		t.Fatalf("step1=%+v", steps[1])
	}
	if steps[2].Status != models.TxStatusPending {
		t.Fatalf("step2=%s, want pending", steps[2].Status)
	}

	stored, _ := repo.GetOperationByID(context.Background(), op.ID)
	if stored.Error == nil || *stored.Error == "" {
		t.Fatalf("partial operation must carry an error summary")
	}
	perf, _ := stored.PerformanceRecord()
	want := usd(100).Div(decimal.NewFromInt(3))
	if perf.SuccessRatePct.Sub(want).Abs().GreaterThan(usd(0.01)) {
		t.Fatalf("success rate=%s, want about %s", perf.SuccessRatePct, want)
	}
}

func TestExecute_AllStepsFail(t *testing.T) {
	repo := memory.New()
	op := seedExecutingOp(t, repo, 2)
	c := &scriptedChain{receipts: map[int]chain.Receipt{
		0: failReceipt("reverted", "execution reverted"),
	}}
	e := newExecutor(repo, c, nil)

	if err := e.Execute(context.Background(), op); err != nil {
		t.Fatalf("err=%v", err)
	}
	if op.Status != models.OpStatusFailed {
		t.Fatalf("status=%s, want failed", op.Status)
	}
	if len(c.submitted) != 1 {
		t.Fatalf("submitted=%v, want the first step only", c.submitted)
	}
}

func TestExecute_SubmitErrorFailsStep(t *testing.T) {
	repo := memory.New()
	op := seedExecutingOp(t, repo, 1)
	c := &scriptedChain{submitErr: map[int]error{0: errors.New("executor unreachable")}}
	e := newExecutor(repo, c, nil)

	if err := e.Execute(context.Background(), op); err != nil {
		t.Fatalf("err=%v", err)
	}
	if op.Status != models.OpStatusFailed {
		t.Fatalf("status=%s, want failed", op.Status)
	}
	steps, _ := repo.ListTransactionsByOperationID(context.Background(), op.ID)
	if steps[0].ErrorCode == nil || *steps[0].ErrorCode != "submit_error" {
		t.Fatalf("step=%+v", steps[0])
	}
}

func TestExecute_ResumeSkipsSettledSteps(t *testing.T) {
	repo := memory.New()
	op := seedExecutingOp(t, repo, 2)
	steps, _ := repo.ListTransactionsByOperationID(context.Background(), op.ID)
	err := repo.UpdateTransactionStatus(context.Background(), steps[0].ID,
		models.TxStatusPending, models.TxStatusCompleted, map[string]any{"gas_usd": usd(2)})
	if err != nil {
		t.Fatalf("seed settled step: %v", err)
	}

	c := &scriptedChain{receipts: map[int]chain.Receipt{1: okReceipt("tx-1", 3)}}
	e := newExecutor(repo, c, nil)
	if err := e.Execute(context.Background(), op); err != nil {
		t.Fatalf("err=%v", err)
	}
	if op.Status != models.OpStatusCompleted {
		t.Fatalf("status=%s, want completed", op.Status)
	}
	if len(c.submitted) != 1 || c.submitted[0] != 1 {
		t.Fatalf("submitted=%v, settled step must not be resubmitted", c.submitted)
	}
}

func TestExecute_RejectsNonExecutingOperation(t *testing.T) {
	repo := memory.New()
	op := &models.Operation{
		Reference:  "op-ref",
		StrategyID: 1,
		OwnerID:    "alice",
		Status:     models.OpStatusPending,
		Trigger:    models.OpTriggerThreshold,
	}
	if err := repo.CreateOperationIfNoneActive(context.Background(), op); err != nil {
		t.Fatalf("seed: %v", err)
	}
	e := newExecutor(repo, &scriptedChain{}, nil)
	if err := e.Execute(context.Background(), op); !apperr.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestExecute_SettledOperationStaysSettled(t *testing.T) {
	repo := memory.New()
	op := seedExecutingOp(t, repo, 1)
	c := &scriptedChain{receipts: map[int]chain.Receipt{0: okReceipt("tx-0", 2)}}
	e := newExecutor(repo, c, nil)

	if err := e.Execute(context.Background(), op); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := e.Execute(context.Background(), op); !apperr.IsConflict(err) {
		t.Fatalf("second run on settled operation: %v, want conflict", err)
	}
	if err := repo.UpdateOperationStatus(context.Background(), op.ID, models.OpStatusCompleted, models.OpStatusExecuting, nil); !apperr.IsConflict(err) {
		t.Fatalf("terminal status must be immutable, got %v", err)
	}
}

func TestExecute_EmptyPlanFailsWithReason(t *testing.T) {
	repo := memory.New()
	op := seedExecutingOp(t, repo, 0)
	c := &scriptedChain{}
	e := newExecutor(repo, c, nil)

	if err := e.Execute(context.Background(), op); err != nil {
		t.Fatalf("err=%v", err)
	}
	if op.Status != models.OpStatusFailed {
		t.Fatalf("status=%s, want failed", op.Status)
	}
	if len(c.submitted) != 0 {
		t.Fatalf("submitted=%v, nothing should reach the chain", c.submitted)
	}
	stored, _ := repo.GetOperationByID(context.Background(), op.ID)
	if stored.Error == nil || *stored.Error != "no transaction steps to execute" {
		t.Fatalf("error=%v, want an explicit empty-plan reason", stored.Error)
	}
	// No phantom step counts: the performance block is absent entirely.
	if len(stored.Performance) != 0 {
		t.Fatalf("performance=%s, want none for an empty plan", stored.Performance)
	}
}

func TestExecute_SavingsFromSimulation(t *testing.T) {
	repo := memory.New()
	op := seedExecutingOp(t, repo, 1)
	err := repo.UpdateOperationFields(context.Background(), op.ID, map[string]any{
		"simulation": models.ToJSON(models.SimulationReport{
			Performed:          true,
			Result:             models.SimResultSuccess,
			ExpectedGasCostUSD: usd(10),
		}),
	})
	if err != nil {
		t.Fatalf("seed simulation: %v", err)
	}
	fresh, _ := repo.GetOperationByID(context.Background(), op.ID)

	c := &scriptedChain{receipts: map[int]chain.Receipt{0: okReceipt("tx-0", 4)}}
	e := newExecutor(repo, c, nil)
	if err := e.Execute(context.Background(), fresh); err != nil {
		t.Fatalf("err=%v", err)
	}

	stored, _ := repo.GetOperationByID(context.Background(), op.ID)
	perf, _ := stored.PerformanceRecord()
	if !perf.EstimatedSavingsUSD.Equal(usd(6)) {
		t.Fatalf("savings=%s, want 6", perf.EstimatedSavingsUSD)
	}
}
