package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rebalancer/internal/apperr"
	"rebalancer/internal/client/chain"
	"rebalancer/internal/client/marketdata"
	"rebalancer/internal/config"
	"rebalancer/internal/executor"
	"rebalancer/internal/models"
	"rebalancer/internal/notifier"
	"rebalancer/internal/planner"
	"rebalancer/internal/repository/memory"
	"rebalancer/internal/simulator"
)

func usd(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

type stubRoutes struct{}

func (stubRoutes) FindRoutes(_ context.Context, _, _ string, _ decimal.Decimal) ([]marketdata.RouteQuote, error) {
	return []marketdata.RouteQuote{
		{Venue: "dexA", ExpectedGasUSD: usd(2), ExpectedSlippagePct: usd(0.1), LiquidityUSD: usd(1000000)},
	}, nil
}

type happyChain struct{}

func (happyChain) Submit(_ context.Context, req chain.SubmitRequest) (chain.Receipt, error) {
	return chain.Receipt{TxRef: "tx-ok", Success: true, GasUSD: usd(1)}, nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []notifier.Event
}

func (d *recordingDispatcher) Dispatch(_ context.Context, event notifier.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *recordingDispatcher) types() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.events))
	for _, e := range d.events {
		out = append(out, e.EventType)
	}
	return out
}

func newRunner(repo *memory.Store, dispatch notifier.Dispatcher) *Runner {
	logger := zap.NewNop()
	exec := executor.New(repo, happyChain{}, nil, logger, time.Minute)
	return New(repo, planner.New(stubRoutes{}, logger), simulator.New(logger),
		exec, dispatch, logger, config.PipelineConfig{MaxConcurrent: 2})
}

func seedStrategy(t *testing.T, repo *memory.Store, triggers models.TriggerConfig) *models.Strategy {
	t.Helper()
	item := &models.Strategy{
		OwnerID: "alice",
		Name:    "sixty-forty",
		Status:  models.StrategyStatusActive,
		Type:    models.StrategyTypeThreshold,
		TargetAllocations: models.ToJSON([]models.AllocationTarget{
			{Scope: models.ScopeAsset, AssetID: "DOT", TargetPct: usd(60)},
			{Scope: models.ScopeAsset, AssetID: "USDC", TargetPct: usd(40)},
		}),
		Triggers:        models.ToJSON(triggers),
		ExecutionParams: models.ToJSON(models.ExecutionParams{MaxSlippagePct: usd(1)}),
	}
	if err := repo.InsertStrategy(context.Background(), item); err != nil {
		t.Fatalf("seed strategy: %v", err)
	}
	return item
}

func seedPendingOp(t *testing.T, repo *memory.Store, strategyID uint64, current []models.AllocationSnapshot) *models.Operation {
	t.Helper()
	op := &models.Operation{
		Reference:         "op-ref",
		StrategyID:        strategyID,
		OwnerID:           "alice",
		Status:            models.OpStatusPending,
		Trigger:           models.OpTriggerThreshold,
		CurrentAllocation: models.ToJSON(current),
		PortfolioValueUSD: usd(10000),
	}
	if err := repo.CreateOperationIfNoneActive(context.Background(), op); err != nil {
		t.Fatalf("seed op: %v", err)
	}
	return op
}

func driftedCurrent() []models.AllocationSnapshot {
	return []models.AllocationSnapshot{
		{Scope: models.ScopeAsset, AssetID: "DOT", Pct: usd(50), AmountUSD: usd(5000)},
		{Scope: models.ScopeAsset, AssetID: "USDC", Pct: usd(50), AmountUSD: usd(5000)},
	}
}

func TestDrive_FullAutoPath(t *testing.T) {
	repo := memory.New()
	strat := seedStrategy(t, repo, models.TriggerConfig{})
	op := seedPendingOp(t, repo, strat.ID, driftedCurrent())
	dispatch := &recordingDispatcher{}
	r := newRunner(repo, dispatch)

	out, err := r.Drive(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if out.Status != models.OpStatusCompleted {
		t.Fatalf("status=%s, want completed", out.Status)
	}

	sim, err := out.SimulationReport()
	if err != nil || !sim.Performed || sim.Result != models.SimResultSuccess {
		t.Fatalf("simulation=%+v err=%v", sim, err)
	}
	steps, _ := repo.ListTransactionsByOperationID(context.Background(), op.ID)
	if len(steps) == 0 {
		t.Fatalf("plan was not persisted")
	}
	for _, step := range steps {
		if step.Status != models.TxStatusCompleted {
			t.Fatalf("step=%+v", step)
		}
	}

	types := dispatch.types()
	if len(types) != 1 || types[0] != notifier.EventCompleted {
		t.Fatalf("events=%v, want a single completion event", types)
	}
	records, _ := out.NotificationRecords()
	if len(records) != 1 || !records[0].Delivered {
		t.Fatalf("records=%+v", records)
	}

	after, _ := repo.GetStrategyByID(context.Background(), strat.ID)
	if after.LastRebalanceAt == nil || after.LastRebalanceStatus == nil || *after.LastRebalanceStatus != models.OpStatusCompleted {
		t.Fatalf("strategy schedule not settled: %+v", after)
	}
}

func TestDrive_StopsAtApprovalGate(t *testing.T) {
	repo := memory.New()
	strat := seedStrategy(t, repo, models.TriggerConfig{ManualApprovalRequired: true})
	op := seedPendingOp(t, repo, strat.ID, driftedCurrent())
	dispatch := &recordingDispatcher{}
	r := newRunner(repo, dispatch)

	out, err := r.Drive(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if out.Status != models.OpStatusWaitingApproval {
		t.Fatalf("status=%s, want waitingApproval", out.Status)
	}
	record, _ := out.ApprovalRecord()
	if !record.Required || record.Approved {
		t.Fatalf("record=%+v", record)
	}
	steps, _ := repo.ListTransactionsByOperationID(context.Background(), op.ID)
	for _, step := range steps {
		if step.Status != models.TxStatusPending {
			t.Fatalf("no step may run before approval: %+v", step)
		}
	}
	types := dispatch.types()
	if len(types) != 1 || types[0] != notifier.EventAwaitingApproval {
		t.Fatalf("events=%v", types)
	}
}

func TestDrive_SkippedSimulationAutoExecutes(t *testing.T) {
	repo := memory.New()
	strat := seedStrategy(t, repo, models.TriggerConfig{SkipSimulation: true})
	op := seedPendingOp(t, repo, strat.ID, driftedCurrent())
	r := newRunner(repo, &recordingDispatcher{})

	out, err := r.Drive(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if out.Status != models.OpStatusCompleted {
		t.Fatalf("status=%s, want completed without a simulation phase", out.Status)
	}
	sim, _ := out.SimulationReport()
	if sim.Performed {
		t.Fatalf("simulation should have been skipped")
	}
}

func TestDrive_BalancedPortfolioFails(t *testing.T) {
	repo := memory.New()
	strat := seedStrategy(t, repo, models.TriggerConfig{})
	op := seedPendingOp(t, repo, strat.ID, []models.AllocationSnapshot{
		{Scope: models.ScopeAsset, AssetID: "DOT", Pct: usd(60), AmountUSD: usd(6000)},
		{Scope: models.ScopeAsset, AssetID: "USDC", Pct: usd(40), AmountUSD: usd(4000)},
	})
	dispatch := &recordingDispatcher{}
	r := newRunner(repo, dispatch)

	out, err := r.Drive(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if out.Status != models.OpStatusFailed {
		t.Fatalf("status=%s, want failed when there is nothing to move", out.Status)
	}
	if out.Error == nil || *out.Error == "" {
		t.Fatalf("failure reason missing")
	}
	types := dispatch.types()
	if len(types) != 1 || types[0] != notifier.EventFailed {
		t.Fatalf("events=%v", types)
	}
}

func TestDrive_TerminalStatusConflicts(t *testing.T) {
	repo := memory.New()
	op := &models.Operation{
		Reference:  "op-ref",
		StrategyID: 1,
		OwnerID:    "alice",
		Status:     models.OpStatusCompleted,
		Trigger:    models.OpTriggerManual,
	}
	if err := repo.CreateOperationIfNoneActive(context.Background(), op); err != nil {
		t.Fatalf("seed: %v", err)
	}
	r := newRunner(repo, &recordingDispatcher{})
	if _, err := r.Drive(context.Background(), op.ID); !apperr.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestDrive_NotFound(t *testing.T) {
	r := newRunner(memory.New(), &recordingDispatcher{})
	if _, err := r.Drive(context.Background(), 99); err != apperr.ErrNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestScanOnce_DrivesPendingOperation(t *testing.T) {
	repo := memory.New()
	strat := seedStrategy(t, repo, models.TriggerConfig{})
	op := seedPendingOp(t, repo, strat.ID, driftedCurrent())
	r := newRunner(repo, &recordingDispatcher{})

	r.ScanOnce(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for {
		stored, _ := repo.GetOperationByID(context.Background(), op.ID)
		if stored != nil && models.IsTerminalOpStatus(stored.Status) {
			if stored.Status != models.OpStatusCompleted {
				t.Fatalf("status=%s, want completed", stored.Status)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("operation never settled; last status=%s", stored.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStaleSweep_ReapsStuckSimulatingOperation(t *testing.T) {
	repo := memory.New()
	strat := seedStrategy(t, repo, models.TriggerConfig{})
	op := seedPendingOp(t, repo, strat.ID, driftedCurrent())
	// A crash after the pending->simulating transition strands the
	// operation with no worker ever claiming it again.
	if err := repo.UpdateOperationStatus(context.Background(), op.ID, models.OpStatusPending, models.OpStatusSimulating, nil); err != nil {
		t.Fatalf("move to simulating: %v", err)
	}

	cutoff := time.Now().UTC().Add(time.Minute)
	swept, err := repo.CancelStaleOperations(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept=%d, want the stuck operation reaped", swept)
	}
	stored, _ := repo.GetOperationByID(context.Background(), op.ID)
	if stored.Status != models.OpStatusCancelled {
		t.Fatalf("status=%s, want cancelled", stored.Status)
	}

	// The strategy is no longer blocked by the one-active rule.
	err = repo.CreateOperationIfNoneActive(context.Background(), &models.Operation{
		Reference:  "op-ref-2",
		StrategyID: strat.ID,
		OwnerID:    "alice",
		Status:     models.OpStatusPending,
		Trigger:    models.OpTriggerThreshold,
	})
	if err != nil {
		t.Fatalf("strategy still blocked after sweep: %v", err)
	}
}

func TestScanOnce_ResumesApprovedOperation(t *testing.T) {
	repo := memory.New()
	strat := seedStrategy(t, repo, models.TriggerConfig{})
	op := seedPendingOp(t, repo, strat.ID, driftedCurrent())
	// Pre-approved operation with a planned step, as left behind by the gate.
	if err := repo.InsertTransactions(context.Background(), []models.Transaction{{
		OperationID: op.ID,
		Seq:         0,
		Type:        models.TxTypeSwap,
		FromAsset:   "USDC",
		ToAsset:     "DOT",
		FromAmount:  usd(1000),
		ToAmount:    usd(1000),
		Status:      models.TxStatusPending,
	}}); err != nil {
		t.Fatalf("seed step: %v", err)
	}
	if err := repo.UpdateOperationStatus(context.Background(), op.ID, models.OpStatusPending, models.OpStatusExecuting, nil); err != nil {
		t.Fatalf("move to executing: %v", err)
	}

	r := newRunner(repo, &recordingDispatcher{})
	r.ScanOnce(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for {
		stored, _ := repo.GetOperationByID(context.Background(), op.ID)
		if stored != nil && models.IsTerminalOpStatus(stored.Status) {
			if stored.Status != models.OpStatusCompleted {
				t.Fatalf("status=%s, want completed", stored.Status)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("executing operation was not resumed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
