package performance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"rebalancer/internal/models"
	"rebalancer/internal/repository/memory"
)

func usd(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func seedSettledOp(t *testing.T, repo *memory.Store, owner, status string, finishedAgo time.Duration, perf models.PerformanceRecord) {
	t.Helper()
	finished := time.Now().UTC().Add(-finishedAgo)
	op := &models.Operation{
		Reference:   fmt.Sprintf("op-%s-%d", status, finished.UnixNano()),
		StrategyID:  uint64(finished.UnixNano()),
		OwnerID:     owner,
		Status:      status,
		Trigger:     models.OpTriggerThreshold,
		Performance: models.ToJSON(perf),
		FinishedAt:  &finished,
	}
	if err := repo.CreateOperationIfNoneActive(context.Background(), op); err != nil {
		t.Fatalf("seed op: %v", err)
	}
}

func TestStats_RollsUpWindow(t *testing.T) {
	repo := memory.New()
	seedSettledOp(t, repo, "alice", models.OpStatusCompleted, time.Hour, models.PerformanceRecord{
		PortfolioValueBeforeUSD: usd(10000),
		PortfolioValueAfterUSD:  usd(10100),
		TotalGasCostUSD:         usd(4),
		TotalSlippagePct:        usd(0.2),
	})
	seedSettledOp(t, repo, "alice", models.OpStatusPartial, 2*time.Hour, models.PerformanceRecord{
		PortfolioValueBeforeUSD: usd(10100),
		PortfolioValueAfterUSD:  usd(10080),
		TotalGasCostUSD:         usd(6),
		TotalSlippagePct:        usd(0.4),
	})

	stats, err := New(repo).Stats(context.Background(), "alice", 30)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if stats.TotalOperations != 2 || stats.SuccessfulOperations != 1 {
		t.Fatalf("stats=%+v", stats)
	}
	if !stats.SuccessRatePct.Equal(usd(50)) {
		t.Fatalf("success rate=%s, want 50", stats.SuccessRatePct)
	}
	if !stats.TotalGasCostUSD.Equal(usd(10)) || !stats.AvgGasCostUSD.Equal(usd(5)) {
		t.Fatalf("gas=%s avg=%s", stats.TotalGasCostUSD, stats.AvgGasCostUSD)
	}
	// +100 then -20 across the two operations.
	if !stats.TotalValueImprovementUSD.Equal(usd(80)) {
		t.Fatalf("improvement=%s, want 80", stats.TotalValueImprovementUSD)
	}
	if !stats.AvgValueImprovementUSD.Equal(usd(40)) {
		t.Fatalf("avg improvement=%s, want 40", stats.AvgValueImprovementUSD)
	}
	if !stats.AvgSlippagePct.Equal(usd(0.3)) {
		t.Fatalf("avg slippage=%s, want 0.3", stats.AvgSlippagePct)
	}
}

func TestStats_WindowExcludesOldOperations(t *testing.T) {
	repo := memory.New()
	seedSettledOp(t, repo, "alice", models.OpStatusCompleted, time.Hour, models.PerformanceRecord{
		TotalGasCostUSD: usd(4),
	})
	seedSettledOp(t, repo, "alice", models.OpStatusCompleted, 40*24*time.Hour, models.PerformanceRecord{
		TotalGasCostUSD: usd(100),
	})

	stats, err := New(repo).Stats(context.Background(), "alice", 30)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if stats.TotalOperations != 1 {
		t.Fatalf("total=%d, want the old operation excluded", stats.TotalOperations)
	}
	if !stats.TotalGasCostUSD.Equal(usd(4)) {
		t.Fatalf("gas=%s", stats.TotalGasCostUSD)
	}
}

func TestStats_ScopedToOwner(t *testing.T) {
	repo := memory.New()
	seedSettledOp(t, repo, "alice", models.OpStatusCompleted, time.Hour, models.PerformanceRecord{})
	seedSettledOp(t, repo, "bob", models.OpStatusCompleted, time.Hour, models.PerformanceRecord{})

	stats, err := New(repo).Stats(context.Background(), "alice", 30)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if stats.TotalOperations != 1 {
		t.Fatalf("total=%d, want 1", stats.TotalOperations)
	}
}

func TestStats_EmptyWindow(t *testing.T) {
	stats, err := New(memory.New()).Stats(context.Background(), "alice", 30)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if stats.TotalOperations != 0 {
		t.Fatalf("stats=%+v", stats)
	}
	if !stats.SuccessRatePct.IsZero() || !stats.AvgGasCostUSD.IsZero() {
		t.Fatalf("zero-operation window must report zero rates: %+v", stats)
	}
}
