// Package performance rolls up settled operations into owner-level stats.
// Read-only; no side effects.
package performance

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"rebalancer/internal/models"
	"rebalancer/internal/repository"
)

var hundred = decimal.NewFromInt(100)

// Stats is the rollup over completed and partial operations in a window.
type Stats struct {
	TotalOperations          int             `json:"total_operations"`
	SuccessfulOperations     int             `json:"successful_operations"`
	SuccessRatePct           decimal.Decimal `json:"success_rate_pct"`
	TotalGasCostUSD          decimal.Decimal `json:"total_gas_cost_usd"`
	AvgGasCostUSD            decimal.Decimal `json:"avg_gas_cost_usd"`
	TotalValueImprovementUSD decimal.Decimal `json:"total_value_improvement_usd"`
	AvgValueImprovementUSD   decimal.Decimal `json:"avg_value_improvement_usd"`
	TotalSlippagePct         decimal.Decimal `json:"total_slippage_pct"`
	AvgSlippagePct           decimal.Decimal `json:"avg_slippage_pct"`
}

type Aggregator struct {
	Repo repository.PerformanceRepository
}

func New(repo repository.PerformanceRepository) *Aggregator {
	return &Aggregator{Repo: repo}
}

func (a *Aggregator) Stats(ctx context.Context, owner string, windowDays int) (Stats, error) {
	var since time.Time
	if windowDays > 0 {
		since = time.Now().UTC().AddDate(0, 0, -windowDays)
	}
	ops, err := a.Repo.ListSettledOperations(ctx, owner, since)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{TotalOperations: len(ops)}
	if len(ops) == 0 {
		return stats, nil
	}

	for i := range ops {
		op := &ops[i]
		if op.Status == models.OpStatusCompleted {
			stats.SuccessfulOperations++
		}
		perf, err := op.PerformanceRecord()
		if err != nil {
			continue
		}
		stats.TotalGasCostUSD = stats.TotalGasCostUSD.Add(perf.TotalGasCostUSD)
		stats.TotalSlippagePct = stats.TotalSlippagePct.Add(perf.TotalSlippagePct)
		improvement := perf.PortfolioValueAfterUSD.Sub(perf.PortfolioValueBeforeUSD)
		stats.TotalValueImprovementUSD = stats.TotalValueImprovementUSD.Add(improvement)
	}

	count := decimal.NewFromInt(int64(len(ops)))
	stats.SuccessRatePct = decimal.NewFromInt(int64(stats.SuccessfulOperations)).Div(count).Mul(hundred)
	stats.AvgGasCostUSD = stats.TotalGasCostUSD.Div(count)
	stats.AvgValueImprovementUSD = stats.TotalValueImprovementUSD.Div(count)
	stats.AvgSlippagePct = stats.TotalSlippagePct.Div(count)
	return stats, nil
}
