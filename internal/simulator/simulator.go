// Package simulator dry-runs a transaction plan against its route quotes,
// estimating cost and risk without submitting anything.
package simulator

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rebalancer/internal/models"
)

// A step's expected slippage within this fraction of the cap is worth a
// warning even though it passes.
var slippageWarnFactor = decimal.NewFromFloat(0.8)

// Liquidity below this multiple of the step size is thin.
var liquidityWarnFactor = decimal.NewFromInt(5)

// Rough wall-clock estimate per submitted step.
const stepDurationSec = 30

type Simulator struct {
	Logger *zap.Logger
}

func New(logger *zap.Logger) *Simulator {
	return &Simulator{Logger: logger}
}

// Run checks every step for feasibility. The result is success when all
// steps are clean, partial when all are feasible but warnings exist, and
// failed when any step is infeasible.
func (s *Simulator) Run(ctx context.Context, steps []models.Transaction, exec models.ExecutionParams) models.SimulationReport {
	report := models.SimulationReport{Performed: true}
	if len(steps) == 0 {
		report.Result = models.SimResultFailed
		report.Errors = append(report.Errors, "plan contains no transactions")
		return report
	}

	totalGas := decimal.Zero
	maxSlippage := decimal.Zero
	for _, step := range steps {
		if ctx.Err() != nil {
			report.Result = models.SimResultFailed
			report.Errors = append(report.Errors, "simulation aborted: "+ctx.Err().Error())
			return report
		}

		route, err := step.RouteInfo()
		if err != nil || route.Venue == "" {
			report.Errors = append(report.Errors,
				fmt.Sprintf("step %d: no viable route from %s to %s", step.Seq, step.FromAsset, step.ToAsset))
			continue
		}

		if route.LiquidityUSD.IsPositive() {
			if route.LiquidityUSD.LessThan(step.FromAmount) {
				report.Errors = append(report.Errors,
					fmt.Sprintf("step %d: insufficient liquidity on %s (%s available, %s needed)",
						step.Seq, route.Venue, route.LiquidityUSD, step.FromAmount))
				continue
			}
			if route.LiquidityUSD.LessThan(step.FromAmount.Mul(liquidityWarnFactor)) {
				report.Warnings = append(report.Warnings,
					fmt.Sprintf("step %d: thin liquidity on %s", step.Seq, route.Venue))
			}
		}

		if exec.MaxSlippagePct.IsPositive() {
			if step.ExpectedSlippagePct.GreaterThan(exec.MaxSlippagePct) {
				report.Errors = append(report.Errors,
					fmt.Sprintf("step %d: expected slippage %s%% exceeds cap %s%%",
						step.Seq, step.ExpectedSlippagePct, exec.MaxSlippagePct))
				continue
			}
			if step.ExpectedSlippagePct.GreaterThanOrEqual(exec.MaxSlippagePct.Mul(slippageWarnFactor)) {
				report.Warnings = append(report.Warnings,
					fmt.Sprintf("step %d: expected slippage %s%% near cap", step.Seq, step.ExpectedSlippagePct))
			}
		}

		totalGas = totalGas.Add(route.ExpectedGasUSD)
		if step.ExpectedSlippagePct.GreaterThan(maxSlippage) {
			maxSlippage = step.ExpectedSlippagePct
		}
	}

	report.ExpectedGasCostUSD = totalGas
	report.ExpectedSlippagePct = maxSlippage
	report.EstimatedDurationSec = len(steps) * stepDurationSec

	switch {
	case len(report.Errors) > 0:
		report.Result = models.SimResultFailed
	case len(report.Warnings) > 0:
		report.Result = models.SimResultPartial
	default:
		report.Result = models.SimResultSuccess
	}

	if s != nil && s.Logger != nil {
		s.Logger.Debug("simulation finished",
			zap.String("result", report.Result),
			zap.Int("steps", len(steps)),
			zap.Int("warnings", len(report.Warnings)),
			zap.Int("errors", len(report.Errors)))
	}
	return report
}
