package models

import (
	"encoding/json"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Allocation scope values.
const (
	ScopeAsset    = "asset"
	ScopeProtocol = "protocol"
	ScopeChain    = "chain"
)

// AllocationTarget is one entry of a strategy's declared target allocation.
type AllocationTarget struct {
	Scope     string           `json:"scope"`
	AssetID   string           `json:"id"`
	Name      string           `json:"name"`
	TargetPct decimal.Decimal  `json:"target_pct"`
	MinPct    *decimal.Decimal `json:"min_pct,omitempty"`
	MaxPct    *decimal.Decimal `json:"max_pct,omitempty"`
}

// AllocationSnapshot is an observed allocation entry with its USD value.
type AllocationSnapshot struct {
	Scope     string          `json:"scope"`
	AssetID   string          `json:"id"`
	Name      string          `json:"name"`
	Pct       decimal.Decimal `json:"pct"`
	AmountUSD decimal.Decimal `json:"amount_usd"`
}

// TriggerConfig controls when the scheduler opens a new operation. Every
// plan is simulated before execution unless SkipSimulation opts out, so the
// zero-value config gets the safe behavior.
type TriggerConfig struct {
	DeviationThresholdPct     decimal.Decimal `json:"deviation_threshold_pct"`
	Schedule                  string          `json:"schedule"`
	CustomScheduleExpr        string          `json:"custom_schedule_expr,omitempty"`
	ManualApprovalRequired    bool            `json:"manual_approval_required"`
	MinHoursBetweenRebalances int             `json:"min_hours_between_rebalances"`
	SkipSimulation            bool            `json:"skip_simulation"`
}

// ExecutionParams bounds what a single operation is allowed to move.
type ExecutionParams struct {
	MaxSlippagePct     decimal.Decimal  `json:"max_slippage_pct"`
	MaxGasPriceGwei    *decimal.Decimal `json:"max_gas_price_gwei,omitempty"`
	TargetGasPriceGwei *decimal.Decimal `json:"target_gas_price_gwei,omitempty"`
	GasMode            string           `json:"gas_mode"`
	MaxRebalancePct    decimal.Decimal  `json:"max_rebalance_pct"`
}

// Optimization targets for route selection.
const (
	OptimizeMinimizeGas     = "minimizeGas"
	OptimizeMaximizeReturns = "maximizeReturns"
	OptimizeBalanced        = "balanced"
)

type CustomRoute struct {
	FromAsset string `json:"from_asset"`
	ToAsset   string `json:"to_asset"`
	Venue     string `json:"venue"`
}

type AdvancedParams struct {
	UseFlashLoans      bool          `json:"use_flash_loans"`
	OptimizationTarget string        `json:"optimization_target"`
	MaxTransactions    int           `json:"max_transactions"`
	CustomRoutes       []CustomRoute `json:"custom_routes,omitempty"`
}

// ToJSON marshals v into a jsonb column value. Marshal failures collapse to
// an empty object so a bad document never blocks a row write.
func ToJSON(v any) datatypes.JSON {
	raw, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON([]byte(`{}`))
	}
	return datatypes.JSON(raw)
}

func decodeJSON(raw datatypes.JSON, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
