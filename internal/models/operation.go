package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Operation statuses. Terminal: completed, failed, cancelled, partial.
const (
	OpStatusPending         = "pending"
	OpStatusSimulating      = "simulating"
	OpStatusWaitingApproval = "waitingApproval"
	OpStatusExecuting       = "executing"
	OpStatusCompleted       = "completed"
	OpStatusFailed          = "failed"
	OpStatusCancelled       = "cancelled"
	OpStatusPartial         = "partial"
)

// How an operation came to exist.
const (
	OpTriggerScheduled = "scheduled"
	OpTriggerThreshold = "threshold"
	OpTriggerManual    = "manual"
)

// ActiveOpStatuses are the non-terminal statuses; at most one operation per
// strategy may be in any of them.
var ActiveOpStatuses = []string{
	OpStatusPending,
	OpStatusSimulating,
	OpStatusWaitingApproval,
	OpStatusExecuting,
}

func IsTerminalOpStatus(status string) bool {
	switch status {
	case OpStatusCompleted, OpStatusFailed, OpStatusCancelled, OpStatusPartial:
		return true
	}
	return false
}

// Simulation result values.
const (
	SimResultSuccess = "success"
	SimResultPartial = "partial"
	SimResultFailed  = "failed"
)

// SimulationReport is the dry-run cost/risk estimate recorded on an operation.
type SimulationReport struct {
	Performed            bool            `json:"performed"`
	Result               string          `json:"result,omitempty"`
	ExpectedGasCostUSD   decimal.Decimal `json:"expected_gas_cost_usd"`
	ExpectedSlippagePct  decimal.Decimal `json:"expected_slippage_pct"`
	EstimatedDurationSec int             `json:"estimated_duration_sec"`
	Warnings             []string        `json:"warnings,omitempty"`
	Errors               []string        `json:"errors,omitempty"`
}

type ApprovalRecord struct {
	Required        bool       `json:"required"`
	Approved        bool       `json:"approved"`
	ApprovedBy      string     `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
}

// OverrideRecord preserves the pre-override plan for audit.
type OverrideRecord struct {
	Overridden   bool           `json:"overridden"`
	By           string         `json:"by,omitempty"`
	At           *time.Time     `json:"at,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	OriginalPlan []PlannedStep  `json:"original_plan,omitempty"`
}

// PlannedStep is the audit-friendly shape of a transaction inside override
// and simulation documents.
type PlannedStep struct {
	Seq        int             `json:"seq"`
	Type       string          `json:"type"`
	FromAsset  string          `json:"from_asset"`
	ToAsset    string          `json:"to_asset"`
	FromAmount decimal.Decimal `json:"from_amount"`
	ToAmount   decimal.Decimal `json:"to_amount"`
}

type PerformanceRecord struct {
	PortfolioValueBeforeUSD decimal.Decimal `json:"portfolio_value_before_usd"`
	PortfolioValueAfterUSD  decimal.Decimal `json:"portfolio_value_after_usd"`
	TotalGasCostUSD         decimal.Decimal `json:"total_gas_cost_usd"`
	TotalSlippagePct        decimal.Decimal `json:"total_slippage_pct"`
	ExecutionTimeSec        float64         `json:"execution_time_sec"`
	SuccessRatePct          decimal.Decimal `json:"success_rate_pct"`
	EstimatedSavingsUSD     decimal.Decimal `json:"estimated_savings_usd"`
}

type NotificationRecord struct {
	EventType string    `json:"event_type"`
	Channels  []string  `json:"channels"`
	SentAt    time.Time `json:"sent_at"`
	Delivered bool      `json:"delivered"`
}

// Operation is one end-to-end rebalancing attempt and the audit of record.
// Its transaction steps live in the transactions table, ordered by seq.
type Operation struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	Reference  string `gorm:"type:varchar(40);uniqueIndex;not null"`
	StrategyID uint64 `gorm:"not null;index"`
	OwnerID    string `gorm:"type:varchar(100);not null;index"`

	Status  string `gorm:"type:varchar(20);not null;default:'pending';index"`
	Trigger string `gorm:"type:varchar(20);not null"`

	CurrentAllocation  datatypes.JSON `gorm:"type:jsonb"`
	TargetAllocation   datatypes.JSON `gorm:"type:jsonb"`
	AchievedAllocation datatypes.JSON `gorm:"type:jsonb"`

	Simulation    datatypes.JSON `gorm:"type:jsonb"`
	Approval      datatypes.JSON `gorm:"type:jsonb"`
	Override      datatypes.JSON `gorm:"type:jsonb"`
	Performance   datatypes.JSON `gorm:"type:jsonb"`
	Notifications datatypes.JSON `gorm:"type:jsonb"`

	PortfolioValueUSD decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`
	Error             *string         `gorm:"type:text"`

	StartedAt  *time.Time `gorm:"type:timestamptz"`
	FinishedAt *time.Time `gorm:"type:timestamptz;index"`
	CreatedAt  time.Time  `gorm:"type:timestamptz;autoCreateTime;index"`
	UpdatedAt  time.Time  `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Operation) TableName() string {
	return "operations"
}

func (o *Operation) SimulationReport() (SimulationReport, error) {
	var out SimulationReport
	err := decodeJSON(o.Simulation, &out)
	return out, err
}

func (o *Operation) ApprovalRecord() (ApprovalRecord, error) {
	var out ApprovalRecord
	err := decodeJSON(o.Approval, &out)
	return out, err
}

func (o *Operation) OverrideRecord() (OverrideRecord, error) {
	var out OverrideRecord
	err := decodeJSON(o.Override, &out)
	return out, err
}

func (o *Operation) PerformanceRecord() (PerformanceRecord, error) {
	var out PerformanceRecord
	err := decodeJSON(o.Performance, &out)
	return out, err
}

func (o *Operation) CurrentSnapshot() ([]AllocationSnapshot, error) {
	var out []AllocationSnapshot
	err := decodeJSON(o.CurrentAllocation, &out)
	return out, err
}

func (o *Operation) TargetSnapshot() ([]AllocationSnapshot, error) {
	var out []AllocationSnapshot
	err := decodeJSON(o.TargetAllocation, &out)
	return out, err
}

func (o *Operation) NotificationRecords() ([]NotificationRecord, error) {
	var out []NotificationRecord
	err := decodeJSON(o.Notifications, &out)
	return out, err
}
