package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Transaction step types.
const (
	TxTypeDeposit    = "deposit"
	TxTypeWithdrawal = "withdrawal"
	TxTypeSwap       = "swap"
	TxTypeTransfer   = "transfer"
	TxTypeLend       = "lend"
	TxTypeBorrow     = "borrow"
	TxTypeRepay      = "repay"
)

// Per-step statuses. A step only advances pending -> executing ->
// {completed|failed|cancelled}; it never reverses.
const (
	TxStatusPending   = "pending"
	TxStatusExecuting = "executing"
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
	TxStatusCancelled = "cancelled"
)

func IsTerminalTxStatus(status string) bool {
	switch status {
	case TxStatusCompleted, TxStatusFailed, TxStatusCancelled:
		return true
	}
	return false
}

// RouteInfo describes the venue path chosen for a step.
type RouteInfo struct {
	Venue          string          `json:"venue"`
	Path           []string        `json:"path,omitempty"`
	ExpectedGasUSD decimal.Decimal `json:"expected_gas_usd"`
	LiquidityUSD   decimal.Decimal `json:"liquidity_usd,omitempty"`
}

// Transaction is one step of an operation's plan. The plan is fixed-length
// once planning completes; each step's terminal result is persisted before
// the next step starts so an interrupted operation can be resumed.
type Transaction struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	OperationID uint64 `gorm:"not null;index:idx_tx_operation_seq,unique"`
	Seq         int    `gorm:"not null;index:idx_tx_operation_seq,unique"`

	Type   string `gorm:"type:varchar(20);not null"`
	Status string `gorm:"type:varchar(20);not null;default:'pending';index"`

	FromAsset    string `gorm:"type:varchar(100);not null"`
	FromChain    string `gorm:"type:varchar(50)"`
	FromProtocol string `gorm:"type:varchar(50)"`
	ToAsset      string `gorm:"type:varchar(100);not null"`
	ToChain      string `gorm:"type:varchar(50)"`
	ToProtocol   string `gorm:"type:varchar(50)"`

	FromAmount decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	ToAmount   decimal.Decimal `gorm:"type:numeric(30,10);not null"`

	TxRef  *string          `gorm:"type:varchar(120)"`
	GasUSD *decimal.Decimal `gorm:"type:numeric(30,10)"`
	Route  datatypes.JSON   `gorm:"type:jsonb"`

	ExpectedSlippagePct decimal.Decimal  `gorm:"type:numeric(20,10);not null;default:0"`
	ActualSlippagePct   *decimal.Decimal `gorm:"type:numeric(20,10)"`

	ErrorCode    *string `gorm:"type:varchar(50)"`
	ErrorMessage *string `gorm:"type:text"`
	ErrorDetails *string `gorm:"type:text"`

	ExecutedAt *time.Time `gorm:"type:timestamptz"`
	CreatedAt  time.Time  `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt  time.Time  `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Transaction) TableName() string {
	return "operation_transactions"
}

func (t *Transaction) RouteInfo() (RouteInfo, error) {
	var out RouteInfo
	err := decodeJSON(t.Route, &out)
	return out, err
}

func (t *Transaction) PlannedStep() PlannedStep {
	return PlannedStep{
		Seq:        t.Seq,
		Type:       t.Type,
		FromAsset:  t.FromAsset,
		ToAsset:    t.ToAsset,
		FromAmount: t.FromAmount,
		ToAmount:   t.ToAmount,
	}
}
