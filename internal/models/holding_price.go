package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// HoldingPrice is the latest streamed USD price for an asset on a chain.
// Written by the price stream service, read as a valuation freshness hint.
type HoldingPrice struct {
	ID      uint64 `gorm:"primaryKey;autoIncrement"`
	AssetID string `gorm:"type:varchar(100);not null;index:idx_holding_asset_chain,unique"`
	Chain   string `gorm:"type:varchar(50);not null;index:idx_holding_asset_chain,unique"`

	PriceUSD decimal.Decimal `gorm:"type:numeric(30,10);not null"`

	UpdatedAt time.Time `gorm:"type:timestamptz;not null;index"`
	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
}

func (HoldingPrice) TableName() string {
	return "holding_prices"
}
