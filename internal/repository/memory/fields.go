package memory

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"rebalancer/internal/models"
)

func toJSONField(value any) datatypes.JSON {
	switch v := value.(type) {
	case datatypes.JSON:
		return v
	case []byte:
		return datatypes.JSON(v)
	default:
		return models.ToJSON(value)
	}
}

func applyTxUpdates(item *models.Transaction, updates map[string]any) {
	for key, value := range updates {
		switch key {
		case "tx_ref":
			if ref, ok := value.(string); ok {
				item.TxRef = &ref
			}
		case "gas_usd":
			if gas, ok := value.(decimal.Decimal); ok {
				item.GasUSD = &gas
			}
		case "actual_slippage_pct":
			if pct, ok := value.(decimal.Decimal); ok {
				item.ActualSlippagePct = &pct
			}
		case "error_code":
			if code, ok := value.(string); ok {
				item.ErrorCode = &code
			}
		case "error_message":
			if msg, ok := value.(string); ok {
				item.ErrorMessage = &msg
			}
		case "error_details":
			if details, ok := value.(string); ok {
				item.ErrorDetails = &details
			}
		case "executed_at":
			if ts, ok := value.(time.Time); ok {
				item.ExecutedAt = &ts
			}
		}
	}
}
