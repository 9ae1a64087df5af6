// Package chain wraps the external Chain Executor: the collaborator that
// signs and broadcasts transactions. The engine only sees submit-and-receipt.
package chain

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"rebalancer/internal/config"
)

// SubmitRequest describes one transaction step to broadcast.
type SubmitRequest struct {
	OperationRef string          `json:"operation_ref"`
	Seq          int             `json:"seq"`
	Type         string          `json:"type"`
	FromAsset    string          `json:"from_asset"`
	FromChain    string          `json:"from_chain,omitempty"`
	FromProtocol string          `json:"from_protocol,omitempty"`
	ToAsset      string          `json:"to_asset"`
	ToChain      string          `json:"to_chain,omitempty"`
	ToProtocol   string          `json:"to_protocol,omitempty"`
	FromAmount   decimal.Decimal `json:"from_amount"`
	ToAmount     decimal.Decimal `json:"to_amount"`
	Venue        string          `json:"venue,omitempty"`
	MaxSlippage  decimal.Decimal `json:"max_slippage_pct"`
}

// Receipt is the executor's settlement of one submitted step.
type Receipt struct {
	TxRef             string           `json:"tx_ref"`
	Success           bool             `json:"success"`
	GasUSD            decimal.Decimal  `json:"gas_usd"`
	ActualSlippagePct *decimal.Decimal `json:"actual_slippage_pct,omitempty"`
	FailureCode       string           `json:"failure_code,omitempty"`
	FailureReason     string           `json:"failure_reason,omitempty"`
}

// Executor submits one transaction and waits for its receipt. A non-nil
// error means the submission itself could not be delivered; a receipt with
// Success=false is a settled on-chain failure.
type Executor interface {
	Submit(ctx context.Context, req SubmitRequest) (Receipt, error)
}

type Client struct {
	http *resty.Client
}

func NewClient(cfg config.ChainExecutorConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		c.SetHeader("X-API-Key", cfg.APIKey)
	}
	return &Client{http: c}
}

func (c *Client) Submit(ctx context.Context, req SubmitRequest) (Receipt, error) {
	var receipt Receipt
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&receipt).
		Post("/transactions")
	if err != nil {
		return Receipt{}, errors.Wrap(err, "submit transaction")
	}
	if resp.StatusCode() != http.StatusOK {
		return Receipt{}, errors.Errorf("chain executor returned %d: %s", resp.StatusCode(), resp.String())
	}
	return receipt, nil
}

// DryRun is the no-broadcast executor used in dry-run deployments: every
// step settles successfully with a synthetic reference and zero gas.
type DryRun struct{}

func (DryRun) Submit(_ context.Context, req SubmitRequest) (Receipt, error) {
	slippage := decimal.Zero
	return Receipt{
		TxRef:             fmt.Sprintf("dryrun-%s", uuid.NewString()),
		Success:           true,
		GasUSD:            decimal.Zero,
		ActualSlippagePct: &slippage,
	}, nil
}
