// Package marketdata talks to the market/route data provider: current
// portfolio allocation values in USD and swap route quotes.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"rebalancer/internal/models"
)

type Client struct {
	host       string
	httpClient *http.Client
}

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("market data API error (%d): %s", e.Status, e.Body)
}

func NewClient(host string, timeout time.Duration) *Client {
	host = strings.TrimRight(host, "/")
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		host:       host,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) doRequest(ctx context.Context, path string, query url.Values) ([]byte, error) {
	fullURL := c.host + path
	if len(query) > 0 {
		fullURL = fullURL + "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

type portfolioResponse struct {
	TotalValueUSD decimal.Decimal `json:"total_value_usd"`
	Allocations   []struct {
		Scope     string          `json:"scope"`
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Pct       decimal.Decimal `json:"pct"`
		AmountUSD decimal.Decimal `json:"amount_usd"`
	} `json:"allocations"`
}

// CurrentAllocations returns the owner's observed allocation snapshot and
// total portfolio value in USD.
func (c *Client) CurrentAllocations(ctx context.Context, owner string) ([]models.AllocationSnapshot, decimal.Decimal, error) {
	if owner == "" {
		return nil, decimal.Zero, fmt.Errorf("owner is required")
	}
	query := url.Values{}
	query.Set("owner", owner)
	body, err := c.doRequest(ctx, "/portfolio/allocations", query)
	if err != nil {
		return nil, decimal.Zero, err
	}
	var parsed portfolioResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, decimal.Zero, fmt.Errorf("failed to parse portfolio response: %w", err)
	}
	out := make([]models.AllocationSnapshot, 0, len(parsed.Allocations))
	for _, a := range parsed.Allocations {
		out = append(out, models.AllocationSnapshot{
			Scope:     a.Scope,
			AssetID:   a.ID,
			Name:      a.Name,
			Pct:       a.Pct,
			AmountUSD: a.AmountUSD,
		})
	}
	return out, parsed.TotalValueUSD, nil
}

// RouteQuote is one candidate route for moving value between two holdings.
type RouteQuote struct {
	Venue               string          `json:"venue"`
	Path                []string        `json:"path"`
	ExpectedGasUSD      decimal.Decimal `json:"expected_gas_usd"`
	ExpectedSlippagePct decimal.Decimal `json:"expected_slippage_pct"`
	LiquidityUSD        decimal.Decimal `json:"liquidity_usd"`
	ExpectedOutUSD      decimal.Decimal `json:"expected_out_usd"`
}

type routesResponse struct {
	Routes []RouteQuote `json:"routes"`
}

// FindRoutes returns candidate routes for moving amountUSD of value from one
// holding to another, best quotes first as ranked by the provider.
func (c *Client) FindRoutes(ctx context.Context, fromAsset, toAsset string, amountUSD decimal.Decimal) ([]RouteQuote, error) {
	if fromAsset == "" || toAsset == "" {
		return nil, fmt.Errorf("from and to assets are required")
	}
	query := url.Values{}
	query.Set("from", fromAsset)
	query.Set("to", toAsset)
	query.Set("amount_usd", amountUSD.String())
	body, err := c.doRequest(ctx, "/routes", query)
	if err != nil {
		return nil, err
	}
	var parsed routesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse routes response: %w", err)
	}
	return parsed.Routes, nil
}
