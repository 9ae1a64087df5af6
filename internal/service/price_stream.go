package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"rebalancer/internal/config"
	"rebalancer/internal/models"
	"rebalancer/internal/repository"
)

// PriceStreamService keeps holding valuations fresh by consuming the market
// data provider's price feed and upserting one row per asset/chain. The
// feed is advisory; the engine still fetches authoritative snapshots over
// REST when it opens an operation.
type PriceStreamService struct {
	Repo   repository.PriceRepository
	Logger *zap.Logger
}

type priceSubscribeRequest struct {
	Type      string `json:"type"`
	MaxAssets int    `json:"max_assets,omitempty"`
}

type priceEnvelope struct {
	EventType string          `json:"event_type"`
	AssetID   string          `json:"asset_id"`
	Chain     string          `json:"chain"`
	PriceUSD  decimal.Decimal `json:"price_usd"`
}

// RunPriceStream connects, consumes until the connection drops, then
// reconnects with capped backoff until the context is cancelled.
func (s *PriceStreamService) RunPriceStream(ctx context.Context, cfg config.PriceStreamConfig) error {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil
	}
	if s.Logger != nil {
		s.Logger.Info("price stream starting", zap.String("url", cfg.URL))
	}

	backoff := time.Second
	const backoffMax = 30 * time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := s.consume(ctx, cfg)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.Logger != nil {
			s.Logger.Warn("price stream disconnected", zap.Error(err), zap.Duration("backoff", backoff))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

func (s *PriceStreamService) consume(ctx context.Context, cfg config.PriceStreamConfig) error {
	conn, _, err := websocket.Dial(ctx, cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	conn.SetReadLimit(1 << 20)

	sub := priceSubscribeRequest{Type: "prices", MaxAssets: cfg.MaxAssets}
	payload, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return err
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var env priceEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		s.handlePrice(ctx, env)
	}
}

func (s *PriceStreamService) handlePrice(ctx context.Context, env priceEnvelope) {
	if s == nil || s.Repo == nil {
		return
	}
	assetID := strings.TrimSpace(env.AssetID)
	if assetID == "" || !env.PriceUSD.IsPositive() {
		return
	}
	err := s.Repo.UpsertHoldingPrice(ctx, &models.HoldingPrice{
		AssetID:   assetID,
		Chain:     strings.TrimSpace(env.Chain),
		PriceUSD:  env.PriceUSD,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil && s.Logger != nil {
		s.Logger.Warn("holding price upsert failed", zap.String("asset_id", assetID), zap.Error(err))
	}
}
