// Package planner turns allocation drift into an ordered transaction plan.
// The plan is bounded by the strategy's execution params and fixed once
// built; the simulator and executor consume it as-is.
package planner

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rebalancer/internal/client/marketdata"
	"rebalancer/internal/models"
)

var (
	hundred = decimal.NewFromInt(100)
	// Moves below this many USD are dust and dropped from the plan.
	minMoveUSD = decimal.NewFromInt(1)
)

// RouteProvider quotes candidate routes for a value move.
type RouteProvider interface {
	FindRoutes(ctx context.Context, fromAsset, toAsset string, amountUSD decimal.Decimal) ([]marketdata.RouteQuote, error)
}

type Builder struct {
	Routes RouteProvider
	Logger *zap.Logger
}

func New(routes RouteProvider, logger *zap.Logger) *Builder {
	return &Builder{Routes: routes, Logger: logger}
}

// BuildInput is everything the builder needs: where the portfolio is, where
// it should be, and what the strategy allows a single operation to do.
type BuildInput struct {
	Targets       []models.AllocationTarget
	Current       []models.AllocationSnapshot
	TotalValueUSD decimal.Decimal
	Exec          models.ExecutionParams
	Advanced      models.AdvancedParams
}

type leg struct {
	scope     string
	assetID   string
	chain     string
	protocol  string
	amountUSD decimal.Decimal
}

// Build computes over/underweight legs, caps the moved value at
// maxRebalancePct of the portfolio, pairs the largest excesses with the
// largest deficits, and quotes a route for each pairing. Steps are ordered
// so value-freeing legs (protocol withdrawals) run before the legs that
// consume their output.
func (b *Builder) Build(ctx context.Context, in BuildInput) ([]models.Transaction, error) {
	if in.TotalValueUSD.IsZero() || in.TotalValueUSD.IsNegative() {
		return nil, errors.New("portfolio has no value to rebalance")
	}

	sources, sinks := splitLegs(in.Targets, in.Current, in.TotalValueUSD)
	if len(sources) == 0 || len(sinks) == 0 {
		return nil, nil
	}

	scaleToBudget(sources, sinks, in.Exec.MaxRebalancePct, in.TotalValueUSD)

	pairs := pairLegs(sources, sinks)
	if in.Advanced.MaxTransactions > 0 && len(pairs) > in.Advanced.MaxTransactions {
		sort.SliceStable(pairs, func(i, j int) bool {
			return pairs[i].amountUSD.GreaterThan(pairs[j].amountUSD)
		})
		pairs = pairs[:in.Advanced.MaxTransactions]
	}

	steps := make([]models.Transaction, 0, len(pairs))
	for _, p := range pairs {
		step := models.Transaction{
			Type:         stepType(p.from, p.to),
			Status:       models.TxStatusPending,
			FromAsset:    p.from.assetID,
			FromChain:    p.from.chain,
			FromProtocol: p.from.protocol,
			ToAsset:      p.to.assetID,
			ToChain:      p.to.chain,
			ToProtocol:   p.to.protocol,
			FromAmount:   p.amountUSD,
			ToAmount:     p.amountUSD,
		}
		route, ok := b.selectRoute(ctx, p, in)
		if ok {
			step.Route = models.ToJSON(models.RouteInfo{
				Venue:          route.Venue,
				Path:           route.Path,
				ExpectedGasUSD: route.ExpectedGasUSD,
				LiquidityUSD:   route.LiquidityUSD,
			})
			step.ExpectedSlippagePct = route.ExpectedSlippagePct
			step.ToAmount = route.ExpectedOutUSD
			if step.ToAmount.IsZero() {
				step.ToAmount = p.amountUSD
			}
		}
		steps = append(steps, step)
	}

	orderSteps(steps)
	for i := range steps {
		steps[i].Seq = i
	}
	return steps, nil
}

// splitLegs converts drift into overweight sources and underweight sinks,
// both in USD terms.
func splitLegs(targets []models.AllocationTarget, current []models.AllocationSnapshot, total decimal.Decimal) (sources, sinks []leg) {
	index := make(map[string]models.AllocationSnapshot, len(current))
	for _, c := range current {
		index[c.Scope+"/"+c.AssetID] = c
	}
	targeted := make(map[string]bool, len(targets))

	for _, t := range targets {
		targeted[t.Scope+"/"+t.AssetID] = true
		desired := t.TargetPct.Div(hundred).Mul(total)
		held := decimal.Zero
		if c, ok := index[t.Scope+"/"+t.AssetID]; ok {
			held = c.AmountUSD
		}
		delta := desired.Sub(held)
		l := leg{scope: t.Scope, assetID: t.AssetID, amountUSD: delta.Abs()}
		if t.Scope == models.ScopeProtocol {
			l.protocol = t.AssetID
		}
		if t.Scope == models.ScopeChain {
			l.chain = t.AssetID
		}
		if l.amountUSD.LessThan(minMoveUSD) {
			continue
		}
		if delta.IsNegative() {
			sources = append(sources, l)
		} else {
			sinks = append(sinks, l)
		}
	}

	// Holdings outside the target set are fully overweight.
	for _, c := range current {
		if targeted[c.Scope+"/"+c.AssetID] || c.AmountUSD.LessThan(minMoveUSD) {
			continue
		}
		l := leg{scope: c.Scope, assetID: c.AssetID, amountUSD: c.AmountUSD}
		if c.Scope == models.ScopeProtocol {
			l.protocol = c.AssetID
		}
		if c.Scope == models.ScopeChain {
			l.chain = c.AssetID
		}
		sources = append(sources, l)
	}

	sort.SliceStable(sources, func(i, j int) bool { return sources[i].amountUSD.GreaterThan(sources[j].amountUSD) })
	sort.SliceStable(sinks, func(i, j int) bool { return sinks[i].amountUSD.GreaterThan(sinks[j].amountUSD) })
	return sources, sinks
}

// scaleToBudget shrinks every leg proportionally so the total moved value
// stays within maxRebalancePct of the portfolio. Each leg is scaled as
// amount*budget/moved with a truncated quotient; rounding the division up
// would let the scaled sum creep past the budget.
func scaleToBudget(sources, sinks []leg, maxRebalancePct, total decimal.Decimal) {
	if !maxRebalancePct.IsPositive() {
		return
	}
	budget := maxRebalancePct.Div(hundred).Mul(total)
	moved := decimal.Zero
	for _, s := range sources {
		moved = moved.Add(s.amountUSD)
	}
	if moved.LessThanOrEqual(budget) {
		return
	}
	for i := range sources {
		sources[i].amountUSD = scaleLeg(sources[i].amountUSD, budget, moved)
	}
	for i := range sinks {
		sinks[i].amountUSD = scaleLeg(sinks[i].amountUSD, budget, moved)
	}
}

func scaleLeg(amount, budget, moved decimal.Decimal) decimal.Decimal {
	q, _ := amount.Mul(budget).QuoRem(moved, 10)
	return q
}

type pairing struct {
	from      leg
	to        leg
	amountUSD decimal.Decimal
}

// pairLegs greedily matches the largest excess with the largest deficit.
func pairLegs(sources, sinks []leg) []pairing {
	var out []pairing
	si, di := 0, 0
	for si < len(sources) && di < len(sinks) {
		src, dst := &sources[si], &sinks[di]
		amount := decimal.Min(src.amountUSD, dst.amountUSD)
		if amount.GreaterThanOrEqual(minMoveUSD) {
			out = append(out, pairing{from: *src, to: *dst, amountUSD: amount})
		}
		src.amountUSD = src.amountUSD.Sub(amount)
		dst.amountUSD = dst.amountUSD.Sub(amount)
		if src.amountUSD.LessThan(minMoveUSD) {
			si++
		}
		if dst.amountUSD.LessThan(minMoveUSD) {
			di++
		}
	}
	return out
}

func stepType(from, to leg) string {
	switch {
	case from.scope == models.ScopeProtocol:
		return models.TxTypeWithdrawal
	case to.scope == models.ScopeProtocol:
		return models.TxTypeLend
	case from.scope == models.ScopeChain || to.scope == models.ScopeChain:
		return models.TxTypeTransfer
	default:
		return models.TxTypeSwap
	}
}

// orderSteps places producers before consumers: protocol withdrawals free
// liquid value, swaps and transfers reshape it, lends consume it.
func orderSteps(steps []models.Transaction) {
	rank := func(t string) int {
		switch t {
		case models.TxTypeWithdrawal:
			return 0
		case models.TxTypeLend:
			return 2
		default:
			return 1
		}
	}
	sort.SliceStable(steps, func(i, j int) bool {
		ri, rj := rank(steps[i].Type), rank(steps[j].Type)
		if ri != rj {
			return ri < rj
		}
		return steps[i].FromAmount.GreaterThan(steps[j].FromAmount)
	})
}

// selectRoute quotes routes for a pairing and picks the winner: among
// routes within the slippage cap, lowest gas wins unless the strategy
// optimizes for returns, in which case highest net output wins. A custom
// route pin for the pair short-circuits quoting. Returns false when no
// viable route exists; the simulator surfaces that as a plan error.
func (b *Builder) selectRoute(ctx context.Context, p pairing, in BuildInput) (marketdata.RouteQuote, bool) {
	for _, cr := range in.Advanced.CustomRoutes {
		if cr.FromAsset == p.from.assetID && cr.ToAsset == p.to.assetID && cr.Venue != "" {
			return marketdata.RouteQuote{Venue: cr.Venue, ExpectedOutUSD: p.amountUSD}, true
		}
	}
	if b.Routes == nil {
		return marketdata.RouteQuote{}, false
	}

	quotes, err := b.Routes.FindRoutes(ctx, p.from.assetID, p.to.assetID, p.amountUSD)
	if err != nil {
		if b.Logger != nil {
			b.Logger.Warn("route lookup failed",
				zap.String("from", p.from.assetID),
				zap.String("to", p.to.assetID),
				zap.Error(err))
		}
		return marketdata.RouteQuote{}, false
	}

	var best marketdata.RouteQuote
	found := false
	maximizeReturns := in.Advanced.OptimizationTarget == models.OptimizeMaximizeReturns
	for _, q := range quotes {
		if in.Exec.MaxSlippagePct.IsPositive() && q.ExpectedSlippagePct.GreaterThan(in.Exec.MaxSlippagePct) {
			continue
		}
		if !found {
			best, found = q, true
			continue
		}
		if maximizeReturns {
			if q.ExpectedOutUSD.Sub(q.ExpectedGasUSD).GreaterThan(best.ExpectedOutUSD.Sub(best.ExpectedGasUSD)) {
				best = q
			}
		} else if q.ExpectedGasUSD.LessThan(best.ExpectedGasUSD) {
			best = q
		}
	}
	return best, found
}
