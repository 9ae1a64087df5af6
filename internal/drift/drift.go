// Package drift compares a portfolio's current allocation against a
// strategy's declared targets. Everything here is pure: the scheduler calls
// it on every poll cycle and must be able to do so without side effects.
package drift

import (
	"github.com/shopspring/decimal"

	"rebalancer/internal/models"
)

// Reasons a target entry counts as drifted.
const (
	ReasonMissing         = "missing"
	ReasonThresholdBreach = "thresholdBreach"
	ReasonBandBreach      = "bandBreach"
)

// Entry is the evaluation of one target allocation against the current
// snapshot. DeviationPct is |current - target|, zero when the entry is
// missing from the snapshot.
type Entry struct {
	Scope        string
	AssetID      string
	TargetPct    decimal.Decimal
	CurrentPct   decimal.Decimal
	DeviationPct decimal.Decimal
	Drifted      bool
	Reason       string
}

// Evaluate scores every target entry against the current snapshot. Current
// entries are matched by scope+id; a target with no matching current entry is
// drifted outright.
func Evaluate(targets []models.AllocationTarget, current []models.AllocationSnapshot, thresholdPct decimal.Decimal) []Entry {
	index := make(map[string]models.AllocationSnapshot, len(current))
	for _, c := range current {
		index[c.Scope+"/"+c.AssetID] = c
	}

	out := make([]Entry, 0, len(targets))
	for _, t := range targets {
		e := Entry{
			Scope:     t.Scope,
			AssetID:   t.AssetID,
			TargetPct: t.TargetPct,
		}

		c, ok := index[t.Scope+"/"+t.AssetID]
		if !ok {
			e.Drifted = true
			e.Reason = ReasonMissing
			out = append(out, e)
			continue
		}

		e.CurrentPct = c.Pct
		e.DeviationPct = c.Pct.Sub(t.TargetPct).Abs()

		switch {
		case e.DeviationPct.GreaterThan(thresholdPct):
			e.Drifted = true
			e.Reason = ReasonThresholdBreach
		case t.MinPct != nil && c.Pct.LessThan(*t.MinPct):
			e.Drifted = true
			e.Reason = ReasonBandBreach
		case t.MaxPct != nil && c.Pct.GreaterThan(*t.MaxPct):
			e.Drifted = true
			e.Reason = ReasonBandBreach
		}
		out = append(out, e)
	}
	return out
}

// NeedsRebalancing reports whether any target entry has drifted.
func NeedsRebalancing(targets []models.AllocationTarget, current []models.AllocationSnapshot, thresholdPct decimal.Decimal) bool {
	for _, e := range Evaluate(targets, current, thresholdPct) {
		if e.Drifted {
			return true
		}
	}
	return false
}

// MaxDeviation returns the largest per-entry deviation, for logging and
// operation detail fields.
func MaxDeviation(entries []Entry) decimal.Decimal {
	max := decimal.Zero
	for _, e := range entries {
		if e.DeviationPct.GreaterThan(max) {
			max = e.DeviationPct
		}
	}
	return max
}
