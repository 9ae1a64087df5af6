// Package scheduler polls active strategies and opens pending operations
// for the ones that need rebalancing. Every poll cycle is idempotent: the
// one-active-operation rule turns a duplicate trigger into a no-op.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rebalancer/internal/apperr"
	"rebalancer/internal/config"
	"rebalancer/internal/drift"
	"rebalancer/internal/models"
	"rebalancer/internal/repository"
	"rebalancer/internal/schedule"
)

var hundred = decimal.NewFromInt(100)

// AllocationSource provides the live portfolio snapshot used for drift
// evaluation and operation snapshots.
type AllocationSource interface {
	CurrentAllocations(ctx context.Context, owner string) ([]models.AllocationSnapshot, decimal.Decimal, error)
}

type Scheduler struct {
	Repo   repository.Repository
	Alloc  AllocationSource
	Logger *zap.Logger
	Config config.SchedulerConfig
}

func New(repo repository.Repository, alloc AllocationSource, logger *zap.Logger, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{Repo: repo, Alloc: alloc, Logger: logger, Config: cfg}
}

func (s *Scheduler) Run(ctx context.Context) {
	interval := s.Config.ScanInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ScanOnce(ctx)
		}
	}
}

// ScanOnce runs one poll cycle over both eligibility queries and returns
// how many operations were opened. A failure on one strategy never aborts
// the scan of the rest.
func (s *Scheduler) ScanOnce(ctx context.Context) int {
	batch := s.Config.BatchSize
	if batch <= 0 {
		batch = 200
	}
	now := time.Now().UTC()
	created := 0

	candidates, err := s.Repo.ListActiveStrategiesByTypes(ctx,
		[]string{models.StrategyTypeThreshold, models.StrategyTypeCustom}, batch)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Warn("threshold scan query failed", zap.Error(err))
		}
	}
	for i := range candidates {
		if s.evalThreshold(ctx, &candidates[i], now) {
			created++
		}
	}

	due, err := s.Repo.ListDuePeriodicStrategies(ctx, now, batch)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Warn("periodic scan query failed", zap.Error(err))
		}
	}
	for i := range due {
		if s.evalPeriodic(ctx, &due[i], now) {
			created++
		}
	}

	if s.Logger != nil && created > 0 {
		s.Logger.Info("scheduler scan opened operations", zap.Int("created", created))
	}
	return created
}

// evalThreshold checks one threshold/custom strategy: respects the minimum
// interval, fetches the live snapshot, and opens an operation when drift
// evaluation says so.
func (s *Scheduler) evalThreshold(ctx context.Context, strat *models.Strategy, now time.Time) (created bool) {
	defer s.isolate(strat.ID)

	triggers, err := strat.TriggerConfig()
	if err != nil {
		s.warn("undecodable trigger config", strat.ID, err)
		return false
	}
	if triggers.MinHoursBetweenRebalances > 0 && strat.LastRebalanceAt != nil {
		wait := time.Duration(triggers.MinHoursBetweenRebalances) * time.Hour
		if now.Sub(*strat.LastRebalanceAt) <= wait {
			return false
		}
	}

	targets, err := strat.Targets()
	if err != nil {
		s.warn("undecodable target allocations", strat.ID, err)
		return false
	}
	current, total, err := s.Alloc.CurrentAllocations(ctx, strat.OwnerID)
	if err != nil {
		s.warn("allocation fetch failed", strat.ID, err)
		return false
	}
	if !drift.NeedsRebalancing(targets, current, triggers.DeviationThresholdPct) {
		return false
	}

	return s.open(ctx, strat, models.OpTriggerThreshold, targets, current, total)
}

// evalPeriodic opens an operation for a due strategy and advances its next
// run regardless, so an in-flight operation skips this cadence instead of
// re-firing on every scan.
func (s *Scheduler) evalPeriodic(ctx context.Context, strat *models.Strategy, now time.Time) (created bool) {
	defer s.isolate(strat.ID)

	triggers, err := strat.TriggerConfig()
	if err != nil {
		s.warn("undecodable trigger config", strat.ID, err)
		return false
	}
	targets, err := strat.Targets()
	if err != nil {
		s.warn("undecodable target allocations", strat.ID, err)
		return false
	}
	current, total, err := s.Alloc.CurrentAllocations(ctx, strat.OwnerID)
	if err != nil {
		s.warn("allocation fetch failed", strat.ID, err)
		return false
	}

	created = s.open(ctx, strat, models.OpTriggerScheduled, targets, current, total)

	next, err := schedule.Next(triggers.Schedule, triggers.CustomScheduleExpr, now)
	if err != nil {
		s.warn("next occurrence computation failed", strat.ID, err)
		return created
	}
	err = s.Repo.UpdateStrategySchedule(ctx, strat.ID, strat.Version, repository.ScheduleUpdate{
		NextScheduledAt: &next,
	})
	if err != nil && !apperr.IsConflict(err) {
		s.warn("schedule advance failed", strat.ID, err)
	}
	return created
}

// open creates the pending operation. A ConflictError means another
// operation for the strategy is still in flight; the trigger is skipped.
func (s *Scheduler) open(ctx context.Context, strat *models.Strategy, trigger string, targets []models.AllocationTarget, current []models.AllocationSnapshot, total decimal.Decimal) bool {
	op := &models.Operation{
		Reference:         uuid.NewString(),
		StrategyID:        strat.ID,
		OwnerID:           strat.OwnerID,
		Status:            models.OpStatusPending,
		Trigger:           trigger,
		CurrentAllocation: models.ToJSON(current),
		TargetAllocation:  models.ToJSON(targetSnapshot(targets, total)),
		PortfolioValueUSD: total,
	}
	err := s.Repo.CreateOperationIfNoneActive(ctx, op)
	if apperr.IsConflict(err) {
		if s.Logger != nil {
			s.Logger.Debug("trigger skipped, operation in flight", zap.Uint64("strategy_id", strat.ID))
		}
		return false
	}
	if err != nil {
		s.warn("operation create failed", strat.ID, err)
		return false
	}
	if s.Logger != nil {
		s.Logger.Info("operation opened",
			zap.Uint64("strategy_id", strat.ID),
			zap.Uint64("operation_id", op.ID),
			zap.String("trigger", trigger))
	}
	return true
}

// TriggerManual forces a plan now for one strategy, outside the normal
// scan cycle. The one-active-operation rule still applies.
func (s *Scheduler) TriggerManual(ctx context.Context, strategyID uint64) (*models.Operation, error) {
	strat, err := s.Repo.GetStrategyByID(ctx, strategyID)
	if err != nil {
		return nil, err
	}
	if strat == nil {
		return nil, apperr.ErrNotFound
	}
	if strat.Status != models.StrategyStatusActive {
		return nil, apperr.Conflict("strategy is not active")
	}
	targets, err := strat.Targets()
	if err != nil {
		return nil, err
	}
	current, total, err := s.Alloc.CurrentAllocations(ctx, strat.OwnerID)
	if err != nil {
		return nil, err
	}

	op := &models.Operation{
		Reference:         uuid.NewString(),
		StrategyID:        strat.ID,
		OwnerID:           strat.OwnerID,
		Status:            models.OpStatusPending,
		Trigger:           models.OpTriggerManual,
		CurrentAllocation: models.ToJSON(current),
		TargetAllocation:  models.ToJSON(targetSnapshot(targets, total)),
		PortfolioValueUSD: total,
	}
	if err := s.Repo.CreateOperationIfNoneActive(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}

func targetSnapshot(targets []models.AllocationTarget, total decimal.Decimal) []models.AllocationSnapshot {
	out := make([]models.AllocationSnapshot, 0, len(targets))
	for _, t := range targets {
		out = append(out, models.AllocationSnapshot{
			Scope:     t.Scope,
			AssetID:   t.AssetID,
			Name:      t.Name,
			Pct:       t.TargetPct,
			AmountUSD: t.TargetPct.Div(hundred).Mul(total),
		})
	}
	return out
}

func (s *Scheduler) warn(msg string, strategyID uint64, err error) {
	if s.Logger != nil {
		s.Logger.Warn(msg, zap.Uint64("strategy_id", strategyID), zap.Error(err))
	}
}

// isolate keeps one strategy's panic from aborting the rest of the scan.
func (s *Scheduler) isolate(strategyID uint64) {
	if rec := recover(); rec != nil && s.Logger != nil {
		s.Logger.Error("strategy evaluation panicked",
			zap.Uint64("strategy_id", strategyID),
			zap.Any("panic", rec))
	}
}
