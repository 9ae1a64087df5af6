// Package strategy owns the lifecycle and validation of rebalancing
// strategies. All invariants on the allocation document are enforced here at
// save time; a violating strategy is never persisted.
package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rebalancer/internal/apperr"
	"rebalancer/internal/models"
	"rebalancer/internal/repository"
	"rebalancer/internal/schedule"
)

// Allocation percentages must sum to 100 within this tolerance.
var (
	allocationSumMin = decimal.NewFromFloat(99.5)
	allocationSumMax = decimal.NewFromFloat(100.5)
	hundred          = decimal.NewFromInt(100)
)

// Input is the validated payload for creating or updating a strategy.
type Input struct {
	OwnerID  string
	Name     string
	Type     string
	Targets  []models.AllocationTarget
	Triggers models.TriggerConfig
	Exec     models.ExecutionParams
	Advanced models.AdvancedParams
}

type Service struct {
	Repo   repository.Repository
	Logger *zap.Logger
}

func New(repo repository.Repository, logger *zap.Logger) *Service {
	return &Service{Repo: repo, Logger: logger}
}

// Validate checks the strategy document invariants: non-empty identity
// fields, a known type, target percentages summing to 100 within tolerance,
// and min <= target <= max wherever bounds are present.
func Validate(in Input) error {
	if strings.TrimSpace(in.OwnerID) == "" {
		return apperr.Validation("owner", "must not be empty")
	}
	if strings.TrimSpace(in.Name) == "" {
		return apperr.Validation("name", "must not be empty")
	}
	switch in.Type {
	case models.StrategyTypeThreshold, models.StrategyTypePeriodic, models.StrategyTypeCustom:
	default:
		return apperr.Validation("type", fmt.Sprintf("unknown strategy type %q", in.Type))
	}
	if len(in.Targets) == 0 {
		return apperr.Validation("targetAllocations", "must contain at least one entry")
	}

	sum := decimal.Zero
	seen := make(map[string]bool, len(in.Targets))
	for i, t := range in.Targets {
		field := fmt.Sprintf("targetAllocations[%d]", i)
		switch t.Scope {
		case models.ScopeAsset, models.ScopeProtocol, models.ScopeChain:
		default:
			return apperr.Validation(field+".scope", fmt.Sprintf("unknown scope %q", t.Scope))
		}
		if strings.TrimSpace(t.AssetID) == "" {
			return apperr.Validation(field+".id", "must not be empty")
		}
		key := t.Scope + "/" + t.AssetID
		if seen[key] {
			return apperr.Validation(field, "duplicate allocation entry "+key)
		}
		seen[key] = true

		if t.TargetPct.IsNegative() || t.TargetPct.GreaterThan(hundred) {
			return apperr.Validation(field+".targetPct", "must be between 0 and 100")
		}
		if t.MinPct != nil && t.MinPct.GreaterThan(t.TargetPct) {
			return apperr.Validation(field+".minPct", "must not exceed targetPct")
		}
		if t.MaxPct != nil && t.MaxPct.LessThan(t.TargetPct) {
			return apperr.Validation(field+".maxPct", "must not be below targetPct")
		}
		sum = sum.Add(t.TargetPct)
	}
	if sum.LessThan(allocationSumMin) || sum.GreaterThan(allocationSumMax) {
		return apperr.Validation("targetAllocations", fmt.Sprintf("targetPct sum %s outside [99.5, 100.5]", sum))
	}

	if err := validateTriggers(in.Type, in.Triggers); err != nil {
		return err
	}
	return validateExec(in.Exec, in.Advanced)
}

func validateTriggers(strategyType string, tr models.TriggerConfig) error {
	if tr.MinHoursBetweenRebalances < 0 {
		return apperr.Validation("triggers.minHoursBetweenRebalances", "must not be negative")
	}
	switch strategyType {
	case models.StrategyTypeThreshold:
		if !tr.DeviationThresholdPct.IsPositive() {
			return apperr.Validation("triggers.deviationThresholdPct", "must be positive for threshold strategies")
		}
	case models.StrategyTypePeriodic:
		switch tr.Schedule {
		case models.ScheduleDaily, models.ScheduleWeekly, models.ScheduleMonthly, models.ScheduleQuarterly:
		case models.ScheduleCustom:
			if !schedule.ValidExpr(tr.CustomScheduleExpr) {
				return apperr.Validation("triggers.customScheduleExpr", "not a valid cron expression")
			}
		default:
			return apperr.Validation("triggers.schedule", fmt.Sprintf("unknown schedule %q", tr.Schedule))
		}
	case models.StrategyTypeCustom:
		if !tr.DeviationThresholdPct.IsPositive() {
			return apperr.Validation("triggers.deviationThresholdPct", "must be positive for custom strategies")
		}
	}
	return nil
}

func validateExec(exec models.ExecutionParams, adv models.AdvancedParams) error {
	if exec.MaxSlippagePct.IsNegative() {
		return apperr.Validation("executionParams.maxSlippagePct", "must not be negative")
	}
	if exec.MaxRebalancePct.IsNegative() || exec.MaxRebalancePct.GreaterThan(hundred) {
		return apperr.Validation("executionParams.maxRebalancePct", "must be between 0 and 100")
	}
	if adv.MaxTransactions < 0 {
		return apperr.Validation("advanced.maxTransactions", "must not be negative")
	}
	switch adv.OptimizationTarget {
	case "", models.OptimizeMinimizeGas, models.OptimizeMaximizeReturns, models.OptimizeBalanced:
	default:
		return apperr.Validation("advanced.optimizationTarget", fmt.Sprintf("unknown optimization target %q", adv.OptimizationTarget))
	}
	return nil
}

// Create validates and persists a new strategy in draft status.
func (s *Service) Create(ctx context.Context, in Input) (*models.Strategy, error) {
	if err := Validate(in); err != nil {
		return nil, err
	}
	item := &models.Strategy{
		OwnerID:           strings.TrimSpace(in.OwnerID),
		Name:              strings.TrimSpace(in.Name),
		Status:            models.StrategyStatusDraft,
		Type:              in.Type,
		TargetAllocations: models.ToJSON(in.Targets),
		Triggers:          models.ToJSON(in.Triggers),
		ExecutionParams:   models.ToJSON(in.Exec),
		Advanced:          models.ToJSON(in.Advanced),
	}
	if err := s.Repo.InsertStrategy(ctx, item); err != nil {
		return nil, err
	}
	if s.Logger != nil {
		s.Logger.Info("strategy created",
			zap.Uint64("strategy_id", item.ID),
			zap.String("owner", item.OwnerID),
			zap.String("type", item.Type))
	}
	return item, nil
}

// Update validates and replaces the strategy document. Rejected with a
// ConflictError while an operation for the strategy is in flight, so a plan
// already built against the old targets cannot be invalidated mid-run.
func (s *Service) Update(ctx context.Context, id uint64, in Input) (*models.Strategy, error) {
	if err := Validate(in); err != nil {
		return nil, err
	}
	item, err := s.Repo.GetStrategyByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, apperr.ErrNotFound
	}
	active, err := s.Repo.CountActiveOperationsByStrategy(ctx, id)
	if err != nil {
		return nil, err
	}
	if active > 0 {
		return nil, apperr.Conflict("strategy has an operation in flight")
	}

	item.Name = strings.TrimSpace(in.Name)
	item.Type = in.Type
	item.TargetAllocations = models.ToJSON(in.Targets)
	item.Triggers = models.ToJSON(in.Triggers)
	item.ExecutionParams = models.ToJSON(in.Exec)
	item.Advanced = models.ToJSON(in.Advanced)
	if err := s.Repo.UpdateStrategy(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// Activate promotes a draft or paused strategy. Periodic strategies get their
// first scheduled run computed here.
func (s *Service) Activate(ctx context.Context, id uint64) (*models.Strategy, error) {
	item, err := s.Repo.GetStrategyByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, apperr.ErrNotFound
	}
	if item.Status == models.StrategyStatusActive {
		return item, nil
	}

	if err := s.Repo.SetStrategyStatus(ctx, id, models.StrategyStatusActive); err != nil {
		return nil, err
	}
	item.Status = models.StrategyStatusActive

	if item.Type == models.StrategyTypePeriodic && item.NextScheduledAt == nil {
		tr, err := item.TriggerConfig()
		if err != nil {
			return nil, err
		}
		next, err := schedule.Next(tr.Schedule, tr.CustomScheduleExpr, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		err = s.Repo.UpdateStrategySchedule(ctx, id, item.Version, repository.ScheduleUpdate{NextScheduledAt: &next})
		if err != nil {
			return nil, err
		}
		item.NextScheduledAt = &next
		item.Version++
	}
	if s.Logger != nil {
		s.Logger.Info("strategy activated", zap.Uint64("strategy_id", id))
	}
	return item, nil
}

func (s *Service) Pause(ctx context.Context, id uint64) (*models.Strategy, error) {
	item, err := s.Repo.GetStrategyByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, apperr.ErrNotFound
	}
	if item.Status != models.StrategyStatusActive {
		return nil, apperr.Conflict("only active strategies can be paused")
	}
	if err := s.Repo.SetStrategyStatus(ctx, id, models.StrategyStatusPaused); err != nil {
		return nil, err
	}
	item.Status = models.StrategyStatusPaused
	return item, nil
}

// Delete removes a strategy. Refused while any operation for it is
// non-terminal; the audit trail of settled operations is kept.
func (s *Service) Delete(ctx context.Context, id uint64) error {
	item, err := s.Repo.GetStrategyByID(ctx, id)
	if err != nil {
		return err
	}
	if item == nil {
		return apperr.ErrNotFound
	}
	active, err := s.Repo.CountActiveOperationsByStrategy(ctx, id)
	if err != nil {
		return err
	}
	if active > 0 {
		return apperr.Conflict("strategy has an operation in flight")
	}
	return s.Repo.DeleteStrategy(ctx, id)
}
