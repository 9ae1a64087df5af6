package strategy

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rebalancer/internal/apperr"
	"rebalancer/internal/models"
	"rebalancer/internal/repository"
	"rebalancer/internal/repository/memory"
)

func pct(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func validInput() Input {
	return Input{
		OwnerID: "alice",
		Name:    "core portfolio",
		Type:    models.StrategyTypeThreshold,
		Targets: []models.AllocationTarget{
			{Scope: models.ScopeAsset, AssetID: "DOT", TargetPct: pct(60)},
			{Scope: models.ScopeAsset, AssetID: "USDC", TargetPct: pct(40)},
		},
		Triggers: models.TriggerConfig{DeviationThresholdPct: pct(5)},
		Exec:     models.ExecutionParams{MaxSlippagePct: pct(1), MaxRebalancePct: pct(50)},
	}
}

func TestValidate_OK(t *testing.T) {
	if err := Validate(validInput()); err != nil {
		t.Fatalf("err=%v", err)
	}
}

func TestValidate_SumTolerance(t *testing.T) {
	in := validInput()
	// 99.7 total is inside the [99.5, 100.5] window.
	in.Targets[1].TargetPct = pct(39.7)
	if err := Validate(in); err != nil {
		t.Fatalf("99.7 sum should pass, err=%v", err)
	}

	in.Targets[1].TargetPct = pct(30)
	err := Validate(in)
	if !apperr.IsValidation(err) {
		t.Fatalf("90 sum should fail validation, err=%v", err)
	}

	in.Targets[1].TargetPct = pct(45)
	if err := Validate(in); !apperr.IsValidation(err) {
		t.Fatalf("105 sum should fail validation, err=%v", err)
	}
}

func TestValidate_Bounds(t *testing.T) {
	in := validInput()
	min := pct(65)
	in.Targets[0].MinPct = &min
	if err := Validate(in); !apperr.IsValidation(err) {
		t.Fatalf("minPct above targetPct should fail, err=%v", err)
	}

	in = validInput()
	max := pct(55)
	in.Targets[0].MaxPct = &max
	if err := Validate(in); !apperr.IsValidation(err) {
		t.Fatalf("maxPct below targetPct should fail, err=%v", err)
	}
}

func TestValidate_DuplicateEntry(t *testing.T) {
	in := validInput()
	in.Targets[1] = in.Targets[0]
	if err := Validate(in); !apperr.IsValidation(err) {
		t.Fatalf("duplicate scope+id should fail, err=%v", err)
	}
}

func TestValidate_PeriodicNeedsSchedule(t *testing.T) {
	in := validInput()
	in.Type = models.StrategyTypePeriodic
	in.Triggers = models.TriggerConfig{Schedule: "sometimes"}
	if err := Validate(in); !apperr.IsValidation(err) {
		t.Fatalf("unknown schedule should fail, err=%v", err)
	}

	in.Triggers = models.TriggerConfig{Schedule: models.ScheduleCustom, CustomScheduleExpr: "nope"}
	if err := Validate(in); !apperr.IsValidation(err) {
		t.Fatalf("bad cron expression should fail, err=%v", err)
	}

	in.Triggers = models.TriggerConfig{Schedule: models.ScheduleCustom, CustomScheduleExpr: "0 3 * * *"}
	if err := Validate(in); err != nil {
		t.Fatalf("valid custom expression should pass, err=%v", err)
	}
}

func TestCreate_PersistsDraft(t *testing.T) {
	svc := New(memory.New(), zap.NewNop())
	item, err := svc.Create(context.Background(), validInput())
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if item.ID == 0 || item.Status != models.StrategyStatusDraft {
		t.Fatalf("item=%+v, want persisted draft", item)
	}
}

func TestCreate_InvalidNeverPersists(t *testing.T) {
	repo := memory.New()
	svc := New(repo, zap.NewNop())
	in := validInput()
	in.Targets[0].TargetPct = pct(10)
	if _, err := svc.Create(context.Background(), in); !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	items, _ := repo.ListStrategies(context.Background(), listAll())
	if len(items) != 0 {
		t.Fatalf("invalid strategy was persisted")
	}
}

func TestActivate_PeriodicSchedulesFirstRun(t *testing.T) {
	svc := New(memory.New(), zap.NewNop())
	in := validInput()
	in.Type = models.StrategyTypePeriodic
	in.Triggers = models.TriggerConfig{Schedule: models.ScheduleDaily}
	item, err := svc.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	item, err = svc.Activate(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if item.Status != models.StrategyStatusActive {
		t.Fatalf("status=%s, want active", item.Status)
	}
	if item.NextScheduledAt == nil {
		t.Fatalf("periodic activation must set the first scheduled run")
	}
}

func TestUpdate_ConflictsWithActiveOperation(t *testing.T) {
	repo := memory.New()
	svc := New(repo, zap.NewNop())
	item, err := svc.Create(context.Background(), validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	err = repo.CreateOperationIfNoneActive(context.Background(), &models.Operation{
		Reference:  "op-1",
		StrategyID: item.ID,
		OwnerID:    "alice",
		Status:     models.OpStatusPending,
		Trigger:    models.OpTriggerManual,
	})
	if err != nil {
		t.Fatalf("seed op: %v", err)
	}

	if _, err := svc.Update(context.Background(), item.ID, validInput()); !apperr.IsConflict(err) {
		t.Fatalf("expected conflict while operation in flight, got %v", err)
	}
	if err := svc.Delete(context.Background(), item.ID); !apperr.IsConflict(err) {
		t.Fatalf("expected delete conflict while operation in flight, got %v", err)
	}
}

func TestDelete_NotFound(t *testing.T) {
	svc := New(memory.New(), zap.NewNop())
	if err := svc.Delete(context.Background(), 42); err != apperr.ErrNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func listAll() repository.ListStrategiesParams {
	return repository.ListStrategiesParams{}
}
