package memory

import (
	"context"
	"testing"
	"time"

	"rebalancer/internal/models"
	"rebalancer/internal/repository"
)

func seedOp(t *testing.T, s *Store, strategyID uint64, ref string) *models.Operation {
	t.Helper()
	op := &models.Operation{
		Reference:  ref,
		StrategyID: strategyID,
		OwnerID:    "alice",
		Status:     models.OpStatusPending,
		Trigger:    models.OpTriggerThreshold,
	}
	if err := s.CreateOperationIfNoneActive(context.Background(), op); err != nil {
		t.Fatalf("seed op: %v", err)
	}
	return op
}

func TestListOperations_TimeWindow(t *testing.T) {
	s := New()
	early := seedOp(t, s, 1, "op-early")
	time.Sleep(5 * time.Millisecond)
	mid := time.Now().UTC()
	time.Sleep(5 * time.Millisecond)
	late := seedOp(t, s, 2, "op-late")

	items, err := s.ListOperations(context.Background(), repository.ListOperationsParams{Until: &mid})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(items) != 1 || items[0].ID != early.ID {
		t.Fatalf("until window returned %+v, want only the early operation", items)
	}

	items, err = s.ListOperations(context.Background(), repository.ListOperationsParams{Since: &mid})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(items) != 1 || items[0].ID != late.ID {
		t.Fatalf("since window returned %+v, want only the late operation", items)
	}
}
