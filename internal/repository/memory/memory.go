// Package memory is an in-memory Repository with the same conditional-write
// semantics as the gorm store: the one-active-operation rule, guarded status
// transitions, and version-checked schedule writes. It backs component tests
// and can serve as a throwaway store in local development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"rebalancer/internal/apperr"
	"rebalancer/internal/models"
	"rebalancer/internal/repository"
)

type Store struct {
	mu sync.Mutex

	strategies   map[uint64]*models.Strategy
	operations   map[uint64]*models.Operation
	transactions map[uint64]*models.Transaction
	prices       map[string]*models.HoldingPrice

	nextStrategyID  uint64
	nextOperationID uint64
	nextTxID        uint64
}

var _ repository.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		strategies:   map[uint64]*models.Strategy{},
		operations:   map[uint64]*models.Operation{},
		transactions: map[uint64]*models.Transaction{},
		prices:       map[string]*models.HoldingPrice{},
	}
}

// --- strategies -------------------------------------------------------------

func (s *Store) InsertStrategy(_ context.Context, item *models.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextStrategyID++
	item.ID = s.nextStrategyID
	item.CreatedAt = time.Now().UTC()
	item.UpdatedAt = item.CreatedAt
	cp := *item
	s.strategies[item.ID] = &cp
	return nil
}

func (s *Store) GetStrategyByID(_ context.Context, id uint64) (*models.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.strategies[id]
	if !ok {
		return nil, nil
	}
	cp := *item
	return &cp, nil
}

func (s *Store) ListStrategies(_ context.Context, params repository.ListStrategiesParams) ([]models.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Strategy
	for _, item := range s.strategies {
		if matchStrategy(item, params) {
			out = append(out, *item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CountStrategies(ctx context.Context, params repository.ListStrategiesParams) (int64, error) {
	items, err := s.ListStrategies(ctx, params)
	return int64(len(items)), err
}

func matchStrategy(item *models.Strategy, params repository.ListStrategiesParams) bool {
	if params.OwnerID != nil && item.OwnerID != *params.OwnerID {
		return false
	}
	if params.Status != nil && item.Status != *params.Status {
		return false
	}
	if params.Type != nil && item.Type != *params.Type {
		return false
	}
	return true
}

func (s *Store) UpdateStrategy(_ context.Context, item *models.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.strategies[item.ID]
	if !ok {
		return nil
	}
	existing.Name = item.Name
	existing.Type = item.Type
	existing.TargetAllocations = item.TargetAllocations
	existing.Triggers = item.Triggers
	existing.ExecutionParams = item.ExecutionParams
	existing.Advanced = item.Advanced
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) SetStrategyStatus(_ context.Context, id uint64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.strategies[id]; ok {
		item.Status = status
		item.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *Store) UpdateStrategySchedule(_ context.Context, id uint64, expectedVersion int64, update repository.ScheduleUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.strategies[id]
	if !ok || item.Version != expectedVersion {
		return apperr.Conflict("strategy schedule version mismatch")
	}
	if update.LastRebalanceAt != nil {
		item.LastRebalanceAt = update.LastRebalanceAt
	}
	if update.LastRebalanceStatus != nil {
		item.LastRebalanceStatus = update.LastRebalanceStatus
	}
	if update.LastRebalanceDetail != nil {
		item.LastRebalanceDetail = update.LastRebalanceDetail
	}
	if update.NextScheduledAt != nil {
		item.NextScheduledAt = update.NextScheduledAt
	}
	item.Version++
	item.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) DeleteStrategy(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.strategies, id)
	return nil
}

func (s *Store) ListActiveStrategiesByTypes(_ context.Context, types []string, limit int) ([]models.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	typeSet := map[string]bool{}
	for _, t := range types {
		typeSet[t] = true
	}
	var out []models.Strategy
	for _, item := range s.strategies {
		if item.Status == models.StrategyStatusActive && typeSet[item.Type] {
			out = append(out, *item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListDuePeriodicStrategies(_ context.Context, now time.Time, limit int) ([]models.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Strategy
	for _, item := range s.strategies {
		if item.Status != models.StrategyStatusActive || item.Type != models.StrategyTypePeriodic {
			continue
		}
		if item.NextScheduledAt == nil || item.NextScheduledAt.After(now) {
			continue
		}
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- operations -------------------------------------------------------------

func (s *Store) CreateOperationIfNoneActive(_ context.Context, item *models.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range s.operations {
		if op.StrategyID == item.StrategyID && !models.IsTerminalOpStatus(op.Status) {
			return apperr.Conflict("an operation is already in flight for this strategy")
		}
	}
	s.nextOperationID++
	item.ID = s.nextOperationID
	item.CreatedAt = time.Now().UTC()
	item.UpdatedAt = item.CreatedAt
	cp := *item
	s.operations[item.ID] = &cp
	return nil
}

func (s *Store) GetOperationByID(_ context.Context, id uint64) (*models.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.operations[id]
	if !ok {
		return nil, nil
	}
	cp := *item
	return &cp, nil
}

func (s *Store) ListOperations(_ context.Context, params repository.ListOperationsParams) ([]models.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Operation
	for _, item := range s.operations {
		if params.OwnerID != nil && item.OwnerID != *params.OwnerID {
			continue
		}
		if params.StrategyID != nil && item.StrategyID != *params.StrategyID {
			continue
		}
		if params.Status != nil && item.Status != *params.Status {
			continue
		}
		if params.Trigger != nil && item.Trigger != *params.Trigger {
			continue
		}
		if params.Since != nil && item.CreatedAt.Before(*params.Since) {
			continue
		}
		if params.Until != nil && !item.CreatedAt.Before(*params.Until) {
			continue
		}
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CountOperations(ctx context.Context, params repository.ListOperationsParams) (int64, error) {
	items, err := s.ListOperations(ctx, params)
	return int64(len(items)), err
}

func (s *Store) ListOperationsByStatus(_ context.Context, status string, limit int) ([]models.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Operation
	for _, item := range s.operations {
		if item.Status == status {
			out = append(out, *item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CountActiveOperationsByStrategy(_ context.Context, strategyID uint64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, item := range s.operations {
		if item.StrategyID == strategyID && !models.IsTerminalOpStatus(item.Status) {
			total++
		}
	}
	return total, nil
}

func (s *Store) UpdateOperationStatus(_ context.Context, id uint64, from, to string, updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if models.IsTerminalOpStatus(from) {
		return apperr.Conflict("operation already settled as " + from)
	}
	item, ok := s.operations[id]
	if !ok || item.Status != from {
		return apperr.Conflict("operation is not in status " + from)
	}
	item.Status = to
	applyOpFields(item, updates)
	now := time.Now().UTC()
	if to == models.OpStatusExecuting {
		item.StartedAt = &now
	}
	if models.IsTerminalOpStatus(to) {
		item.FinishedAt = &now
	}
	item.UpdatedAt = now
	return nil
}

func (s *Store) UpdateOperationFields(_ context.Context, id uint64, updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.operations[id]
	if !ok {
		return nil
	}
	applyOpFields(item, updates)
	item.UpdatedAt = time.Now().UTC()
	return nil
}

func applyOpFields(item *models.Operation, updates map[string]any) {
	for key, value := range updates {
		switch key {
		case "simulation":
			item.Simulation = toJSONField(value)
		case "approval":
			item.Approval = toJSONField(value)
		case "override":
			item.Override = toJSONField(value)
		case "performance":
			item.Performance = toJSONField(value)
		case "notifications":
			item.Notifications = toJSONField(value)
		case "achieved_allocation":
			item.AchievedAllocation = toJSONField(value)
		case "error":
			if msg, ok := value.(string); ok {
				item.Error = &msg
			}
		}
	}
}

func (s *Store) CancelStaleOperations(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var swept int64
	now := time.Now().UTC()
	for _, item := range s.operations {
		switch item.Status {
		case models.OpStatusPending, models.OpStatusSimulating:
		default:
			continue
		}
		if item.CreatedAt.Before(before) {
			item.Status = models.OpStatusCancelled
			item.FinishedAt = &now
			swept++
		}
	}
	return swept, nil
}

// --- transactions -----------------------------------------------------------

func (s *Store) InsertTransactions(_ context.Context, items []models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range items {
		s.nextTxID++
		items[i].ID = s.nextTxID
		items[i].CreatedAt = time.Now().UTC()
		cp := items[i]
		s.transactions[cp.ID] = &cp
	}
	return nil
}

func (s *Store) ListTransactionsByOperationID(_ context.Context, operationID uint64) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Transaction
	for _, item := range s.transactions {
		if item.OperationID == operationID {
			out = append(out, *item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) ReplaceTransactions(ctx context.Context, operationID uint64, items []models.Transaction) error {
	s.mu.Lock()
	for id, item := range s.transactions {
		if item.OperationID == operationID {
			delete(s.transactions, id)
		}
	}
	s.mu.Unlock()
	return s.InsertTransactions(ctx, items)
}

func (s *Store) UpdateTransactionStatus(_ context.Context, id uint64, from, to string, updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if models.IsTerminalTxStatus(from) {
		return apperr.Conflict("transaction already settled as " + from)
	}
	item, ok := s.transactions[id]
	if !ok || item.Status != from {
		return apperr.Conflict("transaction is not in status " + from)
	}
	item.Status = to
	applyTxUpdates(item, updates)
	item.UpdatedAt = time.Now().UTC()
	return nil
}

// --- performance ------------------------------------------------------------

func (s *Store) ListSettledOperations(_ context.Context, owner string, since time.Time) ([]models.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Operation
	for _, item := range s.operations {
		if item.Status != models.OpStatusCompleted && item.Status != models.OpStatusPartial {
			continue
		}
		if owner != "" && item.OwnerID != owner {
			continue
		}
		if !since.IsZero() && (item.FinishedAt == nil || item.FinishedAt.Before(since)) {
			continue
		}
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- holding prices ---------------------------------------------------------

func (s *Store) UpsertHoldingPrice(_ context.Context, item *models.HoldingPrice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *item
	s.prices[strings.ToLower(item.AssetID+"/"+item.Chain)] = &cp
	return nil
}

func (s *Store) ListHoldingPrices(_ context.Context, limit int) ([]models.HoldingPrice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.HoldingPrice
	for _, item := range s.prices {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CountStaleHoldingPrices(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, item := range s.prices {
		if item.UpdatedAt.Before(before) {
			total++
		}
	}
	return total, nil
}
