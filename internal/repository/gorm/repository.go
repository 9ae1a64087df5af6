package gormrepository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"rebalancer/internal/apperr"
	"rebalancer/internal/models"
	"rebalancer/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// --- strategies -------------------------------------------------------------

func (s *Store) InsertStrategy(ctx context.Context, item *models.Strategy) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) GetStrategyByID(ctx context.Context, id uint64) (*models.Strategy, error) {
	if s == nil || s.db == nil || id == 0 {
		return nil, nil
	}
	var item models.Strategy
	err := s.db.WithContext(ctx).Model(&models.Strategy{}).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListStrategies(ctx context.Context, params repository.ListStrategiesParams) ([]models.Strategy, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.applyStrategyFilters(ctx, params)
	query = applyOrder(query, params.OrderBy, params.Asc, "created_at")
	limit := normalizeLimit(params.Limit, 100)
	offset := normalizeOffset(params.Offset)
	var items []models.Strategy
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountStrategies(ctx context.Context, params repository.ListStrategiesParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	if err := s.applyStrategyFilters(ctx, params).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) applyStrategyFilters(ctx context.Context, params repository.ListStrategiesParams) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.Strategy{})
	if params.OwnerID != nil && strings.TrimSpace(*params.OwnerID) != "" {
		query = query.Where("owner_id = ?", strings.TrimSpace(*params.OwnerID))
	}
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.TrimSpace(*params.Status))
	}
	if params.Type != nil && strings.TrimSpace(*params.Type) != "" {
		query = query.Where("type = ?", strings.TrimSpace(*params.Type))
	}
	return query
}

func (s *Store) UpdateStrategy(ctx context.Context, item *models.Strategy) error {
	if s == nil || s.db == nil || item == nil || item.ID == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.Strategy{}).
		Where("id = ?", item.ID).
		Updates(map[string]any{
			"name":               item.Name,
			"type":               item.Type,
			"target_allocations": item.TargetAllocations,
			"triggers":           item.Triggers,
			"execution_params":   item.ExecutionParams,
			"advanced":           item.Advanced,
			"updated_at":         time.Now().UTC(),
		}).Error
}

func (s *Store) SetStrategyStatus(ctx context.Context, id uint64, status string) error {
	if s == nil || s.db == nil || id == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.Strategy{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "updated_at": time.Now().UTC()}).
		Error
}

func (s *Store) UpdateStrategySchedule(ctx context.Context, id uint64, expectedVersion int64, update repository.ScheduleUpdate) error {
	if s == nil || s.db == nil || id == 0 {
		return nil
	}
	updates := map[string]any{
		"version":    gorm.Expr("version + 1"),
		"updated_at": time.Now().UTC(),
	}
	if update.LastRebalanceAt != nil {
		updates["last_rebalance_at"] = *update.LastRebalanceAt
	}
	if update.LastRebalanceStatus != nil {
		updates["last_rebalance_status"] = *update.LastRebalanceStatus
	}
	if update.LastRebalanceDetail != nil {
		updates["last_rebalance_detail"] = *update.LastRebalanceDetail
	}
	if update.NextScheduledAt != nil {
		updates["next_scheduled_at"] = *update.NextScheduledAt
	}
	res := s.db.WithContext(ctx).
		Model(&models.Strategy{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.Conflict("strategy schedule version mismatch")
	}
	return nil
}

func (s *Store) DeleteStrategy(ctx context.Context, id uint64) error {
	if s == nil || s.db == nil || id == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Strategy{}).Error
}

func (s *Store) ListActiveStrategiesByTypes(ctx context.Context, types []string, limit int) ([]models.Strategy, error) {
	if s == nil || s.db == nil || len(types) == 0 {
		return nil, nil
	}
	limit = normalizeLimit(limit, 200)
	var items []models.Strategy
	err := s.db.WithContext(ctx).
		Model(&models.Strategy{}).
		Where("status = ?", models.StrategyStatusActive).
		Where("type IN ?", types).
		Order("id asc").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListDuePeriodicStrategies(ctx context.Context, now time.Time, limit int) ([]models.Strategy, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	limit = normalizeLimit(limit, 200)
	var items []models.Strategy
	err := s.db.WithContext(ctx).
		Model(&models.Strategy{}).
		Where("status = ?", models.StrategyStatusActive).
		Where("type = ?", models.StrategyTypePeriodic).
		Where("next_scheduled_at IS NOT NULL AND next_scheduled_at <= ?", now).
		Order("next_scheduled_at asc").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// --- operations -------------------------------------------------------------

func (s *Store) CreateOperationIfNoneActive(ctx context.Context, item *models.Operation) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	err := s.db.WithContext(ctx).Create(item).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperr.Conflict("an operation is already in flight for this strategy")
	}
	return err
}

func (s *Store) GetOperationByID(ctx context.Context, id uint64) (*models.Operation, error) {
	if s == nil || s.db == nil || id == 0 {
		return nil, nil
	}
	var item models.Operation
	err := s.db.WithContext(ctx).Model(&models.Operation{}).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListOperations(ctx context.Context, params repository.ListOperationsParams) ([]models.Operation, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.applyOperationFilters(ctx, params)
	query = applyOrder(query, params.OrderBy, params.Asc, "created_at")
	limit := normalizeLimit(params.Limit, 100)
	offset := normalizeOffset(params.Offset)
	var items []models.Operation
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountOperations(ctx context.Context, params repository.ListOperationsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	if err := s.applyOperationFilters(ctx, params).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) applyOperationFilters(ctx context.Context, params repository.ListOperationsParams) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.Operation{})
	if params.OwnerID != nil && strings.TrimSpace(*params.OwnerID) != "" {
		query = query.Where("owner_id = ?", strings.TrimSpace(*params.OwnerID))
	}
	if params.StrategyID != nil && *params.StrategyID > 0 {
		query = query.Where("strategy_id = ?", *params.StrategyID)
	}
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.TrimSpace(*params.Status))
	}
	if params.Trigger != nil && strings.TrimSpace(*params.Trigger) != "" {
		query = query.Where("trigger = ?", strings.TrimSpace(*params.Trigger))
	}
	if params.Since != nil && !params.Since.IsZero() {
		query = query.Where("created_at >= ?", *params.Since)
	}
	if params.Until != nil && !params.Until.IsZero() {
		query = query.Where("created_at < ?", *params.Until)
	}
	return query
}

func (s *Store) ListOperationsByStatus(ctx context.Context, status string, limit int) ([]models.Operation, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	limit = normalizeLimit(limit, 100)
	var items []models.Operation
	err := s.db.WithContext(ctx).
		Model(&models.Operation{}).
		Where("status = ?", status).
		Order("created_at asc").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountActiveOperationsByStrategy(ctx context.Context, strategyID uint64) (int64, error) {
	if s == nil || s.db == nil || strategyID == 0 {
		return 0, nil
	}
	var total int64
	err := s.db.WithContext(ctx).
		Model(&models.Operation{}).
		Where("strategy_id = ?", strategyID).
		Where("status IN ?", models.ActiveOpStatuses).
		Count(&total).Error
	return total, err
}

// UpdateOperationStatus applies a single forward transition. The row filter
// carries the expected current status, so a lost race or an attempt to leave
// a terminal state surfaces as a ConflictError instead of a silent overwrite.
// Extra field updates ride in the same UPDATE, keeping the transition and its
// audit documents atomic.
func (s *Store) UpdateOperationStatus(ctx context.Context, id uint64, from, to string, updates map[string]any) error {
	if s == nil || s.db == nil || id == 0 {
		return nil
	}
	if models.IsTerminalOpStatus(from) {
		return apperr.Conflict("operation already settled as " + from)
	}
	if updates == nil {
		updates = map[string]any{}
	}
	updates["status"] = to
	updates["updated_at"] = time.Now().UTC()
	if to == models.OpStatusExecuting {
		updates["started_at"] = time.Now().UTC()
	}
	if models.IsTerminalOpStatus(to) {
		updates["finished_at"] = time.Now().UTC()
	}
	res := s.db.WithContext(ctx).
		Model(&models.Operation{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.Conflict("operation is not in status " + from)
	}
	return nil
}

func (s *Store) UpdateOperationFields(ctx context.Context, id uint64, updates map[string]any) error {
	if s == nil || s.db == nil || id == 0 || len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = time.Now().UTC()
	return s.db.WithContext(ctx).
		Model(&models.Operation{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (s *Store) CancelStaleOperations(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	if before.IsZero() {
		return 0, nil
	}
	// An operation stuck in simulating (crash between the transition and the
	// plan/simulation writes) must be reaped too, or the one-active index
	// blocks its strategy forever.
	res := s.db.WithContext(ctx).
		Model(&models.Operation{}).
		Where("status IN ?", []string{models.OpStatusPending, models.OpStatusSimulating}).
		Where("created_at < ?", before).
		Updates(map[string]any{
			"status":      models.OpStatusCancelled,
			"finished_at": time.Now().UTC(),
			"updated_at":  time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}

// --- transactions -----------------------------------------------------------

func (s *Store) InsertTransactions(ctx context.Context, items []models.Transaction) error {
	if s == nil || s.db == nil || len(items) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&items).Error
}

func (s *Store) ListTransactionsByOperationID(ctx context.Context, operationID uint64) ([]models.Transaction, error) {
	if s == nil || s.db == nil || operationID == 0 {
		return nil, nil
	}
	var items []models.Transaction
	err := s.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("operation_id = ?", operationID).
		Order("seq asc").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ReplaceTransactions(ctx context.Context, operationID uint64, items []models.Transaction) error {
	if s == nil || s.db == nil || operationID == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("operation_id = ?", operationID).Delete(&models.Transaction{}).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		return tx.Create(&items).Error
	})
}

func (s *Store) UpdateTransactionStatus(ctx context.Context, id uint64, from, to string, updates map[string]any) error {
	if s == nil || s.db == nil || id == 0 {
		return nil
	}
	if models.IsTerminalTxStatus(from) {
		return apperr.Conflict("transaction already settled as " + from)
	}
	if updates == nil {
		updates = map[string]any{}
	}
	updates["status"] = to
	updates["updated_at"] = time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.Conflict("transaction is not in status " + from)
	}
	return nil
}

// --- performance ------------------------------------------------------------

func (s *Store) ListSettledOperations(ctx context.Context, owner string, since time.Time) ([]models.Operation, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).
		Model(&models.Operation{}).
		Where("status IN ?", []string{models.OpStatusCompleted, models.OpStatusPartial})
	if strings.TrimSpace(owner) != "" {
		query = query.Where("owner_id = ?", strings.TrimSpace(owner))
	}
	if !since.IsZero() {
		query = query.Where("finished_at >= ?", since)
	}
	var items []models.Operation
	if err := query.Order("finished_at asc").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- holding prices ---------------------------------------------------------

func (s *Store) UpsertHoldingPrice(ctx context.Context, item *models.HoldingPrice) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if strings.TrimSpace(item.AssetID) == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "asset_id"}, {Name: "chain"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"price_usd",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) ListHoldingPrices(ctx context.Context, limit int) ([]models.HoldingPrice, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	limit = normalizeLimit(limit, 500)
	var items []models.HoldingPrice
	err := s.db.WithContext(ctx).
		Model(&models.HoldingPrice{}).
		Order("asset_id asc, chain asc").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountStaleHoldingPrices(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil || before.IsZero() {
		return 0, nil
	}
	var total int64
	err := s.db.WithContext(ctx).
		Model(&models.HoldingPrice{}).
		Where("updated_at < ?", before).
		Count(&total).Error
	return total, err
}

// --- helpers ----------------------------------------------------------------

func normalizeLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

var orderableColumns = map[string]bool{
	"created_at":        true,
	"updated_at":        true,
	"finished_at":       true,
	"next_scheduled_at": true,
	"status":            true,
	"name":              true,
	"id":                true,
}

func applyOrder(query *gorm.DB, orderBy string, asc *bool, def string) *gorm.DB {
	col := strings.TrimSpace(orderBy)
	if col == "" || !orderableColumns[col] {
		col = def
	}
	dir := "desc"
	if asc != nil && *asc {
		dir = "asc"
	}
	return query.Order(col + " " + dir)
}
