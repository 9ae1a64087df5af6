package repository

import (
	"context"
	"time"

	"rebalancer/internal/models"
)

// StrategyRepository persists rebalancing strategies. Schedule-field writes
// are optimistic: they carry the version the caller read and fail with a
// ConflictError when the row has moved on.
type StrategyRepository interface {
	InsertStrategy(ctx context.Context, item *models.Strategy) error
	GetStrategyByID(ctx context.Context, id uint64) (*models.Strategy, error)
	ListStrategies(ctx context.Context, params ListStrategiesParams) ([]models.Strategy, error)
	CountStrategies(ctx context.Context, params ListStrategiesParams) (int64, error)
	UpdateStrategy(ctx context.Context, item *models.Strategy) error
	SetStrategyStatus(ctx context.Context, id uint64, status string) error
	UpdateStrategySchedule(ctx context.Context, id uint64, expectedVersion int64, update ScheduleUpdate) error
	DeleteStrategy(ctx context.Context, id uint64) error

	ListActiveStrategiesByTypes(ctx context.Context, types []string, limit int) ([]models.Strategy, error)
	ListDuePeriodicStrategies(ctx context.Context, now time.Time, limit int) ([]models.Strategy, error)
}

// OperationRepository persists operations. CreateOperationIfNoneActive is the
// atomic conditional check-and-create behind the one-active-operation rule;
// UpdateOperationStatus only applies whitelisted forward transitions, and any
// accompanying field updates land in the same conditional write so a status
// change and its audit document cannot be split by a crash.
type OperationRepository interface {
	CreateOperationIfNoneActive(ctx context.Context, item *models.Operation) error
	GetOperationByID(ctx context.Context, id uint64) (*models.Operation, error)
	ListOperations(ctx context.Context, params ListOperationsParams) ([]models.Operation, error)
	CountOperations(ctx context.Context, params ListOperationsParams) (int64, error)
	ListOperationsByStatus(ctx context.Context, status string, limit int) ([]models.Operation, error)
	CountActiveOperationsByStrategy(ctx context.Context, strategyID uint64) (int64, error)
	UpdateOperationStatus(ctx context.Context, id uint64, from, to string, updates map[string]any) error
	UpdateOperationFields(ctx context.Context, id uint64, updates map[string]any) error
	CancelStaleOperations(ctx context.Context, before time.Time) (int64, error)
}

type TransactionRepository interface {
	InsertTransactions(ctx context.Context, items []models.Transaction) error
	ListTransactionsByOperationID(ctx context.Context, operationID uint64) ([]models.Transaction, error)
	ReplaceTransactions(ctx context.Context, operationID uint64, items []models.Transaction) error
	UpdateTransactionStatus(ctx context.Context, id uint64, from, to string, updates map[string]any) error
}

type PerformanceRepository interface {
	ListSettledOperations(ctx context.Context, owner string, since time.Time) ([]models.Operation, error)
}

type PriceRepository interface {
	UpsertHoldingPrice(ctx context.Context, item *models.HoldingPrice) error
	ListHoldingPrices(ctx context.Context, limit int) ([]models.HoldingPrice, error)
	CountStaleHoldingPrices(ctx context.Context, before time.Time) (int64, error)
}

// Repository is the unified store handed to services and handlers.
type Repository interface {
	StrategyRepository
	OperationRepository
	TransactionRepository
	PerformanceRepository
	PriceRepository
}

// ScheduleUpdate is the conditional write applied to a strategy's schedule
// fields after an operation is opened or settles.
type ScheduleUpdate struct {
	LastRebalanceAt     *time.Time
	LastRebalanceStatus *string
	LastRebalanceDetail *string
	NextScheduledAt     *time.Time
}

type ListStrategiesParams struct {
	Limit   int
	Offset  int
	OwnerID *string
	Status  *string
	Type    *string
	OrderBy string
	Asc     *bool
}

type ListOperationsParams struct {
	Limit      int
	Offset     int
	OwnerID    *string
	StrategyID *uint64
	Status     *string
	Trigger    *string
	Since      *time.Time
	Until      *time.Time
	OrderBy    string
	Asc        *bool
}
