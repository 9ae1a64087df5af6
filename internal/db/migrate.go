package db

import (
	"rebalancer/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	if err := db.Gorm.AutoMigrate(
		&models.Strategy{},
		&models.Operation{},
		&models.Transaction{},
		&models.HoldingPrice{},
	); err != nil {
		return err
	}

	// One non-terminal operation per strategy, enforced by the database so a
	// manual trigger and a scheduler poll cannot race past each other.
	return db.Gorm.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_operations_one_active
		ON operations (strategy_id)
		WHERE status IN ('pending', 'simulating', 'waitingApproval', 'executing')
	`).Error
}
