package models

import (
	"time"

	"gorm.io/datatypes"
)

// Strategy status lifecycle: draft -> active <-> paused.
const (
	StrategyStatusDraft  = "draft"
	StrategyStatusActive = "active"
	StrategyStatusPaused = "paused"
)

// Strategy trigger types.
const (
	StrategyTypeThreshold = "threshold"
	StrategyTypePeriodic  = "periodic"
	StrategyTypeCustom    = "custom"
)

// Schedule cadences for periodic strategies.
const (
	ScheduleDaily     = "daily"
	ScheduleWeekly    = "weekly"
	ScheduleMonthly   = "monthly"
	ScheduleQuarterly = "quarterly"
	ScheduleCustom    = "custom"
)

// Strategy is a user-owned rebalancing policy. Target allocations and the
// trigger/execution documents live in jsonb; fields the scheduler queries on
// (status, type, schedule timestamps) are columns.
type Strategy struct {
	ID      uint64 `gorm:"primaryKey;autoIncrement"`
	OwnerID string `gorm:"type:varchar(100);not null;index"`
	Name    string `gorm:"type:varchar(100);not null"`

	Status string `gorm:"type:varchar(20);not null;default:'draft';index"`
	Type   string `gorm:"type:varchar(20);not null;index"`

	TargetAllocations datatypes.JSON `gorm:"type:jsonb;not null"`
	Triggers          datatypes.JSON `gorm:"type:jsonb;not null"`
	ExecutionParams   datatypes.JSON `gorm:"type:jsonb;not null"`
	Advanced          datatypes.JSON `gorm:"type:jsonb"`

	LastRebalanceAt     *time.Time `gorm:"type:timestamptz;index"`
	LastRebalanceStatus *string    `gorm:"type:varchar(20)"`
	LastRebalanceDetail *string    `gorm:"type:text"`
	NextScheduledAt     *time.Time `gorm:"type:timestamptz;index"`

	// Version guards schedule-field writes: a manual trigger and a scheduled
	// poll must not silently overwrite each other.
	Version int64 `gorm:"not null;default:0"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Strategy) TableName() string {
	return "strategies"
}

func (s *Strategy) Targets() ([]AllocationTarget, error) {
	var out []AllocationTarget
	err := decodeJSON(s.TargetAllocations, &out)
	return out, err
}

func (s *Strategy) TriggerConfig() (TriggerConfig, error) {
	var out TriggerConfig
	err := decodeJSON(s.Triggers, &out)
	return out, err
}

func (s *Strategy) ExecParams() (ExecutionParams, error) {
	var out ExecutionParams
	err := decodeJSON(s.ExecutionParams, &out)
	return out, err
}

func (s *Strategy) AdvancedParams() (AdvancedParams, error) {
	var out AdvancedParams
	err := decodeJSON(s.Advanced, &out)
	return out, err
}
