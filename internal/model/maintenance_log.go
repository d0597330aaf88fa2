package model

import "time"

// Maintenance log entry types.
const (
	LogReset            = "reset"
	LogOverrideEnabled  = "override_enabled"
	LogOverrideDisabled = "override_disabled"
	LogRepair           = "repair"
)

// MaintenanceLogEntry is an append-only audit record. Rows are never updated.
type MaintenanceLogEntry struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MachineID     int64     `gorm:"not null;index" json:"machineId"`
	Type          string    `gorm:"size:32;not null" json:"type"`
	PerformedBy   string    `gorm:"size:64;not null" json:"performedBy"`
	Cost          int64     `gorm:"not null;default:0" json:"cost"`
	PartsReplaced string    `gorm:"size:512" json:"partsReplaced"`
	Notes         string    `gorm:"size:1024" json:"notes"`
	MinutesAtLog  int64     `gorm:"not null;default:0" json:"minutesAtLog"`
	Timestamp     time.Time `gorm:"not null;index" json:"timestamp"`
}
