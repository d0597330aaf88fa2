package model

import "time"

// MachineStatus is the availability state of a vacuum unit.
type MachineStatus string

const (
	StatusOnline      MachineStatus = "online"
	StatusOffline     MachineStatus = "offline"
	StatusMaintenance MachineStatus = "maintenance"
	StatusInUse       MachineStatus = "in_use"
)

// Machine represents a rentable vacuum unit and its lifecycle state.
type Machine struct {
	ID              int64         `gorm:"primaryKey" json:"id"`
	Code            string        `gorm:"uniqueIndex;size:64;not null" json:"code"`
	DisplayName     string        `gorm:"size:256" json:"displayName"`
	Location        string        `gorm:"size:256" json:"location"`
	ControllerID    string        `gorm:"size:64" json:"controllerId"`
	Status          MachineStatus `gorm:"size:16;not null;default:offline;index" json:"status"`
	LastHeartbeatAt *time.Time    `json:"lastHeartbeatAt"`

	// Usage accumulates until an explicit maintenance reset.
	CurrentOperatingMinutes  int64 `gorm:"not null;default:0" json:"currentOperatingMinutes"`
	MaintenanceIntervalHours int64 `gorm:"not null;default:100" json:"maintenanceIntervalHours"`
	// MaintenanceDue is set on a threshold crossing and cleared by a reset.
	MaintenanceDue bool `gorm:"not null;default:false" json:"maintenanceDue"`

	OverrideActive bool       `gorm:"not null;default:false" json:"overrideActive"`
	OverrideReason string     `gorm:"size:512" json:"overrideReason"`
	OverrideBy     string     `gorm:"size:64" json:"overrideBy"`
	OverrideAt     *time.Time `json:"overrideAt"`

	PricePerMinute     int64 `gorm:"not null" json:"pricePerMinute"` // minor currency units
	MaxDurationMinutes int   `gorm:"not null;default:30" json:"maxDurationMinutes"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Override is a read view over the override columns.
type Override struct {
	Active bool
	Reason string
	By     string
	At     *time.Time
}

// Override returns the machine's maintenance override.
func (m *Machine) Override() Override {
	return Override{Active: m.OverrideActive, Reason: m.OverrideReason, By: m.OverrideBy, At: m.OverrideAt}
}

// OverThreshold reports whether accumulated usage has reached the maintenance interval.
func (m *Machine) OverThreshold() bool {
	if m.MaintenanceIntervalHours <= 0 {
		return false
	}
	return m.CurrentOperatingMinutes >= m.MaintenanceIntervalHours*60
}
