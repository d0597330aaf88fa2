package model

import "time"

// DeliveryStatus tracks a notification through the retry mechanism.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Notification event types.
const (
	EventMachineOffline      = "machine_offline"
	EventMaintenanceRequired = "maintenance_required"
	EventPaymentOrphaned     = "payment_orphaned"
	EventDeviceCommandFailed = "device_command_failed"
)

// NotificationEvent is an alert forwarded to the messaging channel.
type NotificationEvent struct {
	ID               string         `gorm:"primaryKey;size:36"`
	Type             string         `gorm:"size:32;not null;index"`
	SubjectMachineID int64          `gorm:"not null;index"`
	Message          string         `gorm:"size:1024;not null"`
	DeliveryStatus   DeliveryStatus `gorm:"size:16;not null;index"`
	Attempts         int            `gorm:"not null;default:0"`
	LastError        string         `gorm:"size:1024"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
