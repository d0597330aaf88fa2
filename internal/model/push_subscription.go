package model

import "time"

// PushSubscription holds a browser push subscription for an operator who receives alerts.
type PushSubscription struct {
	Endpoint  string    `gorm:"primaryKey"`
	P256DH    string    `gorm:"column:p256dh;not null"`
	Auth      string    `gorm:"not null"`
	AdminID   string    `gorm:"size:64;index"`
	CreatedAt time.Time `gorm:"not null"`

	// Associations. An empty set means all machines.
	Machines []*Machine `gorm:"many2many:subscription_machine_mapping;"`
}
