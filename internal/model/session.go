package model

import "time"

// SessionStatus moves forward only: pending -> active -> completed, or pending -> failed/cancelled.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// Open reports whether the session still holds its machine.
func (s SessionStatus) Open() bool {
	return s == SessionPending || s == SessionActive
}

// UsageSession is a paid, timed rental of one machine.
type UsageSession struct {
	ID                       string        `gorm:"primaryKey;size:36" json:"id"`
	UserID                   string        `gorm:"size:64;not null;index" json:"userId"`
	MachineID                int64         `gorm:"not null;index" json:"machineId"`
	RequestedDurationMinutes int           `gorm:"not null" json:"requestedDurationMinutes"`
	ActualMinutesUsed        int           `gorm:"not null;default:0" json:"actualMinutesUsed"`
	Cost                     int64         `gorm:"not null" json:"cost"`
	PaymentMethod            string        `gorm:"size:32;not null" json:"paymentMethod"`
	PaymentID                string        `gorm:"size:128;index" json:"paymentId,omitempty"`
	Status                   SessionStatus `gorm:"size:16;not null;index" json:"status"`
	EndCause                 string        `gorm:"size:32" json:"endCause,omitempty"`
	StartTime                *time.Time    `json:"startTime"`
	EndTime                  *time.Time    `json:"endTime"`
	CreatedAt                time.Time     `json:"createdAt"`
	UpdatedAt                time.Time     `json:"updatedAt"`
}

// Account holds a user's prepaid balance used for immediate settlement.
type Account struct {
	UserID    string `gorm:"primaryKey;size:64"`
	Balance   int64  `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

// Payment records an externally settled charge. PaymentID is the gateway's identifier
// and the idempotency key for confirmation callbacks.
type Payment struct {
	PaymentID   string `gorm:"primaryKey;size:128"`
	SessionID   string `gorm:"size:36;not null;uniqueIndex"`
	Amount      int64  `gorm:"not null"`
	Status      string `gorm:"size:16;not null"` // created, succeeded, failed
	ProcessedAt *time.Time
	CreatedAt   time.Time
}
