package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vacuum-rental-backend/internal/apperr"
	"vacuum-rental-backend/internal/model"
)

// Store defines the interface for all database operations.
type Store interface {
	// Tx runs fn against a transactional store. fn must only use the store it is given.
	Tx(ctx context.Context, fn func(Store) error) error
	DB() *gorm.DB

	CreateMachine(ctx context.Context, m *model.Machine) error
	GetMachine(ctx context.Context, id int64) (*model.Machine, error)
	GetMachineByCode(ctx context.Context, code string) (*model.Machine, error)
	ListMachinesByStatus(ctx context.Context, statuses ...model.MachineStatus) ([]model.Machine, error)
	SaveMachineState(ctx context.Context, m *model.Machine) error
	UpdateHeartbeat(ctx context.Context, machineID int64, controllerID string, at time.Time) (bool, error)

	CreateSession(ctx context.Context, s *model.UsageSession) error
	GetSession(ctx context.Context, id string) (*model.UsageSession, error)
	FindOpenSession(ctx context.Context, machineID int64) (*model.UsageSession, error)
	SaveSession(ctx context.Context, s *model.UsageSession) error
	ListSessionsByStatus(ctx context.Context, status model.SessionStatus) ([]model.UsageSession, error)
	ListPendingSessionsBefore(ctx context.Context, before time.Time) ([]model.UsageSession, error)

	GetBalance(ctx context.Context, userID string) (int64, error)
	Credit(ctx context.Context, userID string, amount int64) error
	Debit(ctx context.Context, userID string, amount int64) error

	CreatePayment(ctx context.Context, p *model.Payment) error
	GetPayment(ctx context.Context, paymentID string) (*model.Payment, error)
	ClaimPayment(ctx context.Context, paymentID, status string, at time.Time) (bool, error)

	AppendMaintenanceLog(ctx context.Context, e *model.MaintenanceLogEntry) error
	ListMaintenanceLogs(ctx context.Context, machineID int64) ([]model.MaintenanceLogEntry, error)

	CreateEvent(ctx context.Context, e *model.NotificationEvent) error
	GetEvent(ctx context.Context, id string) (*model.NotificationEvent, error)
	UpdateEventDelivery(ctx context.Context, id string, status model.DeliveryStatus, attempts int, lastErr string) error
	ListEventsByStatus(ctx context.Context, status model.DeliveryStatus) ([]model.NotificationEvent, error)

	ListSubscriptionsForMachine(ctx context.Context, machineID int64) ([]model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) DB() *gorm.DB {
	return s.db
}

func (s *gormStore) Tx(ctx context.Context, fn func(Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormStore{db: tx})
	})
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound(format, args...)
	}
	return err
}

// --- Machines ---

func (s *gormStore) CreateMachine(ctx context.Context, m *model.Machine) error {
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("failed to create machine %q: %w", m.Code, err)
	}
	return nil
}

func (s *gormStore) GetMachine(ctx context.Context, id int64) (*model.Machine, error) {
	var m model.Machine
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, notFound(err, "machine %d not found", id)
	}
	return &m, nil
}

func (s *gormStore) GetMachineByCode(ctx context.Context, code string) (*model.Machine, error) {
	var m model.Machine
	if err := s.db.WithContext(ctx).Where("code = ?", code).First(&m).Error; err != nil {
		return nil, notFound(err, "machine %q not found", code)
	}
	return &m, nil
}

func (s *gormStore) ListMachinesByStatus(ctx context.Context, statuses ...model.MachineStatus) ([]model.Machine, error) {
	var machines []model.Machine
	q := s.db.WithContext(ctx).Order("id")
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	if err := q.Find(&machines).Error; err != nil {
		return nil, fmt.Errorf("failed to list machines: %w", err)
	}
	return machines, nil
}

// machineStateColumns are the lifecycle columns written under the machine lock.
// Heartbeat columns are excluded so a concurrent heartbeat is never overwritten.
var machineStateColumns = []string{
	"status", "current_operating_minutes", "maintenance_due",
	"override_active", "override_reason", "override_by", "override_at", "updated_at",
}

func (s *gormStore) SaveMachineState(ctx context.Context, m *model.Machine) error {
	if err := s.db.WithContext(ctx).Model(m).Select(machineStateColumns).Updates(m).Error; err != nil {
		return fmt.Errorf("failed to save machine %d: %w", m.ID, err)
	}
	return nil
}

// UpdateHeartbeat records a heartbeat. Out-of-order heartbeats older than the stored one are ignored.
func (s *gormStore) UpdateHeartbeat(ctx context.Context, machineID int64, controllerID string, at time.Time) (bool, error) {
	updates := map[string]any{"last_heartbeat_at": at}
	if controllerID != "" {
		updates["controller_id"] = controllerID
	}
	res := s.db.WithContext(ctx).Model(&model.Machine{}).
		Where("id = ? AND (last_heartbeat_at IS NULL OR last_heartbeat_at < ?)", machineID, at).
		UpdateColumns(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to record heartbeat for machine %d: %w", machineID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// --- Sessions ---

func (s *gormStore) CreateSession(ctx context.Context, us *model.UsageSession) error {
	if err := s.db.WithContext(ctx).Create(us).Error; err != nil {
		return fmt.Errorf("failed to create session for machine %d: %w", us.MachineID, err)
	}
	return nil
}

func (s *gormStore) GetSession(ctx context.Context, id string) (*model.UsageSession, error) {
	var us model.UsageSession
	if err := s.db.WithContext(ctx).First(&us, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "session %q not found", id)
	}
	return &us, nil
}

// FindOpenSession returns the pending or active session holding the machine, or nil.
func (s *gormStore) FindOpenSession(ctx context.Context, machineID int64) (*model.UsageSession, error) {
	var sessions []model.UsageSession
	err := s.db.WithContext(ctx).
		Where("machine_id = ? AND status IN ?", machineID, []model.SessionStatus{model.SessionPending, model.SessionActive}).
		Limit(1).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to look up open session for machine %d: %w", machineID, err)
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	return &sessions[0], nil
}

func (s *gormStore) SaveSession(ctx context.Context, us *model.UsageSession) error {
	if err := s.db.WithContext(ctx).Save(us).Error; err != nil {
		return fmt.Errorf("failed to save session %s: %w", us.ID, err)
	}
	return nil
}

func (s *gormStore) ListSessionsByStatus(ctx context.Context, status model.SessionStatus) ([]model.UsageSession, error) {
	var sessions []model.UsageSession
	if err := s.db.WithContext(ctx).Where("status = ?", status).Order("created_at").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("failed to list %s sessions: %w", status, err)
	}
	return sessions, nil
}

func (s *gormStore) ListPendingSessionsBefore(ctx context.Context, before time.Time) ([]model.UsageSession, error) {
	var sessions []model.UsageSession
	err := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", model.SessionPending, before).
		Order("created_at").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale pending sessions: %w", err)
	}
	return sessions, nil
}

// --- Accounts ---

func (s *gormStore) GetBalance(ctx context.Context, userID string) (int64, error) {
	var acct model.Account
	if err := s.db.WithContext(ctx).First(&acct, "user_id = ?", userID).Error; err != nil {
		return 0, notFound(err, "account %q not found", userID)
	}
	return acct.Balance, nil
}

func (s *gormStore) Credit(ctx context.Context, userID string, amount int64) error {
	acct := model.Account{UserID: userID, Balance: amount}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]any{"balance": gorm.Expr("accounts.balance + ?", amount)}),
	}).Create(&acct).Error
	if err != nil {
		return fmt.Errorf("failed to credit account %q: %w", userID, err)
	}
	return nil
}

// Debit subtracts amount only if the balance covers it.
func (s *gormStore) Debit(ctx context.Context, userID string, amount int64) error {
	res := s.db.WithContext(ctx).Model(&model.Account{}).
		Where("user_id = ? AND balance >= ?", userID, amount).
		UpdateColumn("balance", gorm.Expr("balance - ?", amount))
	if res.Error != nil {
		return apperr.Payment(apperr.ReasonGatewayFailure, res.Error, "failed to debit account %q", userID)
	}
	if res.RowsAffected == 0 {
		return apperr.Payment(apperr.ReasonInsufficientBalance, nil, "balance of %q does not cover %d", userID, amount)
	}
	return nil
}

// --- Payments ---

func (s *gormStore) CreatePayment(ctx context.Context, p *model.Payment) error {
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("failed to record payment %q: %w", p.PaymentID, err)
	}
	return nil
}

func (s *gormStore) GetPayment(ctx context.Context, paymentID string) (*model.Payment, error) {
	var p model.Payment
	if err := s.db.WithContext(ctx).First(&p, "payment_id = ?", paymentID).Error; err != nil {
		return nil, notFound(err, "payment %q not found", paymentID)
	}
	return &p, nil
}

// ClaimPayment marks an unprocessed payment as processed. It returns false if another
// confirmation already claimed it.
func (s *gormStore) ClaimPayment(ctx context.Context, paymentID, status string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Payment{}).
		Where("payment_id = ? AND processed_at IS NULL", paymentID).
		UpdateColumns(map[string]any{"status": status, "processed_at": at})
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim payment %q: %w", paymentID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// --- Maintenance log ---

func (s *gormStore) AppendMaintenanceLog(ctx context.Context, e *model.MaintenanceLogEntry) error {
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("failed to append maintenance log for machine %d: %w", e.MachineID, err)
	}
	return nil
}

func (s *gormStore) ListMaintenanceLogs(ctx context.Context, machineID int64) ([]model.MaintenanceLogEntry, error) {
	var entries []model.MaintenanceLogEntry
	if err := s.db.WithContext(ctx).Where("machine_id = ?", machineID).Order("id").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list maintenance logs for machine %d: %w", machineID, err)
	}
	return entries, nil
}

// --- Notification events ---

func (s *gormStore) CreateEvent(ctx context.Context, e *model.NotificationEvent) error {
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("failed to persist %s event for machine %d: %w", e.Type, e.SubjectMachineID, err)
	}
	return nil
}

func (s *gormStore) GetEvent(ctx context.Context, id string) (*model.NotificationEvent, error) {
	var e model.NotificationEvent
	if err := s.db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "event %q not found", id)
	}
	return &e, nil
}

func (s *gormStore) UpdateEventDelivery(ctx context.Context, id string, status model.DeliveryStatus, attempts int, lastErr string) error {
	err := s.db.WithContext(ctx).Model(&model.NotificationEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{"delivery_status": status, "attempts": attempts, "last_error": lastErr}).Error
	if err != nil {
		return fmt.Errorf("failed to update delivery of event %s: %w", id, err)
	}
	return nil
}

func (s *gormStore) ListEventsByStatus(ctx context.Context, status model.DeliveryStatus) ([]model.NotificationEvent, error) {
	var events []model.NotificationEvent
	if err := s.db.WithContext(ctx).Where("delivery_status = ?", status).Order("created_at").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to list %s events: %w", status, err)
	}
	return events, nil
}

// --- Push subscriptions ---

// ListSubscriptionsForMachine returns subscriptions mapped to the machine plus
// subscriptions with no machine mapping, which receive every alert.
func (s *gormStore) ListSubscriptionsForMachine(ctx context.Context, machineID int64) ([]model.PushSubscription, error) {
	var subscriptions []model.PushSubscription
	err := s.db.WithContext(ctx).
		Where("endpoint IN (?) OR endpoint NOT IN (?)",
			s.db.Table("subscription_machine_mapping").Select("push_subscription_endpoint").Where("machine_id = ?", machineID),
			s.db.Table("subscription_machine_mapping").Select("push_subscription_endpoint"),
		).
		Find(&subscriptions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch subscriptions for machine %d: %w", machineID, err)
	}
	return subscriptions, nil
}

func (s *gormStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	if err := s.db.WithContext(ctx).Delete(&model.PushSubscription{Endpoint: endpoint}).Error; err != nil {
		return fmt.Errorf("failed to delete subscription %s: %w", endpoint, err)
	}
	return nil
}
