// Package testutil holds shared fixtures for package tests.
package testutil

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"gorm.io/gorm"

	"vacuum-rental-backend/config"
	"vacuum-rental-backend/internal/db"
	"vacuum-rental-backend/internal/model"
)

var dbSeq atomic.Int64

// NewTestDSN generates a DSN for a private in-memory SQLite database.
func NewTestDSN(testName string) string {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(testName)
	return fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbSeq.Add(1))
}

// NewTestDB opens a migrated in-memory database. A single connection keeps
// SQLite writers serialized; it is closed when the test ends.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gormDB, err := db.Open(&config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          NewTestDSN(t.Name()),
		MaxOpenConns: 1,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.Migrate(gormDB); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	sqlDB, _ := gormDB.DB()
	t.Cleanup(func() { sqlDB.Close() })
	return gormDB
}

// Epoch is the start time used by test clocks.
var Epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// NewClock returns a test clock set to Epoch.
func NewClock() *testclock.Clock {
	return testclock.NewClock(Epoch)
}

// Machine returns an online machine with a fresh heartbeat at now.
func Machine(id int64, now time.Time) *model.Machine {
	hb := now
	return &model.Machine{
		ID:                       id,
		Code:                     fmt.Sprintf("VC-%04d", id),
		DisplayName:              fmt.Sprintf("Vacuum %d", id),
		Status:                   model.StatusOnline,
		LastHeartbeatAt:          &hb,
		MaintenanceIntervalHours: 100,
		PricePerMinute:           1,
		MaxDurationMinutes:       30,
	}
}
