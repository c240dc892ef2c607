package service

import (
	"fmt"
	"testing"

	"github.com/glamour29/chat-app/internal/config"
	"github.com/glamour29/chat-app/internal/db"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testConfig() config.Config {
	return config.Config{
		Port:                  "0",
		DatabaseDSN:           "sqlite::memory:",
		JWTSecret:             "test-secret",
		Env:                   "dev",
		AccessTokenTTLMinutes: 15,
		RefreshTokenTTLDays:   7,
	}
}

// newTestDB spins up an isolated in-memory sqlite database per test.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

// seedUsers creates n users and returns their IDs in creation order.
func seedUsers(t *testing.T, gdb *gorm.DB, n int) []uint {
	t.Helper()
	svc := NewUserService(gdb, testConfig())
	ids := make([]uint, 0, n)
	for i := 0; i < n; i++ {
		res, err := svc.Register(fmt.Sprintf("user%d", i+1), "password")
		if err != nil {
			t.Fatalf("register user%d: %v", i+1, err)
		}
		ids = append(ids, res.ID)
	}
	return ids
}
