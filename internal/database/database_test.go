package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/obot-platform/rdbcoord/internal/config"
	"github.com/obot-platform/rdbcoord/internal/logger"
	"github.com/obot-platform/rdbcoord/internal/model"
)

func TestWithPragmas(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"./c.db", "./c.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"},
		{"./c.db?cache=shared", "./c.db?cache=shared&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"},
		{"./c.db?_pragma=busy_timeout(100)", "./c.db?_pragma=busy_timeout(100)"},
	}
	for _, tt := range tests {
		if got := withPragmas(tt.dsn); got != tt.want {
			t.Errorf("withPragmas(%q) = %q, want %q", tt.dsn, got, tt.want)
		}
	}
}

func TestNewWithoutLogger(t *testing.T) {
	cfg := &config.Config{Database: config.DatabaseConfig{
		DSN:    "sqlite3://" + filepath.Join(t.TempDir(), "coord.db"),
		Driver: "sqlite",
	}}

	db, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer db.Close()

	if err := db.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}

func TestNewSQLiteAndMigrate(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{Database: config.DatabaseConfig{
		DSN:    "sqlite3://" + filepath.Join(dir, "nested", "coord.db"),
		Driver: "sqlite",
	}}

	db, err := New(cfg, logger.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer db.Close()

	if !db.IsSQLite() || db.IsPostgres() {
		t.Errorf("driver flags wrong for %q", db.Driver)
	}
	if err := db.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	// migrations are idempotent
	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}

	for _, m := range model.AllModels() {
		if !db.Migrator().HasTable(m) {
			t.Errorf("table for %T missing", m)
		}
	}
}

func TestNewUnsupportedDriver(t *testing.T) {
	cfg := &config.Config{Database: config.DatabaseConfig{DSN: "mysql://x", Driver: "mysql"}}
	if _, err := New(cfg, logger.Nop()); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}
