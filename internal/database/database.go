package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite" // Pure Go SQLite driver (uses modernc.org/sqlite)
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/obot-platform/rdbcoord/internal/config"
	"github.com/obot-platform/rdbcoord/internal/logger"
	"github.com/obot-platform/rdbcoord/internal/model"
)

// sqlitePragmas are applied through the DSN so every pooled connection gets them.
// WAL lets the event poller read while the heartbeat loop writes; busy_timeout
// makes a locked database wait instead of failing with SQLITE_BUSY.
var sqlitePragmas = []string{
	"_pragma=busy_timeout(5000)",
	"_pragma=journal_mode(WAL)",
}

// DB wraps the GORM DB connection with additional context
type DB struct {
	*gorm.DB
	Driver string
	log    *logger.Logger
}

// New creates a new database connection based on configuration
func New(cfg *config.Config, log *logger.Logger) (*DB, error) {
	if log == nil {
		log = logger.Nop()
	}
	log = log.Named("database")

	// Only slow queries (>1 second) and errors reach the log
	slowLogger := gormlogger.New(
		log,
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	gormConfig := &gorm.Config{
		Logger:         slowLogger,
		TranslateError: true,
	}

	driver := cfg.Database.Driver
	dsn := cfg.CleanDSN()

	var db *gorm.DB
	var err error

	switch driver {
	case "postgres":
		db, err = openPostgres(dsn, gormConfig)
	case "sqlite":
		sqliteDSN := strings.TrimPrefix(dsn, "file:")

		// Ensure parent directory exists for file-based databases
		if !strings.HasPrefix(sqliteDSN, ":memory:") {
			path := sqliteDSN
			if i := strings.Index(path, "?"); i >= 0 {
				path = path[:i]
			}
			dir := filepath.Dir(path)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
			}
		}

		db, err = gorm.Open(sqlite.Open(withPragmas(sqliteDSN)), gormConfig)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	// Configure connection pool based on driver
	if driver == "sqlite" {
		sqlDB.SetMaxOpenConns(4)
		sqlDB.SetMaxIdleConns(4)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	}

	log.Info("connected to database", "driver", driver)
	return &DB{DB: db, Driver: driver, log: log}, nil
}

// openPostgres builds the connection through pgx's database/sql adapter so the
// pgx config (statement cache, runtime params) is parsed once and reused.
func openPostgres(dsn string, gormConfig *gorm.Config) (*gorm.DB, error) {
	connConfig, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if connConfig.RuntimeParams == nil {
		connConfig.RuntimeParams = map[string]string{}
	}
	connConfig.RuntimeParams["application_name"] = "rdbcoord"

	sqlDB := stdlib.OpenDB(*connConfig)
	return gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), gormConfig)
}

func withPragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(sqlitePragmas, "&")
}

// Migrate runs database migrations using GORM's AutoMigrate
func (db *DB) Migrate() error {
	db.log.Info("running migrations", "tables", len(model.AllModels()))
	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// IsPostgres returns true if using PostgreSQL
func (db *DB) IsPostgres() bool {
	return db.Driver == "postgres"
}

// IsSQLite returns true if using SQLite
func (db *DB) IsSQLite() bool {
	return db.Driver == "sqlite"
}

// Close closes the database connection
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
