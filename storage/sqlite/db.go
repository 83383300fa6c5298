// Package sqlite persists bridge state in a SQLite database: the sleep state
// block, so a buffered backlog survives a full power cycle, and a journal
// of the traffic the router moved.
package sqlite

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	sqlitedriver "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// Pure Go driver registered as "sqlite".
	_ "modernc.org/sqlite"
)

// DefaultPath is used when Config.Path is empty.
const DefaultPath = "lorabridge.db"

// Config holds database configuration.
type Config struct {
	// Path to the SQLite database file.
	Path string
	// Logger for database events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// DB wraps the GORM connection.
type DB struct {
	db  *gorm.DB
	log *slog.Logger
}

// Open opens (creating if needed) the database and runs migrations.
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.WithGroup("storage")

	dir := filepath.Dir(cfg.Path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	gormLog := gormlogger.New(
		&gormLogAdapter{log: logger},
		gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	dialector := sqlitedriver.Dialector{
		DriverName: "sqlite",
		DSN:        cfg.Path,
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := db.AutoMigrate(&SleepStateRecord{}, &JournalEntry{}); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("database initialized", "path", cfg.Path)
	return &DB{db: db, log: logger}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetDB returns the underlying GORM instance.
func (d *DB) GetDB() *gorm.DB {
	return d.db
}

type gormLogAdapter struct {
	log *slog.Logger
}

func (l *gormLogAdapter) Printf(format string, args ...any) {
	l.log.Warn(fmt.Sprintf(format, args...))
}
