// Package persistence provides SQLite-based storage for jobs, attempts,
// progress events, approval state, tool registry entries, and conversation
// metadata. The Store is an explicitly constructed owner; callers hold a
// reference and close it during shutdown.
package persistence

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"braindrive/pkg/clock"
	"braindrive/pkg/logx"
)

// Store wraps the database connection and provides all persistence
// operations. SQLite supports a single writer; the pool is sized
// accordingly.
type Store struct {
	db     *sql.DB
	clk    clock.Clock
	logger *logx.Logger
}

// Open opens (creating if necessary) the database at dbPath and ensures the
// schema is at the current version. Use ":memory:" for tests.
func Open(dbPath string, clk clock.Clock) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger := logx.NewLogger("persistence")
	logger.Info("📦 Database initialized: %s", dbPath)

	return &Store{db: db, clk: clk, logger: logger}, nil
}

// DB exposes the underlying connection for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
