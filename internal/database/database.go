package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

var (
	// ErrStorageFull is returned when the store refuses a write because its quota is exhausted.
	ErrStorageFull = errors.New("storage full")
	// ErrNotFound is returned when the addressed record no longer exists.
	ErrNotFound = errors.New("not found")
)

// DB is the durable operation store backed by SQLite.
type DB struct {
	*sql.DB
	path          string
	logger        *zerolog.Logger
	maxOperations int
	maxBytes      int64
}

// NewDB opens (or creates) the database at path and ensures the schema exists.
func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000", path)
	if path == ":memory:" {
		dsn = "file::memory:?_busy_timeout=5000"
	}

	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serialises writers and keeps :memory: databases coherent.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("operation store initialized")
	return &DB{DB: sqlDB, path: path, logger: logger}, nil
}

// SetLimits configures the storage quota. Zero disables a limit.
func (db *DB) SetLimits(maxOperations int, maxBytes int64) {
	db.maxOperations = maxOperations
	db.maxBytes = maxBytes
}

// Path returns the file the store was opened from.
func (db *DB) Path() string {
	return db.path
}

func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS operations (
            seq INTEGER PRIMARY KEY AUTOINCREMENT,
            id TEXT NOT NULL UNIQUE,
            entity_type TEXT NOT NULL,
            entity_id TEXT NOT NULL,
            kind TEXT NOT NULL,
            payload BLOB,
            base_version INTEGER NOT NULL DEFAULT 0,
            status TEXT NOT NULL DEFAULT 'pending',
            attempt_count INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            created_at TEXT NOT NULL,
            updated_at TEXT NOT NULL,
            next_eligible_at TEXT
        )`,
		`CREATE TABLE IF NOT EXISTS entity_versions (
            entity_type TEXT NOT NULL,
            entity_id TEXT NOT NULL,
            version INTEGER NOT NULL,
            updated_at TEXT NOT NULL,
            PRIMARY KEY (entity_type, entity_id)
        )`,

		`CREATE INDEX IF NOT EXISTS idx_operations_created_at ON operations(created_at, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_operations_entity ON operations(entity_type, entity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// mapWriteError converts SQLite's disk-full condition into ErrStorageFull.
func mapWriteError(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrFull {
		return fmt.Errorf("%w: %v", ErrStorageFull, err)
	}
	return err
}
