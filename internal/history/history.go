package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// lastIDProperty is the property key of the run-id sequence.
const lastIDProperty = "last_id"

// DB provides SQLite-based storage for run history and properties.
//
// Design decision: We use a single database file for all runs rather than
// per-run files. Runs are small rows, and operators query across them
// ("what ran last night"), so one file keeps that a single query.
type DB struct {
	// db is the underlying SQL database connection.
	db *sql.DB

	// dbPath is the path to the SQLite database file.
	dbPath string
}

// Options configures DB behavior.
type Options struct {
	// CreateIfNotExists creates the database file if it doesn't exist.
	CreateIfNotExists bool

	// EnableWAL enables Write-Ahead Logging for better concurrent performance.
	EnableWAL bool
}

// DefaultOptions returns the default database options.
func DefaultOptions() Options {
	return Options{
		CreateIfNotExists: true,
		EnableWAL:         true,
	}
}

// Open opens or creates the history database under dbDir.
func Open(dbDir string, opts Options) (*DB, error) {
	dbPath := filepath.Join(dbDir, "sysdump.db")

	if !opts.CreateIfNotExists {
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("history database not found at %s", dbPath)
		} else if err != nil {
			return nil, fmt.Errorf("failed to check database path: %w", err)
		}
	} else {
		if err := os.MkdirAll(dbDir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	var dsn string
	if opts.CreateIfNotExists {
		dsn = dbPath + "?mode=rwc"
	} else {
		dsn = dbPath + "?mode=rw"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	hdb := &DB{db: db, dbPath: dbPath}

	if opts.EnableWAL {
		if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if err := hdb.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return hdb, nil
}

// Close closes the database connection.
func (h *DB) Close() error {
	return h.db.Close()
}

// createTables creates the database schema if it doesn't exist.
func (h *DB) createTables() error {
	schema := `
	-- One row per diagnostic run
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_uuid TEXT NOT NULL UNIQUE,
		started_at DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL,
		status TEXT NOT NULL,
		artifact_path TEXT,
		progress INTEGER NOT NULL DEFAULT 0,
		max_progress INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

	-- Small values that must survive restarts
	CREATE TABLE IF NOT EXISTS properties (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := h.db.ExecContext(context.Background(), schema)
	return err
}

// Record is one stored run.
type Record struct {
	ID           int64
	UUID         string
	StartedAt    time.Time
	Duration     time.Duration
	Status       string
	ArtifactPath string
	Progress     int
	MaxProgress  int
}

// InsertRun stores a finished run.
func (h *DB) InsertRun(ctx context.Context, rec *Record) (int64, error) {
	query := `
	INSERT INTO runs (run_uuid, started_at, duration_ms, status, artifact_path, progress, max_progress)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	result, err := h.db.ExecContext(ctx, query,
		rec.UUID,
		rec.StartedAt.UTC().Format("2006-01-02 15:04:05"),
		rec.Duration.Milliseconds(),
		rec.Status,
		rec.ArtifactPath,
		rec.Progress,
		rec.MaxProgress,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert run: %w", err)
	}
	return result.LastInsertId()
}

// GetRun retrieves a run by its uuid. Returns nil when not found.
func (h *DB) GetRun(ctx context.Context, uuid string) (*Record, error) {
	query := `
	SELECT id, run_uuid, started_at, duration_ms, status, artifact_path, progress, max_progress
	FROM runs
	WHERE run_uuid = ?
	`
	rec, err := h.scanRun(h.db.QueryRowContext(ctx, query, uuid))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return rec, nil
}

// ListRuns returns the most recent runs, newest first.
func (h *DB) ListRuns(ctx context.Context, limit int) ([]Record, error) {
	query := `
	SELECT id, run_uuid, started_at, duration_ms, status, artifact_path, progress, max_progress
	FROM runs
	ORDER BY started_at DESC, id DESC
	LIMIT ?
	`
	rows, err := h.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var results []Record
	for rows.Next() {
		rec, err := h.scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		results = append(results, *rec)
	}
	return results, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (h *DB) scanRun(s scanner) (*Record, error) {
	var rec Record
	var started string
	var durationMS int64
	var artifact sql.NullString

	if err := s.Scan(
		&rec.ID,
		&rec.UUID,
		&started,
		&durationMS,
		&rec.Status,
		&artifact,
		&rec.Progress,
		&rec.MaxProgress,
	); err != nil {
		return nil, err
	}
	rec.StartedAt = parseTimestamp(started)
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	rec.ArtifactPath = artifact.String
	return &rec, nil
}

// NextRunID increments and returns the persistent run-id sequence.
func (h *DB) NextRunID(ctx context.Context) (int, error) {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var value string
	err = tx.QueryRowContext(ctx,
		"SELECT value FROM properties WHERE key = ?", lastIDProperty).Scan(&value)
	last := 0
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return 0, fmt.Errorf("failed to read run-id sequence: %w", err)
	default:
		if n, perr := strconv.Atoi(value); perr == nil {
			last = n
		}
	}

	next := last + 1
	_, err = tx.ExecContext(ctx, `
	INSERT INTO properties (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, lastIDProperty, strconv.Itoa(next))
	if err != nil {
		return 0, fmt.Errorf("failed to advance run-id sequence: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit run-id sequence: %w", err)
	}
	return next, nil
}

// SetProperty stores a persistent key/value pair.
func (h *DB) SetProperty(ctx context.Context, key, value string) error {
	_, err := h.db.ExecContext(ctx, `
	INSERT INTO properties (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set property %s: %w", key, err)
	}
	return nil
}

// GetProperty retrieves a persistent value; ok is false when unset.
func (h *DB) GetProperty(ctx context.Context, key string) (value string, ok bool, err error) {
	err = h.db.QueryRowContext(ctx,
		"SELECT value FROM properties WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get property %s: %w", key, err)
	}
	return value, true, nil
}

// timestampFormats contains the timestamp formats that SQLite may return.
var timestampFormats = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999",
}

// parseTimestamp attempts to parse a timestamp string using multiple
// formats; SQLite returns different ones depending on configuration.
func parseTimestamp(s string) time.Time {
	for _, format := range timestampFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
