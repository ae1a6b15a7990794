// ABOUTME: SQLite implementation of the Store interface (modernc.org/sqlite or mattn/go-sqlite3)
// ABOUTME: Provides record, history, message, and audit persistence with automatic schema creation

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// SQL driver names accepted by NewSQLiteStore.
const (
	DriverModernc = "sqlite"  // pure Go, default
	DriverCGO     = "sqlite3" // mattn/go-sqlite3, requires cgo
)

// timeFormat is fixed width so text comparison matches time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db           *sql.DB
	logger       *slog.Logger
	historyLimit int
}

// NewSQLiteStore creates a new SQLite store at the given path using the named
// driver (DriverModernc or DriverCGO; empty selects DriverModernc).
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(driver, path string, opts ...Option) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")
	o := buildOptions(opts)

	switch driver {
	case "":
		driver = DriverModernc
	case DriverModernc, DriverCGO:
	default:
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: pragmas apply to every query and writers never see SQLITE_BUSY
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:           db,
		logger:       logger,
		historyLimit: o.historyLimit,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver, "history_limit", o.historyLimit)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS verification_records (
			conversation_id    TEXT PRIMARY KEY,
			participant_a      TEXT NOT NULL,
			participant_b      TEXT NOT NULL,
			current_score      INTEGER NOT NULL,
			current_status     TEXT NOT NULL,
			current_confidence REAL NOT NULL,
			current_reasoning  TEXT NOT NULL,
			current_count      INTEGER NOT NULL,
			current_at         TEXT NOT NULL,
			is_paused          INTEGER NOT NULL DEFAULT 0,
			pause_reason       TEXT,
			paused_at          TEXT,
			message_count      INTEGER NOT NULL DEFAULT 0,
			monitoring_active  INTEGER NOT NULL DEFAULT 1,
			created_at         TEXT NOT NULL,
			updated_at         TEXT NOT NULL,

			CHECK (participant_a <> participant_b),
			CHECK (current_score BETWEEN 0 AND 100),
			CHECK (current_confidence BETWEEN 0 AND 1),
			CHECK ((is_paused = 1 AND pause_reason IS NOT NULL AND paused_at IS NOT NULL)
				OR (is_paused = 0 AND pause_reason IS NULL AND paused_at IS NULL))
		);

		CREATE INDEX IF NOT EXISTS idx_records_active ON verification_records(monitoring_active);

		CREATE TABLE IF NOT EXISTS score_history (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL REFERENCES verification_records(conversation_id),
			score           INTEGER NOT NULL,
			status          TEXT NOT NULL,
			confidence      REAL NOT NULL,
			reasoning       TEXT NOT NULL,
			message_count   INTEGER NOT NULL,
			evaluated_at    TEXT NOT NULL,

			CHECK (score BETWEEN 0 AND 100),
			CHECK (confidence BETWEEN 0 AND 1),
			CHECK (status IN ('consent', 'non_consent', 'uncertain', 'insufficient_data'))
		);

		CREATE INDEX IF NOT EXISTS idx_history_conversation ON score_history(conversation_id, seq);

		CREATE TABLE IF NOT EXISTS messages (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			sender_id       TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);

		CREATE TABLE IF NOT EXISTS audit_log (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			audit_id        TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			actor           TEXT NOT NULL,
			action          TEXT NOT NULL,
			ts              TEXT NOT NULL,
			score_before    INTEGER,
			score_after     INTEGER,
			paused_before   INTEGER NOT NULL DEFAULT 0,
			paused_after    INTEGER NOT NULL DEFAULT 0,
			detail_json     TEXT,

			CHECK (action IN (
				'monitoring_started',
				'snapshot',
				'auto_pause',
				'manual_resume',
				'resume_denied',
				'degraded_monitoring',
				'monitoring_stopped'
			))
		);

		CREATE INDEX IF NOT EXISTS idx_audit_conversation ON audit_log(conversation_id, seq);
		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts);

		-- The audit trail is append-only.
		CREATE TRIGGER IF NOT EXISTS audit_log_no_update
			BEFORE UPDATE ON audit_log
			BEGIN SELECT RAISE(ABORT, 'audit_log is append-only'); END;
		CREATE TRIGGER IF NOT EXISTS audit_log_no_delete
			BEFORE DELETE ON audit_log
			BEGIN SELECT RAISE(ABORT, 'audit_log is append-only'); END;
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// nullableTime formats an optional timestamp for a nullable column.
func nullableTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
