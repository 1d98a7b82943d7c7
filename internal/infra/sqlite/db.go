// Package sqlite is the durable on-device store: mirrored expenses and
// receipts, the sync queue itself, and the cached job reference table.
// Writes are atomic per record; conditional updates (expected-previous-
// status checks) protect records shared between the UI-facing
// operations and the background sync worker.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fieldledger/fieldledger/internal/domain"
)

// DB wraps the SQLite handle.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database under dir and applies migrations.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	path := filepath.Join(dir, "fieldledger.db")
	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY between the sync worker and UI-facing operations.
	handle.SetMaxOpenConns(1)

	db := &DB{db: handle}
	if err := db.migrate(); err != nil {
		handle.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying handle.
func (db *DB) Close() error { return db.db.Close() }

// migrate applies all schema statements. Each string is a single SQL
// statement (SQLite executes one at a time).
func (db *DB) migrate() error {
	stmts := []string{`PRAGMA journal_mode = WAL`, `PRAGMA foreign_keys = ON`}
	stmts = append(stmts, Migrations()...)
	for _, stmt := range stmts {
		if _, err := db.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Migrations returns the schema migration statements.
func Migrations() []string {
	return []string{
		// Local expense mirror
		`CREATE TABLE IF NOT EXISTS expenses (
			local_id         TEXT PRIMARY KEY,
			remote_id        TEXT NOT NULL DEFAULT '',
			amount_minor     INTEGER NOT NULL,
			category         TEXT NOT NULL,
			vendor           TEXT NOT NULL DEFAULT '',
			description      TEXT NOT NULL DEFAULT '',
			expense_date     TEXT NOT NULL,
			job_ref          TEXT NOT NULL DEFAULT '',
			receipt_id       TEXT NOT NULL DEFAULT '',
			sync_status      TEXT NOT NULL DEFAULT 'pending',
			retry_count      INTEGER NOT NULL DEFAULT 0,
			last_error       TEXT NOT NULL DEFAULT '',
			approval_status  TEXT NOT NULL DEFAULT 'draft',
			disbursement_id  TEXT NOT NULL DEFAULT '',
			disbursement_no  TEXT NOT NULL DEFAULT '',
			submitted_by     TEXT NOT NULL DEFAULT '',
			submitted_at     TEXT,
			approved_by      TEXT NOT NULL DEFAULT '',
			approved_at      TEXT,
			rejection_reason TEXT NOT NULL DEFAULT '',
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_expenses_sync ON expenses(sync_status)`,
		`CREATE INDEX IF NOT EXISTS idx_expenses_approval ON expenses(approval_status)`,
		`CREATE INDEX IF NOT EXISTS idx_expenses_job ON expenses(job_ref)`,

		// Receipts, owned by exactly one expense
		`CREATE TABLE IF NOT EXISTS receipts (
			local_id     TEXT PRIMARY KEY,
			expense_id   TEXT NOT NULL,
			file_path    TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT 'image/jpeg',
			storage_path TEXT NOT NULL DEFAULT '',
			sync_status  TEXT NOT NULL DEFAULT 'pending',
			retry_count  INTEGER NOT NULL DEFAULT 0,
			last_error   TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			UNIQUE(expense_id)
		)`,

		// Sync queue — retained after completion for audit/history
		`CREATE TABLE IF NOT EXISTS sync_queue (
			id          TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			record_id   TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'pending',
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error  TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_status ON sync_queue(status)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_record ON sync_queue(record_id, status)`,

		// Job reference cache — replaced wholesale on refresh.
		// rowid preserves cache order for the offline read path.
		`CREATE TABLE IF NOT EXISTS job_cache (
			id          TEXT PRIMARY KEY,
			job_number  TEXT NOT NULL,
			customer    TEXT NOT NULL DEFAULT '',
			origin      TEXT NOT NULL DEFAULT '',
			destination TEXT NOT NULL DEFAULT '',
			fetched_at  TEXT NOT NULL
		)`,
	}
}

// ─── Time Helpers ───────────────────────────────────────────────────────────

const timeFormat = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// storeErr classifies an underlying driver failure as retriable.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return domain.StoreUnavailable(err)
}
