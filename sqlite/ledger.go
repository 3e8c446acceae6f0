// Package sqlite implements pacswatch.LedgerService on a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	pacswatch "gitlab.com/medical-research/pacswatch"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - initial schema
// 1 - index on results.status
const currentSchemaVersion = 1

// monitorCursor is the row name of the change feed cursor.
const monitorCursor = "changes"

// Ensure service implements interface.
var _ pacswatch.LedgerService = (*Ledger)(nil)

// Ledger stores the monitor cursor and the last result per instance.
type Ledger struct {
	db *sql.DB

	// Returns the current time. Can be mocked for tests.
	Now func() time.Time
}

// Open creates or opens the ledger database at path and applies migrations.
// Passing ":memory:" gives a private in-memory ledger.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect ledger: %w", err)
	}

	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Ledger{db: db, Now: time.Now}, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

func applyPragmas(db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("%q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_results_status ON results(status)`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Cursor returns the stored change sequence, 0 when nothing was recorded.
func (l *Ledger) Cursor(ctx context.Context) (int64, error) {
	var seq int64
	err := l.db.QueryRowContext(ctx, `SELECT seq FROM cursors WHERE name = ?`, monitorCursor).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	} else if err != nil {
		return 0, pacswatch.WrapError(pacswatch.EINTERNAL, err, "cannot read cursor")
	}
	return seq, nil
}

// SetCursor stores seq unless a higher value is already recorded.
func (l *Ledger) SetCursor(ctx context.Context, seq int64) error {
	if seq < 0 {
		return pacswatch.Errorf(pacswatch.EINVALID, "cursor cannot be negative")
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO cursors (name, seq) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET seq = MAX(seq, excluded.seq)
	`, monitorCursor, seq)
	if err != nil {
		return pacswatch.WrapError(pacswatch.EINTERNAL, err, "cannot store cursor")
	}
	return nil
}

// RecordResult upserts the outcome of a pipeline run.
func (l *Ledger) RecordResult(ctx context.Context, result *pacswatch.PipelineResult) error {
	if result == nil || result.InstanceID == "" {
		return pacswatch.Errorf(pacswatch.EINVALID, "result requires an instance id")
	}

	updatedAt := result.FinishedAt
	if updatedAt.IsZero() {
		updatedAt = l.Now()
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO results (instance_id, run_id, status, code, message, rendered_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			run_id = excluded.run_id,
			status = excluded.status,
			code = excluded.code,
			message = excluded.message,
			rendered_count = excluded.rendered_count,
			updated_at = excluded.updated_at
	`,
		result.InstanceID,
		result.RunID,
		string(result.Status),
		pacswatch.ErrorCode(result.Err),
		errorText(result.Err),
		len(result.Record.RenderedPaths),
		updatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return pacswatch.WrapError(pacswatch.EINTERNAL, err, "cannot record result for %s", result.InstanceID)
	}
	return nil
}

// Result returns the last recorded result of an instance, or nil.
func (l *Ledger) Result(ctx context.Context, instanceID string) (*pacswatch.LedgerEntry, error) {
	var (
		entry     pacswatch.LedgerEntry
		status    string
		updatedAt string
	)
	err := l.db.QueryRowContext(ctx, `
		SELECT instance_id, run_id, status, code, message, rendered_count, updated_at
		FROM results WHERE instance_id = ?
	`, instanceID).Scan(
		&entry.InstanceID,
		&entry.RunID,
		&status,
		&entry.Code,
		&entry.Message,
		&entry.RenderedCount,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, pacswatch.WrapError(pacswatch.EINTERNAL, err, "cannot read result for %s", instanceID)
	}

	entry.Status = pacswatch.PipelineStatus(status)
	if entry.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, pacswatch.WrapError(pacswatch.EINTERNAL, err, "bad timestamp for %s", instanceID)
	}
	return &entry, nil
}

// RetryableResults returns the instances whose last run ended in a failure a
// later attempt may fix: StorageFailed, FetchFailed on an unreachable archive,
// or a cancelled run.
func (l *Ledger) RetryableResults(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT instance_id FROM results
		WHERE status = ? OR (status = ? AND code = ?) OR code = ?
		ORDER BY instance_id
	`,
		string(pacswatch.StatusStorageFailed),
		string(pacswatch.StatusFetchFailed), pacswatch.EUNREACHABLE,
		pacswatch.ECANCELED,
	)
	if err != nil {
		return nil, pacswatch.WrapError(pacswatch.EINTERNAL, err, "cannot list retryable results")
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, pacswatch.WrapError(pacswatch.EINTERNAL, err, "cannot list retryable results")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, pacswatch.WrapError(pacswatch.EINTERNAL, err, "cannot list retryable results")
	}
	return ids, nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
