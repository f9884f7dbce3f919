// Package history persists execution records in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"runbox/internal/domain"
)

// SQLiteStore implements domain.HistoryStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs
// the schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS exec_history (
			id          TEXT PRIMARY KEY,
			session_key TEXT NOT NULL DEFAULT '',
			command     TEXT NOT NULL,
			outcome     TEXT NOT NULL,
			exit_code   INTEGER,
			truncated   INTEGER NOT NULL DEFAULT 0,
			spill_path  TEXT NOT NULL DEFAULT '',
			started_at  TEXT NOT NULL,
			duration_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_exec_history_started_at ON exec_history(started_at);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Record inserts one execution record. The command column is expected to
// be redacted already; this layer never sees plaintext secrets.
func (s *SQLiteStore) Record(_ context.Context, rec domain.ExecRecord) error {
	var exitCode sql.NullInt64
	if rec.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*rec.ExitCode), Valid: true}
	}
	_, err := s.db.Exec(
		`INSERT INTO exec_history
			(id, session_key, command, outcome, exit_code, truncated, spill_path, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionKey, rec.Command, string(rec.Outcome), exitCode,
		boolToInt(rec.Truncated), rec.SpillPath,
		rec.StartedAt.UTC().Format(time.RFC3339Nano), rec.Duration.Milliseconds(),
	)
	if err != nil {
		return domain.NewDomainError("SQLiteStore.Record", domain.ErrHistoryStore, err.Error())
	}
	return nil
}

// Recent returns up to n records, newest first.
func (s *SQLiteStore) Recent(_ context.Context, n int) ([]domain.ExecRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(
		`SELECT id, session_key, command, outcome, exit_code, truncated, spill_path, started_at, duration_ms
		 FROM exec_history ORDER BY started_at DESC, id DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, domain.NewDomainError("SQLiteStore.Recent", domain.ErrHistoryStore, err.Error())
	}
	defer rows.Close()

	var records []domain.ExecRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Prune deletes records started before the cutoff and returns the count.
func (s *SQLiteStore) Prune(_ context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.Exec(
		"DELETE FROM exec_history WHERE started_at < ?",
		olderThan.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, domain.NewDomainError("SQLiteStore.Prune", domain.ErrHistoryStore, err.Error())
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanRecord(rows *sql.Rows) (domain.ExecRecord, error) {
	var rec domain.ExecRecord
	var outcome, startedStr string
	var exitCode sql.NullInt64
	var truncated int
	var durationMS int64
	if err := rows.Scan(&rec.ID, &rec.SessionKey, &rec.Command, &outcome,
		&exitCode, &truncated, &rec.SpillPath, &startedStr, &durationMS); err != nil {
		return rec, err
	}
	rec.Outcome = domain.OutcomeKind(outcome)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	rec.Truncated = truncated != 0
	rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedStr)
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
