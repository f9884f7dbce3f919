package domain

import (
	"context"
	"time"
)

// ExecRecord is one row of execution history. Command is stored redacted;
// the history database must never hold plaintext secrets.
type ExecRecord struct {
	ID         string        `json:"id"`
	SessionKey string        `json:"session_key,omitempty"`
	Command    string        `json:"command"`
	Outcome    OutcomeKind   `json:"outcome"`
	ExitCode   *int          `json:"exit_code,omitempty"`
	Truncated  bool          `json:"truncated"`
	SpillPath  string        `json:"spill_path,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// HistoryStore persists execution records.
type HistoryStore interface {
	Record(ctx context.Context, rec ExecRecord) error
	// Recent returns up to n records, newest first.
	Recent(ctx context.Context, n int) ([]ExecRecord, error)
	// Prune deletes records started before the cutoff and returns the count.
	Prune(ctx context.Context, olderThan time.Time) (int, error)
	Close() error
}
