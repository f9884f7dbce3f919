package domain

import (
	"context"
	"time"
)

// AuditEventType classifies audit log entries.
type AuditEventType string

const (
	AuditExecStart     AuditEventType = "exec_start"
	AuditExecFinish    AuditEventType = "exec_finish"
	AuditExecInterrupt AuditEventType = "exec_interrupt"
	AuditSpillCreate   AuditEventType = "spill_create"

	AuditSessionStart   AuditEventType = "session_start"
	AuditSecretsCompile AuditEventType = "secrets_compile"

	AuditToolExec         AuditEventType = "tool_exec"
	AuditRetentionEnforce AuditEventType = "retention_enforce"
)

// AuditEvent represents a single auditable action. Detail values must
// already be redacted; the audit log never receives plaintext secrets.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	Detail    map[string]string `json:"detail,omitempty"`

	ExecID  string `json:"exec_id,omitempty"`
	Outcome string `json:"outcome,omitempty"`
}

// AuditLogger writes audit events to a persistent log.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Close() error
}
