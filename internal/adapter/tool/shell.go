package tool

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"runbox/internal/domain"
	"runbox/internal/infra/tracer"
	"runbox/internal/security"
	"runbox/internal/usecase/exec"
)

// Runner is the slice of the executor the shell tool needs.
type Runner interface {
	Execute(ctx context.Context, req exec.Request) (*domain.ExecResult, error)
}

// ShellTool runs a command through the executor with the full secret
// pipeline: placeholders in the arguments are restored to plaintext just
// before execution, and all output is redacted before it leaves the tool.
type ShellTool struct {
	runner   Runner
	redactor *security.Redactor
	sandbox  *security.Sandbox
	limiter  *KeyedLimiter
	audit    domain.AuditLogger
	history  domain.HistoryStore
	logger   *slog.Logger
}

// NewShellTool creates the run_command tool. redactor, audit and history
// may be nil when the corresponding pipeline stage is disabled.
func NewShellTool(runner Runner, redactor *security.Redactor, sandbox *security.Sandbox,
	limiter *KeyedLimiter, audit domain.AuditLogger, history domain.HistoryStore,
	logger *slog.Logger) *ShellTool {
	return &ShellTool{
		runner:   runner,
		redactor: redactor,
		sandbox:  sandbox,
		limiter:  limiter,
		audit:    audit,
		history:  history,
		logger:   logger,
	}
}

func (t *ShellTool) Name() string { return "run_command" }
func (t *ShellTool) Description() string {
	return "Execute a shell command and return its interleaved output"
}

func (t *ShellTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command":         {"type": "string", "description": "Shell command to execute"},
				"session":         {"type": "string", "description": "Session key for persistent shell state"},
				"cwd":             {"type": "string", "description": "Working directory, relative to the sandbox root"},
				"timeout_seconds": {"type": "integer", "minimum": 1, "description": "Timeout in seconds"},
				"env":             {"type": "object", "additionalProperties": {"type": "string"}, "description": "Extra environment variables"}
			},
			"required": ["command"]
		}`),
	}
}

type shellParams struct {
	Command        string            `json:"command"`
	Session        string            `json:"session,omitempty"`
	Cwd            string            `json:"cwd,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

func (t *ShellTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	// Placeholders arrive inside the JSON arguments; restore them before
	// parsing so the executor sees plaintext. The redacted original is
	// what gets logged and persisted.
	if t.redactor != nil {
		params = t.redactor.RestoreJSON(params)
	}

	return Execute(ctx, "tool.run_command", t.logger, params,
		func(ctx context.Context, span trace.Span, p shellParams) (any, error) {
			if p.Command == "" {
				return ErrResult("command is required")
			}

			sessionKey := p.Session
			if t.limiter != nil && !t.limiter.Allow(sessionKey) {
				return nil, domain.NewDomainError("ShellTool.Execute", domain.ErrRateLimit,
					"command start rate limit reached")
			}

			cwd := p.Cwd
			if t.sandbox != nil && cwd != "" {
				validated, err := t.sandbox.ValidatePath(cwd)
				if err != nil {
					return nil, err
				}
				cwd = validated
			}

			req := exec.Request{
				Command:    p.Command,
				Cwd:        cwd,
				Env:        p.Env,
				SessionKey: sessionKey,
			}
			if p.TimeoutSeconds > 0 {
				req.Timeout = time.Duration(p.TimeoutSeconds) * time.Second
			}

			start := time.Now()
			result, err := t.runner.Execute(ctx, req)
			if err != nil {
				t.record(ctx, "", sessionKey, p.Command, nil, start)
				return nil, err
			}
			span.SetAttributes(tracer.StringAttr("exec.outcome", result.Outcome.String()))

			wire := result.Wire()
			if t.redactor != nil {
				wire.Output = t.redactor.Redact(wire.Output)
			}
			t.record(ctx, result.ID, sessionKey, p.Command, result, start)
			return JSONResult(wire)
		})
}

// record writes the audit event and history row for one tool invocation.
// The command is redacted before either store sees it.
func (t *ShellTool) record(ctx context.Context, id, sessionKey, command string, result *domain.ExecResult, start time.Time) {
	redactedCmd := command
	if t.redactor != nil {
		redactedCmd = t.redactor.Redact(command)
	}

	outcome := "error"
	if result != nil {
		outcome = result.Outcome.String()
	}
	if t.audit != nil {
		if err := t.audit.Log(ctx, domain.AuditEvent{
			Type:    domain.AuditToolExec,
			Detail:  map[string]string{"command": redactedCmd},
			ExecID:  id,
			Outcome: outcome,
		}); err != nil {
			t.logger.Warn("audit write failed", "error", err)
		}
	}

	if t.history == nil || result == nil {
		return
	}
	rec := domain.ExecRecord{
		ID:         result.ID,
		SessionKey: sessionKey,
		Command:    redactedCmd,
		Outcome:    result.Outcome.Kind(),
		Truncated:  result.Truncated,
		SpillPath:  result.SpillPath,
		StartedAt:  start,
		Duration:   result.Duration,
	}
	if code, ok := result.Outcome.ExitCode(); ok {
		rec.ExitCode = &code
	}
	if err := t.history.Record(ctx, rec); err != nil {
		t.logger.Warn("history write failed", "error", err)
	}
}
