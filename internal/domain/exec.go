package domain

import (
	"context"
	"time"
)

// Invocation describes one command to run against a shell runtime.
// ID exists solely to target interrupts at this invocation; SessionKey
// groups invocations that share persistent shell state (working directory,
// exported variables) across calls.
type Invocation struct {
	ID           string            `json:"id"`
	Command      string            `json:"command"`
	Cwd          string            `json:"cwd,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	SessionEnv   map[string]string `json:"session_env,omitempty"`
	SessionKey   string            `json:"session_key,omitempty"`
	SnapshotPath string            `json:"snapshot_path,omitempty"`
	Timeout      time.Duration     `json:"timeout"`
}

// RunStatus is the runtime's report of how an invocation ended.
// ExitCode is set only when the process exited on its own; TimedOut and
// Cancelled report runtime-side termination. The runtime owns timeout
// measurement; callers never race ahead of the reported state.
type RunStatus struct {
	ExitCode  *int
	TimedOut  bool
	Cancelled bool
}

// ChunkFunc receives raw output chunks as the runtime produces them.
// Ordering across chunks is the caller's responsibility.
type ChunkFunc func(chunk string)

// RuntimeCapabilities advertises which optional operations a runtime
// supports. The executor validates required capabilities at construction
// and rejects per-call requests for absent ones.
type RuntimeCapabilities struct {
	Interrupt bool
	Sessions  bool
	Snapshots bool
}

// ShellRuntime is the external collaborator that forks and manages the OS
// process for an invocation. Implementations enforce the invocation's
// timeout themselves and report it through RunStatus.
type ShellRuntime interface {
	// Run executes the invocation, streaming output to onChunk, and blocks
	// until the process exits or the runtime stops it.
	Run(ctx context.Context, inv Invocation, onChunk ChunkFunc) (RunStatus, error)
	// Interrupt requests, best-effort, that the running invocation with the
	// given id stop. It does not wait for the stop to take effect.
	Interrupt(id string) error
	// Capabilities reports the optional operations this runtime supports.
	Capabilities() RuntimeCapabilities
	// Close releases runtime resources and forgets cached session state.
	Close() error
}

// OutcomeKind enumerates the terminal states of an invocation.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeTimedOut  OutcomeKind = "timed_out"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome is a tagged variant over the three terminal states. An exit code
// is observable only on a completed outcome, so no caller can see an exit
// code and a cancellation on the same result. Construct with Completed,
// TimedOut, or Cancelled; the zero value reports no state.
type Outcome struct {
	kind     OutcomeKind
	exitCode int
}

// Completed builds the outcome for a process that exited on its own.
func Completed(exitCode int) Outcome {
	return Outcome{kind: OutcomeCompleted, exitCode: exitCode}
}

// TimedOut builds the outcome for an invocation stopped by the runtime's
// timeout.
func TimedOut() Outcome { return Outcome{kind: OutcomeTimedOut} }

// Cancelled builds the outcome for an invocation stopped by a fired
// cancellation.
func Cancelled() Outcome { return Outcome{kind: OutcomeCancelled} }

// Kind returns the terminal state tag.
func (o Outcome) Kind() OutcomeKind { return o.kind }

// ExitCode returns the process exit code. ok is false unless the
// invocation completed.
func (o Outcome) ExitCode() (code int, ok bool) {
	if o.kind != OutcomeCompleted {
		return 0, false
	}
	return o.exitCode, true
}

// Interrupted reports whether the invocation ended without completing
// (timed out or cancelled). This is the wire-level "cancelled" flag.
func (o Outcome) Interrupted() bool {
	return o.kind == OutcomeTimedOut || o.kind == OutcomeCancelled
}

func (o Outcome) String() string { return string(o.kind) }

// ExecResult is the materialized result of one executor invocation.
type ExecResult struct {
	ID        string
	Output    string
	Outcome   Outcome
	Truncated bool
	SpillPath string
	Duration  time.Duration
}

// WireResult is the JSON shape handed to the tool layer and external
// callers. ExitCode is present only for completed invocations; Truncated
// is true iff a spill file was created.
type WireResult struct {
	Output    string `json:"output"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Cancelled bool   `json:"cancelled"`
	Truncated bool   `json:"truncated"`
	SpillPath string `json:"spill_path,omitempty"`
}

// Wire converts the result to its external JSON shape.
func (r *ExecResult) Wire() WireResult {
	w := WireResult{
		Output:    r.Output,
		Cancelled: r.Outcome.Interrupted(),
		Truncated: r.Truncated,
		SpillPath: r.SpillPath,
	}
	if code, ok := r.Outcome.ExitCode(); ok {
		w.ExitCode = &code
	}
	return w
}
