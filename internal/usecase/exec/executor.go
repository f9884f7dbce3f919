package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"runbox/internal/domain"
	"runbox/internal/infra/tracer"
)

// Config holds executor settings.
type Config struct {
	SpillThreshold int           // sink memory bound in bytes
	SpillDir       string        // spill file directory; empty = OS temp dir
	DefaultTimeout time.Duration // applied when a request has no timeout
	MaxTimeout     time.Duration // cap on requested timeouts
	CommandPrefix  string        // default prefix, "<prefix> <command>"
}

// Request describes one command execution.
type Request struct {
	Command      string
	Cwd          string
	Env          map[string]string // per-invocation overrides
	SessionEnv   map[string]string // applied once per session key
	SessionKey   string
	SnapshotPath string
	Timeout      time.Duration
	Prefix       string // overrides the configured default when set
	// OnChunk, when non-nil, observes every raw output chunk live.
	OnChunk domain.ChunkFunc
}

// Executor orchestrates one shell invocation at a time against the
// runtime: it applies command prefixing, builds the cancellation contract,
// streams chunks into a fresh sink through a FIFO queue, and classifies
// the terminal outcome. Cancellation and timeout are normal results;
// only a runtime spawn/transport failure is a hard error, and it is
// never retried here.
type Executor struct {
	runtime domain.ShellRuntime
	cfg     Config
	bus     domain.EventBus
	logger  *slog.Logger

	mu     sync.Mutex
	seen   map[string]struct{} // session keys that already received session env + snapshot
	closed bool
}

// New creates an executor. It fails fast if the runtime does not support
// interrupts; without them the cancellation contract cannot be honored.
func New(rt domain.ShellRuntime, cfg Config, bus domain.EventBus, logger *slog.Logger) (*Executor, error) {
	if !rt.Capabilities().Interrupt {
		return nil, domain.NewDomainError("exec.New", domain.ErrRuntimeCapability,
			"runtime does not support interrupts")
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 10 * time.Minute
	}
	return &Executor{
		runtime: rt,
		cfg:     cfg,
		bus:     bus,
		logger:  logger,
		seen:    make(map[string]struct{}),
	}, nil
}

// Execute runs one command to a terminal state. ctx carries the
// cancellation token: if it is already done the runtime is never invoked
// and a Cancelled result is returned; if it fires mid-run the runtime is
// asked to interrupt this invocation and the result reflects the
// runtime's acknowledged state. The runtime, not the executor, enforces
// the timeout.
func (e *Executor) Execute(ctx context.Context, req Request) (*domain.ExecResult, error) {
	const op = "Executor.Execute"

	if req.Command == "" {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "empty command")
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, domain.NewDomainError(op, domain.ErrUnavailable, "executor closed")
	}
	e.mu.Unlock()

	start := time.Now()
	id := newExecID()

	ctx, span := tracer.StartSpan(ctx, "exec.execute",
		trace.WithAttributes(tracer.StringAttr("exec.id", id)))
	defer span.End()

	command := req.Command
	prefix := req.Prefix
	if prefix == "" {
		prefix = e.cfg.CommandPrefix
	}
	if prefix != "" {
		// Textual concatenation, not OS-level wrapping: the prefix must be
		// valid shell syntax.
		command = prefix + " " + command
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	if timeout > e.cfg.MaxTimeout {
		timeout = e.cfg.MaxTimeout
	}

	caps := e.runtime.Capabilities()
	if req.SessionKey != "" && !caps.Sessions {
		return nil, domain.NewDomainError(op, domain.ErrSessionUnsupported, req.SessionKey)
	}
	if req.SnapshotPath != "" && !caps.Snapshots {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput,
			"runtime does not support snapshots")
	}

	sink := NewSink(e.cfg.SpillThreshold, e.cfg.SpillDir, req.OnChunk, e.logger)

	// Pre-fired token: short-circuit without touching the runtime.
	select {
	case <-ctx.Done():
		dump := sink.Dump("command cancelled")
		res := &domain.ExecResult{
			ID:        id,
			Output:    dump.Text,
			Outcome:   domain.Cancelled(),
			Truncated: dump.Truncated,
			SpillPath: dump.SpillPath,
			Duration:  time.Since(start),
		}
		e.emit(ctx, domain.EventExecFinished, id, res.Wire())
		return res, nil
	default:
	}

	sessionEnv := req.SessionEnv
	snapshot := req.SnapshotPath
	firstUse := false
	if req.SessionKey != "" {
		firstUse = e.firstSessionUse(req.SessionKey)
		if firstUse {
			e.emit(ctx, domain.EventSessionStarted, id, map[string]string{"session_key": req.SessionKey})
		} else {
			// Session env and snapshot are supplied on first use of a key
			// only; the runtime's persistent state carries them forward.
			sessionEnv = nil
			snapshot = ""
		}
	}

	inv := domain.Invocation{
		ID:           id,
		Command:      command,
		Cwd:          req.Cwd,
		Env:          req.Env,
		SessionEnv:   sessionEnv,
		SessionKey:   req.SessionKey,
		SnapshotPath: snapshot,
		Timeout:      timeout,
	}

	e.emit(ctx, domain.EventExecStarted, id, inv)
	e.logger.Debug("executing command", "exec_id", id, "session_key", req.SessionKey, "timeout", timeout)

	queue := newChunkQueue(func(chunk string) {
		if err := sink.Push(chunk); err != nil {
			e.logger.Warn("sink push failed", "exec_id", id, "error", err)
		}
	})

	// One-shot interrupt listener, released on every exit path. The
	// runtime gets a context detached from caller cancellation so the
	// cancellation flows solely through Interrupt and the reported status;
	// the executor never races ahead of the runtime's actual state.
	stop := context.AfterFunc(ctx, func() {
		if err := e.runtime.Interrupt(id); err != nil {
			// The runtime no longer tracks the id when the run finished
			// between the context firing and the deferred stop; nothing was
			// interrupted, so nothing is emitted.
			if !errors.Is(err, domain.ErrNotFound) {
				e.logger.Warn("interrupt request failed", "exec_id", id, "error", err)
			}
			return
		}
		e.emit(ctx, domain.EventExecInterrupted, id, nil)
	})
	defer stop()

	status, runErr := e.runtime.Run(context.WithoutCancel(ctx), inv, queue.Enqueue)
	queue.Drain()

	if runErr != nil {
		// A failed first use never delivered the session seed; forget the
		// key so a retry supplies session env and snapshot again.
		if firstUse {
			e.forgetSession(req.SessionKey)
		}
		sink.Dump("")
		err := domain.NewSubSystemError("runtime", op, domain.ErrRuntimeFailure, runErr.Error())
		tracer.RecordError(span, err)
		return nil, err
	}

	var outcome domain.Outcome
	var notice string
	switch {
	case status.TimedOut:
		outcome = domain.TimedOut()
		notice = fmt.Sprintf("command timed out after %s", timeout)
	case status.Cancelled:
		outcome = domain.Cancelled()
		notice = "command cancelled"
	default:
		code := 0
		if status.ExitCode != nil {
			code = *status.ExitCode
		}
		outcome = domain.Completed(code)
	}

	dump := sink.Dump(notice)
	res := &domain.ExecResult{
		ID:        id,
		Output:    dump.Text,
		Outcome:   outcome,
		Truncated: dump.Truncated,
		SpillPath: dump.SpillPath,
		Duration:  time.Since(start),
	}

	if dump.SpillPath != "" {
		e.emit(ctx, domain.EventExecSpill, id, map[string]string{"spill_path": dump.SpillPath})
	}
	e.emit(ctx, domain.EventExecFinished, id, res.Wire())
	tracer.SetOK(span)
	e.logger.Debug("command finished",
		"exec_id", id, "outcome", outcome.String(), "truncated", res.Truncated, "duration", res.Duration)
	return res, nil
}

// firstSessionUse records a session key and reports whether this was its
// first use. The set is owned by the executor and reset at Close, never
// kept in package-level state.
func (e *Executor) firstSessionUse(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.seen[key]; ok {
		return false
	}
	e.seen[key] = struct{}{}
	return true
}

// forgetSession removes a session key from the first-use set so the next
// invocation of the key is treated as its first again.
func (e *Executor) forgetSession(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.seen, key)
}

// Close marks the executor unusable and forgets session first-use state.
// The runtime is owned by the caller and is not closed here.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.seen = make(map[string]struct{})
	return nil
}

func (e *Executor) emit(ctx context.Context, eventType domain.EventType, execID string, payload any) {
	if e.bus == nil {
		return
	}
	data, _ := json.Marshal(payload)
	e.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		ExecID:    execID,
		Payload:   data,
	})
}

// newExecID generates a fresh ULID execution id, used solely to target
// interrupts at the runtime.
func newExecID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
