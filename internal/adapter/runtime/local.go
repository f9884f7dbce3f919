// Package runtime provides the local implementation of domain.ShellRuntime:
// one OS process per invocation, runtime-enforced timeouts, best-effort
// interrupts, and persistent sessions by state replay.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"runbox/internal/domain"
)

// pipeDrainGrace bounds how long Run waits for the shared output pipe to
// reach EOF after the shell process exits.
const pipeDrainGrace = 500 * time.Millisecond

// Config holds local runtime settings.
type Config struct {
	// Shell is the shell binary. Empty means auto-detect.
	Shell string
	// SessionDir is the root for per-session state directories.
	SessionDir string
	// InterruptGrace is how long Interrupt waits after the polite signal
	// before escalating to a hard kill.
	InterruptGrace time.Duration
	// Breaker settings for the spawn circuit breaker.
	BreakerMaxFailures uint32
	BreakerTimeout     time.Duration
	BreakerInterval    time.Duration
}

// running tracks one in-flight invocation so Interrupt and the timeout
// timer can target it.
type running struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu        sync.Mutex
	timedOut  bool
	cancelled bool
	exited    bool
}

// markTimedOut reports whether the timeout was recorded. A process that
// already exited cannot time out; the timer racing a natural exit must
// lose, or a prompt exit with a lingering background child would be
// misreported as timed out.
func (r *running) markTimedOut() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exited {
		return false
	}
	r.timedOut = true
	return true
}

func (r *running) markExited() {
	r.mu.Lock()
	r.exited = true
	r.mu.Unlock()
}

func (r *running) markCancelled() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
}

func (r *running) state() (timedOut, cancelled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timedOut, r.cancelled
}

// Local runs commands on the local system. Spawns are guarded by a
// circuit breaker: repeated spawn failures open the circuit so later runs
// fail fast instead of hammering a broken shell.
type Local struct {
	cfg     Config
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker[struct{}]

	mu        sync.Mutex
	runs      map[string]*running
	shellPath string // lazily resolved; cleared on Close
	closed    bool
}

// NewLocal creates a local runtime.
func NewLocal(cfg Config, logger *slog.Logger) *Local {
	if cfg.InterruptGrace <= 0 {
		cfg.InterruptGrace = 3 * time.Second
	}
	maxFailures := cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	timeout := cfg.BreakerTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	interval := cfg.BreakerInterval
	if interval == 0 {
		interval = 60 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "runtime:spawn",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("spawn breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Local{
		cfg:     cfg,
		logger:  logger,
		breaker: cb,
		runs:    make(map[string]*running),
	}
}

// Capabilities reports what this runtime supports. Sessions and snapshots
// rely on POSIX shell state replay and are unavailable on Windows.
func (l *Local) Capabilities() domain.RuntimeCapabilities {
	return domain.RuntimeCapabilities{
		Interrupt: true,
		Sessions:  sessionsSupported,
		Snapshots: sessionsSupported,
	}
}

// Run executes the invocation and blocks until the process exits or the
// runtime stops it. stdout and stderr share one pipe so chunks interleave
// the way a terminal would see them. The invocation's timeout is enforced
// here, by killing the process group, never by the caller's clock; a late
// context cancellation from the caller does not abandon a process that
// already exited.
func (l *Local) Run(ctx context.Context, inv domain.Invocation, onChunk domain.ChunkFunc) (domain.RunStatus, error) {
	const op = "Local.Run"

	shell, err := l.shell()
	if err != nil {
		return domain.RunStatus{}, err
	}

	script, err := l.buildScript(inv)
	if err != nil {
		return domain.RunStatus{}, err
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return domain.RunStatus{}, fmt.Errorf("output pipe: %w", err)
	}

	cmd := exec.Command(shell, shellArgs(script)...)
	cmd.Dir = inv.Cwd
	cmd.Env = mergedEnv(inv.Env)
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.Stdin = nil
	setProcGroup(cmd)

	entry := &running{cmd: cmd, done: make(chan struct{})}

	if _, err := l.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, cmd.Start()
	}); err != nil {
		pr.Close()
		pw.Close()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return domain.RunStatus{}, domain.NewSubSystemError("runtime", op, domain.ErrSpawnSuppressed, err.Error())
		}
		return domain.RunStatus{}, fmt.Errorf("spawn %q: %w", shell, err)
	}
	// Parent side must drop its write end or the reader never sees EOF.
	pw.Close()

	l.track(inv.ID, entry)
	defer l.untrack(inv.ID)
	defer close(entry.done)

	if inv.Timeout > 0 {
		timer := time.AfterFunc(inv.Timeout, func() {
			if !entry.markTimedOut() {
				return
			}
			l.logger.Warn("invocation timed out, killing process group",
				"exec_id", inv.ID, "timeout", inv.Timeout.String())
			killGroup(cmd)
		})
		defer timer.Stop()
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		buf := make([]byte, 8192)
		for {
			n, rerr := pr.Read(buf)
			if n > 0 && onChunk != nil {
				onChunk(string(buf[:n]))
			}
			if rerr != nil {
				return
			}
		}
	}()

	waitErr := cmd.Wait()
	entry.markExited()

	// A background child that inherited the pipe can hold the write end
	// open past the shell's exit. Bound the drain; whatever such a child
	// prints after the grace is abandoned.
	select {
	case <-readerDone:
	case <-time.After(pipeDrainGrace):
		l.logger.Debug("output pipe held open after exit, abandoning drain", "exec_id", inv.ID)
		pr.Close()
		<-readerDone
	}
	pr.Close()

	timedOut, cancelled := entry.state()
	status := domain.RunStatus{TimedOut: timedOut, Cancelled: cancelled}
	if timedOut || cancelled {
		return status, nil
	}

	code := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return status, fmt.Errorf("wait: %w", waitErr)
		}
		code = exitErr.ExitCode()
	}
	status.ExitCode = &code
	return status, nil
}

// Interrupt signals the invocation's process group politely and escalates
// to a hard kill after the configured grace period. It returns as soon as
// the signal is sent.
func (l *Local) Interrupt(id string) error {
	const op = "Local.Interrupt"

	l.mu.Lock()
	entry, ok := l.runs[id]
	l.mu.Unlock()
	if !ok {
		return domain.NewSubSystemError("runtime", op, domain.ErrNotFound, id)
	}

	entry.markCancelled()
	if err := interruptGroup(entry.cmd); err != nil {
		l.logger.Warn("interrupt signal failed, killing process group",
			"exec_id", id, "error", err)
		killGroup(entry.cmd)
		return nil
	}

	grace := l.cfg.InterruptGrace
	go func() {
		select {
		case <-entry.done:
		case <-time.After(grace):
			l.logger.Warn("interrupt grace expired, killing process group", "exec_id", id)
			killGroup(entry.cmd)
		}
	}()
	return nil
}

// Close kills any in-flight invocations and forgets the resolved shell.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.shellPath = ""
	for id, entry := range l.runs {
		l.logger.Warn("runtime closing, killing invocation", "exec_id", id)
		entry.markCancelled()
		killGroup(entry.cmd)
	}
	return nil
}

func (l *Local) track(id string, entry *running) {
	l.mu.Lock()
	l.runs[id] = entry
	l.mu.Unlock()
}

func (l *Local) untrack(id string) {
	l.mu.Lock()
	delete(l.runs, id)
	l.mu.Unlock()
}

// shell resolves the shell binary once and caches it. Close clears the
// cache so a reopened runtime re-detects.
func (l *Local) shell() (string, error) {
	const op = "Local.shell"

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return "", domain.NewSubSystemError("runtime", op, domain.ErrUnavailable, "runtime closed")
	}
	if l.shellPath != "" {
		return l.shellPath, nil
	}

	if l.cfg.Shell != "" {
		path, err := exec.LookPath(l.cfg.Shell)
		if err != nil {
			return "", domain.NewSubSystemError("runtime", op, domain.ErrRuntimeFailure,
				fmt.Sprintf("shell %q not found", l.cfg.Shell))
		}
		l.shellPath = path
		return path, nil
	}

	for _, candidate := range shellCandidates() {
		if path, err := exec.LookPath(candidate); err == nil {
			l.shellPath = path
			return path, nil
		}
	}
	return "", domain.NewSubSystemError("runtime", op, domain.ErrRuntimeFailure, "no usable shell found")
}

// buildScript returns the script the shell will run. Sessionless
// invocations run the command as-is. Session invocations wrap it in a
// state replay preamble and epilogue: restore the session's exported
// variables and working directory, run the command, then save them back
// so the next invocation in the session sees the accumulated state.
func (l *Local) buildScript(inv domain.Invocation) (string, error) {
	if inv.SessionKey == "" {
		return inv.Command, nil
	}

	dir, err := l.sessionStateDir(inv.SessionKey)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	envFile := shellQuote(filepath.Join(dir, "env"))
	cwdFile := shellQuote(filepath.Join(dir, "cwd"))

	fmt.Fprintf(&b, "if [ -f %s ]; then . %s >/dev/null 2>&1 || true; fi\n", envFile, envFile)
	fmt.Fprintf(&b, "if [ -f %s ]; then cd \"$(cat %s)\" 2>/dev/null || true; fi\n", cwdFile, cwdFile)

	// First use of the session seeds it with the caller's environment and
	// optional snapshot script. Later invocations carry neither.
	if len(inv.SessionEnv) > 0 {
		keys := make([]string, 0, len(inv.SessionEnv))
		for k := range inv.SessionEnv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(inv.SessionEnv[k]))
		}
	}
	if inv.SnapshotPath != "" {
		fmt.Fprintf(&b, ". %s\n", shellQuote(inv.SnapshotPath))
	}

	b.WriteString(inv.Command)
	b.WriteString("\n__runbox_status=$?\n")
	fmt.Fprintf(&b, "export -p > %s 2>/dev/null || true\n", envFile)
	fmt.Fprintf(&b, "pwd > %s 2>/dev/null || true\n", cwdFile)
	b.WriteString("exit $__runbox_status\n")
	return b.String(), nil
}

// sessionStateDir creates and returns the state directory for a session
// key. Keys are flattened so they cannot escape the session root.
func (l *Local) sessionStateDir(key string) (string, error) {
	const op = "Local.sessionStateDir"

	if l.cfg.SessionDir == "" {
		return "", domain.NewSubSystemError("runtime", op, domain.ErrInvalidInput, "session directory not configured")
	}
	dir := filepath.Join(l.cfg.SessionDir, sanitizeSessionKey(key))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", domain.NewSubSystemError("runtime", op, domain.ErrRuntimeFailure, err.Error())
	}
	return dir, nil
}

func sanitizeSessionKey(key string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, key)
	if mapped == "" || mapped == "." || mapped == ".." {
		return "_"
	}
	return mapped
}

// shellQuote wraps s in single quotes, escaping embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// mergedEnv layers overrides on the parent environment. Later entries win
// when exec resolves duplicates, so overrides go last.
func mergedEnv(overrides map[string]string) []string {
	if len(overrides) == 0 {
		return nil // inherit parent environment untouched
	}
	env := os.Environ()
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}
