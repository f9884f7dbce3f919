package exec

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"runbox/internal/domain"
)

// fakeRuntime is a scriptable domain.ShellRuntime for executor tests.
type fakeRuntime struct {
	caps domain.RuntimeCapabilities

	mu           sync.Mutex
	invocations  []domain.Invocation
	interrupts   []string
	interruptErr error

	// run drives one invocation; defaults to exiting 0 with no output.
	run func(inv domain.Invocation, onChunk domain.ChunkFunc) (domain.RunStatus, error)
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		caps: domain.RuntimeCapabilities{Interrupt: true, Sessions: true, Snapshots: true},
	}
}

func (f *fakeRuntime) Run(_ context.Context, inv domain.Invocation, onChunk domain.ChunkFunc) (domain.RunStatus, error) {
	f.mu.Lock()
	f.invocations = append(f.invocations, inv)
	run := f.run
	f.mu.Unlock()

	if run != nil {
		return run(inv, onChunk)
	}
	code := 0
	return domain.RunStatus{ExitCode: &code}, nil
}

func (f *fakeRuntime) Interrupt(id string) error {
	f.mu.Lock()
	f.interrupts = append(f.interrupts, id)
	err := f.interruptErr
	f.mu.Unlock()
	return err
}

func (f *fakeRuntime) Capabilities() domain.RuntimeCapabilities { return f.caps }
func (f *fakeRuntime) Close() error                             { return nil }

func (f *fakeRuntime) lastInvocation(t *testing.T) domain.Invocation {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.invocations) == 0 {
		t.Fatal("runtime was never invoked")
	}
	return f.invocations[len(f.invocations)-1]
}

// captureBus records every published event for assertions.
type captureBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *captureBus) Publish(_ context.Context, event domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, event)
	b.mu.Unlock()
}

func (b *captureBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *captureBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *captureBus) Close()                                                 {}

func (b *captureBus) count(eventType domain.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func newTestExecutor(t *testing.T, rt *fakeRuntime, cfg Config) *Executor {
	t.Helper()
	if cfg.SpillDir == "" {
		cfg.SpillDir = t.TempDir()
	}
	e, err := New(rt, cfg, nil, slog.Default())
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	return e
}

func TestExecuteCompleted(t *testing.T) {
	rt := newFakeRuntime()
	rt.run = func(inv domain.Invocation, onChunk domain.ChunkFunc) (domain.RunStatus, error) {
		onChunk("hello ")
		onChunk("world\n")
		code := 0
		return domain.RunStatus{ExitCode: &code}, nil
	}
	e := newTestExecutor(t, rt, Config{})

	res, err := e.Execute(context.Background(), Request{Command: "echo hello world"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Output != "hello world\n" {
		t.Fatalf("unexpected output %q", res.Output)
	}
	code, ok := res.Outcome.ExitCode()
	if !ok || code != 0 {
		t.Fatalf("expected completed exit 0, got %v ok=%v", code, ok)
	}
	if res.Outcome.Interrupted() {
		t.Fatal("completed run must not report interruption")
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	rt := newFakeRuntime()
	rt.run = func(domain.Invocation, domain.ChunkFunc) (domain.RunStatus, error) {
		code := 3
		return domain.RunStatus{ExitCode: &code}, nil
	}
	e := newTestExecutor(t, rt, Config{})

	res, err := e.Execute(context.Background(), Request{Command: "false"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if code, ok := res.Outcome.ExitCode(); !ok || code != 3 {
		t.Fatalf("expected exit 3, got %d ok=%v", code, ok)
	}
}

func TestExecuteEmptyCommand(t *testing.T) {
	e := newTestExecutor(t, newFakeRuntime(), Config{})
	if _, err := e.Execute(context.Background(), Request{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestExecuteTimedOutHidesExitCode(t *testing.T) {
	rt := newFakeRuntime()
	rt.run = func(domain.Invocation, domain.ChunkFunc) (domain.RunStatus, error) {
		return domain.RunStatus{TimedOut: true}, nil
	}
	e := newTestExecutor(t, rt, Config{DefaultTimeout: 5 * time.Second})

	res, err := e.Execute(context.Background(), Request{Command: "sleep 60"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, ok := res.Outcome.ExitCode(); ok {
		t.Fatal("timed out run must not expose an exit code")
	}
	if !res.Outcome.Interrupted() {
		t.Fatal("timed out run should report interruption")
	}
	if !strings.Contains(res.Output, "[command timed out after 5s]") {
		t.Fatalf("timeout notice missing from output %q", res.Output)
	}
}

func TestExecuteCancelledMidRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	rt := newFakeRuntime()
	rt.run = func(inv domain.Invocation, onChunk domain.ChunkFunc) (domain.RunStatus, error) {
		onChunk("started\n")
		cancel()
		// The runtime acknowledges the interrupt by reporting cancellation.
		time.Sleep(20 * time.Millisecond)
		return domain.RunStatus{Cancelled: true}, nil
	}
	e := newTestExecutor(t, rt, Config{})

	res, err := e.Execute(ctx, Request{Command: "sleep 60"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Outcome.Kind() != domain.OutcomeCancelled {
		t.Fatalf("expected cancelled outcome, got %s", res.Outcome)
	}
	if !strings.Contains(res.Output, "[command cancelled]") {
		t.Fatalf("cancellation notice missing from %q", res.Output)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.interrupts) == 0 {
		t.Fatal("cancellation should have requested a runtime interrupt")
	}
}

func TestExecuteLateCancelAfterFinishEmitsNoInterrupt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	rt := newFakeRuntime()
	rt.interruptErr = domain.NewSubSystemError("runtime", "Local.Interrupt", domain.ErrNotFound, "gone")
	rt.run = func(domain.Invocation, domain.ChunkFunc) (domain.RunStatus, error) {
		// Fire the caller's context as the run completes; by the time the
		// interrupt request lands the runtime no longer tracks the id.
		cancel()
		time.Sleep(20 * time.Millisecond)
		code := 0
		return domain.RunStatus{ExitCode: &code}, nil
	}
	bus := &captureBus{}
	e, err := New(rt, Config{SpillDir: t.TempDir()}, bus, slog.Default())
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}

	res, err := e.Execute(ctx, Request{Command: "true"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if code, ok := res.Outcome.ExitCode(); !ok || code != 0 {
		t.Fatalf("expected completed exit 0, got %v ok=%v", code, ok)
	}

	// Wait until the interrupt request was actually attempted, then give
	// any emit a moment to land.
	deadline := time.Now().Add(time.Second)
	for {
		rt.mu.Lock()
		attempted := len(rt.interrupts) > 0
		rt.mu.Unlock()
		if attempted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("interrupt request was never attempted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	if n := bus.count(domain.EventExecInterrupted); n != 0 {
		t.Fatalf("finished run emitted %d interrupted events, want 0", n)
	}
	if n := bus.count(domain.EventExecFinished); n != 1 {
		t.Fatalf("finished events = %d, want 1", n)
	}
}

func TestExecutePreFiredContextSkipsRuntime(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rt := newFakeRuntime()
	e := newTestExecutor(t, rt, Config{})

	res, err := e.Execute(ctx, Request{Command: "echo never"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Outcome.Kind() != domain.OutcomeCancelled {
		t.Fatalf("expected cancelled, got %s", res.Outcome)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.invocations) != 0 {
		t.Fatal("runtime must not be invoked for a pre-fired token")
	}
}

func TestExecuteRuntimeFailure(t *testing.T) {
	rt := newFakeRuntime()
	rt.run = func(domain.Invocation, domain.ChunkFunc) (domain.RunStatus, error) {
		return domain.RunStatus{}, errors.New("fork: resource exhausted")
	}
	e := newTestExecutor(t, rt, Config{})

	_, err := e.Execute(context.Background(), Request{Command: "anything"})
	if !errors.Is(err, domain.ErrRuntimeFailure) {
		t.Fatalf("expected ErrRuntimeFailure, got %v", err)
	}
}

func TestExecutePrefix(t *testing.T) {
	rt := newFakeRuntime()
	e := newTestExecutor(t, rt, Config{CommandPrefix: "nice -n 10"})

	if _, err := e.Execute(context.Background(), Request{Command: "make"}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := rt.lastInvocation(t).Command; got != "nice -n 10 make" {
		t.Fatalf("configured prefix not applied: %q", got)
	}

	if _, err := e.Execute(context.Background(), Request{Command: "make", Prefix: "timeout 5"}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := rt.lastInvocation(t).Command; got != "timeout 5 make" {
		t.Fatalf("request prefix should override config: %q", got)
	}
}

func TestExecuteTimeoutDefaultAndClamp(t *testing.T) {
	rt := newFakeRuntime()
	e := newTestExecutor(t, rt, Config{DefaultTimeout: 7 * time.Second, MaxTimeout: 30 * time.Second})

	e.Execute(context.Background(), Request{Command: "true"})
	if got := rt.lastInvocation(t).Timeout; got != 7*time.Second {
		t.Fatalf("default timeout not applied: %s", got)
	}

	e.Execute(context.Background(), Request{Command: "true", Timeout: time.Hour})
	if got := rt.lastInvocation(t).Timeout; got != 30*time.Second {
		t.Fatalf("timeout not clamped: %s", got)
	}
}

func TestExecuteSessionFirstUseOnly(t *testing.T) {
	rt := newFakeRuntime()
	e := newTestExecutor(t, rt, Config{})

	env := map[string]string{"FOO": "bar"}
	e.Execute(context.Background(), Request{Command: "true", SessionKey: "build", SessionEnv: env, SnapshotPath: "/tmp/snap.sh"})
	first := rt.lastInvocation(t)
	if first.SessionEnv == nil || first.SnapshotPath == "" {
		t.Fatal("first session use should carry session env and snapshot")
	}

	e.Execute(context.Background(), Request{Command: "true", SessionKey: "build", SessionEnv: env, SnapshotPath: "/tmp/snap.sh"})
	second := rt.lastInvocation(t)
	if second.SessionEnv != nil || second.SnapshotPath != "" {
		t.Fatal("later session uses must not resend session env or snapshot")
	}
}

func TestExecuteFailedFirstSessionUseKeepsSeed(t *testing.T) {
	rt := newFakeRuntime()
	failed := false
	rt.run = func(domain.Invocation, domain.ChunkFunc) (domain.RunStatus, error) {
		if !failed {
			failed = true
			return domain.RunStatus{}, errors.New("fork/exec /bin/sh: no such file or directory")
		}
		code := 0
		return domain.RunStatus{ExitCode: &code}, nil
	}
	e := newTestExecutor(t, rt, Config{})

	env := map[string]string{"FOO": "bar"}
	req := Request{Command: "true", SessionKey: "s1", SessionEnv: env, SnapshotPath: "/tmp/snap.sh"}

	if _, err := e.Execute(context.Background(), req); err == nil {
		t.Fatal("expected a hard error from the failed first use")
	}

	// The failed attempt never delivered the seed; the retry must carry it.
	if _, err := e.Execute(context.Background(), req); err != nil {
		t.Fatalf("retry: %v", err)
	}
	retry := rt.lastInvocation(t)
	if retry.SessionEnv == nil || retry.SnapshotPath == "" {
		t.Fatalf("retry after failed first use dropped the session seed: env=%v snapshot=%q",
			retry.SessionEnv, retry.SnapshotPath)
	}

	// Delivery succeeded this time, so the seed is consumed.
	if _, err := e.Execute(context.Background(), req); err != nil {
		t.Fatalf("third run: %v", err)
	}
	third := rt.lastInvocation(t)
	if third.SessionEnv != nil || third.SnapshotPath != "" {
		t.Fatal("seed must be consumed once delivered")
	}
}

func TestExecuteSessionUnsupported(t *testing.T) {
	rt := newFakeRuntime()
	rt.caps = domain.RuntimeCapabilities{Interrupt: true}
	e := newTestExecutor(t, rt, Config{})

	_, err := e.Execute(context.Background(), Request{Command: "true", SessionKey: "build"})
	if !errors.Is(err, domain.ErrSessionUnsupported) {
		t.Fatalf("expected ErrSessionUnsupported, got %v", err)
	}
}

func TestNewRequiresInterruptCapability(t *testing.T) {
	rt := newFakeRuntime()
	rt.caps = domain.RuntimeCapabilities{}
	if _, err := New(rt, Config{}, nil, slog.Default()); !errors.Is(err, domain.ErrRuntimeCapability) {
		t.Fatalf("expected ErrRuntimeCapability, got %v", err)
	}
}

func TestExecuteAfterClose(t *testing.T) {
	e := newTestExecutor(t, newFakeRuntime(), Config{})
	e.Close()
	if _, err := e.Execute(context.Background(), Request{Command: "true"}); !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestExecuteLiveChunksReachObserver(t *testing.T) {
	rt := newFakeRuntime()
	rt.run = func(_ domain.Invocation, onChunk domain.ChunkFunc) (domain.RunStatus, error) {
		for i := 0; i < 5; i++ {
			onChunk("tick\n")
		}
		code := 0
		return domain.RunStatus{ExitCode: &code}, nil
	}
	e := newTestExecutor(t, rt, Config{})

	var mu sync.Mutex
	var chunks []string
	_, err := e.Execute(context.Background(), Request{
		Command: "ticker",
		OnChunk: func(chunk string) {
			mu.Lock()
			chunks = append(chunks, chunk)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(chunks) != 5 {
		t.Fatalf("observer saw %d chunks, want 5", len(chunks))
	}
}
