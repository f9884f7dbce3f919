package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"runbox/internal/domain"
	"runbox/internal/usecase/exec"
)

// envFlags collects repeated -env KEY=VALUE flags.
type envFlags map[string]string

func (e envFlags) String() string { return "" }

func (e envFlags) Set(v string) error {
	i := strings.IndexByte(v, '=')
	if i <= 0 {
		return fmt.Errorf("want KEY=VALUE, got %q", v)
	}
	e[v[:i]] = v[i+1:]
	return nil
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "runbox.yaml", "config file path")
	session := fs.String("session", "", "session key for persistent shell state")
	cwd := fs.String("cwd", "", "working directory (validated against the sandbox root)")
	timeout := fs.Duration("timeout", 0, "per-invocation timeout (0 = configured default)")
	prefix := fs.String("prefix", "", "command prefix override")
	quiet := fs.Bool("quiet", false, "suppress live output, print only the result JSON")
	env := envFlags{}
	fs.Var(env, "env", "extra environment variable KEY=VALUE (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	command := strings.Join(fs.Args(), " ")
	if command == "" {
		return fmt.Errorf("no command given (runbox run [flags] -- COMMAND)")
	}

	// SIGINT/SIGTERM cancel the context; the executor turns that into a
	// runtime interrupt and reports a cancelled outcome.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := buildPipeline(ctx, *cfgPath)
	if err != nil {
		return err
	}
	defer p.Close()

	validatedCwd := *cwd
	if validatedCwd != "" {
		validatedCwd, err = p.sandbox.ValidatePath(validatedCwd)
		if err != nil {
			return err
		}
	}

	req := exec.Request{
		Command:    command,
		Cwd:        validatedCwd,
		Env:        env,
		SessionKey: *session,
		Timeout:    *timeout,
		Prefix:     *prefix,
	}
	if *session != "" {
		// First use of a session carries the caller's environment into the
		// session state; later invocations ignore it.
		req.SessionEnv = env
	}
	if !*quiet {
		req.OnChunk = func(chunk string) {
			fmt.Fprint(os.Stderr, chunk)
		}
	}

	start := time.Now()
	result, err := p.executor.Execute(ctx, req)
	if err != nil {
		return err
	}

	wire := result.Wire()
	wire.Output = p.redactor.Redact(wire.Output)
	data, err := json.MarshalIndent(wire, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	fmt.Println(string(data))

	recordRun(ctx, p, result, *session, command, start)
	p.Close()

	switch result.Outcome.Kind() {
	case domain.OutcomeTimedOut:
		os.Exit(124)
	case domain.OutcomeCancelled:
		os.Exit(130)
	default:
		if code, ok := result.Outcome.ExitCode(); ok && code != 0 {
			os.Exit(code)
		}
	}
	return nil
}

// recordRun persists the redacted command to history. Failures are
// logged, never fatal.
func recordRun(ctx context.Context, p *pipeline, result *domain.ExecResult, sessionKey, command string, start time.Time) {
	if p.history == nil {
		return
	}
	rec := domain.ExecRecord{
		ID:         result.ID,
		SessionKey: sessionKey,
		Command:    p.redactor.Redact(command),
		Outcome:    result.Outcome.Kind(),
		Truncated:  result.Truncated,
		SpillPath:  result.SpillPath,
		StartedAt:  start,
		Duration:   result.Duration,
	}
	if code, ok := result.Outcome.ExitCode(); ok {
		rec.ExitCode = &code
	}
	if err := p.history.Record(ctx, rec); err != nil {
		p.logger.Warn("history write failed", "error", err)
	}
}
