package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"runbox/internal/adapter/history"
	localruntime "runbox/internal/adapter/runtime"
	"runbox/internal/adapter/tool"
	"runbox/internal/domain"
	"runbox/internal/infra/config"
	"runbox/internal/infra/logger"
	"runbox/internal/infra/tracer"
	"runbox/internal/security"
	"runbox/internal/usecase/eventbus"
	"runbox/internal/usecase/exec"
	"runbox/internal/usecase/scheduling"
)

// pipeline bundles the wired components behind every subcommand.
type pipeline struct {
	cfg       *config.Config
	logger    *slog.Logger
	bus       *eventbus.Bus
	redactor  *security.Redactor
	sandbox   *security.Sandbox
	audit     *security.FileAuditLogger
	history   domain.HistoryStore
	runtime   *localruntime.Local
	executor  *exec.Executor
	limiter   *tool.KeyedLimiter
	registry  *tool.Registry
	scheduler *scheduling.Scheduler

	cleanups []func() error
	closed   bool
}

// Close runs cleanups in reverse registration order. Safe to call twice;
// os.Exit paths close explicitly while deferred closes cover errors.
func (p *pipeline) Close() {
	if p.closed {
		return
	}
	p.closed = true
	for i := len(p.cleanups) - 1; i >= 0; i-- {
		if err := p.cleanups[i](); err != nil && p.logger != nil {
			p.logger.Warn("cleanup error", "error", err)
		}
	}
}

func (p *pipeline) addCleanup(fn func() error) {
	p.cleanups = append(p.cleanups, fn)
}

// buildPipeline wires the full stack from config. Every component failure
// tears down what was already built.
func buildPipeline(ctx context.Context, cfgPath string) (p *pipeline, err error) {
	// Load .env into the process environment before anything snapshots it.
	// A missing file is the normal case.
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	p = &pipeline{cfg: cfg}
	defer func() {
		if err != nil {
			p.Close()
		}
	}()

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	p.logger = log
	p.addCleanup(logCloser)

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}
	p.addCleanup(func() error { return tracerShutdown(context.Background()) })

	// Secret dictionary: environment snapshot plus the two definition files.
	envSnapshot := environMap()
	globalEntries, err := config.LoadSecretEntries(cfg.Secrets.GlobalFile, domain.OriginGlobal)
	if err != nil {
		return nil, fmt.Errorf("global secrets: %w", err)
	}
	projectEntries, err := config.LoadSecretEntries(cfg.Secrets.ProjectFile, domain.OriginProject)
	if err != nil {
		return nil, fmt.Errorf("project secrets: %w", err)
	}
	redactor, err := security.Compile(envSnapshot, globalEntries, projectEntries, security.CompileOptions{
		EnvScan:   cfg.Secrets.EnvScan,
		MinLength: cfg.Secrets.MinLength,
	})
	if err != nil {
		return nil, fmt.Errorf("compile secrets: %w", err)
	}
	p.redactor = redactor

	sandbox, err := security.NewSandbox(cfg.SandboxRoot)
	if err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}
	p.sandbox = sandbox

	if cfg.Audit.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Audit.Path), 0o700); err != nil {
			return nil, fmt.Errorf("audit dir: %w", err)
		}
		audit, err := security.NewFileAuditLogger(cfg.Audit.Path)
		if err != nil {
			return nil, fmt.Errorf("audit: %w", err)
		}
		policy, err := retentionPolicy(cfg.Audit.Retention)
		if err != nil {
			return nil, fmt.Errorf("audit retention: %w", err)
		}
		audit.SetRetention(policy)
		p.audit = audit
		p.addCleanup(audit.Close)
	}

	if cfg.History.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.History.Path), 0o700); err != nil {
			return nil, fmt.Errorf("history dir: %w", err)
		}
		store, err := history.NewSQLiteStore(cfg.History.Path)
		if err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		p.history = store
		p.addCleanup(store.Close)
	}

	bus := eventbus.New(log)
	p.bus = bus
	p.addCleanup(func() error { bus.Close(); return nil })

	if p.audit != nil {
		wireAuditEvents(bus, p.audit, log)
	}
	bus.Emit(ctx, domain.EventSecretsCompiled, "",
		map[string]string{"entries": strconv.Itoa(redactor.Len())})

	rt := localruntime.NewLocal(localruntime.Config{
		Shell:              cfg.Runtime.Shell,
		SessionDir:         cfg.Runtime.SessionDir,
		InterruptGrace:     cfg.Runtime.InterruptGrace.Std(),
		BreakerMaxFailures: cfg.Runtime.Breaker.MaxFailures,
		BreakerTimeout:     cfg.Runtime.Breaker.Timeout.Std(),
		BreakerInterval:    cfg.Runtime.Breaker.Interval.Std(),
	}, log)
	p.runtime = rt
	p.addCleanup(rt.Close)

	executor, err := exec.New(rt, exec.Config{
		SpillThreshold: cfg.Sink.SpillThreshold,
		SpillDir:       cfg.Sink.SpillDir,
		DefaultTimeout: cfg.Runtime.Timeout.Std(),
		MaxTimeout:     cfg.Runtime.MaxTimeout.Std(),
		CommandPrefix:  cfg.Runtime.CommandPrefix,
	}, bus, log)
	if err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}
	p.executor = executor
	p.addCleanup(executor.Close)

	p.limiter = tool.NewKeyedLimiter(cfg.Runtime.StartsPerSecond, cfg.Runtime.StartsBurst)

	registry := tool.NewRegistry(log)
	// A disabled audit logger must be a nil interface, not a typed nil
	// pointer, or the tool's nil check passes and Log panics.
	var auditLogger domain.AuditLogger
	if p.audit != nil {
		auditLogger = p.audit
	}
	shellTool := tool.NewShellTool(executor, redactor, sandbox, p.limiter, auditLogger, p.history, log)
	if err := registry.Register(shellTool); err != nil {
		return nil, fmt.Errorf("register run_command: %w", err)
	}
	if err := registry.Register(tool.NewRedactTool(redactor, log)); err != nil {
		return nil, fmt.Errorf("register text_redact: %w", err)
	}
	p.registry = registry

	if cfg.Scheduler.Enabled {
		p.scheduler = buildScheduler(cfg, p, log)
	}

	log.Info("runbox initialized",
		"secrets", redactor.Len(),
		"audit", p.audit != nil,
		"history", p.history != nil,
		"scheduler", p.scheduler != nil,
	)
	return p, nil
}

// wireAuditEvents mirrors pipeline lifecycle events into the audit log.
// The exec.started payload carries the restored command, so only the
// execution id crosses into the audit record; details are copied for the
// events whose payloads are already safe.
func wireAuditEvents(bus *eventbus.Bus, audit *security.FileAuditLogger, log *slog.Logger) {
	bus.SubscribeAll(func(ctx context.Context, event domain.Event) {
		var rec domain.AuditEvent
		switch event.Type {
		case domain.EventExecStarted:
			rec = domain.AuditEvent{Type: domain.AuditExecStart}
		case domain.EventExecFinished:
			var wire domain.WireResult
			_ = json.Unmarshal(event.Payload, &wire)
			outcome := "completed"
			if wire.Cancelled {
				outcome = "interrupted"
			}
			rec = domain.AuditEvent{Type: domain.AuditExecFinish, Outcome: outcome}
			if wire.ExitCode != nil {
				rec.Detail = map[string]string{"exit_code": strconv.Itoa(*wire.ExitCode)}
			}
		case domain.EventExecInterrupted:
			rec = domain.AuditEvent{Type: domain.AuditExecInterrupt}
		case domain.EventExecSpill:
			detail := map[string]string{}
			_ = json.Unmarshal(event.Payload, &detail)
			rec = domain.AuditEvent{Type: domain.AuditSpillCreate, Detail: detail}
		case domain.EventSessionStarted:
			detail := map[string]string{}
			_ = json.Unmarshal(event.Payload, &detail)
			rec = domain.AuditEvent{Type: domain.AuditSessionStart, Detail: detail}
		case domain.EventSecretsCompiled:
			detail := map[string]string{}
			_ = json.Unmarshal(event.Payload, &detail)
			rec = domain.AuditEvent{Type: domain.AuditSecretsCompile, Detail: detail}
		default:
			return
		}
		rec.ExecID = event.ExecID
		if err := audit.Log(ctx, rec); err != nil {
			log.Warn("audit write failed", "event", string(event.Type), "error", err)
		}
	})
}

// buildScheduler registers maintenance actions and their tasks. Invalid
// schedules are logged and skipped rather than failing startup.
func buildScheduler(cfg *config.Config, p *pipeline, log *slog.Logger) *scheduling.Scheduler {
	sched := scheduling.NewScheduler(log)

	spillDir := cfg.Sink.SpillDir
	if spillDir == "" {
		spillDir = os.TempDir()
	}
	sched.RegisterAction(scheduling.ActionSpillSweep, func(ctx context.Context) error {
		_, err := scheduling.SweepSpillFiles(spillDir, exec.SpillFilePrefix, cfg.Scheduler.SpillMaxAge.Std(), log)
		return err
	})
	sched.RegisterAction(scheduling.ActionSessionReap, func(ctx context.Context) error {
		_, err := scheduling.ReapSessions(cfg.Runtime.SessionDir, cfg.Scheduler.SpillMaxAge.Std(), log)
		return err
	})
	if p.history != nil && cfg.History.Retention > 0 {
		sched.RegisterAction(scheduling.ActionHistoryPrune, func(ctx context.Context) error {
			n, err := p.history.Prune(ctx, time.Now().Add(-cfg.History.Retention.Std()))
			if err == nil && n > 0 {
				log.Info("history pruned", "removed", n)
				p.bus.Emit(ctx, domain.EventHistoryPruned, "",
					map[string]string{"removed": strconv.Itoa(n)})
			}
			return err
		})
	}
	if p.audit != nil {
		sched.RegisterAction(scheduling.ActionAuditRetention, func(ctx context.Context) error {
			n, err := p.audit.EnforceRetention(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				p.bus.Emit(ctx, domain.EventAuditRetention, "",
					map[string]string{"removed": strconv.Itoa(n)})
				return p.audit.Log(ctx, domain.AuditEvent{
					Type:   domain.AuditRetentionEnforce,
					Detail: map[string]string{"removed": strconv.Itoa(n)},
				})
			}
			return nil
		})
	}

	tasks := []scheduling.ScheduledTask{
		{Name: "spill-sweep", Schedule: cfg.Scheduler.SpillSweepSchedule, Action: scheduling.ActionSpillSweep},
		{Name: "session-reap", Schedule: cfg.Scheduler.SpillSweepSchedule, Action: scheduling.ActionSessionReap},
	}
	if p.history != nil && cfg.History.Retention > 0 {
		tasks = append(tasks, scheduling.ScheduledTask{
			Name: "history-prune", Schedule: cfg.Scheduler.HistoryPruneSchedule, Action: scheduling.ActionHistoryPrune,
		})
	}
	if p.audit != nil {
		tasks = append(tasks, scheduling.ScheduledTask{
			Name: "audit-retention", Schedule: cfg.Scheduler.AuditRetentionSchedule, Action: scheduling.ActionAuditRetention,
		})
	}
	for _, task := range tasks {
		if err := sched.AddTask(task); err != nil {
			log.Warn("skipping scheduled task", "task", task.Name, "error", err)
		}
	}
	return sched
}

func retentionPolicy(cfg config.AuditRetentionConfig) (security.RetentionPolicy, error) {
	var policy security.RetentionPolicy
	if cfg.MaxAge != "" {
		d, err := time.ParseDuration(cfg.MaxAge)
		if err != nil {
			return policy, fmt.Errorf("max_age: %w", err)
		}
		policy.MaxAge = d
	}
	size, err := security.ParseRetentionMaxSize(cfg.MaxSize)
	if err != nil {
		return policy, fmt.Errorf("max_size: %w", err)
	}
	policy.MaxSize = size
	return policy, nil
}

// environMap snapshots the process environment as a map.
func environMap() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	return env
}
