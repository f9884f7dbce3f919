package config

import (
	"fmt"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateRuntime(cfg, ve)
	validateSink(cfg, ve)
	validateSecrets(cfg, ve)
	validateHistory(cfg, ve)
	validateScheduler(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateRuntime(cfg *Config, ve *ValidationError) {
	if cfg.Runtime.Timeout <= 0 {
		ve.Add("runtime.timeout must be > 0")
	}
	if cfg.Runtime.MaxTimeout <= 0 {
		ve.Add("runtime.max_timeout must be > 0")
	}
	if cfg.Runtime.MaxTimeout < cfg.Runtime.Timeout {
		ve.Add("runtime.max_timeout must be >= runtime.timeout")
	}
	if cfg.Runtime.StartsPerSecond < 0 {
		ve.Add("runtime.starts_per_second must be >= 0")
	}
	if cfg.Runtime.StartsPerSecond > 0 && cfg.Runtime.StartsBurst <= 0 {
		ve.Add("runtime.starts_burst must be > 0 when starts_per_second is set")
	}
	if cfg.Runtime.InterruptGrace <= 0 {
		ve.Add("runtime.interrupt_grace must be > 0")
	}
}

func validateSink(cfg *Config, ve *ValidationError) {
	if cfg.Sink.SpillThreshold <= 0 {
		ve.Add("sink.spill_threshold must be > 0")
	}
}

func validateSecrets(cfg *Config, ve *ValidationError) {
	if cfg.Secrets.MinLength <= 0 {
		ve.Add("secrets.min_length must be > 0")
	}
}

func validateHistory(cfg *Config, ve *ValidationError) {
	if !cfg.History.Enabled {
		return
	}
	if cfg.History.Path == "" {
		ve.Add("history.path must be set when history is enabled")
	}
	if cfg.History.Retention < 0 {
		ve.Add("history.retention must be >= 0")
	}
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	if cfg.Scheduler.SpillSweepSchedule == "" && cfg.Scheduler.HistoryPruneSchedule == "" &&
		cfg.Scheduler.AuditRetentionSchedule == "" {
		ve.Add("scheduler.enabled with no schedules configured")
	}
	if cfg.Scheduler.SpillSweepSchedule != "" && cfg.Scheduler.SpillMaxAge <= 0 {
		ve.Add("scheduler.spill_max_age must be > 0 when spill sweeping is scheduled")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json", "":
	default:
		ve.Add("logger.format %q is not one of text, json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		ve.Add("tracer.exporter %q is not one of stdout, noop", cfg.Tracer.Exporter)
	}
}
