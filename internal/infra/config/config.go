package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "RUNBOX_"

// Duration is a time.Duration that unmarshals from yaml duration strings
// ("30s", "10m"). yaml.v3 only decodes bare integers into time.Duration,
// which no one writes in a config file.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("invalid duration node: %w", err)
	}
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the top-level application configuration.
type Config struct {
	// Includes lists additional config files (or globs) merged into this
	// one; the main file's values take precedence.
	Includes []string `yaml:"includes,omitempty"`

	Runtime     RuntimeConfig   `yaml:"runtime"`
	Sink        SinkConfig      `yaml:"sink"`
	Secrets     SecretsConfig   `yaml:"secrets"`
	History     HistoryConfig   `yaml:"history"`
	Scheduler   SchedulerConfig `yaml:"scheduler"`
	SandboxRoot string          `yaml:"sandbox_root"`
	Audit       AuditConfig     `yaml:"audit"`
	Logger      LoggerConfig    `yaml:"logger"`
	Tracer      TracerConfig    `yaml:"tracer"`
}

// RuntimeConfig holds shell runtime and executor settings.
type RuntimeConfig struct {
	// Shell is the shell binary to use. Empty means auto-detect.
	Shell string `yaml:"shell"`
	// CommandPrefix is prepended verbatim to every command ("<prefix> <command>").
	// It must be valid shell syntax.
	CommandPrefix string `yaml:"command_prefix"`
	// Timeout is the default per-invocation timeout.
	Timeout Duration `yaml:"timeout"`
	// MaxTimeout caps per-invocation timeouts supplied by callers.
	MaxTimeout Duration `yaml:"max_timeout"`
	// SessionDir is where persistent session state (cwd, exported env) lives.
	SessionDir string `yaml:"session_dir"`
	// InterruptGrace is how long Interrupt waits after SIGINT before SIGKILL.
	InterruptGrace Duration `yaml:"interrupt_grace"`
	// StartsPerSecond rate-limits command starts per session key. 0 = unlimited.
	StartsPerSecond float64 `yaml:"starts_per_second"`
	// StartsBurst is the token-bucket burst for command starts.
	StartsBurst int `yaml:"starts_burst"`
	// Breaker configures the spawn circuit breaker.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the spawn circuit breaker. Repeated spawn
// failures open the circuit so subsequent runs fail fast instead of
// hammering a broken shell.
type BreakerConfig struct {
	MaxFailures uint32   `yaml:"max_failures"`
	Timeout     Duration `yaml:"timeout"`
	Interval    Duration `yaml:"interval"`
}

// SinkConfig holds output sink settings.
type SinkConfig struct {
	// SpillThreshold is the in-memory byte bound; output beyond it spills
	// to disk.
	SpillThreshold int `yaml:"spill_threshold"`
	// SpillDir is where spill files are created. Empty means os.TempDir().
	SpillDir string `yaml:"spill_dir"`
}

// SecretsConfig holds secret scanning and redaction settings.
type SecretsConfig struct {
	// EnvScan enables deriving secret entries from the environment snapshot.
	EnvScan bool `yaml:"env_scan"`
	// MinLength is the minimum value length for env-derived entries.
	MinLength int `yaml:"min_length"`
	// GlobalFile and ProjectFile are the two secret definition levels;
	// project entries override global entries on content collision.
	GlobalFile  string `yaml:"global_file"`
	ProjectFile string `yaml:"project_file"`
}

// HistoryConfig holds execution history store settings.
type HistoryConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Path      string   `yaml:"path"`
	Retention Duration `yaml:"retention"`
}

// SchedulerConfig holds retention scheduler settings.
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
	// SpillSweepSchedule is a cron expression or duration for spill sweeps.
	SpillSweepSchedule string `yaml:"spill_sweep_schedule"`
	// SpillMaxAge is how old a spill file must be before a sweep deletes it.
	SpillMaxAge Duration `yaml:"spill_max_age"`
	// HistoryPruneSchedule is a cron expression or duration for history pruning.
	HistoryPruneSchedule string `yaml:"history_prune_schedule"`
	// AuditRetentionSchedule is a cron expression or duration for audit
	// retention enforcement.
	AuditRetentionSchedule string `yaml:"audit_retention_schedule"`
}

// AuditConfig holds audit logging settings.
type AuditConfig struct {
	Enabled   bool                 `yaml:"enabled"`
	Path      string               `yaml:"path"`
	Retention AuditRetentionConfig `yaml:"retention"`
}

// AuditRetentionConfig bounds the audit log.
type AuditRetentionConfig struct {
	MaxAge  string `yaml:"max_age"`  // duration string; empty = no limit
	MaxSize string `yaml:"max_size"` // e.g. "10MB"; empty = no limit
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stderr, stdout, or a file path
}

// TracerConfig holds OpenTelemetry tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout, noop
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".runbox", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Runtime: RuntimeConfig{
			Timeout:        Duration(30 * time.Second),
			MaxTimeout:     Duration(10 * time.Minute),
			SessionDir:     filepath.Join(dataDir, "sessions"),
			InterruptGrace: Duration(3 * time.Second),
			StartsBurst:    1,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     Duration(30 * time.Second),
				Interval:    Duration(60 * time.Second),
			},
		},
		Sink: SinkConfig{
			SpillThreshold: 64 * 1024,
		},
		Secrets: SecretsConfig{
			EnvScan:     true,
			MinLength:   8,
			GlobalFile:  filepath.Join(dataDir, "..", "secrets.yaml"),
			ProjectFile: filepath.Join(".runbox", "secrets.yaml"),
		},
		History: HistoryConfig{
			Enabled:   true,
			Path:      filepath.Join(dataDir, "history.db"),
			Retention: Duration(720 * time.Hour),
		},
		Scheduler: SchedulerConfig{
			Enabled:                false,
			SpillSweepSchedule:     "1h",
			SpillMaxAge:            Duration(24 * time.Hour),
			HistoryPruneSchedule:   "0 3 * * *",
			AuditRetentionSchedule: "6h",
		},
		SandboxRoot: ".",
		Audit: AuditConfig{
			Enabled: true,
			Path:    filepath.Join(dataDir, "audit.jsonl"),
			Retention: AuditRetentionConfig{
				MaxSize: "10MB",
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file and applies env var overrides. A missing
// file is not an error; defaults plus overrides are returned.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Process includes (merges included files into cfg).
	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass: re-unmarshal main config so it takes precedence
		// over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps RUNBOX_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv(EnvPrefix + "LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv(EnvPrefix + "LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv(EnvPrefix + "TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv(EnvPrefix + "TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv(EnvPrefix + "SANDBOX_ROOT"); v != "" {
		cfg.SandboxRoot = v
	}
	if v := os.Getenv(EnvPrefix + "RUNTIME_SHELL"); v != "" {
		cfg.Runtime.Shell = v
	}
	if v := os.Getenv(EnvPrefix + "RUNTIME_COMMAND_PREFIX"); v != "" {
		cfg.Runtime.CommandPrefix = v
	}
	if v := os.Getenv(EnvPrefix + "RUNTIME_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Runtime.Timeout = Duration(d)
		}
	}
	if v := os.Getenv(EnvPrefix + "RUNTIME_MAX_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Runtime.MaxTimeout = Duration(d)
		}
	}
	if v := os.Getenv(EnvPrefix + "RUNTIME_SESSION_DIR"); v != "" {
		cfg.Runtime.SessionDir = v
	}
	if v := os.Getenv(EnvPrefix + "SINK_SPILL_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sink.SpillThreshold = n
		}
	}
	if v := os.Getenv(EnvPrefix + "SINK_SPILL_DIR"); v != "" {
		cfg.Sink.SpillDir = v
	}
	if v := os.Getenv(EnvPrefix + "SECRETS_ENV_SCAN"); v == "false" {
		cfg.Secrets.EnvScan = false
	}
	if v := os.Getenv(EnvPrefix + "SECRETS_MIN_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Secrets.MinLength = n
		}
	}
	if v := os.Getenv(EnvPrefix + "SECRETS_GLOBAL_FILE"); v != "" {
		cfg.Secrets.GlobalFile = v
	}
	if v := os.Getenv(EnvPrefix + "SECRETS_PROJECT_FILE"); v != "" {
		cfg.Secrets.ProjectFile = v
	}
	if v := os.Getenv(EnvPrefix + "HISTORY_ENABLED"); v == "false" {
		cfg.History.Enabled = false
	}
	if v := os.Getenv(EnvPrefix + "HISTORY_PATH"); v != "" {
		cfg.History.Path = v
	}
	if v := os.Getenv(EnvPrefix + "AUDIT_ENABLED"); v == "false" {
		cfg.Audit.Enabled = false
	}
	if v := os.Getenv(EnvPrefix + "AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}
	if v := os.Getenv(EnvPrefix + "SCHEDULER_ENABLED"); v == "true" {
		cfg.Scheduler.Enabled = true
	}
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
// Output format: hex(salt) + ":" + hex(nonce+ciphertext).
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
