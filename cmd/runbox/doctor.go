package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"runbox/internal/domain"
	"runbox/internal/infra/config"
	"runbox/internal/security"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// cmdDoctor executes all health checks and reports results.
func cmdDoctor(args []string) error {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	cfgPath := fs.String("config", "runbox.yaml", "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// Try to load config; some checks work without it.
	cfg, cfgErr := config.Load(*cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(*cfgPath, cfgErr)},
		{Name: "Shell", Fn: checkShell},
		{Name: "Spill directory", Fn: checkSpillDir},
		{Name: "Session directory", Fn: checkSessionDir},
		{Name: "Secret files", Fn: checkSecretFiles},
		{Name: "History database", Fn: checkHistoryDir},
		{Name: "Audit log", Fn: checkAuditLog},
	}

	fmt.Println("runbox doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		icon := statusIcon(result.Status)
		fmt.Printf("  %s %s: %s\n", icon, result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		fmt.Println("\nFix the FAIL issues above to ensure runbox runs correctly.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Println("\nrunbox should work, but consider addressing the warnings.")
	} else {
		fmt.Println("\nAll checks passed! runbox is ready to run.")
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile returns a check that verifies the config file exists and parses correctly.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusPass,
				Message: fmt.Sprintf("no config at %s, using defaults with RUNBOX_* overrides", cfgPath),
			}
		}
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check runbox.yaml syntax and file permissions (0600 or 0644)",
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkShell verifies the configured (or a default) shell resolves.
func checkShell(cfg *config.Config) CheckResult {
	if cfg != nil && cfg.Runtime.Shell != "" {
		path, err := exec.LookPath(cfg.Runtime.Shell)
		if err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("configured shell %q not found", cfg.Runtime.Shell),
				Fix:     "Install the shell or clear runtime.shell to auto-detect",
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("using %s", path)}
	}

	for _, name := range []string{"bash", "sh"} {
		if path, err := exec.LookPath(name); err == nil {
			return CheckResult{Status: StatusPass, Message: fmt.Sprintf("auto-detected %s", path)}
		}
	}
	return CheckResult{
		Status:  StatusFail,
		Message: "no usable shell found (tried bash, sh)",
		Fix:     "Install a POSIX shell or set runtime.shell",
	}
}

func checkSpillDir(cfg *config.Config) CheckResult {
	dir := os.TempDir()
	if cfg != nil && cfg.Sink.SpillDir != "" {
		dir = cfg.Sink.SpillDir
	}
	return checkWritableDir("spill directory", dir)
}

func checkSessionDir(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "cannot check: config not loaded"}
	}
	return checkWritableDir("session directory", cfg.Runtime.SessionDir)
}

// checkSecretFiles compiles both secret definition files the way startup
// will, so a bad pattern shows up here instead of at run time.
func checkSecretFiles(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "cannot check: config not loaded"}
	}

	global, err := config.LoadSecretEntries(cfg.Secrets.GlobalFile, domain.OriginGlobal)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("global secrets: %v", err),
			Fix:     fmt.Sprintf("Fix %s (entries need value or pattern, and 0600 permissions)", cfg.Secrets.GlobalFile),
		}
	}
	project, err := config.LoadSecretEntries(cfg.Secrets.ProjectFile, domain.OriginProject)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("project secrets: %v", err),
			Fix:     fmt.Sprintf("Fix %s", cfg.Secrets.ProjectFile),
		}
	}

	redactor, err := security.Compile(nil, global, project, security.CompileOptions{
		EnvScan:   false,
		MinLength: cfg.Secrets.MinLength,
	})
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("secret compilation: %v", err),
			Fix:     "Fix the offending pattern; flags must be from i, m, s, g, u",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d file entries compiled", redactor.Len()),
	}
}

func checkHistoryDir(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "cannot check: config not loaded"}
	}
	if !cfg.History.Enabled {
		return CheckResult{Status: StatusPass, Message: "history disabled"}
	}
	return checkWritableDir("history directory", filepath.Dir(cfg.History.Path))
}

func checkAuditLog(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "cannot check: config not loaded"}
	}
	if !cfg.Audit.Enabled {
		return CheckResult{Status: StatusPass, Message: "audit disabled"}
	}
	return checkWritableDir("audit directory", filepath.Dir(cfg.Audit.Path))
}

// checkWritableDir creates the directory if needed and verifies a file
// can be written in it.
func checkWritableDir(label, dir string) CheckResult {
	if dir == "" {
		return CheckResult{Status: StatusFail, Message: label + " not configured"}
	}
	absDir, _ := filepath.Abs(dir)
	if err := os.MkdirAll(absDir, 0o700); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s %s cannot be created: %v", label, absDir, err),
			Fix:     fmt.Sprintf("Create the directory: mkdir -p %s", absDir),
		}
	}
	testFile := filepath.Join(absDir, ".doctor-check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s %s is not writable: %v", label, absDir, err),
			Fix:     fmt.Sprintf("Fix permissions: chmod 700 %s", absDir),
		}
	}
	os.Remove(testFile)
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s writable", absDir)}
}
