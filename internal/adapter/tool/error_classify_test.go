package tool

import (
	"errors"
	"fmt"
	"testing"

	"runbox/internal/domain"
)

func TestClassifyToolError_Nil(t *testing.T) {
	if classifyToolError(nil) {
		t.Error("expected nil error to be non-retryable")
	}
}

func TestClassifyToolError_RetryableSentinels(t *testing.T) {
	sentinels := []struct {
		name     string
		sentinel error
	}{
		{"ErrTimeout", domain.ErrTimeout},
		{"ErrRateLimit", domain.ErrRateLimit},
		{"ErrUnavailable", domain.ErrUnavailable},
		{"ErrSpawnSuppressed", domain.ErrSpawnSuppressed},
	}
	for _, tt := range sentinels {
		t.Run(tt.name, func(t *testing.T) {
			if !classifyToolError(tt.sentinel) {
				t.Errorf("expected %s to be retryable", tt.name)
			}
		})
	}
}

func TestClassifyToolError_WrappedRetryableSentinels(t *testing.T) {
	wrapped := fmt.Errorf("run_command: %w", domain.ErrTimeout)
	if !classifyToolError(wrapped) {
		t.Error("expected wrapped ErrTimeout to be retryable")
	}

	doubleWrapped := fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", domain.ErrRateLimit))
	if !classifyToolError(doubleWrapped) {
		t.Error("expected double-wrapped ErrRateLimit to be retryable")
	}
}

func TestClassifyToolError_PermanentSentinels(t *testing.T) {
	permanents := []struct {
		name     string
		sentinel error
	}{
		{"ErrPathOutsideSandbox", domain.ErrPathOutsideSandbox},
		{"ErrToolNotFound", domain.ErrToolNotFound},
		{"ErrToolFailure", domain.ErrToolFailure},
		{"ErrNotFound", domain.ErrNotFound},
		{"ErrDuplicate", domain.ErrDuplicate},
		{"ErrPermissionDenied", domain.ErrPermissionDenied},
		{"ErrDisabled", domain.ErrDisabled},
		{"ErrInvalidInput", domain.ErrInvalidInput},
		{"ErrSecretPattern", domain.ErrSecretPattern},
		{"ErrSecretEntry", domain.ErrSecretEntry},
		{"ErrRuntimeFailure", domain.ErrRuntimeFailure},
		{"ErrSessionUnsupported", domain.ErrSessionUnsupported},
		{"ErrHistoryStore", domain.ErrHistoryStore},
	}
	for _, tt := range permanents {
		t.Run(tt.name, func(t *testing.T) {
			if classifyToolError(tt.sentinel) {
				t.Errorf("expected %s to be non-retryable (permanent)", tt.name)
			}
		})
	}
}

func TestClassifyToolError_StringPatterns(t *testing.T) {
	retryables := []struct {
		name string
		err  string
	}{
		{"temporarily unavailable", "fork/exec /bin/sh: resource temporarily unavailable"},
		{"too many open files", "open /tmp/spill: too many open files"},
		{"deadline exceeded", "context deadline exceeded"},
		{"try again", "server busy, please try again later"},
		{"uppercase pattern", "fork/exec: Resource Temporarily Unavailable"},
	}
	for _, tt := range retryables {
		t.Run(tt.name, func(t *testing.T) {
			err := errors.New(tt.err)
			if !classifyToolError(err) {
				t.Errorf("expected %q to be retryable", tt.err)
			}
		})
	}
}

func TestClassifyToolError_NonRetryableStrings(t *testing.T) {
	permanents := []struct {
		name string
		err  string
	}{
		{"not found", "session swap file not found"},
		{"permission denied", "permission denied: /etc/shadow"},
		{"invalid argument", "invalid session key"},
		{"generic error", "something completely unexpected happened"},
		{"empty message", ""},
	}
	for _, tt := range permanents {
		t.Run(tt.name, func(t *testing.T) {
			err := errors.New(tt.err)
			if classifyToolError(err) {
				t.Errorf("expected %q to be non-retryable", tt.err)
			}
		})
	}
}

func TestClassifyToolError_WrappedWithRetryablePattern(t *testing.T) {
	// A non-sentinel error whose message contains a retryable pattern.
	inner := errors.New("open /tmp/x: too many open files")
	wrapped := fmt.Errorf("spill create: %w", inner)
	if !classifyToolError(wrapped) {
		t.Error("expected wrapped file-table exhaustion to be retryable")
	}
}

func TestClassifyToolError_DomainErrorWithRetryableSentinel(t *testing.T) {
	// DomainError wrapping a retryable sentinel.
	derr := domain.NewDomainError("ShellTool.Execute", domain.ErrRateLimit, "start rate reached")
	if !classifyToolError(derr) {
		t.Error("expected DomainError wrapping ErrRateLimit to be retryable")
	}
}

func TestClassifyToolError_SubSystemErrorRetryable(t *testing.T) {
	derr := domain.NewSubSystemError("runtime", "LocalRuntime.Execute", domain.ErrSpawnSuppressed, "breaker open")
	if !classifyToolError(derr) {
		t.Error("expected SubSystemError wrapping ErrSpawnSuppressed to be retryable")
	}
}

func TestClassifyToolError_DomainErrorWithPermanentSentinel(t *testing.T) {
	derr := domain.NewSubSystemError("security", "Sandbox.ValidatePath", domain.ErrPathOutsideSandbox, "../etc")
	if classifyToolError(derr) {
		t.Error("expected SubSystemError wrapping ErrPathOutsideSandbox to be non-retryable")
	}
}
