package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific
// errors. Prefer these for new code; the named sentinels below cover the
// pipeline's established failure points.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrDisabled         = fmt.Errorf("disabled")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrUnavailable      = fmt.Errorf("unavailable")
)

// Sentinel errors for the domain layer.
var (
	ErrToolNotFound       = fmt.Errorf("tool not found")
	ErrToolFailure        = fmt.Errorf("tool execution failed")
	ErrPathOutsideSandbox = fmt.Errorf("path is outside sandbox boundary")
	ErrConfigLoad         = fmt.Errorf("failed to load configuration")
	ErrEncryption         = fmt.Errorf("encryption operation failed")
	ErrDecryption         = fmt.Errorf("decryption failed")
	ErrAuditWrite         = fmt.Errorf("audit log write failed")
	ErrRateLimit          = fmt.Errorf("rate limit exceeded")

	// Executor / runtime errors.
	ErrRuntimeFailure     = fmt.Errorf("shell runtime failure")
	ErrExecNotFound       = fmt.Errorf("execution not found")
	ErrSessionUnsupported = fmt.Errorf("runtime does not support sessions")
	ErrRuntimeCapability  = fmt.Errorf("runtime capability missing")
	ErrSpawnSuppressed    = fmt.Errorf("spawn suppressed: %w", ErrUnavailable)

	// Secret redaction errors.
	ErrSecretPattern = fmt.Errorf("secret pattern does not compile")
	ErrSecretEntry   = fmt.Errorf("secret entry invalid")

	// History store errors.
	ErrHistoryStore = fmt.Errorf("history store operation failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Executor.Execute")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "runtime", "secrets"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for
// ErrorCode dispatch. Use with category sentinels (ErrNotFound, ErrTimeout,
// etc.) so ErrorCodeOf can map the combination to a specific code.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring.
type ErrorCode string

// Error codes. Every sentinel maps to exactly one code.
const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeToolNotFound       ErrorCode = "TOOL_NOT_FOUND"
	CodeToolFailure        ErrorCode = "TOOL_FAILURE"
	CodePathOutsideSandbox ErrorCode = "PATH_OUTSIDE_SANDBOX"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeEncryption         ErrorCode = "ENCRYPTION"
	CodeDecryption         ErrorCode = "DECRYPTION"
	CodeAuditWrite         ErrorCode = "AUDIT_WRITE"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeRuntimeFailure     ErrorCode = "RUNTIME_FAILURE"
	CodeExecNotFound       ErrorCode = "EXEC_NOT_FOUND"
	CodeSessionUnsupported ErrorCode = "SESSION_UNSUPPORTED"
	CodeRuntimeCapability  ErrorCode = "RUNTIME_CAPABILITY"
	CodeSpawnSuppressed    ErrorCode = "SPAWN_SUPPRESSED"
	CodeSecretPattern      ErrorCode = "SECRET_PATTERN"
	CodeSecretEntry        ErrorCode = "SECRET_ENTRY"
	CodeHistoryStore       ErrorCode = "HISTORY_STORE"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	CodeSinkClosed      ErrorCode = "SINK_CLOSED"
	CodeSpillWrite      ErrorCode = "SPILL_WRITE"
	CodeSchedule        ErrorCode = "SCHEDULE_INVALID"

	// Category codes, fallbacks when no subsystem-specific code matches.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeDisabled         ErrorCode = "DISABLED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeUnavailable      ErrorCode = "UNAVAILABLE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	// Category sentinels (fallback codes).
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrTimeout:          CodeTimeout,
	ErrLimitReached:     CodeLimitReached,
	ErrPermissionDenied: CodePermissionDenied,
	ErrDisabled:         CodeDisabled,
	ErrInvalidInput:     CodeInvalidInput,
	ErrUnavailable:      CodeUnavailable,

	// Named sentinels.
	ErrToolNotFound:       CodeToolNotFound,
	ErrToolFailure:        CodeToolFailure,
	ErrPathOutsideSandbox: CodePathOutsideSandbox,
	ErrConfigLoad:         CodeConfigLoad,
	ErrEncryption:         CodeEncryption,
	ErrDecryption:         CodeDecryption,
	ErrAuditWrite:         CodeAuditWrite,
	ErrRateLimit:          CodeRateLimit,
	ErrRuntimeFailure:     CodeRuntimeFailure,
	ErrExecNotFound:       CodeExecNotFound,
	ErrSessionUnsupported: CodeSessionUnsupported,
	ErrRuntimeCapability:  CodeRuntimeCapability,
	ErrSpawnSuppressed:    CodeSpawnSuppressed,
	ErrSecretPattern:      CodeSecretPattern,
	ErrSecretEntry:        CodeSecretEntry,
	ErrHistoryStore:       CodeHistoryStore,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific
// ErrorCodes, so NewSubSystemError-based errors resolve to precise
// monitoring codes without dedicated sentinels.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"session": CodeSessionNotFound,
		"exec":    CodeExecNotFound,
	},
	ErrInvalidInput: {
		"secrets":   CodeSecretEntry,
		"scheduler": CodeSchedule,
	},
	ErrUnavailable: {
		"sink":    CodeSinkClosed,
		"runtime": CodeSpawnSuppressed,
	},
	ErrLimitReached: {
		"sink": CodeSpillWrite,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors;
// DomainErrors with a SubSystem consult subSystemCodeMap first. Returns
// CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if de.SubSystem != "" {
			if subsysMap, ok := subSystemCodeMap[de.Err]; ok {
				if code, ok := subsysMap[de.SubSystem]; ok {
					return code
				}
			}
		}
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	// Walk the error chain with errors.Is.
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
