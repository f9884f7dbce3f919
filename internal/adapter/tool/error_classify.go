package tool

import (
	"errors"
	"strings"

	"runbox/internal/domain"
)

// retryableSentinels lists domain errors that indicate transient failures
// worth retrying. These typically represent conditions that resolve on
// their own, like an open spawn breaker or a rate limit window.
var retryableSentinels = []error{
	domain.ErrTimeout,
	domain.ErrRateLimit,
	domain.ErrUnavailable,
	domain.ErrSpawnSuppressed,
}

// retryablePatterns are substrings in error messages that indicate transient failures.
// Checked case-insensitively.
var retryablePatterns = []string{
	"resource temporarily unavailable",
	"too many open files",
	"deadline exceeded",
	"try again",
}

// classifyToolError returns true if the error is transient and the tool call
// may succeed on retry. Returns false for nil, permanent, or unknown errors.
func classifyToolError(err error) bool {
	if err == nil {
		return false
	}

	// Check domain sentinels via errors.Is (handles wrapped errors).
	for _, sentinel := range retryableSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}

	// String-based fallback for errors without sentinel wrapping.
	lower := strings.ToLower(err.Error())
	for _, p := range retryablePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}

	return false
}
