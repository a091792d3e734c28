package extract

import (
	"errors"
	"fmt"
)

// ErrorKind distinguishes extraction failure classes. RateLimited and
// Transient are retryable; the rest propagate immediately.
type ErrorKind string

// Extraction error kinds.
const (
	KindRateLimited    ErrorKind = "rate_limited"
	KindAuth           ErrorKind = "auth"
	KindMalformed      ErrorKind = "malformed_request"
	KindSchemaMismatch ErrorKind = "schema_mismatch"
	KindTransient      ErrorKind = "transient"
)

// Error is a classified extraction failure. RawResponse carries the
// provider payload for diagnostics on schema mismatches.
type Error struct {
	Kind        ErrorKind
	Provider    string
	RawResponse string
	Cause       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("extraction %s (provider %s): %v", e.Kind, e.Provider, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a classified extraction failure.
func NewError(kind ErrorKind, provider string, cause error) *Error {
	return &Error{Kind: kind, Provider: provider, Cause: cause}
}

// IsRetryable reports whether the failure is worth another attempt:
// rate limits and transient backend errors are, everything else is not.
func IsRetryable(err error) bool {
	var eerr *Error
	if !errors.As(err, &eerr) {
		return false
	}
	return eerr.Kind == KindRateLimited || eerr.Kind == KindTransient
}

// ConfigError reports an unknown or misconfigured provider identifier.
type ConfigError struct {
	Name   string
	Known  []string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("extraction provider %q: %s", e.Name, e.Reason)
	}
	return fmt.Sprintf("unknown extraction provider %q, known providers: %v", e.Name, e.Known)
}
