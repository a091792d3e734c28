// Package render exposes the page-rendering capability: navigate a URL
// in a real browser session and return the DOM plus a screenshot.
package render

import (
	"errors"
	"fmt"
	"time"
)

// WaitStrategy selects how the renderer decides a page has settled.
type WaitStrategy string

// Supported wait strategies.
const (
	// WaitReady waits for the document body to be attached.
	WaitReady WaitStrategy = "ready"
	// WaitVisible waits for the document body to be painted.
	WaitVisible WaitStrategy = "visible"
	// WaitSleep waits for the body and then a fixed settle delay, for
	// pages that hydrate content after load.
	WaitSleep WaitStrategy = "sleep"
)

// Request describes a single render.
type Request struct {
	URL       string
	Wait      WaitStrategy
	WaitDelay time.Duration
	Timeout   time.Duration
}

// Page is the render result.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	HTML       string
	Screenshot []byte
}

// ErrorKind distinguishes render failure classes.
type ErrorKind string

// Render error kinds.
const (
	KindNavigation ErrorKind = "navigation"
	KindTimeout    ErrorKind = "timeout"
	KindCrash      ErrorKind = "crash"
)

// Error is a classified render failure.
type Error struct {
	Kind ErrorKind
	// SessionCorrupt marks failures that poison the browser session;
	// the pool must destroy it instead of reusing it.
	SessionCorrupt bool
	Cause          error
}

func (e *Error) Error() string {
	return fmt.Sprintf("render %s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a classified render failure.
func NewError(kind ErrorKind, corrupt bool, cause error) *Error {
	return &Error{Kind: kind, SessionCorrupt: corrupt, Cause: cause}
}

// IsRetryable reports whether another attempt could plausibly succeed.
// Timeouts and crashes are transient; navigation failures are not.
func IsRetryable(err error) bool {
	var rerr *Error
	if !errors.As(err, &rerr) {
		return false
	}
	return rerr.Kind == KindTimeout || rerr.Kind == KindCrash
}

// IsSessionCorrupt reports whether the failure poisoned the session.
func IsSessionCorrupt(err error) bool {
	var rerr *Error
	return errors.As(err, &rerr) && rerr.SessionCorrupt
}

func kindOf(err error) (ErrorKind, bool) {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind, true
	}
	return "", false
}
