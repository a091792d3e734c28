// Package pipeline drives the render-and-extract state machine:
// acquire a session, render the page, budget the content, extract the
// structured value, release the session.
package pipeline

import (
	"errors"
	"fmt"
)

// Kind is the closed failure taxonomy callers switch on.
type Kind string

// Pipeline error kinds.
const (
	KindSession    Kind = "session"
	KindRender     Kind = "render"
	KindBudget     Kind = "budget"
	KindExtraction Kind = "extraction"
	KindCache      Kind = "cache"
)

// Error is the single failure shape a pipeline run can produce. It
// identifies exactly one taxonomy kind, the step at which the run
// halted, the wrapped cause, and enough context to diagnose without
// re-running.
type Error struct {
	Kind    Kind
	Step    string
	Msg     string
	Cause   error
	Context map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("pipeline %s failure at %s: %s: %v", e.Kind, e.Step, e.Msg, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// KindOf extracts the taxonomy kind from any error, or "" when the
// error is not a pipeline failure.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return ""
}
