// Package progress defines the event stream emitted by pipeline runs
// and the hub that fans events out to observers without blocking the
// pipeline.
package progress

import (
	"errors"
	"time"
)

// Stage names a pipeline state transition.
type Stage string

// Pipeline stages in transition order.
const (
	StageAcquiring  Stage = "ACQUIRING"
	StageRendering  Stage = "RENDERING"
	StageBudgeting  Stage = "BUDGETING"
	StageExtracting Stage = "EXTRACTING"
	StageReleasing  Stage = "RELEASING"
	StageDone       Stage = "DONE"
	StageFailed     Stage = "FAILED"
)

// Event captures a single pipeline state transition. Step increases
// monotonically within one run.
type Event struct {
	RunID   string
	Step    int
	Total   int
	Stage   Stage
	Message string
	TS      time.Time
	// Dur is set on terminal events with the run's wall time.
	Dur time.Duration
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Step < 0 || e.Step > e.Total {
		return errors.New("step must be within [0, total]")
	}
	switch e.Stage {
	case StageAcquiring, StageRendering, StageBudgeting, StageExtracting,
		StageReleasing, StageDone, StageFailed:
		return nil
	default:
		return errors.New("unknown stage " + string(e.Stage))
	}
}

// Terminal reports whether the event ends a run.
func (e Event) Terminal() bool {
	return e.Stage == StageDone || e.Stage == StageFailed
}
