package engine

import "errors"

var (
	// ErrEngineNotFound is returned when a run has no resident instance and
	// cannot be rebuilt.
	ErrEngineNotFound = errors.New("engine instance not found for run")
	// ErrNotPaused is returned when resuming a run that is not waiting for
	// approval.
	ErrNotPaused = errors.New("run is not paused")
	// ErrRunFinished is returned when cancelling a run in a terminal status.
	ErrRunFinished = errors.New("run already finished")
	// ErrStepLimit fails runs that execute more steps than allowed.
	ErrStepLimit = errors.New("run exceeded the maximum number of steps")

	// errStopped ends a walk after the run left the running status.
	errStopped = errors.New("run stopped")
)
