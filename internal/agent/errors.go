package agent

import (
	"errors"
	"fmt"
)

// Sentinel errors for loop outcomes.
var (
	// ErrMaxIterations means the loop hit its iteration cap before the
	// model produced a final answer. Accumulated text is still streamed.
	ErrMaxIterations = errors.New("maximum loop iterations reached")

	// ErrNoProvider means the runner was built without a model backend.
	ErrNoProvider = errors.New("no provider configured")

	// ErrRunCancelled means the run's cancel flag was raised and the
	// loop stopped at the next boundary.
	ErrRunCancelled = errors.New("run cancelled")
)

// LoopPhase identifies where in the loop an error occurred.
type LoopPhase string

const (
	PhaseInit    LoopPhase = "init"
	PhaseStream  LoopPhase = "stream"
	PhaseExecute LoopPhase = "execute_tools"
)

// LoopError wraps a failure with its loop position.
type LoopError struct {
	Phase     LoopPhase
	Iteration int
	Cause     error
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("loop %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
}

func (e *LoopError) Unwrap() error {
	return e.Cause
}

func loopErr(phase LoopPhase, iteration int, cause error) error {
	return &LoopError{Phase: phase, Iteration: iteration, Cause: cause}
}
