package agent

import (
	"errors"
	"fmt"
)

// Common sentinel errors for agent operations
var (
	// ErrMaxIterations indicates the loop exceeded its iteration limit.
	ErrMaxIterations = errors.New("max iterations exceeded")

	// ErrNoProvider indicates no LLM provider is configured.
	ErrNoProvider = errors.New("no provider configured")

	// ErrToolNotFound indicates the model called a tool that is not registered.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolPanic indicates a tool panicked during execution.
	ErrToolPanic = errors.New("tool panicked")

	// ErrInvalidArguments indicates tool arguments failed schema validation.
	ErrInvalidArguments = errors.New("invalid tool arguments")

	// ErrEmptyMessage indicates a turn was started without user text.
	ErrEmptyMessage = errors.New("message is required")
)

// ToolError wraps a recoverable tool failure. It is reported back to the
// model as an error result and never ends the turn.
type ToolError struct {
	ToolName string
	CallID   string
	Cause    error
}

func (e *ToolError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("tool %s failed", e.ToolName)
	}
	return fmt.Sprintf("tool %s failed: %v", e.ToolName, e.Cause)
}

func (e *ToolError) Unwrap() error {
	return e.Cause
}

// LoopError represents a fatal error in the agent loop with the phase and
// iteration it happened in.
type LoopError struct {
	Phase     LoopPhase
	Iteration int
	Message   string
	Cause     error
}

// Error implements the error interface.
func (e *LoopError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("loop error at %s (iteration %d): %s", e.Phase, e.Iteration, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("loop error at %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
	}
	return fmt.Sprintf("loop error at %s (iteration %d)", e.Phase, e.Iteration)
}

// Unwrap returns the underlying error.
func (e *LoopError) Unwrap() error {
	return e.Cause
}

// LoopPhase names a step of the agent loop.
type LoopPhase string

const (
	// PhaseInit covers loading the session and recording the user message.
	PhaseInit LoopPhase = "init"

	// PhaseKnowledge covers the context initializer. Failures here are logged, not fatal.
	PhaseKnowledge LoopPhase = "knowledge"

	PhaseAssemble LoopPhase = "assemble"
	PhaseComplete LoopPhase = "complete"
	PhaseDispatch LoopPhase = "dispatch"
	PhasePersist  LoopPhase = "persist"
)

func loopErr(phase LoopPhase, iteration int, cause error) *LoopError {
	return &LoopError{Phase: phase, Iteration: iteration, Cause: cause}
}
