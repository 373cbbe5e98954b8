package agent

import (
	"errors"
	"fmt"
)

// ErrMaxTurns is returned when a run reaches Config.MaxTurns model
// invocations without a final answer.
var ErrMaxTurns = errors.New("maximum turns exceeded")

// ModelError wraps a failed model invocation. It ends the run; the
// loop does not retry model calls.
type ModelError struct {
	Model string
	Turn  int
	Err   error
}

// Error implements the error interface.
func (e *ModelError) Error() string {
	return fmt.Sprintf("model %s failed on turn %d: %v", e.Model, e.Turn, e.Err)
}

// Unwrap returns the provider error.
func (e *ModelError) Unwrap() error { return e.Err }
