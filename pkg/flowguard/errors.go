package flowguard

import (
	"errors"
	"fmt"
)

// Sentinel errors for the System lifecycle.
var (
	// ErrAlreadyStarted indicates Start was called on a running System.
	ErrAlreadyStarted = errors.New("system already started")

	// ErrClosed indicates the System was closed and cannot be restarted.
	ErrClosed = errors.New("system closed")
)

// StageError wraps a failure while building, starting or stopping one
// component of a System.
type StageError struct {
	// Stage names the step that failed, e.g. "open_store" or "start_queue".
	Stage string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StageError) Unwrap() error {
	return e.Err
}
