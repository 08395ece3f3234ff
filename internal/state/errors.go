package state

import (
	"errors"
	"fmt"
)

var (
	// ErrNoActiveSession is returned when an untargeted call finds an empty stack.
	ErrNoActiveSession = errors.New("state: no active workflow session")
	// ErrSessionNotFound is returned when a targeted session id is not on the stack.
	ErrSessionNotFound = errors.New("state: session not found in active stack")
)

// Error describes a failed session lookup. It unwraps to ErrNoActiveSession
// or ErrSessionNotFound.
type Error struct {
	Err       error
	SessionID string
}

func (e *Error) Error() string {
	if errors.Is(e.Err, ErrSessionNotFound) {
		return fmt.Sprintf("Session '%s' not found in active stack", e.SessionID)
	}
	return "No active workflow session. Use start_workflow to begin one."
}

func (e *Error) Unwrap() error {
	return e.Err
}
