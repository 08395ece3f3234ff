package quality

import (
	"errors"
	"strings"
)

var (
	// ErrReviewerNotFound means the reviewer executable could not be started.
	ErrReviewerNotFound = errors.New("quality: reviewer not found")
	// ErrReviewerFailed means the reviewer exited non-zero or reported an error.
	ErrReviewerFailed = errors.New("quality: reviewer failed")
	// ErrReviewerTimeout means the reviewer exceeded its computed timeout.
	ErrReviewerTimeout = errors.New("quality: reviewer timed out")
	// ErrInvalidResponse means the reviewer output did not match the response schema.
	ErrInvalidResponse = errors.New("quality: invalid reviewer response")
)

// Error describes a failed reviewer invocation. It unwraps to one of the
// package sentinels.
type Error struct {
	Err      error
	Reviewer string
	Detail   string
	Stderr   string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Err.Error())
	if e.Reviewer != "" {
		b.WriteString(" (")
		b.WriteString(e.Reviewer)
		b.WriteString(")")
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		b.WriteString("\nstderr: ")
		b.WriteString(stderr)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}
