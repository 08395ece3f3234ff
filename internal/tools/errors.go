package tools

import (
	"errors"
	"strings"
)

var (
	// ErrUnknownJob is returned when the job library has no job with the name.
	ErrUnknownJob = errors.New("tools: unknown job")
	// ErrUnknownWorkflow is returned when the job has no workflow with the name.
	ErrUnknownWorkflow = errors.New("tools: unknown workflow")
	// ErrUnknownStep is returned when a step id is not declared by the job or workflow.
	ErrUnknownStep = errors.New("tools: unknown step")
	// ErrEmptyWorkflow is returned when starting a workflow with no steps.
	ErrEmptyWorkflow = errors.New("tools: workflow has no steps")
	// ErrInvalidOutputs is returned when submitted outputs break the step's declarations.
	ErrInvalidOutputs = errors.New("tools: invalid outputs")
	// ErrAttemptsExhausted is returned when a step fails review at the attempt limit.
	ErrAttemptsExhausted = errors.New("tools: quality attempts exhausted")
	// ErrInvalidNavigation is returned when go_to_step targets a later entry.
	ErrInvalidNavigation = errors.New("tools: invalid navigation")
)

// Error describes a rejected tool call. It unwraps to one of the package
// sentinels.
type Error struct {
	Err    error
	Detail string
	// ValidNames lists acceptable alternatives, e.g. workflow names.
	ValidNames []string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Err.Error())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if len(e.ValidNames) > 0 {
		b.WriteString(" (valid: ")
		b.WriteString(strings.Join(e.ValidNames, ", "))
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}
