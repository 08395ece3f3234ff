package state

import (
	"time"

	"github.com/kingrea/waymark/internal/artifact"
)

// Status enumerates session lifecycle phases.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
)

// Session captures one run of one workflow instance. The JSON layout is the
// on-disk contract for session files.
type Session struct {
	SessionID         string                  `json:"session_id"`
	JobName           string                  `json:"job_name"`
	WorkflowName      string                  `json:"workflow_name"`
	InstanceID        string                  `json:"instance_id,omitempty"`
	Goal              string                  `json:"goal"`
	CurrentStepID     string                  `json:"current_step_id"`
	CurrentEntryIndex int                     `json:"current_entry_index"`
	StepProgress      map[string]StepProgress `json:"step_progress"`
	StartedAt         time.Time               `json:"started_at"`
	CompletedAt       *time.Time              `json:"completed_at"`
	Status            Status                  `json:"status"`
	AbortReason       string                  `json:"abort_reason,omitempty"`
}

// StepProgress records what happened to one step inside a session.
type StepProgress struct {
	StepID          string           `json:"step_id"`
	StartedAt       *time.Time       `json:"started_at"`
	CompletedAt     *time.Time       `json:"completed_at"`
	Outputs         artifact.Outputs `json:"outputs"`
	Notes           string           `json:"notes,omitempty"`
	QualityAttempts int              `json:"quality_attempts"`
}

// Label returns the "job/workflow" label used in stack listings.
func (s Session) Label() string {
	return s.JobName + "/" + s.WorkflowName
}

// Clone returns a deep copy so callers never share maps with the manager.
func (s Session) Clone() Session {
	clone := s
	clone.CompletedAt = cloneTime(s.CompletedAt)
	if s.StepProgress != nil {
		clone.StepProgress = make(map[string]StepProgress, len(s.StepProgress))
		for id, progress := range s.StepProgress {
			clone.StepProgress[id] = progress.clone()
		}
	}
	return clone
}

func (p StepProgress) clone() StepProgress {
	clone := p
	clone.StartedAt = cloneTime(p.StartedAt)
	clone.CompletedAt = cloneTime(p.CompletedAt)
	clone.Outputs = p.Outputs.Clone()
	return clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	copyT := *t
	return &copyT
}

// StackEntry is one row of the session stack, bottom to top.
type StackEntry struct {
	SessionID string `json:"session_id"`
	Workflow  string `json:"workflow"`
	Step      string `json:"step"`
}
