package tools

import (
	"fmt"
	"strings"

	"github.com/kingrea/waymark/internal/artifact"
	"github.com/kingrea/waymark/internal/job"
	"github.com/kingrea/waymark/internal/quality"
	"github.com/kingrea/waymark/internal/state"
)

// Status is the outcome of a finished_step call.
type Status string

const (
	StatusNextStep         Status = "next_step"
	StatusNeedsWork        Status = "needs_work"
	StatusWorkflowComplete Status = "workflow_complete"
)

// ExpectedOutput describes one declared output and how to submit it.
type ExpectedOutput struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	SyntaxHint  string `json:"syntax_hint"`
}

// StepInput describes something the step consumes. Paths lists the files an
// earlier step produced for it, when known.
type StepInput struct {
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	File        string   `json:"file,omitempty"`
	FromStep    string   `json:"from_step,omitempty"`
	Paths       []string `json:"paths,omitempty"`
}

// ReviewInfo describes one declared review so the agent knows what will be
// checked.
type ReviewInfo struct {
	RunEach            string       `json:"run_each"`
	QualityCriteria    job.Criteria `json:"quality_criteria"`
	AdditionalGuidance string       `json:"additional_review_guidance,omitempty"`
}

// BeginStep is everything an agent needs to work on a step.
type BeginStep struct {
	SessionID       string           `json:"session_id"`
	JobName         string           `json:"job_name"`
	WorkflowName    string           `json:"workflow_name"`
	Goal            string           `json:"goal"`
	StepID          string           `json:"step_id"`
	StepName        string           `json:"step_name"`
	EntryIndex      int              `json:"entry_index"`
	EntryCount      int              `json:"entry_count"`
	Instructions    string           `json:"instructions"`
	Inputs          []StepInput      `json:"inputs,omitempty"`
	ExpectedOutputs []ExpectedOutput `json:"expected_outputs"`
	Reviews         []ReviewInfo     `json:"reviews,omitempty"`
	ConcurrentSteps []string         `json:"concurrent_steps,omitempty"`
}

// StartWorkflowInput starts a new session.
type StartWorkflowInput struct {
	Goal         string `json:"goal" jsonschema:"required,description=What the user wants to achieve with this run"`
	JobName      string `json:"job_name" jsonschema:"required,description=Name of the job to run"`
	WorkflowName string `json:"workflow_name" jsonschema:"required,description=Workflow within the job"`
	InstanceID   string `json:"instance_id,omitempty" jsonschema:"description=Optional label for this run"`
}

// StartWorkflowResponse is returned by StartWorkflow.
type StartWorkflowResponse struct {
	BeginStep BeginStep          `json:"begin_step"`
	Stack     []state.StackEntry `json:"stack"`
}

// FinishedStepInput submits the current step's outputs.
type FinishedStepInput struct {
	Outputs                     artifact.Outputs `json:"outputs" jsonschema:"description=Map of declared output name to a path (type file) or list of paths (type files)"`
	Notes                       string           `json:"notes,omitempty" jsonschema:"description=Anything the reviewer should know about this work"`
	QualityReviewOverrideReason string           `json:"quality_review_override_reason,omitempty" jsonschema:"description=Skip the quality review and say why"`
	SessionID                   string           `json:"session_id,omitempty" jsonschema:"description=Target a session other than the top of the stack"`
}

// ResumedSession names the session that became active after one ended.
type ResumedSession struct {
	SessionID string `json:"session_id"`
	Workflow  string `json:"workflow"`
	StepID    string `json:"step_id"`
}

// FinishedStepResponse is returned by FinishedStep. Which fields are set
// depends on Status.
type FinishedStepResponse struct {
	Status    Status `json:"status"`
	SessionID string `json:"session_id"`

	Feedback               string                 `json:"feedback,omitempty"`
	FailedReviews          []quality.ReviewResult `json:"failed_reviews,omitempty"`
	QualityAttempts        int                    `json:"quality_attempts,omitempty"`
	MaxAttempts            int                    `json:"max_attempts,omitempty"`
	ReviewInstructionsPath string                 `json:"review_instructions_path,omitempty"`
	ReviewInstructions     string                 `json:"review_instructions,omitempty"`

	BeginStep *BeginStep `json:"begin_step,omitempty"`

	Summary    string           `json:"summary,omitempty"`
	AllOutputs artifact.Outputs `json:"all_outputs,omitempty"`
	Resumed    *ResumedSession  `json:"resumed,omitempty"`

	Stack []state.StackEntry `json:"stack"`
}

// AbortWorkflowInput aborts a session.
type AbortWorkflowInput struct {
	Explanation string `json:"explanation" jsonschema:"required,description=Why the workflow is being abandoned"`
	SessionID   string `json:"session_id,omitempty" jsonschema:"description=Target a session other than the top of the stack"`
}

// AbortWorkflowResponse is returned by AbortWorkflow.
type AbortWorkflowResponse struct {
	AbortedSessionID string             `json:"aborted_session_id"`
	AbortedWorkflow  string             `json:"aborted_workflow"`
	AbortedStep      string             `json:"aborted_step"`
	Explanation      string             `json:"explanation"`
	Resumed          *ResumedSession    `json:"resumed,omitempty"`
	Stack            []state.StackEntry `json:"stack"`
}

// GoToStepInput moves a session back to an earlier step.
type GoToStepInput struct {
	StepID    string `json:"step_id" jsonschema:"required,description=Earlier step to return to"`
	SessionID string `json:"session_id,omitempty" jsonschema:"description=Target a session other than the top of the stack"`
}

// GoToStepResponse is returned by GoToStep.
type GoToStepResponse struct {
	BeginStep        BeginStep          `json:"begin_step"`
	InvalidatedSteps []string           `json:"invalidated_steps"`
	Stack            []state.StackEntry `json:"stack"`
}

// StackResponse is returned by GetStack.
type StackResponse struct {
	Stack []state.StackEntry `json:"stack"`
	Depth int                `json:"depth"`
}

func expectedOutputs(step *job.Step) []ExpectedOutput {
	outputs := make([]ExpectedOutput, 0, len(step.Outputs))
	for _, spec := range step.Outputs {
		outputs = append(outputs, ExpectedOutput{
			Name:        spec.Name,
			Type:        string(spec.Type),
			Description: spec.Description,
			Required:    spec.Required,
			SyntaxHint:  syntaxHint(spec),
		})
	}
	return outputs
}

func syntaxHint(spec job.OutputSpec) string {
	optional := ""
	if !spec.Required {
		optional = " (optional, omit the key to skip)"
	}
	if spec.Type == job.OutputFiles {
		return fmt.Sprintf(`"%s": ["path/one", "path/two"]%s`, spec.Name, optional)
	}
	return fmt.Sprintf(`"%s": "path/to/file"%s`, spec.Name, optional)
}

func reviewInfos(step *job.Step) []ReviewInfo {
	if len(step.Reviews) == 0 {
		return nil
	}
	infos := make([]ReviewInfo, 0, len(step.Reviews))
	for _, review := range step.Reviews {
		infos = append(infos, ReviewInfo{
			RunEach:            review.RunEach,
			QualityCriteria:    review.QualityCriteria,
			AdditionalGuidance: review.AdditionalGuidance,
		})
	}
	return infos
}

// stepInputs annotates declared inputs with paths produced earlier in the
// session.
func stepInputs(step *job.Step, session state.Session) []StepInput {
	if len(step.Inputs) == 0 {
		return nil
	}
	inputs := make([]StepInput, 0, len(step.Inputs))
	for _, in := range step.Inputs {
		item := StepInput{Name: in.Name, Description: in.Description, File: in.File, FromStep: in.FromStep}
		if in.FromStep != "" && in.File != "" {
			if progress, ok := session.StepProgress[in.FromStep]; ok {
				if out, ok := progress.Outputs[in.File]; ok {
					item.Paths = out.Paths()
				}
			}
		}
		inputs = append(inputs, item)
	}
	return inputs
}

// buildBeginStep renders the payload for stepID at entryIndex.
func buildBeginStep(def *job.Job, wf *job.Workflow, session state.Session, entryIndex int, step *job.Step) BeginStep {
	begin := BeginStep{
		SessionID:       session.SessionID,
		JobName:         def.Name,
		WorkflowName:    wf.Name,
		Goal:            session.Goal,
		StepID:          step.ID,
		StepName:        step.DisplayName(),
		EntryIndex:      entryIndex,
		EntryCount:      len(wf.Entries),
		Instructions:    step.Instructions,
		Inputs:          stepInputs(step, session),
		ExpectedOutputs: expectedOutputs(step),
		Reviews:         reviewInfos(step),
	}
	if entryIndex >= 0 && entryIndex < len(wf.Entries) {
		if entry := wf.Entries[entryIndex]; entry.Concurrent {
			begin.ConcurrentSteps = append([]string(nil), entry.StepIDs...)
			begin.Instructions = strings.TrimRight(begin.Instructions, "\n") + "\n\n" + concurrentNote(entry)
		}
	}
	return begin
}

func concurrentNote(entry job.WorkflowStepEntry) string {
	return fmt.Sprintf("Note: this step is part of a concurrent group (%s). "+
		"Work on all of them in parallel where possible; the group is submitted once, as %s.",
		strings.Join(entry.StepIDs, ", "), entry.FirstStepID())
}

// combinedFeedback merges failing review results into one message.
func combinedFeedback(failures []quality.ReviewResult) string {
	var b strings.Builder
	for idx, failure := range failures {
		if idx > 0 {
			b.WriteString("\n")
		}
		scope := failure.RunEach
		if failure.TargetFile != "" {
			scope += " " + failure.TargetFile
		}
		fmt.Fprintf(&b, "[%s] %s", scope, strings.TrimSpace(failure.Feedback))
		for _, criterion := range failure.FailedCriteria() {
			fmt.Fprintf(&b, "\n  - %s", criterion.Criterion)
			if criterion.Feedback != "" {
				fmt.Fprintf(&b, ": %s", criterion.Feedback)
			}
		}
	}
	return b.String()
}

func resumedFrom(session *state.Session) *ResumedSession {
	if session == nil {
		return nil
	}
	return &ResumedSession{
		SessionID: session.SessionID,
		Workflow:  session.Label(),
		StepID:    session.CurrentStepID,
	}
}
