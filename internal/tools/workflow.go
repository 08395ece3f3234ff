package tools

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kingrea/waymark/internal/artifact"
	"github.com/kingrea/waymark/internal/job"
	"github.com/kingrea/waymark/internal/quality"
	"github.com/kingrea/waymark/internal/state"
)

// StartWorkflow pushes a new session for the workflow and begins its first
// step.
func (s *Service) StartWorkflow(ctx context.Context, in StartWorkflowInput) (resp StartWorkflowResponse, err error) {
	defer func() { s.observe(ToolStartWorkflow, "ok", err) }()

	def, err := s.loadJob(in.JobName)
	if err != nil {
		return StartWorkflowResponse{}, err
	}
	wf, err := s.resolveWorkflow(ctx, def, in.WorkflowName)
	if err != nil {
		return StartWorkflowResponse{}, err
	}
	if len(wf.Entries) == 0 {
		return StartWorkflowResponse{}, &Error{Err: ErrEmptyWorkflow, Detail: fmt.Sprintf("%s/%s", def.Name, wf.Name)}
	}
	firstID := wf.Entries[0].FirstStepID()
	step, ok := def.Step(firstID)
	if !ok {
		return StartWorkflowResponse{}, &Error{Err: ErrUnknownStep, Detail: fmt.Sprintf("%q in job %s", firstID, def.Name)}
	}

	session, err := s.sessions.CreateSession(ctx, state.CreateRequest{
		JobName:      def.Name,
		WorkflowName: wf.Name,
		Goal:         in.Goal,
		FirstStepID:  firstID,
		InstanceID:   in.InstanceID,
	})
	if err != nil {
		return StartWorkflowResponse{}, err
	}
	if err := s.sessions.StartStep(firstID, session.SessionID); err != nil {
		return StartWorkflowResponse{}, err
	}
	session, err = s.sessions.ResolveSession(session.SessionID)
	if err != nil {
		return StartWorkflowResponse{}, err
	}
	s.journal.Info("[%s] started %s at %s: %s", session.SessionID, session.Label(), firstID, in.Goal)
	return StartWorkflowResponse{
		BeginStep: buildBeginStep(def, wf, session, 0, step),
		Stack:     s.sessions.Stack(),
	}, nil
}

// FinishedStep validates the current step's outputs, enforces the quality
// gate, and advances the session.
func (s *Service) FinishedStep(ctx context.Context, in FinishedStepInput) (resp FinishedStepResponse, err error) {
	defer func() { s.observe(ToolFinishedStep, string(resp.Status), err) }()

	sc, err := s.resolveSession(ctx, in.SessionID)
	if err != nil {
		return FinishedStepResponse{}, err
	}
	sessionID := sc.session.SessionID
	if err := s.validateOutputs(sc.step, in.Outputs); err != nil {
		return FinishedStepResponse{}, err
	}

	override := strings.TrimSpace(in.QualityReviewOverrideReason)
	if override != "" && len(sc.step.Reviews) > 0 {
		s.logger.InfoContext(ctx, "quality review overridden", "session_id", sessionID, "step", sc.step.ID, "reason", override)
		s.journal.Warn("[%s] %s: quality review overridden: %s", sessionID, sc.step.ID, override)
	}
	if len(sc.step.Reviews) > 0 && s.gateActive() && override == "" {
		gated, err := s.runQualityGate(ctx, sc, in)
		if err != nil || gated != nil {
			return deref(gated), err
		}
	}

	if err := s.sessions.CompleteStep(sc.step.ID, in.Outputs, in.Notes, sessionID); err != nil {
		return FinishedStepResponse{}, err
	}
	nextIndex := sc.session.CurrentEntryIndex + 1
	if nextIndex >= len(sc.workflow.Entries) {
		return s.completeWorkflow(ctx, sc)
	}

	entry := sc.workflow.Entries[nextIndex]
	nextID := entry.FirstStepID()
	nextStep, ok := sc.job.Step(nextID)
	if !ok {
		return FinishedStepResponse{}, &Error{Err: ErrUnknownStep, Detail: fmt.Sprintf("%q in job %s", nextID, sc.job.Name)}
	}
	if err := s.sessions.AdvanceToStep(nextID, nextIndex, sessionID); err != nil {
		return FinishedStepResponse{}, err
	}
	if err := s.sessions.StartStep(nextID, sessionID); err != nil {
		return FinishedStepResponse{}, err
	}
	session, err := s.sessions.ResolveSession(sessionID)
	if err != nil {
		return FinishedStepResponse{}, err
	}
	s.journal.Info("[%s] %s done, next %s", sessionID, sc.step.ID, nextID)
	begin := buildBeginStep(sc.job, sc.workflow, session, nextIndex, nextStep)
	return FinishedStepResponse{
		Status:    StatusNextStep,
		SessionID: sessionID,
		BeginStep: &begin,
		Stack:     s.sessions.Stack(),
	}, nil
}

func deref(resp *FinishedStepResponse) FinishedStepResponse {
	if resp == nil {
		return FinishedStepResponse{}
	}
	return *resp
}

// runQualityGate records an attempt and evaluates the step's reviews. A nil
// response with a nil error means the outputs passed.
func (s *Service) runQualityGate(ctx context.Context, sc sessionContext, in FinishedStepInput) (*FinishedStepResponse, error) {
	sessionID := sc.session.SessionID
	attempts, err := s.sessions.RecordQualityAttempt(sc.step.ID, sessionID)
	if err != nil {
		return nil, err
	}
	s.metrics.QualityAttempt()
	req := quality.ReviewsRequest{
		StepName: sc.step.DisplayName(),
		Reviews:  sc.step.Reviews,
		Outputs:  in.Outputs,
		Specs:    sc.step.Outputs,
		Notes:    in.Notes,
	}

	if s.mode == GateSelfReview {
		return s.selfReview(ctx, sc, req, attempts)
	}

	failures, err := s.gate.EvaluateReviews(ctx, req)
	if err != nil {
		s.journal.Error("[%s] %s: reviewer failed: %v", sessionID, sc.step.ID, err)
		return nil, err
	}
	if len(failures) == 0 {
		s.journal.Info("[%s] %s passed quality review (attempt %d)", sessionID, sc.step.ID, attempts)
		return nil, nil
	}
	feedback := combinedFeedback(failures)
	if attempts >= s.maxAttempts {
		s.journal.Error("[%s] %s failed quality review %d times", sessionID, sc.step.ID, attempts)
		return nil, &Error{
			Err: ErrAttemptsExhausted,
			Detail: fmt.Sprintf("step %s failed quality review on attempt %d of %d; fix the outputs and resubmit with quality_review_override_reason, or abort the workflow. Last feedback:\n%s",
				sc.step.ID, attempts, s.maxAttempts, feedback),
		}
	}
	s.journal.Warn("[%s] %s needs work (attempt %d of %d)", sessionID, sc.step.ID, attempts, s.maxAttempts)
	return &FinishedStepResponse{
		Status:          StatusNeedsWork,
		SessionID:       sessionID,
		Feedback:        feedback,
		FailedReviews:   failures,
		QualityAttempts: attempts,
		MaxAttempts:     s.maxAttempts,
		Stack:           s.sessions.Stack(),
	}, nil
}

// selfReview writes the review instructions to the review directory and asks
// the agent to review its own outputs.
func (s *Service) selfReview(ctx context.Context, sc sessionContext, req quality.ReviewsRequest, attempts int) (*FinishedStepResponse, error) {
	sessionID := sc.session.SessionID
	doc, err := s.gate.BuildReviewInstructions(req)
	if err != nil {
		return nil, err
	}
	content, err := artifact.WriteFrontMatter(artifact.Metadata{
		Kind:      "self-review",
		SessionID: sessionID,
		Job:       sc.job.Name,
		Workflow:  sc.workflow.Name,
		StepID:    sc.step.ID,
		Attempt:   attempts,
	}, []byte(doc))
	if err != nil {
		return nil, err
	}
	path := filepath.Join(s.reviewDir, fmt.Sprintf("review_%s_%s.md", sessionID, sc.step.ID))
	abs, err := s.store.WriteFile(path, content)
	if err != nil {
		return nil, fmt.Errorf("tools: write self-review instructions: %w", err)
	}
	s.logger.DebugContext(ctx, "self-review instructions written", "session_id", sessionID, "step", sc.step.ID, "path", abs)
	s.journal.Info("[%s] %s self-review requested (%s)", sessionID, sc.step.ID, abs)
	return &FinishedStepResponse{
		Status:    StatusNeedsWork,
		SessionID: sessionID,
		Feedback: fmt.Sprintf("Self-review required. Review your outputs using the instructions in %s. "+
			"If any criterion fails, fix the outputs and call finished_step again. "+
			"Once every criterion passes, call finished_step with the same outputs and quality_review_override_reason set to a short summary of your review.", abs),
		QualityAttempts:        attempts,
		ReviewInstructionsPath: abs,
		ReviewInstructions:     doc,
		Stack:                  s.sessions.Stack(),
	}, nil
}

func (s *Service) completeWorkflow(ctx context.Context, sc sessionContext) (FinishedStepResponse, error) {
	sessionID := sc.session.SessionID
	all, err := s.sessions.AllOutputs(sessionID)
	if err != nil {
		return FinishedStepResponse{}, err
	}
	top, err := s.sessions.CompleteWorkflow(ctx, sessionID)
	if err != nil {
		return FinishedStepResponse{}, err
	}
	paths := all.AllPaths()
	summary := fmt.Sprintf("Workflow %s complete: %d step entries finished, %d output files.",
		sc.session.Label(), len(sc.workflow.Entries), len(paths))
	if len(paths) > 0 {
		summary += " Outputs: " + strings.Join(paths, ", ") + "."
	}
	if top != nil {
		summary += fmt.Sprintf(" Resuming %s at step %s.", top.Label(), top.CurrentStepID)
	}
	s.journal.Info("[%s] %s complete", sessionID, sc.session.Label())
	return FinishedStepResponse{
		Status:     StatusWorkflowComplete,
		SessionID:  sessionID,
		Summary:    summary,
		AllOutputs: all,
		Resumed:    resumedFrom(top),
		Stack:      s.sessions.Stack(),
	}, nil
}

// AbortWorkflow marks a session aborted and reports which session, if any,
// is active again.
func (s *Service) AbortWorkflow(ctx context.Context, in AbortWorkflowInput) (resp AbortWorkflowResponse, err error) {
	defer func() { s.observe(ToolAbortWorkflow, "ok", err) }()

	aborted, top, err := s.sessions.AbortWorkflow(ctx, in.Explanation, in.SessionID)
	if err != nil {
		return AbortWorkflowResponse{}, err
	}
	s.journal.Warn("[%s] %s aborted at %s: %s", aborted.SessionID, aborted.Label(), aborted.CurrentStepID, in.Explanation)
	return AbortWorkflowResponse{
		AbortedSessionID: aborted.SessionID,
		AbortedWorkflow:  aborted.Label(),
		AbortedStep:      aborted.CurrentStepID,
		Explanation:      in.Explanation,
		Resumed:          resumedFrom(top),
		Stack:            s.sessions.Stack(),
	}, nil
}

// GoToStep moves a session back to an earlier (or the current) entry. Progress
// for every step in the target entry and all later entries is discarded.
func (s *Service) GoToStep(ctx context.Context, in GoToStepInput) (resp GoToStepResponse, err error) {
	defer func() { s.observe(ToolGoToStep, "ok", err) }()

	sc, err := s.resolveSession(ctx, in.SessionID)
	if err != nil {
		return GoToStepResponse{}, err
	}
	sessionID := sc.session.SessionID
	target, ok := sc.job.Step(in.StepID)
	targetIndex := sc.workflow.EntryIndex(in.StepID)
	if !ok || targetIndex < 0 {
		return GoToStepResponse{}, &Error{
			Err:        ErrUnknownStep,
			Detail:     fmt.Sprintf("%q is not part of workflow %s", in.StepID, sc.session.Label()),
			ValidNames: sc.workflow.StepIDs(),
		}
	}
	if targetIndex > sc.session.CurrentEntryIndex {
		return GoToStepResponse{}, &Error{
			Err: ErrInvalidNavigation,
			Detail: fmt.Sprintf("step %s is ahead of the current step %s; finish the current step instead",
				in.StepID, sc.session.CurrentStepID),
		}
	}
	var invalidated []string
	for _, entry := range sc.workflow.Entries[targetIndex:] {
		invalidated = append(invalidated, entry.StepIDs...)
	}
	if err := s.sessions.GoToStep(target.ID, targetIndex, invalidated, sessionID); err != nil {
		return GoToStepResponse{}, err
	}
	if err := s.sessions.StartStep(target.ID, sessionID); err != nil {
		return GoToStepResponse{}, err
	}
	session, err := s.sessions.ResolveSession(sessionID)
	if err != nil {
		return GoToStepResponse{}, err
	}
	s.journal.Warn("[%s] moved back to %s, discarded %s", sessionID, target.ID, strings.Join(invalidated, ", "))
	return GoToStepResponse{
		BeginStep:        buildBeginStep(sc.job, sc.workflow, session, targetIndex, target),
		InvalidatedSteps: invalidated,
		Stack:            s.sessions.Stack(),
	}, nil
}

// validateOutputs checks submitted outputs against the step's declarations
// and reports every violation at once. Null values count as not submitted.
func (s *Service) validateOutputs(step *job.Step, outputs artifact.Outputs) error {
	var problems []string
	for _, name := range outputs.Names() {
		if _, ok := step.Output(name); !ok {
			problems = append(problems, fmt.Sprintf("unknown output %q (step %s declares: %s)", name, step.ID, declaredNames(step)))
		}
	}
	for _, spec := range step.Outputs {
		value, ok := outputs[spec.Name]
		if !ok || value.IsZero() {
			if spec.Required {
				problems = append(problems, fmt.Sprintf("missing required output %q", spec.Name))
			}
			continue
		}
		var paths []string
		switch spec.Type {
		case job.OutputFile:
			if value.IsList() {
				problems = append(problems, fmt.Sprintf("output %q is type file: submit a single path, not a list", spec.Name))
				continue
			}
			if value.Path() == "" {
				problems = append(problems, fmt.Sprintf("output %q is type file: path is empty", spec.Name))
				continue
			}
			paths = []string{value.Path()}
		case job.OutputFiles:
			if !value.IsList() {
				problems = append(problems, fmt.Sprintf("output %q is type files: submit a list of paths", spec.Name))
				continue
			}
			paths = value.Paths()
		}
		fileProblems, err := s.checkFiles(spec.Name, paths)
		if err != nil {
			return err
		}
		problems = append(problems, fileProblems...)
	}
	if len(problems) > 0 {
		return &Error{Err: ErrInvalidOutputs, Detail: strings.Join(problems, "; ")}
	}
	return nil
}

// checkFiles requires every path to name an existing file under the project
// root.
func (s *Service) checkFiles(name string, paths []string) ([]string, error) {
	var problems []string
	for _, path := range paths {
		if !s.store.Within(path) {
			problems = append(problems, fmt.Sprintf("output %q: path is outside the project root: %s", name, path))
			continue
		}
		ok, err := s.store.Check(path)
		if err != nil {
			return nil, fmt.Errorf("tools: check output %s: %w", path, err)
		}
		if !ok {
			problems = append(problems, fmt.Sprintf("output %q: file does not exist: %s", name, s.store.Resolve(path)))
		}
	}
	return problems, nil
}

func declaredNames(step *job.Step) string {
	if len(step.Outputs) == 0 {
		return "nothing"
	}
	names := make([]string, 0, len(step.Outputs))
	for _, spec := range step.Outputs {
		names = append(names, spec.Name)
	}
	return strings.Join(names, ", ")
}
