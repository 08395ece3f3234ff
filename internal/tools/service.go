package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/kingrea/waymark/internal/artifact"
	"github.com/kingrea/waymark/internal/config"
	"github.com/kingrea/waymark/internal/job"
	"github.com/kingrea/waymark/internal/logbook"
	"github.com/kingrea/waymark/internal/logging"
	"github.com/kingrea/waymark/internal/metrics"
	"github.com/kingrea/waymark/internal/quality"
	"github.com/kingrea/waymark/internal/state"
)

// DefaultMaxAttempts is how many times a step may fail review before
// finished_step fails outright.
const DefaultMaxAttempts = 3

// Tool names as exposed to agents.
const (
	ToolStartWorkflow = "start_workflow"
	ToolFinishedStep  = "finished_step"
	ToolAbortWorkflow = "abort_workflow"
	ToolGoToStep      = "go_to_step"
	ToolGetStack      = "get_stack"
)

// GateMode selects how declared reviews are enforced.
type GateMode string

const (
	GateExternal   GateMode = config.ModeExternal
	GateSelfReview GateMode = config.ModeSelfReview
	GateDisabled   GateMode = config.ModeDisabled
)

// JobSource resolves job definitions by name.
type JobSource interface {
	Job(name string) (*job.Job, error)
}

// Service implements the workflow tools on top of a state manager and an
// optional quality gate.
type Service struct {
	jobs        JobSource
	sessions    *state.Manager
	store       *artifact.Store
	gate        *quality.Gate
	mode        GateMode
	maxAttempts int
	reviewDir   string
	journal     *logbook.Logbook
	metrics     *metrics.Recorder
	logger      *slog.Logger
}

// Option customizes the service.
type Option func(*Service)

// WithGate enables quality gating in the given mode.
func WithGate(gate *quality.Gate, mode GateMode) Option {
	return func(s *Service) {
		s.gate = gate
		s.mode = mode
	}
}

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithReviewDir sets where self-review documents are written.
func WithReviewDir(dir string) Option {
	return func(s *Service) {
		if dir != "" {
			s.reviewDir = dir
		}
	}
}

// WithJournal records workflow transitions in a logbook.
func WithJournal(journal *logbook.Logbook) Option {
	return func(s *Service) {
		s.journal = journal
	}
}

// WithMetrics reports tool outcomes to a metrics recorder.
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(s *Service) {
		s.metrics = recorder
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New builds the tool service. store resolves submitted output paths under
// the project root.
func New(jobs JobSource, sessions *state.Manager, store *artifact.Store, opts ...Option) *Service {
	s := &Service{
		jobs:        jobs,
		sessions:    sessions,
		store:       store,
		mode:        GateDisabled,
		maxAttempts: DefaultMaxAttempts,
		reviewDir:   filepath.Join(store.Root(), config.WaymarkDir, "tmp"),
		logger:      logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// gateActive reports whether declared reviews are enforced.
func (s *Service) gateActive() bool {
	return s.gate != nil && (s.mode == GateExternal || s.mode == GateSelfReview)
}

func (s *Service) loadJob(name string) (*job.Job, error) {
	def, err := s.jobs.Job(name)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			return nil, &Error{Err: ErrUnknownJob, Detail: fmt.Sprintf("%q", name)}
		}
		return nil, fmt.Errorf("tools: load job %s: %w", name, err)
	}
	return def, nil
}

// resolveWorkflow finds the named workflow. When the name does not match but
// the job declares exactly one workflow, that workflow is used.
func (s *Service) resolveWorkflow(ctx context.Context, def *job.Job, name string) (*job.Workflow, error) {
	if wf, ok := def.Workflow(name); ok {
		return wf, nil
	}
	if len(def.Workflows) == 1 {
		wf := &def.Workflows[0]
		s.logger.WarnContext(ctx, "workflow not found, using the job's only workflow",
			"job", def.Name,
			"requested", name,
			"using", wf.Name,
		)
		s.journal.Warn("workflow %q not found in job %s, using %q", name, def.Name, wf.Name)
		return wf, nil
	}
	return nil, &Error{
		Err:        ErrUnknownWorkflow,
		Detail:     fmt.Sprintf("%q in job %s", name, def.Name),
		ValidNames: def.WorkflowNames(),
	}
}

// sessionContext is the resolved model behind a session.
type sessionContext struct {
	session  state.Session
	job      *job.Job
	workflow *job.Workflow
	step     *job.Step
}

func (s *Service) resolveSession(ctx context.Context, sessionID string) (sessionContext, error) {
	session, err := s.sessions.ResolveSession(sessionID)
	if err != nil {
		return sessionContext{}, err
	}
	def, err := s.loadJob(session.JobName)
	if err != nil {
		return sessionContext{}, err
	}
	wf, ok := def.Workflow(session.WorkflowName)
	if !ok {
		return sessionContext{}, &Error{
			Err:        ErrUnknownWorkflow,
			Detail:     fmt.Sprintf("%q in job %s (session %s)", session.WorkflowName, def.Name, session.SessionID),
			ValidNames: def.WorkflowNames(),
		}
	}
	step, ok := def.Step(session.CurrentStepID)
	if !ok {
		return sessionContext{}, &Error{Err: ErrUnknownStep, Detail: fmt.Sprintf("%q in job %s", session.CurrentStepID, def.Name)}
	}
	return sessionContext{session: session, job: def, workflow: wf, step: step}, nil
}

func (s *Service) observe(tool, outcome string, err error) {
	if err != nil {
		outcome = "error"
	}
	s.metrics.ObserveTool(tool, outcome)
	s.metrics.SetStackDepth(s.sessions.Depth())
}

// GetStack returns the session stack, bottom to top.
func (s *Service) GetStack(ctx context.Context) StackResponse {
	stack := s.sessions.Stack()
	s.observe(ToolGetStack, "ok", nil)
	return StackResponse{Stack: stack, Depth: len(stack)}
}
