package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/waymark/internal/artifact"
	"github.com/kingrea/waymark/internal/job"
	"github.com/kingrea/waymark/internal/quality"
	"github.com/kingrea/waymark/internal/state"
)

const projectRoot = "/project"

const simpleJob = `
name: simple
steps:
  - id: draft
    instructions: Write a draft.
    outputs:
      draft.md: {type: file}
  - id: polish
    instructions: Polish it.
    inputs:
      - file: draft.md
        from_step: draft
    outputs:
      final.md: {type: file}
      extras: {type: files, required: false}
workflows:
  - name: main
    steps: [draft, polish]
`

const reviewedJob = `
name: reviewed
steps:
  - id: write
    instructions: Write the report.
    outputs:
      report.md: {type: file}
    reviews:
      - run_each: step
        quality_criteria:
          Sourced: Does every claim cite a source?
  - id: publish
    instructions: Publish it.
workflows:
  - name: main
    steps: [write, publish]
`

const fanoutJob = `
name: fanout
steps:
  - id: intro
    instructions: Set the scene.
  - id: research_a
    instructions: Research A.
  - id: research_b
    instructions: Research B.
  - id: research_c
    instructions: Research C.
  - id: outro
    instructions: Wrap up.
workflows:
  - name: full
    steps:
      - intro
      - [research_a, research_b, research_c]
      - outro
  - name: short
    steps: [intro, outro]
  - name: hollow
    steps: []
`

type jobSource map[string]*job.Job

func (s jobSource) Job(name string) (*job.Job, error) {
	def, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", job.ErrJobNotFound, name)
	}
	return def, nil
}

type countingReviewer struct {
	mu    sync.Mutex
	calls int
	body  string
	err   error
}

func (r *countingReviewer) Name() string { return "counting" }

func (r *countingReviewer) Review(context.Context, quality.Invocation) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return []byte(r.body), nil
}

func (r *countingReviewer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type harness struct {
	svc      *Service
	sessions *state.Manager
	store    *artifact.Store
	reviewer *countingReviewer
}

func newHarness(t *testing.T, mode GateMode, verdict string, opts ...Option) *harness {
	t.Helper()
	jobs := jobSource{}
	for _, body := range []string{simpleJob, reviewedJob, fanoutJob} {
		def, err := job.ParseJobYAML([]byte(body), "")
		require.NoError(t, err)
		jobs[def.Name] = def
	}
	fsys := afero.NewMemMapFs()
	store := artifact.NewStore(fsys, projectRoot)
	sessions := state.NewManager(projectRoot+"/.waymark/sessions", state.WithFs(fsys))
	reviewer := &countingReviewer{body: verdict}
	gate := quality.NewGate(reviewer, store)
	opts = append([]Option{WithGate(gate, mode)}, opts...)
	return &harness{
		svc:      New(jobs, sessions, store, opts...),
		sessions: sessions,
		store:    store,
		reviewer: reviewer,
	}
}

func (h *harness) write(t *testing.T, paths ...string) {
	t.Helper()
	for _, path := range paths {
		_, err := h.store.WriteFile(path, []byte("content of "+path))
		require.NoError(t, err)
	}
}

func (h *harness) start(t *testing.T, jobName, workflow string) StartWorkflowResponse {
	t.Helper()
	resp, err := h.svc.StartWorkflow(context.Background(), StartWorkflowInput{
		Goal:         "ship " + jobName,
		JobName:      jobName,
		WorkflowName: workflow,
	})
	require.NoError(t, err)
	return resp
}

const failingVerdict = `{"passed": false, "feedback": "X", "criteria_results": [{"criterion": "Sourced", "passed": false, "feedback": "no links"}]}`

func TestSequentialWorkflowRunsToCompletion(t *testing.T) {
	h := newHarness(t, GateDisabled, "")
	start := h.start(t, "simple", "main")
	assert.Equal(t, "draft", start.BeginStep.StepID)
	assert.Equal(t, "Write a draft.", start.BeginStep.Instructions)
	require.Len(t, start.BeginStep.ExpectedOutputs, 1)
	assert.True(t, start.BeginStep.ExpectedOutputs[0].Required)
	assert.Equal(t, `"draft.md": "path/to/file"`, start.BeginStep.ExpectedOutputs[0].SyntaxHint)
	require.Len(t, start.Stack, 1)

	h.write(t, "out/draft.md", "out/final.md")
	next, err := h.svc.FinishedStep(context.Background(), FinishedStepInput{
		Outputs: artifact.Outputs{"draft.md": artifact.Single("out/draft.md")},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusNextStep, next.Status)
	require.NotNil(t, next.BeginStep)
	assert.Equal(t, "polish", next.BeginStep.StepID)
	require.Len(t, next.BeginStep.Inputs, 1)
	assert.Equal(t, []string{"out/draft.md"}, next.BeginStep.Inputs[0].Paths)
	assert.Contains(t, next.BeginStep.ExpectedOutputs[1].SyntaxHint, "optional")

	done, err := h.svc.FinishedStep(context.Background(), FinishedStepInput{
		Outputs: artifact.Outputs{"final.md": artifact.Single("out/final.md")},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusWorkflowComplete, done.Status)
	assert.Equal(t, "out/draft.md", done.AllOutputs["draft.md"].Path())
	assert.Equal(t, "out/final.md", done.AllOutputs["final.md"].Path())
	assert.Contains(t, done.Summary, "2 output files. Outputs: out/draft.md, out/final.md.")
	assert.Nil(t, done.Resumed)
	assert.Empty(t, done.Stack)

	persisted, err := h.sessions.LoadSession(done.SessionID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, persisted.Status)
}

func TestFailingReviewNeedsWorkUntilAttemptsExhausted(t *testing.T) {
	h := newHarness(t, GateExternal, failingVerdict)
	h.start(t, "reviewed", "main")
	h.write(t, "report.md")
	submit := FinishedStepInput{Outputs: artifact.Outputs{"report.md": artifact.Single("report.md")}}

	for attempt := 1; attempt <= 2; attempt++ {
		resp, err := h.svc.FinishedStep(context.Background(), submit)
		require.NoError(t, err)
		assert.Equal(t, StatusNeedsWork, resp.Status)
		assert.Contains(t, resp.Feedback, "X")
		assert.Contains(t, resp.Feedback, "Sourced: no links")
		assert.Equal(t, attempt, resp.QualityAttempts)
		require.Len(t, resp.FailedReviews, 1)
	}

	_, err := h.svc.FinishedStep(context.Background(), submit)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAttemptsExhausted))
	assert.Contains(t, err.Error(), "attempt 3 of 3")

	session := h.sessions.ActiveSession()
	require.NotNil(t, session)
	assert.Equal(t, "write", session.CurrentStepID)
	assert.Equal(t, 3, session.StepProgress["write"].QualityAttempts)
	assert.Equal(t, 3, h.reviewer.count())
}

func TestReviewerFailureKeepsAttemptAndStep(t *testing.T) {
	h := newHarness(t, GateExternal, failingVerdict)
	h.reviewer.err = &quality.Error{Err: quality.ErrReviewerTimeout, Detail: "after 4m0s"}
	started := h.start(t, "reviewed", "main")
	h.write(t, "report.md")
	submit := FinishedStepInput{Outputs: artifact.Outputs{"report.md": artifact.Single("report.md")}}

	_, err := h.svc.FinishedStep(context.Background(), submit)
	require.Error(t, err)
	assert.True(t, errors.Is(err, quality.ErrReviewerTimeout))
	var qerr *quality.Error
	assert.True(t, errors.As(err, &qerr))
	assert.Equal(t, 1, h.reviewer.count())

	session, err := h.sessions.LoadSession(started.BeginStep.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "write", session.CurrentStepID)
	assert.Equal(t, 1, session.StepProgress["write"].QualityAttempts)
	assert.Nil(t, session.StepProgress["write"].CompletedAt)

	h.reviewer.err = nil
	resp, err := h.svc.FinishedStep(context.Background(), submit)
	require.NoError(t, err)
	assert.Equal(t, StatusNeedsWork, resp.Status)
	assert.Equal(t, 2, resp.QualityAttempts)
	assert.Equal(t, 2, h.reviewer.count())
}

func TestPassingReviewAdvances(t *testing.T) {
	h := newHarness(t, GateExternal, `{"passed": true, "feedback": "great"}`)
	h.start(t, "reviewed", "main")
	h.write(t, "report.md")
	resp, err := h.svc.FinishedStep(context.Background(), FinishedStepInput{
		Outputs: artifact.Outputs{"report.md": artifact.Single("report.md")},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusNextStep, resp.Status)
	assert.Equal(t, 1, h.reviewer.count())
}

func TestOverrideReasonSkipsReviewer(t *testing.T) {
	h := newHarness(t, GateExternal, failingVerdict)
	h.start(t, "reviewed", "main")
	h.write(t, "report.md")
	resp, err := h.svc.FinishedStep(context.Background(), FinishedStepInput{
		Outputs:                     artifact.Outputs{"report.md": artifact.Single("report.md")},
		QualityReviewOverrideReason: "reviewed manually with the editor",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusNextStep, resp.Status)
	assert.Equal(t, "publish", resp.BeginStep.StepID)
	assert.Zero(t, h.reviewer.count())
}

func TestValidationFailuresNeverReachReviewer(t *testing.T) {
	h := newHarness(t, GateExternal, failingVerdict)
	h.start(t, "reviewed", "main")
	h.write(t, "report.md", "/etc/secret")

	cases := map[string]struct {
		outputs artifact.Outputs
		want    string
	}{
		"missing required": {artifact.Outputs{}, `missing required output "report.md"`},
		"unknown key": {artifact.Outputs{
			"report.md": artifact.Single("report.md"),
			"bonus.md":  artifact.Single("report.md"),
		}, `unknown output "bonus.md"`},
		"list for file": {artifact.Outputs{"report.md": artifact.List("report.md")}, "submit a single path"},
		"missing file":  {artifact.Outputs{"report.md": artifact.Single("nope.md")}, "file does not exist: /project/nope.md"},
		"null value":    {artifact.Outputs{"report.md": {}}, `missing required output "report.md"`},
		"absolute path outside root": {artifact.Outputs{"report.md": artifact.Single("/etc/secret")},
			`output "report.md": path is outside the project root: /etc/secret`},
		"relative path outside root": {artifact.Outputs{"report.md": artifact.Single("../etc/secret")},
			`output "report.md": path is outside the project root: ../etc/secret`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.svc.FinishedStep(context.Background(), FinishedStepInput{Outputs: tc.outputs})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidOutputs))
			assert.Contains(t, err.Error(), tc.want)
		})
	}
	assert.Zero(t, h.reviewer.count())
	session := h.sessions.ActiveSession()
	require.NotNil(t, session)
	assert.Zero(t, session.StepProgress["write"].QualityAttempts)
}

func TestFilesOutputMustBeList(t *testing.T) {
	h := newHarness(t, GateDisabled, "")
	h.start(t, "simple", "main")
	h.write(t, "draft.md", "final.md", "a.md")
	_, err := h.svc.FinishedStep(context.Background(), FinishedStepInput{Outputs: artifact.Outputs{"draft.md": artifact.Single("draft.md")}})
	require.NoError(t, err)

	_, err = h.svc.FinishedStep(context.Background(), FinishedStepInput{Outputs: artifact.Outputs{
		"final.md": artifact.Single("final.md"),
		"extras":   artifact.Single("a.md"),
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `output "extras" is type files`)

	resp, err := h.svc.FinishedStep(context.Background(), FinishedStepInput{Outputs: artifact.Outputs{
		"final.md": artifact.Single("final.md"),
		"extras":   artifact.List("a.md"),
	}})
	require.NoError(t, err)
	assert.Equal(t, StatusWorkflowComplete, resp.Status)
}

func TestConcurrentEntryNamesSiblings(t *testing.T) {
	h := newHarness(t, GateDisabled, "")
	h.start(t, "fanout", "full")
	resp, err := h.svc.FinishedStep(context.Background(), FinishedStepInput{})
	require.NoError(t, err)
	require.Equal(t, StatusNextStep, resp.Status)
	assert.Equal(t, "research_a", resp.BeginStep.StepID)
	assert.Equal(t, []string{"research_a", "research_b", "research_c"}, resp.BeginStep.ConcurrentSteps)
	for _, id := range []string{"research_a", "research_b", "research_c"} {
		assert.Contains(t, resp.BeginStep.Instructions, id)
	}
	session := h.sessions.ActiveSession()
	require.NotNil(t, session)
	assert.Equal(t, "research_a", session.CurrentStepID)
	assert.Equal(t, 1, session.CurrentEntryIndex)

	resp, err = h.svc.FinishedStep(context.Background(), FinishedStepInput{})
	require.NoError(t, err)
	assert.Equal(t, "outro", resp.BeginStep.StepID, "a concurrent group is one position")
}

func TestStartWorkflowErrors(t *testing.T) {
	h := newHarness(t, GateDisabled, "")

	_, err := h.svc.StartWorkflow(context.Background(), StartWorkflowInput{JobName: "ghost", WorkflowName: "main"})
	assert.True(t, errors.Is(err, ErrUnknownJob))

	_, err = h.svc.StartWorkflow(context.Background(), StartWorkflowInput{JobName: "fanout", WorkflowName: "typo"})
	require.Error(t, err)
	var toolErr *Error
	require.True(t, errors.As(err, &toolErr))
	assert.True(t, errors.Is(err, ErrUnknownWorkflow))
	assert.Equal(t, []string{"full", "short", "hollow"}, toolErr.ValidNames)

	_, err = h.svc.StartWorkflow(context.Background(), StartWorkflowInput{JobName: "fanout", WorkflowName: "hollow"})
	assert.True(t, errors.Is(err, ErrEmptyWorkflow))
	assert.Zero(t, h.sessions.Depth())
}

func TestSingleWorkflowIsSelectedForUnknownName(t *testing.T) {
	h := newHarness(t, GateDisabled, "")
	resp := h.start(t, "simple", "mian")
	assert.Equal(t, "main", resp.BeginStep.WorkflowName)
	assert.Equal(t, "simple/main", resp.Stack[0].Workflow)
}

func TestNestedWorkflowResumesParent(t *testing.T) {
	h := newHarness(t, GateDisabled, "")
	parent := h.start(t, "fanout", "short")
	child := h.start(t, "fanout", "short")
	require.Len(t, child.Stack, 2)

	_, err := h.svc.FinishedStep(context.Background(), FinishedStepInput{})
	require.NoError(t, err)
	done, err := h.svc.FinishedStep(context.Background(), FinishedStepInput{})
	require.NoError(t, err)
	assert.Equal(t, StatusWorkflowComplete, done.Status)
	assert.Equal(t, child.BeginStep.SessionID, done.SessionID)
	require.NotNil(t, done.Resumed)
	assert.Equal(t, parent.BeginStep.SessionID, done.Resumed.SessionID)
	assert.Equal(t, "intro", done.Resumed.StepID)
	assert.Contains(t, done.Summary, "Resuming fanout/short")
}

func TestFinishedStepTargetsSessionBelowTop(t *testing.T) {
	h := newHarness(t, GateDisabled, "")
	parent := h.start(t, "fanout", "short")
	child := h.start(t, "fanout", "full")

	resp, err := h.svc.FinishedStep(context.Background(), FinishedStepInput{SessionID: parent.BeginStep.SessionID})
	require.NoError(t, err)
	assert.Equal(t, "outro", resp.BeginStep.StepID)

	top := h.sessions.ActiveSession()
	require.NotNil(t, top)
	assert.Equal(t, child.BeginStep.SessionID, top.SessionID)
	assert.Equal(t, "intro", top.CurrentStepID)
}

func TestAbortWorkflowReportsResumedParent(t *testing.T) {
	h := newHarness(t, GateDisabled, "")
	parent := h.start(t, "fanout", "short")
	h.start(t, "simple", "main")

	resp, err := h.svc.AbortWorkflow(context.Background(), AbortWorkflowInput{Explanation: "wrong job"})
	require.NoError(t, err)
	assert.Equal(t, "simple/main", resp.AbortedWorkflow)
	assert.Equal(t, "draft", resp.AbortedStep)
	assert.Equal(t, "wrong job", resp.Explanation)
	require.NotNil(t, resp.Resumed)
	assert.Equal(t, parent.BeginStep.SessionID, resp.Resumed.SessionID)
	require.Len(t, resp.Stack, 1)

	persisted, err := h.sessions.LoadSession(resp.AbortedSessionID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusAborted, persisted.Status)
	assert.Equal(t, "wrong job", persisted.AbortReason)
}

func TestCallsWithoutActiveSession(t *testing.T) {
	h := newHarness(t, GateDisabled, "")
	_, err := h.svc.FinishedStep(context.Background(), FinishedStepInput{})
	assert.True(t, errors.Is(err, state.ErrNoActiveSession))

	_, err = h.svc.AbortWorkflow(context.Background(), AbortWorkflowInput{Explanation: "x", SessionID: "deadbeef"})
	assert.True(t, errors.Is(err, state.ErrSessionNotFound))
	assert.Contains(t, err.Error(), "Session 'deadbeef' not found in active stack")
}

func TestSelfReviewWritesInstructions(t *testing.T) {
	h := newHarness(t, GateSelfReview, failingVerdict)
	start := h.start(t, "reviewed", "main")
	h.write(t, "report.md")
	submit := FinishedStepInput{Outputs: artifact.Outputs{"report.md": artifact.Single("report.md")}, Notes: "cited 4 papers"}

	resp, err := h.svc.FinishedStep(context.Background(), submit)
	require.NoError(t, err)
	assert.Equal(t, StatusNeedsWork, resp.Status)
	wantPath := fmt.Sprintf("/project/.waymark/tmp/review_%s_write.md", start.BeginStep.SessionID)
	assert.Equal(t, wantPath, resp.ReviewInstructionsPath)
	assert.Contains(t, resp.ReviewInstructions, "Does every claim cite a source?")
	assert.Contains(t, resp.Feedback, "quality_review_override_reason")
	assert.Zero(t, h.reviewer.count())

	data, err := afero.ReadFile(h.store.Fs(), wantPath)
	require.NoError(t, err)
	meta, body, err := artifact.ParseFrontMatter(data)
	require.NoError(t, err)
	assert.Equal(t, "self-review", meta.Kind)
	assert.Equal(t, "write", meta.StepID)
	assert.Equal(t, 1, meta.Attempt)
	assert.Contains(t, string(body), "content of report.md")

	submit.QualityReviewOverrideReason = "self-review passed"
	resp, err = h.svc.FinishedStep(context.Background(), submit)
	require.NoError(t, err)
	assert.Equal(t, StatusNextStep, resp.Status)
}

func TestGoToStepDiscardsLaterProgress(t *testing.T) {
	h := newHarness(t, GateDisabled, "")
	h.start(t, "fanout", "full")
	for i := 0; i < 2; i++ {
		_, err := h.svc.FinishedStep(context.Background(), FinishedStepInput{})
		require.NoError(t, err)
	}
	session := h.sessions.ActiveSession()
	require.Equal(t, "outro", session.CurrentStepID)

	resp, err := h.svc.GoToStep(context.Background(), GoToStepInput{StepID: "research_b"})
	require.NoError(t, err)
	assert.Equal(t, "research_b", resp.BeginStep.StepID)
	assert.Equal(t, []string{"research_a", "research_b", "research_c", "outro"}, resp.InvalidatedSteps)

	session = h.sessions.ActiveSession()
	assert.Equal(t, 1, session.CurrentEntryIndex)
	assert.Contains(t, session.StepProgress, "intro")
	assert.NotContains(t, session.StepProgress, "research_a")
	assert.Nil(t, session.StepProgress["research_b"].CompletedAt)

	_, err = h.svc.GoToStep(context.Background(), GoToStepInput{StepID: "outro"})
	assert.True(t, errors.Is(err, ErrInvalidNavigation))

	_, err = h.svc.GoToStep(context.Background(), GoToStepInput{StepID: "nowhere"})
	assert.True(t, errors.Is(err, ErrUnknownStep))
}

func TestGetStack(t *testing.T) {
	h := newHarness(t, GateDisabled, "")
	h.start(t, "fanout", "short")
	h.start(t, "simple", "main")
	resp := h.svc.GetStack(context.Background())
	assert.Equal(t, 2, resp.Depth)
	assert.Equal(t, "fanout/short", resp.Stack[0].Workflow)
	assert.Equal(t, "simple/main", resp.Stack[1].Workflow)
	assert.Equal(t, "draft", resp.Stack[1].Step)
}
