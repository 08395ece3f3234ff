package state

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/waymark/internal/artifact"
)

const sessionsDir = "/project/.waymark/sessions"

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

func sequentialIDs(ids ...string) func() string {
	idx := 0
	return func() string {
		id := ids[idx%len(ids)]
		idx++
		return id
	}
}

func newTestManager(t *testing.T, fsys afero.Fs, ids ...string) *Manager {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	opts := []Option{WithFs(fsys), WithClock(clock.Now)}
	if len(ids) > 0 {
		opts = append(opts, WithIDGenerator(sequentialIDs(ids...)))
	}
	return NewManager(sessionsDir, opts...)
}

func create(t *testing.T, m *Manager, workflow, firstStep string) Session {
	t.Helper()
	session, err := m.CreateSession(context.Background(), CreateRequest{
		JobName:      "research",
		WorkflowName: workflow,
		Goal:         "ship it",
		FirstStepID:  firstStep,
	})
	require.NoError(t, err)
	return session
}

func TestCreateSessionPushesAndPersists(t *testing.T) {
	fsys := afero.NewMemMapFs()
	m := newTestManager(t, fsys, "aaaa1111", "bbbb2222")

	first := create(t, m, "full", "identify")
	second := create(t, m, "quick", "scan")

	assert.Equal(t, 2, m.Depth())
	assert.Equal(t, StatusActive, first.Status)
	assert.Equal(t, "identify", first.CurrentStepID)
	assert.Equal(t, 0, first.CurrentEntryIndex)
	assert.Nil(t, first.CompletedAt)

	top := m.ActiveSession()
	require.NotNil(t, top)
	assert.Equal(t, second.SessionID, top.SessionID)

	exists, err := afero.Exists(fsys, filepath.Join(sessionsDir, "session_aaaa1111.json"))
	require.NoError(t, err)
	assert.True(t, exists)

	assert.Equal(t, []StackEntry{
		{SessionID: "aaaa1111", Workflow: "research/full", Step: "identify"},
		{SessionID: "bbbb2222", Workflow: "research/quick", Step: "scan"},
	}, m.Stack())
}

func TestCreateSessionSkipsCollidingIDs(t *testing.T) {
	m := newTestManager(t, afero.NewMemMapFs(), "dup00000", "dup00000", "fresh000")
	create(t, m, "full", "identify")
	second := create(t, m, "full", "identify")
	assert.Equal(t, "fresh000", second.SessionID)
}

func TestDefaultSessionIDLength(t *testing.T) {
	id := defaultSessionID()
	assert.Len(t, id, sessionIDLength)
	assert.NotEqual(t, id, defaultSessionID())
}

func TestUntargetedCallOnEmptyStack(t *testing.T) {
	m := newTestManager(t, afero.NewMemMapFs())
	err := m.StartStep("identify", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoActiveSession))
	assert.Equal(t, "No active workflow session. Use start_workflow to begin one.", err.Error())
	assert.Nil(t, m.ActiveSession())
}

func TestTargetedCallWithUnknownSession(t *testing.T) {
	m := newTestManager(t, afero.NewMemMapFs(), "aaaa1111")
	create(t, m, "full", "identify")

	_, err := m.RecordQualityAttempt("identify", "nope")
	var stateErr *Error
	require.True(t, errors.As(err, &stateErr))
	assert.Equal(t, "nope", stateErr.SessionID)
	assert.True(t, errors.Is(err, ErrSessionNotFound))
	assert.Equal(t, "Session 'nope' not found in active stack", err.Error())
}

func TestStepLifecycleAndRoundTrip(t *testing.T) {
	fsys := afero.NewMemMapFs()
	m := newTestManager(t, fsys, "aaaa1111")
	create(t, m, "full", "identify")

	require.NoError(t, m.StartStep("identify", ""))
	attempts, err := m.RecordQualityAttempt("identify", "")
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	attempts, err = m.RecordQualityAttempt("identify", "")
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	outputs := artifact.Outputs{
		"competitors.md": artifact.Single("out/competitors.md"),
		"notes":          artifact.List("out/a.md", "out/b.md"),
	}
	require.NoError(t, m.CompleteStep("identify", outputs, "done", ""))
	require.NoError(t, m.AdvanceToStep("report", 1, ""))

	live, err := m.ResolveSession("")
	require.NoError(t, err)
	assert.Equal(t, "report", live.CurrentStepID)
	assert.Equal(t, 1, live.CurrentEntryIndex)
	progress := live.StepProgress["identify"]
	assert.Equal(t, 2, progress.QualityAttempts)
	assert.Equal(t, "done", progress.Notes)
	require.NotNil(t, progress.StartedAt)
	require.NotNil(t, progress.CompletedAt)

	reloaded := NewManager(sessionsDir, WithFs(fsys))
	persisted, err := reloaded.LoadSession("aaaa1111")
	require.NoError(t, err)
	if diff := cmp.Diff(live, persisted, cmp.AllowUnexported(artifact.Output{})); diff != "" {
		t.Fatalf("session did not round-trip (-live +persisted):\n%s", diff)
	}
}

func TestStartStepRefreshesStartTime(t *testing.T) {
	m := newTestManager(t, afero.NewMemMapFs(), "aaaa1111")
	create(t, m, "full", "identify")
	require.NoError(t, m.StartStep("identify", ""))
	first, _ := m.ResolveSession("")
	require.NoError(t, m.StartStep("identify", ""))
	second, _ := m.ResolveSession("")
	assert.True(t, second.StepProgress["identify"].StartedAt.After(*first.StepProgress["identify"].StartedAt))
}

func TestReturnedSessionsAreCopies(t *testing.T) {
	m := newTestManager(t, afero.NewMemMapFs(), "aaaa1111")
	create(t, m, "full", "identify")
	require.NoError(t, m.StartStep("identify", ""))

	snapshot, err := m.ResolveSession("")
	require.NoError(t, err)
	snapshot.StepProgress["identify"] = StepProgress{StepID: "identify", QualityAttempts: 99}

	live, _ := m.ResolveSession("")
	assert.Equal(t, 0, live.StepProgress["identify"].QualityAttempts)
}

func TestCompleteWorkflowPopsAndReturnsParent(t *testing.T) {
	fsys := afero.NewMemMapFs()
	m := newTestManager(t, fsys, "parent00", "child000")
	create(t, m, "full", "identify")
	create(t, m, "sub", "scan")

	top, err := m.CompleteWorkflow(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, top)
	assert.Equal(t, "parent00", top.SessionID)
	assert.Equal(t, 1, m.Depth())

	child, err := m.LoadSession("child000")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, child.Status)
	assert.NotNil(t, child.CompletedAt)

	top, err = m.CompleteWorkflow(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, top)
	assert.Equal(t, 0, m.Depth())
}

func TestAbortNonTopSessionKeepsOrder(t *testing.T) {
	m := newTestManager(t, afero.NewMemMapFs(), "s1000000", "s2000000", "s3000000")
	create(t, m, "one", "a")
	create(t, m, "two", "b")
	create(t, m, "three", "c")

	aborted, top, err := m.AbortWorkflow(context.Background(), "wrong turn", "s2000000")
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, aborted.Status)
	assert.Equal(t, "wrong turn", aborted.AbortReason)
	require.NotNil(t, top)
	assert.Equal(t, "s3000000", top.SessionID)

	stack := m.Stack()
	require.Len(t, stack, 2)
	assert.Equal(t, "s1000000", stack[0].SessionID)
	assert.Equal(t, "s3000000", stack[1].SessionID)

	persisted, err := m.LoadSession("s2000000")
	require.NoError(t, err)
	assert.Equal(t, "wrong turn", persisted.AbortReason)
}

func TestAllOutputsMergesInCompletionOrder(t *testing.T) {
	m := newTestManager(t, afero.NewMemMapFs(), "aaaa1111")
	create(t, m, "full", "draft")

	require.NoError(t, m.CompleteStep("revise", artifact.Outputs{"report": artifact.Single("v1.md")}, "", ""))
	require.NoError(t, m.CompleteStep("polish", artifact.Outputs{
		"report": artifact.Single("v2.md"),
		"extras": artifact.List("x.md"),
	}, "", ""))
	require.NoError(t, m.StartStep("pending", ""))

	merged, err := m.AllOutputs("")
	require.NoError(t, err)
	assert.Equal(t, "v2.md", merged["report"].Path())
	assert.Equal(t, []string{"extras", "report"}, merged.Names())
}

func TestGoToStepInvalidatesProgress(t *testing.T) {
	m := newTestManager(t, afero.NewMemMapFs(), "aaaa1111")
	create(t, m, "full", "identify")
	for _, id := range []string{"identify", "research", "report"} {
		require.NoError(t, m.CompleteStep(id, artifact.Outputs{id: artifact.Single(id + ".md")}, "", ""))
	}

	require.NoError(t, m.GoToStep("research", 1, []string{"research", "report"}, ""))
	session, err := m.ResolveSession("")
	require.NoError(t, err)
	assert.Equal(t, "research", session.CurrentStepID)
	assert.Equal(t, 1, session.CurrentEntryIndex)
	assert.Contains(t, session.StepProgress, "identify")
	assert.NotContains(t, session.StepProgress, "research")
	assert.NotContains(t, session.StepProgress, "report")
}

func TestListSessionsSkipsCorruptFiles(t *testing.T) {
	fsys := afero.NewMemMapFs()
	m := newTestManager(t, fsys, "old00000", "new00000")
	create(t, m, "full", "identify")
	create(t, m, "full", "identify")
	require.NoError(t, afero.WriteFile(fsys, filepath.Join(sessionsDir, "session_broken.json"), []byte("{not json"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, filepath.Join(sessionsDir, "notes.txt"), []byte("ignored"), 0o644))

	sessions, err := m.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "new00000", sessions[0].SessionID)
	assert.Equal(t, "old00000", sessions[1].SessionID)
}

func TestListSessionsWithoutDirectory(t *testing.T) {
	m := newTestManager(t, afero.NewMemMapFs())
	sessions, err := m.ListSessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestDeleteSessionIsIdempotent(t *testing.T) {
	fsys := afero.NewMemMapFs()
	m := newTestManager(t, fsys, "aaaa1111")
	create(t, m, "full", "identify")

	require.NoError(t, m.DeleteSession("aaaa1111"))
	assert.Equal(t, 0, m.Depth())
	_, err := m.LoadSession("aaaa1111")
	assert.True(t, errors.Is(err, ErrSessionFileNotFound))

	require.NoError(t, m.DeleteSession("aaaa1111"))
	require.NoError(t, m.DeleteSession("never-existed"))
}

func TestRestoreStacksActiveSessionsOldestFirst(t *testing.T) {
	fsys := afero.NewMemMapFs()
	original := newTestManager(t, fsys, "first000", "second00", "done0000")
	create(t, original, "one", "a")
	create(t, original, "two", "b")
	create(t, original, "three", "c")
	_, err := original.CompleteWorkflow(context.Background(), "done0000")
	require.NoError(t, err)

	restored := NewManager(sessionsDir, WithFs(fsys))
	count, err := restored.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	stack := restored.Stack()
	require.Len(t, stack, 2)
	assert.Equal(t, "first000", stack[0].SessionID)
	assert.Equal(t, "second00", stack[1].SessionID)

	count, err = restored.Restore(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestConcurrentAttemptsAreSerialized(t *testing.T) {
	m := newTestManager(t, afero.NewMemMapFs(), "aaaa1111")
	create(t, m, "full", "identify")

	const workers = 16
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			_, err := m.RecordQualityAttempt("identify", "aaaa1111")
			errs <- err
		}()
	}
	for i := 0; i < workers; i++ {
		require.NoError(t, <-errs)
	}
	session, err := m.ResolveSession("aaaa1111")
	require.NoError(t, err)
	assert.Equal(t, workers, session.StepProgress["identify"].QualityAttempts, fmt.Sprintf("%+v", session.StepProgress))
}
