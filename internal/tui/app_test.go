package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/afero"

	"github.com/kingrea/waymark/internal/artifact"
	"github.com/kingrea/waymark/internal/logbook"
	"github.com/kingrea/waymark/internal/state"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type staticSource struct {
	sessions []state.Session
	err      error
	calls    int
}

func (s *staticSource) ListSessions() ([]state.Session, error) {
	s.calls++
	return s.sessions, s.err
}

func testSessions() []state.Session {
	started := baseTime
	done := baseTime.Add(time.Minute)
	return []state.Session{
		{
			SessionID: "c0000003", JobName: "simple", WorkflowName: "main",
			Goal: "write docs", CurrentStepID: "polish", CurrentEntryIndex: 1,
			StartedAt: baseTime.Add(2 * time.Hour), Status: state.StatusActive,
			StepProgress: map[string]state.StepProgress{
				"draft": {
					StepID: "draft", StartedAt: &started, CompletedAt: &done,
					Outputs:         artifact.Outputs{"draft.md": artifact.Single("draft.md")},
					QualityAttempts: 2,
				},
				"polish": {StepID: "polish", StartedAt: &done},
			},
		},
		{
			SessionID: "b0000002", JobName: "simple", WorkflowName: "main",
			CurrentStepID: "draft", StartedAt: baseTime.Add(time.Hour),
			Status: state.StatusAborted, AbortReason: "wrong job",
		},
		{
			SessionID: "a0000001", JobName: "outer", WorkflowName: "full",
			CurrentStepID: "intro", StartedAt: baseTime, Status: state.StatusActive,
		},
	}
}

func loadedApp(t *testing.T, source *staticSource, opts ...Option) *App {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return baseTime.Add(3 * time.Hour) })}, opts...)
	app := NewApp(source, opts...)
	msg := app.fetchSnapshot()()
	model, _ := app.Update(msg)
	return model.(*App)
}

func TestSnapshotOrdersStackOldestFirst(t *testing.T) {
	app := loadedApp(t, &staticSource{sessions: testSessions()})
	if len(app.stack) != 2 {
		t.Fatalf("expected 2 active sessions, got %d", len(app.stack))
	}
	if app.stack[0].SessionID != "a0000001" || app.stack[1].SessionID != "c0000003" {
		t.Fatalf("unexpected stack order: %s, %s", app.stack[0].SessionID, app.stack[1].SessionID)
	}
	view := app.View()
	for _, want := range []string{"WAYMARK", "Stack (2)", "▶ c0000003 simple/main · polish", "a0000001 outer/full · intro"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
	if !strings.Contains(app.statusMsg, "3 session(s), 2 active") {
		t.Fatalf("unexpected status %q", app.statusMsg)
	}
}

func TestDetailsShowStepProgress(t *testing.T) {
	app := loadedApp(t, &staticSource{sessions: testSessions()})
	details := app.renderDetails(60)
	for _, want := range []string{"simple/main", "Goal: write docs", "Current: polish (entry 2)", "✓ draft · 1 file(s) · 2 review attempt(s)", "… polish"} {
		if !strings.Contains(details, want) {
			t.Fatalf("details missing %q:\n%s", want, details)
		}
	}
	if strings.Index(details, "draft") > strings.Index(details, "… polish") {
		t.Fatalf("steps should be listed in start order:\n%s", details)
	}
}

func TestSelectionSurvivesRefresh(t *testing.T) {
	source := &staticSource{sessions: testSessions()}
	app := loadedApp(t, source)
	app.list.Select(2)
	model, _ := app.Update(app.fetchSnapshot()())
	app = model.(*App)
	item, ok := app.list.SelectedItem().(sessionItem)
	if !ok || item.session.SessionID != "a0000001" {
		t.Fatalf("expected selection to stay on a0000001, got %+v", item.session.SessionID)
	}
}

func TestRefreshErrorKeepsLastSnapshot(t *testing.T) {
	source := &staticSource{sessions: testSessions()}
	app := loadedApp(t, source)
	source.err = errors.New("disk gone")
	model, _ := app.Update(app.fetchSnapshot()())
	app = model.(*App)
	if !strings.Contains(app.statusMsg, "Refresh failed: disk gone") {
		t.Fatalf("unexpected status %q", app.statusMsg)
	}
	if len(app.stack) != 2 {
		t.Fatalf("stack should survive a failed refresh, got %d", len(app.stack))
	}
}

func TestFilesChangedRefetchesAndRearms(t *testing.T) {
	source := &staticSource{sessions: testSessions()}
	changes := make(chan struct{}, 1)
	app := loadedApp(t, source, WithChanges(changes))
	changes <- struct{}{}

	_, cmd := app.Update(filesChangedMsg{})
	if cmd == nil {
		t.Fatalf("expected commands after a change")
	}
	batch, ok := cmd().(tea.BatchMsg)
	if !ok {
		t.Fatalf("expected batch message")
	}
	var sawSnapshot, sawChange bool
	for _, c := range batch {
		if c == nil {
			continue
		}
		switch c().(type) {
		case snapshotMsg:
			sawSnapshot = true
		case filesChangedMsg:
			sawChange = true
		}
	}
	if !sawSnapshot || !sawChange {
		t.Fatalf("expected refetch and re-armed watch, got snapshot=%v change=%v", sawSnapshot, sawChange)
	}
	if source.calls != 2 {
		t.Fatalf("expected two listings, got %d", source.calls)
	}
}

func TestQuitKey(t *testing.T) {
	app := loadedApp(t, &staticSource{})
	_, cmd := app.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected tea.QuitMsg")
	}
}

func TestJournalPanel(t *testing.T) {
	fsys := afero.NewMemMapFs()
	journal, err := logbook.New("/p/.waymark/logs/journal.log", logbook.WithFs(fsys))
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	journal.Info("[a0000001] started outer/full at intro: plan")
	app := loadedApp(t, &staticSource{}, WithJournal(journal))
	view := app.View()
	if !strings.Contains(view, "JOURNAL · journal.log (1 entries)") || !strings.Contains(view, "started outer/full") {
		t.Fatalf("journal panel missing:\n%s", view)
	}
	if !strings.Contains(view, "No active workflows.") {
		t.Fatalf("expected empty stack note:\n%s", view)
	}
}
