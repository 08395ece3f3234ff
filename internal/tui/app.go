// internal/tui/app.go
//
// This is the session viewer for waymark.
// It uses bubbletea, which follows The Elm Architecture:
//
// 1. Model: the sessions on disk plus the journal tail
// 2. Update: refresh on file changes, a fallback tick, or key presses
// 3. View: stack, session list, details of the selected session, journal
//
// The viewer never mutates sessions; `waymark serve` owns them.

package tui

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/waymark/internal/logbook"
	"github.com/kingrea/waymark/internal/state"
)

const (
	boardRefreshInterval = 3 * time.Second
	journalLines         = 8
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B")).MarginBottom(1)
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#444444")).Padding(0, 1)

	statusStyles = map[state.Status]lipgloss.Style{
		state.StatusActive:    lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true),
		state.StatusCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true),
		state.StatusAborted:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true),
	}
)

// SessionSource lists persisted sessions, newest first.
type SessionSource interface {
	ListSessions() ([]state.Session, error)
}

type snapshotMsg struct {
	sessions []state.Session
	err      error
	at       time.Time
}

type filesChangedMsg struct{}

type tickMsg struct{}

// sessionItem implements list.Item for one persisted session.
type sessionItem struct {
	session state.Session
	now     time.Time
}

func (i sessionItem) Title() string {
	return fmt.Sprintf("%s · %s", i.session.SessionID, i.session.Label())
}

func (i sessionItem) Description() string {
	desc := fmt.Sprintf("%s · step %s", i.session.Status, i.session.CurrentStepID)
	if !i.session.StartedAt.IsZero() {
		desc += fmt.Sprintf(" · started %s ago", humanizeDuration(i.now.Sub(i.session.StartedAt)))
	}
	return desc
}

func (i sessionItem) FilterValue() string { return i.session.SessionID + " " + i.session.Label() }

// App is the viewer model.
type App struct {
	sessions SessionSource
	journal  *logbook.Logbook
	changes  <-chan struct{}
	clock    func() time.Time

	list      list.Model
	all       []state.Session
	stack     []state.Session
	err       error
	refreshed time.Time
	statusMsg string

	width  int
	height int
}

// Option customizes App construction.
type Option func(*App)

// WithJournal shows the tail of the workflow journal.
func WithJournal(journal *logbook.Logbook) Option {
	return func(a *App) {
		a.journal = journal
	}
}

// WithChanges refreshes the view whenever ch receives, typically from
// WatchDirs.
func WithChanges(ch <-chan struct{}) Option {
	return func(a *App) {
		a.changes = ch
	}
}

// WithClock overrides time.Now for tests.
func WithClock(clock func() time.Time) Option {
	return func(a *App) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// NewApp creates the viewer.
func NewApp(sessions SessionSource, opts ...Option) *App {
	sessionList := list.New(nil, list.NewDefaultDelegate(), 60, 20)
	sessionList.Title = "Sessions"
	sessionList.SetShowStatusBar(false)
	sessionList.SetShowHelp(false)
	app := &App{
		sessions:  sessions,
		clock:     time.Now,
		list:      sessionList,
		statusMsg: "Loading sessions...",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(app)
		}
	}
	return app
}

// Init loads the first snapshot and starts listening for changes.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.fetchSnapshot(), a.waitForChange(), a.scheduleRefresh())
}

// Update handles messages.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.list.SetSize(max(20, a.leftWidth()-4), max(5, msg.Height-journalLines-14))
		return a, nil

	case tea.KeyMsg:
		if a.list.FilterState() == list.Filtering {
			break
		}
		switch msg.String() {
		case "q", "ctrl+c":
			return a, tea.Quit
		case "r":
			a.statusMsg = "Refreshing..."
			return a, a.fetchSnapshot()
		}

	case snapshotMsg:
		a.applySnapshot(msg)
		return a, nil

	case filesChangedMsg:
		return a, tea.Batch(a.fetchSnapshot(), a.waitForChange())

	case tickMsg:
		return a, tea.Batch(a.fetchSnapshot(), a.scheduleRefresh())
	}

	var cmd tea.Cmd
	a.list, cmd = a.list.Update(msg)
	return a, cmd
}

func (a *App) fetchSnapshot() tea.Cmd {
	return func() tea.Msg {
		sessions, err := a.sessions.ListSessions()
		return snapshotMsg{sessions: sessions, err: err, at: a.clock()}
	}
}

func (a *App) waitForChange() tea.Cmd {
	if a.changes == nil {
		return nil
	}
	return func() tea.Msg {
		if _, ok := <-a.changes; !ok {
			return nil
		}
		return filesChangedMsg{}
	}
}

func (a *App) scheduleRefresh() tea.Cmd {
	return tea.Tick(boardRefreshInterval, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

func (a *App) applySnapshot(msg snapshotMsg) {
	a.refreshed = msg.at
	if msg.err != nil {
		a.err = msg.err
		a.statusMsg = fmt.Sprintf("Refresh failed: %v", msg.err)
		return
	}
	a.err = nil
	a.all = msg.sessions
	a.stack = activeStack(msg.sessions)

	selected := ""
	if item, ok := a.list.SelectedItem().(sessionItem); ok {
		selected = item.session.SessionID
	}
	items := make([]list.Item, len(msg.sessions))
	cursor := 0
	for idx, session := range msg.sessions {
		items[idx] = sessionItem{session: session, now: msg.at}
		if session.SessionID == selected {
			cursor = idx
		}
	}
	a.list.SetItems(items)
	if len(items) > 0 {
		a.list.Select(cursor)
	}
	a.statusMsg = fmt.Sprintf("%d session(s), %d active · q quit · r refresh", len(msg.sessions), len(a.stack))
}

// activeStack orders active sessions oldest first, which is the order they
// were pushed.
func activeStack(sessions []state.Session) []state.Session {
	var stack []state.Session
	for _, session := range sessions {
		if session.Status == state.StatusActive {
			stack = append(stack, session)
		}
	}
	sort.SliceStable(stack, func(i, j int) bool {
		return stack[i].StartedAt.Before(stack[j].StartedAt)
	})
	return stack
}

func (a *App) leftWidth() int {
	width := a.width
	if width <= 0 {
		width = 100
	}
	return width - max(32, width/3) - 4
}

// View renders the board.
func (a *App) View() string {
	width := a.width
	if width <= 0 {
		width = 100
	}
	rightWidth := max(32, width/3)
	leftWidth := width - rightWidth - 4
	if leftWidth < 40 {
		leftWidth = width - 4
		rightWidth = 0
	}

	left := lipgloss.JoinVertical(lipgloss.Left,
		a.renderStack(leftWidth-4),
		"",
		a.list.View(),
	)
	body := boxStyle.Width(max(20, leftWidth)).Render(left)
	if rightWidth > 0 {
		right := boxStyle.Width(max(20, rightWidth)).Render(a.renderDetails(rightWidth - 4))
		body = lipgloss.JoinHorizontal(lipgloss.Top, body, right)
	}
	sections := []string{headerStyle.Render("⬡ WAYMARK"), body}
	if panel := a.renderJournal(); panel != "" {
		sections = append(sections, panel)
	}
	sections = append(sections, mutedStyle.MarginTop(1).Render(a.statusMsg))
	return strings.Join(sections, "\n")
}

func (a *App) renderStack(width int) string {
	title := titleStyle.Render(fmt.Sprintf("Stack (%d)", len(a.stack)))
	if len(a.stack) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, title, mutedStyle.Render("No active workflows."))
	}
	lines := []string{title}
	for idx := len(a.stack) - 1; idx >= 0; idx-- {
		session := a.stack[idx]
		marker := "  "
		if idx == len(a.stack)-1 {
			marker = "▶ "
		}
		lines = append(lines, fmt.Sprintf("%s%s %s · %s", marker, session.SessionID, session.Label(), session.CurrentStepID))
	}
	return lipgloss.NewStyle().Width(max(20, width)).Render(strings.Join(lines, "\n"))
}

func (a *App) renderDetails(width int) string {
	item, ok := a.list.SelectedItem().(sessionItem)
	if !ok {
		return mutedStyle.Render("Select a session.")
	}
	session := item.session
	statusStyle, ok := statusStyles[session.Status]
	if !ok {
		statusStyle = mutedStyle
	}
	lines := []string{
		titleStyle.Render(session.Label()),
		fmt.Sprintf("Session %s · %s", session.SessionID, statusStyle.Render(string(session.Status))),
	}
	if session.InstanceID != "" {
		lines = append(lines, fmt.Sprintf("Instance: %s", session.InstanceID))
	}
	if goal := strings.TrimSpace(session.Goal); goal != "" {
		lines = append(lines, fmt.Sprintf("Goal: %s", goal))
	}
	lines = append(lines, fmt.Sprintf("Current: %s (entry %d)", session.CurrentStepID, session.CurrentEntryIndex+1))
	if session.AbortReason != "" {
		lines = append(lines, fmt.Sprintf("Aborted: %s", session.AbortReason))
	}
	lines = append(lines, "", titleStyle.Render("Steps"))
	lines = append(lines, stepLines(session)...)
	return lipgloss.NewStyle().Width(max(20, width)).Render(strings.Join(lines, "\n"))
}

// stepLines lists recorded step progress in the order steps started.
func stepLines(session state.Session) []string {
	progress := make([]state.StepProgress, 0, len(session.StepProgress))
	for _, p := range session.StepProgress {
		progress = append(progress, p)
	}
	sort.Slice(progress, func(i, j int) bool {
		left, right := progress[i].StartedAt, progress[j].StartedAt
		switch {
		case left == nil || right == nil:
			if (left == nil) != (right == nil) {
				return right == nil
			}
			return progress[i].StepID < progress[j].StepID
		case left.Equal(*right):
			return progress[i].StepID < progress[j].StepID
		default:
			return left.Before(*right)
		}
	})
	if len(progress) == 0 {
		return []string{mutedStyle.Render("no steps started")}
	}
	lines := make([]string, 0, len(progress))
	for _, p := range progress {
		mark := "…"
		if p.CompletedAt != nil {
			mark = "✓"
		}
		line := fmt.Sprintf("%s %s", mark, p.StepID)
		if n := p.Outputs.FileCount(); n > 0 {
			line += fmt.Sprintf(" · %d file(s)", n)
		}
		if p.QualityAttempts > 0 {
			line += fmt.Sprintf(" · %d review attempt(s)", p.QualityAttempts)
		}
		lines = append(lines, line)
	}
	return lines
}

func (a *App) renderJournal() string {
	if a.journal == nil {
		return ""
	}
	lines, total := a.journal.Tail(journalLines)
	if len(lines) == 0 {
		return ""
	}
	fileName := filepath.Base(a.journal.Path())
	head := titleStyle.Render(fmt.Sprintf("JOURNAL · %s (%d entries)", fileName, total))
	body := lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA")).Render(strings.Join(lines, "\n"))
	return boxStyle.Render(fmt.Sprintf("%s\n%s", head, body))
}

func humanizeDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh", int(d.Hours()))
}
