package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/kingrea/waymark/internal/quality"
	"github.com/kingrea/waymark/internal/state"
)

var (
	headerCell = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF")).Padding(0, 1)
	bodyCell   = lipgloss.NewStyle().Padding(0, 1)
	borderTint = lipgloss.NewStyle().Foreground(lipgloss.Color("#444444"))
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderTint).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerCell
			}
			return bodyCell
		}).
		Headers(headers...)
}

// renderStack prints the stack top first; the top row is the session that
// untargeted tool calls act on.
func renderStack(entries []state.StackEntry) string {
	if len(entries) == 0 {
		return "No active workflow sessions."
	}
	t := newTable("", "SESSION", "WORKFLOW", "STEP")
	for idx := len(entries) - 1; idx >= 0; idx-- {
		marker := ""
		if idx == len(entries)-1 {
			marker = "▶"
		}
		entry := entries[idx]
		t.Row(marker, entry.SessionID, entry.Workflow, entry.Step)
	}
	return t.Render()
}

// renderSessions prints persisted sessions in the order given.
func renderSessions(sessions []state.Session, now time.Time) string {
	if len(sessions) == 0 {
		return "No sessions recorded."
	}
	t := newTable("SESSION", "WORKFLOW", "STATUS", "STEP", "STARTED", "GOAL")
	for _, session := range sessions {
		started := "-"
		if !session.StartedAt.IsZero() {
			started = humanizeAge(now.Sub(session.StartedAt)) + " ago"
		}
		t.Row(session.SessionID, session.Label(), string(session.Status), session.CurrentStepID, started, truncate(session.Goal, 48))
	}
	return t.Render()
}

// renderReviews prints one row per review task.
func renderReviews(results []quality.ReviewResult) string {
	t := newTable("REVIEW", "RESULT", "FEEDBACK")
	for _, result := range results {
		scope := result.RunEach
		if result.TargetFile != "" {
			scope += " " + result.TargetFile
		}
		verdict := "pass"
		if !result.Passed {
			verdict = "FAIL"
		}
		feedback := strings.TrimSpace(result.Feedback)
		for _, criterion := range result.FailedCriteria() {
			feedback += fmt.Sprintf("\n- %s: %s", criterion.Criterion, criterion.Feedback)
		}
		t.Row(scope, verdict, feedback)
	}
	return t.Render()
}

func humanizeAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func truncate(value string, limit int) string {
	value = strings.Join(strings.Fields(value), " ")
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-1]) + "…"
}
