package main

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/waymark/internal/config"
	"github.com/kingrea/waymark/internal/logbook"
	"github.com/kingrea/waymark/internal/state"
	"github.com/kingrea/waymark/internal/tui"
)

// InitCmd creates the .waymark directory structure.
type InitCmd struct{}

func (c *InitCmd) Run(g *Globals) error {
	if err := config.InitProjectDir(g.ProjectDir); err != nil {
		return err
	}
	cfg, err := config.NewConfig(g.ProjectDir)
	if err != nil {
		return err
	}
	fmt.Printf("Initialized %s\nAdd jobs under %s/<name>/job.yml\n", cfg.WaymarkProjectDir, cfg.JobsDir())
	return nil
}

// StackCmd shows active sessions as the serve process would restore them.
type StackCmd struct{}

func (c *StackCmd) Run(g *Globals) error {
	p, err := openProject(g, false)
	if err != nil {
		return err
	}
	defer p.Close()
	if _, err := p.sessions.Restore(context.Background()); err != nil {
		return err
	}
	fmt.Println(renderStack(p.sessions.Stack()))
	return nil
}

// SessionsCmd lists persisted sessions, newest first.
type SessionsCmd struct {
	Status string `help:"Only show sessions with this status (active, completed, aborted)."`
	Limit  int    `short:"n" help:"Show at most this many sessions (0 = all)." default:"20"`
}

func (c *SessionsCmd) Run(g *Globals) error {
	switch state.Status(c.Status) {
	case "", state.StatusActive, state.StatusCompleted, state.StatusAborted:
	default:
		return fmt.Errorf("unknown status %q", c.Status)
	}
	p, err := openProject(g, false)
	if err != nil {
		return err
	}
	defer p.Close()
	sessions, err := p.sessions.ListSessions()
	if err != nil {
		return err
	}
	filtered := sessions[:0]
	for _, session := range sessions {
		if c.Status != "" && string(session.Status) != c.Status {
			continue
		}
		filtered = append(filtered, session)
	}
	if c.Limit > 0 && len(filtered) > c.Limit {
		filtered = filtered[:c.Limit]
	}
	fmt.Println(renderSessions(filtered, time.Now()))
	return nil
}

// WatchCmd opens the live session viewer.
type WatchCmd struct{}

func (c *WatchCmd) Run(g *Globals) error {
	if err := config.InitProjectDir(g.ProjectDir); err != nil {
		return err
	}
	p, err := openProject(g, true)
	if err != nil {
		return err
	}
	defer p.Close()
	journal, err := logbook.New(p.cfg.JournalPath())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, err := tui.WatchDirs(ctx, p.logger, p.cfg.SessionsDir(), p.cfg.LogsDir())
	if err != nil {
		return err
	}
	program := tea.NewProgram(
		tui.NewApp(p.sessions, tui.WithJournal(journal), tui.WithChanges(changes)),
		tea.WithAltScreen(),
		tea.WithOutput(os.Stdout),
	)
	if _, err := program.Run(); err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	return nil
}
