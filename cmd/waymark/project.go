package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/afero"

	"github.com/kingrea/waymark/internal/artifact"
	"github.com/kingrea/waymark/internal/config"
	"github.com/kingrea/waymark/internal/job"
	"github.com/kingrea/waymark/internal/logging"
	"github.com/kingrea/waymark/internal/metrics"
	"github.com/kingrea/waymark/internal/quality"
	"github.com/kingrea/waymark/internal/state"
)

// project bundles everything the commands share for one project directory.
type project struct {
	cfg      *config.Config
	logger   *slog.Logger
	logFile  *logging.Logger
	sessions *state.Manager
	jobs     *job.Library
	store    *artifact.Store
}

// openProject loads configuration and builds the session manager. When
// fileLog is set, logs go to .waymark/logs/waymark.log; otherwise they are
// discarded so terminal output stays clean.
func openProject(g *Globals, fileLog bool) (*project, error) {
	cfg, err := config.NewConfig(g.ProjectDir)
	if err != nil {
		return nil, err
	}
	levelName := cfg.Project.LogLevel
	if g.LogLevel != "" {
		levelName = g.LogLevel
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}

	p := &project{cfg: cfg, logger: logging.Discard()}
	if fileLog {
		logFile, err := logging.New(cfg.ProjectDir, level)
		if err != nil {
			return nil, err
		}
		p.logFile = logFile
		p.logger = logFile.Logger
	}
	p.sessions = state.NewManager(cfg.SessionsDir(), state.WithLogger(p.logger))
	p.jobs = job.NewLibrary(cfg.JobDirs()...)
	p.store = artifact.NewStore(afero.NewOsFs(), cfg.ProjectDir)
	return p, nil
}

// newGate builds the quality gate. It returns a nil gate when the quality gate
// is disabled. In self_review mode no reviewer process ever runs, so none is
// resolved unless forceReviewer is set.
func (p *project) newGate(recorder *metrics.Recorder, forceReviewer bool) (*quality.Gate, error) {
	gateCfg := p.cfg.QualityGate()
	if gateCfg.Mode == config.ModeDisabled {
		return nil, nil
	}
	var reviewer quality.Reviewer
	if gateCfg.Mode == config.ModeExternal || forceReviewer {
		resolved, err := quality.DefaultRegistry().Resolve(gateCfg.Reviewer, quality.ReviewerConfig{
			Command: gateCfg.Command,
			Dir:     p.cfg.ProjectDir,
		})
		if err != nil {
			return nil, fmt.Errorf("quality gate: %w", err)
		}
		reviewer = resolved
	}
	return quality.NewGate(reviewer, p.store,
		quality.WithMaxInlineFiles(gateCfg.MaxInlineFiles),
		quality.WithObserver(recorder),
		quality.WithLogger(p.logger),
	), nil
}

func (p *project) Close() error {
	return p.logFile.Close()
}
