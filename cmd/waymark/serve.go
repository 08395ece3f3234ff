package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kingrea/waymark/internal/config"
	"github.com/kingrea/waymark/internal/logbook"
	"github.com/kingrea/waymark/internal/metrics"
	"github.com/kingrea/waymark/internal/server"
	"github.com/kingrea/waymark/internal/tools"
)

// ServeCmd serves the workflow tools over MCP on stdio.
type ServeCmd struct {
	MetricsAddr string `name:"metrics-addr" help:"Expose Prometheus metrics on this address, e.g. 127.0.0.1:9464." placeholder:"ADDR"`
}

func (c *ServeCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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
	recorder := metrics.New()
	gate, err := p.newGate(recorder, false)
	if err != nil {
		return err
	}
	restored, err := p.sessions.Restore(ctx)
	if err != nil {
		return err
	}
	if restored > 0 {
		p.logger.InfoContext(ctx, "restored active sessions", "count", restored)
		journal.Info("serve started, %d active session(s) restored", restored)
	}
	recorder.SetStackDepth(p.sessions.Depth())

	gateCfg := p.cfg.QualityGate()
	svc := tools.New(p.jobs, p.sessions, p.store,
		tools.WithGate(gate, tools.GateMode(gateCfg.Mode)),
		tools.WithMaxAttempts(gateCfg.MaxAttempts),
		tools.WithReviewDir(p.cfg.TmpDir()),
		tools.WithJournal(journal),
		tools.WithMetrics(recorder),
		tools.WithLogger(p.logger),
	)
	srv, err := server.New(svc, version(), server.WithLogger(p.logger))
	if err != nil {
		return err
	}

	if c.MetricsAddr != "" {
		metricsSrv := &http.Server{
			Addr:              c.MetricsAddr,
			Handler:           metricsMux(recorder),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				p.logger.Error("metrics server stopped", "addr", c.MetricsAddr, "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
		p.logger.InfoContext(ctx, "metrics listening", "addr", c.MetricsAddr)
	}

	p.logger.InfoContext(ctx, "waymark serving",
		"project", p.cfg.ProjectDir,
		"gate_mode", gateCfg.Mode,
		"reviewer", gateCfg.Reviewer,
	)
	if err := srv.ServeStdio(ctx, os.Stdin, os.Stdout); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func metricsMux(recorder *metrics.Recorder) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	return mux
}
