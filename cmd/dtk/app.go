package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"dtk/internal/analysis"
	"dtk/internal/cache"
	"dtk/internal/config"
	"dtk/internal/demo"
	dtkerrors "dtk/internal/errors"
	"dtk/internal/protocol"
	"dtk/internal/scheduler"
	"dtk/internal/session"
	"dtk/internal/slogutil"
	"dtk/internal/snapshot"
	"dtk/internal/template"
)

// app owns the long-lived subsystems behind every front end.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	service   *protocol.Service
	sched     *scheduler.Scheduler
	templates *template.Service
	sessions  *session.Manager
	watcher   *cache.Watcher
}

func buildApp(logger *slog.Logger) (*app, error) {
	cfg, err := config.Load(".")
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	registry := analysis.NewRegistry(analysis.RegistryConfig{
		AstTTLSeconds:   cfg.Cache.AstTTLSeconds,
		DagTTLSeconds:   cfg.Cache.DagTTLSeconds,
		ChurnTTLSeconds: cfg.Cache.ChurnTTLSeconds,
		GitBranchAware:  cfg.Cache.GitBranchAware,
	}, logger)

	sched, err := scheduler.New(registry, scheduler.Options{
		MemoryTTLSeconds: cfg.Cache.AstTTLSeconds,
		MaxEntries:       1024,
		PersistDir:       cfg.Cache.PersistDir,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("starting scheduler: %w", err)
	}

	templates, err := template.NewService(cfg.Cache.TemplateTTLSeconds, logger)
	if err != nil {
		sched.Close()
		return nil, fmt.Errorf("loading templates: %w", err)
	}

	store, err := snapshot.NewStore(cfg.Refactor.CheckpointDir, logger)
	if err != nil {
		sched.Close()
		return nil, fmt.Errorf("opening checkpoint dir: %w", err)
	}
	sessions := session.NewManager(store, logger)

	service := protocol.NewService(logger)
	protocol.RegisterAll(service, protocol.Deps{
		Templates: templates,
		Scheduler: sched,
		Sessions:  sessions,
		Demo:      demo.NewRunner(sched, logger),
	})

	a := &app{
		cfg:       cfg,
		logger:    logger,
		service:   service,
		sched:     sched,
		templates: templates,
		sessions:  sessions,
	}

	// Advisory only: a change anywhere under the repo root flushes the
	// in-memory analysis results.
	if cfg.Cache.EnableWatch {
		w, err := cache.NewWatcher([]string{cfg.RepoRoot}, func(string) {
			sched.Invalidate()
		}, logger)
		if err != nil {
			logger.Warn("file watch unavailable", "error", err)
		} else {
			w.Start()
			a.watcher = w
		}
	}

	return a, nil
}

func (a *app) Close() {
	if a.watcher != nil {
		a.watcher.Close()
	}
	a.sched.Close()
}

var (
	appOnce   sync.Once
	appShared *app
	appErr    error
)

// getApp builds the subsystem graph once per CLI invocation.
func getApp() (*app, error) {
	appOnce.Do(func() {
		logger := slogutil.NewLogger(os.Stderr, slogutil.LevelFromVerbosity(verbosity))
		appShared, appErr = buildApp(logger)
	})
	return appShared, appErr
}

// dispatch routes a CLI command through the same protocol layer the RPC
// and HTTP front ends use, so all three observe identical semantics.
func dispatch(method string, params any) (any, error) {
	a, err := getApp()
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if params != nil {
		raw, err = json.Marshal(params)
		if err != nil {
			return nil, dtkerrors.Wrap(dtkerrors.Serialization, "encoding params", err)
		}
	}
	resp := a.service.Dispatch(context.Background(), protocol.UnifiedRequest{
		Method: method,
		Params: raw,
		Source: protocol.SourceCLI,
	})
	if resp.Status != "ok" {
		return nil, resp.Err
	}
	return resp.Body, nil
}
