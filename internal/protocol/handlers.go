package protocol

import (
	"context"
	"encoding/json"

	"dtk/internal/analysis"
	"dtk/internal/demo"
	dtkerrors "dtk/internal/errors"
	"dtk/internal/refactor"
	"dtk/internal/scheduler"
	"dtk/internal/session"
	"dtk/internal/template"
)

// Deps are the subsystems the method namespace is built over.
type Deps struct {
	Templates *template.Service
	Scheduler *scheduler.Scheduler
	Sessions  *session.Manager
	Demo      *demo.Runner
}

type listParams struct {
	Toolchain string `json:"toolchain,omitempty"`
	Category  string `json:"category,omitempty"`
}

type searchParams struct {
	Query string `json:"query"`
}

type generateParams struct {
	URI    string            `json:"uri"`
	Params map[string]string `json:"params,omitempty"`
}

type scaffoldParams struct {
	Toolchain string            `json:"toolchain"`
	OutputDir string            `json:"outputDir"`
	Params    map[string]string `json:"params,omitempty"`
	Parallel  int               `json:"parallel,omitempty"`
}

type analyzeParams struct {
	Root    string            `json:"root,omitempty"`
	Paths   []string          `json:"paths,omitempty"`
	Options map[string]string `json:"options,omitempty"`
}

type refactorStartParams struct {
	Targets          []string `json:"targets"`
	TargetComplexity int      `json:"targetComplexity,omitempty"`
	MaxFunctionLines int      `json:"maxFunctionLines,omitempty"`
	RemoveSatd       bool     `json:"removeSatd,omitempty"`
	ParallelWorkers  int      `json:"parallelWorkers,omitempty"`
	MemoryLimitMB    int      `json:"memoryLimitMb,omitempty"`
	BatchSize        int      `json:"batchSize,omitempty"`
	MaxRuntimeSec    int      `json:"maxRuntimeSec,omitempty"`
	AutoCommit       bool     `json:"autoCommit,omitempty"`
}

func (p refactorStartParams) config() refactor.Config {
	cfg := refactor.DefaultConfig()
	if p.TargetComplexity > 0 {
		cfg.TargetComplexity = p.TargetComplexity
	}
	if p.MaxFunctionLines > 0 {
		cfg.MaxFunctionLines = p.MaxFunctionLines
	}
	if p.ParallelWorkers > 0 {
		cfg.ParallelWorkers = p.ParallelWorkers
	}
	if p.MemoryLimitMB > 0 {
		cfg.MemoryLimitMB = p.MemoryLimitMB
	}
	if p.BatchSize > 0 {
		cfg.BatchSize = p.BatchSize
	}
	if p.MaxRuntimeSec > 0 {
		cfg.MaxRuntimeSec = p.MaxRuntimeSec
	}
	cfg.RemoveSatd = p.RemoveSatd
	cfg.AutoCommit = p.AutoCommit
	return cfg
}

type resumeParams struct {
	Checkpoint string `json:"checkpoint,omitempty"`
}

type demoParams struct {
	Path string `json:"path,omitempty"`
}

// AnalysisResult is the body every analyze.<kind> method returns.
type AnalysisResult struct {
	Report      *analysis.Report `json:"report"`
	Fingerprint string           `json:"fingerprint"`
	CacheHit    bool             `json:"cacheHit"`
	Source      string           `json:"source"`
	ElapsedMs   int64            `json:"elapsedMs"`
}

// RegisterAll installs the complete method namespace.
func RegisterAll(s *Service, deps Deps) {
	s.Register("list", func(_ context.Context, raw json.RawMessage) (any, error) {
		var p listParams
		if err := DecodeParams(raw, &p); err != nil {
			return nil, err
		}
		return map[string]any{"templates": deps.Templates.List(p.Toolchain, p.Category)}, nil
	})

	s.Register("search", func(_ context.Context, raw json.RawMessage) (any, error) {
		var p searchParams
		if err := DecodeParams(raw, &p); err != nil {
			return nil, err
		}
		if p.Query == "" {
			return nil, dtkerrors.NewValidation("query", "must not be empty").
				WithRPCCode(CodeInvalidParams)
		}
		return map[string]any{"templates": deps.Templates.Search(p.Query)}, nil
	})

	s.Register("generate", func(_ context.Context, raw json.RawMessage) (any, error) {
		var p generateParams
		if err := DecodeParams(raw, &p); err != nil {
			return nil, err
		}
		content, err := deps.Templates.Generate(p.URI, p.Params)
		if err != nil {
			return nil, err
		}
		return map[string]any{"uri": p.URI, "content": content}, nil
	})

	s.Register("scaffold", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p scaffoldParams
		if err := DecodeParams(raw, &p); err != nil {
			return nil, err
		}
		if p.OutputDir == "" {
			return nil, dtkerrors.NewValidation("outputDir", "must not be empty").
				WithRPCCode(CodeInvalidParams)
		}
		files, err := deps.Templates.Scaffold(ctx, p.Toolchain, p.OutputDir, p.Params, p.Parallel)
		if err != nil {
			return nil, err
		}
		return map[string]any{"files": files}, nil
	})

	s.Register("validate", func(_ context.Context, raw json.RawMessage) (any, error) {
		var p generateParams
		if err := DecodeParams(raw, &p); err != nil {
			return nil, err
		}
		resolved, err := deps.Templates.Validate(p.URI, p.Params)
		if err != nil {
			return nil, err
		}
		return map[string]any{"uri": p.URI, "params": resolved}, nil
	})

	analyze := func(kind analysis.Kind) Handler {
		return func(ctx context.Context, raw json.RawMessage) (any, error) {
			var p analyzeParams
			if err := DecodeParams(raw, &p); err != nil {
				return nil, err
			}
			res, err := deps.Scheduler.Analyze(ctx, analysis.Request{
				Kind: kind, Root: p.Root, Paths: p.Paths, Options: p.Options,
			})
			if err != nil {
				return nil, err
			}
			return &AnalysisResult{
				Report:      res.Report,
				Fingerprint: res.Fingerprint,
				CacheHit:    res.CacheHit(),
				Source:      string(res.Source),
				ElapsedMs:   res.Elapsed.Milliseconds(),
			}, nil
		}
	}
	for _, kind := range analysis.AllKinds() {
		s.Register("analyze."+string(kind), analyze(kind))
	}
	s.Register("context", analyze(analysis.DeepContext))

	s.Register("refactor.start", func(_ context.Context, raw json.RawMessage) (any, error) {
		var p refactorStartParams
		if err := DecodeParams(raw, &p); err != nil {
			return nil, err
		}
		return deps.Sessions.Start(p.Targets, p.config())
	})

	s.Register("refactor.advance", func(ctx context.Context, raw json.RawMessage) (any, error) {
		st, err := deps.Sessions.Advance(ctx)
		if err != nil {
			return nil, err
		}
		return st, nil
	})

	s.Register("refactor.status", func(_ context.Context, raw json.RawMessage) (any, error) {
		st, err := deps.Sessions.Status()
		if err != nil {
			return nil, err
		}
		return map[string]any{"session": st, "cacheStats": deps.Scheduler.Stats()}, nil
	})

	s.Register("refactor.stop", func(_ context.Context, raw json.RawMessage) (any, error) {
		return deps.Sessions.Stop()
	})

	s.Register("refactor.resume", func(_ context.Context, raw json.RawMessage) (any, error) {
		var p resumeParams
		if err := DecodeParams(raw, &p); err != nil {
			return nil, err
		}
		return deps.Sessions.Resume(p.Checkpoint)
	})

	s.Register("demo", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p demoParams
		if err := DecodeParams(raw, &p); err != nil {
			return nil, err
		}
		return deps.Demo.Run(ctx, p.Path)
	})

	// MCP-flavored aliases
	s.Alias("tools/list", "list")
	s.Alias("prompts/list", "list")
}
