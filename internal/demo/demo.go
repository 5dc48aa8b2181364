// Package demo runs a fixed suite of analyses over a repository and
// reports per-step timing together with cache behavior. It exists to
// give a new user a quick tour of the toolkit against their own code.
package demo

import (
	"context"
	"log/slog"
	"os"
	"time"

	"dtk/internal/analysis"
	"dtk/internal/cache"
	"dtk/internal/scheduler"
)

// suite is the ordered list of analyses the demo walks through.
var suite = []analysis.Kind{
	analysis.Complexity,
	analysis.Satd,
	analysis.DeadCode,
	analysis.Dag,
	analysis.GraphMetrics,
	analysis.Tdg,
	analysis.DeepContext,
}

// Step is the outcome of one analysis in the suite.
type Step struct {
	Kind      string `json:"kind"`
	ElapsedMs int64  `json:"elapsedMs"`
	CacheHit  bool   `json:"cacheHit"`
	Source    string `json:"source"`
	Findings  int    `json:"findings"`
	Files     int    `json:"files"`
	Error     string `json:"error,omitempty"`
}

// Report is the aggregate demo result.
type Report struct {
	Path       string                         `json:"path"`
	Steps      []Step                         `json:"steps"`
	TotalMs    int64                          `json:"totalMs"`
	CacheHits  int                            `json:"cacheHits"`
	CacheStats map[string]cache.StatsSnapshot `json:"cacheStats"`
}

// Runner drives the suite through the analysis scheduler.
type Runner struct {
	sched  *scheduler.Scheduler
	logger *slog.Logger
}

func NewRunner(sched *scheduler.Scheduler, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{sched: sched, logger: logger.With("component", "demo")}
}

// Run executes every analysis in the suite against path. Individual
// analysis failures are recorded per step rather than aborting the tour.
func (r *Runner) Run(ctx context.Context, path string) (*Report, error) {
	if path == "" {
		path = "."
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	rep := &Report{Path: path, Steps: make([]Step, 0, len(suite))}
	start := time.Now()
	for _, kind := range suite {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		step := Step{Kind: string(kind)}
		res, err := r.sched.Analyze(ctx, analysis.Request{Kind: kind, Root: path})
		if err != nil {
			step.Error = err.Error()
			r.logger.Warn("demo step failed", "kind", kind, "error", err)
		} else {
			step.ElapsedMs = res.Elapsed.Milliseconds()
			step.CacheHit = res.CacheHit()
			step.Source = string(res.Source)
			step.Findings = len(res.Report.Findings)
			step.Files = len(res.Report.Files)
			if step.CacheHit {
				rep.CacheHits++
			}
		}
		rep.Steps = append(rep.Steps, step)
	}
	rep.TotalMs = time.Since(start).Milliseconds()
	rep.CacheStats = r.sched.Stats()
	return rep, nil
}
