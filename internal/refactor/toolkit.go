package refactor

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"dtk/internal/analysis"
	dtkerrors "dtk/internal/errors"
)

// Toolkit is the default Hooks implementation: it measures targets with
// the analysis loader, plans rule-based edit suggestions in Transform,
// and re-measures in Verify. Commit shells out to git when auto-commit
// is on.
type Toolkit struct {
	loader *analysis.Loader
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	plans map[string][]string
}

// NewToolkit builds hooks for one session's config.
func NewToolkit(cfg Config, logger *slog.Logger) *Toolkit {
	return &Toolkit{
		loader: analysis.NewLoader(nil),
		cfg:    cfg,
		logger: logger,
		plans:  make(map[string][]string),
	}
}

// Scan measures a target's worst-function complexity.
func (t *Toolkit) Scan(ctx context.Context, target string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, dtkerrors.Wrap(dtkerrors.Timeout, "scan cancelled", err)
	}
	return t.measure(target)
}

// Transform derives the candidate edit plan for a target: which
// functions to split, simplify, or strip of debt markers.
func (t *Toolkit) Transform(ctx context.Context, target string) error {
	if err := ctx.Err(); err != nil {
		return dtkerrors.Wrap(dtkerrors.Timeout, "transform cancelled", err)
	}
	sf, err := t.loader.Load(target)
	if err != nil {
		return err
	}
	if sf.Language == "" {
		return dtkerrors.Newf(dtkerrors.BadRequest, "unsupported file type: %s", target)
	}

	var plan []string
	for _, span := range analysis.FunctionSpans(sf) {
		if lines := span.EndLine - span.StartLine + 1; lines > t.cfg.MaxFunctionLines {
			plan = append(plan, fmt.Sprintf("extract: %s spans %d lines (max %d)",
				span.Name, lines, t.cfg.MaxFunctionLines))
		}
		if cc := analysis.CyclomaticOf(sf.Lines, span); cc > t.cfg.TargetComplexity {
			plan = append(plan, fmt.Sprintf("simplify: %s has complexity %d (target %d)",
				span.Name, cc, t.cfg.TargetComplexity))
		}
	}
	if t.cfg.RemoveSatd {
		for i, line := range sf.Lines {
			upper := strings.ToUpper(line)
			if strings.Contains(upper, "TODO") || strings.Contains(upper, "FIXME") ||
				strings.Contains(upper, "HACK") {
				plan = append(plan, fmt.Sprintf("remove-satd: line %d", i+1))
			}
		}
	}

	t.mu.Lock()
	t.plans[target] = plan
	t.mu.Unlock()
	t.logger.Debug("transform planned", "target", target, "actions", len(plan))
	return nil
}

// Verify re-measures the target for the quality gate.
func (t *Toolkit) Verify(ctx context.Context, target string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, dtkerrors.Wrap(dtkerrors.Timeout, "verify cancelled", err)
	}
	return t.measure(target)
}

// Commit stages and commits the verified targets.
func (t *Toolkit) Commit(ctx context.Context, targets []string) error {
	add := exec.CommandContext(ctx, "git", append([]string{"add", "--"}, targets...)...)
	if out, err := add.CombinedOutput(); err != nil {
		return dtkerrors.NewIo(fmt.Sprintf("git add failed: %s", strings.TrimSpace(string(out))), err, false)
	}
	commit := exec.CommandContext(ctx, "git", "commit",
		"-m", fmt.Sprintf("refactor: automated pass over %d files", len(targets)))
	if out, err := commit.CombinedOutput(); err != nil {
		return dtkerrors.NewIo(fmt.Sprintf("git commit failed: %s", strings.TrimSpace(string(out))), err, false)
	}
	return nil
}

// Plan returns the suggestions recorded for a target in Transform.
func (t *Toolkit) Plan(target string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.plans[target]...)
}

func (t *Toolkit) measure(target string) (int, error) {
	sf, err := t.loader.Load(target)
	if err != nil {
		return 0, err
	}
	worst := 1
	for _, span := range analysis.FunctionSpans(sf) {
		if cc := analysis.CyclomaticOf(sf.Lines, span); cc > worst {
			worst = cc
		}
	}
	return worst, nil
}
