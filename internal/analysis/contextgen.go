package analysis

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// analyzeDeepContext builds a structural overview of the project: the
// per-file symbol inventory plus language and size distribution. Its
// report is the backbone of the context generation command.
func (r *Registry) analyzeDeepContext(ctx context.Context, req Request) (*Report, error) {
	files, err := r.loader.CollectSources(req)
	if err != nil {
		return nil, err
	}
	rep := newReport(DeepContext, req)

	byLanguage := map[string]int{}
	totalLines, totalSymbols := 0, 0

	for _, sf := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		syms := symbolsIn(sf)
		byLanguage[sf.Language]++
		totalLines += len(sf.Lines)
		totalSymbols += len(syms)

		names := make([]string, 0, len(syms))
		for _, s := range syms {
			names = append(names, s.Name)
		}
		sort.Strings(names)

		rep.Files = append(rep.Files, FileReport{
			Path:     sf.Path,
			Language: sf.Language,
			Lines:    len(sf.Lines),
			Metrics:  map[string]float64{"symbols": float64(len(syms))},
		})
		if len(names) > 0 {
			rep.Findings = append(rep.Findings, Finding{
				Path:     sf.Path,
				Rule:     "file-summary",
				Message:  strings.Join(names, ", "),
				Severity: "info",
			})
		}
	}

	rep.Totals["files"] = float64(len(files))
	rep.Totals["lines"] = float64(totalLines)
	rep.Totals["symbols"] = float64(totalSymbols)
	for lang, n := range byLanguage {
		rep.Totals["lang_"+lang] = float64(n)
	}
	sortFiles(rep.Files)
	sortFindings(rep.Findings)
	return rep, nil
}

// comprehensiveParts are the analyses folded into one combined report.
var comprehensiveParts = []Kind{
	Complexity, Satd, DeadCode, GraphMetrics, Tdg, Churn,
}

// analyzeComprehensive runs the full battery and merges findings and
// totals, namespacing each total by its source kind. Parts that cannot
// run in the environment (churn outside a git repo) are skipped rather
// than failing the whole report.
func (r *Registry) analyzeComprehensive(ctx context.Context, req Request) (*Report, error) {
	rep := newReport(Comprehensive, req)

	ran := 0
	for _, kind := range comprehensiveParts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		part, err := r.Analyze(ctx, withKind(req, kind))
		if err != nil {
			r.logger.Warn("comprehensive part skipped",
				"kind", string(kind), "error", err)
			continue
		}
		ran++
		rep.Findings = append(rep.Findings, part.Findings...)
		for k, v := range part.Totals {
			rep.Totals[fmt.Sprintf("%s.%s", kind, k)] = v
		}
		if part.Graph != nil && rep.Graph == nil {
			rep.Graph = part.Graph
		}
	}

	rep.Totals["parts_run"] = float64(ran)
	rep.Totals["findings"] = float64(len(rep.Findings))
	sortFindings(rep.Findings)
	return rep, nil
}
