package analysis

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	dtkerrors "dtk/internal/errors"
)

// analyzeDefectPrediction scores files by combining complexity, recent
// churn and size into a defect likelihood in [0,1].
func (r *Registry) analyzeDefectPrediction(ctx context.Context, req Request) (*Report, error) {
	cxRep, err := r.analyzeComplexity(ctx, withKind(req, Complexity))
	if err != nil {
		return nil, err
	}

	churnByPath := map[string]float64{}
	if churnRep, err := r.analyzeChurn(ctx, withKind(req, Churn)); err == nil {
		for _, f := range churnRep.Files {
			churnByPath[f.Path] = f.Metrics["commits"]
		}
	}
	// churn is advisory; outside a git repository prediction degrades to
	// complexity and size alone.

	maxCC, maxChurn, maxLines := 1.0, 1.0, 1.0
	for _, f := range cxRep.Files {
		maxCC = maxf(maxCC, f.Metrics["max_cyclomatic"])
		maxLines = maxf(maxLines, float64(f.Lines))
		maxChurn = maxf(maxChurn, churnByPath[relOrSelf(req.Root, f.Path)])
	}

	rep := newReport(DefectPrediction, req)
	threshold := 0.7
	if v, ok := req.Options["threshold"]; ok {
		if t, err := strconv.ParseFloat(v, 64); err == nil && t > 0 && t <= 1 {
			threshold = t
		}
	}

	highRisk := 0
	for _, f := range cxRep.Files {
		churn := churnByPath[relOrSelf(req.Root, f.Path)]
		score := 0.5*(f.Metrics["max_cyclomatic"]/maxCC) +
			0.35*(churn/maxChurn) +
			0.15*(float64(f.Lines)/maxLines)
		rep.Files = append(rep.Files, FileReport{
			Path:     f.Path,
			Language: f.Language,
			Lines:    f.Lines,
			Metrics: map[string]float64{
				"defect_score": score,
				"complexity":   f.Metrics["max_cyclomatic"],
				"churn":        churn,
			},
		})
		if score >= threshold {
			highRisk++
			rep.Findings = append(rep.Findings, Finding{
				Path:     f.Path,
				Rule:     "defect-risk",
				Message:  fmt.Sprintf("defect score %.2f (complexity %.0f, churn %.0f)", score, f.Metrics["max_cyclomatic"], churn),
				Severity: "warning",
			})
		}
	}

	rep.Totals["files"] = float64(len(rep.Files))
	rep.Totals["high_risk"] = float64(highRisk)
	sortFiles(rep.Files)
	sortFindings(rep.Findings)
	return rep, nil
}

func withKind(req Request, kind Kind) Request {
	req.Kind = kind
	return req
}

func maxf(a, b float64) float64 {
	if b > a {
		return b
	}
	return a
}

func relOrSelf(root, path string) string {
	if root == "" {
		return path
	}
	if rp, err := filepath.Rel(root, path); err == nil {
		return rp
	}
	return path
}

var impurityTokens = regexp.MustCompile(`\b(panic|unwrap|expect|unsafe|goto|reflect|eval|exec)\b|os\.|http\.|sql\.`)

// analyzeProvability rates functions by how amenable they are to formal
// reasoning: few branches, no panics or unchecked operations, bounded
// size.
func (r *Registry) analyzeProvability(ctx context.Context, req Request) (*Report, error) {
	files, err := r.loader.CollectSources(req)
	if err != nil {
		return nil, err
	}
	rep := newReport(Provability, req)

	total, provable := 0, 0
	for _, sf := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fileScore, fns := 0.0, 0
		for _, span := range functionSpans(sf) {
			score := 100.0
			score -= 5 * float64(cyclomaticOf(sf.Lines, span)-1)
			for i := span.StartLine - 1; i < span.EndLine && i < len(sf.Lines); i++ {
				score -= 10 * float64(len(impurityTokens.FindAllString(stripLineComment(sf.Lines[i]), -1)))
			}
			if n := span.EndLine - span.StartLine + 1; n > 50 {
				score -= float64(n-50) / 2
			}
			if score < 0 {
				score = 0
			}
			total++
			fns++
			fileScore += score
			if score >= 75 {
				provable++
			} else if score < 40 {
				rep.Findings = append(rep.Findings, Finding{
					Path:     sf.Path,
					Line:     span.StartLine,
					Rule:     "low-provability",
					Message:  fmt.Sprintf("%s scores %.0f/100 for formal reasoning", span.Name, score),
					Severity: "info",
				})
			}
		}
		if fns > 0 {
			rep.Files = append(rep.Files, FileReport{
				Path:     sf.Path,
				Language: sf.Language,
				Lines:    len(sf.Lines),
				Metrics: map[string]float64{
					"mean_provability": fileScore / float64(fns),
					"functions":        float64(fns),
				},
			})
		}
	}

	rep.Totals["functions"] = float64(total)
	rep.Totals["provable"] = float64(provable)
	if total > 0 {
		rep.Totals["provable_ratio"] = float64(provable) / float64(total)
	}
	sortFiles(rep.Files)
	sortFindings(rep.Findings)
	return rep, nil
}

var proofAnnotationPatterns = []struct {
	rule string
	re   *regexp.Regexp
}{
	{"assert", regexp.MustCompile(`\b(assert|assert_eq|assert_ne|debug_assert)\s*[!(]`)},
	{"invariant", regexp.MustCompile(`(?i)//\s*invariant:|#\s*invariant:`)},
	{"requires", regexp.MustCompile(`(?i)//\s*requires:|#\s*requires:`)},
	{"ensures", regexp.MustCompile(`(?i)//\s*ensures:|#\s*ensures:`)},
	{"verify-attr", regexp.MustCompile(`#\[(?:verify|kani::proof|requires|ensures)`)},
}

// analyzeProofAnnotations collects assertions and contract-style
// annotations embedded in source.
func (r *Registry) analyzeProofAnnotations(ctx context.Context, req Request) (*Report, error) {
	files, err := r.loader.CollectSources(req)
	if err != nil {
		return nil, err
	}
	rep := newReport(ProofAnnotations, req)

	byRule := map[string]int{}
	for _, sf := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i, line := range sf.Lines {
			for _, p := range proofAnnotationPatterns {
				if p.re.MatchString(line) {
					byRule[p.rule]++
					rep.Findings = append(rep.Findings, Finding{
						Path:     sf.Path,
						Line:     i + 1,
						Rule:     "proof-" + p.rule,
						Message:  strings.TrimSpace(line),
						Severity: "info",
					})
					break
				}
			}
		}
	}

	rep.Totals["files"] = float64(len(files))
	rep.Totals["annotations"] = float64(len(rep.Findings))
	for rule, n := range byRule {
		rep.Totals[rule] = float64(n)
	}
	sortFindings(rep.Findings)
	return rep, nil
}

// analyzeTdg computes a technical debt gradient per file: a weighted
// blend of complexity, debt markers, duplication and size, on a 0..3
// scale where anything above 2.5 is critical.
func (r *Registry) analyzeTdg(ctx context.Context, req Request) (*Report, error) {
	cxRep, err := r.analyzeComplexity(ctx, withKind(req, Complexity))
	if err != nil {
		return nil, err
	}
	satdRep, err := r.analyzeSatd(ctx, withKind(req, Satd))
	if err != nil {
		return nil, err
	}
	dupRep, err := r.analyzeDuplicates(ctx, withKind(req, Duplicates))
	if err != nil {
		return nil, err
	}

	satdByPath := map[string]float64{}
	for _, f := range satdRep.Findings {
		satdByPath[f.Path]++
	}
	dupByPath := map[string]float64{}
	for _, f := range dupRep.Findings {
		dupByPath[f.Path]++
	}

	rep := newReport(Tdg, req)
	critical, warnings := 0, 0
	var sum float64

	for _, f := range cxRep.Files {
		cc := f.Metrics["max_cyclomatic"]
		tdg := 0.0
		tdg += clampf(cc/20, 0, 1)                       // complexity
		tdg += clampf(satdByPath[f.Path]/5, 0, 1) * 0.8 // admitted debt
		tdg += clampf(dupByPath[f.Path]/5, 0, 1) * 0.7  // duplication
		tdg += clampf(float64(f.Lines)/1000, 0, 1) * 0.5 // size
		sum += tdg

		rep.Files = append(rep.Files, FileReport{
			Path:     f.Path,
			Language: f.Language,
			Lines:    f.Lines,
			Metrics:  map[string]float64{"tdg": tdg},
		})
		switch {
		case tdg >= 2.5:
			critical++
			rep.Findings = append(rep.Findings, Finding{
				Path: f.Path, Rule: "tdg-critical",
				Message:  fmt.Sprintf("technical debt gradient %.2f", tdg),
				Severity: "error",
			})
		case tdg >= 1.5:
			warnings++
			rep.Findings = append(rep.Findings, Finding{
				Path: f.Path, Rule: "tdg-elevated",
				Message:  fmt.Sprintf("technical debt gradient %.2f", tdg),
				Severity: "warning",
			})
		}
	}

	rep.Totals["files"] = float64(len(rep.Files))
	rep.Totals["critical"] = float64(critical)
	rep.Totals["elevated"] = float64(warnings)
	if len(rep.Files) > 0 {
		rep.Totals["mean_tdg"] = sum / float64(len(rep.Files))
	}
	sortFiles(rep.Files)
	sortFindings(rep.Findings)
	return rep, nil
}

func clampf(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// analyzeIncrementalCoverage intersects a coverage profile with the files
// changed against a base ref, flagging changed files with weak coverage.
func (r *Registry) analyzeIncrementalCoverage(ctx context.Context, req Request) (*Report, error) {
	root := req.Root
	if root == "" {
		root = "."
	}
	base := req.Options["base"]
	if base == "" {
		base = "main"
	}

	cmd := exec.CommandContext(ctx, "git", "diff", "--numstat", base+"...HEAD")
	cmd.Dir = root
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, dtkerrors.Wrap(dtkerrors.Timeout, "git diff cancelled", ctx.Err())
		}
		return nil, dtkerrors.NewIo(fmt.Sprintf("git diff against %s failed", base), err, false)
	}

	changed := map[string]float64{}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 3 || DetectLanguage(fields[2]) == "" {
			continue
		}
		added, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			continue // binary file
		}
		changed[fields[2]] = added
	}

	coverage := loadCoverageProfile(root, req.Options["coverage-file"])

	rep := newReport(IncrementalCoverage, req)
	minCov := 80.0
	if v, ok := req.Options["min-coverage"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			minCov = f
		}
	}

	covered, uncovered := 0, 0
	for path, added := range changed {
		metrics := map[string]float64{"lines_added": added}
		if pct, ok := coverage[path]; ok {
			metrics["coverage_pct"] = pct
			if pct < minCov {
				uncovered++
				rep.Findings = append(rep.Findings, Finding{
					Path:     path,
					Rule:     "low-incremental-coverage",
					Message:  fmt.Sprintf("changed file covered %.1f%% (minimum %.0f%%)", pct, minCov),
					Severity: "warning",
				})
			} else {
				covered++
			}
		}
		rep.Files = append(rep.Files, FileReport{Path: path, Metrics: metrics})
	}

	rep.Totals["changed_files"] = float64(len(changed))
	rep.Totals["covered"] = float64(covered)
	rep.Totals["below_minimum"] = float64(uncovered)
	rep.Totals["profiled"] = float64(len(coverage))
	sortFiles(rep.Files)
	sortFindings(rep.Findings)
	return rep, nil
}

// loadCoverageProfile reads a Go cover profile and aggregates per-file
// statement coverage percentages. File paths are reduced to be relative
// where possible so they line up with git diff output.
func loadCoverageProfile(root, path string) map[string]float64 {
	if path == "" {
		for _, candidate := range []string{"coverage.out", "cover.out"} {
			p := filepath.Join(root, candidate)
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	type counts struct{ total, covered int }
	perFile := map[string]*counts{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "mode:") {
			continue
		}
		// file.go:l1.c1,l2.c2 numStmt count
		colon := strings.LastIndex(line, ".go:")
		if colon < 0 {
			continue
		}
		file := line[:colon+3]
		fields := strings.Fields(line[colon+4:])
		if len(fields) != 3 {
			continue
		}
		numStmt, err1 := strconv.Atoi(fields[1])
		count, err2 := strconv.Atoi(fields[2])
		if err1 != nil || err2 != nil {
			continue
		}
		// strip the module path prefix down to a repo-relative path
		if idx := strings.Index(file, "/"); idx >= 0 {
			file = file[idx+1:]
		}
		c := perFile[file]
		if c == nil {
			c = &counts{}
			perFile[file] = c
		}
		c.total += numStmt
		if count > 0 {
			c.covered += numStmt
		}
	}

	result := map[string]float64{}
	for file, c := range perFile {
		if c.total > 0 {
			result[file] = 100 * float64(c.covered) / float64(c.total)
		}
	}
	return result
}

// analyzeQualityGate aggregates complexity, debt and dead-code
// violations into a single pass/fail verdict.
func (r *Registry) analyzeQualityGate(ctx context.Context, req Request) (*Report, error) {
	cxRep, err := r.analyzeComplexity(ctx, withKind(req, Complexity))
	if err != nil {
		return nil, err
	}
	satdRep, err := r.analyzeSatd(ctx, withKind(req, Satd))
	if err != nil {
		return nil, err
	}
	deadRep, err := r.analyzeDeadCode(ctx, withKind(req, DeadCode))
	if err != nil {
		return nil, err
	}

	rep := newReport(QualityGate, req)
	rep.Findings = append(rep.Findings, cxRep.Findings...)
	rep.Findings = append(rep.Findings, deadRep.Findings...)
	for _, f := range satdRep.Findings {
		if f.Severity == "high" {
			rep.Findings = append(rep.Findings, f)
		}
	}

	maxViolations := optInt(req, "max-violations", 1) - 1 // default 0 allowed

	rep.Totals["complexity_violations"] = cxRep.Totals["violations"]
	rep.Totals["high_severity_debt"] = float64(countSev(satdRep.Findings, "high"))
	rep.Totals["dead_functions"] = deadRep.Totals["dead"]
	rep.Totals["violations"] = float64(len(rep.Findings))

	passed := len(rep.Findings) <= maxViolations
	if passed {
		rep.Totals["passed"] = 1
	} else {
		rep.Totals["passed"] = 0
	}
	sortFindings(rep.Findings)
	return rep, nil
}

func countSev(findings []Finding, sev string) int {
	n := 0
	for _, f := range findings {
		if f.Severity == sev {
			n++
		}
	}
	return n
}
