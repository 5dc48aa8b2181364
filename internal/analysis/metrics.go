package analysis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

func optInt(req Request, name string, def int) int {
	if v, ok := req.Options[name]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func optBool(req Request, name string) bool {
	v, ok := req.Options[name]
	return ok && (v == "true" || v == "1" || v == "yes")
}

func newReport(kind Kind, req Request) *Report {
	return &Report{
		Kind:        kind,
		GeneratedAt: time.Now().UTC(),
		Root:        req.Root,
		Totals:      map[string]float64{},
	}
}

// analyzeComplexity computes cyclomatic and cognitive complexity per
// function and flags functions over the configured ceiling.
func (r *Registry) analyzeComplexity(ctx context.Context, req Request) (*Report, error) {
	files, err := r.loader.CollectSources(req)
	if err != nil {
		return nil, err
	}
	maxCC := optInt(req, "max-cyclomatic", 10)

	rep := newReport(Complexity, req)
	totalFuncs, worst := 0, 0

	for _, sf := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		spans := functionSpans(sf)
		fileMax, fileSum, fileCog := 0, 0, 0
		for _, span := range spans {
			cc := cyclomaticOf(sf.Lines, span)
			cog := cognitiveOf(sf.Lines, span)
			fileSum += cc
			fileCog += cog
			if cc > fileMax {
				fileMax = cc
			}
			if cc > worst {
				worst = cc
			}
			if cc > maxCC {
				rep.Findings = append(rep.Findings, Finding{
					Path:     sf.Path,
					Line:     span.StartLine,
					Rule:     "cyclomatic-complexity",
					Message:  fmt.Sprintf("%s has cyclomatic complexity %d (limit %d)", span.Name, cc, maxCC),
					Severity: "warning",
				})
			}
		}
		totalFuncs += len(spans)
		rep.Files = append(rep.Files, FileReport{
			Path:     sf.Path,
			Language: sf.Language,
			Lines:    len(sf.Lines),
			Metrics: map[string]float64{
				"functions":      float64(len(spans)),
				"max_cyclomatic": float64(fileMax),
				"sum_cyclomatic": float64(fileSum),
				"sum_cognitive":  float64(fileCog),
			},
		})
	}

	rep.Totals["files"] = float64(len(files))
	rep.Totals["functions"] = float64(totalFuncs)
	rep.Totals["max_cyclomatic"] = float64(worst)
	rep.Totals["violations"] = float64(len(rep.Findings))
	sortFiles(rep.Files)
	sortFindings(rep.Findings)
	return rep, nil
}

var satdMarkers = []struct {
	marker   string
	severity string
}{
	{"FIXME", "high"},
	{"HACK", "high"},
	{"KLUDGE", "high"},
	{"XXX", "medium"},
	{"TODO", "low"},
}

// analyzeSatd finds self-admitted technical debt markers in comments.
func (r *Registry) analyzeSatd(ctx context.Context, req Request) (*Report, error) {
	files, err := r.loader.CollectSources(req)
	if err != nil {
		return nil, err
	}
	rep := newReport(Satd, req)

	counts := map[string]int{}
	for _, sf := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i, line := range sf.Lines {
			comment := commentPart(line)
			if comment == "" {
				continue
			}
			for _, m := range satdMarkers {
				if idx := strings.Index(comment, m.marker); idx >= 0 {
					counts[m.severity]++
					rep.Findings = append(rep.Findings, Finding{
						Path:     sf.Path,
						Line:     i + 1,
						Rule:     "satd-" + strings.ToLower(m.marker),
						Message:  strings.TrimSpace(comment[idx:]),
						Severity: m.severity,
					})
					break
				}
			}
		}
	}

	rep.Totals["files"] = float64(len(files))
	rep.Totals["items"] = float64(len(rep.Findings))
	for sev, n := range counts {
		rep.Totals[sev] = float64(n)
	}
	sortFindings(rep.Findings)
	return rep, nil
}

// commentPart returns the comment portion of a line, or "" when the line
// carries no comment.
func commentPart(line string) string {
	if isCommentLine(line) {
		return strings.TrimSpace(line)
	}
	for _, m := range []string{"//", "#"} {
		if idx := strings.Index(line, m); idx >= 0 {
			return strings.TrimSpace(line[idx:])
		}
	}
	return ""
}

var deadCodeKeep = map[string]bool{
	"main": true, "init": true, "new": true, "__init__": true,
}

// analyzeDeadCode flags functions that are declared but never referenced
// anywhere else in the scanned set. Entry points, test functions and
// exported Go symbols are kept out unless include-exported is set.
func (r *Registry) analyzeDeadCode(ctx context.Context, req Request) (*Report, error) {
	files, err := r.loader.CollectSources(req)
	if err != nil {
		return nil, err
	}
	includeExported := optBool(req, "include-exported")
	rep := newReport(DeadCode, req)

	type decl struct {
		path string
		line int
	}
	declared := map[string]decl{}
	for _, sf := range files {
		for _, span := range functionSpans(sf) {
			if _, dup := declared[span.Name]; dup {
				// conservatively drop names declared more than once
				declared[span.Name] = decl{}
				continue
			}
			declared[span.Name] = decl{path: sf.Path, line: span.StartLine}
		}
	}

	refs := map[string]int{}
	for _, sf := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i, line := range sf.Lines {
			line = stripLineComment(line)
			for name, d := range declared {
				if d.path == sf.Path && d.line == i+1 {
					continue // the declaration itself
				}
				if strings.Contains(line, name) {
					refs[name]++
				}
			}
		}
	}

	names := make([]string, 0, len(declared))
	for name := range declared {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		d := declared[name]
		if d.path == "" || refs[name] > 0 || deadCodeKeep[strings.ToLower(name)] {
			continue
		}
		if strings.HasPrefix(name, "Test") || strings.HasPrefix(name, "Benchmark") ||
			strings.HasPrefix(name, "Fuzz") || strings.HasPrefix(name, "test_") {
			continue
		}
		if !includeExported && strings.HasSuffix(d.path, ".go") &&
			name[0] >= 'A' && name[0] <= 'Z' {
			continue // exported Go symbols may be used by other modules
		}
		rep.Findings = append(rep.Findings, Finding{
			Path:     d.path,
			Line:     d.line,
			Rule:     "dead-function",
			Message:  fmt.Sprintf("%s is never referenced", name),
			Severity: "warning",
		})
	}

	rep.Totals["files"] = float64(len(files))
	rep.Totals["functions"] = float64(len(declared))
	rep.Totals["dead"] = float64(len(rep.Findings))
	sortFindings(rep.Findings)
	return rep, nil
}

// analyzeDuplicates hashes normalized sliding windows of lines and
// reports windows occurring more than once.
func (r *Registry) analyzeDuplicates(ctx context.Context, req Request) (*Report, error) {
	files, err := r.loader.CollectSources(req)
	if err != nil {
		return nil, err
	}
	window := optInt(req, "min-lines", 8)
	rep := newReport(Duplicates, req)

	type loc struct {
		path string
		line int
	}
	windows := map[string][]loc{}

	for _, sf := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		norm := make([]string, 0, len(sf.Lines))
		normLine := make([]int, 0, len(sf.Lines))
		for i, line := range sf.Lines {
			t := strings.Join(strings.Fields(stripLineComment(line)), " ")
			if t == "" || t == "}" || t == "{" {
				continue
			}
			norm = append(norm, t)
			normLine = append(normLine, i+1)
		}
		for i := 0; i+window <= len(norm); i++ {
			key := HashBytes([]byte(strings.Join(norm[i:i+window], "\n")))
			windows[key] = append(windows[key], loc{path: sf.Path, line: normLine[i]})
		}
	}

	keys := make([]string, 0, len(windows))
	for k, locs := range windows {
		if len(locs) > 1 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	groups := 0
	reported := map[string]bool{}
	for _, k := range keys {
		locs := windows[k]
		first := fmt.Sprintf("%s:%d", locs[0].path, locs[0].line)
		if reported[first] {
			continue // overlapping window of an already reported group
		}
		reported[first] = true
		groups++
		for _, l := range locs[1:] {
			rep.Findings = append(rep.Findings, Finding{
				Path:     l.path,
				Line:     l.line,
				Rule:     "duplicate-block",
				Message:  fmt.Sprintf("%d lines duplicated from %s", window, first),
				Severity: "info",
			})
		}
	}

	rep.Totals["files"] = float64(len(files))
	rep.Totals["duplicate_groups"] = float64(groups)
	sortFindings(rep.Findings)
	return rep, nil
}

// analyzeNameSimilarity either ranks declared names against a query or,
// without one, flags confusingly similar declaration pairs.
func (r *Registry) analyzeNameSimilarity(ctx context.Context, req Request) (*Report, error) {
	files, err := r.loader.CollectSources(req)
	if err != nil {
		return nil, err
	}
	rep := newReport(NameSimilarity, req)

	type namedSym struct {
		Symbol
		path string
	}
	var syms []namedSym
	for _, sf := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, s := range symbolsIn(sf) {
			syms = append(syms, namedSym{Symbol: s, path: sf.Path})
		}
	}

	if query := req.Options["query"]; query != "" {
		type ranked struct {
			namedSym
			score float64
		}
		var hits []ranked
		for _, s := range syms {
			score := nameSimilarity(query, s.Name)
			if score > 0.3 {
				hits = append(hits, ranked{namedSym: s, score: score})
			}
		}
		sort.Slice(hits, func(i, j int) bool {
			if hits[i].score != hits[j].score {
				return hits[i].score > hits[j].score
			}
			return hits[i].Name < hits[j].Name
		})
		if len(hits) > 10 {
			hits = hits[:10]
		}
		for _, h := range hits {
			rep.Findings = append(rep.Findings, Finding{
				Path:     h.path,
				Line:     h.Line,
				Rule:     "name-match",
				Message:  fmt.Sprintf("%s %s (similarity %.2f)", h.Kind, h.Name, h.score),
				Severity: "info",
			})
		}
		rep.Totals["symbols"] = float64(len(syms))
		rep.Totals["matches"] = float64(len(rep.Findings))
		return rep, nil
	}

	for i := 0; i < len(syms); i++ {
		for j := i + 1; j < len(syms); j++ {
			a, b := syms[i], syms[j]
			if a.Name == b.Name || len(a.Name) < 5 || len(b.Name) < 5 {
				continue
			}
			if nameSimilarity(a.Name, b.Name) >= 0.85 {
				rep.Findings = append(rep.Findings, Finding{
					Path:     b.path,
					Line:     b.Line,
					Rule:     "confusable-name",
					Message:  fmt.Sprintf("%s is confusingly similar to %s (%s:%d)", b.Name, a.Name, a.path, a.Line),
					Severity: "info",
				})
			}
		}
	}

	rep.Totals["symbols"] = float64(len(syms))
	rep.Totals["confusable_pairs"] = float64(len(rep.Findings))
	sortFindings(rep.Findings)
	return rep, nil
}

// nameSimilarity scores two identifiers in [0,1] using normalized edit
// distance over lowercased names.
func nameSimilarity(a, b string) float64 {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 0
	}
	d := editDistance(a, b)
	score := 1 - float64(d)/float64(longest)
	if strings.Contains(a, b) || strings.Contains(b, a) {
		score += 0.2
	}
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

func editDistance(a, b string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min3(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// analyzeSymbolTable lists function and type declarations per file.
func (r *Registry) analyzeSymbolTable(ctx context.Context, req Request) (*Report, error) {
	files, err := r.loader.CollectSources(req)
	if err != nil {
		return nil, err
	}
	rep := newReport(SymbolTable, req)

	funcs, types := 0, 0
	for _, sf := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		syms := symbolsIn(sf)
		f, t := 0, 0
		for _, s := range syms {
			switch s.Kind {
			case "function":
				f++
			case "type":
				t++
			}
			rep.Findings = append(rep.Findings, Finding{
				Path:     sf.Path,
				Line:     s.Line,
				Rule:     "symbol-" + s.Kind,
				Message:  s.Name,
				Severity: "info",
			})
		}
		funcs += f
		types += t
		rep.Files = append(rep.Files, FileReport{
			Path:     sf.Path,
			Language: sf.Language,
			Lines:    len(sf.Lines),
			Metrics: map[string]float64{
				"functions": float64(f),
				"types":     float64(t),
			},
		})
	}

	rep.Totals["files"] = float64(len(files))
	rep.Totals["functions"] = float64(funcs)
	rep.Totals["types"] = float64(types)
	sortFiles(rep.Files)
	sortFindings(rep.Findings)
	return rep, nil
}
