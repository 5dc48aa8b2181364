package analysis

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"dtk/internal/cache"
	dtkerrors "dtk/internal/errors"
)

// analyzeChurn measures per-file commit frequency over a trailing window
// of git history. Results are cached keyed by HEAD so a moved HEAD (or a
// branch switch with branch awareness on) recomputes.
func (r *Registry) analyzeChurn(ctx context.Context, req Request) (*Report, error) {
	days := optInt(req, "days", 30)
	root := req.Root
	if root == "" {
		root = "."
	}
	key := cache.ChurnKey{Repo: root, PeriodDays: days}

	if rep, ok := r.churnCache.Get(key); ok {
		return rep, nil
	}

	rep, err := r.computeChurn(ctx, req, root, days)
	if err != nil {
		return nil, err
	}
	_ = r.churnCache.Put(key, rep)
	return rep, nil
}

func (r *Registry) computeChurn(ctx context.Context, req Request, root string, days int) (*Report, error) {
	cmd := exec.CommandContext(ctx, "git", "log",
		fmt.Sprintf("--since=%d.days", days),
		"--name-only", "--no-merges",
		"--pretty=format:commit\x00%H\x00%an")
	cmd.Dir = root

	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, dtkerrors.Wrap(dtkerrors.Timeout, "git log cancelled", ctx.Err())
		}
		return nil, dtkerrors.NewIo("git log failed (not a git repository?)", err, false)
	}

	type fileChurn struct {
		commits int
		authors map[string]bool
	}
	perFile := map[string]*fileChurn{}
	commits := 0
	authors := map[string]bool{}
	author := ""

	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "commit\x00") {
			parts := strings.SplitN(line, "\x00", 3)
			if len(parts) == 3 {
				author = parts[2]
				authors[author] = true
				commits++
			}
			continue
		}
		if line == "" || DetectLanguage(line) == "" {
			continue
		}
		fc := perFile[line]
		if fc == nil {
			fc = &fileChurn{authors: map[string]bool{}}
			perFile[line] = fc
		}
		fc.commits++
		fc.authors[author] = true
	}

	rep := newReport(Churn, req)
	hot := 0
	for path, fc := range perFile {
		rep.Files = append(rep.Files, FileReport{
			Path: path,
			Metrics: map[string]float64{
				"commits": float64(fc.commits),
				"authors": float64(len(fc.authors)),
			},
		})
		if fc.commits >= optInt(req, "hot-threshold", 5) {
			hot++
			rep.Findings = append(rep.Findings, Finding{
				Path:     path,
				Rule:     "high-churn",
				Message:  fmt.Sprintf("%d commits by %d authors in %d days", fc.commits, len(fc.authors), days),
				Severity: "info",
			})
		}
	}

	rep.Totals["commits"] = float64(commits)
	rep.Totals["authors"] = float64(len(authors))
	rep.Totals["files_changed"] = float64(len(perFile))
	rep.Totals["hot_files"] = float64(hot)
	rep.Totals["period_days"] = float64(days)
	sortFiles(rep.Files)
	sortFindings(rep.Findings)
	return rep, nil
}
