package analysis

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	dtkerrors "dtk/internal/errors"
)

var makefileNames = []string{"Makefile", "makefile", "GNUmakefile"}

var (
	makeTargetRe = regexp.MustCompile(`^([A-Za-z0-9_.\-/ %]+):(?:[^=]|$)`)
	makeAssignRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*[:?+!]?=`)
	makeVarRefRe = regexp.MustCompile(`\$\(([A-Za-z_][A-Za-z0-9_]*)\)`)
)

// builtin or environment-provided make variables that never need a local
// assignment.
var makeBuiltins = map[string]bool{
	"MAKE": true, "MAKEFLAGS": true, "CC": true, "CXX": true, "LD": true,
	"AR": true, "CFLAGS": true, "CXXFLAGS": true, "LDFLAGS": true,
	"PREFIX": true, "DESTDIR": true, "SHELL": true, "HOME": true,
	"PWD": true, "GOPATH": true, "GOBIN": true, "PATH": true,
}

var commonPhony = map[string]bool{
	"all": true, "clean": true, "test": true, "install": true,
	"build": true, "fmt": true, "lint": true, "check": true,
	"release": true, "run": true, "help": true,
}

// analyzeMakefile lints Makefiles: recipe indentation, undefined
// variables, duplicate targets and missing .PHONY declarations.
func (r *Registry) analyzeMakefile(ctx context.Context, req Request) (*Report, error) {
	paths := req.Paths
	if len(paths) == 0 {
		root := req.Root
		if root == "" {
			root = "."
		}
		for _, name := range makefileNames {
			p := filepath.Join(root, name)
			if _, err := os.Stat(p); err == nil {
				paths = append(paths, p)
			}
		}
	}
	if len(paths) == 0 {
		return nil, dtkerrors.New(dtkerrors.NotFound, "no Makefile found")
	}

	rep := newReport(Makefile, req)
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, dtkerrors.NewIo("failed to read Makefile", err, false)
		}
		lines := strings.Split(string(data), "\n")
		rep.Findings = append(rep.Findings, lintMakefile(path, lines)...)
		rep.Files = append(rep.Files, FileReport{
			Path:  path,
			Lines: len(lines),
		})
	}

	rep.Totals["files"] = float64(len(paths))
	rep.Totals["issues"] = float64(len(rep.Findings))
	sortFiles(rep.Files)
	sortFindings(rep.Findings)
	return rep, nil
}

func lintMakefile(path string, lines []string) []Finding {
	var findings []Finding
	add := func(line int, rule, msg, sev string) {
		findings = append(findings, Finding{
			Path: path, Line: line, Rule: rule, Message: msg, Severity: sev,
		})
	}

	assigned := map[string]bool{}
	phony := map[string]bool{}
	targets := map[string]int{}
	inRecipe := false

	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		if m := makeAssignRe.FindStringSubmatch(line); m != nil && !strings.HasPrefix(line, "\t") {
			assigned[m[1]] = true
			inRecipe = false
			continue
		}
		if strings.HasPrefix(line, ".PHONY:") {
			for _, t := range strings.Fields(strings.TrimPrefix(line, ".PHONY:")) {
				phony[t] = true
			}
			continue
		}
		if m := makeTargetRe.FindStringSubmatch(line); m != nil && !strings.HasPrefix(line, "\t") && !strings.HasPrefix(line, " ") {
			for _, t := range strings.Fields(m[1]) {
				if strings.HasPrefix(t, ".") || strings.Contains(t, "%") {
					continue
				}
				if prev, dup := targets[t]; dup {
					add(i+1, "duplicate-target",
						fmt.Sprintf("target %q already defined at line %d", t, prev), "warning")
				} else {
					targets[t] = i + 1
				}
			}
			inRecipe = true
			continue
		}
		if inRecipe && strings.HasPrefix(line, "    ") && strings.TrimSpace(line) != "" {
			add(i+1, "space-indented-recipe",
				"recipe line indented with spaces instead of a tab", "error")
		}
		if strings.TrimSpace(line) == "" {
			inRecipe = false
		}
	}

	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		for _, m := range makeVarRefRe.FindAllStringSubmatch(line, -1) {
			name := m[1]
			if !assigned[name] && !makeBuiltins[name] {
				add(i+1, "undefined-variable",
					fmt.Sprintf("variable %q is never assigned", name), "warning")
			}
		}
	}

	for t, line := range targets {
		if commonPhony[t] && !phony[t] {
			add(line, "missing-phony",
				fmt.Sprintf("target %q should be declared .PHONY", t), "info")
		}
	}

	return findings
}
