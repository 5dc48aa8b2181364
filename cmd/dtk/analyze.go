package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"dtk/internal/analysis"
	dtkerrors "dtk/internal/errors"
	"dtk/internal/scheduler"
)

var (
	analyzeOptions []string
	analyzeFormat  string

	contextPath      string
	contextFormat    string
	contextLargeFile bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <kind> [path]",
	Short: "Run one analysis over a directory",
	Long: `Run one analysis over a directory (default: the current one).

Kinds: ` + strings.Join(kindNames(), ", ") + `

Kind-specific knobs are passed as repeated -O key=value options, for
example -O max-cyclomatic=15 for complexity or -O days=90 for churn.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := analysis.ParseKind(args[0])
		if err != nil {
			return err
		}
		root := "."
		if len(args) == 2 {
			root = args[1]
		}
		opts, err := parseParams(analyzeOptions)
		if err != nil {
			return err
		}
		res, err := runAnalysis(cmd.Context(), kind, root, opts)
		if err != nil {
			return err
		}
		return printResult(res, analyzeFormat)
	},
}

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Generate a repository context document",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := map[string]string{}
		if contextLargeFile {
			opts["include-large-files"] = "true"
		}
		res, err := runAnalysis(cmd.Context(), analysis.DeepContext, contextPath, opts)
		if err != nil {
			return err
		}
		switch contextFormat {
		case "markdown", "":
			fmt.Print(contextMarkdown(res.Report))
			return nil
		case "json":
			return printResult(res, "json")
		default:
			return dtkerrors.NewValidation("format", "must be markdown or json")
		}
	},
}

func runAnalysis(ctx context.Context, kind analysis.Kind, root string, opts map[string]string) (*scheduler.Result, error) {
	a, err := getApp()
	if err != nil {
		return nil, err
	}
	return a.sched.Analyze(ctx, analysis.Request{Kind: kind, Root: root, Options: opts})
}

// contextMarkdown renders a deep-context report as a markdown document.
func contextMarkdown(rep *analysis.Report) string {
	var b strings.Builder
	b.WriteString("# Repository Context\n\n")

	if len(rep.Totals) > 0 {
		b.WriteString("## Totals\n\n")
		keys := make([]string, 0, len(rep.Totals))
		for k := range rep.Totals {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %g\n", k, rep.Totals[k])
		}
		b.WriteString("\n")
	}

	if len(rep.Files) > 0 {
		b.WriteString("## Files\n\n")
		for _, f := range rep.Files {
			fmt.Fprintf(&b, "### %s\n\n", f.Path)
			fmt.Fprintf(&b, "- language: %s\n- lines: %d\n", f.Language, f.Lines)
			mkeys := make([]string, 0, len(f.Metrics))
			for k := range f.Metrics {
				mkeys = append(mkeys, k)
			}
			sort.Strings(mkeys)
			for _, k := range mkeys {
				fmt.Fprintf(&b, "- %s: %g\n", k, f.Metrics[k])
			}
			b.WriteString("\n")
		}
	}

	if len(rep.Findings) > 0 {
		b.WriteString("## Findings\n\n")
		for _, f := range rep.Findings {
			fmt.Fprintf(&b, "- `%s:%d` [%s] %s\n", f.Path, f.Line, f.Rule, f.Message)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func kindNames() []string {
	kinds := analysis.AllKinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return names
}

func init() {
	analyzeCmd.Flags().StringArrayVarP(&analyzeOptions, "option", "O", nil, "Analysis option key=value (repeatable)")
	analyzeCmd.Flags().StringVar(&analyzeFormat, "format", "table", "Output format (table, json, yaml)")

	contextCmd.Flags().StringVarP(&contextPath, "path", "p", ".", "Repository root")
	contextCmd.Flags().StringVar(&contextFormat, "format", "markdown", "Output format (markdown, json)")
	contextCmd.Flags().BoolVar(&contextLargeFile, "include-large-files", false, "Include files normally skipped for size")

	rootCmd.AddCommand(analyzeCmd, contextCmd)
}
