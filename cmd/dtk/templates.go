package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	dtkerrors "dtk/internal/errors"
	"dtk/internal/template"
)

var (
	listToolchain string
	listCategory  string
	listFormat    string

	searchLimit  int
	searchFormat string

	generateToolchain  string
	generateParams     []string
	generateOutput     string
	generateCreateDirs bool

	scaffoldTemplates string
	scaffoldParams    []string
	scaffoldOutput    string
	scaffoldParallel  int

	validateParams []string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List embedded project templates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp()
		if err != nil {
			return err
		}
		return printResult(a.templates.List(listToolchain, listCategory), listFormat)
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search templates by name, URI, or description",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp()
		if err != nil {
			return err
		}
		matches := a.templates.Search(args[0])
		if searchLimit > 0 && len(matches) > searchLimit {
			matches = matches[:searchLimit]
		}
		return printResult(matches, searchFormat)
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate <category> [template]",
	Short: "Render one template",
	Long: `Render one embedded template with the given parameters.

The template may be named three ways:
  dtk generate makefile base --toolchain rust
  dtk generate rust/cli-binary
  dtk generate template://rust/cli-binary/base

Examples:
  dtk generate rust/cli-binary -p project_name=foo -o /tmp/foo/Cargo.toml --create-dirs`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := parseParams(generateParams)
		if err != nil {
			return err
		}
		a, err := getApp()
		if err != nil {
			return err
		}
		content, err := a.templates.Generate(resolveURI(args, generateToolchain), params)
		if err != nil {
			return err
		}
		if generateOutput == "" {
			fmt.Print(content)
			return nil
		}
		if generateCreateDirs {
			if err := os.MkdirAll(filepath.Dir(generateOutput), 0755); err != nil {
				return dtkerrors.NewIo("creating output directory", err, true)
			}
		}
		if err := os.WriteFile(generateOutput, []byte(content), 0644); err != nil {
			return dtkerrors.NewIo("writing output file", err, true)
		}
		return nil
	},
}

var scaffoldCmd = &cobra.Command{
	Use:   "scaffold <toolchain>",
	Short: "Render a toolchain's whole template set into a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := parseParams(scaffoldParams)
		if err != nil {
			return err
		}
		a, err := getApp()
		if err != nil {
			return err
		}
		if scaffoldTemplates == "" {
			files, err := a.templates.Scaffold(cmd.Context(), args[0], scaffoldOutput, params, scaffoldParallel)
			if err != nil {
				return err
			}
			return printResult(files, "table")
		}
		return scaffoldSelected(a.templates, args[0], strings.Split(scaffoldTemplates, ","), params)
	},
}

// scaffoldSelected renders just the named templates of a toolchain,
// one at a time, into the output directory.
func scaffoldSelected(svc *template.Service, toolchain string, names []string, params map[string]string) error {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[strings.TrimSpace(n)] = true
	}
	var written []template.ScaffoldFile
	for _, res := range svc.List(toolchain, "") {
		if !wanted[res.Category] && !wanted[res.Name] {
			continue
		}
		content, err := svc.Generate(res.URI, params)
		if err != nil {
			return err
		}
		path := filepath.Join(scaffoldOutput, res.TargetPath)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return dtkerrors.NewIo("creating output directory", err, true)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return dtkerrors.NewIo("writing scaffold file", err, true)
		}
		written = append(written, template.ScaffoldFile{URI: res.URI, Path: path, Size: len(content)})
	}
	if len(written) == 0 {
		return dtkerrors.Newf(dtkerrors.NotFound, "no templates in %s match %s", toolchain, strings.Join(names, ","))
	}
	return printResult(written, "table")
}

var validateCmd = &cobra.Command{
	Use:   "validate <uri>",
	Short: "Check parameters against a template without rendering it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := parseParams(validateParams)
		if err != nil {
			return err
		}
		a, err := getApp()
		if err != nil {
			return err
		}
		resolved, err := a.templates.Validate(args[0], params)
		if err != nil {
			return err
		}
		return printResult(map[string]any{"uri": args[0], "valid": true, "params": resolved}, "table")
	},
}

// resolveURI accepts a full template:// URI, a toolchain/category[/name]
// path, or a category+template argument pair.
func resolveURI(args []string, toolchain string) string {
	if strings.Contains(args[0], "://") {
		return args[0]
	}
	if len(args) == 1 && strings.Contains(args[0], "/") {
		if strings.Count(args[0], "/") == 1 {
			return "template://" + args[0] + "/base"
		}
		return "template://" + args[0]
	}
	name := "base"
	if len(args) == 2 {
		name = args[1]
	}
	return fmt.Sprintf("template://%s/%s/%s", toolchain, args[0], name)
}

func init() {
	listCmd.Flags().StringVar(&listToolchain, "toolchain", "", "Filter by toolchain (rust, deno, python-uv)")
	listCmd.Flags().StringVar(&listCategory, "category", "", "Filter by category (makefile, readme, gitignore, cli-binary)")
	listCmd.Flags().StringVar(&listFormat, "format", "table", "Output format (table, json, yaml)")

	searchCmd.Flags().IntVar(&searchLimit, "limit", 20, "Maximum number of results")
	searchCmd.Flags().StringVar(&searchFormat, "format", "table", "Output format (table, json, yaml)")

	generateCmd.Flags().StringVar(&generateToolchain, "toolchain", "rust", "Toolchain when not part of the template name")
	generateCmd.Flags().StringArrayVarP(&generateParams, "param", "p", nil, "Template parameter key=value (repeatable)")
	generateCmd.Flags().StringVarP(&generateOutput, "output", "o", "", "Write to file instead of stdout")
	generateCmd.Flags().BoolVar(&generateCreateDirs, "create-dirs", false, "Create parent directories of the output file")

	scaffoldCmd.Flags().StringVar(&scaffoldTemplates, "templates", "", "Comma-separated template subset (category or name)")
	scaffoldCmd.Flags().StringArrayVarP(&scaffoldParams, "param", "p", nil, "Template parameter key=value (repeatable)")
	scaffoldCmd.Flags().StringVarP(&scaffoldOutput, "output", "o", ".", "Output directory")
	scaffoldCmd.Flags().IntVar(&scaffoldParallel, "parallel", 0, "Concurrent renders (0 = default)")

	validateCmd.Flags().StringArrayVarP(&validateParams, "param", "p", nil, "Template parameter key=value (repeatable)")

	rootCmd.AddCommand(listCmd, searchCmd, generateCmd, scaffoldCmd, validateCmd)
}
