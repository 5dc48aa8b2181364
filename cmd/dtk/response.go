package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	dtkerrors "dtk/internal/errors"
)

// printResult writes a command result to stdout in the requested format.
// Table output falls back to YAML for shapes without a tabular rendering.
func printResult(v any, format string) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return dtkerrors.Wrap(dtkerrors.Serialization, "encoding result", err)
		}
		fmt.Println(string(data))
		return nil
	case "yaml":
		data, err := yaml.Marshal(v)
		if err != nil {
			return dtkerrors.Wrap(dtkerrors.Serialization, "encoding result", err)
		}
		fmt.Print(string(data))
		return nil
	case "table", "":
		return printTable(v)
	default:
		return dtkerrors.NewValidation("format", "must be table, json, or yaml")
	}
}

// printTable renders the result through its JSON shape: arrays of
// objects become rows, single objects become key/value pairs.
func printTable(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return dtkerrors.Wrap(dtkerrors.Serialization, "encoding result", err)
	}

	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err == nil {
		return writeRows(rows)
	}

	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err == nil {
		// A single-key wrapper around an array unwraps to rows.
		if len(obj) == 1 {
			for _, inner := range obj {
				nested, _ := json.Marshal(inner)
				if err := json.Unmarshal(nested, &rows); err == nil {
					return writeRows(rows)
				}
			}
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, k := range sortedKeys(obj) {
			fmt.Fprintf(w, "%s\t%s\n", k, cellString(obj[k]))
		}
		return w.Flush()
	}

	fmt.Println(string(data))
	return nil
}

func writeRows(rows []map[string]any) error {
	if len(rows) == 0 {
		fmt.Println("(no results)")
		return nil
	}
	cols := sortedKeys(rows[0])
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.ToUpper(strings.Join(cols, "\t")))
	for _, row := range rows {
		cells := make([]string, len(cols))
		for i, c := range cols {
			cells[i] = cellString(row[c])
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	return w.Flush()
}

func cellString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%.2f", val)
	case bool:
		return fmt.Sprintf("%t", val)
	default:
		data, _ := json.Marshal(val)
		return string(data)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// parseParams turns repeated -p key=value flags into a map.
func parseParams(pairs []string) (map[string]string, error) {
	params := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, dtkerrors.NewValidation("param", fmt.Sprintf("%q is not key=value", pair))
		}
		params[k] = v
	}
	return params, nil
}
