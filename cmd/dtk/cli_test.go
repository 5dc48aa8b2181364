package main

import (
	"testing"
)

func TestResolveURI(t *testing.T) {
	cases := []struct {
		name      string
		args      []string
		toolchain string
		want      string
	}{
		{"full uri", []string{"template://deno/readme/base"}, "rust", "template://deno/readme/base"},
		{"toolchain slash category", []string{"rust/cli-binary"}, "rust", "template://rust/cli-binary/base"},
		{"three part path", []string{"rust/cli-binary/base"}, "rust", "template://rust/cli-binary/base"},
		{"category and template", []string{"makefile", "base"}, "python-uv", "template://python-uv/makefile/base"},
		{"category only", []string{"gitignore"}, "deno", "template://deno/gitignore/base"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := resolveURI(c.args, c.toolchain); got != c.want {
				t.Errorf("resolveURI(%v, %q) = %q, want %q", c.args, c.toolchain, got, c.want)
			}
		})
	}
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"project_name=foo", "semver=1.2.3"})
	if err != nil {
		t.Fatal(err)
	}
	if params["project_name"] != "foo" || params["semver"] != "1.2.3" {
		t.Fatalf("params = %v", params)
	}

	for _, bad := range []string{"noequals", "=value"} {
		if _, err := parseParams([]string{bad}); err == nil {
			t.Errorf("parseParams(%q) should fail", bad)
		}
	}

	// Values may themselves contain equals signs.
	params, err = parseParams([]string{"expr=a=b"})
	if err != nil || params["expr"] != "a=b" {
		t.Fatalf("params = %v, err = %v", params, err)
	}
}

func TestCellString(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"s", "s"},
		{float64(3), "3"},
		{float64(3.14159), "3.14"},
		{true, "true"},
	}
	for _, c := range cases {
		if got := cellString(c.in); got != c.want {
			t.Errorf("cellString(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestKindNamesCoverAllAnalyses(t *testing.T) {
	names := kindNames()
	if len(names) != 18 {
		t.Fatalf("got %d kinds: %v", len(names), names)
	}
	seen := map[string]bool{}
	for _, n := range names {
		if seen[n] {
			t.Fatalf("duplicate kind %q", n)
		}
		seen[n] = true
	}
	for _, expect := range []string{"complexity", "quality-gate", "deep-context"} {
		if !seen[expect] {
			t.Errorf("missing kind %q", expect)
		}
	}
}
