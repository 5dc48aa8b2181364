package template

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	dtkerrors "dtk/internal/errors"
	"dtk/internal/slogutil"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := NewService(300, slogutil.NewDiscardLogger())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return s
}

func TestParseURI(t *testing.T) {
	parts, err := ParseURI("template://rust/makefile/base")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parts.Toolchain != "rust" || parts.Category != "makefile" || parts.Name != "base" {
		t.Fatalf("unexpected parts: %+v", parts)
	}

	for _, uri := range []string{
		"rust/makefile/base",
		"template://rust/makefile",
		"template://rust//base",
		"template://fortran/makefile/base",
		"template://rust/kustomize/base",
	} {
		t.Run(uri, func(t *testing.T) {
			_, err := ParseURI(uri)
			e := dtkerrors.AsError(err)
			if e == nil || e.RPCCode != CodeInvalidURI {
				t.Fatalf("expected code %d, got %v", CodeInvalidURI, err)
			}
		})
	}
}

func TestListAndFilters(t *testing.T) {
	s := newTestService(t)

	all := s.List("", "")
	if len(all) != 12 {
		t.Fatalf("total templates = %d, want 12", len(all))
	}
	rust := s.List("rust", "")
	if len(rust) != 4 {
		t.Fatalf("rust templates = %d, want 4", len(rust))
	}
	makefiles := s.List("", "makefile")
	if len(makefiles) != 3 {
		t.Fatalf("makefile templates = %d, want 3", len(makefiles))
	}
	if got := s.List("rust", "makefile"); len(got) != 1 || got[0].URI != "template://rust/makefile/base" {
		t.Fatalf("rust makefile filter wrong: %+v", got)
	}
}

func TestSearch(t *testing.T) {
	s := newTestService(t)
	hits := s.Search("cargo")
	if len(hits) == 0 {
		t.Fatal("search for cargo found nothing")
	}
	for _, r := range hits {
		if r.Toolchain != "rust" {
			t.Fatalf("cargo matched non-rust template %s", r.URI)
		}
	}
	if got := s.Search("no-such-thing-anywhere"); len(got) != 0 {
		t.Fatalf("bogus query matched %d templates", len(got))
	}
}

func TestGetUnknownTemplate(t *testing.T) {
	s := newTestService(t)
	_, err := s.Get("template://rust/makefile/nonexistent")
	e := dtkerrors.AsError(err)
	if e == nil || e.Kind != dtkerrors.NotFound || e.RPCCode != CodeNotFound {
		t.Fatalf("expected NOT_FOUND with code %d, got %v", CodeNotFound, err)
	}
}

func TestGenerateCargoToml(t *testing.T) {
	s := newTestService(t)
	out, err := s.Generate("template://rust/cli-binary/base", map[string]string{
		"project_name": "foo",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(out, `name = "foo"`) {
		t.Fatalf("rendered Cargo.toml missing project name:\n%s", out)
	}
	if !strings.Contains(out, `version = "0.1.0"`) {
		t.Fatalf("semver default not applied:\n%s", out)
	}
	if !strings.Contains(out, `license = "MIT"`) {
		t.Fatalf("license default not applied:\n%s", out)
	}
}

func TestGenerateValidation(t *testing.T) {
	s := newTestService(t)

	t.Run("missing required", func(t *testing.T) {
		_, err := s.Generate("template://rust/cli-binary/base", nil)
		e := dtkerrors.AsError(err)
		if e == nil || e.Kind != dtkerrors.ValidationFailed || e.RPCCode != CodeValidation {
			t.Fatalf("expected validation code %d, got %v", CodeValidation, err)
		}
		if e.Field != "project_name" {
			t.Fatalf("field = %q, want project_name", e.Field)
		}
	})

	t.Run("pattern mismatch", func(t *testing.T) {
		_, err := s.Generate("template://rust/cli-binary/base", map[string]string{
			"project_name": "Has Spaces",
		})
		e := dtkerrors.AsError(err)
		if e == nil || e.RPCCode != CodeValidation {
			t.Fatalf("expected validation code %d, got %v", CodeValidation, err)
		}
	})

	t.Run("unknown parameter", func(t *testing.T) {
		_, err := s.Generate("template://rust/cli-binary/base", map[string]string{
			"project_name": "foo",
			"surprise":     "yes",
		})
		e := dtkerrors.AsError(err)
		if e == nil || e.RPCCode != CodeValidation {
			t.Fatalf("expected validation code %d, got %v", CodeValidation, err)
		}
	})
}

func TestGenerateUsesRenderCache(t *testing.T) {
	s := newTestService(t)
	params := map[string]string{"project_name": "foo"}

	if _, err := s.Generate("template://rust/makefile/base", params); err != nil {
		t.Fatalf("first generate: %v", err)
	}
	if _, err := s.Generate("template://rust/makefile/base", params); err != nil {
		t.Fatalf("second generate: %v", err)
	}
	if stats := s.CacheStats(); stats.Hits != 1 {
		t.Fatalf("render cache hits = %d, want 1", stats.Hits)
	}
}

func TestContentHashStable(t *testing.T) {
	a := newTestService(t)
	b := newTestService(t)
	for _, r := range a.List("", "") {
		other, err := b.Get(r.URI)
		if err != nil {
			t.Fatalf("get %s: %v", r.URI, err)
		}
		if r.ContentHash == "" || r.ContentHash != other.ContentHash {
			t.Fatalf("content hash unstable for %s", r.URI)
		}
	}
}

func TestScaffold(t *testing.T) {
	s := newTestService(t)
	out := t.TempDir()

	files, err := s.Scaffold(context.Background(), "rust", out, map[string]string{
		"project_name": "widget",
	}, 4)
	if err != nil {
		t.Fatalf("scaffold: %v", err)
	}
	if len(files) != 4 {
		t.Fatalf("scaffold produced %d files, want 4", len(files))
	}

	cargo, err := os.ReadFile(filepath.Join(out, "Cargo.toml"))
	if err != nil {
		t.Fatalf("read Cargo.toml: %v", err)
	}
	if !strings.Contains(string(cargo), `name = "widget"`) {
		t.Fatalf("Cargo.toml not rendered:\n%s", cargo)
	}
	for _, name := range []string{"Makefile", "README.md", ".gitignore"} {
		if _, err := os.Stat(filepath.Join(out, name)); err != nil {
			t.Errorf("scaffold missing %s: %v", name, err)
		}
	}
}

func TestScaffoldValidatesBeforeWriting(t *testing.T) {
	s := newTestService(t)
	out := filepath.Join(t.TempDir(), "scaffold")

	_, err := s.Scaffold(context.Background(), "rust", out, map[string]string{
		"project_name": "Bad Name",
	}, 2)
	if dtkerrors.KindOf(err) != dtkerrors.ValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED, got %v", err)
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Fatal("scaffold directory created despite validation failure")
	}
}

func TestScaffoldUnknownToolchain(t *testing.T) {
	s := newTestService(t)
	_, err := s.Scaffold(context.Background(), "cobol", t.TempDir(), nil, 1)
	if dtkerrors.KindOf(err) != dtkerrors.NotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}
