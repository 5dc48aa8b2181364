package demo

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"dtk/internal/analysis"
	"dtk/internal/scheduler"
	"dtk/internal/slogutil"
)

func testRunner(t *testing.T) *Runner {
	t.Helper()
	logger := slogutil.NewDiscardLogger()
	registry := analysis.NewRegistry(analysis.RegistryConfig{}, logger)
	sched, err := scheduler.New(registry, scheduler.Options{Workers: 2}, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sched.Close() })
	return NewRunner(sched, logger)
}

func TestRunCoversSuite(t *testing.T) {
	dir := t.TempDir()
	src := "package p\n\nfunc a() {}\n\nfunc b() {\n\tif true {\n\t\ta()\n\t}\n}\n"
	if err := os.WriteFile(filepath.Join(dir, "a.go"), []byte(src), 0644); err != nil {
		t.Fatal(err)
	}

	rep, err := testRunner(t).Run(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Path != dir || len(rep.Steps) != len(suite) {
		t.Fatalf("report = %+v", rep)
	}
	for _, step := range rep.Steps {
		if step.Kind == string(analysis.Complexity) && step.Error != "" {
			t.Fatalf("complexity step failed: %s", step.Error)
		}
	}
	if rep.CacheStats == nil {
		t.Fatal("missing cache stats")
	}
}

func TestRunRecordsCacheHitsOnRepeat(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.go"), []byte("package p\n\nfunc a() {}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	r := testRunner(t)
	if _, err := r.Run(context.Background(), dir); err != nil {
		t.Fatal(err)
	}
	rep, err := r.Run(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if rep.CacheHits == 0 {
		t.Fatal("second tour should hit the analysis cache")
	}
}

func TestRunMissingPath(t *testing.T) {
	if _, err := testRunner(t).Run(context.Background(), filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing path")
	}
}
