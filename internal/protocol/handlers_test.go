package protocol

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"dtk/internal/analysis"
	"dtk/internal/demo"
	dtkerrors "dtk/internal/errors"
	"dtk/internal/scheduler"
	"dtk/internal/session"
	"dtk/internal/slogutil"
	"dtk/internal/snapshot"
	"dtk/internal/template"
)

// fullService wires real subsystems behind the dispatch layer, the same
// graph the binary builds at startup.
func fullService(t *testing.T) *Service {
	t.Helper()
	logger := slogutil.NewDiscardLogger()

	registry := analysis.NewRegistry(analysis.RegistryConfig{}, logger)
	sched, err := scheduler.New(registry, scheduler.Options{Workers: 2}, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sched.Close() })

	templates, err := template.NewService(60, logger)
	if err != nil {
		t.Fatal(err)
	}

	store, err := snapshot.NewStore(t.TempDir(), logger)
	if err != nil {
		t.Fatal(err)
	}

	svc := NewService(logger)
	RegisterAll(svc, Deps{
		Templates: templates,
		Scheduler: sched,
		Sessions:  session.NewManager(store, logger),
		Demo:      demo.NewRunner(sched, logger),
	})
	return svc
}

func call(t *testing.T, svc *Service, method string, params any) UnifiedResponse {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		var err error
		raw, err = json.Marshal(params)
		if err != nil {
			t.Fatal(err)
		}
	}
	return svc.Dispatch(context.Background(), UnifiedRequest{
		Method: method, Params: raw, Source: SourceRPC,
	})
}

func TestListAndAliases(t *testing.T) {
	svc := fullService(t)
	for _, method := range []string{"list", "tools/list", "prompts/list"} {
		resp := call(t, svc, method, map[string]string{"toolchain": "rust"})
		if resp.Status != "ok" {
			t.Fatalf("%s: %+v", method, resp.Err)
		}
		body := resp.Body.(map[string]any)
		templates := body["templates"].([]*template.Resource)
		if len(templates) != 4 {
			t.Fatalf("%s: got %d templates", method, len(templates))
		}
	}
}

func TestGenerateMethod(t *testing.T) {
	svc := fullService(t)
	resp := call(t, svc, "generate", map[string]any{
		"uri":    "template://rust/cli-binary/base",
		"params": map[string]string{"project_name": "foo"},
	})
	if resp.Status != "ok" {
		t.Fatalf("resp = %+v", resp.Err)
	}
	content := resp.Body.(map[string]any)["content"].(string)
	if content == "" {
		t.Fatal("empty content")
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	svc := fullService(t)
	resp := call(t, svc, "search", map[string]string{})
	if resp.Status != "error" || resp.Err.Kind != dtkerrors.ValidationFailed {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Err.RPCCode != CodeInvalidParams {
		t.Fatalf("rpc code = %d", resp.Err.RPCCode)
	}
}

func TestAnalyzeMethodsRegisteredForEveryKind(t *testing.T) {
	svc := fullService(t)
	methods := map[string]bool{}
	for _, m := range svc.Methods() {
		methods[m] = true
	}
	for _, kind := range analysis.AllKinds() {
		if !methods["analyze."+string(kind)] {
			t.Errorf("analyze.%s not registered", kind)
		}
	}
	for _, m := range []string{"context", "demo", "refactor.start", "refactor.advance",
		"refactor.status", "refactor.stop", "refactor.resume", "scaffold", "validate"} {
		if !methods[m] {
			t.Errorf("%s not registered", m)
		}
	}
}

func TestAnalyzeComplexityEndToEnd(t *testing.T) {
	svc := fullService(t)
	dir := t.TempDir()
	src := "package p\n\nfunc f(a int) int {\n\tif a > 0 {\n\t\treturn a\n\t}\n\treturn -a\n}\n"
	if err := os.WriteFile(filepath.Join(dir, "f.go"), []byte(src), 0644); err != nil {
		t.Fatal(err)
	}

	resp := call(t, svc, "analyze.complexity", map[string]any{"root": dir})
	if resp.Status != "ok" {
		t.Fatalf("resp = %+v", resp.Err)
	}
	result := resp.Body.(*AnalysisResult)
	if result.Fingerprint == "" || result.Report == nil {
		t.Fatalf("result = %+v", result)
	}
	if result.CacheHit {
		t.Fatal("first call should not be a cache hit")
	}

	again := call(t, svc, "analyze.complexity", map[string]any{"root": dir})
	if !again.Body.(*AnalysisResult).CacheHit {
		t.Fatal("second call should hit the cache")
	}
}

func TestRefactorLifecycleOverDispatch(t *testing.T) {
	svc := fullService(t)
	dir := t.TempDir()
	target := filepath.Join(dir, "simple.go")
	if err := os.WriteFile(target, []byte("package p\n\nfunc ok() {}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	resp := call(t, svc, "refactor.start", map[string]any{"targets": []string{target}})
	if resp.Status != "ok" {
		t.Fatalf("start: %+v", resp.Err)
	}
	start := resp.Body.(session.Status)
	if start.SessionID == "" {
		t.Fatal("missing session id")
	}

	for i := 0; i < 20; i++ {
		resp = call(t, svc, "refactor.advance", nil)
		if resp.Status != "ok" {
			t.Fatalf("advance: %+v", resp.Err)
		}
		if resp.Body.(session.Status).Phase.Terminal() {
			break
		}
	}
	if !resp.Body.(session.Status).Phase.Terminal() {
		t.Fatalf("session did not terminate: %+v", resp.Body)
	}

	resp = call(t, svc, "refactor.status", nil)
	if resp.Status != "ok" {
		t.Fatalf("status: %+v", resp.Err)
	}
	body := resp.Body.(map[string]any)
	if body["cacheStats"] == nil {
		t.Fatal("status omits cache diagnostics")
	}

	resp = call(t, svc, "refactor.stop", nil)
	if resp.Status != "ok" {
		t.Fatalf("stop: %+v", resp.Err)
	}
	resp = call(t, svc, "refactor.status", nil)
	if resp.Status != "error" || resp.Err.Kind != dtkerrors.NotFound {
		t.Fatalf("status after stop: %+v", resp)
	}
}

func TestDemoMethod(t *testing.T) {
	svc := fullService(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.go"), []byte("package p\n\nfunc a() {}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	resp := call(t, svc, "demo", map[string]string{"path": dir})
	if resp.Status != "ok" {
		t.Fatalf("resp = %+v", resp.Err)
	}
	rep := resp.Body.(*demo.Report)
	if len(rep.Steps) == 0 {
		t.Fatal("no demo steps")
	}
}
