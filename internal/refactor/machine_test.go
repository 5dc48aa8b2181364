package refactor

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	dtkerrors "dtk/internal/errors"
	"dtk/internal/slogutil"
	"dtk/internal/snapshot"
)

// fakeHooks is a scriptable pipeline for machine tests.
type fakeHooks struct {
	cc           int
	scanErr      map[string]error
	transformErr map[string]error
	verifyCC     map[string]int
	panicOn      string
	commits      [][]string
	commitErr    error
}

func (f *fakeHooks) Scan(_ context.Context, target string) (int, error) {
	if target == f.panicOn {
		panic("scripted panic")
	}
	if err := f.scanErr[target]; err != nil {
		return 0, err
	}
	return f.cc, nil
}

func (f *fakeHooks) Transform(_ context.Context, target string) error {
	return f.transformErr[target]
}

func (f *fakeHooks) Verify(_ context.Context, target string) (int, error) {
	if cc, ok := f.verifyCC[target]; ok {
		return cc, nil
	}
	return f.cc, nil
}

func (f *fakeHooks) Commit(_ context.Context, targets []string) error {
	f.commits = append(f.commits, append([]string(nil), targets...))
	return f.commitErr
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ParallelWorkers = 1
	cfg.BatchSize = 2
	return cfg
}

func newTestMachine(t *testing.T, targets []string, cfg Config, hooks Hooks) (*Machine, *snapshot.Store) {
	t.Helper()
	store, err := snapshot.NewStore(t.TempDir(), slogutil.NewDiscardLogger())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	m, err := New("sess-1", targets, cfg, store, hooks, slogutil.NewDiscardLogger())
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	return m, store
}

// drive advances until the session is terminal or paused, bounding the
// number of steps.
func drive(t *testing.T, m *Machine) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if m.Phase().Terminal() || m.Paused() {
			return
		}
		if err := m.Advance(context.Background()); err != nil {
			if dtkerrors.KindOf(err) == dtkerrors.ResourceExhausted {
				continue // recoverable: retry with the smaller batch
			}
			t.Fatalf("advance from %s: %v", m.Phase(), err)
		}
	}
	t.Fatalf("machine did not terminate, stuck at %s", m.Phase())
}

func TestConfigValidate(t *testing.T) {
	if err := testConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	bad := testConfig()
	bad.BatchSize = 0
	if err := bad.Validate(); dtkerrors.KindOf(err) != dtkerrors.ValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED, got %v", err)
	}

	greedy := testConfig()
	greedy.ParallelWorkers = 4096
	if err := greedy.Validate(); dtkerrors.KindOf(err) != dtkerrors.ValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED for worker count, got %v", err)
	}
}

func TestZeroTargetsGoStraightToDone(t *testing.T) {
	m, _ := newTestMachine(t, nil, testConfig(), &fakeHooks{cc: 3})

	if err := m.Advance(context.Background()); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if m.Phase() != PhaseDone {
		t.Fatalf("phase = %s, want done", m.Phase())
	}

	// terminal advance is a no-op
	before := m.State()
	if err := m.Advance(context.Background()); err != nil {
		t.Fatalf("terminal advance: %v", err)
	}
	if !reflect.DeepEqual(before.History, m.State().History) {
		t.Fatal("terminal advance mutated history")
	}
}

func TestHappyPathRunsToDone(t *testing.T) {
	targets := []string{"a.go", "b.go", "c.go"}
	hooks := &fakeHooks{cc: 3}
	cfg := testConfig()
	cfg.AutoCommit = true
	m, _ := newTestMachine(t, targets, cfg, hooks)

	drive(t, m)

	if m.Phase() != PhaseDone {
		t.Fatalf("phase = %s, want done", m.Phase())
	}
	st := m.State()
	for _, target := range targets {
		if st.PerTarget[target].Status != StatusCommitted {
			t.Errorf("%s status = %s, want committed", target, st.PerTarget[target].Status)
		}
	}
	if len(hooks.commits) != 1 || len(hooks.commits[0]) != 3 {
		t.Fatalf("commit hook calls = %+v, want one call with 3 targets", hooks.commits)
	}

	// history must walk the phases forward only
	last := -1
	for _, tr := range st.History {
		idx := phaseIndex[tr.To]
		if idx < last && tr.To != PhaseFailed {
			t.Fatalf("phase regressed in history: %+v", st.History)
		}
		last = idx
	}
}

func TestPhaseIsMonotone(t *testing.T) {
	m, _ := newTestMachine(t, []string{"a.go"}, testConfig(), &fakeHooks{cc: 3})

	prev := phaseIndex[m.Phase()]
	for i := 0; i < 100 && !m.Phase().Terminal(); i++ {
		if err := m.Advance(context.Background()); err != nil {
			t.Fatalf("advance: %v", err)
		}
		cur := phaseIndex[m.Phase()]
		if cur < prev {
			t.Fatalf("phase regressed: %d -> %d", prev, cur)
		}
		prev = cur
	}
}

func TestSnapshotMatchesStateAfterEveryAdvance(t *testing.T) {
	m, store := newTestMachine(t, []string{"a.go", "b.go"}, testConfig(), &fakeHooks{cc: 3})

	for i := 0; i < 100 && !m.Phase().Terminal(); i++ {
		if err := m.Advance(context.Background()); err != nil {
			t.Fatalf("advance: %v", err)
		}
		var onDisk State
		if err := store.Load("sess-1", &onDisk); err != nil {
			t.Fatalf("load snapshot: %v", err)
		}
		live := m.State()
		if onDisk.CurrentPhase != live.CurrentPhase {
			t.Fatalf("snapshot phase %s != live %s", onDisk.CurrentPhase, live.CurrentPhase)
		}
		if !reflect.DeepEqual(onDisk.Targets, live.Targets) {
			t.Fatal("snapshot targets diverged")
		}
		if !reflect.DeepEqual(onDisk.PerTarget, live.PerTarget) {
			t.Fatalf("snapshot per-target diverged:\n%+v\n%+v", onDisk.PerTarget, live.PerTarget)
		}
	}
}

func TestScanFailureQuarantinesTarget(t *testing.T) {
	hooks := &fakeHooks{
		cc:      3,
		scanErr: map[string]error{"broken.go": dtkerrors.New(dtkerrors.Io, "unreadable")},
	}
	m, _ := newTestMachine(t, []string{"ok.go", "broken.go"}, testConfig(), hooks)

	drive(t, m)

	st := m.State()
	if m.Phase() != PhaseDone {
		t.Fatalf("phase = %s, want done despite one bad target", m.Phase())
	}
	if st.PerTarget["broken.go"].Status != StatusQuarantined {
		t.Fatalf("broken.go status = %s, want quarantined", st.PerTarget["broken.go"].Status)
	}
	if st.PerTarget["ok.go"].Status != StatusCommitted {
		t.Fatalf("ok.go status = %s, want committed", st.PerTarget["ok.go"].Status)
	}
}

func TestHookPanicIsQuarantineNotCrash(t *testing.T) {
	hooks := &fakeHooks{cc: 3, panicOn: "evil.go"}
	m, _ := newTestMachine(t, []string{"evil.go", "fine.go"}, testConfig(), hooks)

	drive(t, m)

	st := m.State()
	if st.PerTarget["evil.go"].Status != StatusQuarantined {
		t.Fatalf("evil.go status = %s, want quarantined", st.PerTarget["evil.go"].Status)
	}
	if m.Phase() != PhaseDone {
		t.Fatalf("phase = %s, want done", m.Phase())
	}
}

func TestAllTargetsQuarantinedFailsSession(t *testing.T) {
	hooks := &fakeHooks{
		cc: 3,
		scanErr: map[string]error{
			"a.go": dtkerrors.New(dtkerrors.Io, "nope"),
			"b.go": dtkerrors.New(dtkerrors.Io, "nope"),
		},
	}
	m, _ := newTestMachine(t, []string{"a.go", "b.go"}, testConfig(), hooks)

	drive(t, m)
	if m.Phase() != PhaseFailed {
		t.Fatalf("phase = %s, want failed", m.Phase())
	}
}

func TestVerifyGateRetriesThenQuarantinesBatch(t *testing.T) {
	hooks := &fakeHooks{
		cc:       3,
		verifyCC: map[string]int{"hot.go": 99},
	}
	m, _ := newTestMachine(t, []string{"hot.go", "cool.go"}, testConfig(), hooks)

	drive(t, m)

	st := m.State()
	if m.Phase() != PhaseDone {
		t.Fatalf("phase = %s, want done", m.Phase())
	}
	// hot.go shares the batch with cool.go; the gate fails the batch
	// until retries run out, then the whole batch is quarantined
	if st.PerTarget["hot.go"].Status != StatusQuarantined {
		t.Fatalf("hot.go status = %s, want quarantined", st.PerTarget["hot.go"].Status)
	}
	if st.PerTarget["cool.go"].Status != StatusQuarantined {
		t.Fatalf("cool.go shares the failed batch, status = %s", st.PerTarget["cool.go"].Status)
	}
}

func TestSnapshotWriteFailureRollsBack(t *testing.T) {
	dir := t.TempDir()
	snapDir := filepath.Join(dir, "snaps")
	store, err := snapshot.NewStore(snapDir, slogutil.NewDiscardLogger())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	m, err := New("sess-1", []string{"a.go"}, testConfig(), store, &fakeHooks{cc: 3}, slogutil.NewDiscardLogger())
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}

	// replace the snapshot directory with a plain file so writes fail
	if err := os.RemoveAll(snapDir); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := os.WriteFile(snapDir, []byte("in the way"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	phaseBefore := m.Phase()
	stateBefore := m.State()
	err = m.Advance(context.Background())
	if dtkerrors.KindOf(err) != dtkerrors.Io {
		t.Fatalf("expected IO_ERROR from snapshot write, got %v", err)
	}
	if m.Phase() != phaseBefore {
		t.Fatalf("phase moved to %s despite snapshot failure", m.Phase())
	}
	if !reflect.DeepEqual(stateBefore.PerTarget, m.State().PerTarget) {
		t.Fatal("per-target state mutated despite snapshot failure")
	}
}

func TestMaxRuntimePausesNotFails(t *testing.T) {
	m, store := newTestMachine(t, []string{"a.go"}, testConfig(), &fakeHooks{cc: 3})

	// rebuild with the runtime budget already spent
	st := m.State()
	st.Config.MaxRuntimeSec = 1
	st.ResumedAt = time.Now().UTC().Add(-5 * time.Second)
	m = Restore(st, store, &fakeHooks{cc: 3}, slogutil.NewDiscardLogger())

	if err := m.Advance(context.Background()); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !m.Paused() {
		t.Fatal("expected Paused after exceeding max runtime")
	}
	if m.Phase().Terminal() {
		t.Fatalf("paused session must not be terminal, phase = %s", m.Phase())
	}

	// advancing while paused is refused
	if err := m.Advance(context.Background()); dtkerrors.KindOf(err) != dtkerrors.Conflict {
		t.Fatalf("expected CONFLICT while paused, got %v", err)
	}

	// resume restarts the clock and the session completes
	if err := m.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	resumed := m.State()
	resumed.Config.MaxRuntimeSec = 3600
	m = Restore(resumed, store, &fakeHooks{cc: 3}, slogutil.NewDiscardLogger())
	drive(t, m)
	if m.Phase() != PhaseDone {
		t.Fatalf("phase = %s, want done after resume", m.Phase())
	}
}

func TestResumeFromSnapshotMidRun(t *testing.T) {
	m, store := newTestMachine(t, []string{"a.go", "b.go", "c.go"}, testConfig(), &fakeHooks{cc: 3})

	// run partway: scan and plan
	for i := 0; i < 2; i++ {
		if err := m.Advance(context.Background()); err != nil {
			t.Fatalf("advance: %v", err)
		}
	}
	preKill := m.Phase()

	// "crash": reload from the snapshot into a fresh machine
	var st State
	if err := store.Load("sess-1", &st); err != nil {
		t.Fatalf("load: %v", err)
	}
	if phaseIndex[st.CurrentPhase] > phaseIndex[preKill] {
		t.Fatalf("snapshot phase %s ahead of live %s", st.CurrentPhase, preKill)
	}

	m2 := Restore(st, store, &fakeHooks{cc: 3}, slogutil.NewDiscardLogger())
	drive(t, m2)
	if m2.Phase() != PhaseDone {
		t.Fatalf("resumed session ended at %s, want done", m2.Phase())
	}
}

func TestMemoryBudgetShrinksBatch(t *testing.T) {
	dir := t.TempDir()
	big := make([]byte, 300*1024)
	for i := range big {
		big[i] = 'x'
	}
	var targets []string
	for _, name := range []string{"a.go", "b.go", "c.go", "d.go"} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, big, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		targets = append(targets, path)
	}

	cfg := testConfig()
	cfg.BatchSize = 4
	cfg.MemoryLimitMB = 5 // two 300KB files at 8x expansion fit, four do not
	m, _ := newTestMachine(t, targets, cfg, &fakeHooks{cc: 3})

	sawExhausted := false
	for i := 0; i < 100 && !m.Phase().Terminal(); i++ {
		err := m.Advance(context.Background())
		if dtkerrors.KindOf(err) == dtkerrors.ResourceExhausted {
			sawExhausted = true
			continue
		}
		if err != nil {
			t.Fatalf("advance: %v", err)
		}
	}
	if !sawExhausted {
		t.Fatal("expected a RESOURCE_EXHAUSTED advance while shrinking the batch")
	}
	if m.Phase() != PhaseDone {
		t.Fatalf("phase = %s, want done after batch shrink", m.Phase())
	}
}
