// Package refactor drives a target set through the refactor pipeline
// with crash-safe snapshots: Scan, Plan, Transform, Verify, Commit, Done,
// with Failed reachable from anywhere and a resumable Paused sub-state.
package refactor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	dtkerrors "dtk/internal/errors"
	"dtk/internal/snapshot"
)

// Phase is one stage of the pipeline.
type Phase string

const (
	PhaseScan      Phase = "scan"
	PhasePlan      Phase = "plan"
	PhaseTransform Phase = "transform"
	PhaseVerify    Phase = "verify"
	PhaseCommit    Phase = "commit"
	PhaseDone      Phase = "done"
	PhaseFailed    Phase = "failed"
)

// phaseIndex orders the phases; the current phase never moves backwards.
var phaseIndex = map[Phase]int{
	PhaseScan: 0, PhasePlan: 1, PhaseTransform: 2,
	PhaseVerify: 3, PhaseCommit: 4, PhaseDone: 5, PhaseFailed: 6,
}

// Terminal reports whether a phase ends the session.
func (p Phase) Terminal() bool { return p == PhaseDone || p == PhaseFailed }

// TargetStatus tracks one target through the pipeline.
type TargetStatus string

const (
	StatusPending     TargetStatus = "pending"
	StatusScanned     TargetStatus = "scanned"
	StatusPlanned     TargetStatus = "planned"
	StatusTransformed TargetStatus = "transformed"
	StatusVerified    TargetStatus = "verified"
	StatusCommitted   TargetStatus = "committed"
	StatusQuarantined TargetStatus = "quarantined"
)

// TargetState is the per-target record carried in the snapshot.
type TargetState struct {
	Status TargetStatus `json:"status"`
	Cause  string       `json:"cause,omitempty"`
	// Baseline is the complexity measured in Scan; Verify gates against it.
	Baseline int `json:"baseline,omitempty"`
}

// Transition is one history entry.
type Transition struct {
	From Phase     `json:"from"`
	To   Phase     `json:"to"`
	At   time.Time `json:"at"`
}

// maxBatchRetries bounds Verify retries per batch before the batch is
// quarantined.
const maxBatchRetries = 3

// State is the machine's complete persisted form. Targets keep their
// start order; maps serialize with sorted keys, so equal state always
// snapshots to equal bytes.
type State struct {
	SessionID    string                 `json:"sessionId"`
	Targets      []string               `json:"targets"`
	Config       Config                 `json:"config"`
	CurrentPhase Phase                  `json:"currentPhase"`
	Paused       bool                   `json:"paused"`
	PerTarget    map[string]TargetState `json:"perTarget"`
	Batches      [][]string             `json:"batches,omitempty"`
	BatchIndex   int                    `json:"batchIndex"`
	BatchRetries int                    `json:"batchRetries"`
	History      []Transition           `json:"history"`
	StartedAt    time.Time              `json:"startedAt"`
	ResumedAt    time.Time              `json:"resumedAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
	ElapsedSec   float64                `json:"elapsedSec"`
}

func (s *State) clone() State {
	c := *s
	c.Targets = append([]string(nil), s.Targets...)
	c.PerTarget = make(map[string]TargetState, len(s.PerTarget))
	for k, v := range s.PerTarget {
		c.PerTarget[k] = v
	}
	c.Batches = make([][]string, len(s.Batches))
	for i, b := range s.Batches {
		c.Batches[i] = append([]string(nil), b...)
	}
	c.History = append([]Transition(nil), s.History...)
	return c
}

// elapsed is total wall time across pauses.
func (s *State) elapsed(now time.Time) time.Duration {
	return time.Duration(s.ElapsedSec*float64(time.Second)) + now.Sub(s.ResumedAt)
}

// Hooks are the pipeline's pluggable work steps. Implementations may
// panic; the machine converts panics into per-target failures.
type Hooks interface {
	// Scan measures a target's baseline complexity.
	Scan(ctx context.Context, target string) (complexity int, err error)
	// Transform emits the candidate patch for a target.
	Transform(ctx context.Context, target string) error
	// Verify re-measures a target after transformation.
	Verify(ctx context.Context, target string) (complexity int, err error)
	// Commit finalizes a verified batch.
	Commit(ctx context.Context, targets []string) error
}

// Machine is a single-writer state machine. Callers serialize Advance
// externally (the session manager holds the writer lock).
type Machine struct {
	state  State
	store  *snapshot.Store
	hooks  Hooks
	logger *slog.Logger
}

// New starts a session at Scan and writes its initial snapshot.
func New(sessionID string, targets []string, cfg Config, store *snapshot.Store, hooks Hooks, logger *slog.Logger) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	m := &Machine{
		state: State{
			SessionID:    sessionID,
			Targets:      append([]string(nil), targets...),
			Config:       cfg,
			CurrentPhase: PhaseScan,
			PerTarget:    make(map[string]TargetState, len(targets)),
			StartedAt:    now,
			ResumedAt:    now,
			UpdatedAt:    now,
		},
		store:  store,
		hooks:  hooks,
		logger: logger,
	}
	for _, t := range targets {
		m.state.PerTarget[t] = TargetState{Status: StatusPending}
	}
	if err := store.Save(sessionID, &m.state); err != nil {
		return nil, err
	}
	return m, nil
}

// Restore rebuilds a machine from loaded snapshot state.
func Restore(state State, store *snapshot.Store, hooks Hooks, logger *slog.Logger) *Machine {
	return &Machine{state: state, store: store, hooks: hooks, logger: logger}
}

// State returns a copy of the current state.
func (m *Machine) State() State { return m.state.clone() }

// Phase returns the current phase.
func (m *Machine) Phase() Phase { return m.state.CurrentPhase }

// Paused reports whether the session hit its runtime bound.
func (m *Machine) Paused() bool { return m.state.Paused }

// Resume clears the Paused sub-state and restarts the runtime clock for
// the new run.
func (m *Machine) Resume() error {
	if !m.state.Paused {
		return nil
	}
	prev := m.state.clone()
	m.state.Paused = false
	m.state.ResumedAt = time.Now().UTC()
	m.state.UpdatedAt = m.state.ResumedAt
	if err := m.store.Save(m.state.SessionID, &m.state); err != nil {
		m.state = prev
		return err
	}
	return nil
}

// Advance performs the next unit of work: one phase entry, or one batch
// within Transform/Verify. It is idempotent once the session is
// terminal, and every successful mutation is durable before it returns.
// A snapshot write failure rolls the in-memory state back and surfaces a
// recoverable error; the session manager treats it as fatal to the
// session.
func (m *Machine) Advance(ctx context.Context) error {
	if m.state.CurrentPhase.Terminal() {
		return nil
	}
	if m.state.Paused {
		return dtkerrors.New(dtkerrors.Conflict, "session is paused; resume it first")
	}
	if err := ctx.Err(); err != nil {
		return dtkerrors.Wrap(dtkerrors.Timeout, "advance cancelled", err)
	}

	now := time.Now().UTC()
	if m.state.elapsed(now) >= time.Duration(m.state.Config.MaxRuntimeSec)*time.Second {
		return m.pause(now)
	}

	switch m.state.CurrentPhase {
	case PhaseScan:
		return m.advanceScan(ctx)
	case PhasePlan:
		return m.advancePlan()
	case PhaseTransform:
		return m.advanceTransform(ctx)
	case PhaseVerify:
		return m.advanceVerify(ctx)
	case PhaseCommit:
		return m.advanceCommit(ctx)
	default:
		return dtkerrors.Newf(dtkerrors.Internal, "unknown phase %s", m.state.CurrentPhase)
	}
}

// pause records accumulated runtime and sets the Paused sub-state.
func (m *Machine) pause(now time.Time) error {
	prev := m.state.clone()
	m.state.Paused = true
	m.state.ElapsedSec += now.Sub(m.state.ResumedAt).Seconds()
	m.state.UpdatedAt = now
	if err := m.store.Save(m.state.SessionID, &m.state); err != nil {
		m.state = prev
		return err
	}
	m.logger.Info("session paused at runtime limit",
		"session", m.state.SessionID, "phase", string(m.state.CurrentPhase))
	return nil
}

// mutate applies fn to the state and persists the result, rolling back
// on snapshot failure.
func (m *Machine) mutate(fn func(*State)) error {
	prev := m.state.clone()
	fn(&m.state)
	m.state.UpdatedAt = time.Now().UTC()
	if err := m.store.Save(m.state.SessionID, &m.state); err != nil {
		m.state = prev
		return err
	}
	return nil
}

// transitionTo moves to a later phase. Regressions are refused; the
// current phase is monotone for the session's lifetime.
func (m *Machine) transitionTo(to Phase) error {
	from := m.state.CurrentPhase
	if to != PhaseFailed && phaseIndex[to] < phaseIndex[from] {
		return dtkerrors.Newf(dtkerrors.Internal, "refusing phase regression %s -> %s", from, to)
	}
	err := m.mutate(func(s *State) {
		s.CurrentPhase = to
		s.History = append(s.History, Transition{From: from, To: to, At: time.Now().UTC()})
	})
	if err != nil {
		return err
	}
	m.logger.Info("phase transition",
		"session", m.state.SessionID, "from", string(from), "to", string(to))
	return nil
}

// Fail drives the session to the Failed terminal phase.
func (m *Machine) Fail(cause string) error {
	if m.state.CurrentPhase.Terminal() {
		return nil
	}
	m.logger.Error("session failed", "session", m.state.SessionID, "cause", cause)
	return m.transitionTo(PhaseFailed)
}

func (m *Machine) advanceScan(ctx context.Context) error {
	if len(m.state.Targets) == 0 {
		// nothing to do: straight to Done
		return m.transitionTo(PhaseDone)
	}

	baselines := map[string]TargetState{}
	for _, target := range m.state.Targets {
		if err := ctx.Err(); err != nil {
			return dtkerrors.Wrap(dtkerrors.Timeout, "scan cancelled", err)
		}
		complexity, err := m.safeScan(ctx, target)
		if err != nil {
			baselines[target] = TargetState{Status: StatusQuarantined, Cause: err.Error()}
			m.logger.Warn("target quarantined in scan", "target", target, "cause", err.Error())
			continue
		}
		baselines[target] = TargetState{Status: StatusScanned, Baseline: complexity}
	}

	if err := m.mutate(func(s *State) {
		for t, ts := range baselines {
			s.PerTarget[t] = ts
		}
	}); err != nil {
		return err
	}
	return m.transitionTo(PhasePlan)
}

func (m *Machine) advancePlan() error {
	var live []string
	for _, t := range m.state.Targets {
		if m.state.PerTarget[t].Status != StatusQuarantined {
			live = append(live, t)
		}
	}
	if len(live) == 0 {
		return m.Fail("every target quarantined during scan")
	}

	size := m.state.Config.BatchSize
	var batches [][]string
	for i := 0; i < len(live); i += size {
		end := i + size
		if end > len(live) {
			end = len(live)
		}
		batches = append(batches, live[i:end])
	}

	if err := m.mutate(func(s *State) {
		s.Batches = batches
		s.BatchIndex = 0
		for _, t := range live {
			ts := s.PerTarget[t]
			ts.Status = StatusPlanned
			s.PerTarget[t] = ts
		}
	}); err != nil {
		return err
	}
	return m.transitionTo(PhaseTransform)
}

// advanceTransform processes one batch per call, staying in Transform
// until every batch has been attempted.
func (m *Machine) advanceTransform(ctx context.Context) error {
	if m.state.BatchIndex >= len(m.state.Batches) {
		return m.nextAfterTransform()
	}

	batch := m.state.Batches[m.state.BatchIndex]

	if over, bytes := m.batchOverBudget(batch); over {
		if len(batch) == 1 {
			// a single target cannot be split further
			if err := m.mutate(func(s *State) {
				s.PerTarget[batch[0]] = TargetState{
					Status:   StatusQuarantined,
					Cause:    fmt.Sprintf("working set %d bytes exceeds memory limit", bytes),
					Baseline: s.PerTarget[batch[0]].Baseline,
				}
				s.BatchIndex++
			}); err != nil {
				return err
			}
			return dtkerrors.Newf(dtkerrors.ResourceExhausted,
				"target %s exceeds the %dMB memory limit", batch[0], m.state.Config.MemoryLimitMB)
		}
		if err := m.splitCurrentBatch(); err != nil {
			return err
		}
		return dtkerrors.Newf(dtkerrors.ResourceExhausted,
			"batch working set %d bytes over the %dMB limit; retrying with a smaller batch",
			bytes, m.state.Config.MemoryLimitMB)
	}

	updates := map[string]TargetState{}
	for _, target := range batch {
		ts := m.state.PerTarget[target]
		if ts.Status == StatusQuarantined || ts.Status == StatusTransformed {
			continue
		}
		if err := m.safeTransform(ctx, target); err != nil {
			ts.Status = StatusQuarantined
			ts.Cause = err.Error()
			m.logger.Warn("target quarantined in transform", "target", target, "cause", err.Error())
		} else {
			ts.Status = StatusTransformed
		}
		updates[target] = ts
	}

	if err := m.mutate(func(s *State) {
		for t, ts := range updates {
			s.PerTarget[t] = ts
		}
		s.BatchIndex++
	}); err != nil {
		return err
	}

	if m.state.BatchIndex >= len(m.state.Batches) {
		return m.nextAfterTransform()
	}
	return nil
}

func (m *Machine) nextAfterTransform() error {
	if err := m.mutate(func(s *State) {
		s.BatchIndex = 0
		s.BatchRetries = 0
	}); err != nil {
		return err
	}
	return m.transitionTo(PhaseVerify)
}

// advanceVerify gates one batch per call. A gate regression retries the
// whole batch up to maxBatchRetries, then quarantines it.
func (m *Machine) advanceVerify(ctx context.Context) error {
	if m.state.BatchIndex >= len(m.state.Batches) {
		return m.transitionTo(PhaseCommit)
	}

	batch := m.state.Batches[m.state.BatchIndex]
	updates := map[string]TargetState{}
	batchFailed := false
	failCause := ""

	for _, target := range batch {
		ts := m.state.PerTarget[target]
		if ts.Status != StatusTransformed {
			continue
		}
		complexity, err := m.safeVerify(ctx, target)
		if err != nil {
			ts.Status = StatusQuarantined
			ts.Cause = err.Error()
			updates[target] = ts
			m.logger.Warn("target quarantined in verify", "target", target, "cause", err.Error())
			continue
		}
		if complexity > m.state.Config.TargetComplexity ||
			(ts.Baseline > 0 && complexity > ts.Baseline) {
			batchFailed = true
			failCause = fmt.Sprintf("%s: complexity %d fails the gate (target %d, baseline %d)",
				target, complexity, m.state.Config.TargetComplexity, ts.Baseline)
			break
		}
		ts.Status = StatusVerified
		updates[target] = ts
	}

	if batchFailed {
		if m.state.BatchRetries+1 >= maxBatchRetries {
			// quarantine the whole batch and move on
			if err := m.mutate(func(s *State) {
				for _, target := range batch {
					ts := s.PerTarget[target]
					if ts.Status != StatusQuarantined {
						ts.Status = StatusQuarantined
						ts.Cause = failCause
						s.PerTarget[target] = ts
					}
				}
				s.BatchIndex++
				s.BatchRetries = 0
			}); err != nil {
				return err
			}
			m.logger.Warn("batch quarantined after retries",
				"session", m.state.SessionID, "cause", failCause)
			return nil
		}
		return m.mutate(func(s *State) {
			s.BatchRetries++
		})
	}

	if err := m.mutate(func(s *State) {
		for t, ts := range updates {
			s.PerTarget[t] = ts
		}
		s.BatchIndex++
		s.BatchRetries = 0
	}); err != nil {
		return err
	}

	if m.state.BatchIndex >= len(m.state.Batches) {
		return m.transitionTo(PhaseCommit)
	}
	return nil
}

func (m *Machine) advanceCommit(ctx context.Context) error {
	var verified []string
	for _, t := range m.state.Targets {
		if m.state.PerTarget[t].Status == StatusVerified {
			verified = append(verified, t)
		}
	}

	if len(verified) > 0 && m.state.Config.AutoCommit {
		if err := m.safeCommit(ctx, verified); err != nil {
			return m.Fail(fmt.Sprintf("commit hook failed: %v", err))
		}
	}

	if err := m.mutate(func(s *State) {
		for _, t := range verified {
			ts := s.PerTarget[t]
			ts.Status = StatusCommitted
			s.PerTarget[t] = ts
		}
	}); err != nil {
		return err
	}
	return m.transitionTo(PhaseDone)
}

// batchOverBudget estimates the batch working set from target file sizes
// with a fixed expansion factor for parse structures.
func (m *Machine) batchOverBudget(batch []string) (bool, int64) {
	const workingSetFactor = 8
	var total int64
	for _, target := range batch {
		if info, err := os.Stat(target); err == nil {
			total += info.Size() * workingSetFactor
		}
	}
	return total > int64(m.state.Config.MemoryLimitMB)*1024*1024, total
}

// splitCurrentBatch replaces the current batch with two halves.
func (m *Machine) splitCurrentBatch() error {
	return m.mutate(func(s *State) {
		i := s.BatchIndex
		batch := s.Batches[i]
		mid := len(batch) / 2
		rest := append([][]string{batch[:mid], batch[mid:]}, s.Batches[i+1:]...)
		s.Batches = append(s.Batches[:i:i], rest...)
	})
}

func (m *Machine) safeScan(ctx context.Context, target string) (n int, err error) {
	defer recoverHook("scan", target, &err)
	return m.hooks.Scan(ctx, target)
}

func (m *Machine) safeTransform(ctx context.Context, target string) (err error) {
	defer recoverHook("transform", target, &err)
	return m.hooks.Transform(ctx, target)
}

func (m *Machine) safeVerify(ctx context.Context, target string) (n int, err error) {
	defer recoverHook("verify", target, &err)
	return m.hooks.Verify(ctx, target)
}

func (m *Machine) safeCommit(ctx context.Context, targets []string) (err error) {
	defer recoverHook("commit", "", &err)
	return m.hooks.Commit(ctx, targets)
}

func recoverHook(step, target string, err *error) {
	if r := recover(); r != nil {
		*err = dtkerrors.Newf(dtkerrors.Internal, "%s hook panicked on %q: %v", step, target, r)
	}
}
