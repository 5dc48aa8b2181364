// Package session owns the process-global refactor session registry:
// at most one active session, serialized advances, crash-safe resume.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	dtkerrors "dtk/internal/errors"
	"dtk/internal/refactor"
	"dtk/internal/snapshot"
)

// Status is the externally visible session projection returned by every
// session operation.
type Status struct {
	SessionID  string                          `json:"sessionId"`
	Phase      refactor.Phase                  `json:"phase"`
	Paused     bool                            `json:"paused"`
	Targets    []string                        `json:"targets"`
	PerTarget  map[string]refactor.TargetState `json:"perTarget"`
	History    []refactor.Transition           `json:"history"`
	BatchIndex int                             `json:"batchIndex"`
	Batches    int                             `json:"batches"`
	StartedAt  time.Time                       `json:"startedAt"`
	UpdatedAt  time.Time                       `json:"updatedAt"`
	Checkpoint string                          `json:"checkpoint"`
}

type active struct {
	machine   *refactor.Machine
	advancing bool
	fatal     error
}

// Manager is the single-writer session registry. The mutex is the
// writer lock that serializes every session mutation.
type Manager struct {
	store  *snapshot.Store
	logger *slog.Logger

	// hooksFactory builds the pipeline hooks for a session; tests swap it.
	hooksFactory func(refactor.Config) refactor.Hooks

	mu      sync.Mutex
	current *active
}

// NewManager builds a registry over one snapshot store.
func NewManager(store *snapshot.Store, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger,
		hooksFactory: func(cfg refactor.Config) refactor.Hooks {
			return refactor.NewToolkit(cfg, logger)
		},
	}
}

func (m *Manager) status(mach *refactor.Machine) Status {
	st := mach.State()
	return Status{
		SessionID:  st.SessionID,
		Phase:      st.CurrentPhase,
		Paused:     st.Paused,
		Targets:    st.Targets,
		PerTarget:  st.PerTarget,
		History:    st.History,
		BatchIndex: st.BatchIndex,
		Batches:    len(st.Batches),
		StartedAt:  st.StartedAt,
		UpdatedAt:  st.UpdatedAt,
		Checkpoint: m.store.Path(st.SessionID),
	}
}

// Start creates a new session. A second session is rejected with
// Conflict while any session is active, regardless of target overlap.
func (m *Manager) Start(targets []string, cfg refactor.Config) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && !m.current.machine.Phase().Terminal() {
		return Status{}, dtkerrors.New(dtkerrors.Conflict,
			"a refactor session is already active; stop it first")
	}

	id := uuid.NewString()
	machine, err := refactor.New(id, targets, cfg, m.store, m.hooksFactory(cfg), m.logger)
	if err != nil {
		return Status{}, err
	}
	m.current = &active{machine: machine}
	m.logger.Info("refactor session started", "session", id, "targets", len(targets))
	return m.status(machine), nil
}

// Advance performs one step. Concurrent advances on the same session are
// rejected with Conflict; a snapshot I/O failure is fatal to the session.
func (m *Manager) Advance(ctx context.Context) (Status, error) {
	m.mu.Lock()
	cur := m.current
	if cur == nil {
		m.mu.Unlock()
		return Status{}, dtkerrors.New(dtkerrors.NotFound, "no active refactor session")
	}
	if cur.fatal != nil {
		m.mu.Unlock()
		return Status{}, dtkerrors.Wrap(dtkerrors.Conflict,
			"session is unrecoverable after a snapshot failure", cur.fatal)
	}
	if cur.advancing {
		m.mu.Unlock()
		return Status{}, dtkerrors.New(dtkerrors.Conflict,
			"an advance is already in progress for this session")
	}
	cur.advancing = true
	machine := cur.machine
	m.mu.Unlock()

	err := machine.Advance(ctx)

	m.mu.Lock()
	cur.advancing = false
	if err != nil && dtkerrors.KindOf(err) == dtkerrors.Io {
		// snapshot durability failed: integrity over forward progress
		cur.fatal = err
		m.logger.Error("session marked fatal after snapshot failure",
			"session", machine.State().SessionID, "error", err)
	}
	m.mu.Unlock()

	return m.statusLocked(machine), err
}

func (m *Manager) statusLocked(machine *refactor.Machine) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status(machine)
}

// Status reports the active session.
func (m *Manager) Status() (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Status{}, dtkerrors.New(dtkerrors.NotFound, "no active refactor session")
	}
	return m.status(m.current.machine), nil
}

// Stop ends the active session and removes its snapshot.
func (m *Manager) Stop() (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Status{}, dtkerrors.New(dtkerrors.NotFound, "no active refactor session")
	}
	st := m.status(m.current.machine)
	if err := m.store.Remove(st.SessionID); err != nil {
		return Status{}, err
	}
	m.current = nil
	m.logger.Info("refactor session stopped", "session", st.SessionID)
	return st, nil
}

// Resume restores a session from a checkpoint file (or, with an empty
// path, the most recent snapshot in the store) and clears its Paused
// sub-state. A load failure means the checkpoint is unresumable.
func (m *Manager) Resume(checkpoint string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && !m.current.machine.Phase().Terminal() {
		return Status{}, dtkerrors.New(dtkerrors.Conflict,
			"a refactor session is already active; stop it first")
	}

	var state refactor.State
	if checkpoint != "" {
		if err := m.store.LoadPath(checkpoint, &state); err != nil {
			return Status{}, err
		}
	} else {
		ids, err := m.store.List()
		if err != nil {
			return Status{}, err
		}
		if len(ids) == 0 {
			return Status{}, dtkerrors.New(dtkerrors.NotFound, "no snapshot to resume from")
		}
		// newest first by UpdatedAt
		var newest refactor.State
		for _, id := range ids {
			var candidate refactor.State
			if err := m.store.Load(id, &candidate); err != nil {
				continue
			}
			if candidate.UpdatedAt.After(newest.UpdatedAt) {
				newest = candidate
			}
		}
		if newest.SessionID == "" {
			return Status{}, dtkerrors.New(dtkerrors.Serialization, "no loadable snapshot found")
		}
		state = newest
	}

	if err := state.Config.Validate(); err != nil {
		return Status{}, dtkerrors.Wrap(dtkerrors.Serialization, "checkpoint carries an invalid config", err)
	}

	machine := refactor.Restore(state, m.store, m.hooksFactory(state.Config), m.logger)
	if err := machine.Resume(); err != nil {
		return Status{}, err
	}
	m.current = &active{machine: machine}
	m.logger.Info("refactor session resumed",
		"session", state.SessionID, "phase", string(state.CurrentPhase))
	return m.status(machine), nil
}
