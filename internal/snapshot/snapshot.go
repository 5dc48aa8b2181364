// Package snapshot persists refactor session state with atomic writes:
// serialize, write a temporary sibling, rename over the target, fsync
// the directory entry.
package snapshot

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	dtkerrors "dtk/internal/errors"
)

// SchemaVersion guards against loading snapshots written by an
// incompatible state layout. Bump it whenever the persisted shape of the
// state machine changes.
const SchemaVersion = 1

// envelope wraps the state with versioning metadata. json.Marshal emits
// struct fields in declaration order and map keys sorted, so identical
// state always serializes to identical bytes.
type envelope struct {
	SchemaVersion int             `json:"schemaVersion"`
	SavedAt       time.Time       `json:"savedAt"`
	State         json.RawMessage `json:"state"`
}

// Store reads and writes session snapshots under one directory.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates the snapshot directory if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, dtkerrors.NewIo("failed to create snapshot directory", err, false)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Path returns the stable snapshot path for a session.
func (s *Store) Path(sessionID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("refactor-%s.json", sessionID))
}

// Save writes the state durably. The write is atomic: a reader either
// sees the previous snapshot or the new one, never a partial file.
func (s *Store) Save(sessionID string, state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return dtkerrors.Wrap(dtkerrors.Serialization, "failed to serialize snapshot state", err)
	}
	blob, err := json.MarshalIndent(envelope{
		SchemaVersion: SchemaVersion,
		SavedAt:       time.Now().UTC(),
		State:         raw,
	}, "", "  ")
	if err != nil {
		return dtkerrors.Wrap(dtkerrors.Serialization, "failed to serialize snapshot envelope", err)
	}

	target := s.Path(sessionID)
	tmp := target + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return dtkerrors.NewIo("failed to create snapshot temp file", err, true)
	}
	if _, err := f.Write(blob); err != nil {
		f.Close()
		os.Remove(tmp)
		return dtkerrors.NewIo("failed to write snapshot", err, true)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return dtkerrors.NewIo("failed to sync snapshot", err, true)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return dtkerrors.NewIo("failed to close snapshot temp file", err, true)
	}

	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return dtkerrors.NewIo("failed to rename snapshot into place", err, true)
	}
	if err := syncDir(s.dir); err != nil {
		return dtkerrors.NewIo("failed to sync snapshot directory", err, true)
	}

	s.logger.Debug("snapshot written", "session", sessionID, "bytes", len(blob))
	return nil
}

// Load reads a snapshot into state. Any failure — missing file, decode
// error, schema mismatch — means the session is unresumable.
func (s *Store) Load(sessionID string, state any) error {
	blob, err := os.ReadFile(s.Path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return dtkerrors.Newf(dtkerrors.NotFound, "no snapshot for session %s", sessionID)
		}
		return dtkerrors.NewIo("failed to read snapshot", err, false)
	}

	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return dtkerrors.Wrap(dtkerrors.Serialization, "snapshot is corrupt", err)
	}
	if env.SchemaVersion != SchemaVersion {
		return dtkerrors.Newf(dtkerrors.Serialization,
			"snapshot schema version %d is not supported (want %d)", env.SchemaVersion, SchemaVersion)
	}
	if err := json.Unmarshal(env.State, state); err != nil {
		return dtkerrors.Wrap(dtkerrors.Serialization, "snapshot state does not decode", err)
	}
	return nil
}

// LoadPath reads a snapshot from an explicit checkpoint path, used by
// `refactor resume --checkpoint`.
func (s *Store) LoadPath(path string, state any) error {
	blob, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return dtkerrors.Newf(dtkerrors.NotFound, "checkpoint not found: %s", path)
		}
		return dtkerrors.NewIo("failed to read checkpoint", err, false)
	}
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return dtkerrors.Wrap(dtkerrors.Serialization, "checkpoint is corrupt", err)
	}
	if env.SchemaVersion != SchemaVersion {
		return dtkerrors.Newf(dtkerrors.Serialization,
			"checkpoint schema version %d is not supported (want %d)", env.SchemaVersion, SchemaVersion)
	}
	if err := json.Unmarshal(env.State, state); err != nil {
		return dtkerrors.Wrap(dtkerrors.Serialization, "checkpoint state does not decode", err)
	}
	return nil
}

// Remove deletes a session's snapshot. Missing files are not an error.
func (s *Store) Remove(sessionID string) error {
	if err := os.Remove(s.Path(sessionID)); err != nil && !os.IsNotExist(err) {
		return dtkerrors.NewIo("failed to remove snapshot", err, false)
	}
	return nil
}

// List returns the session ids that have snapshots on disk.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, dtkerrors.NewIo("failed to list snapshot directory", err, false)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if len(name) > len("refactor-")+len(".json") &&
			name[:len("refactor-")] == "refactor-" && filepath.Ext(name) == ".json" {
			ids = append(ids, name[len("refactor-"):len(name)-len(".json")])
		}
	}
	return ids, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
