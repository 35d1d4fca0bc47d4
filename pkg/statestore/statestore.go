// Package statestore persists the last-known-good component set between
// runs. The file is plain TOML next to the server directory so operators
// can inspect (or delete) it by hand; deleting it simply forces a full
// re-plan on the next run.
package statestore

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"

	"github.com/fabsync/fabsync/pkg/errors"
	"github.com/fabsync/fabsync/pkg/logging"
	"github.com/fabsync/fabsync/pkg/paths"
	"github.com/fabsync/fabsync/pkg/types"
)

// Store reads and writes the persisted state file for one server directory.
type Store struct {
	fs     types.FS
	path   string
	logger zerolog.Logger
}

// New creates a Store for the given server directory.
func New(fsys types.FS, serverDir string) *Store {
	return &Store{
		fs:     fsys,
		path:   paths.StateFile(serverDir),
		logger: logging.GetLogger("statestore"),
	}
}

// Path returns the state file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the persisted state. A missing file is not an error: it yields
// the zero state, which never short-circuits and records no prior versions.
func (s *Store) Load() (*types.PersistedState, error) {
	data, err := s.fs.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Debug().Str("path", s.path).Msg("No persisted state, starting fresh")
			return &types.PersistedState{
				Mods:      make(map[string]string),
				Datapacks: make(map[string]string),
			}, nil
		}
		return nil, errors.Wrapf(err, errors.ErrStateLoad, "failed to read state file %s", s.path)
	}

	var state types.PersistedState
	if err := toml.Unmarshal(data, &state); err != nil {
		return nil, errors.Wrapf(err, errors.ErrStateLoad, "failed to parse state file %s", s.path)
	}
	if state.Mods == nil {
		state.Mods = make(map[string]string)
	}
	if state.Datapacks == nil {
		state.Datapacks = make(map[string]string)
	}
	return &state, nil
}

// Commit atomically replaces the state file with the given state. The file
// is written to a temp name in the same directory and renamed over the old
// one, so a crash leaves either the previous state or the new one, never a
// torn file.
func (s *Store) Commit(state *types.PersistedState) error {
	data, err := toml.Marshal(state)
	if err != nil {
		return errors.Wrap(err, errors.ErrStateCommit, "failed to encode state")
	}

	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, errors.ErrStateCommit, "failed to create state directory %s", dir)
	}

	tmp := s.path + ".tmp"
	if err := s.fs.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrapf(err, errors.ErrStateCommit, "failed to write state file %s", tmp)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		s.fs.Remove(tmp)
		return errors.Wrapf(err, errors.ErrStateCommit, "failed to commit state file %s", s.path)
	}

	s.logger.Info().
		Str("path", s.path).
		Int("mods", len(state.Mods)).
		Int("datapacks", len(state.Datapacks)).
		Msg("State committed")
	return nil
}

// FromResolved builds the state that Commit records after a successful
// apply of the given resolution.
func FromResolved(resolved *types.ResolvedSet) *types.PersistedState {
	state := &types.PersistedState{
		GameVersion:   resolved.GameVersion,
		LoaderVersion: resolved.LoaderVersion,
		Mods:          make(map[string]string),
		Datapacks:     make(map[string]string),
	}
	for key, art := range resolved.Artifacts {
		switch key.Kind {
		case types.KindDatapack:
			state.Datapacks[key.ID] = art.Version
		default:
			state.Mods[key.ID] = art.Version
		}
	}
	return state
}

// Clear removes the state file. Missing files are not an error.
func (s *Store) Clear() error {
	if err := s.fs.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, errors.ErrStateCommit, "failed to remove state file %s", s.path)
	}
	return nil
}
