// Package inventory reads the live mods and datapacks directories and
// produces a normalized snapshot of what is physically present. It is
// read-only and side-effect free.
package inventory

import (
	"crypto/sha1"
	"crypto/sha512"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fabsync/fabsync/pkg/errors"
	"github.com/fabsync/fabsync/pkg/logging"
	"github.com/fabsync/fabsync/pkg/types"
)

// Snapshot is the current-state view of the live tree.
type Snapshot struct {
	// Entries holds every candidate file found, sorted by path
	Entries []*types.InventoryEntry
}

// Managed returns the entries whose component identity could be inferred,
// keyed by (id, kind).
func (s *Snapshot) Managed() map[types.ComponentKey]*types.InventoryEntry {
	out := make(map[types.ComponentKey]*types.InventoryEntry)
	for _, e := range s.Entries {
		if e.ComponentID != "" {
			out[e.Key()] = e
		}
	}
	return out
}

// Unmanaged returns the entries that do not follow the managed naming
// scheme. They are reported but never removed or adopted.
func (s *Snapshot) Unmanaged() []*types.InventoryEntry {
	var out []*types.InventoryEntry
	for _, e := range s.Entries {
		if e.ComponentID == "" {
			out = append(out, e)
		}
	}
	return out
}

// Scanner reads the live tree through an FS abstraction.
type Scanner struct {
	fs     types.FS
	logger zerolog.Logger
}

// New creates a Scanner.
func New(fs types.FS) *Scanner {
	return &Scanner{fs: fs, logger: logging.GetLogger("inventory")}
}

// Scan inspects the mods and datapacks directories under serverDir. Missing
// directories yield an empty snapshot for that kind (a fresh server has no
// mods dir until the first apply).
func (s *Scanner) Scan(serverDir, modsDir, datapacksDir string) (*Snapshot, error) {
	snap := &Snapshot{}

	if err := s.scanDir(snap, serverDir, modsDir, types.KindMod, ".jar"); err != nil {
		return nil, err
	}
	if err := s.scanDir(snap, serverDir, datapacksDir, types.KindDatapack, ".zip"); err != nil {
		return nil, err
	}

	sort.Slice(snap.Entries, func(i, j int) bool {
		return snap.Entries[i].Path < snap.Entries[j].Path
	})

	s.logger.Debug().
		Int("entries", len(snap.Entries)).
		Int("unmanaged", len(snap.Unmanaged())).
		Msg("Inventory scan complete")
	return snap, nil
}

func (s *Scanner) scanDir(snap *Snapshot, serverDir, dir string, kind types.ComponentKind, ext string) error {
	infos, err := s.fs.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Debug().Str("dir", dir).Msg("Directory missing, treating as empty")
			return nil
		}
		return errors.Wrapf(err, errors.ErrFileAccess, "failed to read %s", dir)
	}

	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(strings.ToLower(info.Name()), ext) {
			continue
		}

		fullPath := filepath.Join(dir, info.Name())
		relPath, err := filepath.Rel(serverDir, fullPath)
		if err != nil {
			relPath = fullPath
		}

		entry := &types.InventoryEntry{
			Path:     relPath,
			FileName: info.Name(),
			Kind:     kind,
			Size:     info.Size(),
		}

		if id, version, parsedKind, ok := types.ParseManagedFileName(info.Name()); ok && parsedKind == kind {
			entry.ComponentID = id
			entry.Version = version
		}

		if err := s.hashEntry(fullPath, entry); err != nil {
			return err
		}
		snap.Entries = append(snap.Entries, entry)
	}
	return nil
}

// hashEntry computes both digests in one pass so the planner can compare
// against whichever algorithm the registry reported.
func (s *Scanner) hashEntry(path string, entry *types.InventoryEntry) error {
	f, err := s.fs.Open(path)
	if err != nil {
		return errors.Wrapf(err, errors.ErrFileAccess, "failed to open %s", path)
	}
	defer f.Close()

	h1 := sha1.New()
	h512 := sha512.New()
	if _, err := io.Copy(io.MultiWriter(h1, h512), f); err != nil {
		return errors.Wrapf(err, errors.ErrFileAccess, "failed to hash %s", path)
	}

	entry.SHA1 = hex.EncodeToString(h1.Sum(nil))
	entry.SHA512 = hex.EncodeToString(h512.Sum(nil))
	return nil
}
