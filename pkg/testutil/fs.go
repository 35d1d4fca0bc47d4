package testutil

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/fabsync/fabsync/pkg/errors"
	"github.com/fabsync/fabsync/pkg/types"
)

// FaultFS wraps a types.FS and fails selected operations, for driving the
// apply engine into its rollback and corrupt paths.
type FaultFS struct {
	types.FS

	// FailRenameTo fails Rename calls whose destination contains the
	// substring
	FailRenameTo string

	// FailRemoveOf fails Remove calls whose path contains the substring
	FailRemoveOf string
}

func (f *FaultFS) Rename(oldpath, newpath string) error {
	if f.FailRenameTo != "" && strings.Contains(newpath, f.FailRenameTo) {
		return errors.Newf(errors.ErrFileWrite, "injected rename fault: %s", newpath)
	}
	return f.FS.Rename(oldpath, newpath)
}

func (f *FaultFS) Remove(name string) error {
	if f.FailRemoveOf != "" && strings.Contains(name, f.FailRemoveOf) {
		return errors.Newf(errors.ErrFileWrite, "injected remove fault: %s", name)
	}
	return f.FS.Remove(name)
}

// SnapshotBackup implements backup.Store over a types.FS by deep-copying
// directory contents, so rollback tests can assert byte-identical restores
// on in-memory filesystems.
type SnapshotBackup struct {
	FS types.FS

	// BackupErr fails Backup; RestoreErr fails Restore
	BackupErr  error
	RestoreErr error

	// Skip names path components never captured or cleared (staging dir)
	Skip []string

	snapshots map[string]snapshot
	counter   int
}

type snapshot struct {
	root  string
	files map[string][]byte
}

func (b *SnapshotBackup) skip(name string) bool {
	for _, s := range b.Skip {
		if name == s {
			return true
		}
	}
	return false
}

// Backup implements backup.Store.
func (b *SnapshotBackup) Backup(ctx context.Context, sourceDir string) (string, error) {
	if b.BackupErr != nil {
		return "", b.BackupErr
	}
	files := make(map[string][]byte)
	if err := b.walk(sourceDir, "", files); err != nil {
		return "", err
	}
	if b.snapshots == nil {
		b.snapshots = make(map[string]snapshot)
	}
	b.counter++
	id := fmt.Sprintf("snapshot-%d", b.counter)
	b.snapshots[id] = snapshot{root: sourceDir, files: files}
	return id, nil
}

func (b *SnapshotBackup) walk(root, rel string, files map[string][]byte) error {
	infos, err := b.FS.ReadDir(filepath.Join(root, rel))
	if err != nil {
		return err
	}
	for _, info := range infos {
		if b.skip(info.Name()) {
			continue
		}
		childRel := filepath.Join(rel, info.Name())
		if info.IsDir() {
			if err := b.walk(root, childRel, files); err != nil {
				return err
			}
			continue
		}
		data, err := b.FS.ReadFile(filepath.Join(root, childRel))
		if err != nil {
			return err
		}
		files[childRel] = data
	}
	return nil
}

// Restore implements backup.Store.
func (b *SnapshotBackup) Restore(ctx context.Context, id string) error {
	if b.RestoreErr != nil {
		return b.RestoreErr
	}
	snap, ok := b.snapshots[id]
	if !ok {
		return errors.Newf(errors.ErrRestoreFailed, "no snapshot %s", id)
	}

	// Clear everything not skipped, then rewrite the captured files.
	infos, err := b.FS.ReadDir(snap.root)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if b.skip(info.Name()) {
			continue
		}
		if err := b.FS.RemoveAll(filepath.Join(snap.root, info.Name())); err != nil {
			return err
		}
	}
	for rel, data := range snap.files {
		full := filepath.Join(snap.root, rel)
		if err := b.FS.MkdirAll(filepath.Dir(full), fs.FileMode(0755)); err != nil {
			return err
		}
		if err := b.FS.WriteFile(full, data, 0644); err != nil {
			return err
		}
	}
	return nil
}

// TreeContents reads every file under root (minus skipped names) so tests
// can compare live trees before and after a run.
func TreeContents(fsys types.FS, root string, skip ...string) (map[string][]byte, error) {
	b := &SnapshotBackup{FS: fsys, Skip: skip}
	files := make(map[string][]byte)
	if err := b.walk(root, "", files); err != nil {
		return nil, err
	}
	return files, nil
}
