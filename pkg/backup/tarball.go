package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fabsync/fabsync/pkg/errors"
	"github.com/fabsync/fabsync/pkg/logging"
	"github.com/fabsync/fabsync/pkg/paths"
)

// TarballStore writes tar.gz snapshots of the server directory into a
// backup directory. The backup id is the tarball file name.
type TarballStore struct {
	backupDir string
	serverDir string
	logger    zerolog.Logger
}

// NewTarball creates a TarballStore. backupDir must not live inside
// serverDir's staging area; living inside serverDir itself is allowed and
// handled by exclusion.
func NewTarball(backupDir, serverDir string) *TarballStore {
	return &TarballStore{
		backupDir: backupDir,
		serverDir: serverDir,
		logger:    logging.GetLogger("backup"),
	}
}

// excluded reports paths that must not be captured or cleared: the backup
// directory itself (when nested) and the staging scratch area.
func (s *TarballStore) excluded(path string) bool {
	return withinDir(path, s.backupDir) ||
		withinDir(path, filepath.Join(s.serverDir, paths.StagingDirName))
}

// withinDir reports whether path is dir or lives under it. A bare prefix
// check is not enough: /srv/backup-old is a sibling of /srv/backup, not a
// child.
func withinDir(path, dir string) bool {
	return path == dir || strings.HasPrefix(path, dir+string(os.PathSeparator))
}

// Backup implements Store.
func (s *TarballStore) Backup(ctx context.Context, sourceDir string) (string, error) {
	if err := os.MkdirAll(s.backupDir, 0755); err != nil {
		return "", errors.Wrap(err, errors.ErrBackupFailed, "failed to create backup directory")
	}

	id := "fabsync-" + time.Now().Format("20060102-150405") + ".tar.gz"
	target := filepath.Join(s.backupDir, id)

	out, err := os.Create(target)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrBackupFailed, "failed to create backup file")
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	walkErr := filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if path == sourceDir || s.excluded(path) {
			if info.IsDir() && path != sourceDir && s.excluded(path) {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})

	if walkErr == nil {
		walkErr = tw.Close()
	} else {
		tw.Close()
	}
	if gzErr := gz.Close(); walkErr == nil {
		walkErr = gzErr
	}
	if walkErr != nil {
		os.Remove(target)
		return "", errors.Wrap(walkErr, errors.ErrBackupFailed, "failed to write backup")
	}

	s.logger.Info().Str("id", id).Str("path", target).Msg("Backup complete")
	return id, nil
}

// Restore implements Store. It clears the server directory (staging and
// nested backups excluded) and re-extracts the snapshot.
func (s *TarballStore) Restore(ctx context.Context, id string) error {
	source := filepath.Join(s.backupDir, id)
	f, err := os.Open(source)
	if err != nil {
		return errors.Wrapf(err, errors.ErrRestoreFailed, "backup %s not found", id)
	}
	defer f.Close()

	if err := s.clearServerDir(); err != nil {
		return err
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, errors.ErrRestoreFailed, "backup %s is not a gzip archive", id)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), errors.ErrRestoreFailed, "restore cancelled")
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrapf(err, errors.ErrRestoreFailed, "corrupt backup %s", id)
		}

		// Reject entries that would escape the server directory.
		target := filepath.Join(s.serverDir, filepath.Clean(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(s.serverDir)+string(os.PathSeparator)) {
			return errors.Newf(errors.ErrRestoreFailed, "backup entry escapes server dir: %s", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, hdr.FileInfo().Mode()); err != nil {
				return errors.Wrapf(err, errors.ErrRestoreFailed, "failed to recreate %s", hdr.Name)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return errors.Wrapf(err, errors.ErrRestoreFailed, "failed to recreate %s", hdr.Name)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, hdr.FileInfo().Mode())
			if err != nil {
				return errors.Wrapf(err, errors.ErrRestoreFailed, "failed to recreate %s", hdr.Name)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return errors.Wrapf(err, errors.ErrRestoreFailed, "failed to restore %s", hdr.Name)
			}
			out.Close()
		}
	}

	s.logger.Info().Str("id", id).Msg("Restore complete")
	return nil
}

func (s *TarballStore) clearServerDir() error {
	entries, err := os.ReadDir(s.serverDir)
	if err != nil {
		return errors.Wrap(err, errors.ErrRestoreFailed, "failed to read server dir")
	}
	for _, entry := range entries {
		path := filepath.Join(s.serverDir, entry.Name())
		if s.excluded(path) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			return errors.Wrapf(err, errors.ErrRestoreFailed, "failed to clear %s", path)
		}
	}
	return nil
}
