// Package staging downloads and verifies every artifact a plan needs into
// a scratch directory before the live tree is touched. The scratch
// directory doubles as the single-run lock: a second invocation finding it
// present refuses to proceed.
package staging

import (
	"context"
	"crypto/sha1"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fabsync/fabsync/pkg/errors"
	"github.com/fabsync/fabsync/pkg/logging"
	"github.com/fabsync/fabsync/pkg/paths"
	"github.com/fabsync/fabsync/pkg/registry"
	"github.com/fabsync/fabsync/pkg/types"
)

// Result maps each artifact's live relative path to its verified staged
// absolute path.
type Result struct {
	Files map[string]string
}

// Manager owns the staging area for the duration of one run.
type Manager struct {
	fs          types.FS
	reg         registry.Client
	serverDir   string
	dir         string
	concurrency int
	acquired    bool
	logger      zerolog.Logger
}

// New creates a Manager. concurrency bounds parallel downloads.
func New(fs types.FS, reg registry.Client, serverDir string, concurrency int) *Manager {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Manager{
		fs:          fs,
		reg:         reg,
		serverDir:   serverDir,
		dir:         paths.StagingDir(serverDir),
		concurrency: concurrency,
		logger:      logging.GetLogger("staging"),
	}
}

// Dir returns the staging directory path.
func (m *Manager) Dir() string {
	return m.dir
}

// Acquire creates the staging directory. An already existing directory
// means another run is in progress (or died without cleanup) and this run
// must not interleave with it.
func (m *Manager) Acquire() error {
	if err := m.fs.MkdirAll(m.serverDir, 0755); err != nil {
		return errors.Wrap(err, errors.ErrDirCreate, "failed to create server directory")
	}
	if err := m.fs.Mkdir(m.dir, 0755); err != nil {
		if os.IsExist(err) {
			return errors.Newf(errors.ErrStagingLocked,
				"staging directory %s already exists; another run may be in progress (remove it to force)", m.dir)
		}
		return errors.Wrap(err, errors.ErrDirCreate, "failed to create staging directory")
	}
	m.acquired = true
	m.logger.Debug().Str("dir", m.dir).Msg("Staging area acquired")
	return nil
}

// Release tears the staging area down. Safe to call regardless of how far
// the run got; the scratch area never outlives a run.
func (m *Manager) Release() {
	if !m.acquired {
		return
	}
	if err := m.fs.RemoveAll(m.dir); err != nil {
		m.logger.Warn().Err(err).Str("dir", m.dir).Msg("Failed to remove staging directory")
		return
	}
	m.acquired = false
	m.logger.Debug().Str("dir", m.dir).Msg("Staging area released")
}

// Stage downloads every Install/Upgrade artifact in the plan and verifies
// it against the checksum from resolution. All artifacts are staged before
// apply begins; any failure aborts the run with zero live-tree impact.
func (m *Manager) Stage(ctx context.Context, plan *types.ChangePlan, layout types.TreeLayout) (*Result, error) {
	if !m.acquired {
		return nil, errors.New(errors.ErrInternal, "staging area not acquired")
	}

	downloads := plan.Downloads()
	result := &Result{Files: make(map[string]string, len(downloads))}

	// Destination paths are fixed up front; the workers below only ever
	// write to their own disjoint path.
	for _, c := range downloads {
		rel := layout.ArtifactPath(c.Artifact)
		result.Files[rel] = filepath.Join(m.dir, rel)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)

	for _, c := range downloads {
		art := c.Artifact
		dest := result.Files[layout.ArtifactPath(art)]
		g.Go(func() error {
			return m.download(gctx, art, dest)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	m.logger.Info().Int("artifacts", len(downloads)).Msg("Staging complete and verified")
	return result, nil
}

func (m *Manager) download(ctx context.Context, art *types.ResolvedArtifact, dest string) error {
	body, err := m.reg.Fetch(ctx, art)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := m.fs.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return errors.Wrapf(err, errors.ErrDirCreate, "failed to create staging path for %s", art.ComponentID)
	}
	out, err := m.fs.Create(dest)
	if err != nil {
		return errors.Wrapf(err, errors.ErrFileWrite, "failed to create staged file for %s", art.ComponentID)
	}

	hasher := newHasher(art.Checksum.Algo)
	_, copyErr := io.Copy(io.MultiWriter(out, hasher), body)
	closeErr := out.Close()
	if copyErr != nil {
		m.fs.Remove(dest)
		return errors.Wrapf(copyErr, errors.ErrRegistryUnavailable, "download interrupted for %s", art.ComponentID)
	}
	if closeErr != nil {
		m.fs.Remove(dest)
		return errors.Wrapf(closeErr, errors.ErrFileWrite, "failed to finish staged file for %s", art.ComponentID)
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	if digest != art.Checksum.Hex {
		m.fs.Remove(dest)
		return errors.Newf(errors.ErrIntegrity,
			"checksum mismatch for %s@%s: expected %s %s, got %s",
			art.ComponentID, art.Version, art.Checksum.Algo, art.Checksum.Hex, digest).
			WithDetail("component", art.ComponentID).
			WithDetail("expected", art.Checksum.Hex).
			WithDetail("actual", digest)
	}

	m.logger.Debug().
		Str("component", art.ComponentID).
		Str("version", art.Version).
		Str("dest", dest).
		Msg("Artifact staged and verified")
	return nil
}

func newHasher(algo types.ChecksumAlgo) hash.Hash {
	if algo == types.ChecksumSHA1 {
		return sha1.New()
	}
	return sha512.New()
}
