// Package apply mutates the live server tree from a fully staged plan. It
// is the only package allowed to touch managed files in place, and it does
// so as a state machine: Idle -> Staged -> Applying -> Applied, with
// RolledBack and Corrupt as the failure terminals. Everything before
// Applying is abortable with zero live-tree impact; once Applying begins
// the engine runs to a terminal state regardless of context cancellation.
package apply

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/fabsync/fabsync/pkg/backup"
	"github.com/fabsync/fabsync/pkg/errors"
	"github.com/fabsync/fabsync/pkg/logging"
	"github.com/fabsync/fabsync/pkg/server"
	"github.com/fabsync/fabsync/pkg/staging"
	"github.com/fabsync/fabsync/pkg/types"
)

// Options configures one apply run.
type Options struct {
	ServerDir string
	Layout    types.TreeLayout

	// AutoBackup snapshots the server directory before mutating; without
	// it a mid-apply failure has no rollback path and ends in Corrupt
	AutoBackup bool

	WarnPlayers bool
	WarnDelay   time.Duration
	StopTimeout time.Duration
}

// Result is the terminal outcome of one apply run.
type Result struct {
	State types.ApplyState

	// BackupID identifies the pre-apply snapshot, when one was taken
	BackupID string

	// Indeterminate lists server-relative paths whose on-disk state is
	// unknown; populated only on Corrupt
	Indeterminate []string
}

// Engine drives one staged plan to a terminal state. An Engine is single
// use: Run may be called once.
type Engine struct {
	fs     types.FS
	ctrl   server.Controller
	store  backup.Store
	opts   Options
	state  types.ApplyState
	logger zerolog.Logger
}

// New creates an Engine around its collaborators. store may be nil when
// backups are disabled.
func New(fsys types.FS, ctrl server.Controller, store backup.Store, opts Options) *Engine {
	return &Engine{
		fs:     fsys,
		ctrl:   ctrl,
		store:  store,
		opts:   opts,
		state:  types.StateIdle,
		logger: logging.GetLogger("apply"),
	}
}

// State returns the engine's current state machine position.
func (e *Engine) State() types.ApplyState {
	return e.state
}

// Run takes a plan whose artifacts are fully staged and drives it to a
// terminal state: stop the server, optionally back up, swap files, restart.
// The returned Result is valid even when err is non-nil; callers decide
// what to persist from Result.State, not from err.
func (e *Engine) Run(ctx context.Context, plan *types.ChangePlan, staged *staging.Result) (*Result, error) {
	if e.state != types.StateIdle {
		return nil, errors.Newf(errors.ErrInternal, "apply engine already ran (state %s)", e.state)
	}
	e.state = types.StateStaged

	mutations := plan.Mutations()
	if len(mutations) == 0 && !plan.LoaderChange {
		e.state = types.StateApplied
		return &Result{State: e.state}, nil
	}

	if err := e.stopServer(ctx); err != nil {
		return &Result{State: e.state}, err
	}

	var backupID string
	if e.opts.AutoBackup && e.store != nil {
		id, err := e.store.Backup(ctx, e.opts.ServerDir)
		if err != nil {
			// The live tree is untouched; restart and bail.
			e.startServer(ctx)
			return &Result{State: e.state},
				errors.Wrap(err, errors.ErrBackupFailed, "pre-apply backup failed, aborting before any mutation")
		}
		backupID = id
		e.logger.Info().Str("backup", backupID).Msg("Pre-apply backup taken")
	}

	// Point of no return. Cancellation is deliberately ignored from here:
	// a half-swapped tree is worse than finishing late.
	e.state = types.StateApplying
	e.logger.Info().Int("mutations", len(mutations)).Msg("Applying plan to live tree")

	if completed, failed, err := e.mutate(mutations, staged); err != nil {
		return e.recover(ctx, backupID, completed, failed, err)
	}

	e.state = types.StateApplied
	result := &Result{State: e.state, BackupID: backupID}

	if err := e.startServer(ctx); err != nil {
		// The swap succeeded; the caller still records the new state.
		return result, err
	}
	return result, nil
}

func (e *Engine) stopServer(ctx context.Context) error {
	running, err := e.ctrl.IsRunning(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrServerControl, "failed to probe server process")
	}
	if !running {
		return nil
	}

	if e.opts.WarnPlayers {
		if err := e.ctrl.Warn(ctx, "Server restarting for updates", e.opts.WarnDelay); err != nil {
			e.logger.Warn().Err(err).Msg("Player warning failed, continuing")
		}
	}

	if err := e.ctrl.Stop(ctx); err != nil {
		return errors.Wrap(err, errors.ErrServerControl, "failed to request server stop")
	}
	return server.WaitStopped(ctx, e.ctrl, e.opts.StopTimeout)
}

func (e *Engine) startServer(ctx context.Context) error {
	// Restart must happen even when the surrounding run was cancelled.
	if err := e.ctrl.Start(context.WithoutCancel(ctx)); err != nil {
		return errors.Wrap(err, errors.ErrServerControl, "failed to start server")
	}
	return nil
}

// mutate walks the plan in order: removes first, then staged renames. On
// failure it returns the server-relative paths already changed and the path
// of the step that failed.
func (e *Engine) mutate(mutations []types.Change, staged *staging.Result) ([]string, string, error) {
	var completed []string
	for _, c := range mutations {
		switch c.Action {
		case types.ActionRemove:
			rel := c.Entry.Path
			if err := e.fs.Remove(filepath.Join(e.opts.ServerDir, rel)); err != nil {
				return completed, rel, errors.Wrapf(err, errors.ErrMutationFailed, "failed to remove %s", rel)
			}
			completed = append(completed, rel)
			e.logger.Debug().Str("path", rel).Msg("Removed")

		case types.ActionInstall, types.ActionUpgrade:
			rel := e.opts.Layout.ArtifactPath(c.Artifact)
			if c.Action == types.ActionUpgrade && c.Entry != nil && c.Entry.Path != rel {
				old := c.Entry.Path
				if err := e.fs.Remove(filepath.Join(e.opts.ServerDir, old)); err != nil {
					return completed, old, errors.Wrapf(err, errors.ErrMutationFailed, "failed to remove outdated %s", old)
				}
				completed = append(completed, old)
				e.logger.Debug().Str("path", old).Msg("Removed outdated file")
			}

			src, ok := staged.Files[rel]
			if !ok {
				return completed, rel, errors.Newf(errors.ErrInternal, "plan entry %s has no staged file", c.ComponentID)
			}
			live := filepath.Join(e.opts.ServerDir, rel)
			if err := e.fs.MkdirAll(filepath.Dir(live), 0755); err != nil {
				return completed, rel, errors.Wrapf(err, errors.ErrMutationFailed, "failed to create directory for %s", rel)
			}
			if err := e.fs.Rename(src, live); err != nil {
				return completed, rel, errors.Wrapf(err, errors.ErrMutationFailed, "failed to move %s into place", rel)
			}
			completed = append(completed, rel)
			e.logger.Debug().Str("path", rel).Str("action", string(c.Action)).Msg("Installed")
		}
	}
	return completed, "", nil
}

// recover handles a mid-mutation failure. With a backup the tree is
// restored wholesale and the run ends RolledBack; without one (or when the
// restore itself fails) the run ends Corrupt, reporting every path touched
// before the failure plus the failing one.
func (e *Engine) recover(ctx context.Context, backupID string, completed []string, failedPath string, cause error) (*Result, error) {
	indeterminate := append(completed, failedPath)
	if backupID != "" {
		if err := e.store.Restore(context.WithoutCancel(ctx), backupID); err != nil {
			e.state = types.StateCorrupt
			e.logger.Error().Err(err).Str("backup", backupID).Msg("Restore failed after mutation failure")
			return &Result{State: e.state, BackupID: backupID, Indeterminate: indeterminate},
				errors.Wrapf(err, errors.ErrRestoreFailed,
					"apply failed at %s and restoring backup %s also failed", failedPath, backupID)
		}
		e.state = types.StateRolledBack
		e.logger.Warn().Str("backup", backupID).Str("failed", failedPath).Msg("Apply rolled back")
		result := &Result{State: e.state, BackupID: backupID}
		if startErr := e.startServer(ctx); startErr != nil {
			e.logger.Error().Err(startErr).Msg("Server restart failed after rollback")
		}
		return result, cause
	}

	e.state = types.StateCorrupt
	e.logger.Error().Err(cause).Str("failed", failedPath).Msg("Apply failed with no backup to restore")
	return &Result{State: e.state, Indeterminate: indeterminate},
		errors.Wrapf(cause, errors.ErrMutationFailed,
			"apply failed at %s with no backup; the path requires manual inspection", failedPath)
}
