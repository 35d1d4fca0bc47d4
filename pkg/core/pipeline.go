// Package core wires the sync pipeline together: resolve the target set
// from the registry, compare it against the persisted state and the live
// tree, stage what is missing, and hand the staged plan to the apply
// engine. Check stops after planning; Apply runs the plan to a terminal
// state and commits the state store on success.
package core

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fabsync/fabsync/pkg/apply"
	"github.com/fabsync/fabsync/pkg/backup"
	"github.com/fabsync/fabsync/pkg/config"
	"github.com/fabsync/fabsync/pkg/errors"
	"github.com/fabsync/fabsync/pkg/inventory"
	"github.com/fabsync/fabsync/pkg/logging"
	"github.com/fabsync/fabsync/pkg/planner"
	"github.com/fabsync/fabsync/pkg/registry"
	"github.com/fabsync/fabsync/pkg/resolver"
	"github.com/fabsync/fabsync/pkg/server"
	"github.com/fabsync/fabsync/pkg/staging"
	"github.com/fabsync/fabsync/pkg/statestore"
	"github.com/fabsync/fabsync/pkg/types"
)

// Pipeline runs the sync flow against one server directory. backups may be
// nil when no backup directory is configured.
type Pipeline struct {
	fs      types.FS
	reg     registry.Client
	ctrl    server.Controller
	backups backup.Store
	cfg     *config.Config
	logger  zerolog.Logger
}

// New assembles a Pipeline from its collaborators.
func New(fsys types.FS, reg registry.Client, ctrl server.Controller, backups backup.Store, cfg *config.Config) *Pipeline {
	return &Pipeline{
		fs:      fsys,
		reg:     reg,
		ctrl:    ctrl,
		backups: backups,
		cfg:     cfg,
		logger:  logging.GetLogger("core"),
	}
}

// Check resolves and plans without mutating anything: no staging, no
// downloads, no server control. The returned summary carries the plan a
// subsequent Apply would execute.
func (p *Pipeline) Check(ctx context.Context) (*types.RunSummary, error) {
	summary, _, _, err := p.plan(ctx)
	return summary, err
}

// Apply runs the full pipeline. The returned summary is valid even when
// err is non-nil; FinalState tells the caller how far the run got.
func (p *Pipeline) Apply(ctx context.Context) (*types.RunSummary, error) {
	summary, plan, layout, err := p.plan(ctx)
	if err != nil || summary.ShortCircuited {
		return summary, err
	}

	if len(summary.Incompatible) > 0 && !p.cfg.Options.Force {
		return summary, errors.Newf(errors.ErrInvalidInput,
			"%s not marked compatible with game version %s; re-run with force to apply anyway",
			strings.Join(summary.Incompatible, ", "), summary.Resolved.GameVersion)
	}

	serverDir := p.cfg.Server.Dir
	store := statestore.New(p.fs, serverDir)

	mgr := staging.New(p.fs, p.reg, serverDir, p.cfg.Options.DownloadConcurrency)
	if err := mgr.Acquire(); err != nil {
		return summary, err
	}
	defer mgr.Release()

	staged, err := mgr.Stage(ctx, plan, layout)
	if err != nil {
		return summary, err
	}

	engine := apply.New(p.fs, p.ctrl, p.backups, apply.Options{
		ServerDir:   serverDir,
		Layout:      layout,
		AutoBackup:  p.cfg.Options.AutoBackup && p.backups != nil,
		WarnPlayers: p.cfg.Options.WarnPlayers,
		WarnDelay:   p.cfg.Options.WarnDelay,
		StopTimeout: p.cfg.Options.StopTimeout,
	})

	result, runErr := engine.Run(ctx, plan, staged)
	summary.FinalState = result.State
	summary.Indeterminate = result.Indeterminate

	if result.State == types.StateApplied {
		if err := store.Commit(statestore.FromResolved(summary.Resolved)); err != nil {
			return summary, err
		}
	}
	return summary, runErr
}

// plan runs the read-only front half of the pipeline: loader resolution,
// dependency closure, persisted-state short circuit, inventory scan and
// diff planning.
func (p *Pipeline) plan(ctx context.Context) (*types.RunSummary, *types.ChangePlan, types.TreeLayout, error) {
	summary := &types.RunSummary{FinalState: types.StateIdle}

	layout, err := p.layout()
	if err != nil {
		return summary, nil, layout, err
	}

	target, err := p.reg.ResolveLoader(ctx, p.cfg.Server.GameVersion)
	if err != nil {
		return summary, nil, layout, err
	}
	p.logger.Info().
		Str("game", target.GameVersion).
		Str("loader", target.LoaderVersion).
		Msg("Resolved loader target")

	resolved, err := resolver.New(p.reg).Resolve(ctx, p.cfg.DesiredComponents(), target)
	if err != nil {
		return summary, nil, layout, err
	}
	summary.Resolved = resolved

	for _, art := range resolved.SortedArtifacts() {
		if !art.Compatible {
			summary.Incompatible = append(summary.Incompatible, art.ComponentID)
		}
	}

	persisted, err := statestore.New(p.fs, p.cfg.Server.Dir).Load()
	if err != nil {
		return summary, nil, layout, err
	}

	if persisted.Matches(resolved) {
		p.logger.Info().Msg("Persisted state matches resolution, nothing to do")
		summary.ShortCircuited = true
		return summary, nil, layout, nil
	}

	snap, err := inventory.New(p.fs).Scan(p.cfg.Server.Dir, p.cfg.Server.ModsDir, p.cfg.Server.DatapacksDir)
	if err != nil {
		return summary, nil, layout, err
	}
	for _, entry := range snap.Unmanaged() {
		p.logger.Warn().Str("path", entry.Path).Msg("Unmanaged file present, leaving it alone")
	}

	plan := planner.Plan(snap, resolved)
	plan.GameFromVersion = persisted.GameVersion
	plan.GameToVersion = resolved.GameVersion
	plan.LoaderFromVersion = persisted.LoaderVersion
	plan.LoaderToVersion = resolved.LoaderVersion
	plan.LoaderChange = persisted.GameVersion != resolved.GameVersion ||
		persisted.LoaderVersion != resolved.LoaderVersion

	summary.Plan = plan
	p.logger.Info().
		Int("mutations", len(plan.Mutations())).
		Bool("loader_change", plan.LoaderChange).
		Msg("Plan computed")
	return summary, plan, layout, nil
}

// layout derives the server-relative tree layout from the configured
// absolute directories.
func (p *Pipeline) layout() (types.TreeLayout, error) {
	mods, err := filepath.Rel(p.cfg.Server.Dir, p.cfg.Server.ModsDir)
	if err != nil || strings.HasPrefix(mods, "..") {
		return types.TreeLayout{}, errors.Newf(errors.ErrConfigValid,
			"server.mods_dir %s is not inside server.dir %s", p.cfg.Server.ModsDir, p.cfg.Server.Dir)
	}
	datapacks, err := filepath.Rel(p.cfg.Server.Dir, p.cfg.Server.DatapacksDir)
	if err != nil || strings.HasPrefix(datapacks, "..") {
		return types.TreeLayout{}, errors.Newf(errors.ErrConfigValid,
			"server.datapacks_dir %s is not inside server.dir %s", p.cfg.Server.DatapacksDir, p.cfg.Server.Dir)
	}
	return types.TreeLayout{ModsDir: mods, DatapacksDir: datapacks}, nil
}
