// pkg/apply/apply_test.go
// TEST TYPE: Unit Test
// DEPENDENCIES: In-memory filesystem, fault injection, scripted controller
// PURPOSE: Test the apply state machine including rollback and corrupt paths

package apply_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fabsync/fabsync/pkg/apply"
	"github.com/fabsync/fabsync/pkg/errors"
	"github.com/fabsync/fabsync/pkg/filesystem"
	"github.com/fabsync/fabsync/pkg/paths"
	"github.com/fabsync/fabsync/pkg/staging"
	"github.com/fabsync/fabsync/pkg/testutil"
	"github.com/fabsync/fabsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const serverDir = "/srv/mc"

func defaultOpts() apply.Options {
	return apply.Options{
		ServerDir:   serverDir,
		Layout:      types.DefaultLayout(),
		AutoBackup:  true,
		StopTimeout: 2 * time.Second,
	}
}

func writeTree(t *testing.T, fs types.FS, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(serverDir, rel)
		require.NoError(t, fs.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, fs.WriteFile(full, []byte(content), 0644))
	}
}

// stageFiles mirrors what the staging manager produces: verified files in
// the scratch directory, keyed by their live relative path.
func stageFiles(t *testing.T, fs types.FS, files map[string]string) *staging.Result {
	t.Helper()
	dir := paths.StagingDir(serverDir)
	result := &staging.Result{Files: make(map[string]string)}
	for rel, content := range files {
		full := filepath.Join(dir, rel)
		require.NoError(t, fs.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, fs.WriteFile(full, []byte(content), 0644))
		result.Files[rel] = full
	}
	return result
}

func installChange(id string, kind types.ComponentKind, version string) types.Change {
	return types.Change{
		Action:      types.ActionInstall,
		ComponentID: id,
		Kind:        kind,
		Artifact: &types.ResolvedArtifact{
			ComponentID: id,
			Kind:        kind,
			Version:     version,
			FileName:    types.ManagedFileName(id, kind, version),
		},
	}
}

func removeChange(id string, kind types.ComponentKind, rel string) types.Change {
	return types.Change{
		Action:      types.ActionRemove,
		ComponentID: id,
		Kind:        kind,
		Entry:       &types.InventoryEntry{Path: rel, ComponentID: id, Kind: kind},
	}
}

func TestRunAppliesPlanAndRestarts(t *testing.T) {
	fs := filesystem.NewMemory()
	ctrl := &testutil.ScriptedController{Running: true}
	store := &testutil.SnapshotBackup{FS: fs, Skip: []string{paths.StagingDirName}}

	writeTree(t, fs, map[string]string{
		"mods/old-mod_1.0.0.jar": "stale",
	})
	staged := stageFiles(t, fs, map[string]string{
		"mods/fabric-api_0.92.0.jar":          "api bytes",
		"world/datapacks/terralith_2.4.5.zip": "terra bytes",
	})

	plan := &types.ChangePlan{Changes: []types.Change{
		removeChange("old-mod", types.KindMod, "mods/old-mod_1.0.0.jar"),
		installChange("fabric-api", types.KindMod, "0.92.0"),
		installChange("terralith", types.KindDatapack, "2.4.5"),
	}}

	opts := defaultOpts()
	opts.WarnPlayers = true
	engine := apply.New(fs, ctrl, store, opts)

	result, err := engine.Run(context.Background(), plan, staged)
	require.NoError(t, err)
	assert.Equal(t, types.StateApplied, result.State)
	assert.NotEmpty(t, result.BackupID)
	assert.Equal(t, []string{"warn", "stop", "start"}, ctrl.Calls)

	tree, err := testutil.TreeContents(fs, serverDir, paths.StagingDirName)
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{
		filepath.Join("mods", "fabric-api_0.92.0.jar"):             []byte("api bytes"),
		filepath.Join("world", "datapacks", "terralith_2.4.5.zip"): []byte("terra bytes"),
	}, tree)
}

func TestRunSkipsStopWhenServerDown(t *testing.T) {
	fs := filesystem.NewMemory()
	ctrl := &testutil.ScriptedController{Running: false}

	writeTree(t, fs, map[string]string{})
	staged := stageFiles(t, fs, map[string]string{
		"mods/lithium_0.11.2.jar": "lith",
	})
	plan := &types.ChangePlan{Changes: []types.Change{
		installChange("lithium", types.KindMod, "0.11.2"),
	}}

	opts := defaultOpts()
	opts.AutoBackup = false
	engine := apply.New(fs, ctrl, nil, opts)

	result, err := engine.Run(context.Background(), plan, staged)
	require.NoError(t, err)
	assert.Equal(t, types.StateApplied, result.State)

	// No warn or stop when the server is already down; it still gets
	// started after the swap.
	assert.Equal(t, []string{"start"}, ctrl.Calls)
}

func TestUpgradeRemovesOutdatedFileName(t *testing.T) {
	fs := filesystem.NewMemory()
	ctrl := &testutil.ScriptedController{Running: false}

	writeTree(t, fs, map[string]string{
		"mods/lithium_0.11.1.jar": "old lith",
	})
	staged := stageFiles(t, fs, map[string]string{
		"mods/lithium_0.11.2.jar": "new lith",
	})
	plan := &types.ChangePlan{Changes: []types.Change{
		{
			Action:      types.ActionUpgrade,
			ComponentID: "lithium",
			Kind:        types.KindMod,
			Artifact: &types.ResolvedArtifact{
				ComponentID: "lithium",
				Kind:        types.KindMod,
				Version:     "0.11.2",
				FileName:    "lithium_0.11.2.jar",
			},
			Entry: &types.InventoryEntry{Path: "mods/lithium_0.11.1.jar", ComponentID: "lithium", Kind: types.KindMod},
		},
	}}

	opts := defaultOpts()
	opts.AutoBackup = false
	engine := apply.New(fs, ctrl, nil, opts)

	result, err := engine.Run(context.Background(), plan, staged)
	require.NoError(t, err)
	assert.Equal(t, types.StateApplied, result.State)

	tree, err := testutil.TreeContents(fs, serverDir, paths.StagingDirName)
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{
		filepath.Join("mods", "lithium_0.11.2.jar"): []byte("new lith"),
	}, tree)
}

func TestBackupFailureAbortsBeforeMutation(t *testing.T) {
	fs := filesystem.NewMemory()
	ctrl := &testutil.ScriptedController{Running: true}
	store := &testutil.SnapshotBackup{
		FS:        fs,
		Skip:      []string{paths.StagingDirName},
		BackupErr: errors.New(errors.ErrFileWrite, "disk full"),
	}

	writeTree(t, fs, map[string]string{
		"mods/fabric-api_0.91.0.jar": "old api",
	})
	before, err := testutil.TreeContents(fs, serverDir, paths.StagingDirName)
	require.NoError(t, err)

	staged := stageFiles(t, fs, map[string]string{
		"mods/fabric-api_0.92.0.jar": "new api",
	})
	plan := &types.ChangePlan{Changes: []types.Change{
		removeChange("fabric-api", types.KindMod, "mods/fabric-api_0.91.0.jar"),
		installChange("fabric-api", types.KindMod, "0.92.0"),
	}}

	engine := apply.New(fs, ctrl, store, defaultOpts())
	result, err := engine.Run(context.Background(), plan, staged)
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrBackupFailed))
	assert.Equal(t, types.StateStaged, result.State)

	// Zero live-tree impact, and the server comes back up.
	after, err := testutil.TreeContents(fs, serverDir, paths.StagingDirName)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Contains(t, ctrl.Calls, "start")
}

func TestMutationFailureRollsBack(t *testing.T) {
	mem := filesystem.NewMemory()
	fs := &testutil.FaultFS{FS: mem, FailRenameTo: "terralith"}
	ctrl := &testutil.ScriptedController{Running: true}
	store := &testutil.SnapshotBackup{FS: mem, Skip: []string{paths.StagingDirName}}

	writeTree(t, mem, map[string]string{
		"mods/old-mod_1.0.0.jar": "stale",
	})
	before, err := testutil.TreeContents(mem, serverDir, paths.StagingDirName)
	require.NoError(t, err)

	staged := stageFiles(t, mem, map[string]string{
		"mods/fabric-api_0.92.0.jar":          "api bytes",
		"world/datapacks/terralith_2.4.5.zip": "terra bytes",
	})
	plan := &types.ChangePlan{Changes: []types.Change{
		removeChange("old-mod", types.KindMod, "mods/old-mod_1.0.0.jar"),
		installChange("fabric-api", types.KindMod, "0.92.0"),
		installChange("terralith", types.KindDatapack, "2.4.5"),
	}}

	engine := apply.New(fs, ctrl, store, defaultOpts())
	result, err := engine.Run(context.Background(), plan, staged)
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrMutationFailed))
	assert.Equal(t, types.StateRolledBack, result.State)

	// The partial removal and install are undone byte for byte.
	after, err := testutil.TreeContents(mem, serverDir, paths.StagingDirName)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// The server is restarted after rollback.
	assert.Equal(t, "start", ctrl.Calls[len(ctrl.Calls)-1])
}

func TestMutationFailureWithoutBackupIsCorrupt(t *testing.T) {
	mem := filesystem.NewMemory()
	fs := &testutil.FaultFS{FS: mem, FailRenameTo: "fabric-api"}
	ctrl := &testutil.ScriptedController{Running: true}

	writeTree(t, mem, map[string]string{})
	staged := stageFiles(t, mem, map[string]string{
		"mods/fabric-api_0.92.0.jar": "api bytes",
	})
	plan := &types.ChangePlan{Changes: []types.Change{
		installChange("fabric-api", types.KindMod, "0.92.0"),
	}}

	opts := defaultOpts()
	opts.AutoBackup = false
	engine := apply.New(fs, ctrl, nil, opts)

	result, err := engine.Run(context.Background(), plan, staged)
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrMutationFailed))
	assert.Equal(t, types.StateCorrupt, result.State)
	assert.Equal(t, []string{"mods/fabric-api_0.92.0.jar"}, result.Indeterminate)

	// Corrupt never restarts the server.
	assert.NotContains(t, ctrl.Calls, "start")
}

func TestCorruptReportsEveryTouchedPath(t *testing.T) {
	mem := filesystem.NewMemory()
	fs := &testutil.FaultFS{FS: mem, FailRenameTo: "terralith"}
	ctrl := &testutil.ScriptedController{Running: true}

	writeTree(t, mem, map[string]string{
		"mods/old-mod_1.0.0.jar": "stale",
	})
	staged := stageFiles(t, mem, map[string]string{
		"mods/fabric-api_0.92.0.jar":          "api bytes",
		"world/datapacks/terralith_2.4.5.zip": "terra bytes",
	})
	plan := &types.ChangePlan{Changes: []types.Change{
		removeChange("old-mod", types.KindMod, "mods/old-mod_1.0.0.jar"),
		installChange("fabric-api", types.KindMod, "0.92.0"),
		installChange("terralith", types.KindDatapack, "2.4.5"),
	}}

	opts := defaultOpts()
	opts.AutoBackup = false
	engine := apply.New(fs, ctrl, nil, opts)

	result, err := engine.Run(context.Background(), plan, staged)
	require.Error(t, err)
	assert.Equal(t, types.StateCorrupt, result.State)

	// The remove and the first install completed before the failure; all
	// three paths need manual inspection, not just the failing one.
	assert.Equal(t, []string{
		"mods/old-mod_1.0.0.jar",
		"mods/fabric-api_0.92.0.jar",
		"world/datapacks/terralith_2.4.5.zip",
	}, result.Indeterminate)
}

func TestRestoreFailureIsCorrupt(t *testing.T) {
	mem := filesystem.NewMemory()
	fs := &testutil.FaultFS{FS: mem, FailRenameTo: "fabric-api"}
	ctrl := &testutil.ScriptedController{Running: true}
	store := &testutil.SnapshotBackup{
		FS:         mem,
		Skip:       []string{paths.StagingDirName},
		RestoreErr: errors.New(errors.ErrFileWrite, "tar unreadable"),
	}

	writeTree(t, mem, map[string]string{})
	staged := stageFiles(t, mem, map[string]string{
		"mods/fabric-api_0.92.0.jar": "api bytes",
	})
	plan := &types.ChangePlan{Changes: []types.Change{
		installChange("fabric-api", types.KindMod, "0.92.0"),
	}}

	engine := apply.New(fs, ctrl, store, defaultOpts())
	result, err := engine.Run(context.Background(), plan, staged)
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrRestoreFailed))
	assert.Equal(t, types.StateCorrupt, result.State)
	assert.NotEmpty(t, result.Indeterminate)
}

func TestStopTimeoutLeavesTreeUntouched(t *testing.T) {
	fs := filesystem.NewMemory()
	ctrl := &testutil.ScriptedController{Running: true, StopSticks: true}

	writeTree(t, fs, map[string]string{
		"mods/old-mod_1.0.0.jar": "stale",
	})
	before, err := testutil.TreeContents(fs, serverDir, paths.StagingDirName)
	require.NoError(t, err)

	staged := stageFiles(t, fs, map[string]string{
		"mods/fabric-api_0.92.0.jar": "api bytes",
	})
	plan := &types.ChangePlan{Changes: []types.Change{
		installChange("fabric-api", types.KindMod, "0.92.0"),
	}}

	opts := defaultOpts()
	opts.StopTimeout = 300 * time.Millisecond
	engine := apply.New(fs, ctrl, nil, opts)

	result, err := engine.Run(context.Background(), plan, staged)
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrTimeout))
	assert.Equal(t, types.StateStaged, result.State)

	after, err := testutil.TreeContents(fs, serverDir, paths.StagingDirName)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestEngineIsSingleUse(t *testing.T) {
	fs := filesystem.NewMemory()
	ctrl := &testutil.ScriptedController{}
	opts := defaultOpts()
	opts.AutoBackup = false
	engine := apply.New(fs, ctrl, nil, opts)

	plan := &types.ChangePlan{}
	staged := &staging.Result{Files: map[string]string{}}

	_, err := engine.Run(context.Background(), plan, staged)
	require.NoError(t, err)

	_, err = engine.Run(context.Background(), plan, staged)
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrInternal))
}
