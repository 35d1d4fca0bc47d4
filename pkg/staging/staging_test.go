// pkg/staging/staging_test.go
// TEST TYPE: Unit Test
// DEPENDENCIES: In-memory filesystem, fake registry
// PURPOSE: Test run locking, concurrent staging and integrity verification

package staging_test

import (
	"context"
	"testing"

	"github.com/fabsync/fabsync/pkg/errors"
	"github.com/fabsync/fabsync/pkg/filesystem"
	"github.com/fabsync/fabsync/pkg/staging"
	"github.com/fabsync/fabsync/pkg/testutil"
	"github.com/fabsync/fabsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const serverDir = "/srv/mc"

func planFor(reg *testutil.FakeRegistry, ids ...string) *types.ChangePlan {
	plan := &types.ChangePlan{}
	for _, id := range ids {
		art := reg.Projects[id].Artifact
		plan.Changes = append(plan.Changes, types.Change{
			Action:      types.ActionInstall,
			ComponentID: id,
			Kind:        art.Kind,
			Artifact:    &art,
		})
	}
	return plan
}

func TestAcquireRefusesSecondRun(t *testing.T) {
	fs := filesystem.NewMemory()
	reg := testutil.NewFakeRegistry()

	first := staging.New(fs, reg, serverDir, 2)
	require.NoError(t, first.Acquire())

	second := staging.New(fs, reg, serverDir, 2)
	err := second.Acquire()
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrStagingLocked))

	// Releasing the first run frees the lock.
	first.Release()
	assert.NoError(t, second.Acquire())
}

func TestStageDownloadsAndVerifies(t *testing.T) {
	fs := filesystem.NewMemory()
	reg := testutil.NewFakeRegistry()
	reg.AddProject("fabric-api", types.KindMod, "0.92.0", []byte("api bytes"))
	reg.AddProject("lithium", types.KindMod, "0.11.2", []byte("lith bytes"))
	reg.AddProject("terralith", types.KindDatapack, "2.4.5", []byte("terra bytes"))

	mgr := staging.New(fs, reg, serverDir, 3)
	require.NoError(t, mgr.Acquire())
	defer mgr.Release()

	result, err := mgr.Stage(context.Background(),
		planFor(reg, "fabric-api", "lithium", "terralith"), types.DefaultLayout())
	require.NoError(t, err)
	require.Len(t, result.Files, 3)

	staged := result.Files["mods/fabric-api_0.92.0.jar"]
	require.NotEmpty(t, staged)
	content, err := fs.ReadFile(staged)
	require.NoError(t, err)
	assert.Equal(t, []byte("api bytes"), content)

	dp := result.Files["world/datapacks/terralith_2.4.5.zip"]
	require.NotEmpty(t, dp)
	_, err = fs.Stat(dp)
	assert.NoError(t, err)
}

func TestStageIntegrityFailure(t *testing.T) {
	fs := filesystem.NewMemory()
	reg := testutil.NewFakeRegistry()
	reg.AddProject("fabric-api", types.KindMod, "0.92.0", []byte("api bytes"))
	reg.AddProject("lithium", types.KindMod, "0.11.2", []byte("lith bytes"))
	reg.Corrupt["lithium"] = true

	mgr := staging.New(fs, reg, serverDir, 2)
	require.NoError(t, mgr.Acquire())
	defer mgr.Release()

	_, err := mgr.Stage(context.Background(),
		planFor(reg, "fabric-api", "lithium"), types.DefaultLayout())
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrIntegrity))

	// The corrupt artifact never survives in the staging area.
	_, statErr := fs.Stat("/srv/mc/.fabsync-staging/mods/lithium_0.11.2.jar")
	assert.Error(t, statErr)
}

func TestStageFetchFailureAbortsAll(t *testing.T) {
	fs := filesystem.NewMemory()
	reg := testutil.NewFakeRegistry()
	reg.AddProject("fabric-api", types.KindMod, "0.92.0", []byte("api"))

	plan := planFor(reg, "fabric-api")
	plan.Changes = append(plan.Changes, types.Change{
		Action:      types.ActionInstall,
		ComponentID: "ghost-mod",
		Kind:        types.KindMod,
		Artifact: &types.ResolvedArtifact{
			ComponentID: "ghost-mod",
			Kind:        types.KindMod,
			Version:     "1.0",
			FileName:    "ghost-mod_1.0.jar",
			Checksum:    types.Checksum{Algo: types.ChecksumSHA512, Hex: "00"},
		},
	})

	mgr := staging.New(fs, reg, serverDir, 2)
	require.NoError(t, mgr.Acquire())
	defer mgr.Release()

	_, err := mgr.Stage(context.Background(), plan, types.DefaultLayout())
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrNotFound))
}

func TestStageSkipsNoOpAndRemove(t *testing.T) {
	fs := filesystem.NewMemory()
	reg := testutil.NewFakeRegistry()
	reg.AddProject("fabric-api", types.KindMod, "0.92.0", []byte("api"))

	plan := &types.ChangePlan{Changes: []types.Change{
		{Action: types.ActionRemove, ComponentID: "old-mod", Kind: types.KindMod,
			Entry: &types.InventoryEntry{Path: "mods/old-mod_1.0.jar"}},
		{Action: types.ActionNoOp, ComponentID: "fabric-api", Kind: types.KindMod},
	}}

	mgr := staging.New(fs, reg, serverDir, 2)
	require.NoError(t, mgr.Acquire())
	defer mgr.Release()

	result, err := mgr.Stage(context.Background(), plan, types.DefaultLayout())
	require.NoError(t, err)
	assert.Empty(t, result.Files)
	assert.Zero(t, reg.FetchCount(), "NoOp plans must not download artifacts")
}

func TestReleaseRemovesStagingDir(t *testing.T) {
	fs := filesystem.NewMemory()
	reg := testutil.NewFakeRegistry()
	reg.AddProject("fabric-api", types.KindMod, "0.92.0", []byte("api"))

	mgr := staging.New(fs, reg, serverDir, 1)
	require.NoError(t, mgr.Acquire())
	_, err := mgr.Stage(context.Background(), planFor(reg, "fabric-api"), types.DefaultLayout())
	require.NoError(t, err)

	mgr.Release()
	_, statErr := fs.Stat(mgr.Dir())
	assert.Error(t, statErr, "staging area must not outlive the run")
}
