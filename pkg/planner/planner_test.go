// pkg/planner/planner_test.go
// TEST TYPE: Unit Test
// DEPENDENCIES: None (pure function)
// PURPOSE: Test diff actions, ordering and idempotence

package planner_test

import (
	"crypto/sha512"
	"encoding/hex"
	"testing"

	"github.com/fabsync/fabsync/pkg/inventory"
	"github.com/fabsync/fabsync/pkg/planner"
	"github.com/fabsync/fabsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sum(content string) string {
	s := sha512.Sum512([]byte(content))
	return hex.EncodeToString(s[:])
}

func entry(id string, kind types.ComponentKind, version, content string) *types.InventoryEntry {
	return &types.InventoryEntry{
		Path:        "mods/" + types.ManagedFileName(id, kind, version),
		FileName:    types.ManagedFileName(id, kind, version),
		ComponentID: id,
		Kind:        kind,
		Version:     version,
		SHA512:      sum(content),
	}
}

func artifact(id string, kind types.ComponentKind, version, content string) *types.ResolvedArtifact {
	return &types.ResolvedArtifact{
		ComponentID: id,
		Kind:        kind,
		Version:     version,
		FileName:    types.ManagedFileName(id, kind, version),
		Checksum:    types.Checksum{Algo: types.ChecksumSHA512, Hex: sum(content)},
	}
}

func resolvedSet(arts ...*types.ResolvedArtifact) *types.ResolvedSet {
	set := &types.ResolvedSet{
		GameVersion:   "1.20.1",
		LoaderVersion: "0.15.7",
		Artifacts:     make(map[types.ComponentKey]*types.ResolvedArtifact),
	}
	for _, a := range arts {
		set.Artifacts[a.Key()] = a
	}
	return set
}

func actions(plan *types.ChangePlan) []string {
	var out []string
	for _, c := range plan.Changes {
		out = append(out, string(c.Action)+":"+c.ComponentID)
	}
	return out
}

func TestPlanFreshInstall(t *testing.T) {
	snap := &inventory.Snapshot{}
	set := resolvedSet(artifact("fabric-api", types.KindMod, "0.92.0", "api"))

	plan := planner.Plan(snap, set)
	assert.Equal(t, []string{"install:fabric-api"}, actions(plan))
}

func TestPlanRemoveUndesired(t *testing.T) {
	snap := &inventory.Snapshot{Entries: []*types.InventoryEntry{
		entry("mod-x", types.KindMod, "1.0", "x"),
	}}

	plan := planner.Plan(snap, resolvedSet())
	assert.Equal(t, []string{"remove:mod-x"}, actions(plan))
}

func TestPlanUpgradeAndNoOp(t *testing.T) {
	snap := &inventory.Snapshot{Entries: []*types.InventoryEntry{
		entry("fabric-api", types.KindMod, "0.91.0", "old api"),
		entry("lithium", types.KindMod, "0.11.2", "lith"),
	}}
	set := resolvedSet(
		artifact("fabric-api", types.KindMod, "0.92.0", "new api"),
		artifact("lithium", types.KindMod, "0.11.2", "lith"),
	)

	plan := planner.Plan(snap, set)
	assert.Equal(t, []string{"upgrade:fabric-api", "noop:lithium"}, actions(plan))
	assert.False(t, plan.IsNoOp())
}

func TestPlanSameVersionDifferentContentIsUpgrade(t *testing.T) {
	// A tampered or truncated file must be replaced even when the file
	// name claims the right version.
	snap := &inventory.Snapshot{Entries: []*types.InventoryEntry{
		entry("fabric-api", types.KindMod, "0.92.0", "truncated"),
	}}
	set := resolvedSet(artifact("fabric-api", types.KindMod, "0.92.0", "full content"))

	plan := planner.Plan(snap, set)
	assert.Equal(t, []string{"upgrade:fabric-api"}, actions(plan))
}

func TestPlanSHA1Fallback(t *testing.T) {
	e := entry("fabric-api", types.KindMod, "0.92.0", "api")
	e.SHA1 = "beef01"
	art := artifact("fabric-api", types.KindMod, "0.92.0", "api")
	art.Checksum = types.Checksum{Algo: types.ChecksumSHA1, Hex: "beef01"}

	plan := planner.Plan(&inventory.Snapshot{Entries: []*types.InventoryEntry{e}}, resolvedSet(art))
	assert.Equal(t, []string{"noop:fabric-api"}, actions(plan))
}

func TestPlanIgnoresUnmanagedFiles(t *testing.T) {
	snap := &inventory.Snapshot{Entries: []*types.InventoryEntry{
		{Path: "mods/HandInstalled.jar", FileName: "HandInstalled.jar", Kind: types.KindMod},
	}}

	plan := planner.Plan(snap, resolvedSet())
	assert.Empty(t, plan.Changes)
}

func TestPlanOrderingRemovesFirst(t *testing.T) {
	snap := &inventory.Snapshot{Entries: []*types.InventoryEntry{
		entry("zeta-old", types.KindMod, "1.0", "z"),
		entry("alpha-old", types.KindMod, "1.0", "a"),
		entry("fabric-api", types.KindMod, "0.91.0", "old"),
	}}
	set := resolvedSet(
		artifact("fabric-api", types.KindMod, "0.92.0", "new"),
		artifact("beta-new", types.KindMod, "1.0", "b"),
	)

	plan := planner.Plan(snap, set)
	assert.Equal(t, []string{
		"remove:alpha-old",
		"remove:zeta-old",
		"install:beta-new",
		"upgrade:fabric-api",
	}, actions(plan))
}

func TestPlanIdempotence(t *testing.T) {
	snap := &inventory.Snapshot{Entries: []*types.InventoryEntry{
		entry("lithium", types.KindMod, "0.11.2", "lith"),
		entry("mod-x", types.KindMod, "1.0", "x"),
	}}
	set := resolvedSet(
		artifact("lithium", types.KindMod, "0.11.2", "lith"),
		artifact("fabric-api", types.KindMod, "0.92.0", "api"),
	)

	first := planner.Plan(snap, set)
	second := planner.Plan(snap, set)
	require.Equal(t, first, second, "identical inputs must yield identical plans")

	// Simulate applying the plan, then re-diff: everything is a NoOp.
	applied := &inventory.Snapshot{Entries: []*types.InventoryEntry{
		entry("lithium", types.KindMod, "0.11.2", "lith"),
		entry("fabric-api", types.KindMod, "0.92.0", "api"),
	}}
	rediff := planner.Plan(applied, set)
	assert.True(t, rediff.IsNoOp())
	for _, c := range rediff.Changes {
		assert.Equal(t, types.ActionNoOp, c.Action)
	}
}
