// Package planner computes the ordered change plan between the current
// inventory snapshot and the resolved target set. It performs no I/O: the
// plan is a pure function of its inputs, so identical inputs always yield
// an identical plan.
package planner

import (
	"sort"

	"github.com/fabsync/fabsync/pkg/inventory"
	"github.com/fabsync/fabsync/pkg/types"
)

// Plan diffs the snapshot against the resolved set.
//
// Every managed inventory entry with no matching resolved component becomes
// a Remove. Every resolved artifact absent from the inventory becomes an
// Install; present under a different version (or content), an Upgrade;
// present with a matching checksum, a NoOp. Unmanaged files never enter the
// plan. All removes are ordered before installs and upgrades so an upgrade
// never collides with the file it replaces; within each group, order is
// stable by kind then component id.
func Plan(snap *inventory.Snapshot, resolved *types.ResolvedSet) *types.ChangePlan {
	managed := snap.Managed()

	var removes, mutations, noops []types.Change

	for key, entry := range managed {
		if _, wanted := resolved.Artifacts[key]; !wanted {
			removes = append(removes, types.Change{
				Action:      types.ActionRemove,
				ComponentID: key.ID,
				Kind:        key.Kind,
				Entry:       entry,
			})
		}
	}

	for key, art := range resolved.Artifacts {
		entry, present := managed[key]
		switch {
		case !present:
			mutations = append(mutations, types.Change{
				Action:      types.ActionInstall,
				ComponentID: key.ID,
				Kind:        key.Kind,
				Artifact:    art,
			})
		case checksumMatches(entry, art):
			noops = append(noops, types.Change{
				Action:      types.ActionNoOp,
				ComponentID: key.ID,
				Kind:        key.Kind,
				Artifact:    art,
				Entry:       entry,
			})
		default:
			mutations = append(mutations, types.Change{
				Action:      types.ActionUpgrade,
				ComponentID: key.ID,
				Kind:        key.Kind,
				Artifact:    art,
				Entry:       entry,
			})
		}
	}

	sortChanges(removes)
	sortChanges(mutations)
	sortChanges(noops)

	plan := &types.ChangePlan{}
	plan.Changes = append(plan.Changes, removes...)
	plan.Changes = append(plan.Changes, mutations...)
	plan.Changes = append(plan.Changes, noops...)
	return plan
}

// checksumMatches compares the on-disk content against the registry's
// checksum using whichever algorithm the registry reported.
func checksumMatches(entry *types.InventoryEntry, art *types.ResolvedArtifact) bool {
	switch art.Checksum.Algo {
	case types.ChecksumSHA512:
		return entry.SHA512 == art.Checksum.Hex
	case types.ChecksumSHA1:
		return entry.SHA1 == art.Checksum.Hex
	}
	return false
}

func sortChanges(changes []types.Change) {
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].Kind != changes[j].Kind {
			return changes[i].Kind < changes[j].Kind
		}
		return changes[i].ComponentID < changes[j].ComponentID
	})
}
