// Package resolver expands desired top-level components into the full
// transitive closure of required components against the registry.
package resolver

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/fabsync/fabsync/pkg/errors"
	"github.com/fabsync/fabsync/pkg/logging"
	"github.com/fabsync/fabsync/pkg/registry"
	"github.com/fabsync/fabsync/pkg/types"
)

// Resolver walks the dependency graph breadth-first.
type Resolver struct {
	reg    registry.Client
	logger zerolog.Logger
}

// New creates a Resolver backed by the given registry client.
func New(reg registry.Client) *Resolver {
	return &Resolver{reg: reg, logger: logging.GetLogger("resolver")}
}

// workItem is one queue entry: a component to resolve plus how it was
// reached. parent is empty for top-level components.
type workItem struct {
	id     string
	kind   types.ComponentKind
	pin    string
	parent string
}

// requesterLabel names the requiring side in conflict reports.
func (w workItem) requesterLabel() string {
	if w.parent == "" {
		return "configuration"
	}
	return w.parent
}

// Resolve expands the desired set into a fully closed ResolvedSet for the
// target. An unpinned requirement accepts any version, so it yields to an
// exact pin reached later; ConflictingConstraints is reserved for two
// exact pins that disagree, and is never resolved by a silent pick.
// Resolution also fails hard on NotFound and RegistryUnavailable.
func (r *Resolver) Resolve(ctx context.Context, desired []types.Component, target registry.LoaderTarget) (*types.ResolvedSet, error) {
	set := &types.ResolvedSet{
		GameVersion:   target.GameVersion,
		LoaderVersion: target.LoaderVersion,
		Artifacts:     make(map[types.ComponentKey]*types.ResolvedArtifact),
	}

	// requesters remembers who established each resolved version so a
	// later conflicting requirement can name both sides; pins remembers
	// the exact requirement behind it, empty when the version was a free
	// choice that a later pin may override.
	requesters := make(map[types.ComponentKey]string)
	pins := make(map[types.ComponentKey]string)

	queue := make([]workItem, 0, len(desired))
	for _, c := range desired {
		queue = append(queue, workItem{id: c.ID, kind: c.Kind, pin: c.VersionPin})
	}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		key := types.ComponentKey{ID: item.id, Kind: item.kind}

		if art, seen := set.Artifacts[key]; seen {
			switch {
			case item.pin == "" || item.pin == art.Version || item.pin == art.VersionID:
				// The existing resolution satisfies this requirement.
				// An agreeing pin still hardens a free choice, so later
				// disagreements are reported against the pin holder.
				if pins[key] == "" && item.pin != "" {
					pins[key] = item.pin
					requesters[key] = item.requesterLabel()
				}

			case pins[key] == "":
				// The existing version was a free choice; a pinned
				// requirement wins, so re-resolve under the pin and
				// carry the dependents over.
				repinned, deps, err := r.reg.ResolveProject(ctx, item.id, item.kind, target, item.pin)
				if err != nil {
					return nil, err
				}
				r.logger.Debug().
					Str("component", item.id).
					Str("from", art.Version).
					Str("to", repinned.Version).
					Str("pinned_by", item.requesterLabel()).
					Msg("Re-resolved unpinned component under a pinned requirement")
				repinned.DependencyOf = art.DependencyOf
				set.Artifacts[key] = repinned
				requesters[key] = item.requesterLabel()
				pins[key] = item.pin
				for _, dep := range deps {
					queue = append(queue, workItem{
						id:     dep.ProjectID,
						kind:   types.KindMod,
						pin:    dep.VersionID,
						parent: item.id,
					})
				}
				art = repinned

			default:
				// Two exact requirements disagree; never pick silently.
				return nil, errors.Newf(errors.ErrConflictingConstraints,
					"component %s required as %s by %s but already pinned to %s by %s",
					item.id, item.pin, item.requesterLabel(), art.Version, requesters[key]).
					WithDetail("component", item.id).
					WithDetail("required_by", []string{requesters[key], item.requesterLabel()}).
					WithDetail("versions", []string{art.Version, item.pin})
			}
			if item.parent != "" {
				art.AddDependent(item.parent)
			}
			continue
		}

		art, deps, err := r.reg.ResolveProject(ctx, item.id, item.kind, target, item.pin)
		if err != nil {
			return nil, err
		}
		if item.parent != "" {
			art.AddDependent(item.parent)
		}
		set.Artifacts[key] = art
		requesters[key] = item.requesterLabel()
		pins[key] = item.pin

		for _, dep := range deps {
			queue = append(queue, workItem{
				id:     dep.ProjectID,
				kind:   types.KindMod,
				pin:    dep.VersionID,
				parent: item.id,
			})
		}
	}

	r.logger.Info().
		Int("desired", len(desired)).
		Int("resolved", len(set.Artifacts)).
		Str("game", target.GameVersion).
		Str("loader", target.LoaderVersion).
		Msg("Dependency resolution complete")
	return set, nil
}
