package types

// ChangeAction is the kind of mutation a plan entry performs.
type ChangeAction string

const (
	ActionInstall ChangeAction = "install"
	ActionRemove  ChangeAction = "remove"
	ActionUpgrade ChangeAction = "upgrade"
	ActionNoOp    ChangeAction = "noop"
)

// InventoryEntry describes one file physically present in the live tree.
type InventoryEntry struct {
	// Path is relative to the server directory
	Path     string
	FileName string

	// ComponentID is inferred from the file name; empty when the file
	// does not follow the managed naming scheme (unmanaged file)
	ComponentID string
	Kind        ComponentKind
	Version     string

	SHA1   string
	SHA512 string
	Size   int64
}

// Key returns the inferred component identity, valid only when ComponentID
// is non-empty.
func (e *InventoryEntry) Key() ComponentKey {
	return ComponentKey{ID: e.ComponentID, Kind: e.Kind}
}

// Change is one entry of a ChangePlan. Install/Upgrade carry an Artifact;
// Remove carries an Entry; Upgrade carries both.
type Change struct {
	Action      ChangeAction
	ComponentID string
	Kind        ComponentKind

	Artifact *ResolvedArtifact
	Entry    *InventoryEntry
}

// ChangePlan is the ordered list of mutations that takes the live tree from
// the current snapshot to the resolved target set. It is a pure function of
// its inputs: identical (snapshot, resolved set) pairs produce identical plans.
type ChangePlan struct {
	Changes []Change

	// LoaderChange is set when the loader or game version differs from
	// the persisted state
	LoaderChange      bool
	LoaderFromVersion string
	LoaderToVersion   string
	GameFromVersion   string
	GameToVersion     string
}

// IsNoOp reports whether the plan mutates nothing.
func (p *ChangePlan) IsNoOp() bool {
	if p.LoaderChange {
		return false
	}
	for _, c := range p.Changes {
		if c.Action != ActionNoOp {
			return false
		}
	}
	return true
}

// Mutations returns the non-NoOp changes in plan order.
func (p *ChangePlan) Mutations() []Change {
	var out []Change
	for _, c := range p.Changes {
		if c.Action != ActionNoOp {
			out = append(out, c)
		}
	}
	return out
}

// Downloads returns the changes that require staging an artifact.
func (p *ChangePlan) Downloads() []Change {
	var out []Change
	for _, c := range p.Changes {
		if c.Action == ActionInstall || c.Action == ActionUpgrade {
			out = append(out, c)
		}
	}
	return out
}
