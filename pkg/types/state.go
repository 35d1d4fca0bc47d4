package types

// ApplyState is the apply engine's state machine position. Applied,
// RolledBack and Corrupt are terminal.
type ApplyState string

const (
	StateIdle       ApplyState = "idle"
	StateStaged     ApplyState = "staged"
	StateApplying   ApplyState = "applying"
	StateApplied    ApplyState = "applied"
	StateRolledBack ApplyState = "rolled_back"
	StateCorrupt    ApplyState = "corrupt"
)

// PersistedState is the last-known-good record written after a successful
// apply. It is the only entity with cross-run lifetime and the sole source
// of "already up to date" decisions.
type PersistedState struct {
	GameVersion   string            `toml:"game_version"`
	LoaderVersion string            `toml:"loader_version"`
	Mods          map[string]string `toml:"mods"`
	Datapacks     map[string]string `toml:"datapacks"`
}

// ComponentVersion returns the last-applied version for a component, or ""
// if the component has never been applied.
func (s *PersistedState) ComponentVersion(key ComponentKey) string {
	switch key.Kind {
	case KindMod:
		return s.Mods[key.ID]
	case KindDatapack:
		return s.Datapacks[key.ID]
	}
	return ""
}

// Matches reports whether a resolved set is already fully applied according
// to this state: loader, game version and every component version must match,
// and no extra components may be recorded.
func (s *PersistedState) Matches(resolved *ResolvedSet) bool {
	if s.GameVersion != resolved.GameVersion || s.LoaderVersion != resolved.LoaderVersion {
		return false
	}
	count := 0
	for key, art := range resolved.Artifacts {
		if s.ComponentVersion(key) != art.Version {
			return false
		}
		count++
	}
	return count == len(s.Mods)+len(s.Datapacks)
}

// RunSummary is the output of one invocation.
type RunSummary struct {
	Resolved *ResolvedSet
	Plan     *ChangePlan

	// FinalState is the apply engine's terminal state; StateIdle when the
	// run never reached apply (check-only or short-circuited)
	FinalState ApplyState

	// ShortCircuited is set when the persisted state already matched the
	// resolution and no artifact work was performed
	ShortCircuited bool

	// Indeterminate lists the live paths whose on-disk state is unknown;
	// populated only on StateCorrupt
	Indeterminate []string

	// Incompatible lists component ids whose chosen version does not
	// support the target game version
	Incompatible []string
}
