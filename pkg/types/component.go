package types

import "sort"

// ComponentKind classifies what a component is on the server.
type ComponentKind string

const (
	KindMod      ComponentKind = "mod"
	KindDatapack ComponentKind = "datapack"
	KindLoader   ComponentKind = "loader"
)

// Component is a desired top-level selection from configuration.
// Identity is (ID, Kind); IDs are case-sensitive registry slugs.
type Component struct {
	// ID is the registry slug for the component
	ID string

	// Kind determines where the component lives and how it is resolved
	Kind ComponentKind

	// VersionPin is an optional exact version requirement; empty means
	// latest compatible
	VersionPin string
}

// Key returns the identity of the component within a desired set.
func (c Component) Key() ComponentKey {
	return ComponentKey{ID: c.ID, Kind: c.Kind}
}

// ComponentKey is the (id, kind) identity of a component.
type ComponentKey struct {
	ID   string
	Kind ComponentKind
}

// ChecksumAlgo names the hash algorithm a checksum was computed with.
type ChecksumAlgo string

const (
	ChecksumSHA512 ChecksumAlgo = "sha512"
	ChecksumSHA1   ChecksumAlgo = "sha1"
)

// Checksum is an artifact content hash as reported by the registry.
type Checksum struct {
	Algo ChecksumAlgo
	Hex  string
}

// ResolvedArtifact is a component pinned to a concrete downloadable file.
// Instances are created fresh each run from registry queries and never persist.
type ResolvedArtifact struct {
	ComponentID string
	Kind        ComponentKind

	// Version is the human-readable version number; VersionID is the
	// registry's opaque version identifier used for dependency pins
	Version   string
	VersionID string

	FileName    string
	DownloadURL string
	Checksum    Checksum
	Size        int64

	// GameVersions lists the game versions the chosen file supports;
	// Compatible is false when none of them match the target
	GameVersions []string
	Compatible   bool

	// DependencyOf holds the component ids that required this artifact.
	// Empty means the artifact was requested directly (top-level).
	DependencyOf []string
}

// Key returns the identity of the resolved component.
func (a *ResolvedArtifact) Key() ComponentKey {
	return ComponentKey{ID: a.ComponentID, Kind: a.Kind}
}

// AddDependent records a requiring parent, keeping the set sorted and unique.
func (a *ResolvedArtifact) AddDependent(parent string) {
	for _, existing := range a.DependencyOf {
		if existing == parent {
			return
		}
	}
	a.DependencyOf = append(a.DependencyOf, parent)
	sort.Strings(a.DependencyOf)
}

// ResolvedSet is the fully closed output of dependency resolution.
type ResolvedSet struct {
	GameVersion   string
	LoaderVersion string
	Artifacts     map[ComponentKey]*ResolvedArtifact
}

// SortedArtifacts returns the artifacts ordered by kind then component id,
// the canonical order used for planning and reporting.
func (s *ResolvedSet) SortedArtifacts() []*ResolvedArtifact {
	out := make([]*ResolvedArtifact, 0, len(s.Artifacts))
	for _, a := range s.Artifacts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ComponentID < out[j].ComponentID
	})
	return out
}
