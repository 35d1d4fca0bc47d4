// Package registry talks to the remote package registry (Modrinth-style
// API) and the loader meta service. It is the only package aware of raw
// registry payload shapes; everything it returns is normalized into the
// types package records.
package registry

import (
	"context"
	"io"

	"github.com/fabsync/fabsync/pkg/types"
)

// LoaderTarget pins resolution to a game version and loader version.
type LoaderTarget struct {
	GameVersion   string
	LoaderVersion string
}

// Dependency is a required dependency declared by a resolved version.
type Dependency struct {
	// ProjectID is the registry slug of the required project
	ProjectID string

	// VersionID pins the dependency to an exact registry version when
	// non-empty; an empty pin accepts the latest compatible version
	VersionID string
}

// Client is the read-only registry capability consumed by the resolver and
// the staging manager.
type Client interface {
	// ResolveLoader returns the target game and loader versions. gamePin
	// forces a specific game version; empty picks the latest stable one.
	// A pinned version the meta service does not list is a NotFound error.
	ResolveLoader(ctx context.Context, gamePin string) (LoaderTarget, error)

	// ResolveProject picks the best version of a project for the target
	// and returns it as a normalized artifact plus its required
	// dependencies. versionPin forces an exact version number or version
	// id. Datapacks resolve without dependencies.
	ResolveProject(ctx context.Context, id string, kind types.ComponentKind, target LoaderTarget, versionPin string) (*types.ResolvedArtifact, []Dependency, error)

	// Fetch opens the artifact's download stream. The caller must close it.
	Fetch(ctx context.Context, art *types.ResolvedArtifact) (io.ReadCloser, error)
}
