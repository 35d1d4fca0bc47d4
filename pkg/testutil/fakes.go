// Package testutil provides shared fakes for the sync pipeline: an
// in-memory registry, a scripted process controller, a snapshotting backup
// store and a fault-injecting filesystem wrapper.
package testutil

import (
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/hex"
	"io"
	"sync"
	"time"

	"github.com/fabsync/fabsync/pkg/errors"
	"github.com/fabsync/fabsync/pkg/registry"
	"github.com/fabsync/fabsync/pkg/types"
)

// FakeProject is one project the FakeRegistry knows about. Artifact is the
// version an unpinned resolve picks; Previous holds older versions only an
// exact pin can select.
type FakeProject struct {
	Artifact types.ResolvedArtifact
	Previous []FakeVersion
	Deps     []registry.Dependency
	Content  []byte
	Err      error
}

// FakeVersion is an older selectable version of a FakeProject.
type FakeVersion struct {
	Artifact types.ResolvedArtifact
	Content  []byte
}

// FakeRegistry implements registry.Client from an in-memory project table.
// It is safe for concurrent use (staging downloads in parallel).
type FakeRegistry struct {
	mu sync.Mutex

	Target    registry.LoaderTarget
	LoaderErr error
	Projects  map[string]*FakeProject

	// Corrupt serves wrong bytes for the named component ids
	Corrupt map[string]bool

	ResolveCalls []string
	FetchCalls   []string
}

// NewFakeRegistry creates an empty fake with a sensible default target.
func NewFakeRegistry() *FakeRegistry {
	return &FakeRegistry{
		Target:   registry.LoaderTarget{GameVersion: "1.20.1", LoaderVersion: "0.15.7"},
		Projects: make(map[string]*FakeProject),
		Corrupt:  make(map[string]bool),
	}
}

// AddProject registers a project whose artifact checksum matches content.
func (f *FakeRegistry) AddProject(id string, kind types.ComponentKind, version string, content []byte, deps ...registry.Dependency) *FakeProject {
	p := &FakeProject{
		Artifact: f.buildArtifact(id, kind, version, content),
		Deps:     deps,
		Content:  content,
	}
	f.Projects[id] = p
	return p
}

// AddPrevious registers an older version of an existing project, reachable
// only through an exact version or version id pin.
func (f *FakeRegistry) AddPrevious(id, version string, content []byte) {
	p := f.Projects[id]
	p.Previous = append(p.Previous, FakeVersion{
		Artifact: f.buildArtifact(id, p.Artifact.Kind, version, content),
		Content:  content,
	})
}

func (f *FakeRegistry) buildArtifact(id string, kind types.ComponentKind, version string, content []byte) types.ResolvedArtifact {
	sum := sha512.Sum512(content)
	return types.ResolvedArtifact{
		ComponentID:  id,
		Kind:         kind,
		Version:      version,
		VersionID:    "vid-" + id + "-" + version,
		FileName:     types.ManagedFileName(id, kind, version),
		DownloadURL:  "https://registry.test/" + id + "/" + version,
		Checksum:     types.Checksum{Algo: types.ChecksumSHA512, Hex: hex.EncodeToString(sum[:])},
		Size:         int64(len(content)),
		GameVersions: []string{f.Target.GameVersion},
		Compatible:   true,
	}
}

// ResolveLoader implements registry.Client.
func (f *FakeRegistry) ResolveLoader(ctx context.Context, gamePin string) (registry.LoaderTarget, error) {
	if f.LoaderErr != nil {
		return registry.LoaderTarget{}, f.LoaderErr
	}
	if gamePin != "" && gamePin != f.Target.GameVersion {
		return registry.LoaderTarget{}, errors.Newf(errors.ErrNotFound, "game version %s not known", gamePin)
	}
	return f.Target, nil
}

// ResolveProject implements registry.Client.
func (f *FakeRegistry) ResolveProject(ctx context.Context, id string, kind types.ComponentKind, target registry.LoaderTarget, versionPin string) (*types.ResolvedArtifact, []registry.Dependency, error) {
	f.mu.Lock()
	f.ResolveCalls = append(f.ResolveCalls, id)
	f.mu.Unlock()

	p, ok := f.Projects[id]
	if !ok {
		return nil, nil, errors.Newf(errors.ErrNotFound, "no project %s", id)
	}
	if p.Err != nil {
		return nil, nil, p.Err
	}
	// Copy so callers can mutate DependencyOf freely.
	art := p.Artifact
	if versionPin != "" && versionPin != p.Artifact.Version && versionPin != p.Artifact.VersionID {
		prev, ok := p.previousVersion(versionPin)
		if !ok {
			return nil, nil, errors.Newf(errors.ErrNotFound, "pinned version %q of %s not found", versionPin, id)
		}
		art = prev.Artifact
	}
	art.DependencyOf = nil
	deps := make([]registry.Dependency, len(p.Deps))
	copy(deps, p.Deps)
	return &art, deps, nil
}

func (p *FakeProject) previousVersion(pin string) (FakeVersion, bool) {
	for _, v := range p.Previous {
		if pin == v.Artifact.Version || pin == v.Artifact.VersionID {
			return v, true
		}
	}
	return FakeVersion{}, false
}

// Fetch implements registry.Client.
func (f *FakeRegistry) Fetch(ctx context.Context, art *types.ResolvedArtifact) (io.ReadCloser, error) {
	f.mu.Lock()
	f.FetchCalls = append(f.FetchCalls, art.ComponentID)
	corrupt := f.Corrupt[art.ComponentID]
	f.mu.Unlock()

	p, ok := f.Projects[art.ComponentID]
	if !ok {
		return nil, errors.Newf(errors.ErrNotFound, "no artifact for %s", art.ComponentID)
	}
	content := p.Content
	if prev, ok := p.previousVersion(art.VersionID); ok {
		content = prev.Content
	}
	if corrupt {
		content = append([]byte("corrupted:"), content...)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

// FetchCount returns how many downloads were requested.
func (f *FakeRegistry) FetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.FetchCalls)
}

// ScriptedController implements server.Controller with injectable failures.
type ScriptedController struct {
	mu sync.Mutex

	Running  bool
	StopErr  error
	StartErr error
	WarnErr  error

	// StopSticks keeps IsRunning true after Stop, simulating a hung
	// shutdown
	StopSticks bool

	Calls []string
}

func (c *ScriptedController) record(call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, call)
}

// IsRunning implements server.Controller.
func (c *ScriptedController) IsRunning(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Running, nil
}

// Stop implements server.Controller.
func (c *ScriptedController) Stop(ctx context.Context) error {
	c.record("stop")
	if c.StopErr != nil {
		return c.StopErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.StopSticks {
		c.Running = false
	}
	return nil
}

// Start implements server.Controller.
func (c *ScriptedController) Start(ctx context.Context) error {
	c.record("start")
	if c.StartErr != nil {
		return c.StartErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Running = true
	return nil
}

// Warn implements server.Controller.
func (c *ScriptedController) Warn(ctx context.Context, message string, delay time.Duration) error {
	c.record("warn")
	return c.WarnErr
}
