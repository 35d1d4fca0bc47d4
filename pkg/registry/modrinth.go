package registry

import (
	"context"
	"encoding/json"
	"io"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"resty.dev/v3"

	"github.com/fabsync/fabsync/pkg/errors"
	"github.com/fabsync/fabsync/pkg/logging"
	"github.com/fabsync/fabsync/pkg/types"
)

const (
	// DefaultAPIBaseURL is the package registry API
	DefaultAPIBaseURL = "https://api.modrinth.com"

	// DefaultMetaBaseURL is the loader meta service
	DefaultMetaBaseURL = "https://meta.fabricmc.net"

	// loaderName is the only loader this tool manages
	loaderName = "fabric"

	userAgent = "fabsync/1.0"
)

// Options configures the Modrinth client.
type Options struct {
	APIBaseURL  string
	MetaBaseURL string

	// Timeout bounds each metadata request; artifact downloads are
	// bounded by the caller's context instead
	Timeout time.Duration

	// RetryCount is the number of retries for transient failures
	RetryCount int
}

// Modrinth implements Client against the Modrinth v2 API and the Fabric
// meta service.
type Modrinth struct {
	api    *resty.Client
	meta   *resty.Client
	fetch  *resty.Client
	logger zerolog.Logger
}

// NewModrinth creates a registry client. Zero-value options get defaults.
func NewModrinth(opts Options) *Modrinth {
	if opts.APIBaseURL == "" {
		opts.APIBaseURL = DefaultAPIBaseURL
	}
	if opts.MetaBaseURL == "" {
		opts.MetaBaseURL = DefaultMetaBaseURL
	}
	if opts.Timeout == 0 {
		opts.Timeout = 20 * time.Second
	}

	newClient := func(base string, timeout time.Duration) *resty.Client {
		c := resty.New().
			SetBaseURL(base).
			SetHeader("User-Agent", userAgent).
			SetTimeout(timeout)
		if opts.RetryCount > 0 {
			c.SetRetryCount(opts.RetryCount).
				SetRetryWaitTime(400 * time.Millisecond).
				SetRetryMaxWaitTime(5 * time.Second).
				AddRetryConditions(func(res *resty.Response, err error) bool {
					// Retry transport errors and server-side failures;
					// 4xx responses are final.
					return err != nil || res.StatusCode() >= 500
				})
		}
		return c
	}

	return &Modrinth{
		api:    newClient(opts.APIBaseURL, opts.Timeout),
		meta:   newClient(opts.MetaBaseURL, opts.Timeout),
		fetch:  newClient(opts.APIBaseURL, 0),
		logger: logging.GetLogger("registry"),
	}
}

// Close releases the underlying HTTP clients.
func (m *Modrinth) Close() {
	m.api.Close()
	m.meta.Close()
	m.fetch.Close()
}

// metaVersionEntry is one entry of the loader meta version lists.
type metaVersionEntry struct {
	Version string `json:"version"`
	Stable  bool   `json:"stable"`
}

// apiVersion is the registry's version payload, immediately normalized and
// never handed past this package.
type apiVersion struct {
	ID            string          `json:"id"`
	VersionNumber string          `json:"version_number"`
	VersionType   string          `json:"version_type"`
	GameVersions  []string        `json:"game_versions"`
	Loaders       []string        `json:"loaders"`
	Files         []apiFile       `json:"files"`
	Dependencies  []apiDependency `json:"dependencies"`
}

type apiFile struct {
	URL      string            `json:"url"`
	Filename string            `json:"filename"`
	Primary  bool              `json:"primary"`
	Size     int64             `json:"size"`
	Hashes   map[string]string `json:"hashes"`
}

type apiDependency struct {
	ProjectID      string `json:"project_id"`
	VersionID      string `json:"version_id"`
	DependencyType string `json:"dependency_type"`
}

// getJSON performs a GET and decodes the response, mapping transport and
// status failures onto the error taxonomy.
func (m *Modrinth) getJSON(ctx context.Context, client *resty.Client, path string, query map[string]string, out interface{}) error {
	req := client.R().SetContext(ctx)
	for k, v := range query {
		req.SetQueryParam(k, v)
	}
	res, err := req.Get(path)
	if err != nil {
		return errors.Wrapf(err, errors.ErrRegistryUnavailable, "registry request failed: %s", path)
	}
	if res.StatusCode() == 404 {
		return errors.Newf(errors.ErrNotFound, "registry returned 404 for %s", path)
	}
	if !res.IsSuccess() {
		return errors.Newf(errors.ErrRegistryUnavailable, "registry returned %d for %s", res.StatusCode(), path)
	}
	if err := json.Unmarshal(res.Bytes(), out); err != nil {
		return errors.Wrapf(err, errors.ErrRegistryUnavailable, "malformed registry response for %s", path)
	}
	return nil
}

// ResolveLoader implements Client.
func (m *Modrinth) ResolveLoader(ctx context.Context, gamePin string) (LoaderTarget, error) {
	var games, loaders []metaVersionEntry
	if err := m.getJSON(ctx, m.meta, "/v2/versions/game", nil, &games); err != nil {
		return LoaderTarget{}, err
	}
	if err := m.getJSON(ctx, m.meta, "/v2/versions/loader", nil, &loaders); err != nil {
		return LoaderTarget{}, err
	}
	if len(games) == 0 || len(loaders) == 0 {
		return LoaderTarget{}, errors.New(errors.ErrRegistryUnavailable, "loader meta returned empty version lists")
	}

	game := gamePin
	if game == "" {
		game = pickLatest(games)
	} else if !containsVersion(games, game) {
		return LoaderTarget{}, errors.Newf(errors.ErrNotFound, "game version %s not known to loader meta", game)
	}

	target := LoaderTarget{GameVersion: game, LoaderVersion: pickLatest(loaders)}
	m.logger.Debug().
		Str("game", target.GameVersion).
		Str("loader", target.LoaderVersion).
		Msg("Resolved loader target")
	return target, nil
}

func pickLatest(entries []metaVersionEntry) string {
	for _, e := range entries {
		if e.Stable {
			return e.Version
		}
	}
	return entries[0].Version
}

func containsVersion(entries []metaVersionEntry, version string) bool {
	for _, e := range entries {
		if e.Version == version {
			return true
		}
	}
	return false
}

// ResolveProject implements Client.
func (m *Modrinth) ResolveProject(ctx context.Context, id string, kind types.ComponentKind, target LoaderTarget, versionPin string) (*types.ResolvedArtifact, []Dependency, error) {
	versions, err := m.projectVersions(ctx, id, kind, target)
	if err != nil {
		return nil, nil, err
	}
	if len(versions) == 0 {
		return nil, nil, errors.Newf(errors.ErrNotFound, "no versions found for %s", id)
	}

	chosen, err := chooseVersion(id, versions, kind, target, versionPin)
	if err != nil {
		return nil, nil, err
	}

	file, err := chooseFile(id, chosen.Files)
	if err != nil {
		return nil, nil, err
	}

	art := normalizeArtifact(id, kind, chosen, file, target)

	var deps []Dependency
	if kind == types.KindMod {
		for _, d := range chosen.Dependencies {
			if d.DependencyType != "required" || d.ProjectID == "" {
				continue
			}
			deps = append(deps, Dependency{ProjectID: d.ProjectID, VersionID: d.VersionID})
		}
	}

	m.logger.Debug().
		Str("id", id).
		Str("version", art.Version).
		Bool("compatible", art.Compatible).
		Int("dependencies", len(deps)).
		Msg("Resolved project")
	return art, deps, nil
}

// projectVersions lists candidate versions, filtered server-side the same
// way for mods (by loader) and datapacks (by game version).
func (m *Modrinth) projectVersions(ctx context.Context, id string, kind types.ComponentKind, target LoaderTarget) ([]apiVersion, error) {
	path := "/v2/project/" + url.PathEscape(id) + "/version"

	var query map[string]string
	if kind == types.KindMod {
		query = map[string]string{"loaders": `["` + loaderName + `"]`}
	} else {
		query = map[string]string{"game_versions": `["` + target.GameVersion + `"]`}
	}

	var versions []apiVersion
	if err := m.getJSON(ctx, m.api, path, query, &versions); err != nil {
		return nil, err
	}

	// A datapack whose filter matched nothing may still have versions;
	// retry unfiltered before concluding NotFound.
	if len(versions) == 0 && kind == types.KindDatapack {
		if err := m.getJSON(ctx, m.api, path, nil, &versions); err != nil {
			return nil, err
		}
	}
	return versions, nil
}

// chooseVersion picks the version to install. Preference order: exact pin
// when given, newest release matching the target game version, newest
// matching of any release type, then the newest at all with Compatible
// reported false downstream.
func chooseVersion(id string, versions []apiVersion, kind types.ComponentKind, target LoaderTarget, pin string) (*apiVersion, error) {
	if pin != "" {
		for i := range versions {
			if versions[i].VersionNumber == pin || versions[i].ID == pin {
				return &versions[i], nil
			}
		}
		return nil, errors.Newf(errors.ErrNotFound, "pinned version %q of %s not found", pin, id)
	}

	matches := func(v *apiVersion) bool {
		if !containsString(v.GameVersions, target.GameVersion) {
			return false
		}
		if kind == types.KindMod && !containsString(v.Loaders, loaderName) {
			return false
		}
		return true
	}

	// Versions arrive newest first.
	for i := range versions {
		if matches(&versions[i]) && versions[i].VersionType == "release" {
			return &versions[i], nil
		}
	}
	for i := range versions {
		if matches(&versions[i]) {
			return &versions[i], nil
		}
	}
	return &versions[0], nil
}

func chooseFile(id string, files []apiFile) (*apiFile, error) {
	usable := func(f *apiFile) bool {
		if f.URL == "" {
			return false
		}
		return f.Hashes["sha512"] != "" || f.Hashes["sha1"] != ""
	}
	for i := range files {
		if files[i].Primary && usable(&files[i]) {
			return &files[i], nil
		}
	}
	for i := range files {
		if usable(&files[i]) {
			return &files[i], nil
		}
	}
	return nil, errors.Newf(errors.ErrNotFound, "no downloadable file with a checksum for %s", id)
}

func normalizeArtifact(id string, kind types.ComponentKind, v *apiVersion, f *apiFile, target LoaderTarget) *types.ResolvedArtifact {
	checksum := types.Checksum{Algo: types.ChecksumSHA512, Hex: f.Hashes["sha512"]}
	if checksum.Hex == "" {
		checksum = types.Checksum{Algo: types.ChecksumSHA1, Hex: f.Hashes["sha1"]}
	}

	return &types.ResolvedArtifact{
		ComponentID:  id,
		Kind:         kind,
		Version:      v.VersionNumber,
		VersionID:    v.ID,
		FileName:     types.ManagedFileName(id, kind, v.VersionNumber),
		DownloadURL:  f.URL,
		Checksum:     checksum,
		Size:         f.Size,
		GameVersions: v.GameVersions,
		Compatible:   containsString(v.GameVersions, target.GameVersion),
	}
}

// Fetch implements Client.
func (m *Modrinth) Fetch(ctx context.Context, art *types.ResolvedArtifact) (io.ReadCloser, error) {
	res, err := m.fetch.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(art.DownloadURL)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrRegistryUnavailable, "download failed for %s", art.ComponentID)
	}
	if res.StatusCode() == 404 {
		res.Body.Close()
		return nil, errors.Newf(errors.ErrNotFound, "artifact gone for %s: %s", art.ComponentID, art.DownloadURL)
	}
	if !res.IsSuccess() {
		res.Body.Close()
		return nil, errors.Newf(errors.ErrRegistryUnavailable, "download returned %d for %s", res.StatusCode(), art.ComponentID)
	}
	return res.Body, nil
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
