// Package config loads fabsync configuration: built-in defaults, then the
// fabsync.toml file from the server directory, then FABSYNC_* environment
// variables, each layer overriding the previous one.
package config

import (
	_ "embed"
	"path/filepath"
	"sort"
	"time"

	"github.com/fabsync/fabsync/pkg/errors"
	"github.com/fabsync/fabsync/pkg/types"
)

//go:embed embedded/defaults.toml
var defaultConfig []byte

// rawBytesProvider implements koanf provider for raw bytes
type rawBytesProvider struct{ bytes []byte }

func (r *rawBytesProvider) ReadBytes() ([]byte, error) { return r.bytes, nil }
func (r *rawBytesProvider) Read() (map[string]interface{}, error) {
	return nil, errors.New(errors.ErrInternal, "raw bytes provider does not support Read")
}

// ServerConfig describes the managed server installation.
type ServerConfig struct {
	// Dir is the server root; required
	Dir string `koanf:"dir"`

	// ModsDir and DatapacksDir are resolved relative to Dir when not
	// absolute
	ModsDir      string `koanf:"mods_dir"`
	DatapacksDir string `koanf:"datapacks_dir"`

	// GameVersion pins the target game version; empty picks the latest
	// stable version the loader meta service reports
	GameVersion string `koanf:"game_version"`

	// ScreenSession is the screen session name used to talk to the
	// running server; empty means "assume not running"
	ScreenSession string `koanf:"screen_session"`

	// StartScript is executed to bring the server back up after apply
	StartScript string `koanf:"start_script"`

	// BackupDir holds tar.gz snapshots; empty disables the backup path
	// entirely regardless of options.auto_backup
	BackupDir string `koanf:"backup_dir"`
}

// OptionsConfig holds run behavior knobs.
type OptionsConfig struct {
	AutoBackup          bool          `koanf:"auto_backup"`
	WarnPlayers         bool          `koanf:"warn_players"`
	WarnDelay           time.Duration `koanf:"warn_delay"`
	StopTimeout         time.Duration `koanf:"stop_timeout"`
	RegistryTimeout     time.Duration `koanf:"registry_timeout"`
	RegistryRetries     int           `koanf:"registry_retries"`
	DownloadConcurrency int           `koanf:"download_concurrency"`

	// Force applies even when a chosen mod version does not support the
	// target game version
	Force bool `koanf:"force"`
}

// Config is the fully merged fabsync configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Options OptionsConfig `koanf:"options"`

	// Mods and Datapacks map registry slug to an optional exact version
	// pin; an empty pin means latest compatible
	Mods      map[string]string `koanf:"mods"`
	Datapacks map[string]string `koanf:"datapacks"`
}

// DesiredComponents returns the configured top-level components in stable
// order: mods by id, then datapacks by id.
func (c *Config) DesiredComponents() []types.Component {
	var out []types.Component
	for _, id := range sortedKeys(c.Mods) {
		out = append(out, types.Component{ID: id, Kind: types.KindMod, VersionPin: c.Mods[id]})
	}
	for _, id := range sortedKeys(c.Datapacks) {
		out = append(out, types.Component{ID: id, Kind: types.KindDatapack, VersionPin: c.Datapacks[id]})
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// postProcess validates the merged config and resolves relative paths.
func postProcess(cfg *Config) error {
	if cfg.Server.Dir == "" {
		return errors.New(errors.ErrConfigValid, "server.dir is required")
	}
	if !filepath.IsAbs(cfg.Server.ModsDir) {
		cfg.Server.ModsDir = filepath.Join(cfg.Server.Dir, cfg.Server.ModsDir)
	}
	if !filepath.IsAbs(cfg.Server.DatapacksDir) {
		cfg.Server.DatapacksDir = filepath.Join(cfg.Server.Dir, cfg.Server.DatapacksDir)
	}
	if cfg.Server.BackupDir != "" && !filepath.IsAbs(cfg.Server.BackupDir) {
		cfg.Server.BackupDir = filepath.Join(cfg.Server.Dir, cfg.Server.BackupDir)
	}
	if cfg.Options.RegistryRetries < 0 {
		return errors.Newf(errors.ErrConfigValid,
			"options.registry_retries must not be negative, got %d", cfg.Options.RegistryRetries)
	}
	if cfg.Options.DownloadConcurrency < 1 {
		return errors.Newf(errors.ErrConfigValid,
			"options.download_concurrency must be at least 1, got %d", cfg.Options.DownloadConcurrency)
	}
	for id := range cfg.Mods {
		if id == "" {
			return errors.New(errors.ErrConfigValid, "empty mod id in [mods]")
		}
	}
	for id := range cfg.Datapacks {
		if id == "" {
			return errors.New(errors.ErrConfigValid, "empty datapack id in [datapacks]")
		}
	}
	return nil
}
