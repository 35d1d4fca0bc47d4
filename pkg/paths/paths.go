// Package paths provides centralized path handling for fabsync.
// It implements XDG Base Directory compliance for fabsync's own files
// (logs, cache); everything the tool manages lives under the server
// directory and is addressed relative to it.
package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// Environment variable names
const (
	// EnvStateDir overrides the XDG state directory for fabsync
	EnvStateDir = "FABSYNC_STATE_DIR"

	// EnvCacheDir overrides the XDG cache directory for fabsync
	EnvCacheDir = "FABSYNC_CACHE_DIR"
)

// Names fixed by fabsync's on-disk layout. These are not user-configurable:
// the staging directory name doubles as the single-run lock and the state
// file name is what a second invocation looks for.
const (
	// AppDirName is the directory name for fabsync-specific files
	AppDirName = "fabsync"

	// ConfigFileName is the configuration file looked up in the server dir
	ConfigFileName = "fabsync.toml"

	// StateFileName is the persisted state record in the server dir
	StateFileName = "fabsync.state.toml"

	// StagingDirName is the scratch directory created under the server dir
	// for the duration of one run
	StagingDirName = ".fabsync-staging"

	// LogFileName is the name of the log file
	LogFileName = "fabsync.log"
)

// StateDir returns the directory for fabsync's own state (log files).
func StateDir() string {
	if dir := os.Getenv(EnvStateDir); dir != "" {
		return dir
	}
	return filepath.Join(xdg.StateHome, AppDirName)
}

// CacheDir returns the directory for cacheable data.
func CacheDir() string {
	if dir := os.Getenv(EnvCacheDir); dir != "" {
		return dir
	}
	return filepath.Join(xdg.CacheHome, AppDirName)
}

// ConfigFile returns the config file path inside a server directory.
func ConfigFile(serverDir string) string {
	return filepath.Join(serverDir, ConfigFileName)
}

// StateFile returns the persisted state path inside a server directory.
func StateFile(serverDir string) string {
	return filepath.Join(serverDir, StateFileName)
}

// StagingDir returns the staging scratch path inside a server directory.
func StagingDir(serverDir string) string {
	return filepath.Join(serverDir, StagingDirName)
}
