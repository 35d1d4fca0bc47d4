package types

import "path/filepath"

// TreeLayout locates component kinds inside the server directory. Both
// fields are relative to the server root; the staging area mirrors this
// layout so apply is a sequence of same-filesystem renames.
type TreeLayout struct {
	ModsDir      string
	DatapacksDir string
}

// DefaultLayout matches the stock server directory structure.
func DefaultLayout() TreeLayout {
	return TreeLayout{
		ModsDir:      "mods",
		DatapacksDir: filepath.Join("world", "datapacks"),
	}
}

// ArtifactPath returns the live path of an artifact, relative to the
// server directory.
func (l TreeLayout) ArtifactPath(a *ResolvedArtifact) string {
	return filepath.Join(l.KindDir(a.Kind), a.FileName)
}

// KindDir returns the relative directory for a component kind.
func (l TreeLayout) KindDir(kind ComponentKind) string {
	if kind == KindDatapack {
		return l.DatapacksDir
	}
	return l.ModsDir
}
