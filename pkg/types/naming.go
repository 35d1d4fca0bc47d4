package types

import "strings"

// Managed files are named "<id>_<version>.<ext>" so the inventory scanner
// can recover the component identity without a database. Registry slugs do
// not contain underscores, so the first underscore is the separator.

// ManagedFileName builds the live file name for a component version.
func ManagedFileName(id string, kind ComponentKind, version string) string {
	ext := ".jar"
	if kind == KindDatapack {
		ext = ".zip"
	}
	return id + "_" + sanitizeVersion(version) + ext
}

// ParseManagedFileName recovers (id, version, kind) from a live file name.
// ok is false for files that do not follow the managed naming scheme.
func ParseManagedFileName(name string) (id, version string, kind ComponentKind, ok bool) {
	switch {
	case strings.HasSuffix(name, ".jar"):
		kind = KindMod
		name = strings.TrimSuffix(name, ".jar")
	case strings.HasSuffix(name, ".zip"):
		kind = KindDatapack
		name = strings.TrimSuffix(name, ".zip")
	default:
		return "", "", "", false
	}

	sep := strings.Index(name, "_")
	if sep <= 0 || sep == len(name)-1 {
		return "", "", "", false
	}
	return name[:sep], name[sep+1:], kind, true
}

// sanitizeVersion strips characters that would break a file name.
func sanitizeVersion(version string) string {
	r := strings.NewReplacer("/", "-", "\\", "-", " ", "-")
	return r.Replace(version)
}
