// Package backup snapshots the live server directory before apply and
// restores it on rollback.
package backup

import (
	"context"
)

// Store is the backup capability consumed by the apply engine. It is only
// invoked around the engine's Applying state.
type Store interface {
	// Backup snapshots sourceDir and returns an opaque id for Restore
	Backup(ctx context.Context, sourceDir string) (string, error)

	// Restore brings sourceDir back to the state captured under id
	Restore(ctx context.Context, id string) error
}
