// Package server abstracts control of the running game server process.
// The sync engine only ever sees the Controller capability; how the
// process is actually reached (screen session, scripts) is an
// implementation detail of this package.
package server

import (
	"context"
	"time"
)

// Controller is the process-control capability consumed by the apply
// engine. Stop and Start are blocking requests; IsRunning is a cheap
// probe the engine polls while waiting for shutdown.
type Controller interface {
	// IsRunning reports whether the server process is currently up
	IsRunning(ctx context.Context) (bool, error)

	// Stop requests a graceful shutdown. It does not wait for the
	// process to exit; callers poll IsRunning.
	Stop(ctx context.Context) error

	// Start brings the server back up
	Start(ctx context.Context) error

	// Warn tells connected players about the impending restart and then
	// waits delay before returning. Failures are non-fatal to the run.
	Warn(ctx context.Context, message string, delay time.Duration) error
}
