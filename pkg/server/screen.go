package server

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/fabsync/fabsync/pkg/errors"
	"github.com/fabsync/fabsync/pkg/logging"
)

// ScreenController drives a server running inside a GNU screen session:
// commands are stuffed into the session's input, shutdown is the in-game
// "stop" command, startup runs a configured script.
type ScreenController struct {
	session     string
	startScript string
	logger      zerolog.Logger
}

// NewScreen creates a ScreenController. An empty session means no server
// is attached: IsRunning reports false and Stop/Warn are no-ops, which
// covers servers that are managed manually.
func NewScreen(session, startScript string) *ScreenController {
	return &ScreenController{
		session:     session,
		startScript: startScript,
		logger:      logging.GetLogger("server"),
	}
}

// IsRunning implements Controller.
func (c *ScreenController) IsRunning(ctx context.Context) (bool, error) {
	if c.session == "" {
		return false, nil
	}
	cmd := exec.CommandContext(ctx, "sh", "-c",
		fmt.Sprintf("screen -list | grep -q '\\.%s\\b'", c.session))
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if _, isExit := err.(*exec.ExitError); isExit {
		// grep found no session
		return false, nil
	}
	if ctx.Err() != nil {
		return false, errors.Wrap(ctx.Err(), errors.ErrTimeout, "session probe cancelled")
	}
	return false, errors.Wrap(err, errors.ErrServerControl, "failed to probe screen session")
}

// Stop implements Controller by sending the in-game stop command.
func (c *ScreenController) Stop(ctx context.Context) error {
	if c.session == "" {
		c.logger.Debug().Msg("No screen session configured, assuming server is stopped")
		return nil
	}
	return c.send(ctx, "stop")
}

// Start implements Controller by running the configured start script.
func (c *ScreenController) Start(ctx context.Context) error {
	if c.startScript == "" {
		c.logger.Warn().Msg("No start script configured, not starting the server")
		return nil
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", c.startScript)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, errors.ErrServerControl,
			"start script failed: %s", string(out))
	}
	c.logger.Info().Str("script", c.startScript).Msg("Server start script completed")
	return nil
}

// Warn implements Controller. It shows an on-screen title plus a chat
// message, then waits out the delay so players can wrap up.
func (c *ScreenController) Warn(ctx context.Context, message string, delay time.Duration) error {
	running, err := c.IsRunning(ctx)
	if err != nil || !running {
		return err
	}

	title := fmt.Sprintf(`title @a title {"text":%q,"color":"red"}`, message)
	if err := c.send(ctx, title); err != nil {
		return err
	}
	// Chat fallback for clients that miss the title.
	tellraw := fmt.Sprintf(`tellraw @a {"text":%q,"color":"red"}`, message)
	if err := c.send(ctx, tellraw); err != nil {
		return err
	}

	if delay > 0 {
		c.logger.Info().Dur("delay", delay).Msg("Warned players, waiting before stop")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.ErrTimeout, "warn delay interrupted")
		}
	}
	return nil
}

// send stuffs a command into the screen session.
func (c *ScreenController) send(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "screen", "-S", c.session, "-X", "stuff", command+"\n")
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, errors.ErrServerControl,
			"failed to send %q to session %s: %s", command, c.session, string(out))
	}
	return nil
}
