package server

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fabsync/fabsync/pkg/errors"
)

// WaitStopped polls IsRunning with exponential backoff until the server
// process has exited or the timeout elapses. Starting the apply while the
// process still holds its files open would corrupt the swap, so a timeout
// here fails the run with Timeout.
func WaitStopped(ctx context.Context, ctrl Controller, timeout time.Duration) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = timeout

	stillRunning := errors.New(errors.ErrTimeout, "server still running")

	op := func() error {
		running, err := ctrl.IsRunning(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if running {
			return stillRunning
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(policy, ctx))
	if err == nil {
		return nil
	}
	if errors.IsErrorCode(err, errors.ErrTimeout) {
		return errors.Newf(errors.ErrTimeout, "server did not stop within %s", timeout)
	}
	return err
}
