// Package poll provides the single bounded wait primitive used everywhere
// the coordinator has to wait on external progress: byte growth on disk,
// extraction percent, daemon status, seek safety. Nothing in the process is
// allowed to wait on those conditions any other way.
package poll

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when the probe never succeeded within maxWait.
var ErrTimeout = errors.New("poll: condition not met before timeout")

// Probe reports whether the awaited condition holds. Returning an error
// aborts the wait immediately.
type Probe func() (done bool, err error)

// Until runs probe immediately and then on every interval tick until it
// reports done, errors, the context is cancelled, or maxWait elapses.
//
// The immediate first call matters: a range request whose bytes are already
// on disk must be served without sleeping even once.
func Until(ctx context.Context, interval, maxWait time.Duration, probe Probe) error {
	deadline := time.Now().Add(maxWait)

	for {
		done, err := probe()
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if time.Now().After(deadline) {
			return ErrTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
