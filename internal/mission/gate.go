// Package mission decides when the vehicle has finished its mission: a
// poll loop over the flight controller's mission progress.
package mission

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/philsphicas/camrelay/internal/retry"
)

// PollFunc reports whether the vehicle is heading to its final waypoint.
type PollFunc func(ctx context.Context) (bool, error)

// errNotFinal keeps the gate polling after a successful "not yet" poll.
var errNotFinal = errors.New("destination is not final waypoint")

// Gate waits for mission completion.
type Gate struct {
	Poll  PollFunc
	Delay time.Duration

	Logger *slog.Logger

	// OnPoll is called after every poll with its outcome. It may be nil.
	OnPoll func(final bool, err error)

	// Sleep overrides the wait between polls (tests).
	Sleep func(ctx context.Context, d time.Duration) error
}

// Wait polls until Poll returns true. Poll failures are logged and retried
// forever, with Delay slept after every poll that did not report the final
// waypoint. Only ctx ends the wait early.
func (g *Gate) Wait(ctx context.Context) error {
	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("waiting for end of mission", "poll_delay", g.Delay)
	policy := retry.Policy{Delay: g.Delay, Sleep: g.Sleep}
	attempts, err := policy.Do(ctx, func(attempt int) error {
		final, err := g.Poll(ctx)
		if g.OnPoll != nil {
			g.OnPoll(final, err)
		}
		switch {
		case err != nil:
			logger.Warn("failed to poll flight controller", "attempt", attempt, "error", err)
			return err
		case !final:
			logger.Debug("destination is not final waypoint", "attempt", attempt)
			return errNotFinal
		default:
			return nil
		}
	})
	if err != nil {
		return err
	}
	logger.Info("final waypoint reached", "polls", attempts)
	return nil
}

// AwaitMissionEnd is Wait for a plain poll function and delay.
func AwaitMissionEnd(ctx context.Context, poll PollFunc, delay time.Duration) error {
	g := &Gate{Poll: poll, Delay: delay}
	return g.Wait(ctx)
}
