// Package reconnect implements the exponential-backoff reconnect
// supervisor: connect, run a session to completion, sleep for a growing
// delay, and try again, until the caller cancels. It generalizes the
// sleepBackoff/resetBackoff closures of the mux client's control-loop
// lane and the doubling reconnect loop wrapped around RunSession in the
// framed client's entry point, neither of which resets its delay until
// a session actually completes a run.
package reconnect

import (
	"context"
	"math/rand"
	"time"
)

// Config bounds the backoff delay. InitialDelay is used for the first
// retry after a failed or dropped connection; the delay then doubles up
// to MaxDelay.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Backoff tracks the current delay across a sequence of failed attempts.
// It is not safe for concurrent use; Run owns exactly one.
type Backoff struct {
	cfg     Config
	current time.Duration
}

// New returns a Backoff at its initial delay.
func New(cfg Config) *Backoff {
	return &Backoff{cfg: cfg, current: cfg.InitialDelay}
}

// Reset returns the backoff to its initial delay, called after a
// connection attempt succeeds and runs for a while.
func (b *Backoff) Reset() {
	b.current = b.cfg.InitialDelay
}

// Next returns the delay to wait before the next attempt and advances
// the internal state by doubling, capped at MaxDelay. A small jitter is
// added so a fleet of clients reconnecting to the same server doesn't
// retry in lockstep.
func (b *Backoff) Next() time.Duration {
	delay := b.current
	jitterMax := delay / 2
	jitter := time.Duration(0)
	if jitterMax > 0 {
		jitter = time.Duration(rand.Int63n(int64(jitterMax)))
	}

	b.current *= 2
	if b.current > b.cfg.MaxDelay {
		b.current = b.cfg.MaxDelay
	}
	return delay + jitter
}

// Sleep waits for the next backoff delay or until ctx is cancelled,
// whichever comes first. It returns ctx.Err() if the context wins.
func (b *Backoff) Sleep(ctx context.Context) error {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// minSessionDurationToResetBackoff is how long a session has to run
// before a subsequent drop is treated as a fresh failure sequence rather
// than a continuation of the current backoff run.
const minSessionDurationToResetBackoff = 30 * time.Second

// Run repeatedly calls attempt until ctx is cancelled or attempt returns
// nil. attempt should connect, run a session to completion, and return
// the error that ended it (nil on a clean, locally-initiated shutdown).
// Between attempts, Run
// sleeps for a backoff delay; the delay resets to Config.InitialDelay
// whenever a session survives at least minSessionDurationToResetBackoff,
// so a client that connects successfully and later drops doesn't inherit
// the backoff accumulated by earlier failed attempts.
func Run(ctx context.Context, cfg Config, attempt func(ctx context.Context) error) {
	b := New(cfg)
	for {
		if ctx.Err() != nil {
			return
		}

		started := time.Now()
		err := attempt(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			return
		}

		if time.Since(started) >= minSessionDurationToResetBackoff {
			b.Reset()
		}
		if b.Sleep(ctx) != nil {
			return
		}
	}
}
