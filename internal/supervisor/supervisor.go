// Package supervisor restarts a failing connection attempt after a backoff
// until its context is cancelled.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"

	"bookflow/logger"
)

var (
	// ErrAttemptEnded is reported when an attempt returns nil while its
	// context is still live.
	ErrAttemptEnded = errors.New("attempt ended without error")
	ErrPanic        = errors.New("attempt panicked")
)

// Result describes one finished attempt.
type Result struct {
	Stream   string
	Attempt  int
	Err      error
	Duration time.Duration
}

// Supervisor is not safe for concurrent Run calls; use one per stream.
type Supervisor struct {
	name      string
	backoff   backoff.BackOff
	onFailure func(context.Context, Result)
	log       *logger.Log
}

// New returns a supervisor that waits b between attempts. onFailure, when
// set, runs after every failed attempt before the wait.
func New(name string, b backoff.BackOff, onFailure func(context.Context, Result)) *Supervisor {
	if b == nil {
		b = backoff.NewConstantBackOff(5 * time.Second)
	}
	return &Supervisor{
		name:      name,
		backoff:   b,
		onFailure: onFailure,
		log:       logger.GetLogger(),
	}
}

// Run calls attempt until ctx is done and returns ctx.Err(). It returns
// early only when the backoff gives up.
func (s *Supervisor) Run(ctx context.Context, attempt func(context.Context) error) error {
	log := s.log.WithComponent("supervisor").WithField("stream", s.name)
	s.backoff.Reset()

	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()
		err := runAttempt(ctx, attempt)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			err = ErrAttemptEnded
		}

		res := Result{Stream: s.name, Attempt: n, Err: err, Duration: time.Since(start)}
		if s.onFailure != nil {
			s.onFailure(ctx, res)
		}

		wait := s.backoff.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("%s: giving up after %d attempts: %w", s.name, n, err)
		}

		log.WithError(err).WithFields(logger.Fields{
			"attempt":  n,
			"duration": res.Duration.String(),
			"retry_in": wait.String(),
		}).Warn("stream attempt failed; reconnecting")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func runAttempt(ctx context.Context, attempt func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrPanic, r, debug.Stack())
		}
	}()
	return attempt(ctx)
}
