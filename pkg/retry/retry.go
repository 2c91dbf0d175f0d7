package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
)

// Defaults applied by Backoff.Delay to zero fields.
const (
	DefaultInitial    = 100 * time.Millisecond
	DefaultMax        = 5 * time.Second
	DefaultMultiplier = 2.0

	maxMultiplier = 1000
)

// Backoff describes an exponential delay sequence.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter adds up to 25% on top of each delay.
	Jitter bool
}

// Delay returns the wait before attempt number attempt, counting from 0:
// Initial * Multiplier^attempt, capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		b.Initial = DefaultInitial
	}
	if b.Max <= 0 {
		b.Max = DefaultMax
	}
	if b.Multiplier <= 0 {
		b.Multiplier = DefaultMultiplier
	}
	if b.Multiplier > maxMultiplier {
		b.Multiplier = maxMultiplier
	}

	d := float64(b.Initial)
	for i := 0; i < attempt && d < float64(b.Max); i++ {
		d *= b.Multiplier
	}
	delay := time.Duration(d)
	if delay > b.Max {
		delay = b.Max
	}
	if b.Jitter && delay >= 4 {
		delay += time.Duration(rand.Int63n(int64(delay / 4)))
	}
	return delay
}

func (b Backoff) validate() error {
	switch {
	case b.Initial < 0:
		return errors.New("retry: initial delay cannot be negative")
	case b.Max < 0:
		return errors.New("retry: max delay cannot be negative")
	case b.Multiplier < 0:
		return errors.New("retry: multiplier cannot be negative")
	case b.Max > 0 && b.Initial > b.Max:
		return errors.New("retry: max delay must be >= initial delay")
	}
	return nil
}

// Config bounds a retry loop.
type Config struct {
	// Attempts is the total number of calls, first one included. Values
	// below 1 mean a single call.
	Attempts int
	Backoff  Backoff
	// Clock times the waits; nil means the wall clock.
	Clock clock.Clock
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so Do returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do calls fn until it succeeds, returns a Permanent error, the attempts run
// out or ctx ends. fn receives the attempt number, counting from 1. The
// error of the last call is wrapped in the result.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	if err := cfg.Backoff.validate(); err != nil {
		return err
	}
	attempts := max(cfg.Attempts, 1)
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if last = fn(attempt); last == nil {
			return nil
		}
		if IsPermanent(last) {
			return last
		}
		if attempt == attempts {
			break
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry stopped after attempt %d: %w", attempt, err)
		}

		timer := clk.Timer(cfg.Backoff.Delay(attempt - 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry stopped after attempt %d: %w", attempt, ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, last)
}
