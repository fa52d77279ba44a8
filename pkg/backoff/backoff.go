package backoff

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy describes an exponential backoff schedule.
//
// Delay for attempt n (1-based) is InitialDelay * Multiplier^(n-1),
// capped at MaxDelay. With Jitter > 0 a uniform random fraction of the
// computed delay (up to Jitter) is added.
//
// The zero value is not usable; call withDefaults via Retry or use
// Delay on a fully populated Policy.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// Jitter is a fraction in [0, 1). 0 disables jitter, which keeps
	// schedules deterministic for tests.
	Jitter float64

	// Sleep is injectable for tests. Defaults to a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error

	// RNG is used only when Jitter > 0.
	RNG *rand.Rand
}

var ErrMaxAttempts = errors.New("backoff: max attempts reached")

func (p Policy) withDefaults() Policy {
	out := p
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.InitialDelay <= 0 {
		out.InitialDelay = time.Second
	}
	if out.Multiplier <= 1 {
		out.Multiplier = 2
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = time.Minute
	}
	if out.Sleep == nil {
		out.Sleep = sleepCtx
	}
	return out
}

// Delay returns the delay to apply before the given 1-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if time.Duration(d) >= p.MaxDelay {
			d = float64(p.MaxDelay)
			break
		}
	}
	out := time.Duration(d)
	if out > p.MaxDelay {
		out = p.MaxDelay
	}
	if p.Jitter > 0 {
		rng := p.RNG
		if rng == nil {
			rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		out += time.Duration(rng.Float64() * p.Jitter * float64(out))
	}
	return out
}

// Retry invokes fn until it succeeds, the attempt budget is exhausted, or
// ctx is canceled. The delay is applied before every attempt except the
// first. On exhaustion the last error from fn is returned wrapped together
// with ErrMaxAttempts.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	p = p.withDefaults()

	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := p.Sleep(ctx, p.Delay(attempt-1)); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		last = fn(ctx, attempt)
		if last == nil {
			return nil
		}
	}
	return errors.Join(ErrMaxAttempts, last)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
