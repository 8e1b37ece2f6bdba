// Package retry runs fallible operations with bounded exponential backoff.
// Every error is treated as retryable; callers that need classification
// should do it inside the operation.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Policy configures the attempt budget and backoff curve.
type Policy struct {
	Retries  int
	MinDelay time.Duration
	MaxDelay time.Duration
	Factor   float64
	Jitter   bool
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		Retries:  2,
		MinDelay: 500 * time.Millisecond,
		MaxDelay: 8 * time.Second,
		Factor:   2,
		Jitter:   true,
	}
}

// Validate checks the policy for values the backoff loop cannot handle.
func (p Policy) Validate() error {
	if p.Retries < 0 {
		return fmt.Errorf("retry: retries must be >= 0, got %d", p.Retries)
	}
	if p.Factor <= 1 {
		return fmt.Errorf("retry: factor must be > 1, got %g", p.Factor)
	}
	if p.MinDelay < 0 || p.MaxDelay < p.MinDelay {
		return fmt.Errorf("retry: need 0 <= minDelay <= maxDelay, got %s/%s", p.MinDelay, p.MaxDelay)
	}
	return nil
}

// Observer is told about each failure right before the executor waits.
// It must not influence control flow.
type Observer func(err error, attempt int, nextDelay time.Duration)

type options struct {
	observer Observer
	sleep    func(ctx context.Context, d time.Duration) error
	rand     func() float64
}

type Option func(*options)

// WithObserver registers a telemetry callback.
func WithObserver(fn Observer) Option {
	return func(o *options) { o.observer = fn }
}

// WithSleep replaces the timer used between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.sleep = fn }
}

// WithRand replaces the jitter source. fn must return values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(o *options) { o.rand = fn }
}

// Do executes op once, then up to p.Retries more times while it keeps failing.
// The last error is returned unmodified once the budget is spent.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error), opts ...Option) (T, error) {
	o := options{sleep: sleepContext, rand: rand.Float64}
	for _, opt := range opts {
		opt(&o)
	}

	result, err := op(ctx)
	if err == nil || p.Retries <= 0 {
		return result, err
	}

	delay := p.MinDelay
	for attempt := 1; attempt <= p.Retries; attempt++ {
		if o.observer != nil {
			o.observer(err, attempt, delay)
		}
		if serr := o.sleep(ctx, delay); serr != nil {
			var zero T
			return zero, serr
		}

		result, err = op(ctx)
		if err == nil {
			return result, nil
		}
		if attempt < p.Retries {
			delay = p.advance(delay, o.rand)
		}
	}

	var zero T
	return zero, err
}

// advance grows the delay by Factor, applies jitter and clamps to MaxDelay.
func (p Policy) advance(delay time.Duration, rnd func() float64) time.Duration {
	next := time.Duration(float64(delay) * p.Factor)
	if next > p.MaxDelay || next < 0 {
		next = p.MaxDelay
	}
	if p.Jitter {
		next = time.Duration(float64(next) * (0.5 + rnd()))
		if next > p.MaxDelay {
			next = p.MaxDelay
		}
	}
	return next
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
