package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy describes how a fallible remote operation is retried: how many
// attempts are made, and how the delay between attempts grows.
// The delay for attempt n is BaseDelay*2^n, capped at MaxDelay, with up to
// Jitter (a fraction of the delay) of random noise added on top.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// Provider is the default policy for cloud provider API calls.
var Provider = Policy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, Jitter: 0.2}

// Probe is the default policy for remote readiness probes.
var Probe = Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second, Jitter: 0.2}

func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay << attempt
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Float64() * p.Jitter * float64(d))
	}
	return d
}

// Do calls fn until it succeeds or the policy's attempts are exhausted.
// Context cancellation always wins over further retries and is returned as-is.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i < p.MaxAttempts; i++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = fn(); err == nil {
			return nil
		}
		if i < p.MaxAttempts-1 {
			select {
			case <-time.After(p.delay(i)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return err
}

// DoResult is like Do but for functions that return a value.
func DoResult[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	var result T
	var err error
	for i := 0; i < p.MaxAttempts; i++ {
		if err = ctx.Err(); err != nil {
			return result, err
		}
		if result, err = fn(); err == nil {
			return result, nil
		}
		if i < p.MaxAttempts-1 {
			select {
			case <-time.After(p.delay(i)):
			case <-ctx.Done():
				return result, ctx.Err()
			}
		}
	}
	return result, err
}
