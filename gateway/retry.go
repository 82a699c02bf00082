package gateway

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy is the single retry/backoff policy applied uniformly to
// gateway calls. Only transient errors are retried; rejections and
// unsupported operations return immediately.
//
// delay = min(InitialDelay * Multiplier^attempt, MaxDelay) ± jitter
type Policy struct {
	MaxAttempts  int // total attempts including the first
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64 // 0.0 - 1.0 fraction of the delay
}

// DefaultPolicy suits the controller's per-sweep calls: the next sweep
// re-diffs anyway, so a short burst of retries is enough.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

func (p *Policy) validate() {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 200 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	if p.JitterFactor < 0 {
		p.JitterFactor = 0
	}
	if p.JitterFactor > 1 {
		p.JitterFactor = 1
	}
}

func (p Policy) delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.JitterFactor > 0 {
		d += d * p.JitterFactor * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Retry runs op, retrying transient failures per the policy. The last
// error is returned when attempts are exhausted or ctx is cancelled.
func Retry(ctx context.Context, p Policy, op func() error) error {
	p.validate()

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return lastErr
			}
			return ctx.Err()
		default:
		}

		err := op()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsTransient(err) {
			return err
		}
		if attempt >= p.MaxAttempts-1 {
			break
		}

		select {
		case <-time.After(p.delay(attempt)):
		case <-ctx.Done():
			return lastErr
		}
	}
	return lastErr
}

// RetryResult is Retry for operations returning a value.
func RetryResult[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	var out T
	err := Retry(ctx, p, func() error {
		v, err := op()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
