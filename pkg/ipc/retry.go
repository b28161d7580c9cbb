package ipc

import (
	"context"
	"time"
)

/*
RetryPolicy declaratively bounds a retried operation. The zero value of any
field falls back to its default; the default delay grows linearly with the
retry count and saturates at five seconds.
*/
type RetryPolicy struct {
	// MaxDuration bounds the total time spent, including delays.
	MaxDuration time.Duration

	// MaxRetries bounds the number of attempts after the first.
	MaxRetries int

	// Delay computes the pause before the given retry (1-based).
	Delay func(retry int) time.Duration
}

// DefaultRetryPolicy mirrors the framework-wide defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxDuration: time.Minute,
		MaxRetries:  10,
		Delay:       DefaultRetryDelay,
	}
}

// DefaultRetryDelay is min(retry x 100ms, 5s).
func DefaultRetryDelay(retry int) time.Duration {
	d := time.Duration(retry) * 100 * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

// Execute runs op until it succeeds or the policy is exhausted. The last
// error is returned; cancellation surfaces unwrapped.
func (p RetryPolicy) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	delayFn := p.Delay
	if delayFn == nil {
		delayFn = DefaultRetryDelay
	}

	deadline := time.Time{}
	if p.MaxDuration > 0 {
		deadline = time.Now().Add(p.MaxDuration)
	}

	var err error
	for retry := 0; ; retry++ {
		if err = op(ctx); err == nil {
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if p.MaxRetries > 0 && retry >= p.MaxRetries {
			return err
		}

		delay := delayFn(retry + 1)
		if !deadline.IsZero() && time.Now().Add(delay).After(deadline) {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
