package ingestor

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/baldanca/eda-ingestor/source"
)

// RetryPolicy decides whether a failed source is run again.
type RetryPolicy interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// nopRetry runs fn once; restarts are left to the host.
type nopRetry struct{}

func (nopRetry) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// SimpleRetry restarts a failed source with exponential backoff.
//
// Permanent source errors (configuration, missing resource) and context errors
// are returned at once. Attempts counts runs, not restarts; a negative value
// restarts forever.
type SimpleRetry struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    bool

	// OnRetry, when set, is called before each restart with the run number
	// about to start and the error that ended the previous run.
	OnRetry func(attempt int, err error)
}

func (r SimpleRetry) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	attempts := r.Attempts
	if attempts == 0 {
		attempts = 1
	}

	base := r.BaseDelay
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	maxDelay := r.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if maxDelay < base {
		maxDelay = base
	}

	var last error
	delay := base

	for i := 0; attempts < 0 || i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if i > 0 && r.OnRetry != nil {
			r.OnRetry(i+1, last)
		}

		last = fn(ctx)
		if last == nil || !retryable(ctx, last) {
			return last
		}

		if attempts > 0 && i == attempts-1 {
			break
		}

		d := delay
		if r.Jitter {
			j := 0.8 + rand.Float64()*0.4
			d = time.Duration(float64(d) * j)
		}
		if d > maxDelay {
			d = maxDelay
		}

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}

	return last
}

func retryable(ctx context.Context, err error) bool {
	if source.IsPermanent(err) {
		return false
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return false
	}
	return true
}
