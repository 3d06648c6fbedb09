package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/LykxSassinator/backupstore/internal/errs"
)

// Options configures exponential backoff for retries.
type Options struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool

	// Budget bounds the total elapsed time of one logical operation,
	// retries included. Zero means no elapsed-time bound.
	Budget time.Duration
	// AttemptTimeout bounds each individual attempt. Zero means the
	// attempt runs under the caller's context alone.
	AttemptTimeout time.Duration
}

// Default backoff settings used when opts are zero/invalid.
var Default = Options{
	MaxAttempts:  5,
	InitialDelay: 300 * time.Millisecond,
	MaxDelay:     8 * time.Second,
	Multiplier:   2.0,
	Jitter:       true,
}

// Classifier maps an error to the normalized kind that drives the state
// machine. Implementations must be side-effect free.
type Classifier func(error) errs.Kind

// RefreshFunc forces a credential refresh. It is invoked at most once per
// logical operation, when an attempt fails with KindAuthFailure.
type RefreshFunc func(context.Context) error

// Do executes fn until it succeeds, fails terminally, the context is done,
// or the attempt/elapsed budget is exhausted.
//
// Transitions: a KindTransient error backs off (exponential, capped,
// optional +/-20% jitter) and re-attempts. A KindAuthFailure error triggers
// one mandatory credential refresh via refresh, outside the attempt
// counter; a second auth failure is terminal. Any other kind returns
// immediately. When attempts or the elapsed budget run out, the last error
// is returned wrapped as KindExhausted.
func Do(ctx context.Context, opts Options, op, target string, classify Classifier, refresh RefreshFunc, fn func(context.Context) error) error {
	if opts.MaxAttempts <= 0 {
		budget, attemptTimeout := opts.Budget, opts.AttemptTimeout
		opts = Default
		opts.Budget, opts.AttemptTimeout = budget, attemptTimeout
	}
	var (
		attempt   int
		refreshed bool
		backoff   = opts.InitialDelay
		start     = time.Now()
		rng       = rand.New(rand.NewSource(time.Now().UnixNano()))
	)

	for {
		attempt++
		err := runAttempt(ctx, opts.AttemptTimeout, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			// Cancellation never retries.
			return ctx.Err()
		}

		switch classify(err) {
		case errs.KindTransient:
			// Retry below.
		case errs.KindAuthFailure:
			if refreshed || refresh == nil {
				return err
			}
			// One forced refresh per logical operation; does not
			// consume an attempt and does not sleep.
			refreshed = true
			attempt--
			if rerr := refresh(ctx); rerr != nil {
				return rerr
			}
			continue
		default:
			return err
		}

		if attempt >= opts.MaxAttempts {
			return errs.Exhausted(op, target, attempt, err)
		}

		sleep := backoff
		if opts.Jitter {
			// +/-20% jitter.
			delta := float64(backoff) * 0.2
			j := (rng.Float64()*2 - 1) * delta
			sleep = time.Duration(math.Max(0, float64(backoff)+j))
		}
		if sleep > opts.MaxDelay {
			sleep = opts.MaxDelay
		}
		if opts.Budget > 0 && time.Since(start)+sleep > opts.Budget {
			return errs.Exhausted(op, target, attempt, err)
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		// Next backoff with overflow guard and cap.
		next := time.Duration(float64(backoff) * opts.Multiplier)
		if next < backoff {
			next = backoff
		}
		backoff = next
		if backoff > opts.MaxDelay {
			backoff = opts.MaxDelay
		}
	}
}

func runAttempt(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(actx)
}
