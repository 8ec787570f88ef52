// Package retry provides bounded retries with exponential backoff for
// transient catalog and warehouse failures.
//
// Only errors marked transient (via Transient) are retried. Authorization,
// schema, and manifest-integrity failures must not be wrapped, so they
// surface on the first attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/streamhaus/songdwh/internal/logctx"
)

// transientError marks an error as worth retrying.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps an error to mark it as transient (retryable).
// Returns nil if err is nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether any error in the chain is marked transient.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// Policy is a bounded retry policy with exponential backoff.
type Policy struct {
	// MaxAttempts is the total number of attempts (first try included).
	MaxAttempts int
	// BaseDelay is the delay after the first failed attempt; it doubles
	// per attempt up to MaxDelay.
	BaseDelay time.Duration
	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration
}

// DefaultPolicy returns the retry policy used for catalog and warehouse calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

// Validate checks policy values.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("MaxAttempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("BaseDelay must be non-negative, got %v", p.BaseDelay)
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("MaxDelay must be non-negative, got %v", p.MaxDelay)
	}
	return nil
}

func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do runs fn, retrying transient failures until the attempt budget is
// exhausted or the context is cancelled. Non-transient errors are returned
// immediately.
func (p Policy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	log := logctx.FromContext(ctx)

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		d := p.delay(attempt)
		log.Warn().
			Str("op", op).
			Int("attempt", attempt).
			Dur("backoff", d).
			Err(lastErr).
			Msg("transient failure, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}

	return fmt.Errorf("%s: retry budget exhausted after %d attempts: %w", op, p.MaxAttempts, lastErr)
}
