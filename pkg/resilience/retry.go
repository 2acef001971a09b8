package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// Backoff is the retry policy shared by every upstream call site. The delay
// before attempt n+1 is BaseDelay * Multiplier^(n-1), capped at MaxDelay.
type Backoff struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64

	// OnRetry, when set, is called before each backoff sleep.
	OnRetry func(name string, attempt int, delay time.Duration, err error)

	sleep func(ctx context.Context, d time.Duration) error
}

func defaultBackoff() Backoff {
	return Backoff{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

// NewBackoff fills zero fields with defaults.
func NewBackoff(maxAttempts int, baseDelay, maxDelay time.Duration, multiplier float64) *Backoff {
	defaults := defaultBackoff()
	b := &Backoff{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
		Multiplier:  multiplier,
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = defaults.MaxAttempts
	}
	if b.BaseDelay <= 0 {
		b.BaseDelay = defaults.BaseDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = defaults.MaxDelay
	}
	if b.Multiplier <= 1 {
		b.Multiplier = defaults.Multiplier
	}
	return b
}

// WithSleep replaces the backoff sleep, mainly so tests can observe delays.
func (b *Backoff) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Backoff {
	cp := *b
	cp.sleep = sleep
	return &cp
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
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

// ExhaustedError is returned once every attempt has failed.
type ExhaustedError struct {
	Name     string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d attempts failed for %s: %v", e.Attempts, e.Name, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do runs fn until it succeeds, returns a permanent error, the context is
// cancelled, or MaxAttempts is reached.
func (b *Backoff) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	logger := slog.Default().With("component", "retry", "operation", name)
	var lastErr error
	for attempt := 1; attempt <= b.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				logger.Info("succeeded after retry", "attempt", attempt)
			}
			return nil
		}
		if IsPermanent(lastErr) {
			return &ExhaustedError{Name: name, Attempts: attempt, Err: lastErr}
		}
		if attempt == b.MaxAttempts {
			break
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		}
		delay := b.Delay(attempt)
		logger.Warn("operation failed, retrying", "attempt", attempt, "max_attempts", b.MaxAttempts, "error", lastErr, "next_delay", delay)
		if b.OnRetry != nil {
			b.OnRetry(name, attempt, delay, lastErr)
		}
		if err := b.doSleep(ctx, delay); err != nil {
			return fmt.Errorf("retry aborted during backoff: %w", err)
		}
	}
	return &ExhaustedError{Name: name, Attempts: b.MaxAttempts, Err: lastErr}
}

// Delay returns the pause after the given failed attempt (1-based).
func (b *Backoff) Delay(attempt int) time.Duration {
	backoff := float64(b.BaseDelay) * math.Pow(b.Multiplier, float64(attempt-1))
	if backoff > float64(b.MaxDelay) {
		backoff = float64(b.MaxDelay)
	}
	return time.Duration(backoff)
}

func (b *Backoff) doSleep(ctx context.Context, d time.Duration) error {
	if b.sleep != nil {
		return b.sleep(ctx, d)
	}
	return Sleep(ctx, d)
}

// Sleep pauses for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
