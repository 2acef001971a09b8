package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is a sliding-window admission controller: at most limit calls to
// Admit return within any rolling window. It never rejects, it only delays.
//
// The limiter keeps the admission times of the last limit calls. A caller
// reserves its slot under the lock (at now, or at oldest+window when the queue
// is full) and then sleeps outside the lock until that instant.
type Limiter struct {
	mu     sync.Mutex
	times  []time.Time // admission times, oldest first, len <= limit
	limit  int
	window time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// OnWait, when set, observes how long each caller was delayed.
	OnWait func(d time.Duration)
}

// New creates a limiter admitting limit calls per window.
func New(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		times:  make([]time.Time, 0, limit),
		limit:  limit,
		window: window,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// WithClock swaps the time source and sleeper, mainly for tests.
func (l *Limiter) WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) *Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	l.sleep = sleep
	return l
}

// Admit blocks until issuing one more request keeps the window within the
// limit. A cancelled context returns its error; the reserved slot is kept.
func (l *Limiter) Admit(ctx context.Context) error {
	wait := l.reserve()
	if l.OnWait != nil {
		l.OnWait(wait)
	}
	if wait <= 0 {
		return ctx.Err()
	}
	return l.sleep(ctx, wait)
}

func (l *Limiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cutoff := now.Add(-l.window)
	evict := 0
	for evict < len(l.times) && !l.times[evict].After(cutoff) {
		evict++
	}
	if evict > 0 {
		l.times = append(l.times[:0], l.times[evict:]...)
	}
	at := now
	if len(l.times) >= l.limit {
		earliest := l.times[0].Add(l.window)
		if earliest.After(at) {
			at = earliest
		}
		l.times = l.times[1:]
	}
	l.times = append(l.times, at)
	return at.Sub(now)
}

// InFlight returns the number of admissions inside the current window.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.window)
	n := 0
	for _, t := range l.times {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
