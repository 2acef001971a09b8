package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
	return ctx.Err()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(limit int, window time.Duration) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)}
	return New(limit, window).WithClock(clock.Now, clock.Sleep), clock
}

func TestAdmitUnderLimitDoesNotWait(t *testing.T) {
	l, clock := newTestLimiter(3, time.Minute)
	for i := 0; i < 3; i++ {
		if err := l.Admit(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if len(clock.slept) != 0 {
		t.Errorf("expected no waits, got %v", clock.slept)
	}
	if l.InFlight() != 3 {
		t.Errorf("expected 3 in flight, got %d", l.InFlight())
	}
}

func TestAdmitWaitsForOldestToExpire(t *testing.T) {
	l, clock := newTestLimiter(2, time.Minute)
	var waits []time.Duration
	l.OnWait = func(d time.Duration) { waits = append(waits, d) }

	l.Admit(context.Background())
	clock.Advance(20 * time.Second)
	l.Admit(context.Background())
	l.Admit(context.Background())

	if len(clock.slept) != 1 || clock.slept[0] != 40*time.Second {
		t.Fatalf("expected one 40s wait, got %v", clock.slept)
	}
	if len(waits) != 3 || waits[2] != 40*time.Second {
		t.Errorf("expected OnWait to see every admission, got %v", waits)
	}
}

func TestAdmitWindowSlides(t *testing.T) {
	l, clock := newTestLimiter(2, time.Minute)
	l.Admit(context.Background())
	l.Admit(context.Background())
	clock.Advance(time.Minute + time.Second)
	if l.InFlight() != 0 {
		t.Errorf("expected the window to be empty, got %d", l.InFlight())
	}
	l.Admit(context.Background())
	if len(clock.slept) != 0 {
		t.Errorf("expected no wait after the window passed, got %v", clock.slept)
	}
}

func TestAdmitNeverExceedsLimitInWindow(t *testing.T) {
	l, clock := newTestLimiter(5, time.Minute)
	var admitted []time.Time
	for i := 0; i < 12; i++ {
		if err := l.Admit(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		admitted = append(admitted, clock.Now())
		clock.Advance(time.Second)
	}
	for i := 5; i < len(admitted); i++ {
		if gap := admitted[i].Sub(admitted[i-5]); gap < time.Minute {
			t.Errorf("admission %d is %v after admission %d, expected at least a window", i, gap, i-5)
		}
	}
}

func TestAdmitConcurrentCallers(t *testing.T) {
	l, _ := newTestLimiter(3, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Admit(context.Background())
		}()
	}
	wg.Wait()
	if n := l.InFlight(); n > 3 {
		t.Errorf("expected at most 3 admissions in the window, got %d", n)
	}
}

func TestAdmitCancelled(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)
	l.Admit(context.Background())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Admit(ctx); err == nil {
		t.Error("expected a cancelled admission to fail")
	}
}
