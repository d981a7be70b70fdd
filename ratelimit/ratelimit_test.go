package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/memoryd/errors"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter() (*Limiter, *clock) {
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New()
	l.now = c.now
	return l, c
}

func TestUnknownResourceIsUnlimited(t *testing.T) {
	l := New()
	defer l.Close()

	for i := 0; i < 100; i++ {
		if !l.TryAcquire("chat") {
			t.Fatal("unlimited resource refused a token")
		}
	}
	if err := l.Acquire(context.Background(), "chat"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if l.Capacity("chat") != nil {
		t.Error("expected nil capacity for unlimited resource")
	}
}

func TestTryAcquireExhaustsAndRefills(t *testing.T) {
	l, c := newTestLimiter()
	defer l.Close()
	l.SetRate("embed", 3, time.Minute)

	for i := 0; i < 3; i++ {
		if !l.TryAcquire("embed") {
			t.Fatalf("attempt %d refused", i+1)
		}
	}
	if l.TryAcquire("embed") {
		t.Fatal("fourth token granted")
	}

	c.advance(20 * time.Second)
	if !l.TryAcquire("embed") {
		t.Fatal("token not refilled after a third of the window")
	}
	if l.TryAcquire("embed") {
		t.Fatal("refill granted more than one token")
	}
}

func TestRefillCapsAtCapacity(t *testing.T) {
	l, c := newTestLimiter()
	defer l.Close()
	l.SetRate("chat", 2, time.Second)

	c.advance(time.Hour)
	capacity := l.Capacity("chat")
	if capacity.Available != 2 || capacity.Total != 2 || capacity.Window != time.Second {
		t.Errorf("capacity = %+v", capacity)
	}
}

func TestSetRateZeroRemovesLimit(t *testing.T) {
	l := New()
	defer l.Close()
	l.SetRate("chat", 1, time.Hour)
	l.TryAcquire("chat")
	if l.TryAcquire("chat") {
		t.Fatal("limit not applied")
	}
	l.SetRate("chat", 0, time.Hour)
	if !l.TryAcquire("chat") {
		t.Fatal("limit not removed")
	}
}

func TestAcquireWaitsForToken(t *testing.T) {
	l := New()
	defer l.Close()
	l.SetRate("chat", 1, 50*time.Millisecond)

	if err := l.Acquire(context.Background(), "chat"); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := l.Acquire(context.Background(), "chat"); err != nil {
		t.Fatal(err)
	}
	if waited := time.Since(start); waited < 30*time.Millisecond {
		t.Errorf("second Acquire returned after %v", waited)
	}
}

func TestAcquireContextTimeout(t *testing.T) {
	l := New()
	defer l.Close()
	l.SetRate("chat", 1, time.Hour)
	l.TryAcquire("chat")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx, "chat")
	if !errors.Is(err, errors.ErrCodeTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
}

func TestCloseWakesWaiters(t *testing.T) {
	l := New()
	l.SetRate("chat", 1, time.Hour)
	l.TryAcquire("chat")

	errc := make(chan error, 1)
	go func() { errc <- l.Acquire(context.Background(), "chat") }()

	time.Sleep(10 * time.Millisecond)
	l.Close()

	select {
	case err := <-errc:
		if err != ErrClosed {
			t.Errorf("err = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Close")
	}
	if l.TryAcquire("chat") {
		t.Error("TryAcquire succeeded after Close")
	}
}

func TestReduceAndRecover(t *testing.T) {
	l, c := newTestLimiter()
	defer l.Close()
	l.SetRate("chat", 20, time.Minute)

	l.Reduce("chat")
	if got := l.Capacity("chat").Total; got != 10 {
		t.Fatalf("after one reduce total = %d, want 10", got)
	}
	l.Reduce("chat")
	if got := l.Capacity("chat").Total; got != 5 {
		t.Fatalf("after two reduces total = %d, want 5", got)
	}

	c.advance(time.Minute)
	if got := l.Capacity("chat").Total; got != 7 {
		t.Errorf("after one quiet window total = %d, want 7", got)
	}
	var capacity *Capacity
	for i := 0; i < 10; i++ {
		c.advance(time.Minute)
		capacity = l.Capacity("chat")
	}
	if capacity.Total != 20 || capacity.Configured != 20 {
		t.Errorf("not recovered: %+v", capacity)
	}
}

func TestReduceFloorsAtOne(t *testing.T) {
	l, _ := newTestLimiter()
	defer l.Close()
	l.SetRate("embed", 1, time.Second)
	l.Reduce("embed")
	l.Reduce("embed")
	if got := l.Capacity("embed").Total; got != 1 {
		t.Errorf("total = %d, want 1", got)
	}
	l.Reduce("unknown")
}

func TestConcurrentTryAcquire(t *testing.T) {
	l := New()
	defer l.Close()
	l.SetRate("chat", 50, time.Hour)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryAcquire("chat") {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if granted != 50 {
		t.Errorf("granted = %d, want 50", granted)
	}
}
