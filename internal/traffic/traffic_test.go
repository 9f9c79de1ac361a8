package traffic

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestTracker() (*Tracker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return NewTracker(clock.Now), clock
}

// TestTracker_Empty verifies a new tracker reports nothing.
func TestTracker_Empty(t *testing.T) {
	tr, _ := newTestTracker()
	if n := tr.RequestCount(time.Minute); n != 0 {
		t.Errorf("RequestCount() = %d, want 0", n)
	}
	if f, total := tr.ErrorRate(time.Minute); f != 0 || total != 0 {
		t.Errorf("ErrorRate() = (%d, %d), want (0, 0)", f, total)
	}
}

// TestTracker_ErrorRate verifies limited lookups count as requests but not in the error rate.
func TestTracker_ErrorRate(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Record(Served)
	tr.Record(Served)
	tr.Record(Failed)
	tr.RecordN(Limited, 4)

	if n := tr.RequestCount(time.Minute); n != 7 {
		t.Errorf("RequestCount() = %d, want 7", n)
	}
	if f, total := tr.ErrorRate(time.Minute); f != 1 || total != 3 {
		t.Errorf("ErrorRate() = (%d, %d), want (1, 3)", f, total)
	}
	if n := tr.Count(Limited, time.Minute); n != 4 {
		t.Errorf("Count(Limited) = %d, want 4", n)
	}
}

// TestTracker_Window verifies outcomes age out of the window and the ring reuses slots.
func TestTracker_Window(t *testing.T) {
	tr, clock := newTestTracker()
	tr.Record(Failed)
	clock.Advance(30 * time.Second)
	tr.Record(Served)

	if n := tr.RequestCount(time.Minute); n != 2 {
		t.Errorf("RequestCount(1m) = %d, want 2", n)
	}
	if n := tr.RequestCount(10 * time.Second); n != 1 {
		t.Errorf("RequestCount(10s) = %d, want 1", n)
	}

	clock.Advance(Horizon)
	tr.Record(Served)
	if n := tr.RequestCount(Horizon); n != 1 {
		t.Errorf("RequestCount(horizon) after wrap = %d, want 1", n)
	}
	if n := tr.RequestCount(time.Hour); n != 1 {
		t.Errorf("RequestCount(1h) = %d, want window capped at horizon", n)
	}
}

func TestTracker_IgnoresInvalid(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Record(Outcome(42))
	tr.RecordN(Served, 0)
	if n := tr.RequestCount(time.Minute); n != 0 {
		t.Errorf("RequestCount() = %d, want 0", n)
	}
}

func TestTracker_Concurrent(t *testing.T) {
	tr, _ := newTestTracker()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				tr.Record(Served)
			}
		}()
	}
	wg.Wait()
	if n := tr.RequestCount(time.Minute); n != 1000 {
		t.Errorf("RequestCount() = %d, want 1000", n)
	}
}

func TestReset(t *testing.T) {
	Reset()
	Record(Served)
	Record(Failed)
	if n := RequestCount(time.Minute); n != 2 {
		t.Errorf("RequestCount() = %d, want 2", n)
	}
	Reset()
	if n := RequestCount(time.Minute); n != 0 {
		t.Errorf("RequestCount() after Reset = %d, want 0", n)
	}
}
