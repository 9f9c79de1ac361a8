// Package traffic keeps per-second counts of lookup outcomes for the last few
// minutes. The health endpoint reads the error rate from it and the metrics
// package exports windowed gauges.
package traffic

import (
	"sync"
	"time"
)

// Horizon is the longest window the tracker can answer for.
const Horizon = 5 * time.Minute

const slots = int(Horizon / time.Second)

// Outcome classifies a finished lookup.
type Outcome int

const (
	Served  Outcome = iota // answered with weather data, fresh or cached
	Failed                 // upstream or internal failure
	Limited                // rejected by the quota or the burst limiter
	numOutcomes
)

type slot struct {
	sec    int64
	counts [numOutcomes]int
}

// Tracker is a ring of one-second slots. The zero value is not usable; use NewTracker.
type Tracker struct {
	mu   sync.Mutex
	now  func() time.Time
	ring [slots]slot
}

// NewTracker returns a Tracker reading time from now (time.Now when nil).
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now}
}

// Record counts one outcome in the current second.
func (t *Tracker) Record(o Outcome) {
	t.RecordN(o, 1)
}

// RecordN counts n outcomes in the current second.
func (t *Tracker) RecordN(o Outcome, n int) {
	if o < 0 || o >= numOutcomes || n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	sec := t.now().Unix()
	s := &t.ring[sec%int64(slots)]
	if s.sec != sec {
		*s = slot{sec: sec}
	}
	s.counts[o] += n
}

// sumLocked adds the counts of every live slot inside window.
func (t *Tracker) sumLocked(window time.Duration) [numOutcomes]int {
	var total [numOutcomes]int
	secs := int64(min(window, Horizon) / time.Second)
	if secs <= 0 {
		return total
	}
	now := t.now().Unix()
	for i := range t.ring {
		s := &t.ring[i]
		if s.sec > now-secs && s.sec <= now {
			for o := range total {
				total[o] += s.counts[o]
			}
		}
	}
	return total
}

// Count returns outcomes of kind o within window.
func (t *Tracker) Count(o Outcome, window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sumLocked(window)[o]
}

// RequestCount returns all outcomes within window.
func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.sumLocked(window)
	return c[Served] + c[Failed] + c[Limited]
}

// ErrorRate returns (failed, served+failed) within window. Limited lookups are
// excluded: a quota denial is policy, not a fault.
func (t *Tracker) ErrorRate(window time.Duration) (failed, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.sumLocked(window)
	return c[Failed], c[Served] + c[Failed]
}

// Reset clears every slot.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ring = [slots]slot{}
}

var defaultTracker = NewTracker(nil)

// Record counts one outcome on the process-wide tracker.
func Record(o Outcome) { defaultTracker.Record(o) }

// RequestCount reads the process-wide tracker.
func RequestCount(window time.Duration) int { return defaultTracker.RequestCount(window) }

// ErrorRate reads the process-wide tracker.
func ErrorRate(window time.Duration) (failed, total int) { return defaultTracker.ErrorRate(window) }

// Reset clears the process-wide tracker. For tests.
func Reset() { defaultTracker.Reset() }

// RecordN counts n outcomes on the process-wide tracker.
func RecordN(o Outcome, n int) { defaultTracker.RecordN(o, n) }
