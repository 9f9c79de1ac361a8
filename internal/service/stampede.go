package service

import (
	"sync"

	"github.com/kjstillabower/weatheroo/internal/models"
)

// stampedeTracker counts concurrent cache misses per key. A count above one
// means several requests are fetching the same location at once.
type stampedeTracker struct {
	mu     sync.Mutex
	active map[models.LocationKey]int
}

func newStampedeTracker() *stampedeTracker {
	return &stampedeTracker{active: make(map[models.LocationKey]int)}
}

// enter records a miss for key and returns the number of misses now in progress.
// Callers must call leave when the fetch completes.
func (st *stampedeTracker) enter(key models.LocationKey) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.active[key]++
	return st.active[key]
}

// leave releases a miss recorded by enter.
func (st *stampedeTracker) leave(key models.LocationKey) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.active[key] <= 1 {
		delete(st.active, key)
		return
	}
	st.active[key]--
}

// count returns the misses in progress for key.
func (st *stampedeTracker) count(key models.LocationKey) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.active[key]
}
