// Package lifecycle holds process-wide drain state read by the health endpoint.
package lifecycle

import (
	"sync/atomic"
	"time"
)

var drainingSince atomic.Int64 // unix nanos; zero when serving

// BeginShutdown marks the process as draining. Later calls keep the first timestamp.
func BeginShutdown() {
	drainingSince.CompareAndSwap(0, time.Now().UnixNano())
}

// IsShuttingDown reports whether BeginShutdown has been called.
func IsShuttingDown() bool {
	return drainingSince.Load() != 0
}

// DrainingFor returns how long the process has been draining, or zero.
func DrainingFor() time.Duration {
	since := drainingSince.Load()
	if since == 0 {
		return 0
	}
	return time.Since(time.Unix(0, since))
}

// Reset clears the drain state. For tests.
func Reset() {
	drainingSince.Store(0)
}
