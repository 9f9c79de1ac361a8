package service

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/weatheroo/internal/models"
)

// flight is one upstream fetch that concurrent callers for the same key share.
type flight struct {
	done   chan struct{}
	bundle models.UpstreamBundle
	err    error
}

// requestCoalescer collapses concurrent fetches for one LocationKey into a single
// upstream call. It is an optimization only; quota accounting happens before it.
type requestCoalescer struct {
	mu       sync.Mutex
	inFlight map[models.LocationKey]*flight
	timeout  time.Duration
}

// newRequestCoalescer bounds both the shared fetch and each caller's wait by timeout.
func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{
		inFlight: make(map[models.LocationKey]*flight),
		timeout:  timeout,
	}
}

// GetOrDo joins the in-flight fetch for key or starts one with fn. shared is true
// when the caller joined an existing fetch. fn runs detached from the starting
// caller's cancellation, bounded by the coalescer timeout, so one caller giving up
// does not fail the others. Waiting stops at ctx cancellation or the timeout.
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key models.LocationKey, fn func(context.Context) (models.UpstreamBundle, error)) (models.UpstreamBundle, bool, error) {
	rc.mu.Lock()
	f, shared := rc.inFlight[key]
	if !shared {
		f = &flight{done: make(chan struct{})}
		rc.inFlight[key] = f
		go rc.run(ctx, key, f, fn)
	}
	rc.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case <-f.done:
		return f.bundle, shared, f.err
	case <-waitCtx.Done():
		return models.UpstreamBundle{}, shared, waitCtx.Err()
	}
}

// run executes fn for key, publishes the result to every waiter and clears the
// in-flight slot.
func (rc *requestCoalescer) run(ctx context.Context, key models.LocationKey, f *flight, fn func(context.Context) (models.UpstreamBundle, error)) {
	fnCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rc.timeout)
	defer cancel()
	f.bundle, f.err = fn(fnCtx)

	rc.mu.Lock()
	delete(rc.inFlight, key)
	rc.mu.Unlock()
	close(f.done)
}
