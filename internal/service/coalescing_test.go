package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/weatheroo/internal/models"
)

func TestRequestCoalescer_GetOrDo_ConcurrentRequests(t *testing.T) {
	rc := newRequestCoalescer(5 * time.Second)
	var calls atomic.Int32
	release := make(chan struct{})

	fn := func(ctx context.Context) (models.UpstreamBundle, error) {
		calls.Add(1)
		<-release
		return models.UpstreamBundle{Current: json.RawMessage(`{"name":"Seattle"}`)}, nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]models.UpstreamBundle, n)
	shared := make([]bool, n)
	errs := make([]error, n)
	started := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if idx > 0 {
				<-started
			}
			results[idx], shared[idx], errs[idx] = rc.GetOrDo(context.Background(), "city:seattle", fn)
		}(i)
		if i == 0 {
			for calls.Load() == 0 {
				time.Sleep(time.Millisecond)
			}
			close(started)
		}
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	sharedCount := 0
	for i := range results {
		if errs[i] != nil {
			t.Errorf("request %d error = %v", i, errs[i])
		}
		if string(results[i].Current) != `{"name":"Seattle"}` {
			t.Errorf("request %d current = %s", i, results[i].Current)
		}
		if shared[i] {
			sharedCount++
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("fn calls = %d, want 1", got)
	}
	if sharedCount != n-1 {
		t.Errorf("shared = %d, want %d", sharedCount, n-1)
	}
}

func TestRequestCoalescer_GetOrDo_ErrorPropagation(t *testing.T) {
	rc := newRequestCoalescer(5 * time.Second)
	wantErr := errors.New("api failure")
	release := make(chan struct{})
	fn := func(ctx context.Context) (models.UpstreamBundle, error) {
		<-release
		return models.UpstreamBundle{}, wantErr
	}

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, _, errs[idx] = rc.GetOrDo(context.Background(), "city:seattle", fn)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, wantErr) {
			t.Errorf("request %d error = %v, want %v", i, err, wantErr)
		}
	}
}

// TestRequestCoalescer_GetOrDo_CallerCancel verifies a caller that gives up gets
// its context error while the fetch continues for others.
func TestRequestCoalescer_GetOrDo_CallerCancel(t *testing.T) {
	rc := newRequestCoalescer(time.Second)
	release := make(chan struct{})
	var fnCtxErr atomic.Value
	fn := func(ctx context.Context) (models.UpstreamBundle, error) {
		<-release
		fnCtxErr.Store(ctx.Err() == nil)
		return models.UpstreamBundle{Current: json.RawMessage(`{}`)}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := rc.GetOrDo(ctx, "city:seattle", fn); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("GetOrDo() error = %v, want deadline exceeded", err)
	}

	done := make(chan error, 1)
	go func() {
		_, shared, err := rc.GetOrDo(context.Background(), "city:seattle", fn)
		if err == nil && !shared {
			err = errors.New("second caller did not join the running fetch")
		}
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	close(release)
	if err := <-done; err != nil {
		t.Errorf("second GetOrDo() error = %v", err)
	}
	if ok, _ := fnCtxErr.Load().(bool); !ok {
		t.Error("fn context was cancelled with the first caller")
	}
}

func TestRequestCoalescer_GetOrDo_DifferentKeys(t *testing.T) {
	rc := newRequestCoalescer(5 * time.Second)
	var calls atomic.Int32
	fn := func(ctx context.Context) (models.UpstreamBundle, error) {
		calls.Add(1)
		return models.UpstreamBundle{}, nil
	}

	var wg sync.WaitGroup
	for _, key := range []models.LocationKey{"city:a", "city:b", "city:c", "city:d", "city:e"} {
		wg.Add(1)
		go func(key models.LocationKey) {
			defer wg.Done()
			_, _, _ = rc.GetOrDo(context.Background(), key, fn)
		}(key)
	}
	wg.Wait()

	if got := calls.Load(); got != 5 {
		t.Errorf("fn calls = %d, want 5 (no coalescing across keys)", got)
	}
}
