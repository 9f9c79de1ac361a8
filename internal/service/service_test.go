package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/kjstillabower/weatheroo/internal/cache"
	"github.com/kjstillabower/weatheroo/internal/client"
	"github.com/kjstillabower/weatheroo/internal/kvstore"
	"github.com/kjstillabower/weatheroo/internal/models"
	"github.com/kjstillabower/weatheroo/internal/quota"
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

// mockWeatherClient returns err when set, otherwise a bundle naming the location.
// When gate is non-nil every call blocks until it is closed.
type mockWeatherClient struct {
	calls atomic.Int32
	err   error
	gate  chan struct{}
}

func (m *mockWeatherClient) Fetch(ctx context.Context, loc models.Location) (models.UpstreamBundle, error) {
	m.calls.Add(1)
	if m.gate != nil {
		<-m.gate
	}
	if m.err != nil {
		return models.UpstreamBundle{}, m.err
	}
	return models.UpstreamBundle{
		Current:  json.RawMessage(fmt.Sprintf(`{"name":%q}`, loc.Key())),
		Forecast: json.RawMessage(`{"list":[]}`),
	}, nil
}

type harness struct {
	svc     *WeatherService
	client  *mockWeatherClient
	kv      *kvstore.Memory
	cache   *cache.Store
	counter *quota.Counter
	clock   *fakeClock
}

func newHarness(t *testing.T, policy quota.Policy, opts ...Option) *harness {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 3, 5, 10, 0, 5, 0, time.UTC)}
	kv := kvstore.NewMemory(kvstore.WithClock(clock.Now))
	if policy.Location == nil {
		policy.Location = time.UTC
	}
	store := cache.NewStore(kv, 30*time.Minute, nil, cache.WithClock(clock.Now))
	counter := quota.NewCounter(kv, policy, nil, quota.WithClock(clock.Now))
	mc := &mockWeatherClient{}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return &harness{
		svc:     NewWeatherService(mc, store, counter, nil, opts...),
		client:  mc,
		kv:      kv,
		cache:   store,
		counter: counter,
		clock:   clock,
	}
}

func (h *harness) dailyCount(t *testing.T) int64 {
	t.Helper()
	return h.counter.Stats(context.Background()).Daily.Count
}

var london = models.Location{City: "London"}

// TestGetWeather_MissThenHit covers a first fetch and an immediate repeat.
func TestGetWeather_MissThenHit(t *testing.T) {
	h := newHarness(t, quota.Policy{})
	ctx := context.Background()

	first, err := h.svc.GetWeather(ctx, london)
	if err != nil {
		t.Fatalf("GetWeather() error = %v", err)
	}
	if first.Cached || first.Timestamp.IsZero() {
		t.Errorf("first result = %+v, want uncached with timestamp", first)
	}
	if got := h.client.calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
	if _, ok := h.cache.Read(ctx, london.Key()); !ok {
		t.Error("response not written to cache")
	}
	if got := h.dailyCount(t); got != 1 {
		t.Errorf("daily count = %d, want 1", got)
	}

	h.clock.Advance(10 * time.Minute)
	second, err := h.svc.GetWeather(ctx, models.Location{City: "  london "})
	if err != nil {
		t.Fatalf("GetWeather() repeat error = %v", err)
	}
	if !second.Cached || second.CachedAt.IsZero() {
		t.Errorf("repeat result = %+v, want cached", second)
	}
	if string(second.Bundle.Current) != string(first.Bundle.Current) {
		t.Errorf("cached payload = %s, want %s", second.Bundle.Current, first.Bundle.Current)
	}
	if got := h.client.calls.Load(); got != 1 {
		t.Errorf("upstream calls after hit = %d, want 1", got)
	}
	if got := h.dailyCount(t); got != 1 {
		t.Errorf("daily count after hit = %d, want 1 (hits are free)", got)
	}
}

// TestGetWeather_LocationNotFound verifies not-found is classified and nothing is cached.
func TestGetWeather_LocationNotFound(t *testing.T) {
	h := newHarness(t, quota.Policy{})
	h.client.err = fmt.Errorf("wrapped: %w", client.ErrLocationNotFound)
	atlantis := models.Location{City: "Atlantis"}

	_, err := h.svc.GetWeather(context.Background(), atlantis)
	if !errors.Is(err, ErrLocationNotFound) {
		t.Fatalf("GetWeather() error = %v, want ErrLocationNotFound", err)
	}
	if _, ok := h.cache.Read(context.Background(), atlantis.Key()); ok {
		t.Error("not-found response was cached")
	}
	if got := h.dailyCount(t); got != 1 {
		t.Errorf("daily count = %d, want 1 (attempt counted)", got)
	}
}

func TestGetWeather_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		clientErr error
		want      error
	}{
		{"no location", client.ErrNoLocation, ErrLocationNotFound},
		{"auth", fmt.Errorf("%w: HTTP 401", client.ErrInvalidAPIKey), ErrServiceUnavailable},
		{"unavailable", fmt.Errorf("%w: HTTP 502", client.ErrUpstreamUnavailable), ErrInternal},
		{"unexpected", errors.New("boom"), ErrInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, quota.Policy{})
			h.client.err = tt.clientErr
			_, err := h.svc.GetWeather(context.Background(), london)
			if !errors.Is(err, tt.want) {
				t.Errorf("GetWeather() error = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, tt.clientErr) {
				t.Errorf("GetWeather() error = %v, want cause preserved", err)
			}
		})
	}
}

func TestGetWeather_NoLocation(t *testing.T) {
	h := newHarness(t, quota.Policy{})
	_, err := h.svc.GetWeather(context.Background(), models.Location{City: "   "})
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("GetWeather() error = %v, want ErrBadRequest", err)
	}
	if h.client.calls.Load() != 0 || h.dailyCount(t) != 0 {
		t.Error("bad request reached quota or upstream")
	}
}

// TestGetWeather_RateLimited verifies the request after the minute limit is
// rejected with a positive retry hint and no upstream call.
func TestGetWeather_RateLimited(t *testing.T) {
	h := newHarness(t, quota.Policy{})
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		loc := models.Location{City: fmt.Sprintf("city-%d", i)}
		if _, err := h.svc.GetWeather(ctx, loc); err != nil {
			t.Fatalf("request %d error = %v", i+1, err)
		}
	}
	_, err := h.svc.GetWeather(ctx, models.Location{City: "city-50"})
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("request 51 error = %v, want *RateLimitError", err)
	}
	if rle.Window != quota.Minute {
		t.Errorf("Window = %q, want minute", rle.Window)
	}
	if rle.RetryAfter <= 0 || rle.RetryAfterSeconds() != 55 {
		t.Errorf("RetryAfter = %v (%ds), want 55s", rle.RetryAfter, rle.RetryAfterSeconds())
	}
	if got := h.client.calls.Load(); got != 50 {
		t.Errorf("upstream calls = %d, want 50", got)
	}
}

// TestGetWeather_RateLimitedServesStale verifies an existing entry, however old,
// is served with a notice while the quota is exhausted, without an upstream call.
func TestGetWeather_RateLimitedServesStale(t *testing.T) {
	h := newHarness(t, quota.Policy{MinuteLimit: 1})
	ctx := context.Background()

	// Entry old enough to be stale but still present in the store.
	body := models.UpstreamBundle{Current: json.RawMessage(`{"name":"old"}`), Forecast: json.RawMessage(`{}`)}
	raw, _ := json.Marshal(models.CacheEntry{Payload: body, StoredAtEpochMillis: h.clock.Now().Add(-2 * time.Hour).UnixMilli()})
	_ = h.kv.Set(ctx, cache.KeyPrefix+string(london.Key()), raw, time.Hour)

	_, _ = h.counter.Increment(ctx, quota.Minute)
	calls := h.client.calls.Load()

	res, err := h.svc.GetWeather(ctx, london)
	if err != nil {
		t.Fatalf("GetWeather() error = %v", err)
	}
	if !res.Cached || res.Notice != StaleNotice {
		t.Errorf("result = %+v, want cached with stale notice", res)
	}
	if string(res.Bundle.Current) != `{"name":"old"}` {
		t.Errorf("payload = %s, want stale payload", res.Bundle.Current)
	}
	if h.client.calls.Load() != calls {
		t.Error("upstream called while rate limited")
	}
}

// TestGetWeather_BurstLimiter verifies the token bucket only gates upstream
// fetches: fresh hits always pass and an empty bucket answers with a one second hint.
func TestGetWeather_BurstLimiter(t *testing.T) {
	h := newHarness(t, quota.Policy{}, WithBurstLimiter(rate.NewLimiter(rate.Every(time.Hour), 1)))
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		if _, err := h.svc.GetWeather(ctx, london); err != nil {
			t.Fatalf("request %d for a cached city error = %v", i+1, err)
		}
	}
	if got := h.client.calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}

	_, err := h.svc.GetWeather(ctx, models.Location{City: "Paris"})
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("miss with empty bucket error = %v, want *RateLimitError", err)
	}
	if rle.Window != BurstWindow || rle.RetryAfterSeconds() != 1 {
		t.Errorf("RateLimitError = %+v, want burst window with 1s retry", rle)
	}
	if got := h.dailyCount(t); got != 1 {
		t.Errorf("daily count = %d, want 1 (denied miss not tracked)", got)
	}
}

// TestGetWeather_StaleRefetchedUnderQuota verifies an expired-by-age entry is
// refreshed when quota is available.
func TestGetWeather_StaleRefetchedUnderQuota(t *testing.T) {
	h := newHarness(t, quota.Policy{})
	ctx := context.Background()
	raw, _ := json.Marshal(models.CacheEntry{
		Payload:             models.UpstreamBundle{Current: json.RawMessage(`{"name":"old"}`)},
		StoredAtEpochMillis: h.clock.Now().Add(-time.Hour).UnixMilli(),
	})
	_ = h.kv.Set(ctx, cache.KeyPrefix+string(london.Key()), raw, time.Hour)

	res, err := h.svc.GetWeather(ctx, london)
	if err != nil {
		t.Fatalf("GetWeather() error = %v", err)
	}
	if res.Cached || h.client.calls.Load() != 1 {
		t.Errorf("result cached=%v calls=%d, want fresh fetch", res.Cached, h.client.calls.Load())
	}
}

// TestGetWeather_StoreUnavailable verifies the request proceeds uncached and unlimited.
func TestGetWeather_StoreUnavailable(t *testing.T) {
	h := newHarness(t, quota.Policy{MinuteLimit: 1})
	ctx := context.Background()
	_, _ = h.svc.GetWeather(ctx, london)
	h.kv.SetFailing(true)

	for i := 0; i < 3; i++ {
		res, err := h.svc.GetWeather(ctx, london)
		if err != nil {
			t.Fatalf("GetWeather() with store down error = %v", err)
		}
		if res.Cached {
			t.Error("result served from cache with store down")
		}
	}
	if got := h.client.calls.Load(); got != 4 {
		t.Errorf("upstream calls = %d, want 4", got)
	}
}

// TestGetWeather_ConcurrentFirstRequests verifies two concurrent misses count
// exactly twice against the daily quota, with and without coalescing.
func TestGetWeather_ConcurrentFirstRequests(t *testing.T) {
	for _, coalesce := range []bool{false, true} {
		t.Run(fmt.Sprintf("coalesce=%v", coalesce), func(t *testing.T) {
			var opts []Option
			if coalesce {
				opts = append(opts, WithCoalescing(5*time.Second))
			}
			h := newHarness(t, quota.Policy{}, opts...)
			h.client.gate = make(chan struct{})
			paris := models.Location{Coords: &models.Coordinates{Lat: 48.85, Lon: 2.35}}
			before := h.dailyCount(t)

			var wg sync.WaitGroup
			errs := make([]error, 2)
			for i := range errs {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, errs[i] = h.svc.GetWeather(context.Background(), paris)
				}(i)
			}
			// Both requests are counted and fetching before the upstream answers.
			deadline := time.Now().Add(2 * time.Second)
			for (h.dailyCount(t) < before+2 || h.svc.stampede.count(paris.Key()) < 2) && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
			time.Sleep(20 * time.Millisecond)
			close(h.client.gate)
			wg.Wait()

			for i, err := range errs {
				if err != nil {
					t.Errorf("request %d error = %v", i, err)
				}
			}
			if got := h.dailyCount(t); got != before+2 {
				t.Errorf("daily count = %d, want %d", got, before+2)
			}
			calls := h.client.calls.Load()
			if coalesce && calls != 1 {
				t.Errorf("upstream calls = %d, want 1 with coalescing", calls)
			}
			if !coalesce && calls != 2 {
				t.Errorf("upstream calls = %d, want 2 without coalescing", calls)
			}
		})
	}
}

func TestRateLimitError_RetryAfterSeconds(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want int
	}{
		{0, 1},
		{500 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{59 * time.Second, 59},
	}
	for _, tt := range tests {
		if got := (&RateLimitError{RetryAfter: tt.d}).RetryAfterSeconds(); got != tt.want {
			t.Errorf("RetryAfterSeconds(%v) = %d, want %d", tt.d, got, tt.want)
		}
	}
}
