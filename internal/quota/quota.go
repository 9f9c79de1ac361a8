// Package quota implements fixed-window request counters on top of the KV store.
// Counters live under weatheroo:rate:minute:<minute-of-epoch> and
// weatheroo:rate:daily:<YYYY-M-D>; each bucket key expires at the end of its window,
// so a new window is simply a new key.
//
// The counter fails open: if the store cannot be reached, IsOverLimit reports false
// and the service keeps working without quota enforcement.
package quota

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weatheroo/internal/kvstore"
	"github.com/kjstillabower/weatheroo/internal/observability"
)

// Key prefixes. The layout is shared with existing deployments and must not change.
const (
	MinuteKeyPrefix = "weatheroo:rate:minute:"
	DailyKeyPrefix  = "weatheroo:rate:daily:"
)

// Kind names a window.
type Kind string

const (
	Minute Kind = "minute"
	Daily  Kind = "daily"
)

// Policy is the static quota configuration.
type Policy struct {
	MinuteLimit  int64
	DailyLimit   int64
	MinuteWindow time.Duration
	// Location decides where the daily bucket rolls over. Defaults to time.Local,
	// so instances in different timezones reset at different instants.
	Location *time.Location
}

// DefaultPolicy returns 50 calls per minute and 950 per local calendar day.
func DefaultPolicy() Policy {
	return Policy{
		MinuteLimit:  50,
		DailyLimit:   950,
		MinuteWindow: time.Minute,
		Location:     time.Local,
	}
}

// WindowStats is a point-in-time view of one window.
type WindowStats struct {
	Kind      Kind
	Key       string
	Count     int64
	Limit     int64
	Remaining int64
	TTL       int64 // seconds, or kvstore.TTLMissing
	ResetAt   time.Time
}

// PercentUsed returns round(count*100/limit).
func (w WindowStats) PercentUsed() int64 {
	if w.Limit <= 0 {
		return 0
	}
	return int64(math.Round(float64(w.Count) * 100 / float64(w.Limit)))
}

// Snapshot holds both windows. Degraded is true when the store could not be read
// and the values are defaults.
type Snapshot struct {
	Minute   WindowStats
	Daily    WindowStats
	Degraded bool
}

// Counter tracks upstream calls per window.
type Counter struct {
	store  kvstore.Store
	policy Policy
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Counter.
type Option func(*Counter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Counter) {
		c.now = now
	}
}

// NewCounter returns a Counter over store. Zero policy fields take DefaultPolicy values.
func NewCounter(store kvstore.Store, policy Policy, logger *zap.Logger, opts ...Option) *Counter {
	def := DefaultPolicy()
	if policy.MinuteLimit <= 0 {
		policy.MinuteLimit = def.MinuteLimit
	}
	if policy.DailyLimit <= 0 {
		policy.DailyLimit = def.DailyLimit
	}
	if policy.MinuteWindow <= 0 {
		policy.MinuteWindow = def.MinuteWindow
	}
	if policy.Location == nil {
		policy.Location = def.Location
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Counter{store: store, policy: policy, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the effective policy.
func (c *Counter) Policy() Policy {
	return c.policy
}

// Now returns the counter's current time.
func (c *Counter) Now() time.Time {
	return c.now()
}

// limit returns the configured ceiling for kind.
func (c *Counter) limit(kind Kind) int64 {
	if kind == Daily {
		return c.policy.DailyLimit
	}
	return c.policy.MinuteLimit
}

// BucketKey returns the store key of the window containing now.
func (c *Counter) BucketKey(kind Kind, now time.Time) string {
	if kind == Daily {
		local := now.In(c.policy.Location)
		return fmt.Sprintf("%s%d-%d-%d", DailyKeyPrefix, local.Year(), int(local.Month()), local.Day())
	}
	bucket := now.UnixMilli() / c.policy.MinuteWindow.Milliseconds()
	return MinuteKeyPrefix + strconv.FormatInt(bucket, 10)
}

// bucketEnd returns the instant the window containing now closes.
func (c *Counter) bucketEnd(kind Kind, now time.Time) time.Time {
	if kind == Daily {
		local := now.In(c.policy.Location)
		return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, c.policy.Location)
	}
	width := c.policy.MinuteWindow.Milliseconds()
	bucket := now.UnixMilli() / width
	return time.UnixMilli((bucket + 1) * width)
}

// remaining returns the whole seconds left in the window, at least one.
func (c *Counter) remaining(kind Kind, now time.Time) time.Duration {
	secs := math.Ceil(c.bucketEnd(kind, now).Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// Increment counts one call in the current window of kind. The bucket's
// remaining length is used as expiry when this call creates the bucket.
func (c *Counter) Increment(ctx context.Context, kind Kind) (int64, error) {
	now := c.now()
	n, err := c.store.Increment(ctx, c.BucketKey(kind, now), c.remaining(kind, now))
	if err != nil {
		observability.StoreErrorsTotal.WithLabelValues("incr").Inc()
		return 0, fmt.Errorf("increment %s window: %w", kind, err)
	}
	observability.QuotaIncrementsTotal.WithLabelValues(string(kind)).Inc()
	return n, nil
}

// Track counts one upstream call in both windows. Failures are logged and
// returned; callers proceed regardless.
func (c *Counter) Track(ctx context.Context) error {
	var firstErr error
	for _, kind := range []Kind{Minute, Daily} {
		if _, err := c.Increment(ctx, kind); err != nil {
			observability.LoggerFromContext(ctx, c.logger).Warn("quota increment failed", zap.String("window", string(kind)), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// count reads one bucket counter. A missing key counts as zero.
func (c *Counter) count(ctx context.Context, key string) (int64, error) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		observability.StoreErrorsTotal.WithLabelValues("get").Inc()
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("counter %s holds %q: %w", key, raw, err)
	}
	return n, nil
}

// Exceeded returns the first window at or over its limit.
func (c *Counter) Exceeded(ctx context.Context) (Kind, bool) {
	now := c.now()
	for _, kind := range []Kind{Minute, Daily} {
		n, err := c.count(ctx, c.BucketKey(kind, now))
		if err != nil {
			observability.LoggerFromContext(ctx, c.logger).Warn("quota check failed, failing open", zap.String("window", string(kind)), zap.Error(err))
			return "", false
		}
		if n >= c.limit(kind) {
			return kind, true
		}
	}
	return "", false
}

// IsOverLimit reports whether either window has reached its limit. It returns
// false when the store is unavailable.
func (c *Counter) IsOverLimit(ctx context.Context) bool {
	_, over := c.Exceeded(ctx)
	return over
}

// window reads the count and TTL of kind's current bucket. A missing TTL leaves
// ResetAt at the computed bucket end.
func (c *Counter) window(ctx context.Context, kind Kind, now time.Time) (WindowStats, error) {
	key := c.BucketKey(kind, now)
	limit := c.limit(kind)
	ws := WindowStats{
		Kind:      kind,
		Key:       key,
		Limit:     limit,
		Remaining: limit,
		TTL:       kvstore.TTLMissing,
		ResetAt:   c.bucketEnd(kind, now),
	}
	n, err := c.count(ctx, key)
	if err != nil {
		return ws, err
	}
	ttl, err := c.store.TTL(ctx, key)
	if err != nil {
		observability.StoreErrorsTotal.WithLabelValues("ttl").Inc()
		return ws, err
	}
	ws.Count = n
	ws.Remaining = max(0, limit-n)
	ws.TTL = ttl
	if ttl >= 0 {
		ws.ResetAt = now.Add(time.Duration(ttl) * time.Second)
	}
	return ws, nil
}

// Stats returns both windows. On store failure it returns zero counts with
// computed reset times and Degraded set.
func (c *Counter) Stats(ctx context.Context) Snapshot {
	now := c.now()
	minute, errMin := c.window(ctx, Minute, now)
	daily, errDay := c.window(ctx, Daily, now)
	if errMin != nil || errDay != nil {
		err := errMin
		if err == nil {
			err = errDay
		}
		observability.LoggerFromContext(ctx, c.logger).Warn("quota stats unavailable, returning defaults", zap.Error(err))
		return Snapshot{
			Minute:   c.defaultWindow(Minute, now),
			Daily:    c.defaultWindow(Daily, now),
			Degraded: true,
		}
	}
	return Snapshot{Minute: minute, Daily: daily}
}

// defaultWindow is an empty window, used when the store cannot be read.
func (c *Counter) defaultWindow(kind Kind, now time.Time) WindowStats {
	limit := c.limit(kind)
	return WindowStats{
		Kind:      kind,
		Key:       c.BucketKey(kind, now),
		Limit:     limit,
		Remaining: limit,
		TTL:       kvstore.TTLMissing,
		ResetAt:   c.bucketEnd(kind, now),
	}
}

// RetryAfter returns the whole seconds until the minute window resets, at least one.
func (c *Counter) RetryAfter(ctx context.Context) time.Duration {
	now := c.now()
	ws, err := c.window(ctx, Minute, now)
	if err != nil {
		return c.remaining(Minute, now)
	}
	secs := math.Ceil(ws.ResetAt.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}
