// Package usage reports quota and cache state for operators. It only reads
// through the quota counter, the cache-aside store and the KV store probe; the
// stress and simulate actions are the exception and count calls on purpose.
package usage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weatheroo/internal/cache"
	"github.com/kjstillabower/weatheroo/internal/kvstore"
	"github.com/kjstillabower/weatheroo/internal/observability"
	"github.com/kjstillabower/weatheroo/internal/quota"
)

// MaxStressCount bounds the number of calls a single stress action may track.
const MaxStressCount = 1000

// WindowUsage is one quota window as shown to operators.
type WindowUsage struct {
	RequestCount int64     `json:"requestCount"`
	MaxRequests  int64     `json:"maxRequests"`
	ResetTime    time.Time `json:"resetTime"`
	Remaining    int64     `json:"remaining"`
	PercentUsed  int64     `json:"percentUsed"`
}

// CacheStats lists the cached locations.
type CacheStats struct {
	Size int      `json:"size"`
	Keys []string `json:"keys"`
}

// Report is the /api/admin/usage payload.
type Report struct {
	CurrentPeriod WindowUsage `json:"currentPeriod"`
	Daily         WindowUsage `json:"daily"`
	CacheStats    CacheStats  `json:"cacheStats"`
}

// Reporter aggregates counter, cache and store state.
type Reporter struct {
	counter *quota.Counter
	cache   *cache.Store
	kv      kvstore.Store
	backend string
	logger  *zap.Logger
}

// NewReporter returns a Reporter. backend names the KV store backend for health output.
func NewReporter(counter *quota.Counter, store *cache.Store, kv kvstore.Store, backend string, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{counter: counter, cache: store, kv: kv, backend: backend, logger: logger}
}

// windowUsage converts a quota window to its JSON shape.
func windowUsage(ws quota.WindowStats) WindowUsage {
	return WindowUsage{
		RequestCount: ws.Count,
		MaxRequests:  ws.Limit,
		ResetTime:    ws.ResetAt.UTC(),
		Remaining:    ws.Remaining,
		PercentUsed:  ws.PercentUsed(),
	}
}

// Usage returns both quota windows and the cached locations. Store failures
// yield default counts and an empty key list.
func (r *Reporter) Usage(ctx context.Context) Report {
	snap := r.counter.Stats(ctx)
	return Report{
		CurrentPeriod: windowUsage(snap.Minute),
		Daily:         windowUsage(snap.Daily),
		CacheStats:    r.cacheStats(ctx),
	}
}

// cacheStats lists cached location keys. Store failures give an empty list.
func (r *Reporter) cacheStats(ctx context.Context) CacheStats {
	keys, err := r.cache.Keys(ctx)
	if err != nil {
		observability.LoggerFromContext(ctx, r.logger).Warn("cache stats unavailable", zap.Error(err))
		return CacheStats{Keys: []string{}}
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, string(k))
	}
	return CacheStats{Size: len(out), Keys: out}
}

// UsageStats is the currentPeriod/daily pair embedded in test payloads.
type UsageStats struct {
	CurrentPeriod WindowUsage `json:"currentPeriod"`
	Daily         WindowUsage `json:"daily"`
}

func (r *Reporter) stats(ctx context.Context) UsageStats {
	snap := r.counter.Stats(ctx)
	return UsageStats{CurrentPeriod: windowUsage(snap.Minute), Daily: windowUsage(snap.Daily)}
}

// CheckResult answers the "check" action.
type CheckResult struct {
	Action        string      `json:"action"`
	IsRateLimited bool        `json:"isRateLimited"`
	CurrentPeriod WindowUsage `json:"currentPeriod"`
	Daily         WindowUsage `json:"daily"`
	Timestamp     time.Time   `json:"timestamp"`
}

// Check reports whether the quota is exhausted.
func (r *Reporter) Check(ctx context.Context) CheckResult {
	limited := r.counter.IsOverLimit(ctx)
	s := r.stats(ctx)
	return CheckResult{
		Action:        "check",
		IsRateLimited: limited,
		CurrentPeriod: s.CurrentPeriod,
		Daily:         s.Daily,
		Timestamp:     r.counter.Now().UTC(),
	}
}

// SimulateResult answers the "simulate" action.
type SimulateResult struct {
	Action    string     `json:"action"`
	Success   bool       `json:"success"`
	Before    UsageStats `json:"before"`
	After     UsageStats `json:"after"`
	Timestamp time.Time  `json:"timestamp"`
}

// Simulate counts one call as if an upstream fetch had happened.
func (r *Reporter) Simulate(ctx context.Context) SimulateResult {
	before := r.stats(ctx)
	err := r.counter.Track(ctx)
	return SimulateResult{
		Action:    "simulate",
		Success:   err == nil,
		Before:    before,
		After:     r.stats(ctx),
		Timestamp: r.counter.Now().UTC(),
	}
}

// CounterDetail is the raw state of one bucket key.
type CounterDetail struct {
	Key     string `json:"key"`
	Counter int64  `json:"counter"`
	TTL     int64  `json:"ttl"`
	Limit   int64  `json:"limit"`
}

// StoreStatus is the probe summary embedded in the detailed payload.
type StoreStatus struct {
	Connected  bool                    `json:"connected"`
	Operations kvstore.ProbeOperations `json:"operations"`
}

// DetailedResult answers the "detailed" action.
type DetailedResult struct {
	Action     string `json:"action"`
	RateLimits struct {
		Minute CounterDetail `json:"minute"`
		Daily  CounterDetail `json:"daily"`
	} `json:"rateLimits"`
	Stats     UsageStats  `json:"stats"`
	Cache     CacheStats  `json:"cache"`
	Store     StoreStatus `json:"store"`
	Timestamp time.Time   `json:"timestamp"`
}

// Detailed returns raw bucket keys, counters and TTLs plus a store probe.
func (r *Reporter) Detailed(ctx context.Context) DetailedResult {
	snap := r.counter.Stats(ctx)
	probe := kvstore.Probe(ctx, r.kv)

	var d DetailedResult
	d.Action = "detailed"
	d.RateLimits.Minute = CounterDetail{Key: snap.Minute.Key, Counter: snap.Minute.Count, TTL: snap.Minute.TTL, Limit: snap.Minute.Limit}
	d.RateLimits.Daily = CounterDetail{Key: snap.Daily.Key, Counter: snap.Daily.Count, TTL: snap.Daily.TTL, Limit: snap.Daily.Limit}
	d.Stats = UsageStats{CurrentPeriod: windowUsage(snap.Minute), Daily: windowUsage(snap.Daily)}
	d.Cache = r.cacheStats(ctx)
	d.Store = StoreStatus{Connected: probe.Connected, Operations: probe.Operations}
	d.Timestamp = r.counter.Now().UTC()
	return d
}

// StressCall is one tracked call in a stress run.
type StressCall struct {
	Call        int   `json:"call"`
	Tracked     bool  `json:"tracked"`
	IsLimited   bool  `json:"isLimited"`
	MinuteCount int64 `json:"minuteCount"`
	DailyCount  int64 `json:"dailyCount"`
}

// StressSummary totals a stress run.
type StressSummary struct {
	TotalCalls      int    `json:"totalCalls"`
	SuccessfulCalls int    `json:"successfulCalls"`
	HitRateLimit    bool   `json:"hitRateLimit"`
	MinuteUsage     string `json:"minuteUsage"`
	DailyUsage      string `json:"dailyUsage"`
}

// StressResult answers the "stress" action.
type StressResult struct {
	Action       string        `json:"action"`
	RequestCount int           `json:"requestCount"`
	Results      []StressCall  `json:"results"`
	InitialStats UsageStats    `json:"initialStats"`
	FinalStats   UsageStats    `json:"finalStats"`
	Summary      StressSummary `json:"summary"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Stress tracks up to count calls, stopping at the first one that leaves the
// quota exhausted. count is clamped to 1..MaxStressCount.
func (r *Reporter) Stress(ctx context.Context, count int) StressResult {
	count = min(max(count, 1), MaxStressCount)
	res := StressResult{
		Action:       "stress",
		RequestCount: count,
		Results:      make([]StressCall, 0, count),
		InitialStats: r.stats(ctx),
	}
	for i := 1; i <= count; i++ {
		if err := ctx.Err(); err != nil {
			break
		}
		tracked := r.counter.Track(ctx) == nil
		after := r.counter.Stats(ctx)
		limited := r.counter.IsOverLimit(ctx)
		res.Results = append(res.Results, StressCall{
			Call:        i,
			Tracked:     tracked,
			IsLimited:   limited,
			MinuteCount: after.Minute.Count,
			DailyCount:  after.Daily.Count,
		})
		if tracked {
			res.Summary.SuccessfulCalls++
		}
		if limited {
			res.Summary.HitRateLimit = true
			break
		}
	}
	res.FinalStats = r.stats(ctx)
	res.Summary.TotalCalls = len(res.Results)
	res.Summary.MinuteUsage = fmt.Sprintf("%d/%d", res.FinalStats.CurrentPeriod.RequestCount, res.FinalStats.CurrentPeriod.MaxRequests)
	res.Summary.DailyUsage = fmt.Sprintf("%d/%d", res.FinalStats.Daily.RequestCount, res.FinalStats.Daily.MaxRequests)
	res.Timestamp = r.counter.Now().UTC()
	return res
}

// ClearResult answers a cache clear.
type ClearResult struct {
	Action  string `json:"action"`
	Deleted int    `json:"deleted"`
}

// ClearCache removes every cache entry.
func (r *Reporter) ClearCache(ctx context.Context) (ClearResult, error) {
	n, err := r.cache.ClearAll(ctx)
	if err != nil {
		return ClearResult{Action: "clear-cache", Deleted: n}, fmt.Errorf("clear cache: %w", err)
	}
	return ClearResult{Action: "clear-cache", Deleted: n}, nil
}

// StoreHealthDetail is the store section of the store health payload.
type StoreHealthDetail struct {
	Connected    bool                     `json:"connected"`
	ResponseTime string                   `json:"responseTime"`
	Operations   *kvstore.ProbeOperations `json:"operations,omitempty"`
	Error        string                   `json:"error,omitempty"`
	Backend      string                   `json:"backend"`
}

// StoreHealth is the /api/health/store payload.
type StoreHealth struct {
	Status    string            `json:"status"`
	Store     StoreHealthDetail `json:"store"`
	Timestamp time.Time         `json:"timestamp"`
}

// Healthy reports whether the probe connected.
func (h StoreHealth) Healthy() bool {
	return h.Status == "healthy"
}

// StoreHealth runs the connectivity probe.
func (r *Reporter) StoreHealth(ctx context.Context) StoreHealth {
	probe := kvstore.Probe(ctx, r.kv)
	h := StoreHealth{
		Status: "healthy",
		Store: StoreHealthDetail{
			Connected:    probe.Connected,
			ResponseTime: fmt.Sprintf("%dms", probe.Latency.Milliseconds()),
			Backend:      r.backend,
		},
		Timestamp: r.counter.Now().UTC(),
	}
	if !probe.Connected {
		h.Status = "unhealthy"
		if probe.Err != nil {
			h.Store.Error = probe.Err.Error()
		}
		observability.LoggerFromContext(ctx, r.logger).Warn("store health probe failed", zap.Error(probe.Err))
		return h
	}
	ops := probe.Operations
	h.Store.Operations = &ops
	return h
}
