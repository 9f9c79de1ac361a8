// Package service implements the weather gateway: cache check, quota check,
// upstream fetch and cache write for every lookup, with the store failure
// policy of the layers below (quota fails open, cache reads fail closed).
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weatheroo/internal/cache"
	"github.com/kjstillabower/weatheroo/internal/client"
	"github.com/kjstillabower/weatheroo/internal/models"
	"github.com/kjstillabower/weatheroo/internal/observability"
	"github.com/kjstillabower/weatheroo/internal/quota"
)

// StaleNotice annotates cached data served while the provider quota is exhausted.
const StaleNotice = "serving stale data due to rate limiting"

// BurstWindow names the process-local token bucket in a RateLimitError.
const BurstWindow quota.Kind = "burst"

// WeatherService is the gateway. It holds no state of its own beyond the
// optional in-process coalescer; all shared state lives in the KV store.
type WeatherService struct {
	client    client.WeatherClient
	cache     *cache.Store
	quota     *quota.Counter
	logger    *zap.Logger
	stampede  *stampedeTracker
	coalescer *requestCoalescer
	limiter   *rate.Limiter
	now       func() time.Time
}

// Option configures a WeatherService.
type Option func(*WeatherService)

// WithCoalescing shares one upstream fetch between concurrent misses for the
// same location. Each request still counts against the quota.
func WithCoalescing(timeout time.Duration) Option {
	return func(s *WeatherService) {
		if timeout > 0 {
			s.coalescer = newRequestCoalescer(timeout)
		}
	}
}

// WithBurstLimiter adds a process-local token bucket in front of upstream fetches.
// Fresh cache hits never take a token.
func WithBurstLimiter(limiter *rate.Limiter) Option {
	return func(s *WeatherService) {
		s.limiter = limiter
	}
}

// WithClock overrides time.Now for response timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *WeatherService) {
		s.now = now
	}
}

// NewWeatherService wires the gateway to its collaborators.
func NewWeatherService(c client.WeatherClient, store *cache.Store, counter *quota.Counter, logger *zap.Logger, opts ...Option) *WeatherService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &WeatherService{
		client:   c,
		cache:    store,
		quota:    counter,
		logger:   logger,
		stampede: newStampedeTracker(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetWeather resolves loc and returns its weather. Errors wrap ErrBadRequest,
// ErrLocationNotFound, ErrServiceUnavailable or ErrInternal, or are a *RateLimitError.
func (s *WeatherService) GetWeather(ctx context.Context, loc models.Location) (models.WeatherResult, error) {
	start := s.now()
	log := observability.LoggerFromContext(ctx, s.logger)

	key := loc.Key()
	if key == "" {
		return models.WeatherResult{}, ErrBadRequest
	}
	observability.RecordWeatherQuery(string(key))

	entry, cached := s.cache.Read(ctx, key)
	if cached && s.cache.IsFresh(entry) {
		log.Debug("weather served", zap.String("location", string(key)), zap.Bool("cached", true))
		return models.WeatherResult{Bundle: entry.Payload, Cached: true, CachedAt: entry.StoredAt()}, nil
	}

	window, over := s.quota.Exceeded(ctx)
	if !over && s.limiter != nil && !s.limiter.Allow() {
		observability.RateLimitDeniedTotal.Inc()
		window, over = BurstWindow, true
	}
	if over {
		if cached {
			observability.StaleServesTotal.Inc()
			log.Info("rate limited, serving stale entry",
				zap.String("location", string(key)),
				zap.String("window", string(window)),
				zap.Duration("age", start.Sub(entry.StoredAt())))
			return models.WeatherResult{Bundle: entry.Payload, Cached: true, CachedAt: entry.StoredAt(), Notice: StaleNotice}, nil
		}
		retry := time.Second
		if window != BurstWindow {
			observability.QuotaDeniedTotal.Inc()
			retry = s.quota.RetryAfter(ctx)
		}
		log.Warn("rate limited", zap.String("location", string(key)), zap.String("window", string(window)), zap.Duration("retry_after", retry))
		return models.WeatherResult{}, &RateLimitError{Window: window, RetryAfter: retry}
	}

	// Counted before the call; not refunded if the fetch fails or the caller goes away.
	_ = s.quota.Track(ctx)

	bundle, err := s.fetch(ctx, key, loc)
	if err != nil {
		return models.WeatherResult{}, s.classify(ctx, key, err)
	}
	log.Debug("weather served", zap.String("location", string(key)), zap.Bool("cached", false), zap.Duration("duration", s.now().Sub(start)))
	return models.WeatherResult{Bundle: bundle, Timestamp: s.now()}, nil
}

// fetch calls upstream and writes the result through to the cache. With
// coalescing on, concurrent callers share one call and one write.
func (s *WeatherService) fetch(ctx context.Context, key models.LocationKey, loc models.Location) (models.UpstreamBundle, error) {
	if n := s.stampede.enter(key); n > 1 {
		observability.CacheStampedeConcurrency.Observe(float64(n))
	}
	defer s.stampede.leave(key)

	do := func(ctx context.Context) (models.UpstreamBundle, error) {
		bundle, err := s.client.Fetch(ctx, loc)
		if err != nil {
			return models.UpstreamBundle{}, err
		}
		s.cache.Write(ctx, key, bundle)
		return bundle, nil
	}
	if s.coalescer == nil {
		return do(ctx)
	}
	bundle, shared, err := s.coalescer.GetOrDo(ctx, key, do)
	if shared {
		observability.RequestCoalescingHitsTotal.Inc()
	}
	return bundle, err
}

// classify maps an upstream failure onto the gateway taxonomy and logs it.
func (s *WeatherService) classify(ctx context.Context, key models.LocationKey, err error) error {
	log := observability.LoggerFromContext(ctx, s.logger).With(
		zap.String("location", string(key)),
		zap.String("category", string(client.CategorizeError(err))),
		zap.Error(err))
	switch {
	case errors.Is(err, client.ErrNoLocation), errors.Is(err, client.ErrLocationNotFound):
		log.Info("location not found upstream")
		return fmt.Errorf("%w: %w", ErrLocationNotFound, err)
	case errors.Is(err, client.ErrInvalidAPIKey):
		log.Error("upstream rejected credentials")
		return fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	default:
		log.Error("upstream fetch failed")
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}
}
