package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weatheroo/internal/models"
	"github.com/kjstillabower/weatheroo/internal/observability"
)

// WeatherFetcher is implemented by the gateway. Warming goes through it so every
// warm fetch is counted against the provider quota like any other request.
type WeatherFetcher interface {
	GetWeather(ctx context.Context, loc models.Location) (models.WeatherResult, error)
}

// Warmer prefetches a fixed list of locations.
type Warmer struct {
	fetcher   WeatherFetcher
	locations []models.Location
	logger    *zap.Logger
}

// NewWarmer returns a Warmer for locations.
func NewWarmer(fetcher WeatherFetcher, locations []models.Location, logger *zap.Logger) *Warmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Warmer{fetcher: fetcher, locations: locations, logger: logger}
}

// Locations returns the warmed locations.
func (w *Warmer) Locations() []models.Location {
	return w.locations
}

// Warm fetches every location concurrently. Locations already fresh in the cache
// cost nothing. Returns the joined per-location errors.
func (w *Warmer) Warm(ctx context.Context) error {
	if len(w.locations) == 0 {
		return nil
	}
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming cache", zap.Int("locations", len(w.locations)))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, loc := range w.locations {
		wg.Add(1)
		go func(loc models.Location) {
			defer wg.Done()
			if _, err := w.fetcher.GetWeather(ctx, loc); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("warm %s: %w", loc, err))
				mu.Unlock()
			}
		}(loc)
	}
	wg.Wait()

	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete",
		zap.Int("locations", len(w.locations)),
		zap.Int("errors", len(errs)),
		zap.Float64("duration_seconds", duration))
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}
