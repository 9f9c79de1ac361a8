// Package cache implements cache-aside storage of upstream responses keyed by
// LocationKey. Reads fail closed: a store error or a corrupt entry is a miss.
// Writes are best effort and never fail the caller.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weatheroo/internal/kvstore"
	"github.com/kjstillabower/weatheroo/internal/models"
	"github.com/kjstillabower/weatheroo/internal/observability"
)

// KeyPrefix namespaces cache entries in the shared store.
const KeyPrefix = "weatheroo:cache:"

// DefaultDuration is the lifetime of a cache entry.
const DefaultDuration = 30 * time.Minute

// Store is the cache-aside layer over a kvstore.Store.
type Store struct {
	kv       kvstore.Store
	duration time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now for entry timestamps and freshness checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore returns a Store whose entries live for duration (DefaultDuration when <= 0).
func NewStore(kv kvstore.Store, duration time.Duration, logger *zap.Logger, opts ...Option) *Store {
	if duration <= 0 {
		duration = DefaultDuration
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{kv: kv, duration: duration, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Duration returns the configured entry lifetime.
func (s *Store) Duration() time.Duration {
	return s.duration
}

// storeKey namespaces a location key under KeyPrefix.
func storeKey(key models.LocationKey) string {
	return KeyPrefix + string(key)
}

// Read returns the entry for key. Misses, store failures and undecodable
// entries all return false; the latter two are logged.
func (s *Store) Read(ctx context.Context, key models.LocationKey) (models.CacheEntry, bool) {
	log := observability.LoggerFromContext(ctx, s.logger)
	raw, ok, err := s.kv.Get(ctx, storeKey(key))
	if err != nil {
		observability.StoreErrorsTotal.WithLabelValues("get").Inc()
		observability.CacheLookupsTotal.WithLabelValues("error").Inc()
		log.Warn("cache read failed, treating as miss", zap.String("key", string(key)), zap.Error(err))
		return models.CacheEntry{}, false
	}
	if !ok {
		observability.CacheLookupsTotal.WithLabelValues("miss").Inc()
		return models.CacheEntry{}, false
	}
	var entry models.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		observability.CacheLookupsTotal.WithLabelValues("corrupt").Inc()
		log.Warn("cache entry undecodable, treating as miss", zap.String("key", string(key)), zap.Error(err))
		return models.CacheEntry{}, false
	}
	observability.CacheLookupsTotal.WithLabelValues("hit").Inc()
	return entry, true
}

// Write stores bundle under key stamped with the current time. Failures are
// logged and counted, never returned.
func (s *Store) Write(ctx context.Context, key models.LocationKey, bundle models.UpstreamBundle) {
	entry := models.CacheEntry{Payload: bundle, StoredAtEpochMillis: s.now().UnixMilli()}
	raw, err := json.Marshal(entry)
	if err == nil {
		err = s.kv.Set(ctx, storeKey(key), raw, s.duration)
	}
	if err != nil {
		observability.CacheWriteFailuresTotal.Inc()
		observability.LoggerFromContext(ctx, s.logger).Warn("cache write failed", zap.String("key", string(key)), zap.Error(err))
	}
}

// IsFresh reports whether entry is younger than the cache duration.
func (s *Store) IsFresh(entry models.CacheEntry) bool {
	age := s.now().UnixMilli() - entry.StoredAtEpochMillis
	return age < s.duration.Milliseconds()
}

// Keys returns the LocationKeys currently cached.
func (s *Store) Keys(ctx context.Context) ([]models.LocationKey, error) {
	raw, err := s.kv.Scan(ctx, KeyPrefix+"*")
	if err != nil {
		observability.StoreErrorsTotal.WithLabelValues("scan").Inc()
		return nil, fmt.Errorf("list cache keys: %w", err)
	}
	keys := make([]models.LocationKey, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, models.LocationKey(strings.TrimPrefix(k, KeyPrefix)))
	}
	return keys, nil
}

// ClearAll deletes every cache entry and returns how many were removed.
// A delete failure stops the sweep and returns the count so far.
func (s *Store) ClearAll(ctx context.Context) (int, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, k := range keys {
		if err := s.kv.Delete(ctx, storeKey(k)); err != nil {
			observability.StoreErrorsTotal.WithLabelValues("del").Inc()
			return deleted, fmt.Errorf("clear cache key %s: %w", k, err)
		}
		deleted++
	}
	observability.LoggerFromContext(ctx, s.logger).Info("cache cleared", zap.Int("deleted", deleted))
	return deleted, nil
}
