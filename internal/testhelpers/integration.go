//go:build integration
// +build integration

package testhelpers

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weatheroo/internal/cache"
	"github.com/kjstillabower/weatheroo/internal/client"
	"github.com/kjstillabower/weatheroo/internal/kvstore"
	"github.com/kjstillabower/weatheroo/internal/models"
	"github.com/kjstillabower/weatheroo/internal/quota"
	"github.com/kjstillabower/weatheroo/internal/service"
	"github.com/kjstillabower/weatheroo/internal/usage"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	APIKey         string
	APIURL         string
	Backend        string // memory, redis or memcached
	RedisURL       string
	MemcachedAddrs string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips the test if no OpenWeatherMap key is set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	apiKey := os.Getenv("OPENWEATHER_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("WEATHER_API_KEY")
	}
	if apiKey == "" {
		t.Skip("OPENWEATHER_API_KEY not set, skipping integration test")
	}

	cfg := IntegrationTestConfig{
		APIKey:         apiKey,
		APIURL:         os.Getenv("WEATHER_API_URL"),
		Backend:        os.Getenv("INTEGRATION_STORE_BACKEND"),
		RedisURL:       os.Getenv("REDIS_URL"),
		MemcachedAddrs: os.Getenv("MEMCACHED_ADDRS"),
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.openweathermap.org/data/2.5"
	}
	if cfg.Backend == "" {
		cfg.Backend = "memory"
	}
	if cfg.RedisURL == "" {
		cfg.RedisURL = "redis://localhost:6379/15"
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	return cfg
}

// NewIntegrationStore opens the configured backend, falling back to memory when
// the server is unreachable. The store is closed on test cleanup.
func NewIntegrationStore(t *testing.T, cfg IntegrationTestConfig) kvstore.Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var store kvstore.Store
	switch cfg.Backend {
	case "redis":
		r, err := kvstore.NewRedis(kvstore.RedisConfig{URL: cfg.RedisURL, DialTimeout: time.Second})
		if err != nil {
			t.Fatalf("NewRedis() error = %v", err)
		}
		store = r
	case "memcached":
		store = kvstore.NewMemcached(cfg.MemcachedAddrs, 500*time.Millisecond, 2)
	}
	if store != nil {
		if err := store.Ping(ctx); err != nil {
			t.Logf("%s not available (%v), using memory store", cfg.Backend, err)
			_ = store.Close()
			store = nil
		} else {
			t.Logf("using %s store", cfg.Backend)
		}
	}
	if store == nil {
		store = kvstore.NewMemory()
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// Stack is the gateway with its collaborators, wired against live dependencies.
type Stack struct {
	KV       kvstore.Store
	Client   *client.OpenWeatherClient
	Cache    *cache.Store
	Counter  *quota.Counter
	Service  *service.WeatherService
	Reporter *usage.Reporter
}

// SetupIntegrationStack builds the full gateway against the live provider.
// opts are applied after the default coalescing option.
func SetupIntegrationStack(t *testing.T, cfg IntegrationTestConfig, logger *zap.Logger, opts ...service.Option) Stack {
	t.Helper()
	kv := NewIntegrationStore(t, cfg)
	c, err := client.NewOpenWeatherClient(cfg.APIKey, cfg.APIURL, 5*time.Second, client.BreakerConfig{})
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	store := cache.NewStore(kv, cache.DefaultDuration, logger)
	counter := quota.NewCounter(kv, quota.Policy{Location: time.UTC}, logger)
	opts = append([]service.Option{service.WithCoalescing(10 * time.Second)}, opts...)
	svc := service.NewWeatherService(c, store, counter, logger, opts...)
	return Stack{
		KV:       kv,
		Client:   c,
		Cache:    store,
		Counter:  counter,
		Service:  svc,
		Reporter: usage.NewReporter(counter, store, kv, cfg.Backend, logger),
	}
}

// ForgetLocation removes any cached entry for loc so a test starts from a miss
// even on a persistent store.
func ForgetLocation(t *testing.T, s Stack, loc models.Location) {
	t.Helper()
	if err := s.KV.Delete(context.Background(), cache.KeyPrefix+string(loc.Key())); err != nil {
		t.Fatalf("forget %s: %v", loc, err)
	}
}
