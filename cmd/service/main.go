package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weatheroo/internal/cache"
	"github.com/kjstillabower/weatheroo/internal/client"
	"github.com/kjstillabower/weatheroo/internal/config"
	httphandler "github.com/kjstillabower/weatheroo/internal/http"
	"github.com/kjstillabower/weatheroo/internal/kvstore"
	"github.com/kjstillabower/weatheroo/internal/lifecycle"
	"github.com/kjstillabower/weatheroo/internal/models"
	"github.com/kjstillabower/weatheroo/internal/observability"
	"github.com/kjstillabower/weatheroo/internal/quota"
	"github.com/kjstillabower/weatheroo/internal/scheduler"
	"github.com/kjstillabower/weatheroo/internal/service"
	"github.com/kjstillabower/weatheroo/internal/usage"
	"github.com/kjstillabower/weatheroo/internal/validation"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	warmTimeout      = 30 * time.Second
	keepaliveTimeout = 5 * time.Second
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	kv, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("store", zap.Error(err))
	}
	pingCtx, pingCancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout)
	if err := kv.Ping(pingCtx); err != nil {
		// Quota fails open and the cache fails closed, so the service still answers.
		logger.Warn("store not reachable at startup", zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}
	pingCancel()

	weatherClient, err := client.NewOpenWeatherClient(cfg.WeatherAPIKey, cfg.WeatherAPIURL, cfg.WeatherAPITimeout, client.BreakerConfig{
		MaxRequests:         cfg.BreakerMaxRequests,
		Interval:            cfg.BreakerInterval,
		Timeout:             cfg.BreakerTimeout,
		ConsecutiveFailures: cfg.BreakerConsecutiveFailures,
	})
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}
	if cfg.WeatherAPIKey == "" {
		logger.Warn("no OpenWeatherMap API key configured; weather lookups will answer 503")
	} else {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.WeatherAPITimeout)
			defer cancel()
			if err := weatherClient.ValidateAPIKey(ctx); err != nil {
				logger.Warn("API key check failed", zap.Error(err))
			}
		}()
	}

	policy := quota.DefaultPolicy()
	policy.MinuteLimit = cfg.QuotaMinuteLimit
	policy.DailyLimit = cfg.QuotaDailyLimit
	if cfg.QuotaLocation != nil {
		policy.Location = cfg.QuotaLocation
	}
	counter := quota.NewCounter(kv, policy, logger)
	store := cache.NewStore(kv, cfg.CacheDuration, logger)

	var svcOpts []service.Option
	if cfg.CoalesceEnabled {
		svcOpts = append(svcOpts, service.WithCoalescing(cfg.CoalesceTimeout))
	}
	if cfg.RateLimitRPS > 0 {
		svcOpts = append(svcOpts, service.WithBurstLimiter(rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)))
	}
	weatherService := service.NewWeatherService(weatherClient, store, counter, logger, svcOpts...)
	reporter := usage.NewReporter(counter, store, kv, cfg.StoreBackend, logger)

	handler := httphandler.NewHandler(weatherService, reporter, kv, httphandler.HealthConfig{
		Window:       cfg.HealthWindow,
		ErrorRatePct: cfg.HealthErrorRatePct,
		MinRequests:  cfg.HealthMinRequests,
		Version:      version,
		StartTime:    time.Now(),
	}, logger, httphandler.WithBreakerState(weatherClient.BreakerState))

	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		RequestTimeout: cfg.RequestTimeout,
		TestingMode:    cfg.TestingMode,
		AdminUsername:  cfg.AdminUsername,
		AdminPassword:  cfg.AdminPassword,
	}, logger)

	observability.RegisterTrafficGauges(cfg.HealthWindow)
	tracked := locationsFrom(cfg.TrackedLocations, logger)
	if len(tracked) > 0 {
		keys := make([]string, 0, len(tracked))
		for _, loc := range tracked {
			keys = append(keys, string(loc.Key()))
		}
		observability.SetTrackedLocations(keys)
	}

	jobs := scheduler.New(logger)
	if err := jobs.AddKeepalive(kv, cfg.KeepaliveInterval, keepaliveTimeout); err != nil {
		logger.Fatal("scheduler", zap.Error(err))
	}
	warmer := cache.NewWarmer(weatherService, locationsFrom(cfg.WarmLocations, logger), logger)
	if cfg.WarmInterval > 0 {
		if err := jobs.AddWarming(warmer, cfg.WarmInterval, warmTimeout); err != nil {
			logger.Fatal("scheduler", zap.Error(err))
		}
	} else if len(warmer.Locations()) > 0 {
		go func() { _ = scheduler.RunWarm(context.Background(), warmer, warmTimeout, logger) }()
	}
	jobs.Start()

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.String("store", cfg.StoreBackend),
			zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.BeginShutdown()
	jobs.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	if err := kv.Close(); err != nil {
		logger.Error("store close", zap.Error(err))
	}
	logger.Info("shutdown complete", zap.Duration("draining", lifecycle.DrainingFor()))
}

// openStore builds the configured KV backend. Connectivity is not checked here.
func openStore(cfg *config.Config, logger *zap.Logger) (kvstore.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		r, err := kvstore.NewRedis(kvstore.RedisConfig{
			URL:          cfg.Redis.URL,
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("redis store: %w", err)
		}
		logger.Info("store backend: redis", zap.String("addr", cfg.Redis.Addr), zap.Bool("url", cfg.Redis.URL != ""))
		return r, nil
	case config.BackendMemcached:
		logger.Info("store backend: memcached", zap.String("addrs", cfg.Memcached.Addrs))
		return kvstore.NewMemcached(cfg.Memcached.Addrs, cfg.Memcached.Timeout, cfg.Memcached.MaxIdleConns), nil
	case config.BackendMemory:
		logger.Info("store backend: memory")
		return kvstore.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

// locationsFrom turns configured city names into locations, skipping invalid ones.
func locationsFrom(names []string, logger *zap.Logger) []models.Location {
	locs := make([]models.Location, 0, len(names))
	seen := make(map[models.LocationKey]struct{}, len(names))
	for _, name := range names {
		city, err := validation.ValidateLocation(name, validation.MinCityLen, validation.MaxCityLen)
		if err != nil {
			logger.Warn("ignoring configured location", zap.String("location", name), zap.Error(err))
			continue
		}
		loc := models.Location{City: city}
		if _, dup := seen[loc.Key()]; dup {
			continue
		}
		seen[loc.Key()] = struct{}{}
		locs = append(locs, loc)
	}
	return locs
}
