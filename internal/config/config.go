package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendMemcached = "memcached"
)

// Config holds service configuration loaded from YAML, .env and the environment.
type Config struct {
	TestingMode bool

	ServerPort string

	WeatherAPIKey     string
	WeatherAPIURL     string
	WeatherAPITimeout time.Duration

	RequestTimeout time.Duration

	StoreBackend string
	Redis        RedisConfig
	Memcached    MemcachedConfig

	CacheDuration time.Duration

	QuotaMinuteLimit int64
	QuotaDailyLimit  int64
	// QuotaLocation is where the daily bucket rolls over. Nil means server local time.
	QuotaLocation *time.Location

	// RateLimitRPS bounds upstream fetches per second for this process. Cache hits
	// are never counted. Zero disables the bucket.
	RateLimitRPS   int
	RateLimitBurst int

	BreakerMaxRequests         uint32
	BreakerInterval            time.Duration
	BreakerTimeout             time.Duration
	BreakerConsecutiveFailures uint32

	CoalesceEnabled bool
	CoalesceTimeout time.Duration

	HealthWindow       time.Duration
	// HealthErrorRatePct is the failed/total percentage that marks the service
	// degraded. Zero disables the check.
	HealthErrorRatePct int
	HealthMinRequests  int

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration

	AdminUsername string
	AdminPassword string

	KeepaliveInterval time.Duration

	WarmLocations []string
	WarmInterval  time.Duration

	TrackedLocations []string
}

// RedisConfig holds Redis connection settings. URL wins over the discrete fields.
type RedisConfig struct {
	URL          string
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// MemcachedConfig holds memcached connection settings.
type MemcachedConfig struct {
	Addrs        string
	Timeout      time.Duration
	MaxIdleConns int
}

type fileConfig struct {
	TestingMode *bool `yaml:"testing_mode"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	WeatherAPI struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"weather_api"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Store struct {
		Backend string `yaml:"backend"`
		Redis   struct {
			URL          string `yaml:"url"`
			Addr         string `yaml:"addr"`
			Password     string `yaml:"password"`
			DB           int    `yaml:"db"`
			PoolSize     int    `yaml:"pool_size"`
			DialTimeout  string `yaml:"dial_timeout"`
			ReadTimeout  string `yaml:"read_timeout"`
			WriteTimeout string `yaml:"write_timeout"`
		} `yaml:"redis"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"store"`

	Cache struct {
		Duration string `yaml:"duration"`
	} `yaml:"cache"`

	Quota struct {
		MinuteLimit int64  `yaml:"minute_limit"`
		DailyLimit  int64  `yaml:"daily_limit"`
		Timezone    string `yaml:"timezone"`
	} `yaml:"quota"`

	Reliability struct {
		RateLimitRPS               int    `yaml:"rate_limit_rps"`
		RateLimitBurst             int    `yaml:"rate_limit_burst"`
		BreakerMaxRequests         uint32 `yaml:"breaker_max_requests"`
		BreakerInterval            string `yaml:"breaker_interval"`
		BreakerTimeout             string `yaml:"breaker_timeout"`
		BreakerConsecutiveFailures uint32 `yaml:"breaker_consecutive_failures"`
	} `yaml:"reliability"`

	Coalesce struct {
		Enabled *bool  `yaml:"enabled"`
		Timeout string `yaml:"timeout"`
	} `yaml:"coalesce"`

	Health struct {
		Window       string `yaml:"window"`
		ErrorRatePct *int   `yaml:"error_rate_pct"`
		MinRequests  int    `yaml:"min_requests"`
	} `yaml:"health"`

	Shutdown struct {
		Timeout                 string `yaml:"timeout"`
		InFlightTimeout         string `yaml:"in_flight_timeout"`
		InFlightCheckInterval   string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`

	Admin struct {
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"admin"`

	Keepalive struct {
		Interval string `yaml:"interval"`
	} `yaml:"keepalive"`

	Warm struct {
		Locations []string `yaml:"locations"`
		Interval  string   `yaml:"interval"`
	} `yaml:"warm"`

	Metrics struct {
		TrackedLocations []string `yaml:"tracked_locations"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
	AdminPassword string `yaml:"admin_password"`
	RedisPassword string `yaml:"redis_password"`
}

// Load reads config/{ENV_NAME}.yaml (default dev) relative to the working directory.
// A .env file in the working directory is loaded first when present; variables
// already set in the environment are not overwritten. Secrets come from the
// environment or config/secrets.yaml. Call from the project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	if err := godotenv.Load(filepath.Join(cwd, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	sec, err := loadSecrets(filepath.Join(cwd, "config", "secrets.yaml"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if fc.TestingMode != nil {
		cfg.TestingMode = *fc.TestingMode
	}
	if v, ok := envBool("TESTING_MODE"); ok {
		cfg.TestingMode = v
	}

	cfg.ServerPort = firstNonEmpty(os.Getenv("PORT"), fc.Server.Port, "8080")

	cfg.WeatherAPIKey = firstNonEmpty(os.Getenv("OPENWEATHER_API_KEY"), os.Getenv("WEATHER_API_KEY"), sec.WeatherAPIKey)
	cfg.WeatherAPIURL = strings.TrimRight(firstNonEmpty(os.Getenv("WEATHER_API_URL"), fc.WeatherAPI.URL, "https://api.openweathermap.org/data/2.5"), "/")
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 5*time.Second)
	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 10*time.Second)

	cfg.StoreBackend = strings.ToLower(firstNonEmpty(
		strings.TrimSpace(os.Getenv("STORE_BACKEND")),
		strings.TrimSpace(fc.Store.Backend),
		BackendMemory,
	))
	cfg.Redis = RedisConfig{
		URL:          firstNonEmpty(os.Getenv("REDIS_URL"), os.Getenv("KV_URL"), fc.Store.Redis.URL),
		Addr:         firstNonEmpty(os.Getenv("REDIS_ADDR"), fc.Store.Redis.Addr, "localhost:6379"),
		Password:     firstNonEmpty(os.Getenv("REDIS_PASSWORD"), sec.RedisPassword, fc.Store.Redis.Password),
		DB:           fc.Store.Redis.DB,
		PoolSize:     fc.Store.Redis.PoolSize,
		DialTimeout:  parseDuration(fc.Store.Redis.DialTimeout, 2*time.Second),
		ReadTimeout:  parseDuration(fc.Store.Redis.ReadTimeout, time.Second),
		WriteTimeout: parseDuration(fc.Store.Redis.WriteTimeout, time.Second),
	}
	cfg.Memcached = MemcachedConfig{
		Addrs:        firstNonEmpty(strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS")), strings.TrimSpace(fc.Store.Memcached.Addrs), "localhost:11211"),
		Timeout:      parseDuration(fc.Store.Memcached.Timeout, 500*time.Millisecond),
		MaxIdleConns: fc.Store.Memcached.MaxIdleConns,
	}
	if cfg.Memcached.MaxIdleConns <= 0 {
		cfg.Memcached.MaxIdleConns = 2
	}

	cfg.CacheDuration = parseDuration(fc.Cache.Duration, 30*time.Minute)

	cfg.QuotaMinuteLimit = fc.Quota.MinuteLimit
	if cfg.QuotaMinuteLimit == 0 {
		cfg.QuotaMinuteLimit = 50
	}
	cfg.QuotaDailyLimit = fc.Quota.DailyLimit
	if cfg.QuotaDailyLimit == 0 {
		cfg.QuotaDailyLimit = 950
	}
	tz := firstNonEmpty(os.Getenv("QUOTA_TIMEZONE"), fc.Quota.Timezone)
	if tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("quota.timezone %q: %w", tz, err)
		}
		cfg.QuotaLocation = loc
	}

	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitRPS > 0 && cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = cfg.RateLimitRPS
	}
	cfg.BreakerMaxRequests = fc.Reliability.BreakerMaxRequests
	if cfg.BreakerMaxRequests == 0 {
		cfg.BreakerMaxRequests = 1
	}
	cfg.BreakerInterval = parseDuration(fc.Reliability.BreakerInterval, time.Minute)
	cfg.BreakerTimeout = parseDuration(fc.Reliability.BreakerTimeout, 30*time.Second)
	cfg.BreakerConsecutiveFailures = fc.Reliability.BreakerConsecutiveFailures
	if cfg.BreakerConsecutiveFailures == 0 {
		cfg.BreakerConsecutiveFailures = 5
	}

	cfg.CoalesceEnabled = true
	if fc.Coalesce.Enabled != nil {
		cfg.CoalesceEnabled = *fc.Coalesce.Enabled
	}
	cfg.CoalesceTimeout = parseDuration(fc.Coalesce.Timeout, 10*time.Second)

	cfg.HealthWindow = parseDuration(fc.Health.Window, time.Minute)
	// Omitted defaults to 50; an explicit 0 turns the error-rate check off.
	cfg.HealthErrorRatePct = 50
	if fc.Health.ErrorRatePct != nil {
		cfg.HealthErrorRatePct = *fc.Health.ErrorRatePct
	}
	cfg.HealthMinRequests = fc.Health.MinRequests
	if cfg.HealthMinRequests <= 0 {
		cfg.HealthMinRequests = 10
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	cfg.AdminUsername = firstNonEmpty(os.Getenv("ADMIN_USERNAME"), fc.Admin.Username, "admin")
	cfg.AdminPassword = firstNonEmpty(os.Getenv("ADMIN_PASSWORD"), sec.AdminPassword, fc.Admin.Password, "password")

	cfg.KeepaliveInterval = parseDurationOrZero(fc.Keepalive.Interval, 0)
	cfg.WarmLocations = fc.Warm.Locations
	cfg.WarmInterval = parseDurationOrZero(fc.Warm.Interval, 0)
	cfg.TrackedLocations = fc.Metrics.TrackedLocations

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadSecrets reads config/secrets.yaml. A missing file is not an error.
func loadSecrets(path string) (secretsFile, error) {
	var sec secretsFile
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sec, nil
		}
		return sec, fmt.Errorf("read secrets file: %w", err)
	}
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return sec, fmt.Errorf("parse secrets file: %w", err)
	}
	return sec, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// envBool parses a boolean environment variable. ok is false when unset or unparseable.
func envBool(name string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

// parseDuration parses s, returning defaultVal when s is empty, invalid or not positive.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses s, returning defaultVal on empty or invalid input.
// Zero and negative durations are returned as-is.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate checks ranges and enums. RequestTimeout is raised above the upstream
// timeout when needed.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather_api.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	switch cfg.StoreBackend {
	case BackendMemory, BackendRedis, BackendMemcached:
	default:
		return fmt.Errorf("store.backend must be memory, redis or memcached, got %q", cfg.StoreBackend)
	}
	if cfg.QuotaMinuteLimit < 0 || cfg.QuotaDailyLimit < 0 {
		return fmt.Errorf("quota limits must be positive (minute %d, daily %d)", cfg.QuotaMinuteLimit, cfg.QuotaDailyLimit)
	}
	if cfg.RateLimitRPS < 0 {
		return fmt.Errorf("reliability.rate_limit_rps must not be negative")
	}
	if cfg.HealthErrorRatePct < 0 || cfg.HealthErrorRatePct > 100 {
		return fmt.Errorf("health.error_rate_pct must be within 0..100, got %d", cfg.HealthErrorRatePct)
	}
	if cfg.KeepaliveInterval < 0 || cfg.WarmInterval < 0 {
		return fmt.Errorf("keepalive.interval and warm.interval must not be negative")
	}
	return nil
}
