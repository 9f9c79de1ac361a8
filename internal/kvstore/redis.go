package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript increments a counter and sets its expiry only when this call created it,
// so concurrent first increments cannot both reset the window.
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 and tonumber(ARGV[1]) > 0 then
    redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return count
`)

const scanPageSize = 100

// RedisConfig holds connection settings for the Redis backend.
// URL, when set, takes precedence over Addr/Password/DB (redis:// or rediss:// form).
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

// Redis implements Store on a Redis server.
type Redis struct {
	client *redis.Client
}

// NewRedis builds a Redis store. It does not dial; call Ping to verify reachability.
// An unreachable server at startup is tolerated: callers degrade per operation.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		opts = &redis.Options{
			Addr:     addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	return &Redis{client: redis.NewClient(opts)}, nil
}

// unavailable wraps a redis error as ErrStoreUnavailable.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %w", ErrStoreUnavailable, op, err)
}

// Set implements Store.Set.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

// Get implements Store.Get.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("get", err)
	}
	return val, true, nil
}

// Delete implements Store.Delete.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return unavailable("del", err)
	}
	return nil
}

// Scan implements Store.Scan by walking the SCAN cursor until it returns to zero.
// SCAN may yield a key more than once; duplicates are dropped.
func (r *Redis) Scan(ctx context.Context, pattern string) ([]string, error) {
	seen := make(map[string]struct{})
	keys := make([]string, 0)
	iter := r.client.Scan(ctx, 0, pattern, scanPageSize).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("scan", err)
	}
	return keys, nil
}

// Increment implements Store.Increment with a Lua script so INCR and EXPIRE are atomic.
func (r *Redis) Increment(ctx context.Context, key string, ttlOnCreate time.Duration) (int64, error) {
	secs := int64(ttlOnCreate / time.Second)
	if ttlOnCreate > 0 && secs == 0 {
		secs = 1
	}
	count, err := incrScript.Run(ctx, r.client, []string{key}, secs).Int64()
	if err != nil {
		return 0, unavailable("incr", err)
	}
	return count, nil
}

// TTL implements Store.TTL.
func (r *Redis) TTL(ctx context.Context, key string) (int64, error) {
	d, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return TTLMissing, unavailable("ttl", err)
	}
	// go-redis reports the -1/-2 sentinels as raw nanosecond durations.
	if d < 0 {
		return int64(d), nil
	}
	return int64(d / time.Second), nil
}

// Ping implements Store.Ping.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close implements Store.Close.
func (r *Redis) Close() error {
	return r.client.Close()
}
