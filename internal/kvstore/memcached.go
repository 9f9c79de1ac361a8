package kvstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// maxRelativeExp is the largest expiry memcached treats as relative (30 days).
const maxRelativeExp = 30 * 24 * 60 * 60

// Memcached implements Store on memcached. It cannot enumerate keys or report
// remaining TTL: Scan returns ErrScanUnsupported and TTL returns TTLNoExpiry for
// present keys.
type Memcached struct {
	client *memcache.Client
}

// NewMemcached creates a Memcached store. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcached(addrs string, timeout time.Duration, maxIdleConns int) *Memcached {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &Memcached{client: client}
}

// parseAddrs splits a comma-separated server list, dropping blanks.
func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// mcKey escapes key so spaces and control characters in city names are legal memcached keys.
func mcKey(k string) string {
	return url.QueryEscape(k)
}

// expiration converts ttl to whole seconds, at least one, capped at the
// relative-expiry limit. Zero means no expiry.
func expiration(ttl time.Duration) int32 {
	if ttl <= 0 {
		return 0
	}
	secs := int64(ttl / time.Second)
	if secs == 0 {
		secs = 1
	}
	if secs > maxRelativeExp {
		secs = maxRelativeExp
	}
	return int32(secs)
}

// mcUnavailable wraps a client error as ErrStoreUnavailable.
func mcUnavailable(op string, err error) error {
	return fmt.Errorf("%w: memcached %s: %w", ErrStoreUnavailable, op, err)
}

// Set implements Store.Set.
func (c *Memcached) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return mcUnavailable("set", err)
	}
	err := c.client.Set(&memcache.Item{
		Key:        mcKey(key),
		Value:      value,
		Expiration: expiration(ttl),
	})
	if err != nil {
		return mcUnavailable("set", err)
	}
	return nil
}

// Get implements Store.Get.
func (c *Memcached) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, mcUnavailable("get", err)
	}
	item, err := c.client.Get(mcKey(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, mcUnavailable("get", err)
	}
	return item.Value, true, nil
}

// Delete implements Store.Delete.
func (c *Memcached) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return mcUnavailable("delete", err)
	}
	err := c.client.Delete(mcKey(key))
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return mcUnavailable("delete", err)
	}
	return nil
}

// Scan implements Store.Scan. Memcached has no key enumeration.
func (c *Memcached) Scan(ctx context.Context, pattern string) ([]string, error) {
	return nil, fmt.Errorf("memcached scan %q: %w", pattern, ErrScanUnsupported)
}

// Increment implements Store.Increment. A missing counter is created with Add so
// only the creating call sets the expiry; losing the Add race falls back to incr.
func (c *Memcached) Increment(ctx context.Context, key string, ttlOnCreate time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, mcUnavailable("incr", err)
	}
	k := mcKey(key)
	for attempt := 0; attempt < 2; attempt++ {
		n, err := c.client.Increment(k, 1)
		if err == nil {
			return int64(n), nil
		}
		if !errors.Is(err, memcache.ErrCacheMiss) {
			return 0, mcUnavailable("incr", err)
		}
		err = c.client.Add(&memcache.Item{
			Key:        k,
			Value:      []byte(strconv.Itoa(1)),
			Expiration: expiration(ttlOnCreate),
		})
		if err == nil {
			return 1, nil
		}
		if !errors.Is(err, memcache.ErrNotStored) {
			return 0, mcUnavailable("add", err)
		}
	}
	return 0, mcUnavailable("incr", errors.New("counter vanished between add and incr"))
}

// TTL implements Store.TTL. Memcached cannot report expiry, so present keys yield TTLNoExpiry.
func (c *Memcached) TTL(ctx context.Context, key string) (int64, error) {
	_, ok, err := c.Get(ctx, key)
	if err != nil {
		return TTLMissing, err
	}
	if !ok {
		return TTLMissing, nil
	}
	return TTLNoExpiry, nil
}

// Ping implements Store.Ping.
func (c *Memcached) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return mcUnavailable("ping", err)
	}
	if err := c.client.Ping(); err != nil {
		return mcUnavailable("ping", err)
	}
	return nil
}

// Close closes the memcached client connections. Call during shutdown.
func (c *Memcached) Close() error {
	return c.client.Close()
}
