package kvstore

import (
	"context"
	"fmt"
	"math"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is an in-process Store. It is the single-instance backend and the
// test double for the Redis backend. SetFailing makes every call fail with
// ErrStoreUnavailable, to exercise degraded paths.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
	failing bool
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock replaces time.Now, so tests can move expiry forward.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory returns an empty in-memory store. Expired entries are dropped lazily on access.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetFailing toggles simulated unavailability.
func (m *Memory) SetFailing(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = v
}

// Len returns the number of live entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for _, e := range m.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// checkLocked fails the operation when ctx is done or the store is set failing.
// m.mu must be held.
func (m *Memory) checkLocked(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: memory %s: %w", ErrStoreUnavailable, op, err)
	}
	if m.failing {
		return fmt.Errorf("%w: memory %s: simulated outage", ErrStoreUnavailable, op)
	}
	return nil
}

// liveLocked returns the entry for key, removing it if expired.
func (m *Memory) liveLocked(key string) (memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if e.expired(m.now()) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

// Set implements Store.Set.
func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(ctx, "set"); err != nil {
		return err
	}
	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

// Get implements Store.Get.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(ctx, "get"); err != nil {
		return nil, false, err
	}
	e, ok := m.liveLocked(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

// Delete implements Store.Delete.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(ctx, "del"); err != nil {
		return err
	}
	delete(m.entries, key)
	return nil
}

// Scan implements Store.Scan. Patterns follow path.Match, with a prefix fast path
// for the common "prefix*" form so keys containing '/' still match.
func (m *Memory) Scan(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(ctx, "scan"); err != nil {
		return nil, err
	}
	keys := make([]string, 0)
	for k := range m.entries {
		if _, ok := m.liveLocked(k); !ok {
			continue
		}
		if matchGlob(pattern, k) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// matchGlob matches a Keys pattern. Plain prefix patterns skip path.Match.
func matchGlob(pattern, key string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok && !strings.ContainsAny(prefix, "*?[\\") {
		return strings.HasPrefix(key, prefix)
	}
	ok, err := path.Match(pattern, key)
	return err == nil && ok
}

// Increment implements Store.Increment.
func (m *Memory) Increment(ctx context.Context, key string, ttlOnCreate time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(ctx, "incr"); err != nil {
		return 0, err
	}
	e, ok := m.liveLocked(key)
	if !ok {
		e = memoryEntry{value: []byte("0")}
		if ttlOnCreate > 0 {
			e.expiresAt = m.now().Add(ttlOnCreate)
		}
	}
	n, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("memory incr %s: value is not an integer", key)
	}
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	m.entries[key] = e
	return n, nil
}

// TTL implements Store.TTL. Partial seconds round up, as Redis does.
func (m *Memory) TTL(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(ctx, "ttl"); err != nil {
		return TTLMissing, err
	}
	e, ok := m.liveLocked(key)
	if !ok {
		return TTLMissing, nil
	}
	if e.expiresAt.IsZero() {
		return TTLNoExpiry, nil
	}
	return int64(math.Ceil(e.expiresAt.Sub(m.now()).Seconds())), nil
}

// Ping implements Store.Ping.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLocked(ctx, "ping")
}

// Close implements Store.Close.
func (m *Memory) Close() error {
	return nil
}
