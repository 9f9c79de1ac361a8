package kvstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ProbeOperations reports which self-test operations succeeded.
type ProbeOperations struct {
	Set     bool `json:"set"`
	Get     bool `json:"get"`
	Delete  bool `json:"delete"`
	Counter bool `json:"counter"`
}

// ProbeResult is the outcome of a connectivity self-test.
type ProbeResult struct {
	Connected  bool
	Operations ProbeOperations
	Latency    time.Duration
	Err        error
}

type probeValue struct {
	Timestamp int64 `json:"timestamp"`
	Test      bool  `json:"test"`
}

// Probe performs set/get/delete on a throwaway key and reads a fresh counter key,
// which must come back empty. Connected is true only if set, get and delete all
// succeeded.
func Probe(ctx context.Context, s Store) ProbeResult {
	start := time.Now()
	ms := start.UnixMilli()
	key := "test:" + strconv.FormatInt(ms, 10)
	raw, _ := json.Marshal(probeValue{Timestamp: ms, Test: true})

	var res ProbeResult
	fail := func(err error) ProbeResult {
		res.Err = err
		res.Latency = time.Since(start)
		return res
	}

	if err := s.Set(ctx, key, raw, time.Minute); err != nil {
		return fail(fmt.Errorf("probe set: %w", err))
	}
	res.Operations.Set = true

	got, ok, err := s.Get(ctx, key)
	if err != nil {
		return fail(fmt.Errorf("probe get: %w", err))
	}
	res.Operations.Get = ok && bytes.Equal(got, raw)

	if err := s.Delete(ctx, key); err != nil {
		return fail(fmt.Errorf("probe delete: %w", err))
	}
	res.Operations.Delete = true

	if _, ok, err := s.Get(ctx, "health:counter:"+strconv.FormatInt(ms, 10)); err == nil && !ok {
		res.Operations.Counter = true
	}

	res.Connected = true
	res.Latency = time.Since(start)
	return res
}

// KeepaliveKey is written by Keepalive to keep idle hosted stores from being reclaimed.
const KeepaliveKey = "keepalive"

// Keepalive writes the current time under KeepaliveKey without expiry.
func Keepalive(ctx context.Context, s Store) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := s.Set(ctx, KeepaliveKey, []byte(now), 0); err != nil {
		return fmt.Errorf("keepalive: %w", err)
	}
	return nil
}
