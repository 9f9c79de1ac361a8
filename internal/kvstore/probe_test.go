package kvstore

import (
	"context"
	"testing"
)

func TestProbe_Healthy(t *testing.T) {
	m := NewMemory()
	res := Probe(context.Background(), m)
	if !res.Connected {
		t.Fatalf("Probe() Connected = false, err = %v", res.Err)
	}
	want := ProbeOperations{Set: true, Get: true, Delete: true, Counter: true}
	if res.Operations != want {
		t.Errorf("Operations = %+v, want %+v", res.Operations, want)
	}
	if m.Len() != 0 {
		t.Errorf("probe left %d keys behind", m.Len())
	}
}

func TestProbe_Unavailable(t *testing.T) {
	m := NewMemory()
	m.SetFailing(true)
	res := Probe(context.Background(), m)
	if res.Connected {
		t.Error("Probe() Connected = true during outage")
	}
	if res.Err == nil || !IsUnavailable(res.Err) {
		t.Errorf("Probe() Err = %v, want ErrStoreUnavailable", res.Err)
	}
	if res.Operations.Set {
		t.Error("Operations.Set = true during outage")
	}
}

func TestKeepalive(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := Keepalive(ctx, m); err != nil {
		t.Fatalf("Keepalive() error = %v", err)
	}
	if ttl, _ := m.TTL(ctx, KeepaliveKey); ttl != TTLNoExpiry {
		t.Errorf("keepalive TTL = %d, want no expiry", ttl)
	}
	m.SetFailing(true)
	if err := Keepalive(ctx, m); !IsUnavailable(err) {
		t.Errorf("Keepalive() during outage error = %v", err)
	}
}
