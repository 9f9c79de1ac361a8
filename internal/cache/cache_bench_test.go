package cache

import (
	"context"
	"strconv"
	"testing"

	"github.com/kjstillabower/weatheroo/internal/kvstore"
	"github.com/kjstillabower/weatheroo/internal/models"
)

// BenchmarkStore_Read_Hit benchmarks Read on a cache hit, including JSON decode.
func BenchmarkStore_Read_Hit(b *testing.B) {
	s := NewStore(kvstore.NewMemory(), 0, nil)
	ctx := context.Background()
	s.Write(ctx, "city:seattle", testBundle("Seattle"))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = s.Read(ctx, "city:seattle")
	}
}

// BenchmarkStore_Read_Miss benchmarks Read on a cache miss.
func BenchmarkStore_Read_Miss(b *testing.B) {
	s := NewStore(kvstore.NewMemory(), 0, nil)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = s.Read(ctx, "city:nonexistent")
	}
}

// BenchmarkStore_Write benchmarks Write, including JSON encode.
func BenchmarkStore_Write(b *testing.B) {
	s := NewStore(kvstore.NewMemory(), 0, nil)
	ctx := context.Background()
	bundle := testBundle("Seattle")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Write(ctx, models.LocationKey("city:seattle-"+strconv.Itoa(i%64)), bundle)
	}
}

// BenchmarkStore_Read_Concurrent benchmarks parallel reads of one key.
func BenchmarkStore_Read_Concurrent(b *testing.B) {
	s := NewStore(kvstore.NewMemory(), 0, nil)
	ctx := context.Background()
	s.Write(ctx, "city:seattle", testBundle("Seattle"))

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _ = s.Read(ctx, "city:seattle")
		}
	})
}
