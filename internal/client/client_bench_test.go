package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kjstillabower/weatheroo/internal/models"
)

// BenchmarkClient_BuildRequest benchmarks HTTP request construction.
func BenchmarkClient_BuildRequest(b *testing.B) {
	c, _ := NewOpenWeatherClient("test-api-key", "https://api.openweathermap.org/data/2.5", 2*time.Second, BreakerConfig{})
	params, _ := locationParams(models.Location{City: "seattle"})
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = c.buildRequest(ctx, "weather", params)
	}
}

// BenchmarkClient_Fetch benchmarks a full current + forecast round trip against a local server.
func BenchmarkClient_Fetch(b *testing.B) {
	srv := httptest.NewServer(newFakeProvider())
	defer srv.Close()
	c, _ := NewOpenWeatherClient("test-api-key", srv.URL, 2*time.Second, BreakerConfig{})
	ctx := context.Background()
	loc := models.Location{City: "seattle"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = c.Fetch(ctx, loc)
	}
}
