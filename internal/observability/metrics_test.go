package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestMetrics_Usable verifies that label dimensions match their use across packages.
func TestMetrics_Usable(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "/api/weather", "2xx").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/api/weather").Observe(0.01)
	WeatherAPICallsTotal.WithLabelValues("current", "success").Inc()
	WeatherAPIDuration.WithLabelValues("forecast", "error").Observe(0.1)
	CacheLookupsTotal.WithLabelValues("hit").Inc()
	StoreErrorsTotal.WithLabelValues("get").Inc()
	QuotaIncrementsTotal.WithLabelValues("minute").Inc()
	CircuitBreakerTransitionsTotal.WithLabelValues("closed", "open").Inc()
	KeepaliveTotal.WithLabelValues("ok").Inc()
	WeatherQueriesByLocationTotal.WithLabelValues("other").Inc()
}

// TestSetTrackedLocations_and_RecordWeatherQuery verifies tracked vs "other" labelling.
func TestSetTrackedLocations_and_RecordWeatherQuery(t *testing.T) {
	SetTrackedLocations([]string{"city:london", "city:paris"})
	RecordWeatherQuery("City:London")
	RecordWeatherQuery("city:atlantis")
	SetTrackedLocations(nil) // reset for other tests
}

func TestCircuitBreakerStateValue(t *testing.T) {
	tests := map[string]float64{"closed": 0, "half-open": 1, "open": 2, "unknown": 0}
	for state, want := range tests {
		if got := CircuitBreakerStateValue(state); got != want {
			t.Errorf("CircuitBreakerStateValue(%q) = %v, want %v", state, got, want)
		}
	}
}

// TestMetricsHandler_ServesPrometheusFormat verifies the exposition endpoint.
func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	RegisterTrafficGauges(0)
	HTTPRequestsTotal.WithLabelValues("GET", "/health", "2xx").Inc()
	handler := MetricsHandler()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("MetricsHandler status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{"httpRequestsTotal", "weatherRequestsInWindow"} {
		if !strings.Contains(body, name) {
			t.Errorf("MetricsHandler response missing %s", name)
		}
	}
}
