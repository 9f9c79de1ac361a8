package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/weatheroo/internal/observability"
)

// RouterConfig controls which routes are mounted and how they are guarded.
type RouterConfig struct {
	// RequestTimeout bounds /api/weather. Zero disables the deadline.
	RequestTimeout time.Duration
	// TestingMode mounts /api/test/* behind basic auth.
	TestingMode   bool
	AdminUsername string
	AdminPassword string
}

// NewRouter mounts every route on a gorilla/mux router.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) *mux.Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)

	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/admin/usage", h.GetUsage).Methods(http.MethodGet)
	api.HandleFunc("/health/store", h.GetStoreHealth).Methods(http.MethodGet)
	api.HandleFunc("/cron/ping", h.GetCronPing).Methods(http.MethodGet)

	weather := api.Path("/weather").Subrouter()
	if cfg.RequestTimeout > 0 {
		weather.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	weather.Methods(http.MethodGet).HandlerFunc(h.GetWeather)

	if cfg.TestingMode {
		logger.Warn("testing mode enabled; /api/test endpoints exposed")
		test := api.PathPrefix("/test").Subrouter()
		test.Use(BasicAuthMiddleware(cfg.AdminUsername, cfg.AdminPassword))
		test.HandleFunc("/rate-limit", h.GetRateLimitTest).Methods(http.MethodGet)
		test.HandleFunc("/cache", h.DeleteCache).Methods(http.MethodDelete)
	}
	return router
}
