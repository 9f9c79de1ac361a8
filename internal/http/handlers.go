package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weatheroo/internal/kvstore"
	"github.com/kjstillabower/weatheroo/internal/lifecycle"
	"github.com/kjstillabower/weatheroo/internal/models"
	"github.com/kjstillabower/weatheroo/internal/observability"
	"github.com/kjstillabower/weatheroo/internal/scheduler"
	"github.com/kjstillabower/weatheroo/internal/service"
	"github.com/kjstillabower/weatheroo/internal/traffic"
	"github.com/kjstillabower/weatheroo/internal/usage"
	"github.com/kjstillabower/weatheroo/internal/validation"
)

// Client-facing error messages. Their wording is what existing UIs match on.
const (
	msgNoLocation         = "No location specified. Provide city or lat and lon."
	msgInvalidCoordinates = "Invalid coordinates"
	msgLocationNotFound   = "Location not found"
	msgRateLimited        = "Rate limit exceeded. Please try again later."
	msgUnavailable        = "Weather service unavailable"
	msgInternal           = "Failed to fetch weather data"
	msgInvalidAction      = "Invalid action. Use: check, simulate, detailed, or stress"
)

// AvailableActions lists the /api/test/rate-limit actions.
var AvailableActions = []string{"check", "simulate", "detailed", "stress"}

// WeatherGetter is the gateway as seen by the handlers.
type WeatherGetter interface {
	GetWeather(ctx context.Context, loc models.Location) (models.WeatherResult, error)
}

// HealthConfig holds thresholds for GET /health.
type HealthConfig struct {
	// Window is the traffic window the error rate is computed over.
	Window time.Duration
	// ErrorRatePct marks the service degraded once failed/total reaches it. Zero disables.
	ErrorRatePct int
	// MinRequests is the sample size below which the error rate is ignored.
	MinRequests int
	// PingTimeout bounds the store reachability check.
	PingTimeout time.Duration
	Version     string
	StartTime   time.Time
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	weather      WeatherGetter
	reporter     *usage.Reporter
	kv           kvstore.Store
	healthConfig HealthConfig
	logger       *zap.Logger
	breakerState func() string
	now          func() time.Time

	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// Option configures a Handler.
type Option func(*Handler)

// WithBreakerState reports the upstream circuit breaker state on /health.
func WithBreakerState(state func() string) Option {
	return func(h *Handler) {
		h.breakerState = state
	}
}

// WithClock overrides time.Now for response timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// NewHandler returns a new Handler.
func NewHandler(weather WeatherGetter, reporter *usage.Reporter, kv kvstore.Store, healthConfig HealthConfig, logger *zap.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if healthConfig.Window <= 0 {
		healthConfig.Window = time.Minute
	}
	if healthConfig.PingTimeout <= 0 {
		healthConfig.PingTimeout = time.Second
	}
	if healthConfig.Version == "" {
		healthConfig.Version = "dev"
	}
	if healthConfig.StartTime.IsZero() {
		healthConfig.StartTime = time.Now()
	}
	h := &Handler{
		weather:      weather,
		reporter:     reporter,
		kv:           kv,
		healthConfig: healthConfig,
		logger:       logger,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type errorBody struct {
	Error string `json:"error"`
}

// weatherBody is the GET /api/weather success payload.
type weatherBody struct {
	Current   json.RawMessage `json:"current"`
	Forecast  json.RawMessage `json:"forecast"`
	Cached    bool            `json:"cached"`
	CachedAt  *time.Time      `json:"cachedAt,omitempty"`
	Notice    string          `json:"notice,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
}

// newWeatherBody flattens a gateway result into the response payload.
func newWeatherBody(res models.WeatherResult) weatherBody {
	body := weatherBody{
		Current:  res.Bundle.Current,
		Forecast: res.Bundle.Forecast,
		Cached:   res.Cached,
		Notice:   res.Notice,
	}
	if !res.CachedAt.IsZero() {
		at := res.CachedAt.UTC()
		body.CachedAt = &at
	}
	if !res.Timestamp.IsZero() {
		ts := res.Timestamp.UTC()
		body.Timestamp = &ts
	}
	return body
}

type retryData struct {
	RetryAfter int `json:"retryAfter"`
}

// rateLimitBody carries retryAfter at the top level and under data, where older
// clients read it.
type rateLimitBody struct {
	Error      string    `json:"error"`
	RetryAfter int       `json:"retryAfter"`
	Data       retryData `json:"data"`
}

func newRateLimitBody(msg string, retryAfter int) rateLimitBody {
	return rateLimitBody{Error: msg, RetryAfter: retryAfter, Data: retryData{RetryAfter: retryAfter}}
}

// GetWeather handles GET /api/weather?city=<name> or ?lat=<f>&lon=<f>.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	logger := observability.LoggerFromContext(r.Context(), h.logger)

	loc, err := validation.ParseLocation(r.URL.Query())
	if err != nil {
		logger.Debug("invalid location query", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, errorBody{Error: validationMessage(err)})
		return
	}

	result, err := h.weather.GetWeather(r.Context(), loc)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	traffic.Record(traffic.Served)
	writeJSON(w, http.StatusOK, newWeatherBody(result))
}

// validationMessage turns a query error into the client-facing message.
func validationMessage(err error) string {
	switch {
	case errors.Is(err, validation.ErrNoLocation), errors.Is(err, validation.ErrLocationEmpty):
		return msgNoLocation
	case errors.Is(err, validation.ErrInvalidCoordinates):
		return msgInvalidCoordinates
	default:
		return err.Error()
	}
}

// writeServiceError maps gateway errors to status codes and bodies.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	logger := observability.LoggerFromContext(r.Context(), h.logger)

	var rle *service.RateLimitError
	switch {
	case errors.As(err, &rle):
		traffic.Record(traffic.Limited)
		secs := rle.RetryAfterSeconds()
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, newRateLimitBody(msgRateLimited, secs))
	case errors.Is(err, service.ErrBadRequest):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: msgNoLocation})
	case errors.Is(err, service.ErrLocationNotFound):
		traffic.Record(traffic.Served)
		writeJSON(w, http.StatusOK, errorBody{Error: msgLocationNotFound})
	case errors.Is(err, service.ErrServiceUnavailable):
		traffic.Record(traffic.Failed)
		logger.Error("weather service unavailable", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: msgUnavailable})
	default:
		traffic.Record(traffic.Failed)
		logger.Error("weather lookup failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: msgInternal})
	}
}

// GetUsage handles GET /api/admin/usage.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reporter.Usage(r.Context()))
}

type invalidActionBody struct {
	Error            string    `json:"error"`
	AvailableActions []string  `json:"availableActions"`
	Timestamp        time.Time `json:"timestamp"`
}

// GetRateLimitTest handles GET /api/test/rate-limit?action=...&count=N.
func (h *Handler) GetRateLimitTest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ctx := r.Context()
	switch action := q.Get("action"); action {
	case "check":
		writeJSON(w, http.StatusOK, h.reporter.Check(ctx))
	case "simulate":
		writeJSON(w, http.StatusOK, h.reporter.Simulate(ctx))
	case "detailed":
		writeJSON(w, http.StatusOK, h.reporter.Detailed(ctx))
	case "stress":
		count := validation.ParseCount(q.Get("count"))
		observability.LoggerFromContext(ctx, h.logger).Info("quota stress run", zap.Int("count", count))
		writeJSON(w, http.StatusOK, h.reporter.Stress(ctx, count))
	default:
		writeJSON(w, http.StatusBadRequest, invalidActionBody{
			Error:            msgInvalidAction,
			AvailableActions: AvailableActions,
			Timestamp:        h.now().UTC(),
		})
	}
}

// DeleteCache handles DELETE /api/test/cache.
func (h *Handler) DeleteCache(w http.ResponseWriter, r *http.Request) {
	res, err := h.reporter.ClearCache(r.Context())
	if err != nil {
		observability.LoggerFromContext(r.Context(), h.logger).Error("cache clear failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetStoreHealth handles GET /api/health/store.
func (h *Handler) GetStoreHealth(w http.ResponseWriter, r *http.Request) {
	health := h.reporter.StoreHealth(r.Context())
	status := http.StatusOK
	if !health.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

type pingBody struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// GetCronPing handles GET /api/cron/ping, touching the keepalive key.
func (h *Handler) GetCronPing(w http.ResponseWriter, r *http.Request) {
	logger := observability.LoggerFromContext(r.Context(), h.logger)
	if err := scheduler.RunKeepalive(r.Context(), h.kv, 0, logger); err != nil {
		writeJSON(w, http.StatusOK, pingBody{OK: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, pingBody{OK: true})
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
	storeOK    bool
}

type healthBody struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks"`
	Uptime    string            `json:"uptime"`
	Timestamp time.Time         `json:"timestamp"`
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"store": "healthy"}
	if !result.storeOK {
		checks["store"] = "unhealthy"
	}
	if h.breakerState != nil {
		checks["upstreamBreaker"] = h.breakerState()
	}
	now := h.now()
	writeJSON(w, result.statusCode, healthBody{
		Status:    result.status,
		Service:   "weatheroo",
		Version:   h.healthConfig.Version,
		Checks:    checks,
		Uptime:    now.Sub(h.healthConfig.StartTime).Truncate(time.Second).String(),
		Timestamp: now.UTC(),
	})
}

// computeHealthStatus evaluates, in order: shutting-down, store reachability,
// error rate over the traffic window. Store failures are absorbed by the gateway,
// so an unreachable store reports degraded with 200.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal", true}
	}

	pingCtx, cancel := context.WithTimeout(ctx, h.healthConfig.PingTimeout)
	defer cancel()
	if err := h.kv.Ping(pingCtx); err != nil {
		observability.LoggerFromContext(ctx, h.logger).Warn("store unreachable", zap.Error(err))
		return healthResult{"degraded", http.StatusOK, "store_unreachable", false}
	}

	if h.healthConfig.ErrorRatePct > 0 {
		failed, total := traffic.ErrorRate(h.healthConfig.Window)
		if total > 0 && total >= h.healthConfig.MinRequests && failed*100 >= h.healthConfig.ErrorRatePct*total {
			return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach", true}
		}
	}
	return healthResult{"healthy", http.StatusOK, "", true}
}

// writeJSON writes v as JSON with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
