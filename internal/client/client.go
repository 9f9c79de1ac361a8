package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kjstillabower/weatheroo/internal/models"
	"github.com/kjstillabower/weatheroo/internal/observability"
)

// WeatherClient fetches current conditions and forecast for a location.
type WeatherClient interface {
	Fetch(ctx context.Context, loc models.Location) (models.UpstreamBundle, error)
}

var (
	ErrNoLocation          = errors.New("no location specified")
	ErrLocationNotFound    = errors.New("location not found")
	ErrInvalidAPIKey       = errors.New("invalid API key")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// maxBodyBytes bounds a single upstream response body.
const maxBodyBytes = 4 << 20

// BreakerConfig configures the upstream circuit breaker. Zero values take gobreaker defaults,
// except ConsecutiveFailures which defaults to 5.
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// OpenWeatherClient calls the OpenWeatherMap 2.5 API. It never retries; every
// failure is classified and returned.
type OpenWeatherClient struct {
	apiKey  string
	baseURL *url.URL
	timeout time.Duration
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// Option configures an OpenWeatherClient.
type Option func(*OpenWeatherClient)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *OpenWeatherClient) {
		c.client = hc
	}
}

// NewOpenWeatherClient returns a client for the API rooted at apiURL
// (e.g. https://api.openweathermap.org/data/2.5). An empty apiKey is accepted;
// every Fetch then fails with ErrInvalidAPIKey.
func NewOpenWeatherClient(apiKey, apiURL string, timeout time.Duration, breaker BreakerConfig, opts ...Option) (*OpenWeatherClient, error) {
	base, err := url.Parse(strings.TrimRight(apiURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid API URL %q", apiURL)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &OpenWeatherClient{
		apiKey:  apiKey,
		baseURL: base,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = newBreaker(breaker)
	return c, nil
}

// newBreaker trips after cfg.ConsecutiveFailures failures in a row, five when unset.
func newBreaker(cfg BreakerConfig) *gobreaker.CircuitBreaker {
	threshold := cfg.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openweather",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Only provider outages trip the breaker; unknown cities and bad keys do not.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrUpstreamUnavailable)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			observability.CircuitBreakerState.Set(observability.CircuitBreakerStateValue(to.String()))
			observability.CircuitBreakerTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
		},
	})
}

// BreakerState returns the circuit breaker state name (closed, half-open, open).
func (c *OpenWeatherClient) BreakerState() string {
	return c.breaker.State().String()
}

// Fetch issues the current-conditions call and, on success, the forecast call.
// Errors wrap one of ErrNoLocation, ErrLocationNotFound, ErrInvalidAPIKey or
// ErrUpstreamUnavailable.
func (c *OpenWeatherClient) Fetch(ctx context.Context, loc models.Location) (models.UpstreamBundle, error) {
	params, err := locationParams(loc)
	if err != nil {
		return models.UpstreamBundle{}, err
	}
	if c.apiKey == "" {
		return models.UpstreamBundle{}, fmt.Errorf("%w: API key is not configured", ErrInvalidAPIKey)
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		current, err := c.call(ctx, "current", "weather", params, classifyCurrent)
		if err != nil {
			return nil, err
		}
		forecast, err := c.call(ctx, "forecast", "forecast", params, classifyForecast)
		if err != nil {
			return nil, err
		}
		return models.UpstreamBundle{Current: current, Forecast: forecast}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.WeatherAPICallsTotal.WithLabelValues("current", "circuit_open").Inc()
			return models.UpstreamBundle{}, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
		}
		return models.UpstreamBundle{}, err
	}
	return out.(models.UpstreamBundle), nil
}

// locationParams builds the query for loc. City wins over coordinates.
func locationParams(loc models.Location) (url.Values, error) {
	params := url.Values{}
	switch {
	case strings.TrimSpace(loc.City) != "":
		params.Set("q", strings.TrimSpace(loc.City))
	case loc.Coords != nil:
		params.Set("lat", strconv.FormatFloat(loc.Coords.Lat, 'f', -1, 64))
		params.Set("lon", strconv.FormatFloat(loc.Coords.Lon, 'f', -1, 64))
	default:
		return nil, ErrNoLocation
	}
	return params, nil
}

// classifyCurrent maps a current-conditions status. 400 and 404 mean the location
// does not resolve.
func classifyCurrent(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound, status == http.StatusBadRequest:
		return ErrLocationNotFound
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%w: HTTP %d", ErrInvalidAPIKey, status)
	default:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamUnavailable, status)
	}
}

// classifyForecast maps a forecast status. Any non-2xx other than 401 is an outage,
// since the location already resolved for current conditions.
func classifyForecast(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%w: HTTP %d", ErrInvalidAPIKey, status)
	default:
		return fmt.Errorf("%w: forecast HTTP %d", ErrUpstreamUnavailable, status)
	}
}

// call performs one GET against path and returns the raw JSON body.
func (c *OpenWeatherClient) call(ctx context.Context, name, path string, params url.Values, classify func(int) error) (json.RawMessage, error) {
	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, path, params)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observe(name, "error", start)
		return nil, fmt.Errorf("%w: %s request: %w", ErrUpstreamUnavailable, name, err)
	}
	defer resp.Body.Close()

	observe(name, statusLabel(resp.StatusCode), start)
	if err := classify(resp.StatusCode); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s body: %w", ErrUpstreamUnavailable, name, err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: parse %s body: malformed JSON", ErrUpstreamUnavailable, name)
	}
	return json.RawMessage(body), nil
}

// buildRequest joins path onto the base URL and adds the key, metric units and
// the caller's correlation ID.
func (c *OpenWeatherClient) buildRequest(ctx context.Context, path string, params url.Values) (*http.Request, error) {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + path
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("appid", c.apiKey)
	q.Set("units", "metric")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if id := observability.CorrelationID(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}
	return req, nil
}

// observe records one upstream call in the call counter and latency histogram.
func observe(call, status string, start time.Time) {
	observability.WeatherAPICallsTotal.WithLabelValues(call, status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(call, status).Observe(time.Since(start).Seconds())
}

// statusLabel buckets an upstream status code for metric labels.
func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	}
	return "error"
}

// ValidateAPIKey issues one current-conditions call for London and reports
// whether the key is accepted. It bypasses the circuit breaker.
func (c *OpenWeatherClient) ValidateAPIKey(ctx context.Context) error {
	if c.apiKey == "" {
		return fmt.Errorf("%w: API key is not configured", ErrInvalidAPIKey)
	}
	_, err := c.call(ctx, "validate", "weather", url.Values{"q": {"London"}}, classifyCurrent)
	if err != nil {
		return fmt.Errorf("validate API key: %w", err)
	}
	return nil
}
