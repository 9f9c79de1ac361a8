package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// LocationKey is the normalized cache and quota identifier for a lookup target:
// "city:<lowercased trimmed name>" or "coords:<lat %.2f>,<lon %.2f>".
type LocationKey string

// Location is a resolved lookup target. Exactly one of City or Coords is set.
type Location struct {
	City   string
	Coords *Coordinates
}

// Coordinates is a latitude/longitude pair in decimal degrees.
type Coordinates struct {
	Lat float64
	Lon float64
}

// IsZero reports whether neither a city nor coordinates were supplied.
func (l Location) IsZero() bool {
	return strings.TrimSpace(l.City) == "" && l.Coords == nil
}

// Key derives the LocationKey. City wins when both are set.
func (l Location) Key() LocationKey {
	if city := strings.ToLower(strings.TrimSpace(l.City)); city != "" {
		return LocationKey("city:" + city)
	}
	if l.Coords != nil {
		return LocationKey(fmt.Sprintf("coords:%.2f,%.2f", l.Coords.Lat, l.Coords.Lon))
	}
	return ""
}

// String returns a human-readable form for logs.
func (l Location) String() string {
	return string(l.Key())
}

// UpstreamBundle is the provider's current conditions and forecast, kept as raw JSON.
type UpstreamBundle struct {
	Current  json.RawMessage `json:"current"`
	Forecast json.RawMessage `json:"forecast"`
}

// CacheEntry is what the cache-aside store persists under a LocationKey.
type CacheEntry struct {
	Payload             UpstreamBundle `json:"data"`
	StoredAtEpochMillis int64          `json:"timestamp"`
}

// StoredAt returns the entry timestamp as a time.Time.
func (e CacheEntry) StoredAt() time.Time {
	return time.UnixMilli(e.StoredAtEpochMillis)
}

// WeatherResult is the gateway's answer for a successful lookup.
type WeatherResult struct {
	Bundle    UpstreamBundle
	Cached    bool
	CachedAt  time.Time // set when served from cache
	Notice    string    // set when stale data is served under rate limiting
	Timestamp time.Time // set when freshly fetched
}
