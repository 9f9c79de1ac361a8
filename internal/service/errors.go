package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/kjstillabower/weatheroo/internal/quota"
)

// Gateway errors. Each maps to one client-facing response.
var (
	ErrBadRequest         = errors.New("no location specified")
	ErrLocationNotFound   = errors.New("location not found")
	ErrServiceUnavailable = errors.New("weather service unavailable")
	ErrInternal           = errors.New("failed to fetch weather data")
)

// RateLimitError is returned when the provider quota or the burst limiter refuses
// an upstream fetch and no cached entry exists for the location.
type RateLimitError struct {
	Window     quota.Kind
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limit exceeded, retry after %s", e.Window, e.RetryAfter)
}

// RetryAfterSeconds returns RetryAfter in whole seconds, at least one.
func (e *RateLimitError) RetryAfterSeconds() int {
	secs := int(e.RetryAfter / time.Second)
	if e.RetryAfter%time.Second != 0 {
		secs++
	}
	return max(secs, 1)
}
