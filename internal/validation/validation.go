// Package validation parses and checks lookup query parameters.
package validation

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/kjstillabower/weatheroo/internal/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

var (
	// ErrNoLocation is returned when neither a city nor a complete lat/lon pair is given.
	ErrNoLocation = errors.New("no location specified")
	// ErrInvalidCoordinates is returned for unparseable or out-of-range coordinates.
	ErrInvalidCoordinates = errors.New("invalid coordinates")

	ErrLocationEmpty        = errors.New("location is required")
	ErrLocationTooShort     = errors.New("location too short")
	ErrLocationTooLong      = errors.New("location too long")
	ErrLocationInvalidChars = errors.New("location contains invalid characters")
)

// Length bounds, in runes, for operator-configured city names.
const (
	MinCityLen = 1
	MaxCityLen = 100
)

type coordinates struct {
	Lat float64 `validate:"gte=-90,lte=90"`
	Lon float64 `validate:"gte=-180,lte=180"`
}

// ParseLocation reads city, lat and lon from q. A non-blank city wins over
// coordinates and is passed on as-is apart from trimming; whether it resolves is
// the provider's call. A lone lat or lon counts as no location.
func ParseLocation(q url.Values) (models.Location, error) {
	if city := strings.TrimSpace(q.Get("city")); city != "" {
		return models.Location{City: city}, nil
	}

	rawLat, rawLon := strings.TrimSpace(q.Get("lat")), strings.TrimSpace(q.Get("lon"))
	if rawLat == "" || rawLon == "" {
		return models.Location{}, ErrNoLocation
	}
	lat, errLat := strconv.ParseFloat(rawLat, 64)
	lon, errLon := strconv.ParseFloat(rawLon, 64)
	if errLat != nil || errLon != nil {
		return models.Location{}, fmt.Errorf("%w: lat=%q lon=%q", ErrInvalidCoordinates, rawLat, rawLon)
	}
	c := coordinates{Lat: lat, Lon: lon}
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return models.Location{}, fmt.Errorf("%w: %s out of range", ErrInvalidCoordinates, strings.ToLower(verrs[0].Field()))
		}
		return models.Location{}, fmt.Errorf("%w: %w", ErrInvalidCoordinates, err)
	}
	return models.Location{Coords: &models.Coordinates{Lat: c.Lat, Lon: c.Lon}}, nil
}

// ValidateLocation checks an operator-configured city name (warm and tracked
// locations). It trims the input, enforces length bounds (minLen, maxLen in runes),
// and restricts to letters, digits, space, comma, hyphen, period and apostrophe.
// Normalization (lowercasing) is left to models.Location.Key.
func ValidateLocation(input string, minLen, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	n := len([]rune(s))
	switch {
	case n == 0:
		return "", ErrLocationEmpty
	case minLen > 0 && n < minLen:
		return "", ErrLocationTooShort
	case maxLen > 0 && n > maxLen:
		return "", ErrLocationTooLong
	}
	if strings.IndexFunc(s, func(r rune) bool { return !isAllowedLocationRune(r) }) >= 0 {
		return "", ErrLocationInvalidChars
	}
	return s, nil
}

func isAllowedLocationRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.Is(unicode.Mn, r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '.', '\'':
		return true
	}
	return false
}

// ParseCount reads the stress count. Missing or unparseable values give 1.
func ParseCount(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 1 {
		return 1
	}
	return n
}
