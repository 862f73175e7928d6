package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrCityEmpty is returned when a city is empty or whitespace-only after trim.
var ErrCityEmpty = errors.New("city is required")

// ErrCityTooLong is returned when a city exceeds the maximum length in runes.
var ErrCityTooLong = errors.New("city name too long")

// Batch errors. Their messages are returned to clients verbatim.
var (
	ErrCitiesMissing = errors.New(`Missing or invalid "cities" query parameter. Use: ?cities=NY,Paris,Madrid`)
	ErrNoValidCities = errors.New("No valid cities provided")
	// ErrTooManyCities matches any *TooManyCitiesError.
	ErrTooManyCities = errors.New("too many cities")
)

// TooManyCitiesError reports a batch larger than Max.
type TooManyCitiesError struct {
	Max int
}

func (e *TooManyCitiesError) Error() string {
	return fmt.Sprintf("Maximum %d cities allowed per request", e.Max)
}

// Is reports whether target is ErrTooManyCities.
func (e *TooManyCitiesError) Is(target error) bool {
	return target == ErrTooManyCities
}

// ValidateCity trims input and enforces a non-empty value of at most maxLen
// runes (maxLen <= 0 disables the bound). Case is preserved; the cache layer
// normalizes keys.
func ValidateCity(input string, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", ErrCityEmpty
	}
	if maxLen > 0 && utf8.RuneCountInString(s) > maxLen {
		return "", ErrCityTooLong
	}
	return s, nil
}

// ParseCities splits a comma-separated cities parameter, trims each name and
// drops empty ones. At most maxCities names are accepted and each is held to
// maxCityLen runes as in ValidateCity (a bound <= 0 disables it). An empty raw
// value counts as missing.
func ParseCities(raw string, maxCities, maxCityLen int) ([]string, error) {
	if raw == "" {
		return nil, ErrCitiesMissing
	}
	var cities []string
	for _, part := range strings.Split(raw, ",") {
		if c := strings.TrimSpace(part); c != "" {
			cities = append(cities, c)
		}
	}
	if len(cities) == 0 {
		return nil, ErrNoValidCities
	}
	if maxCities > 0 && len(cities) > maxCities {
		return nil, &TooManyCitiesError{Max: maxCities}
	}
	for _, c := range cities {
		if _, err := ValidateCity(c, maxCityLen); err != nil {
			return nil, err
		}
	}
	return cities, nil
}
