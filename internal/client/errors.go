package client

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAPIKey is returned by the constructor and ValidateAPIKey.
	ErrInvalidAPIKey = errors.New("invalid API key")
	// ErrNotFound means the provider does not recognize the city (HTTP 404).
	ErrNotFound = errors.New("city not found")
	// ErrTimeout means the upstream call exceeded its bound.
	ErrTimeout = errors.New("upstream timeout")
	// ErrUpstreamFailure covers every other upstream, network, or parse error.
	ErrUpstreamFailure = errors.New("upstream failure")
)

// LookupError is the error returned by Fetch. Kind is one of ErrNotFound,
// ErrTimeout, or ErrUpstreamFailure; errors.Is matches on it.
type LookupError struct {
	Kind error
	City string
	Err  error
}

func (e *LookupError) Error() string {
	switch e.Kind {
	case ErrNotFound:
		return fmt.Sprintf("city %q not found", e.City)
	case ErrTimeout:
		return fmt.Sprintf("request timeout for city %q", e.City)
	default:
		if e.Err == nil {
			return fmt.Sprintf("failed to fetch weather data for %q", e.City)
		}
		return fmt.Sprintf("failed to fetch weather data for %q: %v", e.City, e.Err)
	}
}

// Is reports whether target is this error's kind.
func (e *LookupError) Is(target error) bool {
	return target == e.Kind
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

func notFound(city string) error {
	return &LookupError{Kind: ErrNotFound, City: city}
}

func timeout(city string, err error) error {
	return &LookupError{Kind: ErrTimeout, City: city, Err: err}
}

func upstreamFailure(city string, err error) error {
	return &LookupError{Kind: ErrUpstreamFailure, City: city, Err: err}
}
