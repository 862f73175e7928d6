package models

import "encoding/json"

// WeatherRecord is the normalized current-weather reading for one city.
// Timestamp is milliseconds since epoch at the moment of the live fetch; cached
// copies keep the original value.
type WeatherRecord struct {
	City        string  `json:"city"`
	Country     string  `json:"country"`
	Temperature int     `json:"temperature"`
	FeelsLike   int     `json:"feels_like"`
	Humidity    int     `json:"humidity"`
	Pressure    int     `json:"pressure"`
	Description string  `json:"description"`
	Icon        string  `json:"icon"`
	WindSpeed   float64 `json:"wind_speed"`
	Visibility  int     `json:"visibility"`
	Timestamp   int64   `json:"timestamp"`
}

// LookupResult is one city's outcome in a batch lookup: either a record or an error.
type LookupResult struct {
	Record WeatherRecord
	Err    error
}

// MarshalJSON renders the record on success and {"error": "..."} on failure.
func (r LookupResult) MarshalJSON() ([]byte, error) {
	if r.Err != nil {
		return json.Marshal(struct {
			Error string `json:"error"`
		}{Error: r.Err.Error()})
	}
	return json.Marshal(r.Record)
}
