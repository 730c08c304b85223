package models

import "time"

// Observation is one normalized weather reading for a city. Records are
// immutable once stored; Timestamp is zero until the cache assigns it.
type Observation struct {
	City                 string    `json:"city"`
	TemperatureCelsius   float64   `json:"temperatureCelsius"`
	HumidityPercent      int       `json:"humidityPercent"`
	WindSpeedMS          float64   `json:"windSpeedMS"`
	ConditionDescription string    `json:"conditionDescription"`
	Timestamp            time.Time `json:"timestamp"`
}
