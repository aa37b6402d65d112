package models

import "time"

// Status is the orchestrator's fetch status as seen by consumers.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusSuccess Status = "success"
	StatusStale   Status = "stale"
	StatusError   Status = "error"
)

// AppError is the user-facing error carried in orchestrator state.
// Details is an opaque diagnostic string; it is not meant for display.
type AppError struct {
	Code    string `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return e.Code + ": " + e.Message + ": " + e.Details
	}
	return e.Code + ": " + e.Message
}

// WeatherState is a read-only copy of one orchestrator's observable state.
type WeatherState struct {
	Current         *CurrentWeather  `json:"current"`
	Hourly          []HourlyForecast `json:"hourly"`
	Daily           []DailyForecast  `json:"daily"`
	AirQuality      *AirQuality      `json:"airQuality"`
	Alerts          []WeatherAlert   `json:"alerts"`
	CurrentLocation *Location        `json:"currentLocation"`
	Status          Status           `json:"status"`
	Error           *AppError        `json:"error"`
	LastUpdated     *time.Time       `json:"lastUpdated"`
	IsStale         bool             `json:"isStale"`
}

// InitialState returns the empty idle state.
func InitialState() WeatherState {
	return WeatherState{
		Hourly: []HourlyForecast{},
		Daily:  []DailyForecast{},
		Alerts: []WeatherAlert{},
		Status: StatusIdle,
	}
}
