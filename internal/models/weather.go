package models

import (
	"fmt"
	"time"
)

// Location identifies a place by coordinates. Name and Country are display-only.
type Location struct {
	Lat     float64 `json:"lat" validate:"latitude"`
	Lon     float64 `json:"lon" validate:"longitude"`
	Name    string  `json:"name"`
	Country string  `json:"country"`
	Region  string  `json:"region,omitempty"`
}

func (l Location) String() string {
	if l.Name != "" {
		return fmt.Sprintf("%s (%.4f,%.4f)", l.Name, l.Lat, l.Lon)
	}
	return fmt.Sprintf("%.4f,%.4f", l.Lat, l.Lon)
}

// Condition is a WMO weather code with its display group and description.
type Condition struct {
	ID          int    `json:"id"`
	Main        string `json:"main"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

type CurrentWeather struct {
	Location      Location  `json:"location"`
	Temperature   float64   `json:"temperature"`
	FeelsLike     float64   `json:"feelsLike"`
	Humidity      float64   `json:"humidity"`
	Pressure      float64   `json:"pressure"`
	WindSpeed     float64   `json:"windSpeed"`
	WindDirection float64   `json:"windDirection"`
	Visibility    float64   `json:"visibility"`
	UVIndex       float64   `json:"uvIndex"`
	Condition     Condition `json:"condition"`
	Timestamp     time.Time `json:"timestamp"`
}

type HourlyForecast struct {
	Timestamp                time.Time `json:"timestamp"`
	Temperature              float64   `json:"temperature"`
	FeelsLike                float64   `json:"feelsLike"`
	Humidity                 float64   `json:"humidity"`
	PrecipitationProbability float64   `json:"precipitationProbability"`
	PrecipitationAmount      float64   `json:"precipitationAmount"`
	WindSpeed                float64   `json:"windSpeed"`
	WindDirection            float64   `json:"windDirection"`
	Condition                Condition `json:"condition"`
}

type DailyForecast struct {
	Date                     string    `json:"date"` // YYYY-MM-DD in the location's timezone
	TemperatureMax           float64   `json:"temperatureMax"`
	TemperatureMin           float64   `json:"temperatureMin"`
	PrecipitationProbability float64   `json:"precipitationProbability"`
	PrecipitationAmount      float64   `json:"precipitationAmount"`
	WindSpeed                float64   `json:"windSpeed"`
	UVIndex                  float64   `json:"uvIndex"`
	Condition                Condition `json:"condition"`
	Sunrise                  time.Time `json:"sunrise"`
	Sunset                   time.Time `json:"sunset"`
}

// AirQuality holds pollutant concentrations (µg/m³) and the PM2.5-derived US AQI.
type AirQuality struct {
	AQI       int       `json:"aqi"`
	PM25      float64   `json:"pm25"`
	PM10      float64   `json:"pm10"`
	O3        float64   `json:"o3"`
	NO2       float64   `json:"no2"`
	CO        float64   `json:"co"`
	SO2       float64   `json:"so2"`
	Timestamp time.Time `json:"timestamp"`
}

type AlertSeverity string

const (
	SeverityMinor    AlertSeverity = "minor"
	SeverityModerate AlertSeverity = "moderate"
	SeveritySevere   AlertSeverity = "severe"
	SeverityExtreme  AlertSeverity = "extreme"
)

type WeatherAlert struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Severity    AlertSeverity `json:"severity"`
	Start       time.Time     `json:"start"`
	End         time.Time     `json:"end"`
	Areas       []string      `json:"areas"`
}

// CompleteWeather is what the primary weather source returns in one call.
type CompleteWeather struct {
	Current CurrentWeather   `json:"current"`
	Hourly  []HourlyForecast `json:"hourly"`
	Daily   []DailyForecast  `json:"daily"`
	Alerts  []WeatherAlert   `json:"alerts"`
}

// WeatherSnapshot is the unit stored under one cache key and exposed to consumers.
// AirQuality is nil when the air-quality source had no data or failed.
type WeatherSnapshot struct {
	Current    CurrentWeather   `json:"current"`
	Hourly     []HourlyForecast `json:"hourly"`
	Daily      []DailyForecast  `json:"daily"`
	AirQuality *AirQuality      `json:"airQuality,omitempty"`
	Alerts     []WeatherAlert   `json:"alerts"`
}

// NewSnapshot assembles a snapshot from a complete weather result and optional air quality.
func NewSnapshot(w CompleteWeather, aq *AirQuality) WeatherSnapshot {
	alerts := w.Alerts
	if alerts == nil {
		alerts = []WeatherAlert{}
	}
	return WeatherSnapshot{
		Current:    w.Current,
		Hourly:     w.Hourly,
		Daily:      w.Daily,
		AirQuality: aq,
		Alerts:     alerts,
	}
}
