package client

import (
	"context"
	"strconv"

	"github.com/kjstillabower/clima-service/internal/models"
)

// WeatherSource returns current conditions plus hourly and daily forecasts for a point.
type WeatherSource interface {
	CompleteWeather(ctx context.Context, lat, lon float64) (models.CompleteWeather, error)
}

// AirQualitySource returns the latest air-quality reading near a point, or nil when no
// station reports one.
type AirQualitySource interface {
	AirQuality(ctx context.Context, lat, lon float64) (*models.AirQuality, error)
}

// LocationSearcher resolves a free-text place name to candidate locations.
type LocationSearcher interface {
	SearchLocations(ctx context.Context, query string) ([]models.Location, error)
}

var conditionDescriptions = map[int]string{
	0:  "Clear sky",
	1:  "Mainly clear",
	2:  "Partly cloudy",
	3:  "Overcast",
	45: "Fog",
	48: "Depositing rime fog",
	51: "Light drizzle",
	53: "Moderate drizzle",
	55: "Dense drizzle",
	56: "Light freezing drizzle",
	57: "Dense freezing drizzle",
	61: "Slight rain",
	63: "Moderate rain",
	65: "Heavy rain",
	66: "Light freezing rain",
	67: "Heavy freezing rain",
	71: "Slight snowfall",
	73: "Moderate snowfall",
	75: "Heavy snowfall",
	77: "Snow grains",
	80: "Slight rain showers",
	81: "Moderate rain showers",
	82: "Violent rain showers",
	85: "Slight snow showers",
	86: "Heavy snow showers",
	95: "Thunderstorm",
	96: "Thunderstorm with slight hail",
	99: "Thunderstorm with heavy hail",
}

// conditionFromWMO maps a WMO weather interpretation code to a Condition.
func conditionFromWMO(code int) models.Condition {
	desc, ok := conditionDescriptions[code]
	if !ok {
		desc = "Unknown conditions"
	}
	return models.Condition{
		ID:          code,
		Main:        conditionGroup(code),
		Description: desc,
		Icon:        strconv.Itoa(code),
	}
}

func conditionGroup(code int) string {
	switch {
	case code < 0:
		return "Unknown"
	case code == 0:
		return "Clear"
	case code <= 3:
		return "Clouds"
	case code == 45 || code == 48:
		return "Fog"
	case code <= 67:
		return "Rain"
	case code <= 77:
		return "Snow"
	case code <= 82:
		return "Rain"
	case code <= 86:
		return "Snow"
	case code <= 99:
		return "Thunderstorm"
	default:
		return "Unknown"
	}
}
