package client

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kjstillabower/clima-service/internal/apperror"
	"github.com/kjstillabower/clima-service/internal/models"
)

const (
	openMeteoLocalTime = "2006-01-02T15:04"
	openMeteoDate      = "2006-01-02"
)

var (
	currentFields = []string{
		"temperature_2m", "apparent_temperature", "relative_humidity_2m", "surface_pressure",
		"wind_speed_10m", "wind_direction_10m", "weather_code", "visibility", "uv_index",
	}
	hourlyFields = []string{
		"temperature_2m", "apparent_temperature", "relative_humidity_2m", "precipitation_probability",
		"precipitation", "weather_code", "wind_speed_10m", "wind_direction_10m",
	}
	dailyFields = []string{
		"temperature_2m_max", "temperature_2m_min", "weather_code", "precipitation_probability_max",
		"precipitation_sum", "wind_speed_10m_max", "sunrise", "sunset", "uv_index_max",
	}
)

// OpenMeteoClient implements WeatherSource against the Open-Meteo forecast API.
type OpenMeteoClient struct {
	forecastURL   string
	forecastHours int
	forecastDays  int
	transport     *transport
}

// NewOpenMeteoClient creates a forecast client. forecastURL is the full /v1/forecast URL.
// Zero hours/days default to 24 and 7.
func NewOpenMeteoClient(forecastURL string, hours, days int, cfg TransportConfig) (*OpenMeteoClient, error) {
	if _, err := url.ParseRequestURI(forecastURL); err != nil {
		return nil, fmt.Errorf("invalid forecast URL: %w", err)
	}
	if hours <= 0 {
		hours = 24
	}
	if days <= 0 {
		days = 7
	}
	if cfg.Source == "" {
		cfg.Source = "open_meteo"
	}
	return &OpenMeteoClient{
		forecastURL:   forecastURL,
		forecastHours: hours,
		forecastDays:  days,
		transport:     newTransport(cfg),
	}, nil
}

type forecastResponse struct {
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	Timezone         string  `json:"timezone"`
	UTCOffsetSeconds int     `json:"utc_offset_seconds"`
	Current          struct {
		Time                string  `json:"time"`
		Temperature         float64 `json:"temperature_2m"`
		ApparentTemperature float64 `json:"apparent_temperature"`
		RelativeHumidity    float64 `json:"relative_humidity_2m"`
		SurfacePressure     float64 `json:"surface_pressure"`
		WindSpeed           float64 `json:"wind_speed_10m"`
		WindDirection       float64 `json:"wind_direction_10m"`
		WeatherCode         int     `json:"weather_code"`
		Visibility          float64 `json:"visibility"`
		UVIndex             float64 `json:"uv_index"`
	} `json:"current"`
	Hourly struct {
		Time                     []string  `json:"time"`
		Temperature              []float64 `json:"temperature_2m"`
		ApparentTemperature      []float64 `json:"apparent_temperature"`
		RelativeHumidity         []float64 `json:"relative_humidity_2m"`
		PrecipitationProbability []float64 `json:"precipitation_probability"`
		Precipitation            []float64 `json:"precipitation"`
		WeatherCode              []int     `json:"weather_code"`
		WindSpeed                []float64 `json:"wind_speed_10m"`
		WindDirection            []float64 `json:"wind_direction_10m"`
	} `json:"hourly"`
	Daily struct {
		Time                        []string  `json:"time"`
		TemperatureMax              []float64 `json:"temperature_2m_max"`
		TemperatureMin              []float64 `json:"temperature_2m_min"`
		WeatherCode                 []int     `json:"weather_code"`
		PrecipitationProbabilityMax []float64 `json:"precipitation_probability_max"`
		PrecipitationSum            []float64 `json:"precipitation_sum"`
		WindSpeedMax                []float64 `json:"wind_speed_10m_max"`
		Sunrise                     []string  `json:"sunrise"`
		Sunset                      []string  `json:"sunset"`
		UVIndexMax                  []float64 `json:"uv_index_max"`
	} `json:"daily"`
}

// CompleteWeather fetches current, hourly and daily data in one call.
func (c *OpenMeteoClient) CompleteWeather(ctx context.Context, lat, lon float64) (models.CompleteWeather, error) {
	params := url.Values{}
	params.Set("latitude", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("longitude", strconv.FormatFloat(lon, 'f', -1, 64))
	params.Set("current", strings.Join(currentFields, ","))
	params.Set("hourly", strings.Join(hourlyFields, ","))
	params.Set("daily", strings.Join(dailyFields, ","))
	params.Set("forecast_hours", strconv.Itoa(c.forecastHours))
	params.Set("forecast_days", strconv.Itoa(c.forecastDays))
	params.Set("timezone", "auto")

	var resp forecastResponse
	if err := c.transport.getJSON(ctx, c.forecastURL+"?"+params.Encode(), &resp); err != nil {
		return models.CompleteWeather{}, err
	}
	return mapForecast(resp)
}

func mapForecast(resp forecastResponse) (models.CompleteWeather, error) {
	loc := time.FixedZone(resp.Timezone, resp.UTCOffsetSeconds)

	ts, err := time.ParseInLocation(openMeteoLocalTime, resp.Current.Time, loc)
	if err != nil {
		return models.CompleteWeather{}, apperror.Parse(fmt.Errorf("open_meteo: current time %q: %w", resp.Current.Time, err))
	}
	cur := resp.Current
	out := models.CompleteWeather{
		Current: models.CurrentWeather{
			Location:      models.Location{Lat: resp.Latitude, Lon: resp.Longitude},
			Temperature:   cur.Temperature,
			FeelsLike:     cur.ApparentTemperature,
			Humidity:      cur.RelativeHumidity,
			Pressure:      cur.SurfacePressure,
			WindSpeed:     cur.WindSpeed,
			WindDirection: cur.WindDirection,
			Visibility:    cur.Visibility,
			UVIndex:       cur.UVIndex,
			Condition:     conditionFromWMO(cur.WeatherCode),
			Timestamp:     ts.UTC(),
		},
		Hourly: make([]models.HourlyForecast, 0, len(resp.Hourly.Time)),
		Daily:  make([]models.DailyForecast, 0, len(resp.Daily.Time)),
		Alerts: []models.WeatherAlert{},
	}

	h := resp.Hourly
	for i, raw := range h.Time {
		at, err := time.ParseInLocation(openMeteoLocalTime, raw, loc)
		if err != nil {
			return models.CompleteWeather{}, apperror.Parse(fmt.Errorf("open_meteo: hourly time %q: %w", raw, err))
		}
		out.Hourly = append(out.Hourly, models.HourlyForecast{
			Timestamp:                at.UTC(),
			Temperature:              at64(h.Temperature, i),
			FeelsLike:                at64(h.ApparentTemperature, i),
			Humidity:                 at64(h.RelativeHumidity, i),
			PrecipitationProbability: at64(h.PrecipitationProbability, i),
			PrecipitationAmount:      at64(h.Precipitation, i),
			WindSpeed:                at64(h.WindSpeed, i),
			WindDirection:            at64(h.WindDirection, i),
			Condition:                conditionFromWMO(atInt(h.WeatherCode, i)),
		})
	}

	d := resp.Daily
	for i, date := range d.Time {
		if _, err := time.Parse(openMeteoDate, date); err != nil {
			return models.CompleteWeather{}, apperror.Parse(fmt.Errorf("open_meteo: daily date %q: %w", date, err))
		}
		day := models.DailyForecast{
			Date:                     date,
			TemperatureMax:           at64(d.TemperatureMax, i),
			TemperatureMin:           at64(d.TemperatureMin, i),
			PrecipitationProbability: at64(d.PrecipitationProbabilityMax, i),
			PrecipitationAmount:      at64(d.PrecipitationSum, i),
			WindSpeed:                at64(d.WindSpeedMax, i),
			UVIndex:                  at64(d.UVIndexMax, i),
			Condition:                conditionFromWMO(atInt(d.WeatherCode, i)),
		}
		// Polar day/night leaves sunrise or sunset empty.
		if i < len(d.Sunrise) {
			if t, err := time.ParseInLocation(openMeteoLocalTime, d.Sunrise[i], loc); err == nil {
				day.Sunrise = t.UTC()
			}
		}
		if i < len(d.Sunset) {
			if t, err := time.ParseInLocation(openMeteoLocalTime, d.Sunset[i], loc); err == nil {
				day.Sunset = t.UTC()
			}
		}
		out.Daily = append(out.Daily, day)
	}
	return out, nil
}

func at64(s []float64, i int) float64 {
	if i < len(s) {
		return s[i]
	}
	return 0
}

func atInt(s []int, i int) int {
	if i < len(s) {
		return s[i]
	}
	return -1
}
