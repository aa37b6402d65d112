package client

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"time"

	"github.com/kjstillabower/clima-service/internal/models"
)

// OpenAQClient implements AirQualitySource against the OpenAQ /latest endpoint.
type OpenAQClient struct {
	latestURL string
	radiusM   int
	transport *transport
	now       func() time.Time
}

// NewOpenAQClient creates an air-quality client. apiKey is optional and sent as X-API-Key.
// radiusMeters defaults to 10 km.
func NewOpenAQClient(latestURL, apiKey string, radiusMeters int, cfg TransportConfig) (*OpenAQClient, error) {
	if _, err := url.ParseRequestURI(latestURL); err != nil {
		return nil, fmt.Errorf("invalid air quality URL: %w", err)
	}
	if radiusMeters <= 0 {
		radiusMeters = 10000
	}
	if cfg.Source == "" {
		cfg.Source = "openaq"
	}
	if apiKey != "" {
		headers := make(map[string]string, len(cfg.Headers)+1)
		for k, v := range cfg.Headers {
			headers[k] = v
		}
		headers["X-API-Key"] = apiKey
		cfg.Headers = headers
	}
	return &OpenAQClient{
		latestURL: latestURL,
		radiusM:   radiusMeters,
		transport: newTransport(cfg),
		now:       time.Now,
	}, nil
}

type latestResponse struct {
	Results []struct {
		Measurements []struct {
			Parameter   string  `json:"parameter"`
			Value       float64 `json:"value"`
			LastUpdated string  `json:"lastUpdated"`
		} `json:"measurements"`
	} `json:"results"`
}

// AirQuality returns the most recently updated station's reading within the radius, or
// (nil, nil) when there is none.
func (c *OpenAQClient) AirQuality(ctx context.Context, lat, lon float64) (*models.AirQuality, error) {
	params := url.Values{}
	params.Set("coordinates", strconv.FormatFloat(lat, 'f', 4, 64)+","+strconv.FormatFloat(lon, 'f', 4, 64))
	params.Set("radius", strconv.Itoa(c.radiusM))
	params.Set("limit", "1")
	params.Set("order_by", "lastUpdated")
	params.Set("sort", "desc")

	var resp latestResponse
	if err := c.transport.getJSON(ctx, c.latestURL+"?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}

	aq := &models.AirQuality{}
	var newest time.Time
	for _, m := range resp.Results[0].Measurements {
		switch m.Parameter {
		case "pm25":
			aq.PM25 = m.Value
		case "pm10":
			aq.PM10 = m.Value
		case "o3":
			aq.O3 = m.Value
		case "no2":
			aq.NO2 = m.Value
		case "co":
			aq.CO = m.Value
		case "so2":
			aq.SO2 = m.Value
		default:
			continue
		}
		if t, err := time.Parse(time.RFC3339, m.LastUpdated); err == nil && t.After(newest) {
			newest = t
		}
	}
	if newest.IsZero() {
		newest = c.now()
	}
	aq.Timestamp = newest.UTC()
	aq.AQI = AQIFromPM25(aq.PM25)
	return aq, nil
}

type aqiBreakpoint struct {
	cLow, cHigh float64
	iLow, iHigh float64
}

// US EPA PM2.5 (24h) breakpoints.
var pm25Breakpoints = []aqiBreakpoint{
	{0, 12, 0, 50},
	{12.1, 35.4, 51, 100},
	{35.5, 55.4, 101, 150},
	{55.5, 150.4, 151, 200},
	{150.5, 250.4, 201, 300},
	{250.5, 350.4, 301, 400},
	{350.5, 500.4, 401, 500},
}

// AQIFromPM25 converts a PM2.5 concentration (µg/m³) to the US AQI. The concentration is
// truncated to one decimal first, as the EPA method prescribes. Negative readings map to 0;
// readings above the top breakpoint map to 500.
func AQIFromPM25(pm25 float64) int {
	if pm25 <= 0 || math.IsNaN(pm25) {
		return 0
	}
	// The epsilon keeps readings like 12.1 from flooring to 12.0 through representation error.
	c := math.Floor(pm25*10+1e-9) / 10
	for _, bp := range pm25Breakpoints {
		if c >= bp.cLow && c <= bp.cHigh {
			return int(math.Round((bp.iHigh-bp.iLow)/(bp.cHigh-bp.cLow)*(c-bp.cLow) + bp.iLow))
		}
	}
	return 500
}
