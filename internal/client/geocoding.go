package client

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/kjstillabower/clima-service/internal/models"
)

// GeocodingClient implements LocationSearcher against the Open-Meteo geocoding API.
type GeocodingClient struct {
	searchURL string
	language  string
	count     int
	transport *transport
}

// NewGeocodingClient creates a place search client. searchURL is the full /v1/search URL.
func NewGeocodingClient(searchURL, language string, count int, cfg TransportConfig) (*GeocodingClient, error) {
	if _, err := url.ParseRequestURI(searchURL); err != nil {
		return nil, fmt.Errorf("invalid geocoding URL: %w", err)
	}
	if language == "" {
		language = "en"
	}
	if count <= 0 {
		count = 10
	}
	if cfg.Source == "" {
		cfg.Source = "geocoding"
	}
	return &GeocodingClient{
		searchURL: searchURL,
		language:  language,
		count:     count,
		transport: newTransport(cfg),
	}, nil
}

type geocodingResponse struct {
	Results []struct {
		Name      string  `json:"name"`
		Country   string  `json:"country"`
		Admin1    string  `json:"admin1"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"results"`
}

// SearchLocations returns up to count matches. An empty query or no match yields an empty slice.
func (c *GeocodingClient) SearchLocations(ctx context.Context, query string) ([]models.Location, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []models.Location{}, nil
	}
	params := url.Values{}
	params.Set("name", query)
	params.Set("count", strconv.Itoa(c.count))
	params.Set("language", c.language)
	params.Set("format", "json")

	var resp geocodingResponse
	if err := c.transport.getJSON(ctx, c.searchURL+"?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	out := make([]models.Location, 0, len(resp.Results))
	for _, r := range resp.Results {
		out = append(out, models.Location{
			Lat:     r.Latitude,
			Lon:     r.Longitude,
			Name:    r.Name,
			Country: r.Country,
			Region:  r.Admin1,
		})
	}
	return out, nil
}
