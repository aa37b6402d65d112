package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kjstillabower/clima-service/internal/apperror"
)

func TestOpenAQClient_AirQuality_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("coordinates") != "47.6062,-122.3321" || q.Get("radius") != "10000" || q.Get("limit") != "1" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		if r.Header.Get("X-API-Key") != "secret" {
			t.Errorf("X-API-Key = %q, want secret", r.Header.Get("X-API-Key"))
		}
		_, _ = w.Write([]byte(`{"results":[{"measurements":[
			{"parameter":"pm25","value":35.4,"lastUpdated":"2024-06-01T18:00:00Z"},
			{"parameter":"pm10","value":20,"lastUpdated":"2024-06-01T19:00:00Z"},
			{"parameter":"o3","value":0.03,"lastUpdated":"2024-06-01T17:00:00Z"},
			{"parameter":"bc","value":9,"lastUpdated":"2030-01-01T00:00:00Z"}
		]}]}`))
	}))
	defer server.Close()

	c, err := NewOpenAQClient(server.URL, "secret", 0, TransportConfig{Retry: fastRetry})
	if err != nil {
		t.Fatalf("NewOpenAQClient() error = %v", err)
	}
	aq, err := c.AirQuality(context.Background(), 47.6062, -122.3321)
	if err != nil {
		t.Fatalf("AirQuality() error = %v", err)
	}
	if aq == nil {
		t.Fatal("AirQuality() = nil, want reading")
	}
	if aq.PM25 != 35.4 || aq.PM10 != 20 || aq.O3 != 0.03 {
		t.Errorf("AirQuality() = %+v", aq)
	}
	if aq.AQI != 100 {
		t.Errorf("AQI = %d, want 100", aq.AQI)
	}
	if want := time.Date(2024, 6, 1, 19, 0, 0, 0, time.UTC); !aq.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v (newest known parameter)", aq.Timestamp, want)
	}
}

// TestOpenAQClient_AirQuality_NoStation verifies an empty result is (nil, nil).
func TestOpenAQClient_AirQuality_NoStation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "" {
			t.Error("X-API-Key sent without configured key")
		}
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer server.Close()

	c, _ := NewOpenAQClient(server.URL, "", 5000, TransportConfig{Retry: fastRetry})
	aq, err := c.AirQuality(context.Background(), 0, 0)
	if err != nil || aq != nil {
		t.Errorf("AirQuality() = (%v, %v), want (nil, nil)", aq, err)
	}
}

func TestOpenAQClient_AirQuality_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c, _ := NewOpenAQClient(server.URL, "", 0, TransportConfig{Retry: fastRetry})
	_, err := c.AirQuality(context.Background(), 1, 2)
	if !apperror.IsKind(err, apperror.KindNetwork) {
		t.Errorf("AirQuality() error = %v, want NetworkError", err)
	}
}

func TestOpenAQClient_AirQuality_NoTimestampUsesClock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{"measurements":[{"parameter":"pm25","value":5}]}]}`))
	}))
	defer server.Close()

	c, _ := NewOpenAQClient(server.URL, "", 0, TransportConfig{Retry: fastRetry})
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	c.now = func() time.Time { return fixed }
	aq, err := c.AirQuality(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("AirQuality() error = %v", err)
	}
	if !aq.Timestamp.Equal(fixed) {
		t.Errorf("Timestamp = %v, want %v", aq.Timestamp, fixed)
	}
}

func TestAQIFromPM25(t *testing.T) {
	tests := []struct {
		pm25 float64
		want int
	}{
		{-3, 0},
		{0, 0},
		{6, 25},
		{12, 50},
		{12.05, 50},
		{12.1, 51},
		{35.4, 100},
		{35.5, 101},
		{55.4, 150},
		{150.4, 200},
		{250.4, 300},
		{350.4, 400},
		{500.4, 500},
		{900, 500},
	}
	for _, tt := range tests {
		if got := AQIFromPM25(tt.pm25); got != tt.want {
			t.Errorf("AQIFromPM25(%v) = %d, want %d", tt.pm25, got, tt.want)
		}
	}
}
