//go:build integration
// +build integration

// Package testhelpers builds live stacks for integration tests.
package testhelpers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kjstillabower/clima-service/internal/cache"
	"github.com/kjstillabower/clima-service/internal/client"
	"github.com/kjstillabower/clima-service/internal/models"
	"github.com/kjstillabower/clima-service/internal/service"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	ForecastURL   string
	GeocodingURL  string
	CacheBackend  string // "in_memory", "bolt" or "memcached"
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from the environment.
// Skips the test when INTEGRATION_SKIP_NETWORK is set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	if os.Getenv("INTEGRATION_SKIP_NETWORK") != "" {
		t.Skip("INTEGRATION_SKIP_NETWORK set, skipping live upstream test")
	}
	return IntegrationTestConfig{
		ForecastURL:   envOr("WEATHER_API_URL", "https://api.open-meteo.com/v1/forecast"),
		GeocodingURL:  envOr("GEOCODING_API_URL", "https://geocoding-api.open-meteo.com/v1/search"),
		CacheBackend:  os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr: envOr("MEMCACHED_ADDRS", "localhost:11211"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// SetupSnapshotCache opens the configured backend in a unique namespace. An unreachable
// memcached falls back to in-memory. The cache is cleared and closed on test cleanup.
func SetupSnapshotCache(t *testing.T, cfg IntegrationTestConfig) *service.SnapshotCache {
	t.Helper()
	ns := fmt.Sprintf("it-%d", time.Now().UnixNano())

	var backend cache.Backend
	switch cfg.CacheBackend {
	case "memcached":
		m, err := cache.NewMemcachedBackend(cfg.MemcachedAddr, ns, 500*time.Millisecond, 2, 0)
		if err == nil {
			err = m.Ping()
		}
		if err != nil {
			t.Logf("memcached not available (%v), using in-memory cache", err)
			backend = cache.NewInMemoryBackend()
			break
		}
		t.Logf("using memcached at %s", cfg.MemcachedAddr)
		backend = m
	case "bolt":
		b, err := cache.NewBoltBackend(filepath.Join(t.TempDir(), "cache.db"), ns, time.Second)
		if err != nil {
			t.Fatalf("NewBoltBackend() error = %v", err)
		}
		backend = b
	default:
		backend = cache.NewInMemoryBackend()
	}

	snapshots := cache.NewTTLCache[models.WeatherSnapshot](backend)
	t.Cleanup(func() {
		_ = snapshots.Clear(context.Background())
		_ = snapshots.Close()
	})
	return snapshots
}

// SetupWeatherClient creates a live Open-Meteo forecast client.
func SetupWeatherClient(t *testing.T, cfg IntegrationTestConfig) *client.OpenMeteoClient {
	t.Helper()
	c, err := client.NewOpenMeteoClient(cfg.ForecastURL, 24, 7, client.TransportConfig{Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("NewOpenMeteoClient() error = %v", err)
	}
	return c
}

// SetupGeocodingClient creates a live Open-Meteo geocoding client.
func SetupGeocodingClient(t *testing.T, cfg IntegrationTestConfig) *client.GeocodingClient {
	t.Helper()
	c, err := client.NewGeocodingClient(cfg.GeocodingURL, "en", 10, client.TransportConfig{Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("NewGeocodingClient() error = %v", err)
	}
	return c
}
