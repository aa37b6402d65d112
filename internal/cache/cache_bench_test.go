package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/kjstillabower/clima-service/internal/models"
)

// benchSnapshot builds a snapshot with a realistic forecast payload.
func benchSnapshot() models.WeatherSnapshot {
	now := time.Now()
	w := models.CompleteWeather{
		Current: models.CurrentWeather{
			Location:    models.Location{Lat: 47.6062, Lon: -122.3321, Name: "Seattle"},
			Temperature: 15.5,
			Humidity:    65,
			WindSpeed:   10.2,
			Condition:   models.Condition{ID: 0, Main: "Clear", Description: "Clear sky"},
			Timestamp:   now,
		},
	}
	for i := 0; i < 24; i++ {
		w.Hourly = append(w.Hourly, models.HourlyForecast{Timestamp: now.Add(time.Duration(i) * time.Hour), Temperature: 14})
	}
	for i := 0; i < 7; i++ {
		w.Daily = append(w.Daily, models.DailyForecast{Date: now.AddDate(0, 0, i).Format("2006-01-02"), TemperatureMax: 18})
	}
	return models.NewSnapshot(w, &models.AirQuality{AQI: 42, PM25: 10})
}

// BenchmarkTTLCache_GetFresh_Hit benchmarks a fresh read including envelope decode.
func BenchmarkTTLCache_GetFresh_Hit(b *testing.B) {
	c := NewTTLCache[models.WeatherSnapshot](NewInMemoryBackend())
	ctx := context.Background()
	_ = c.SetWithTTL(ctx, "seattle", benchSnapshot(), 10*time.Minute)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = c.GetFresh(ctx, "seattle")
	}
}

// BenchmarkTTLCache_GetFresh_Miss benchmarks a read of an absent key.
func BenchmarkTTLCache_GetFresh_Miss(b *testing.B) {
	c := NewTTLCache[models.WeatherSnapshot](NewInMemoryBackend())
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = c.GetFresh(ctx, "nonexistent")
	}
}

// BenchmarkTTLCache_SetWithTTL benchmarks encode + write on the in-memory backend.
func BenchmarkTTLCache_SetWithTTL(b *testing.B) {
	c := NewTTLCache[models.WeatherSnapshot](NewInMemoryBackend())
	ctx := context.Background()
	snap := benchSnapshot()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = c.SetWithTTL(ctx, "seattle", snap, 10*time.Minute)
	}
}

// BenchmarkTTLCache_Concurrent benchmarks parallel fresh reads.
func BenchmarkTTLCache_Concurrent(b *testing.B) {
	c := NewTTLCache[models.WeatherSnapshot](NewInMemoryBackend())
	ctx := context.Background()
	_ = c.SetWithTTL(ctx, "seattle", benchSnapshot(), 10*time.Minute)

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = c.GetFresh(ctx, "seattle")
		}
	})
}

// BenchmarkBoltBackend_SetWithTTL benchmarks a durable write (one bbolt transaction per op).
func BenchmarkBoltBackend_SetWithTTL(b *testing.B) {
	backend, err := NewBoltBackend(filepath.Join(b.TempDir(), "bench.db"), "bench", time.Second)
	if err != nil {
		b.Fatalf("NewBoltBackend() error = %v", err)
	}
	c := NewTTLCache[models.WeatherSnapshot](backend)
	defer c.Close()
	ctx := context.Background()
	snap := benchSnapshot()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = c.SetWithTTL(ctx, "seattle", snap, 10*time.Minute)
	}
}

// BenchmarkTTLCache_Stats benchmarks a full scan over 500 entries.
func BenchmarkTTLCache_Stats(b *testing.B) {
	c := NewTTLCache[models.WeatherSnapshot](NewInMemoryBackend())
	ctx := context.Background()
	snap := benchSnapshot()
	for i := 0; i < 500; i++ {
		_ = c.SetWithTTL(ctx, fmt.Sprintf("key-%d", i), snap, 10*time.Minute)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = c.Stats(ctx)
	}
}
