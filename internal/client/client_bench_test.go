package client

import (
	"encoding/json"
	"testing"
)

// BenchmarkClient_ParseForecast benchmarks decoding a forecast response.
func BenchmarkClient_ParseForecast(b *testing.B) {
	raw := []byte(forecastFixture)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var resp forecastResponse
		_ = json.Unmarshal(raw, &resp)
	}
}

// BenchmarkClient_MapForecast benchmarks mapping a decoded forecast to the domain model.
func BenchmarkClient_MapForecast(b *testing.B) {
	var resp forecastResponse
	if err := json.Unmarshal([]byte(forecastFixture), &resp); err != nil {
		b.Fatalf("unmarshal fixture: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = mapForecast(resp)
	}
}

// BenchmarkAQIFromPM25 benchmarks the breakpoint lookup.
func BenchmarkAQIFromPM25(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = AQIFromPM25(float64(i%5000) / 10)
	}
}
