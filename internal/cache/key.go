package cache

import "fmt"

// WeatherKey derives the snapshot cache key for a coordinate pair. Coordinates that round
// to the same four decimals share a key. Negative zero prints as zero so points on either
// side of the equator or meridian within rounding distance coalesce.
func WeatherKey(lat, lon float64) string {
	return fmt.Sprintf("weather_%s_%s", fixed4(lat), fixed4(lon))
}

func fixed4(v float64) string {
	s := fmt.Sprintf("%.4f", v)
	if s == "-0.0000" {
		return "0.0000"
	}
	return s
}
