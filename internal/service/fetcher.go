package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/clima-service/internal/cache"
	"github.com/kjstillabower/clima-service/internal/client"
	"github.com/kjstillabower/clima-service/internal/models"
	"github.com/kjstillabower/clima-service/internal/observability"
	"github.com/kjstillabower/clima-service/internal/traffic"
)

// SnapshotTTL is applied uniformly to weather snapshots. The background-refresh threshold
// is half of it.
const SnapshotTTL = 10 * time.Minute

// Refresh modes used as metric labels.
const (
	modeForeground = "foreground"
	modeBackground = "background"
	modeWarm       = "warm"
)

// SnapshotCache is the cache used for weather snapshots.
type SnapshotCache = cache.TTLCache[models.WeatherSnapshot]

// Fetcher performs network refreshes against the data sources and writes results to the
// shared snapshot cache. It is safe for concurrent use and shared by all orchestrators.
type Fetcher struct {
	weather   client.WeatherSource
	air       client.AirQualitySource
	cache     *SnapshotCache
	ttl       time.Duration
	coalescer *requestCoalescer
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClock sets the clock used for lastUpdated and freshness checks.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithCoalescing shares one upstream call between concurrent refreshes of the same key.
// A zero timeout leaves coalescing disabled.
func WithCoalescing(timeout time.Duration) Option {
	return func(f *Fetcher) {
		if timeout > 0 {
			f.coalescer = newRequestCoalescer(timeout)
		}
	}
}

// NewFetcher creates a Fetcher. air may be nil, in which case snapshots carry no air quality.
func NewFetcher(weather client.WeatherSource, air client.AirQualitySource, snapshots *SnapshotCache, opts ...Option) *Fetcher {
	f := &Fetcher{
		weather: weather,
		air:     air,
		cache:   snapshots,
		ttl:     SnapshotTTL,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// TTL returns the snapshot time-to-live.
func (f *Fetcher) TTL() time.Duration {
	return f.ttl
}

// Lookup returns the cached snapshot for key with its freshness.
func (f *Fetcher) Lookup(ctx context.Context, key string) cache.Result[models.WeatherSnapshot] {
	return f.cache.GetFresh(ctx, key)
}

// Invalidate removes the cached snapshot for key.
func (f *Fetcher) Invalidate(ctx context.Context, key string) error {
	return f.cache.Remove(ctx, key)
}

// EnsureFresh refreshes the snapshot for loc unless the cached one is younger than half
// the TTL. Used by cache warming.
func (f *Fetcher) EnsureFresh(ctx context.Context, loc models.Location) error {
	key := cache.WeatherKey(loc.Lat, loc.Lon)
	res := f.cache.GetFresh(ctx, key)
	if res.Present && !res.Stale && res.Age <= f.ttl/2 {
		return nil
	}
	_, err := f.Fetch(ctx, loc.Lat, loc.Lon, modeWarm)
	return err
}

// Fetch performs a network refresh for the coordinates and stores the result. Only a
// primary source failure is returned; air-quality and cache write failures are logged.
func (f *Fetcher) Fetch(ctx context.Context, lat, lon float64, mode string) (models.WeatherSnapshot, error) {
	key := cache.WeatherKey(lat, lon)
	logger := observability.LoggerFromContext(ctx, f.logger)
	start := f.now()

	var (
		snap models.WeatherSnapshot
		err  error
	)
	if f.coalescer != nil {
		var shared bool
		snap, shared, err = f.coalescer.GetOrDo(ctx, key, func(ctx context.Context) (models.WeatherSnapshot, error) {
			return f.fetchAndStore(ctx, key, lat, lon)
		})
		if shared {
			observability.RequestCoalescingHitsTotal.Inc()
			observability.RequestCoalescingWaitSeconds.Observe(f.now().Sub(start).Seconds())
		}
	} else {
		snap, err = f.fetchAndStore(ctx, key, lat, lon)
	}

	if err != nil {
		observability.SnapshotRefreshesTotal.WithLabelValues(mode, "failure").Inc()
		traffic.RecordRefreshFailure()
		logger.Warn("weather refresh failed",
			zap.String("key", key),
			zap.String("mode", mode),
			zap.String("category", string(client.CategorizeError(err))),
			zap.Error(err),
		)
		return models.WeatherSnapshot{}, fmt.Errorf("refresh %s: %w", key, err)
	}

	observability.SnapshotRefreshesTotal.WithLabelValues(mode, "success").Inc()
	traffic.RecordRefreshSuccess()
	logger.Debug("weather refreshed",
		zap.String("key", key),
		zap.String("mode", mode),
		zap.Bool("air_quality", snap.AirQuality != nil),
		zap.Duration("duration", f.now().Sub(start)),
	)
	return snap, nil
}

func (f *Fetcher) fetchAndStore(ctx context.Context, key string, lat, lon float64) (models.WeatherSnapshot, error) {
	logger := observability.LoggerFromContext(ctx, f.logger)

	weather, err := f.weather.CompleteWeather(ctx, lat, lon)
	if err != nil {
		return models.WeatherSnapshot{}, err
	}

	var aq *models.AirQuality
	if f.air != nil {
		aq, err = f.air.AirQuality(ctx, lat, lon)
		if err != nil {
			observability.AirQualityFailuresTotal.Inc()
			logger.Warn("air quality unavailable",
				zap.String("key", key),
				zap.String("category", string(client.CategorizeError(err))),
				zap.Error(err),
			)
			aq = nil
		}
	}

	snap := models.NewSnapshot(weather, aq)
	if err := f.cache.SetWithTTL(ctx, key, snap, f.ttl); err != nil {
		// SetWithTTL already counted the backend failure; the snapshot is still served.
		logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
	return snap, nil
}
