package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/clima-service/internal/cache"
	"github.com/kjstillabower/clima-service/internal/circuitbreaker"
	"github.com/kjstillabower/clima-service/internal/client"
	"github.com/kjstillabower/clima-service/internal/config"
	httphandler "github.com/kjstillabower/clima-service/internal/http"
	"github.com/kjstillabower/clima-service/internal/lifecycle"
	"github.com/kjstillabower/clima-service/internal/models"
	"github.com/kjstillabower/clima-service/internal/observability"
	"github.com/kjstillabower/clima-service/internal/scheduler"
	"github.com/kjstillabower/clima-service/internal/service"
	"github.com/kjstillabower/clima-service/internal/session"
)

const inFlightCheckInterval = 100 * time.Millisecond

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	snapshots, err := openSnapshotCache(cfg, logger)
	if err != nil {
		logger.Fatal("snapshot cache", zap.Error(err))
	}

	src, err := newSources(cfg, logger)
	if err != nil {
		logger.Fatal("upstream clients", zap.Error(err))
	}

	fetcherOpts := []service.Option{service.WithLogger(logger)}
	if cfg.CoalesceEnabled {
		fetcherOpts = append(fetcherOpts, service.WithCoalescing(cfg.CoalesceTimeout))
	}
	var air client.AirQualitySource
	if src.air != nil {
		air = src.air
	}
	fetcher := service.NewFetcher(src.weather, air, snapshots, fetcherOpts...)
	sessions := session.NewManager(fetcher, cfg.SessionIdleTimeout, cfg.MaxSessions, logger)

	sched := scheduler.New(logger)
	jobs := []scheduler.Job{
		scheduler.CleanupJob(snapshots, cfg.CacheCleanupInterval, logger),
		scheduler.SweepJob(sessions, cfg.SessionSweepInterval),
	}
	if cfg.WarmingEnabled && len(cfg.WarmingLocations) > 0 {
		warmer := cache.NewCacheWarmer(fetcher, logger)
		jobs = append(jobs, scheduler.WarmJob(warmer, cfg.WarmingLocations, cfg.WarmingInterval, cfg.RequestTimeout))
	}
	for _, job := range jobs {
		if err := sched.Add(job); err != nil {
			logger.Fatal("schedule job", zap.Error(err))
		}
	}

	observability.RegisterTrafficGauges(cfg.HealthWindow)
	observability.SetTrackedLocations(trackedKeys(cfg.WarmingLocations))

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	health := httphandler.HealthConfig{
		Window:       cfg.HealthWindow,
		ErrorPct:     cfg.HealthErrorPct,
		OverloadPct:  cfg.HealthOverloadPct,
		RateLimitRPS: cfg.RateLimitRPS,
		CachePing:    snapshots.Ping,
		Breakers:     src.breakers,
	}
	handler := httphandler.NewHandler(sessions, src.places, snapshots, health, logger)
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		RequestTimeout: cfg.RequestTimeout,
		Limiter:        limiter,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	sched.Start()
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("cache_backend", cfg.CacheBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()
	lifecycle.SetPhase(lifecycle.Ready)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetPhase(lifecycle.Draining)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
	if err := httphandler.WaitForInFlight(shutdownCtx, inFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler stop", zap.Error(err))
	}
	if err := sessions.Wait(shutdownCtx); err != nil {
		logger.Warn("background refreshes not completed", zap.Error(err))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	if err := snapshots.Close(); err != nil {
		logger.Error("cache close", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// openSnapshotCache opens the configured backend and wraps it in the snapshot TTL cache.
func openSnapshotCache(cfg *config.Config, logger *zap.Logger) (*service.SnapshotCache, error) {
	var backend cache.Backend
	switch cfg.CacheBackend {
	case config.BackendMemcached:
		var retention time.Duration
		if cfg.CacheMaxStaleAge > 0 {
			retention = service.SnapshotTTL + cfg.CacheMaxStaleAge
		}
		mc, err := cache.NewMemcachedBackend(cfg.MemcachedAddrs, cfg.CacheNamespace, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns, retention)
		if err != nil {
			return nil, err
		}
		backend = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	case config.BackendInMemory:
		backend = cache.NewInMemoryBackend()
		logger.Info("cache backend: in_memory")
	default:
		bb, err := cache.NewBoltBackend(cfg.CachePath, cfg.CacheNamespace, cfg.CacheOpenTimeout)
		if err != nil {
			return nil, err
		}
		backend = bb
		logger.Info("cache backend: bolt", zap.String("path", cfg.CachePath))
	}
	return cache.NewTTLCache[models.WeatherSnapshot](backend,
		cache.WithLogger(logger),
		cache.WithEvictionPolicy(cache.EvictionPolicy{MaxStaleAge: cfg.CacheMaxStaleAge}),
	), nil
}

// sources holds the upstream clients and the breakers guarding them.
type sources struct {
	weather  *client.OpenMeteoClient
	air      *client.OpenAQClient
	places   *client.GeocodingClient
	breakers []*gobreaker.CircuitBreaker
}

// newSources builds one breaker per upstream and a shared outbound rate limiter.
// The air-quality client is nil when disabled.
func newSources(cfg *config.Config, logger *zap.Logger) (*sources, error) {
	var upstreamLimiter *rate.Limiter
	if cfg.UpstreamRateLimitRPS > 0 {
		upstreamLimiter = rate.NewLimiter(rate.Limit(cfg.UpstreamRateLimitRPS), cfg.UpstreamRateLimitBurst)
	}
	retry := client.RetryConfig{Attempts: cfg.RetryAttempts, BaseDelay: cfg.RetryBaseDelay, MaxDelay: cfg.RetryMaxDelay}

	src := &sources{}
	transport := func(component string, timeout time.Duration) client.TransportConfig {
		cb := circuitbreaker.New(circuitbreaker.Config{
			Component:        component,
			FailureThreshold: cfg.BreakerFailures,
			SuccessThreshold: cfg.BreakerSuccesses,
			Timeout:          cfg.BreakerOpenTimeout,
			IsSuccessful:     client.IsBreakerNeutral,
			Logger:           logger,
		})
		src.breakers = append(src.breakers, cb)
		return client.TransportConfig{
			Source:  component,
			Timeout: timeout,
			Retry:   retry,
			Limiter: upstreamLimiter,
			Breaker: cb,
			Logger:  logger,
		}
	}

	var err error
	src.weather, err = client.NewOpenMeteoClient(cfg.WeatherAPIURL, cfg.ForecastHours, cfg.ForecastDays,
		transport("open_meteo", cfg.WeatherAPITimeout))
	if err != nil {
		return nil, err
	}
	src.places, err = client.NewGeocodingClient(cfg.GeocodingAPIURL, cfg.GeocodingLanguage, 10,
		transport("geocoding", cfg.WeatherAPITimeout))
	if err != nil {
		return nil, err
	}
	if cfg.AirQualityEnabled {
		src.air, err = client.NewOpenAQClient(cfg.AirQualityAPIURL, cfg.AirQualityAPIKey, cfg.AirQualityRadiusM,
			transport("openaq", cfg.AirQualityTimeout))
		if err != nil {
			return nil, err
		}
		if cfg.AirQualityAPIKey == "" {
			logger.Warn("air quality enabled without OPENAQ_API_KEY; requests may be rejected")
		}
	}
	return src, nil
}

func trackedKeys(locations []models.Location) []string {
	keys := make([]string, 0, len(locations))
	for _, loc := range locations {
		keys = append(keys, cache.WeatherKey(loc.Lat, loc.Lon))
	}
	return keys
}
