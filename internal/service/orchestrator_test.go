package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/clima-service/internal/apperror"
	"github.com/kjstillabower/clima-service/internal/cache"
	"github.com/kjstillabower/clima-service/internal/models"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type mockWeatherSource struct {
	mu      sync.Mutex
	calls   int32
	err     error
	release chan struct{} // when set, calls block until closed
	temp    float64
	stamp   time.Time
}

func (m *mockWeatherSource) CompleteWeather(ctx context.Context, lat, lon float64) (models.CompleteWeather, error) {
	atomic.AddInt32(&m.calls, 1)
	m.mu.Lock()
	release, err, temp, stamp := m.release, m.err, m.temp, m.stamp
	m.mu.Unlock()
	if release != nil {
		<-release
	}
	if err != nil {
		return models.CompleteWeather{}, err
	}
	return models.CompleteWeather{
		Current: models.CurrentWeather{
			Location:    models.Location{Lat: lat, Lon: lon},
			Temperature: temp,
			Timestamp:   stamp,
		},
		Hourly: []models.HourlyForecast{{Temperature: temp}},
		Daily:  []models.DailyForecast{{Date: "2024-06-01", TemperatureMax: temp + 5}},
	}, nil
}

func (m *mockWeatherSource) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *mockWeatherSource) callCount() int {
	return int(atomic.LoadInt32(&m.calls))
}

type mockAirSource struct {
	aq  *models.AirQuality
	err error
}

func (m *mockAirSource) AirQuality(ctx context.Context, lat, lon float64) (*models.AirQuality, error) {
	return m.aq, m.err
}

// failingSetBackend rejects writes and serves reads from the embedded backend.
type failingSetBackend struct {
	*cache.InMemoryBackend
}

func (b failingSetBackend) Set(ctx context.Context, key string, value []byte) error {
	return errors.New("disk full")
}

type harness struct {
	clock     *testClock
	weather   *mockWeatherSource
	air       *mockAirSource
	snapshots *SnapshotCache
	fetcher   *Fetcher
	orch      *Orchestrator
	logs      *observer.ObservedLogs
}

func newHarness(t *testing.T, backend cache.Backend, opts ...Option) *harness {
	t.Helper()
	clock := newTestClock()
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	if backend == nil {
		backend = cache.NewInMemoryBackend()
	}
	snapshots := cache.NewTTLCache[models.WeatherSnapshot](backend, cache.WithClock(clock.Now))
	weather := &mockWeatherSource{temp: 21, stamp: clock.Now()}
	air := &mockAirSource{aq: &models.AirQuality{AQI: 42, PM25: 10}}
	opts = append([]Option{WithClock(clock.Now), WithLogger(logger)}, opts...)
	fetcher := NewFetcher(weather, air, snapshots, opts...)
	return &harness{
		clock:     clock,
		weather:   weather,
		air:       air,
		snapshots: snapshots,
		fetcher:   fetcher,
		orch:      NewOrchestrator(fetcher, logger),
		logs:      logs,
	}
}

// seed writes a snapshot for the coordinates at the current clock time.
func (h *harness) seed(t *testing.T, lat, lon, temp float64) {
	t.Helper()
	snap := models.WeatherSnapshot{
		Current: models.CurrentWeather{Temperature: temp, Timestamp: h.clock.Now()},
		Hourly:  []models.HourlyForecast{{Temperature: temp}},
		Daily:   []models.DailyForecast{},
		Alerts:  []models.WeatherAlert{},
	}
	if err := h.snapshots.SetWithTTL(context.Background(), cache.WeatherKey(lat, lon), snap, SnapshotTTL); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func waitBackground(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func TestOrchestrator_InitialState(t *testing.T) {
	h := newHarness(t, nil)
	s := h.orch.State()
	if s.Status != models.StatusIdle || s.Current != nil || s.CurrentLocation != nil || s.Error != nil {
		t.Errorf("initial state = %+v, want idle and empty", s)
	}
}

func TestOrchestrator_FetchByCoordinates_ColdMiss(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.orch.FetchByCoordinates(ctx, 40.4168, -3.7038)

	s := h.orch.State()
	if s.Status != models.StatusSuccess || s.IsStale {
		t.Fatalf("status = %s isStale = %v, want success/false", s.Status, s.IsStale)
	}
	if s.Current == nil || s.Current.Temperature != 21 {
		t.Errorf("current = %+v, want temperature 21", s.Current)
	}
	if s.AirQuality == nil || s.AirQuality.AQI != 42 {
		t.Errorf("airQuality = %+v, want AQI 42", s.AirQuality)
	}
	if s.LastUpdated == nil || !s.LastUpdated.Equal(h.clock.Now()) {
		t.Errorf("lastUpdated = %v, want %v", s.LastUpdated, h.clock.Now())
	}
	if s.CurrentLocation == nil || s.CurrentLocation.Lat != 40.4168 || s.CurrentLocation.Lon != -3.7038 {
		t.Errorf("currentLocation = %+v", s.CurrentLocation)
	}
	if h.weather.callCount() != 1 {
		t.Errorf("weather calls = %d, want 1", h.weather.callCount())
	}

	res := h.snapshots.GetFresh(ctx, "weather_40.4168_-3.7038")
	if !res.Present || res.Stale {
		t.Errorf("cache entry present=%v stale=%v, want written and fresh", res.Present, res.Stale)
	}
}

// TestOrchestrator_FreshHitBelowHalfTTL covers an entry written 3 minutes ago: served
// immediately and no background refresh.
func TestOrchestrator_FreshHitBelowHalfTTL(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, 40.4168, -3.7038, 15)
	written := h.clock.Now()
	h.clock.Advance(3 * time.Minute)

	h.orch.FetchByCoordinates(context.Background(), 40.4168, -3.7038)
	waitBackground(t, h.orch)

	s := h.orch.State()
	if s.Status != models.StatusSuccess || s.IsStale {
		t.Errorf("status = %s isStale = %v, want success/false", s.Status, s.IsStale)
	}
	if s.Current == nil || s.Current.Temperature != 15 {
		t.Errorf("current = %+v, want cached temperature 15", s.Current)
	}
	if s.LastUpdated == nil || !s.LastUpdated.Equal(written) {
		t.Errorf("lastUpdated = %v, want snapshot time %v", s.LastUpdated, written)
	}
	if h.weather.callCount() != 0 {
		t.Errorf("weather calls = %d, want 0", h.weather.callCount())
	}
}

// TestOrchestrator_FreshHitPastHalfTTL covers an entry written 7 minutes ago: served
// immediately, then upgraded by a background refresh.
func TestOrchestrator_FreshHitPastHalfTTL(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, 40.4168, -3.7038, 15)
	h.clock.Advance(7 * time.Minute)
	release := make(chan struct{})
	h.weather.release = release
	h.weather.temp = 30

	h.orch.FetchByCoordinates(context.Background(), 40.4168, -3.7038)

	s := h.orch.State()
	if s.Status != models.StatusSuccess || s.IsStale {
		t.Fatalf("status = %s isStale = %v before background completes, want success/false", s.Status, s.IsStale)
	}
	if s.Current.Temperature != 15 {
		t.Errorf("temperature before background completes = %v, want cached 15", s.Current.Temperature)
	}

	close(release)
	waitBackground(t, h.orch)

	s = h.orch.State()
	if h.weather.callCount() != 1 {
		t.Errorf("weather calls = %d, want 1 background refresh", h.weather.callCount())
	}
	if s.Status != models.StatusSuccess || s.Current.Temperature != 30 {
		t.Errorf("after background: status = %s temperature = %v, want success/30", s.Status, s.Current.Temperature)
	}
	if s.LastUpdated == nil || !s.LastUpdated.Equal(h.clock.Now()) {
		t.Errorf("lastUpdated = %v, want %v", s.LastUpdated, h.clock.Now())
	}
	if res := h.snapshots.GetFresh(context.Background(), "weather_40.4168_-3.7038"); res.Age != 0 {
		t.Errorf("cache age after background refresh = %v, want 0", res.Age)
	}
}

// TestOrchestrator_BackgroundRefreshOutlivesRequest verifies that canceling the request
// context does not abort the background refresh.
func TestOrchestrator_BackgroundRefreshOutlivesRequest(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, 1, 2, 15)
	h.clock.Advance(6 * time.Minute)
	release := make(chan struct{})
	h.weather.release = release

	ctx, cancel := context.WithCancel(context.Background())
	h.orch.FetchByCoordinates(ctx, 1, 2)
	cancel()
	close(release)
	waitBackground(t, h.orch)

	if s := h.orch.State(); s.Current.Temperature != 21 {
		t.Errorf("temperature = %v, want refreshed 21", s.Current.Temperature)
	}
}

func TestOrchestrator_StaleButShown(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, 40.4168, -3.7038, 15)
	h.clock.Advance(11 * time.Minute)
	h.weather.setErr(apperror.Network(errors.New("connection refused")))

	h.orch.FetchByCoordinates(context.Background(), 40.4168, -3.7038)

	s := h.orch.State()
	if s.Status != models.StatusStale || !s.IsStale {
		t.Errorf("status = %s isStale = %v, want stale/true", s.Status, s.IsStale)
	}
	if s.Current == nil || s.Current.Temperature != 15 {
		t.Errorf("current = %+v, want stale data retained", s.Current)
	}
	if s.Error != nil {
		t.Errorf("error = %+v, want nil", s.Error)
	}
}

func TestOrchestrator_StaleThenRefreshed(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, 1, 2, 15)
	h.clock.Advance(11 * time.Minute)

	h.orch.FetchByCoordinates(context.Background(), 1, 2)

	s := h.orch.State()
	if s.Status != models.StatusSuccess || s.IsStale || s.Current.Temperature != 21 {
		t.Errorf("state = %s/%v/%v, want success/false/21", s.Status, s.IsStale, s.Current.Temperature)
	}
	if h.weather.callCount() != 1 {
		t.Errorf("weather calls = %d, want 1", h.weather.callCount())
	}
}

func TestOrchestrator_AirQualityIndependence(t *testing.T) {
	tests := []struct {
		name    string
		air     *mockAirSource
		wantLog bool
	}{
		{name: "air quality error", air: &mockAirSource{err: apperror.Network(errors.New("503"))}, wantLog: true},
		{name: "no station", air: &mockAirSource{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.fetcher.air = tt.air

			h.orch.FetchByCoordinates(context.Background(), 1, 2)

			s := h.orch.State()
			if s.Status != models.StatusSuccess {
				t.Errorf("status = %s, want success", s.Status)
			}
			if s.AirQuality != nil {
				t.Errorf("airQuality = %+v, want nil", s.AirQuality)
			}
			warned := h.logs.FilterMessage("air quality unavailable").FilterLevelExact(zapcore.WarnLevel).Len()
			if (warned > 0) != tt.wantLog {
				t.Errorf("air quality warn logs = %d, want logged=%v", warned, tt.wantLog)
			}
		})
	}
}

func TestOrchestrator_ColdStartFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.weather.setErr(apperror.Network(errors.New("connection refused")))

	h.orch.FetchByCoordinates(context.Background(), 1, 2)

	s := h.orch.State()
	if s.Status != models.StatusError {
		t.Fatalf("status = %s, want error", s.Status)
	}
	if s.Error == nil || s.Error.Code != ErrorCodeFetchWeather || s.Error.Kind != string(apperror.KindNetwork) {
		t.Errorf("error = %+v, want %s/%s", s.Error, ErrorCodeFetchWeather, apperror.KindNetwork)
	}
	if s.Current != nil || len(s.Hourly) != 0 || len(s.Daily) != 0 || s.AirQuality != nil {
		t.Errorf("snapshot fields not empty: %+v", s)
	}
}

func TestOrchestrator_ClearErrorAndReset(t *testing.T) {
	h := newHarness(t, nil)
	h.weather.setErr(errors.New("boom"))
	h.orch.FetchByCoordinates(context.Background(), 1, 2)

	h.orch.ClearError()
	if s := h.orch.State(); s.Error != nil || s.Status != models.StatusError {
		t.Errorf("after ClearError: error = %v status = %s, want nil/error", s.Error, s.Status)
	}

	h.weather.setErr(nil)
	h.orch.FetchByCoordinates(context.Background(), 1, 2)
	h.orch.Reset()
	s := h.orch.State()
	if s.Status != models.StatusIdle || s.Current != nil || s.CurrentLocation != nil || s.LastUpdated != nil {
		t.Errorf("after Reset: %+v, want initial state", s)
	}
}

func TestOrchestrator_Refresh_NoCurrentLocation(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.orch.Refresh(context.Background()); !errors.Is(err, apperror.ErrNoCurrentLocation) {
		t.Errorf("Refresh() error = %v, want ErrNoCurrentLocation", err)
	}
	if h.weather.callCount() != 0 {
		t.Errorf("weather calls = %d, want 0", h.weather.callCount())
	}
}

// TestOrchestrator_Refresh_BypassesFreshEntry verifies a forced refresh reaches the network
// even when a fresh entry existed.
func TestOrchestrator_Refresh_BypassesFreshEntry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.orch.FetchByCoordinates(ctx, 1, 2)
	if h.weather.callCount() != 1 {
		t.Fatalf("weather calls after first fetch = %d, want 1", h.weather.callCount())
	}

	h.clock.Advance(time.Minute)
	if err := h.orch.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if h.weather.callCount() != 2 {
		t.Errorf("weather calls after Refresh = %d, want 2", h.weather.callCount())
	}
	if s := h.orch.State(); !s.LastUpdated.Equal(h.clock.Now()) {
		t.Errorf("lastUpdated = %v, want %v", s.LastUpdated, h.clock.Now())
	}
}

func TestOrchestrator_FetchByPlace_KeepsName(t *testing.T) {
	h := newHarness(t, nil)
	place := models.Location{Lat: 40.4168, Lon: -3.7038, Name: "Madrid", Country: "Spain"}

	h.orch.FetchByPlace(context.Background(), place)

	s := h.orch.State()
	if s.CurrentLocation == nil || *s.CurrentLocation != place {
		t.Errorf("currentLocation = %+v, want %+v", s.CurrentLocation, place)
	}
	if err := h.orch.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if s := h.orch.State(); s.CurrentLocation.Name != "Madrid" {
		t.Errorf("currentLocation after refresh = %+v, want Madrid", s.CurrentLocation)
	}
}

func TestOrchestrator_CoordinateCoalescing(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.orch.FetchByCoordinates(ctx, 40.41681, -3.70379)
	h.orch.FetchByCoordinates(ctx, 40.41679, -3.70381)

	if h.weather.callCount() != 1 {
		t.Errorf("weather calls = %d, want 1 (same 4-decimal key)", h.weather.callCount())
	}
}

func TestOrchestrator_CacheWriteFailureStillAdopts(t *testing.T) {
	h := newHarness(t, failingSetBackend{cache.NewInMemoryBackend()})

	h.orch.FetchByCoordinates(context.Background(), 1, 2)

	if s := h.orch.State(); s.Status != models.StatusSuccess || s.Current == nil {
		t.Errorf("status = %s current = %v, want success with data", s.Status, s.Current)
	}
	if h.logs.FilterMessage("cache write failed").Len() != 1 {
		t.Errorf("expected one cache write failure log, got %d", h.logs.FilterMessage("cache write failed").Len())
	}
}

// TestOrchestrator_BackgroundFailureKeepsData verifies a failed background refresh leaves
// the shown data in place without an error.
func TestOrchestrator_BackgroundFailureKeepsData(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, 1, 2, 15)
	h.clock.Advance(8 * time.Minute)
	h.weather.setErr(errors.New("upstream down"))

	h.orch.FetchByCoordinates(context.Background(), 1, 2)
	waitBackground(t, h.orch)

	s := h.orch.State()
	if s.Current == nil || s.Current.Temperature != 15 {
		t.Errorf("current = %+v, want cached data kept", s.Current)
	}
	if s.Error != nil {
		t.Errorf("error = %+v, want nil", s.Error)
	}
	if s.Status != models.StatusStale {
		t.Errorf("status = %s, want stale", s.Status)
	}
}

func TestOrchestrator_StateIsCopy(t *testing.T) {
	h := newHarness(t, nil)
	h.orch.FetchByCoordinates(context.Background(), 1, 2)

	s := h.orch.State()
	s.Current.Temperature = -100
	s.Hourly[0].Temperature = -100
	s.CurrentLocation.Name = "mutated"

	again := h.orch.State()
	if again.Current.Temperature == -100 || again.Hourly[0].Temperature == -100 || again.CurrentLocation.Name == "mutated" {
		t.Error("State() exposes internal state")
	}
}

func TestOrchestrator_DifferentKeysIndependent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.seed(t, 1, 2, 15)

	h.orch.FetchByCoordinates(ctx, 3, 4)
	h.orch.FetchByCoordinates(ctx, 1, 2)

	if h.weather.callCount() != 1 {
		t.Errorf("weather calls = %d, want 1 (only the uncached key)", h.weather.callCount())
	}
	if s := h.orch.State(); s.Current.Temperature != 15 || s.CurrentLocation.Lat != 1 {
		t.Errorf("state = %+v, want last fetched location 1,2", s)
	}
}

func TestOrchestrator_SharedFetcherCoalescesAcrossSessions(t *testing.T) {
	h := newHarness(t, nil, WithCoalescing(time.Second))
	release := make(chan struct{})
	h.weather.release = release
	other := NewOrchestrator(h.fetcher, nil)

	var wg sync.WaitGroup
	for _, o := range []*Orchestrator{h.orch, other} {
		wg.Add(1)
		go func(o *Orchestrator) {
			defer wg.Done()
			o.FetchByCoordinates(context.Background(), 1, 2)
		}(o)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if h.weather.callCount() != 1 {
		t.Errorf("weather calls = %d, want 1 shared call", h.weather.callCount())
	}
	for i, o := range []*Orchestrator{h.orch, other} {
		if s := o.State(); s.Status != models.StatusSuccess {
			t.Errorf("orchestrator %d status = %s, want success", i, s.Status)
		}
	}
}
