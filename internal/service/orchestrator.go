package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kjstillabower/clima-service/internal/apperror"
	"github.com/kjstillabower/clima-service/internal/cache"
	"github.com/kjstillabower/clima-service/internal/models"
	"github.com/kjstillabower/clima-service/internal/observability"
)

// ErrorCodeFetchWeather is the code of the AppError set when a fetch fails with no data to show.
const ErrorCodeFetchWeather = "FETCH_WEATHER_ERROR"

// Orchestrator owns one consumer's weather state and decides, per fetch, whether to serve
// the cached snapshot, serve it while refreshing, or block on a network refresh.
//
// All state changes happen under mu. Overlapping fetches are not fenced: the last one to
// write state wins.
type Orchestrator struct {
	fetcher *Fetcher
	logger  *zap.Logger

	mu    sync.Mutex
	state models.WeatherState

	background sync.WaitGroup
}

// NewOrchestrator creates an orchestrator in the idle state. A nil logger disables logging.
func NewOrchestrator(fetcher *Fetcher, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		fetcher: fetcher,
		logger:  logger,
		state:   models.InitialState(),
	}
}

// State returns a copy of the current state.
func (o *Orchestrator) State() models.WeatherState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return copyState(o.state)
}

// FetchByCoordinates loads weather for the coordinates into state. It never fails; the
// outcome is visible through State.
func (o *Orchestrator) FetchByCoordinates(ctx context.Context, lat, lon float64) {
	o.fetch(ctx, models.Location{Lat: lat, Lon: lon})
}

// FetchByPlace loads weather for a geocoded place, keeping its name as the current location.
func (o *Orchestrator) FetchByPlace(ctx context.Context, loc models.Location) {
	o.fetch(ctx, loc)
}

// Refresh drops the cached snapshot for the current location and fetches it again.
// Returns apperror.ErrNoCurrentLocation when nothing has been loaded yet.
func (o *Orchestrator) Refresh(ctx context.Context) error {
	o.mu.Lock()
	current := o.state.CurrentLocation
	o.mu.Unlock()
	if current == nil {
		return apperror.ErrNoCurrentLocation
	}

	loc := *current
	key := cache.WeatherKey(loc.Lat, loc.Lon)
	if err := o.fetcher.Invalidate(ctx, key); err != nil {
		return fmt.Errorf("invalidate %s: %w", key, err)
	}
	o.fetch(ctx, loc)
	return nil
}

// ClearError removes the error from state without touching status or data.
func (o *Orchestrator) ClearError() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state.Error = nil
}

// Reset returns the state to idle. Background refreshes already running may still
// write their result afterwards.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = models.InitialState()
}

// Wait blocks until all background refreshes started so far have finished or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) fetch(ctx context.Context, loc models.Location) {
	key := cache.WeatherKey(loc.Lat, loc.Lon)
	logger := observability.LoggerFromContext(ctx, o.logger).With(zap.String("key", key))
	observability.RecordWeatherQuery(key)

	o.mu.Lock()
	o.state.Status = models.StatusLoading
	o.state.Error = nil
	o.mu.Unlock()

	res := o.fetcher.Lookup(ctx, key)
	if res.Present && !res.Stale {
		o.adoptCached(loc, res.Data, models.StatusSuccess)
		logger.Debug("serving fresh snapshot", zap.Duration("age", res.Age))
		if res.Age > o.fetcher.TTL()/2 {
			o.refreshInBackground(ctx, loc, logger)
		}
		return
	}

	if res.Present {
		o.adoptCached(loc, res.Data, models.StatusStale)
		logger.Debug("serving stale snapshot while refreshing", zap.Duration("age", res.Age))
	}
	o.refresh(ctx, loc, modeForeground)
}

// refreshInBackground starts a refresh that outlives ctx's cancellation. Its failure only
// reaches state through the usual failure policy.
func (o *Orchestrator) refreshInBackground(ctx context.Context, loc models.Location, logger *zap.Logger) {
	bgCtx := context.WithoutCancel(ctx)
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		logger.Debug("background refresh started")
		o.refresh(bgCtx, loc, modeBackground)
	}()
}

func (o *Orchestrator) refresh(ctx context.Context, loc models.Location, mode string) {
	snap, err := o.fetcher.Fetch(ctx, loc.Lat, loc.Lon, mode)
	if err != nil {
		o.fail(err)
		return
	}

	now := o.fetcher.now()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.applySnapshot(loc, snap)
	o.state.Status = models.StatusSuccess
	o.state.IsStale = false
	o.state.LastUpdated = &now
	o.state.Error = nil
}

// fail applies the failure policy: keep any shown data as stale, otherwise surface an error.
func (o *Orchestrator) fail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.Current != nil {
		o.state.Status = models.StatusStale
		o.state.IsStale = true
		return
	}
	o.state.Status = models.StatusError
	o.state.Error = newFetchError(err)
	o.state.Hourly = []models.HourlyForecast{}
	o.state.Daily = []models.DailyForecast{}
	o.state.Alerts = []models.WeatherAlert{}
	o.state.AirQuality = nil
}

func (o *Orchestrator) adoptCached(loc models.Location, snap models.WeatherSnapshot, status models.Status) {
	updated := snap.Current.Timestamp
	o.mu.Lock()
	defer o.mu.Unlock()
	o.applySnapshot(loc, snap)
	o.state.Status = status
	o.state.IsStale = status == models.StatusStale
	o.state.LastUpdated = &updated
}

// applySnapshot copies snapshot fields into state. Caller holds mu.
func (o *Orchestrator) applySnapshot(loc models.Location, snap models.WeatherSnapshot) {
	current := snap.Current
	o.state.Current = &current
	o.state.Hourly = nonNil(snap.Hourly)
	o.state.Daily = nonNil(snap.Daily)
	o.state.Alerts = nonNil(snap.Alerts)
	o.state.AirQuality = snap.AirQuality
	o.state.CurrentLocation = &loc
}

func newFetchError(err error) *models.AppError {
	message := "could not fetch weather data"
	if errors.Is(err, context.DeadlineExceeded) {
		message = "weather data request timed out"
	}
	return &models.AppError{
		Code:    ErrorCodeFetchWeather,
		Kind:    string(apperror.KindOf(err)),
		Message: message,
		Details: err.Error(),
	}
}

func copyState(s models.WeatherState) models.WeatherState {
	out := s
	if s.Current != nil {
		c := *s.Current
		out.Current = &c
	}
	if s.AirQuality != nil {
		aq := *s.AirQuality
		out.AirQuality = &aq
	}
	if s.CurrentLocation != nil {
		l := *s.CurrentLocation
		out.CurrentLocation = &l
	}
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	if s.LastUpdated != nil {
		t := *s.LastUpdated
		out.LastUpdated = &t
	}
	out.Hourly = append([]models.HourlyForecast{}, s.Hourly...)
	out.Daily = append([]models.DailyForecast{}, s.Daily...)
	out.Alerts = append([]models.WeatherAlert{}, s.Alerts...)
	return out
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
