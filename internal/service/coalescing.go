package service

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/clima-service/internal/models"
)

// inFlightRefresh is a single upstream refresh that several callers may wait for.
type inFlightRefresh struct {
	done   chan struct{}
	result models.WeatherSnapshot
	err    error
}

// requestCoalescer lets concurrent refreshes of the same cache key share one upstream call.
type requestCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightRefresh
	timeout  time.Duration
}

func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{
		inFlight: make(map[string]*inFlightRefresh),
		timeout:  timeout,
	}
}

// GetOrDo joins the in-flight refresh for key or starts one with fn. shared reports whether
// the caller joined an existing refresh. The refresh runs detached from the caller's
// cancellation so a departing caller does not fail the others; each caller waits at most
// the coalescer timeout.
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key string, fn func(context.Context) (models.WeatherSnapshot, error)) (result models.WeatherSnapshot, shared bool, err error) {
	rc.mu.Lock()
	req, exists := rc.inFlight[key]
	if !exists {
		req = &inFlightRefresh{done: make(chan struct{})}
		rc.inFlight[key] = req
		go rc.run(context.WithoutCancel(ctx), key, req, fn)
	}
	rc.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case <-req.done:
		return req.result, exists, req.err
	case <-waitCtx.Done():
		return models.WeatherSnapshot{}, exists, waitCtx.Err()
	}
}

func (rc *requestCoalescer) run(ctx context.Context, key string, req *inFlightRefresh, fn func(context.Context) (models.WeatherSnapshot, error)) {
	req.result, req.err = fn(ctx)

	rc.mu.Lock()
	delete(rc.inFlight, key)
	rc.mu.Unlock()
	close(req.done)
}

// pending returns the number of keys with a refresh in flight.
func (rc *requestCoalescer) pending() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.inFlight)
}
