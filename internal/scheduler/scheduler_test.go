package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/clima-service/internal/models"
)

type countingCleaner struct{ calls int32 }

func (c *countingCleaner) Cleanup(ctx context.Context) int {
	atomic.AddInt32(&c.calls, 1)
	return 2
}

type countingSweeper struct{ calls int32 }

func (s *countingSweeper) Sweep() int {
	atomic.AddInt32(&s.calls, 1)
	return 0
}

type recordingWarmer struct {
	calls     int32
	locations []models.Location
	err       error
}

func (w *recordingWarmer) Warm(ctx context.Context, locations []models.Location) error {
	atomic.AddInt32(&w.calls, 1)
	w.locations = locations
	return w.err
}

func stop(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestScheduler_Add_Validation(t *testing.T) {
	s := New(nil)
	if err := s.Add(Job{Name: "bad", Interval: 0, Run: func(context.Context) error { return nil }}); err == nil {
		t.Error("Add(zero interval) error = nil, want error")
	}
	if err := s.Add(Job{Name: "bad", Interval: time.Minute}); err == nil {
		t.Error("Add(nil run) error = nil, want error")
	}
	s.Start()
	defer stop(t, s)
	if err := s.Add(Job{Name: "late", Interval: time.Minute, Run: func(context.Context) error { return nil }}); err == nil {
		t.Error("Add() after Start error = nil, want error")
	}
}

func TestScheduler_RunOnStart(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	s := New(zap.New(core))
	cleaner := &countingCleaner{}
	warmer := &recordingWarmer{}
	locs := []models.Location{{Name: "Madrid", Lat: 40.4168, Lon: -3.7038}}

	if err := s.Add(CleanupJob(cleaner, time.Hour, zap.New(core))); err != nil {
		t.Fatalf("Add(cleanup) error = %v", err)
	}
	if err := s.Add(WarmJob(warmer, locs, time.Hour, time.Minute)); err != nil {
		t.Fatalf("Add(warm) error = %v", err)
	}
	s.Start()
	stop(t, s)

	if got := atomic.LoadInt32(&cleaner.calls); got != 1 {
		t.Errorf("cleanup runs = %d, want 1 at startup", got)
	}
	if got := atomic.LoadInt32(&warmer.calls); got != 1 {
		t.Errorf("warm runs = %d, want 1 at startup", got)
	}
	if len(warmer.locations) != 1 || warmer.locations[0].Name != "Madrid" {
		t.Errorf("warmed locations = %+v", warmer.locations)
	}
	if logs.FilterMessage("cache cleanup removed entries").Len() != 1 {
		t.Error("expected cleanup log line")
	}
}

func TestScheduler_PeriodicRun(t *testing.T) {
	s := New(nil)
	sweeper := &countingSweeper{}
	if err := s.Add(SweepJob(sweeper, time.Second)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	s.Start()
	defer stop(t, s)

	deadline := time.Now().Add(3 * time.Second)
	for atomic.LoadInt32(&sweeper.calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if atomic.LoadInt32(&sweeper.calls) == 0 {
		t.Error("sweep job never ran")
	}
}

func TestScheduler_JobFailureLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	s := New(zap.New(core))
	warmer := &recordingWarmer{err: errors.New("upstream down")}
	if err := s.Add(WarmJob(warmer, nil, time.Hour, time.Minute)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	s.Start()
	stop(t, s)

	entries := logs.FilterMessage("job failed").All()
	if len(entries) != 1 {
		t.Fatalf("job failed logs = %d, want 1", len(entries))
	}
	if entries[0].ContextMap()["job"] != "cache_warming" {
		t.Errorf("job field = %v, want cache_warming", entries[0].ContextMap()["job"])
	}
}

// TestScheduler_StopCancelsRunningJob verifies that Stop cancels the context of a running job.
func TestScheduler_StopCancelsRunningJob(t *testing.T) {
	s := New(nil)
	started := make(chan struct{})
	var canceled atomic.Bool
	err := s.Add(Job{
		Name:       "blocking",
		Interval:   time.Hour,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			canceled.Store(true)
			return ctx.Err()
		},
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	s.Start()
	<-started
	stop(t, s)
	if !canceled.Load() {
		t.Error("running job was not canceled by Stop")
	}
}

func TestScheduler_RecoversFromPanic(t *testing.T) {
	s := New(nil)
	var runs int32
	err := s.Add(Job{
		Name:       "panics",
		Interval:   time.Hour,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			panic("boom")
		},
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	s.Start()
	stop(t, s)
	if atomic.LoadInt32(&runs) != 1 {
		t.Errorf("runs = %d, want 1", runs)
	}
}
