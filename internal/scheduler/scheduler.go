// Package scheduler runs the periodic maintenance jobs: cache cleanup, idle session sweep
// and cache warming.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kjstillabower/clima-service/internal/models"
)

// Job is a named periodic task.
type Job struct {
	Name       string
	Interval   time.Duration
	Timeout    time.Duration // per run; 0 means no deadline
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// Scheduler wraps a cron runner. Overlapping runs of the same job are skipped.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger
	chain  cron.Chain

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	onStart []cron.Job
	started bool
	initial sync.WaitGroup
}

// New creates a stopped scheduler.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger: logger.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cl)),
		logger: logger,
		chain:  cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers a job. Must be called before Start.
func (s *Scheduler) Add(job Job) error {
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Name)
	}
	if job.Run == nil {
		return fmt.Errorf("job %s: no run function", job.Name)
	}
	wrapped := s.chain.Then(cron.FuncJob(func() { s.run(job) }))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.cron.Schedule(cron.Every(job.Interval), wrapped)
	if job.RunOnStart {
		s.onStart = append(s.onStart, wrapped)
	}
	s.logger.Info("job scheduled", zap.String("job", job.Name), zap.Duration("interval", job.Interval))
	return nil
}

// Start launches the cron loop and the run-on-start jobs. It does not block.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	for _, j := range s.onStart {
		s.initial.Add(1)
		go func(j cron.Job) {
			defer s.initial.Done()
			j.Run()
		}(j)
	}
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	cronDone := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.initial.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run(job Job) {
	ctx := s.ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}
	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.logger.Warn("job failed", zap.String("job", job.Name), zap.Duration("duration", time.Since(start)), zap.Error(err))
		return
	}
	s.logger.Debug("job finished", zap.String("job", job.Name), zap.Duration("duration", time.Since(start)))
}

// Cleaner removes unusable cache entries.
type Cleaner interface {
	Cleanup(ctx context.Context) int
}

// Sweeper drops idle sessions.
type Sweeper interface {
	Sweep() int
}

// Warmer refreshes snapshots for a fixed set of locations.
type Warmer interface {
	Warm(ctx context.Context, locations []models.Location) error
}

// CleanupJob sweeps the cache on every tick and once at startup.
func CleanupJob(c Cleaner, interval time.Duration, logger *zap.Logger) Job {
	return Job{
		Name:       "cache_cleanup",
		Interval:   interval,
		Timeout:    time.Minute,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			if removed := c.Cleanup(ctx); removed > 0 && logger != nil {
				logger.Info("cache cleanup removed entries", zap.Int("removed", removed))
			}
			return nil
		},
	}
}

// SweepJob drops idle sessions on every tick.
func SweepJob(sw Sweeper, interval time.Duration) Job {
	return Job{
		Name:     "session_sweep",
		Interval: interval,
		Run: func(ctx context.Context) error {
			sw.Sweep()
			return nil
		},
	}
}

// WarmJob keeps the given locations' snapshots fresh, starting immediately.
func WarmJob(w Warmer, locations []models.Location, interval, timeout time.Duration) Job {
	return Job{
		Name:       "cache_warming",
		Interval:   interval,
		Timeout:    timeout,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			return w.Warm(ctx, locations)
		},
	}
}

// cronLogger adapts zap to cron.Logger. cron's per-tick info messages go to debug.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
