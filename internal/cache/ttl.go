package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/clima-service/internal/apperror"
	"github.com/kjstillabower/clima-service/internal/observability"
)

// ErrInvalidTTL is returned by SetWithTTL for a ttl under one millisecond.
var ErrInvalidTTL = errors.New("ttl must be at least 1ms")

// Result is the outcome of a freshness-aware read. An absent or unreadable entry is
// reported as {Present: false, Stale: true, Age: 0}. An entry stored with empty data keeps
// its real age and staleness but has Present == false.
type Result[T any] struct {
	Data    T
	Present bool
	Stale   bool
	Age     time.Duration
}

// Stats summarises a full scan of the namespace.
type Stats struct {
	TotalKeys            int `json:"totalKeys"`
	FreshKeys            int `json:"freshKeys"`
	StaleKeys            int `json:"staleKeys"`
	ApproximateSizeBytes int `json:"approximateSizeBytes"`
}

// EvictionPolicy controls what Cleanup removes besides unreadable entries.
// MaxStaleAge == 0 keeps stale but readable entries forever; > 0 also removes readable
// entries older than their ttl plus MaxStaleAge.
type EvictionPolicy struct {
	MaxStaleAge time.Duration
}

// envelope is the persisted form of an entry. writtenAt and ttl are milliseconds.
type envelope struct {
	Data      json.RawMessage `json:"data"`
	WrittenAt int64           `json:"writtenAt"`
	TTL       int64           `json:"ttl"`
}

type options struct {
	now    func() time.Time
	logger *zap.Logger
	policy EvictionPolicy
}

// Option configures a TTLCache.
type Option func(*options)

// WithClock replaces the wall clock used for writtenAt and age.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithEvictionPolicy(p EvictionPolicy) Option {
	return func(o *options) { o.policy = p }
}

// TTLCache stores values of type T with a per-entry time-to-live. Freshness is judged at
// read time: expired entries stay retrievable until removed.
type TTLCache[T any] struct {
	backend Backend
	now     func() time.Time
	logger  *zap.Logger
	policy  EvictionPolicy
}

// NewTTLCache wraps backend. The backend is owned by the cache and closed by Close.
func NewTTLCache[T any](backend Backend, opts ...Option) *TTLCache[T] {
	o := options{now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &TTLCache[T]{
		backend: backend,
		now:     o.now,
		logger:  o.logger,
		policy:  o.policy,
	}
}

// entry is a decoded read. stored is false for a miss and for an unreadable entry;
// present is additionally false for an entry whose data is empty.
type entry[T any] struct {
	value     T
	stored    bool
	present   bool
	writtenAt int64
	ttl       time.Duration
	size      int
}

// age is measured on the same millisecond grid writtenAt is persisted on.
func (e entry[T]) age(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-e.writtenAt) * time.Millisecond
}

func (e entry[T]) stale(now time.Time) bool {
	return !e.stored || e.age(now) > e.ttl
}

// SetWithTTL stores value under key with writtenAt = now, replacing any previous entry.
func (c *TTLCache[T]) SetWithTTL(ctx context.Context, key string, value T, ttl time.Duration) error {
	if ttl.Milliseconds() <= 0 {
		return fmt.Errorf("set %s: %w", key, ErrInvalidTTL)
	}
	start := time.Now()
	data, err := json.Marshal(value)
	if err != nil {
		c.recordError("set", "encode")
		return apperror.Storage(fmt.Errorf("encode %s: %w", key, err))
	}
	raw, err := json.Marshal(envelope{
		Data:      data,
		WrittenAt: c.now().UnixMilli(),
		TTL:       ttl.Milliseconds(),
	})
	if err != nil {
		c.recordError("set", "encode")
		return apperror.Storage(fmt.Errorf("encode %s: %w", key, err))
	}
	if err := c.backend.Set(ctx, key, raw); err != nil {
		c.recordError("set", errorCategory(err))
		observeOp("set", "error", start)
		c.logger.Error("cache set failed", zap.String("key", key), zap.Error(err))
		return apperror.Storage(fmt.Errorf("set %s: %w", key, err))
	}
	observeOp("set", "ok", start)
	c.logger.Debug("cache set", zap.String("key", key), zap.Duration("ttl", ttl))
	return nil
}

// GetFresh returns the entry for key with its age and staleness. Stale means age > ttl.
// Read failures are logged and reported as a miss.
func (c *TTLCache[T]) GetFresh(ctx context.Context, key string) Result[T] {
	e := c.inspect(ctx, key, "get_fresh")
	if !e.stored {
		observability.CacheLookupsTotal.WithLabelValues("miss").Inc()
		return Result[T]{Stale: true}
	}
	now := c.now()
	age := e.age(now)
	stale := e.stale(now)
	if !e.present {
		observability.CacheLookupsTotal.WithLabelValues("miss").Inc()
		return Result[T]{Stale: stale, Age: age}
	}
	if stale {
		observability.CacheLookupsTotal.WithLabelValues("stale").Inc()
	} else {
		observability.CacheLookupsTotal.WithLabelValues("fresh").Inc()
	}
	c.logger.Debug("cache get",
		zap.String("key", key),
		zap.Duration("age", age),
		zap.Bool("stale", stale),
	)
	return Result[T]{Data: e.value, Present: true, Stale: stale, Age: age}
}

// Get returns the stored value ignoring freshness.
func (c *TTLCache[T]) Get(ctx context.Context, key string) (T, bool) {
	e := c.inspect(ctx, key, "get")
	return e.value, e.present
}

// Remove deletes key. Removing a missing key is not an error.
func (c *TTLCache[T]) Remove(ctx context.Context, key string) error {
	start := time.Now()
	if err := c.backend.Delete(ctx, key); err != nil {
		c.recordError("remove", errorCategory(err))
		observeOp("remove", "error", start)
		c.logger.Error("cache remove failed", zap.String("key", key), zap.Error(err))
		return apperror.Storage(fmt.Errorf("remove %s: %w", key, err))
	}
	observeOp("remove", "ok", start)
	c.logger.Debug("cache remove", zap.String("key", key))
	return nil
}

// Clear removes every entry in the namespace.
func (c *TTLCache[T]) Clear(ctx context.Context) error {
	if err := c.backend.Clear(ctx); err != nil {
		c.recordError("clear", errorCategory(err))
		c.logger.Error("cache clear failed", zap.Error(err))
		return apperror.Storage(fmt.Errorf("clear: %w", err))
	}
	c.logger.Debug("cache cleared")
	return nil
}

// Keys lists the namespace. Returns an empty slice on failure.
func (c *TTLCache[T]) Keys(ctx context.Context) []string {
	keys, err := c.backend.Keys(ctx)
	if err != nil {
		c.recordError("keys", errorCategory(err))
		c.logger.Warn("cache keys failed", zap.Error(err))
		return []string{}
	}
	if keys == nil {
		return []string{}
	}
	return keys
}

// Stats scans every key. Absent or unreadable entries count as stale.
func (c *TTLCache[T]) Stats(ctx context.Context) Stats {
	keys := c.Keys(ctx)
	now := c.now()
	stats := Stats{TotalKeys: len(keys)}
	for _, key := range keys {
		e := c.inspect(ctx, key, "stats")
		if e.stale(now) {
			stats.StaleKeys++
		} else {
			stats.FreshKeys++
		}
		if e.present {
			stats.ApproximateSizeBytes += e.size
		}
	}
	return stats
}

// Cleanup removes unreadable entries, empty entries past their ttl, and readable entries
// past the eviction policy's MaxStaleAge. Returns the number removed. Failures are logged.
func (c *TTLCache[T]) Cleanup(ctx context.Context) int {
	keys := c.Keys(ctx)
	now := c.now()
	removed := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		e := c.inspect(ctx, key, "cleanup")
		if !c.evictable(e, now) {
			continue
		}
		if err := c.backend.Delete(ctx, key); err != nil {
			c.recordError("cleanup", errorCategory(err))
			c.logger.Warn("cache cleanup remove failed", zap.String("key", key), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		observability.CacheCleanupEvictionsTotal.Add(float64(removed))
	}
	c.logger.Debug("cache cleanup", zap.Int("scanned", len(keys)), zap.Int("removed", removed))
	return removed
}

// Ping reports backend reachability for backends that support it.
func (c *TTLCache[T]) Ping() error {
	if p, ok := c.backend.(Pinger); ok {
		return p.Ping()
	}
	return nil
}

// Close releases the backend.
func (c *TTLCache[T]) Close() error {
	return c.backend.Close()
}

func (c *TTLCache[T]) evictable(e entry[T], now time.Time) bool {
	if !e.present {
		return e.stale(now)
	}
	if c.policy.MaxStaleAge <= 0 {
		return false
	}
	return e.age(now) > e.ttl+c.policy.MaxStaleAge
}

// inspect reads and decodes key. Missing and undecodable entries come back with
// stored == false; null or empty data comes back stored but not present.
func (c *TTLCache[T]) inspect(ctx context.Context, key, op string) entry[T] {
	start := time.Now()
	raw, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.recordError(op, errorCategory(err))
		observeOp(op, "error", start)
		c.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return entry[T]{}
	}
	if !ok {
		observeOp(op, "miss", start)
		return entry[T]{}
	}
	observeOp(op, "hit", start)

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.recordError(op, "decode")
		c.logger.Warn("cache entry unreadable", zap.String("key", key), zap.Error(err))
		return entry[T]{}
	}
	e := entry[T]{
		stored:    true,
		writtenAt: env.WrittenAt,
		ttl:       time.Duration(env.TTL) * time.Millisecond,
	}
	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return e
	}
	if err := json.Unmarshal(data, &e.value); err != nil {
		c.recordError(op, "decode")
		c.logger.Warn("cache entry unreadable", zap.String("key", key), zap.Error(err))
		return entry[T]{}
	}
	e.present = true
	e.size = len(data)
	return e
}

func (c *TTLCache[T]) recordError(op, category string) {
	observability.CacheErrorsTotal.WithLabelValues(op, category).Inc()
}

func observeOp(op, result string, start time.Time) {
	observability.CacheOperationDurationSeconds.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}

func errorCategory(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "storage"
	}
}
