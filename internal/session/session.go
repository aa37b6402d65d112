// Package session maps consumer session ids to their own orchestrator. All sessions share
// one Fetcher and therefore one snapshot cache.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kjstillabower/clima-service/internal/observability"
	"github.com/kjstillabower/clima-service/internal/service"
)

var (
	// ErrNotFound is returned for an unknown or expired session id.
	ErrNotFound = errors.New("session not found")
	// ErrLimitReached is returned by Create when the session cap is reached.
	ErrLimitReached = errors.New("session limit reached")
)

type entry struct {
	orch     *service.Orchestrator
	places   *Places
	lastSeen time.Time
}

// Manager owns the live sessions.
type Manager struct {
	fetcher     *service.Fetcher
	logger      *zap.Logger
	idleTimeout time.Duration
	max         int
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewManager creates a Manager. idleTimeout <= 0 disables sweeping; max <= 0 means no cap.
func NewManager(fetcher *service.Fetcher, idleTimeout time.Duration, max int, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		fetcher:     fetcher,
		logger:      logger,
		idleTimeout: idleTimeout,
		max:         max,
		now:         time.Now,
		sessions:    make(map[string]*entry),
	}
}

// Create starts a new session in the idle state and returns its id.
func (m *Manager) Create() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.max > 0 && len(m.sessions) >= m.max {
		return "", ErrLimitReached
	}
	id := uuid.NewString()
	m.sessions[id] = &entry{
		orch:     service.NewOrchestrator(m.fetcher, m.logger.With(zap.String("session_id", id))),
		places:   &Places{},
		lastSeen: m.now(),
	}
	observability.ActiveSessions.Set(float64(len(m.sessions)))
	return id, nil
}

// Get returns the orchestrator for id and marks the session as used.
func (m *Manager) Get(id string) (*service.Orchestrator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	e.lastSeen = m.now()
	return e.orch, nil
}

// Places returns the saved places for id and marks the session as used.
func (m *Manager) Places(id string) (*Places, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	e.lastSeen = m.now()
	return e.places, nil
}

// Delete ends a session. Background refreshes it started keep running to completion.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	observability.ActiveSessions.Set(float64(len(m.sessions)))
	return nil
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep removes sessions idle for longer than the idle timeout and returns how many
// were removed.
func (m *Manager) Sweep() int {
	if m.idleTimeout <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.idleTimeout)

	m.mu.Lock()
	removed := 0
	for id, e := range m.sessions {
		if e.lastSeen.Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	remaining := len(m.sessions)
	m.mu.Unlock()

	observability.ActiveSessions.Set(float64(remaining))
	if removed > 0 {
		m.logger.Info("swept idle sessions", zap.Int("removed", removed), zap.Int("remaining", remaining))
	}
	return removed
}

// Wait blocks until every live session's background refreshes finish or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	orchs := make([]*service.Orchestrator, 0, len(m.sessions))
	for _, e := range m.sessions {
		orchs = append(orchs, e.orch)
	}
	m.mu.Unlock()

	for _, o := range orchs {
		if err := o.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
