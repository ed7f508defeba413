// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session holds per-browser chat state and its lifecycle.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// SESSION MANAGER
// =============================================================================

// Config holds configuration for the session manager.
type Config struct {
	// IdleTimeout ends sessions with no activity for this long (default: 30 minutes).
	// Zero disables expiry.
	IdleTimeout time.Duration

	// SweepInterval is how often Run looks for idle sessions (default: 1 minute)
	SweepInterval time.Duration

	// Greeting seeds every new transcript (default: model.Greeting)
	Greeting string

	// DefaultModel is the model selected at session start (default: model.DefaultModel)
	DefaultModel string
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:   30 * time.Minute,
		SweepInterval: time.Minute,
	}
}

// Manager owns the live sessions, keyed by id. Sessions begin with Start
// and finish with End or by idling past the timeout.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	cfg      Config
	logger   *zap.Logger

	// now is replaced in tests
	now func() time.Time
}

// NewManager creates a new session manager.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start creates and registers a new session.
func (m *Manager) Start() *Session {
	m.mu.Lock()
	s := New(m.cfg.Greeting, m.cfg.DefaultModel)
	m.sessions[s.ID()] = s
	count := len(m.sessions)
	m.mu.Unlock()

	m.logger.Info("SESSION_START",
		zap.String("session", s.ID()),
		zap.String("model", s.Model()),
		zap.Int("active", count),
	)
	return s
}

// Get returns the live session with id and records activity on it.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.Ended() {
		return nil, ErrSessionEnded
	}
	s.RecordActivity()
	return s, nil
}

// End finishes the session with id and forgets it.
func (m *Manager) End(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	s.End()

	m.logger.Info("SESSION_END",
		zap.String("session", id),
		zap.String("duration", FormatDuration(m.now().Sub(s.StartTime()))),
	)
	return nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// SetGreeting changes the greeting used by sessions started afterwards.
func (m *Manager) SetGreeting(greeting string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Greeting = greeting
}

// SetIdleTimeout changes the idle timeout. Zero disables expiry.
func (m *Manager) SetIdleTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.IdleTimeout = d
}

// =============================================================================
// TIMEOUT CHECKING
// =============================================================================

// SweepExpired ends every session idle for at least the timeout. Sessions
// that are streaming a reply are left alone. It returns how many ended.
func (m *Manager) SweepExpired() int {
	m.mu.Lock()
	timeout := m.cfg.IdleTimeout
	if timeout <= 0 {
		m.mu.Unlock()
		return 0
	}

	now := m.now()
	var expired []*Session
	for id, s := range m.sessions {
		if s.IsStreaming() {
			continue
		}
		if now.Sub(s.LastActivity()) >= timeout {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.End()
		m.logger.Info("SESSION_EXPIRED",
			zap.String("session", s.ID()),
			zap.String("idle", FormatDuration(now.Sub(s.LastActivity()))),
		)
	}
	return len(expired)
}

// Run sweeps idle sessions every SweepInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.SweepExpired()
		}
	}
}

// =============================================================================
// SESSION STATUS
// =============================================================================

// Status summarizes one session for diagnostics.
type Status struct {
	SessionID   string        `json:"session_id"`
	StartTime   time.Time     `json:"start_time"`
	Duration    time.Duration `json:"duration"`
	IdleTime    time.Duration `json:"idle_time"`
	Messages    int           `json:"messages"`
	Model       string        `json:"model"`
	Pending     bool          `json:"pending"`
	IsStreaming bool          `json:"is_streaming"`
}

// GetStatus returns the current status of s.
func (m *Manager) GetStatus(s *Session) Status {
	now := m.now()
	st := Status{
		SessionID:   s.ID(),
		StartTime:   s.StartTime(),
		Duration:    now.Sub(s.StartTime()),
		IdleTime:    now.Sub(s.LastActivity()),
		IsStreaming: s.IsStreaming(),
	}
	s.View(func(state *State) {
		st.Messages = state.Len()
		st.Model = state.Model()
		_, st.Pending = state.Pending()
	})
	return st
}

// FormatDuration returns a human-readable duration string.
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	mins := int(d.Minutes())
	secs := int(d.Seconds()) % 60
	if secs == 0 {
		return fmt.Sprintf("%dm", mins)
	}
	return fmt.Sprintf("%dm %ds", mins, secs)
}
