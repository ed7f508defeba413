// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session holds per-browser chat state and its lifecycle.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/deepseek-companion/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrSessionNotFound is returned for unknown or already removed session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionEnded is returned when mutating a session after End.
	ErrSessionEnded = errors.New("session ended")

	// ErrModelNotAllowed is returned by SetModel for ids outside the allow-list.
	ErrModelNotAllowed = errors.New("model not allowed")
)

// =============================================================================
// SESSION
// =============================================================================

// Session is the state of one chat session: the transcript, the pending
// query and the model selection. All methods are safe for concurrent use.
type Session struct {
	mu sync.Mutex

	id           string
	startTime    time.Time
	lastActivity time.Time

	state     State
	streaming bool
	ended     bool
}

// State is the mutable part of a session, reachable only through Update or
// the Session accessors.
type State struct {
	transcript []model.Message
	pending    string
	hasPending bool
	model      string
}

// New creates a session whose transcript holds only the greeting.
// Empty greeting or modelID fall back to the package defaults.
func New(greeting, modelID string) *Session {
	if modelID == "" || !model.IsAllowed(modelID) {
		modelID = model.DefaultModel
	}
	now := time.Now()
	return &Session{
		id:           generateSessionID(),
		startTime:    now,
		lastActivity: now,
		state: State{
			transcript: []model.Message{model.NewGreeting(greeting)},
			model:      modelID,
		},
	}
}

func generateSessionID() string {
	return "sess_" + uuid.NewString()
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// StartTime returns when the session started.
func (s *Session) StartTime() time.Time {
	return s.startTime
}

// Update runs fn with exclusive access to the session state. It is the only
// way to make several changes atomically.
func (s *Session) Update(fn func(st *State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrSessionEnded
	}
	s.lastActivity = time.Now()
	return fn(&s.state)
}

// View runs fn with read access to the session state.
func (s *Session) View(fn func(st *State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
}

// =============================================================================
// ACCESSORS
// =============================================================================

// Transcript returns a copy of the transcript.
func (s *Session) Transcript() []model.Message {
	var out []model.Message
	s.View(func(st *State) { out = st.Transcript() })
	return out
}

// Append adds msg to the end of the transcript.
func (s *Session) Append(msg model.Message) error {
	return s.Update(func(st *State) error {
		st.Append(msg)
		return nil
	})
}

// Pending returns the pending query and whether one is set.
func (s *Session) Pending() (string, bool) {
	var q string
	var ok bool
	s.View(func(st *State) { q, ok = st.Pending() })
	return q, ok
}

// SetPending records query as awaiting an answer.
func (s *Session) SetPending(query string) error {
	return s.Update(func(st *State) error {
		st.SetPending(query)
		return nil
	})
}

// ClearPending removes the pending query.
func (s *Session) ClearPending() error {
	return s.Update(func(st *State) error {
		st.ClearPending()
		return nil
	})
}

// Model returns the selected model id.
func (s *Session) Model() string {
	var m string
	s.View(func(st *State) { m = st.Model() })
	return m
}

// SetModel selects the model used for the next turn.
func (s *Session) SetModel(id string) error {
	return s.Update(func(st *State) error {
		return st.SetModel(id)
	})
}

// =============================================================================
// STATE METHODS
// =============================================================================

// Transcript returns a copy of the transcript.
func (st *State) Transcript() []model.Message {
	out := make([]model.Message, len(st.transcript))
	copy(out, st.transcript)
	return out
}

// Len returns the number of transcript messages.
func (st *State) Len() int {
	return len(st.transcript)
}

// Append adds msg to the end of the transcript.
func (st *State) Append(msg model.Message) {
	st.transcript = append(st.transcript, msg)
}

// Pending returns the pending query and whether one is set.
func (st *State) Pending() (string, bool) {
	return st.pending, st.hasPending
}

// SetPending records query as awaiting an answer.
func (st *State) SetPending(query string) {
	st.pending = query
	st.hasPending = true
}

// ClearPending removes the pending query.
func (st *State) ClearPending() {
	st.pending = ""
	st.hasPending = false
}

// Model returns the selected model id.
func (st *State) Model() string {
	return st.model
}

// SetModel selects a model from the allow-list.
func (st *State) SetModel(id string) error {
	if !model.IsAllowed(id) {
		return errors.Join(ErrModelNotAllowed, model.ValidateModel(id))
	}
	st.model = id
	return nil
}

// =============================================================================
// ACTIVITY AND LIFECYCLE
// =============================================================================

// RecordActivity updates the last activity timestamp.
func (s *Session) RecordActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// LastActivity returns when the session was last used.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// BeginStreaming marks a reply as being streamed. It returns false if one
// already is.
func (s *Session) BeginStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streaming || s.ended {
		return false
	}
	s.streaming = true
	return true
}

// EndStreaming clears the streaming mark.
func (s *Session) EndStreaming() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streaming = false
}

// IsStreaming reports whether a reply is being streamed.
func (s *Session) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// End marks the session finished. Later updates return ErrSessionEnded.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
}

// Ended reports whether End has been called.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}
