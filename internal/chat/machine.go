// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat drives chat turns over a session.
package chat

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jeranaias/deepseek-companion/internal/model"
	"github.com/jeranaias/deepseek-companion/internal/session"
	"github.com/jeranaias/deepseek-companion/internal/util"
)

// =============================================================================
// STATES
// =============================================================================

// State is the presentation state of a session.
type State int

const (
	// Idle means no reply is owed; new input is accepted.
	Idle State = iota
	// Responding means a pending query awaits its reply.
	Responding
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Responding:
		return "responding"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateOf derives the state of sess from its pending flag.
func StateOf(sess *session.Session) State {
	if _, ok := sess.Pending(); ok {
		return Responding
	}
	return Idle
}

func stateOf(st *session.State) State {
	if _, ok := st.Pending(); ok {
		return Responding
	}
	return Idle
}

// =============================================================================
// EVENTS
// =============================================================================

// Event is an input to Machine.Handle.
type Event interface {
	eventName() string
}

// Submitted is new user input.
type Submitted struct {
	Text string
}

// Completed carries the full reply once the fragment sequence is exhausted.
type Completed struct {
	Reply string
}

// Failed reports a turn that could not produce a reply.
type Failed struct {
	Err error
	// Description is shown in the transcript; empty uses Err.Error().
	Description string
}

// Rendered is a re-render with no new input.
type Rendered struct{}

func (Submitted) eventName() string { return "submitted" }
func (Completed) eventName() string { return "completed" }
func (Failed) eventName() string    { return "failed" }
func (Rendered) eventName() string  { return "rendered" }

// =============================================================================
// MACHINE
// =============================================================================

// Machine applies events to sessions. Every transition runs atomically
// under the session lock.
type Machine struct {
	logger *zap.Logger
}

// NewMachine creates a Machine. A nil logger discards logs.
func NewMachine(logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{logger: logger}
}

// Handle applies ev to sess and returns the resulting state. On error the
// session is unchanged and the returned state is the current one.
//
// Transitions:
//
//	Idle       + Submitted -> Responding (user message appended, pending set)
//	Responding + Completed -> Idle       (ai message appended, pending cleared)
//	Responding + Failed    -> Idle       (error message appended, pending cleared)
//	any        + Rendered  -> unchanged
func (m *Machine) Handle(sess *session.Session, ev Event) (State, error) {
	if _, ok := ev.(Rendered); ok {
		return StateOf(sess), nil
	}

	var next State
	err := sess.Update(func(st *session.State) error {
		next = stateOf(st)
		switch e := ev.(type) {
		case Submitted:
			return m.submit(st, &next, e)
		case Completed:
			return m.complete(st, &next, e)
		case Failed:
			return m.fail(st, &next, e)
		default:
			return fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
		}
	})
	if err != nil {
		return StateOf(sess), err
	}

	m.logger.Debug("STATE_TRANSITION",
		zap.String("session", sess.ID()),
		zap.String("event", ev.eventName()),
		zap.Stringer("state", next),
	)
	return next, nil
}

func (m *Machine) submit(st *session.State, next *State, e Submitted) error {
	if strings.TrimSpace(e.Text) == "" {
		return ErrEmptyInput
	}
	if *next == Responding {
		return ErrTurnInProgress
	}

	// stored byte for byte; pasted code must reach the model unchanged
	text := e.Text
	st.Append(model.NewUserMessage(text))
	st.SetPending(text)
	*next = Responding

	m.logger.Info("TURN_SUBMITTED",
		zap.String("model", st.Model()),
		zap.String("query", util.TruncateWidth(text, 60)),
		zap.Int("transcript_len", st.Len()),
	)
	return nil
}

func (m *Machine) complete(st *session.State, next *State, e Completed) error {
	if *next != Responding {
		return ErrNoPendingQuery
	}
	st.Append(model.NewAIMessage(e.Reply))
	st.ClearPending()
	*next = Idle
	return nil
}

func (m *Machine) fail(st *session.State, next *State, e Failed) error {
	if *next != Responding {
		return ErrNoPendingQuery
	}
	desc := e.Description
	if desc == "" && e.Err != nil {
		desc = e.Err.Error()
	}
	st.Append(model.NewErrorMessage(desc))
	st.ClearPending()
	*next = Idle
	return nil
}
