// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"sync"
)

// ============================================================================
// TURN STREAM
// ============================================================================

// turnStream publishes the progress of one running turn to any number of
// SSE subscribers. Subscribers see the latest accumulated text; fragments
// between two looks are coalesced.
type turnStream struct {
	mu      sync.Mutex
	text    string
	version int
	done    bool
	errText string
	changed chan struct{}
}

func newTurnStream() *turnStream {
	return &turnStream{changed: make(chan struct{})}
}

// update records the reply accumulated so far and wakes subscribers.
func (t *turnStream) update(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.text = text
	t.version++
	t.notifyLocked()
}

// finish marks the turn over. A non-empty errText reports a failed turn.
func (t *turnStream) finish(errText string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	t.errText = errText
	t.notifyLocked()
}

func (t *turnStream) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// streamSnapshot is a consistent view of a turnStream.
type streamSnapshot struct {
	text    string
	version int
	done    bool
	errText string
	// changed is closed on the next update or finish
	changed <-chan struct{}
}

func (t *turnStream) snapshot() streamSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return streamSnapshot{
		text:    t.text,
		version: t.version,
		done:    t.done,
		errText: t.errText,
		changed: t.changed,
	}
}

// ============================================================================
// STREAM REGISTRY
// ============================================================================

// streamRegistry maps session ids to their running turn.
type streamRegistry struct {
	mu      sync.Mutex
	streams map[string]*turnStream
}

func newStreamRegistry() *streamRegistry {
	return &streamRegistry{streams: make(map[string]*turnStream)}
}

// open registers a new stream for id. It returns false if one is still
// running; a finished stream is replaced.
func (r *streamRegistry) open(id string) (*turnStream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.streams[id]; ok && !cur.snapshot().done {
		return nil, false
	}
	st := newTurnStream()
	r.streams[id] = st
	return st, true
}

func (r *streamRegistry) get(id string) (*turnStream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.streams[id]
	return st, ok
}

// close removes the stream for id if it is still st.
func (r *streamRegistry) close(id string, st *turnStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.streams[id] == st {
		delete(r.streams, id)
	}
}

func (r *streamRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}
