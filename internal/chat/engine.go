// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat drives chat turns over a session.
package chat

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/deepseek-companion/internal/model"
	"github.com/jeranaias/deepseek-companion/internal/ollama"
	"github.com/jeranaias/deepseek-companion/internal/prompt"
	"github.com/jeranaias/deepseek-companion/internal/session"
)

// =============================================================================
// ENGINE
// =============================================================================

// Streamer produces the model's reply as a lazy sequence of fragments.
// *ollama.Client implements it.
type Streamer interface {
	Stream(ctx context.Context, model string, messages []ollama.Message) iter.Seq2[string, error]
}

// ChunkStreamer is an optional Streamer extension that also yields the
// final line with token counts and timings. *ollama.Client implements it.
type ChunkStreamer interface {
	StreamChunks(ctx context.Context, model string, messages []ollama.Message) iter.Seq2[ollama.StreamChunk, error]
}

// FragmentFunc receives the reply accumulated so far after each fragment.
// An error stops further calls for this turn; the turn itself continues.
type FragmentFunc func(accumulated string) error

// Engine runs the Responding half of a turn: it assembles the prompt,
// drives the model stream and records the outcome through the Machine.
type Engine struct {
	client     Streamer
	machine    *Machine
	assembler  atomic.Pointer[prompt.Assembler]
	backendURL string
	logger     *zap.Logger
}

// NewEngine creates an Engine. A nil assembler uses prompt.New(); a nil
// logger discards logs.
func NewEngine(client Streamer, assembler *prompt.Assembler, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if assembler == nil {
		assembler = prompt.New()
	}
	e := &Engine{
		client:     client,
		machine:    NewMachine(logger),
		backendURL: ollama.DefaultBaseURL,
		logger:     logger,
	}
	e.assembler.Store(assembler)
	return e
}

// WithBackendURL sets the address named in "not reachable" messages.
func (e *Engine) WithBackendURL(url string) *Engine {
	e.backendURL = url
	return e
}

// Machine returns the state machine used to record turns.
func (e *Engine) Machine() *Machine {
	return e.machine
}

// SetAssembler replaces the prompt assembler for turns started afterwards.
func (e *Engine) SetAssembler(a *prompt.Assembler) {
	if a != nil {
		e.assembler.Store(a)
	}
}

// Assembler returns the current prompt assembler.
func (e *Engine) Assembler() *prompt.Assembler {
	return e.assembler.Load()
}

// =============================================================================
// TURNS
// =============================================================================

// Submit records user input; see Machine.Handle for the Submitted rules.
func (e *Engine) Submit(sess *session.Session, text string) (State, error) {
	return e.machine.Handle(sess, Submitted{Text: text})
}

// Respond produces the reply owed to the pending query of sess.
//
// Each fragment is appended to the reply and onFragment is called with the
// text so far. When the sequence is exhausted the full reply is appended to
// the transcript and the pending query cleared. If the stream fails, an
// error message is appended instead, the pending query is cleared, and a
// *TurnError is returned. Partial replies are never recorded.
func (e *Engine) Respond(ctx context.Context, sess *session.Session, onFragment FragmentFunc) error {
	if !sess.BeginStreaming() {
		if sess.Ended() {
			return session.ErrSessionEnded
		}
		return ErrAlreadyStreaming
	}
	defer sess.EndStreaming()

	var (
		transcript []model.Message
		modelID    string
		pending    bool
	)
	sess.View(func(st *session.State) {
		transcript = st.Transcript()
		modelID = st.Model()
		_, pending = st.Pending()
	})
	if !pending {
		return ErrNoPendingQuery
	}

	messages := e.Assembler().Assemble(transcript)
	start := time.Now()

	// PERFORMANCE: strings.Builder avoids quadratic allocations
	var reply strings.Builder
	var streamErr error
	var final ollama.StreamChunk
	fragments := 0

	for chunk, err := range e.chunks(ctx, modelID, messages) {
		if err != nil {
			streamErr = err
			break
		}
		if chunk.Done {
			final = chunk
		}
		if chunk.Content == "" {
			continue
		}
		reply.WriteString(chunk.Content)
		fragments++

		if onFragment != nil {
			if err := onFragment(reply.String()); err != nil {
				e.logger.Debug("DISPLAY_DETACHED",
					zap.String("session", sess.ID()),
					zap.Error(err),
				)
				onFragment = nil
			}
		}
	}

	if streamErr != nil {
		desc := Describe(streamErr, e.backendURL, modelID)
		e.logger.Warn("STREAM_ERROR",
			zap.String("session", sess.ID()),
			zap.String("model", modelID),
			zap.Int("fragments", fragments),
			zap.Error(streamErr),
		)
		if _, err := e.machine.Handle(sess, Failed{Err: streamErr, Description: desc}); err != nil {
			return errors.Join(&TurnError{Model: modelID, Description: desc, Cause: streamErr}, err)
		}
		return &TurnError{Model: modelID, Description: desc, Cause: streamErr}
	}

	if _, err := e.machine.Handle(sess, Completed{Reply: reply.String()}); err != nil {
		return err
	}

	fields := []zap.Field{
		zap.String("session", sess.ID()),
		zap.String("model", modelID),
		zap.Int("fragments", fragments),
		zap.Int("reply_bytes", reply.Len()),
		zap.Duration("elapsed", time.Since(start)),
	}
	if final.Done {
		fields = append(fields,
			zap.Int("prompt_tokens", final.PromptTokens),
			zap.Int("completion_tokens", final.CompletionTokens),
			zap.Float64("tokens_per_sec", final.TokensPerSecond()),
			zap.String("done_reason", final.DoneReason),
		)
	}
	e.logger.Info("TURN_COMPLETE", fields...)
	return nil
}

// chunks streams the reply through StreamChunks when the client has it,
// so the final statistics can be logged.
func (e *Engine) chunks(ctx context.Context, modelID string, messages []ollama.Message) iter.Seq2[ollama.StreamChunk, error] {
	if cs, ok := e.client.(ChunkStreamer); ok {
		return cs.StreamChunks(ctx, modelID, messages)
	}
	return func(yield func(ollama.StreamChunk, error) bool) {
		for fragment, err := range e.client.Stream(ctx, modelID, messages) {
			if !yield(ollama.StreamChunk{Content: fragment}, err) {
				return
			}
		}
	}
}

// Turn submits text and then responds to it.
func (e *Engine) Turn(ctx context.Context, sess *session.Session, text string, onFragment FragmentFunc) error {
	if _, err := e.Submit(sess, text); err != nil {
		return err
	}
	return e.Respond(ctx, sess, onFragment)
}
