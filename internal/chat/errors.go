// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat drives chat turns over a session.
package chat

import (
	"errors"
	"fmt"

	"github.com/jeranaias/deepseek-companion/internal/ollama"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrEmptyInput is returned for submissions with no visible text.
	ErrEmptyInput = errors.New("empty input")

	// ErrTurnInProgress is returned when submitting while a reply is owed.
	ErrTurnInProgress = errors.New("a reply is still being generated")

	// ErrNoPendingQuery is returned when completing a turn that was never started.
	ErrNoPendingQuery = errors.New("no pending query")

	// ErrAlreadyStreaming is returned when a second stream is opened for the same turn.
	ErrAlreadyStreaming = errors.New("reply already streaming")

	// ErrUnknownEvent is returned by Handle for event types it does not know.
	ErrUnknownEvent = errors.New("unknown event")
)

// =============================================================================
// TURN ERROR
// =============================================================================

// TurnError reports a turn that ended without a reply. The transcript
// already holds an error message with Description.
type TurnError struct {
	Model       string
	Description string
	Cause       error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed (model %s): %v", e.Model, e.Cause)
}

func (e *TurnError) Unwrap() error {
	return e.Cause
}

// Describe turns a model client error into a sentence for the transcript.
func Describe(err error, backendURL, modelID string) string {
	switch {
	case err == nil:
		return ""
	case ollama.IsNotRunning(err):
		return fmt.Sprintf("Ollama is not reachable at %s. Is `ollama serve` running?", backendURL)
	case ollama.IsModelNotFound(err):
		return fmt.Sprintf("Model %s is not installed. Run `ollama pull %s`.", modelID, modelID)
	case ollama.IsTimeout(err):
		return "The model did not finish answering before the request was stopped."
	default:
		return "The model request failed: " + err.Error()
	}
}
