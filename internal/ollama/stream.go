// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for communicating with Ollama API.
package ollama

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"time"

	"github.com/tidwall/gjson"

	"github.com/jeranaias/deepseek-companion/internal/util"
)

// =============================================================================
// STREAM READER
// =============================================================================

// StreamReader reads a newline-delimited JSON chat stream one line at a time.
type StreamReader struct {
	reader *bufio.Reader
	model  string
	done   bool
}

// NewStreamReader creates a new stream reader from an io.Reader.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{
		reader: bufio.NewReader(r),
	}
}

// Next returns the next chunk of the stream. It returns io.EOF after the
// chunk marked done. Blank lines are skipped. A malformed line, or a body
// that ends before the done chunk, is an ErrTypeInvalidResponse error; an
// {"error": ...} line is classified like an HTTP error body.
func (s *StreamReader) Next() (StreamChunk, error) {
	for {
		if s.done {
			return StreamChunk{}, io.EOF
		}

		line, readErr := s.reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)

		if len(line) > 0 {
			chunk, err := s.parseLine(line)
			if err != nil {
				s.done = true
				return StreamChunk{}, err
			}
			return chunk, nil
		}

		if readErr != nil {
			s.done = true
			if errors.Is(readErr, io.EOF) {
				return StreamChunk{}, ErrIncompleteStream
			}
			return StreamChunk{}, &ClientError{Type: ErrTypeConnection, Message: "stream interrupted", Cause: readErr}
		}
	}
}

// parseLine extracts a chunk from one JSON line.
func (s *StreamReader) parseLine(line []byte) (StreamChunk, error) {
	if !gjson.ValidBytes(line) {
		return StreamChunk{}, &ClientError{
			Type:    ErrTypeInvalidResponse,
			Message: "malformed stream line: " + util.TruncateWidth(string(line), 80),
		}
	}

	fields := gjson.GetManyBytes(line,
		"error",
		"model",
		"message.content",
		"done",
		"done_reason",
		"total_duration",
		"eval_duration",
		"prompt_eval_count",
		"eval_count",
	)

	if msg := fields[0].String(); msg != "" {
		return StreamChunk{}, classifyServerError(msg)
	}

	if m := fields[1].String(); m != "" {
		s.model = m
	}

	chunk := StreamChunk{
		Content:    fields[2].String(),
		Done:       fields[3].Bool(),
		DoneReason: fields[4].String(),
		Model:      s.model,
	}

	// statistics only arrive on the final line
	if chunk.Done {
		chunk.TotalDuration = time.Duration(fields[5].Int())
		chunk.EvalDuration = time.Duration(fields[6].Int())
		chunk.PromptTokens = int(fields[7].Int())
		chunk.CompletionTokens = int(fields[8].Int())
		s.done = true
	}

	return chunk, nil
}
