// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for transcripts and messages.
package model

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser Role = "user"
	RoleAI   Role = "ai"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAI:
		return "DeepSeek"
	default:
		return string(r)
	}
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Greeting is the synthetic ai message every transcript starts with.
const Greeting = "Hi! I'm DeepSeek. How can I help you code today? 💻"

// ErrorPrefix marks the content of messages recorded for failed turns.
const ErrorPrefix = "⚠️ "

// Message is a single entry in a transcript.
// Messages are values and are never modified after creation; the transcript
// order is the conversation order.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// IsError marks an ai message recorded in place of a failed reply.
	IsError bool `json:"is_error,omitempty"`
}

// NewUserMessage creates a message sent by the user.
func NewUserMessage(content string) Message {
	return newMessage(RoleUser, content)
}

// NewAIMessage creates a message produced by the model.
func NewAIMessage(content string) Message {
	return newMessage(RoleAI, content)
}

// NewErrorMessage creates an ai message describing a failed turn.
func NewErrorMessage(description string) Message {
	msg := newMessage(RoleAI, ErrorPrefix+description)
	msg.IsError = true
	return msg
}

// NewGreeting creates the opening ai message of a transcript.
// An empty text falls back to Greeting.
func NewGreeting(text string) Message {
	if text == "" {
		text = Greeting
	}
	return newMessage(RoleAI, text)
}

func newMessage(role Role, content string) Message {
	return Message{
		ID:        "msg_" + uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// IsUser returns true if the message was sent by the user.
func (m Message) IsUser() bool {
	return m.Role == RoleUser
}

// IsAI returns true if the message was produced by the model.
func (m Message) IsAI() bool {
	return m.Role == RoleAI
}

// =============================================================================
// TRANSCRIPT HELPERS
// =============================================================================

// CountByRole returns how many messages in transcript have the given role.
func CountByRole(transcript []Message, role Role) int {
	n := 0
	for _, msg := range transcript {
		if msg.Role == role {
			n++
		}
	}
	return n
}
