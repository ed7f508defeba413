// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package prompt converts transcripts into Ollama chat prompts.
package prompt

import (
	"github.com/jeranaias/deepseek-companion/internal/model"
	"github.com/jeranaias/deepseek-companion/internal/ollama"
)

// SystemInstruction is the instruction placed before every transcript.
const SystemInstruction = "You are an expert AI coding assistant. Provide concise, correct solutions " +
	"with strategic print statements for debugging. Always respond in English."

// Assembler builds prompts from transcripts.
type Assembler struct {
	// System is the system instruction; empty uses SystemInstruction.
	System string

	// MaxHistory keeps only the most recent N transcript messages.
	// Zero or negative includes the whole transcript.
	MaxHistory int
}

// New returns an Assembler with the default system instruction and no history cap.
func New() *Assembler {
	return &Assembler{System: SystemInstruction}
}

// Assemble returns the system instruction followed by one entry per
// transcript message, in transcript order. With no history cap the result
// always has len(transcript)+1 entries.
func (a *Assembler) Assemble(transcript []model.Message) []ollama.Message {
	system := a.System
	if system == "" {
		system = SystemInstruction
	}

	window := transcript
	if a.MaxHistory > 0 && len(window) > a.MaxHistory {
		window = window[len(window)-a.MaxHistory:]
	}

	messages := make([]ollama.Message, 0, len(window)+1)
	messages = append(messages, ollama.NewSystemMessage(system))

	for _, msg := range window {
		messages = append(messages, ollama.Message{
			Role:    OllamaRole(msg.Role),
			Content: msg.Content,
		})
	}

	return messages
}

// OllamaRole maps a transcript role onto the chat API role.
func OllamaRole(r model.Role) string {
	switch r {
	case model.RoleAI:
		return "assistant"
	case model.RoleUser:
		return "user"
	default:
		return string(r)
	}
}
