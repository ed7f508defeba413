// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package render

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// Parts is a reply split into the model's reasoning and its answer.
// DeepSeek-R1 wraps reasoning in <think> tags ahead of the answer.
type Parts struct {
	Thinking string
	Answer   string

	// HasThinking is true when a <think> tag was present.
	HasThinking bool
	// ThinkingOpen is true while the closing tag has not arrived yet,
	// as happens mid-stream.
	ThinkingOpen bool
}

// Split separates reasoning from the answer. Content without a <think> tag
// is returned whole as the answer. Only the first reasoning block is
// extracted; anything before it is kept as part of the answer.
func Split(content string) Parts {
	start := strings.Index(content, thinkOpen)
	if start < 0 {
		return Parts{Answer: content}
	}

	before := content[:start]
	rest := content[start+len(thinkOpen):]

	end := strings.Index(rest, thinkClose)
	if end < 0 {
		return Parts{
			Thinking:     strings.TrimSpace(rest),
			Answer:       strings.TrimSpace(before),
			HasThinking:  true,
			ThinkingOpen: true,
		}
	}

	answer := before + rest[end+len(thinkClose):]
	return Parts{
		Thinking:    strings.TrimSpace(rest[:end]),
		Answer:      strings.TrimSpace(answer),
		HasThinking: true,
	}
}
