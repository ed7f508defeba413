// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package render turns transcript text into HTML for the browser and into
// styled text for the terminal.
//
// Message content is rendered verbatim as markdown. Replies from reasoning
// models carry a <think> block first; Split separates it so both renderers
// can show it apart from the answer.
//
// # Key Types
//
//   - HTML: goldmark + chroma + bluemonday, safe for concurrent use
//   - Terminal: Pooled glamour renderers
//   - Parts: A reply split into reasoning and answer
package render
