// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package prompt converts transcripts into Ollama chat prompts.
//
// The prompt is the system instruction followed by every transcript message
// in order, with the ai role sent as "assistant". Message content is passed
// through verbatim.
//
// # Usage
//
//	a := prompt.New()
//	messages := a.Assemble(sess.Transcript())
package prompt
