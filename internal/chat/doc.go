// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat drives chat turns over a session.
//
// A session is Idle when no query is pending and Responding while one is.
// Machine.Handle is the single place where transitions happen; Engine runs
// the model stream for a Responding session and reports the outcome back
// as a Completed or Failed event, so the pending query is always cleared.
//
// # Key Types
//
//   - Machine: Event dispatch over session state
//   - Engine: Prompt assembly and streaming for one turn
//   - Streamer: Source of reply fragments (implemented by *ollama.Client)
//
// # Usage
//
//	engine := chat.NewEngine(client, prompt.New(), logger)
//	if _, err := engine.Submit(sess, "write a for loop in go"); err != nil {
//	    return err
//	}
//	err := engine.Respond(ctx, sess, func(acc string) error {
//	    return display.Update(acc)
//	})
package chat
