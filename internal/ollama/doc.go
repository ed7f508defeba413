// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for communicating with Ollama API.
//
// Chat requests always carry the fixed sampling temperature (Temperature).
// Streaming replies are exposed as a lazy iter.Seq2 of text fragments.
//
// # Key Types
//
//   - Client: HTTP client for Ollama API communication
//   - ClientError: Typed error with an ErrorType for handling
//   - Message: Chat message with role and content
//   - StreamReader: Line reader for newline-delimited JSON chat streams
//
// # Usage
//
// Stream a reply:
//
//	client := ollama.NewClientWithConfig(&ollama.ClientConfig{BaseURL: "http://localhost:11434"})
//	for fragment, err := range client.Stream(ctx, "deepseek-r1:1.5b", messages) {
//	    if err != nil {
//	        if ollama.IsNotRunning(err) {
//	            // start `ollama serve`
//	        }
//	        return err
//	    }
//	    fmt.Print(fragment)
//	}
package ollama
