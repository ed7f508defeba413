// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli provides the companion command tree.
//
// # Commands Overview
//
//   - serve: Browser chat UI backed by Ollama
//   - chat: Interactive terminal chat
//   - ask: Single question, reply on stdout
//   - status: Ollama reachability and installed models
//   - config: init, show, get, set, path
//   - version: Build information
//
// All commands share --config, --ollama-url, --log-level and --no-color.
// status supports --json.
//
// # Usage
//
//	func main() {
//		os.Exit(cli.Execute())
//	}
package cli
