// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server serves the browser chat UI.
//
// Each browser gets a session through the companion_session cookie. The
// page is rendered from the session transcript; submitting a question
// records it and starts the reply in the background, and the page then
// follows the reply over server-sent events until it completes.
//
// # Endpoints
//
//   - GET  /               - Chat page
//   - POST /chat           - Submit a question (form field q)
//   - POST /model          - Select the model for the next turn (form field model)
//   - GET  /api/stream     - Server-sent events for the running turn
//   - GET  /api/transcript - Transcript as JSON
//   - GET  /api/export     - Download the transcript (format=markdown|json|html)
//   - POST /session/end    - End the session and clear the cookie
//   - GET  /health         - Health check
//   - GET  /static/        - Stylesheets and script
//
// # Stream events
//
//   - fragment: {"html": "..."} rendered reply accumulated so far
//   - done:     {} the reply was recorded
//   - error:    {"message": "..."} the turn failed
//
// # Usage
//
//	srv := server.NewServer(cfg.Server.Addr, sessions, engine, logger).
//		WithHealthChecker(client).
//		WithVersion(version)
//	if err := srv.ListenAndServe(ctx); err != nil {
//		return err
//	}
package server
