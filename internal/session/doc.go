// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session holds per-browser chat state and its lifecycle.
//
// A Session owns one transcript, the pending query flag and the model
// selection. Sessions are isolated from each other; nothing is shared or
// persisted.
//
// # Key Types
//
//   - Session: Transcript, pending query and model selection of one browser
//   - State: The mutable part of a Session, passed to Update callbacks
//   - Manager: Registry of live sessions with explicit Start/End and idle expiry
//
// # Usage
//
//	mgr := session.NewManager(session.DefaultConfig(), logger)
//	go mgr.Run(ctx)
//
//	sess := mgr.Start()
//	defer mgr.End(sess.ID())
//
// Change several fields atomically:
//
//	err := sess.Update(func(st *session.State) error {
//	    st.Append(model.NewUserMessage(text))
//	    st.SetPending(text)
//	    return nil
//	})
package session
