// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for transcripts and messages.
//
// # Key Types
//
//   - Message: Immutable transcript entry with role, content and timestamp
//   - Role: Message role enumeration (user, ai)
//   - ModelInfo: Entry of the selectable model allow-list
//
// # Usage
//
// Seed a transcript and record a turn:
//
//	transcript := []model.Message{model.NewGreeting("")}
//	transcript = append(transcript, model.NewUserMessage("write a for loop in go"))
//	transcript = append(transcript, model.NewAIMessage("for i := 0; i < 3; i++ {}"))
//
// Check a model selection:
//
//	if !model.IsAllowed(id) {
//	    return model.ValidateModel(id)
//	}
package model
