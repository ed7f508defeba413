// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for transcripts and messages.
package model

import (
	"fmt"
	"strings"
)

// =============================================================================
// MODEL INFO TYPE
// =============================================================================

// ModelInfo describes a model offered in the model selector.
type ModelInfo struct {
	// ID is the Ollama model tag used in API calls
	ID string `json:"id"`

	// Name is the human-readable display name
	Name string `json:"name"`

	// Parameters is the parameter count label shown in the sidebar
	Parameters string `json:"parameters"`

	// Description is a brief explanation of the model's strengths
	Description string `json:"description"`
}

// =============================================================================
// MODEL REGISTRY
// =============================================================================

// DefaultModel is the model selected when a session starts.
const DefaultModel = "deepseek-r1:1.5b"

// Registry is the fixed allow-list of selectable models, in display order.
var Registry = []ModelInfo{
	{
		ID:          "deepseek-r1:1.5b",
		Name:        "DeepSeek-R1 1.5B",
		Parameters:  "1.5B",
		Description: "Fast replies on modest hardware",
	},
	{
		ID:          "deepseek-r1:3b",
		Name:        "DeepSeek-R1 3B",
		Parameters:  "3B",
		Description: "Stronger reasoning, slower first token",
	},
}

// IsAllowed reports whether id is in the registry.
func IsAllowed(id string) bool {
	_, ok := GetModelInfo(id)
	return ok
}

// GetModelInfo returns the registry entry for id.
func GetModelInfo(id string) (ModelInfo, bool) {
	for _, info := range Registry {
		if info.ID == id {
			return info, true
		}
	}
	return ModelInfo{}, false
}

// AllowedIDs returns the model ids in display order.
func AllowedIDs() []string {
	ids := make([]string, len(Registry))
	for i, info := range Registry {
		ids[i] = info.ID
	}
	return ids
}

// ValidateModel returns an error naming the allowed models if id is not one of them.
func ValidateModel(id string) error {
	if IsAllowed(id) {
		return nil
	}
	return fmt.Errorf("model %q is not allowed, must be one of: %s", id, strings.Join(AllowedIDs(), ", "))
}

// String returns the display form of the model info.
func (m ModelInfo) String() string {
	return fmt.Sprintf("%s (%s)", m.Name, m.ID)
}
