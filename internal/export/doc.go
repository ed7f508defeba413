// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export saves a session's transcript to a file.
//
// # Supported Formats
//
//   - markdown: YAML front matter, one section per message
//   - json: the full transcript with message metadata
//   - html: a standalone page with highlighted code
//
// # Usage
//
//	exporter, err := export.ForFormat("markdown", render.DefaultCodeStyle)
//	if err != nil {
//	    return err
//	}
//	path, err := export.WriteFile(export.FromSession(sess), exporter, ".")
package export
