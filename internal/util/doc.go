// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared by the companion packages.
//
// # Key Functions
//
//   - TruncateWidth: Column-aware one-line truncation for logs and status output
//   - PadRight: Column-aware padding for aligned tables
//   - AtomicWriteFile: Crash-safe file writing with fsync
//
// # Usage
//
//	logger.Info("TURN_SUBMITTED", zap.String("query", util.TruncateWidth(q, 60)))
//
//	err := util.AtomicWriteFile(path, data, 0600)
package util
