// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for companion.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - Duration: time.Duration that reads and writes as "30m"
//   - Watcher: fsnotify-based reload of a config file
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Command-line flags (applied by the cli package)
//   - Environment variables (COMPANION_*)
//   - The --config file, or the first of ~/.companion/config.{toml,json,yaml}
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    return err
//	}
//	timeout := cfg.Server.SessionIdleTimeout.Std()
package config
