// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading for sessionguard.
//
// Configuration is TOML with built-in defaults, environment variable
// overrides and tag-based validation.
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (SESSIONGUARD_*)
//   - ~/.sessionguard/config.toml
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	tracker, err := session.NewTracker(cfg.SessionPolicy(), opts...)
package config
