// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the sessionguard command line.
//
// # Commands
//
//	sessionguard session watch          Interactive inactivity tracker
//	sessionguard session status         Persisted activity and time left
//	sessionguard login --user NAME      Authenticate through the lockout guard
//	sessionguard lockout status|reset   Inspect or clear the lockout
//	sessionguard config show|validate|init|add-user
//	sessionguard audit verify           Check the audit log's HMAC chain
//
// # Global Flags
//
//	--config PATH     Config file (default ~/.sessionguard/config.toml)
//	--log-level LVL   Override the configured log level
//	--json            Machine-readable output
//	--no-color        Disable colors
package cli
