// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package audit records session and authentication events.
//
// Events are appended to a file as JSON lines. When a key is configured each
// line carries an HMAC-SHA256 that chains to the previous line, so edits or
// deletions are detected by Verify.
//
// # Components
//
// Logger - append-only JSON lines with rotation and secret redaction
//
//	logger, err := audit.NewLogger(path, audit.WithHMACKey(key))
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	logger.Log(audit.Event{Type: audit.EventLockout, User: "alice"})
//
// Verify - chain integrity check over a log file
//
//	report, err := audit.Verify(path, key)
//
// Keys - hex encoded, at least MinKeyLength bytes, either inline or in a
// file only its owner can read
//
//	key, err := audit.LoadKeyFile(path)
//
// Trackers accept any Sink. A nil Sink records nothing.
package audit
