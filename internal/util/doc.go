// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared by the stores and trackers.
//
// # Key Functions
//
//   - AtomicWriteFile: crash-safe file writes (temp file, fsync, rename)
//   - FormatCountdown: M:SS countdown text, rounded up to the next second
//   - EpochMillis, FromEpochMillis: millisecond timestamps for persisted records
//
// # Usage
//
//	err := util.AtomicWriteFile(path, data, 0600)
//	banner := "Try again in " + util.FormatCountdown(remaining)
package util
