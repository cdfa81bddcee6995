// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"fmt"
	"time"
)

// FormatCountdown renders d as M:SS, rounding partial seconds up so a
// countdown never shows 0:00 while time is still left. Negative durations
// render as 0:00.
func FormatCountdown(d time.Duration) string {
	if d <= 0 {
		return "0:00"
	}

	totalSecs := int64((d + time.Second - 1) / time.Second)
	mins := totalSecs / 60
	secs := totalSecs % 60

	return fmt.Sprintf("%d:%02d", mins, secs)
}

// EpochMillis converts t to Unix milliseconds.
func EpochMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromEpochMillis converts Unix milliseconds back to a time.Time.
func FromEpochMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
