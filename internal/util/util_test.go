// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// ATOMIC WRITE TESTS
// =============================================================================

func TestAtomicWriteFile_WritesAndOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "record.json")

	if err := AtomicWriteFile(path, []byte(`{"attempts":1}`), 0600); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := AtomicWriteFile(path, []byte(`{"attempts":2}`), 0600); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(content) != `{"attempts":2}` {
		t.Errorf("content = %q, want second write", content)
	}
}

func TestAtomicWriteFile_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "deep", "record.json")

	if err := AtomicWriteFile(path, []byte("x"), 0600); err != nil {
		t.Fatalf("AtomicWriteFile failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file not created: %v", err)
	}
}

func TestAtomicWriteFile_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "record.json")

	for i := 0; i < 5; i++ {
		if err := AtomicWriteFile(path, []byte("data"), 0600); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}

func TestAtomicWriteFileWithDir_Permissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not meaningful on windows")
	}
	path := filepath.Join(t.TempDir(), "newdir", "record.json")

	if err := AtomicWriteFileWithDir(path, []byte("x"), 0600, 0700); err != nil {
		t.Fatalf("AtomicWriteFileWithDir failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("file mode = %v, want 0600", info.Mode().Perm())
	}
}

// =============================================================================
// COUNTDOWN TESTS
// =============================================================================

func TestFormatCountdown(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{75 * time.Second, "1:15"},
		{5 * time.Second, "0:05"},
		{4*time.Second + time.Millisecond, "0:05"},
		{999 * time.Millisecond, "0:01"},
		{5 * time.Minute, "5:00"},
		{0, "0:00"},
		{-time.Second, "0:00"},
		{61*time.Minute + 1500*time.Millisecond, "61:02"},
	}

	for _, tt := range tests {
		if got := FormatCountdown(tt.in); got != tt.want {
			t.Errorf("FormatCountdown(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEpochMillisRoundTrip(t *testing.T) {
	now := time.Date(2025, 3, 4, 5, 6, 7, 8_000_000, time.UTC)
	ms := EpochMillis(now)
	if !FromEpochMillis(ms).Equal(now) {
		t.Errorf("round trip mismatch: %v != %v", FromEpochMillis(ms), now)
	}
}
