// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
)

// Report is the result of a chain verification.
type Report struct {
	Entries int      `json:"entries"`
	Valid   bool     `json:"valid"`
	Issues  []string `json:"issues,omitempty"`
}

// sign computes the MAC of event chained to prev. event.MAC must be empty.
func sign(key []byte, prev string, event Event) (string, error) {
	payload, err := codec.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to encode audit event: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(prev))
	mac.Write([]byte{'\n'})
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify walks the log at path and checks every MAC against key.
func Verify(path string, key []byte) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	report := &Report{Valid: true}
	issue := func(format string, args ...any) {
		report.Valid = false
		report.Issues = append(report.Issues, fmt.Sprintf(format, args...))
	}

	prev := ""
	line := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		report.Entries++

		var event Event
		if err := codec.Unmarshal(raw, &event); err != nil {
			issue("line %d: malformed record", line)
			prev = ""
			continue
		}
		got := event.MAC
		if got == "" {
			issue("line %d: missing mac", line)
			prev = ""
			continue
		}
		event.MAC = ""
		want, err := sign(key, prev, event)
		if err != nil {
			return nil, err
		}
		if !hmac.Equal([]byte(got), []byte(want)) {
			issue("line %d: mac mismatch", line)
		}
		prev = got
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	return report, nil
}
