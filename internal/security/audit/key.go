// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jeranaias/sessionguard/internal/util"
)

// MinKeyLength is the minimum HMAC key length in bytes (256 bits).
const MinKeyLength = 32

var (
	// ErrKeyTooShort is returned for keys below MinKeyLength.
	ErrKeyTooShort = fmt.Errorf("audit key must be at least %d bytes", MinKeyLength)

	// ErrKeyFilePermissions is returned when a key file is readable by
	// anyone other than its owner.
	ErrKeyFilePermissions = errors.New("key file has insecure permissions - must be 0600 or more restrictive")
)

// ParseKey decodes a hex encoded key and enforces MinKeyLength.
// Only hex is accepted so a passphrase cannot slip in as a key.
func ParseKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("audit key must be hex-encoded (%d+ hex characters): %w", MinKeyLength*2, err)
	}
	if len(key) < MinKeyLength {
		return nil, ErrKeyTooShort
	}
	return key, nil
}

// GenerateKey returns MinKeyLength random bytes.
func GenerateKey() ([]byte, error) {
	key := make([]byte, MinKeyLength)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate audit key: %w", err)
	}
	return key, nil
}

// LoadKeyFile reads a hex encoded key from path. The file must be private
// to its owner.
func LoadKeyFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat key file: %w", err)
	}
	if err := checkKeyFilePermissions(info, path); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	key, err := ParseKey(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return key, nil
}

// GenerateKeyFile writes a fresh key to path with owner-only permissions
// and returns it. An existing file is left alone unless force is set.
func GenerateKeyFile(path string, force bool) ([]byte, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return nil, fmt.Errorf("key file %s already exists", path)
		}
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := util.AtomicWriteFileWithDir(path, []byte(hex.EncodeToString(key)+"\n"), 0600, 0700); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return key, nil
}
