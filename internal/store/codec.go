// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// codec is std-compatible so records stay readable by encoding/json tools.
var codec = sonic.ConfigStd

// Encode serializes a persisted record.
func Encode(v any) ([]byte, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: encode: %w", err)
	}
	return data, nil
}

// Decode parses a persisted record into v.
func Decode(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("store: decode: empty payload")
	}
	if err := codec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("store: decode: %w", err)
	}
	return nil
}
