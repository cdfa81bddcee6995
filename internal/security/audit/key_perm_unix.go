//go:build !windows

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"fmt"
	"os"
)

func checkKeyFilePermissions(info os.FileInfo, path string) error {
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		return fmt.Errorf("%w: %s has mode %04o", ErrKeyFilePermissions, path, mode)
	}
	return nil
}
