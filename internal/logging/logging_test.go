// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_JSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")

	logger, err := New(Config{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("session expired", zap.String("session", "abc"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `"msg":"session expired"`)
	assert.Contains(t, out, `"session":"abc"`)
	assert.False(t, strings.Contains(out, "hidden"), "debug must be filtered at info level")
}

func TestNew_Defaults(t *testing.T) {
	logger, err := New(Config{})
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestNew_Invalid(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)

	_, err = New(Config{Format: "xml"})
	assert.Error(t, err)
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := zap.NewExample()
	assert.Same(t, l, OrNop(l))
}
