// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package validation

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type window struct {
	Timeout time.Duration `toml:"timeout" validate:"gt=0"`
	Warning time.Duration `toml:"warning" validate:"gte=0,ltefield=Timeout"`
	Key     string        `validate:"required"`
	Driver  string        `toml:"driver,omitempty" validate:"oneof=memory file"`
}

func TestStruct_Valid(t *testing.T) {
	err := Struct(window{Timeout: time.Minute, Warning: time.Minute, Key: "k", Driver: "file"})
	assert.NoError(t, err)
}

func TestStruct_ReportsEveryField(t *testing.T) {
	err := Struct(window{Timeout: time.Minute, Warning: 2 * time.Minute, Driver: "etcd"})
	require.Error(t, err)

	var errs ValidateErrors
	require.True(t, errors.As(err, &errs))
	require.Len(t, errs, 3)

	assert.Equal(t, "warning", errs[0].Field)
	assert.Equal(t, "must not exceed Timeout", errs[0].Message)
	assert.Equal(t, "Key", errs[1].Field)
	assert.Equal(t, "is required", errs[1].Message)
	assert.Equal(t, "driver", errs[2].Field)
	assert.Equal(t, "must be one of: memory, file", errs[2].Message)
}

func TestStruct_DurationMessage(t *testing.T) {
	err := Struct(window{Key: "k", Driver: "memory"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout: must be greater than 0s")
}

func TestValidateErrors_Error(t *testing.T) {
	assert.Equal(t, "no validation errors", ValidateErrors{}.Error())
	errs := ValidateErrors{{Field: "a", Message: "x"}, {Field: "b", Message: "y"}}
	assert.Equal(t, "a: x; b: y", errs.Error())
}
