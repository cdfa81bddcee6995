// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package styles

import (
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Theme describes the terminal's color capability.
type Theme struct {
	IsDark       bool
	HasTrueColor bool
	ColorProfile termenv.Profile
}

// NewTheme detects the capabilities of stdout.
func NewTheme() *Theme {
	profile := termenv.ColorProfile()
	return &Theme{
		IsDark:       termenv.HasDarkBackground(),
		HasTrueColor: profile == termenv.TrueColor,
		ColorProfile: profile,
	}
}

// ForWriter detects the capabilities of w. Non-terminal writers get no color.
func ForWriter(w io.Writer) *Theme {
	out := termenv.NewOutput(w)
	profile := out.EnvColorProfile()
	return &Theme{
		IsDark:       out.HasDarkBackground(),
		HasTrueColor: profile == termenv.TrueColor,
		ColorProfile: profile,
	}
}

// Apply makes lipgloss render with this theme's profile.
func (t *Theme) Apply() {
	lipgloss.SetColorProfile(t.ColorProfile)
	lipgloss.SetHasDarkBackground(t.IsDark)
}

// DisableColor switches lipgloss to plain ASCII output.
func DisableColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
}
