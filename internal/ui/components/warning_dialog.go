// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package components provides the terminal widgets used by session watch.
package components

import (
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/jeranaias/sessionguard/internal/ui/styles"
	"github.com/jeranaias/sessionguard/internal/util"
)

// =============================================================================
// KEY BINDINGS
// =============================================================================

// KeyMap holds the bindings for the session screen.
type KeyMap struct {
	Stay   key.Binding
	Logout key.Binding
	Quit   key.Binding
}

// DefaultKeyMap returns the standard bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Stay: key.NewBinding(
			key.WithKeys("s", "enter"),
			key.WithHelp("s/enter", "stay logged in"),
		),
		Logout: key.NewBinding(
			key.WithKeys("l"),
			key.WithHelp("l", "log out now"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// ShortHelp implements help.KeyMap.
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Stay, k.Logout, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

// =============================================================================
// WARNING DIALOG
// =============================================================================

// StayLoggedInMsg is sent when the user dismisses the warning.
type StayLoggedInMsg struct{}

// LogoutRequestedMsg is sent when the user chooses to log out from the dialog.
type LogoutRequestedMsg struct{}

// WarningDialog is the inactivity warning shown before logout. Unlike
// ordinary activity, only the Stay binding dismisses it.
type WarningDialog struct {
	visible   bool
	expired   bool
	remaining time.Duration
	keys      KeyMap

	width  int
	height int
}

// NewWarningDialog returns a hidden dialog.
func NewWarningDialog(keys KeyMap) WarningDialog {
	return WarningDialog{keys: keys}
}

// SetSize sets the area the dialog is centered in.
func (d *WarningDialog) SetSize(width, height int) {
	d.width = width
	d.height = height
}

// Show displays the warning with the given time remaining.
func (d *WarningDialog) Show(remaining time.Duration) {
	d.visible = true
	d.expired = false
	d.remaining = remaining
}

// Hide hides the dialog.
func (d *WarningDialog) Hide() {
	d.visible = false
	d.expired = false
}

// Expire switches the dialog to the logged-out notice.
func (d *WarningDialog) Expire() {
	d.visible = true
	d.expired = true
	d.remaining = 0
}

// SetRemaining updates the countdown.
func (d *WarningDialog) SetRemaining(remaining time.Duration) {
	d.remaining = remaining
}

// IsVisible reports whether the dialog is showing.
func (d WarningDialog) IsVisible() bool {
	return d.visible
}

// IsExpired reports whether the dialog shows the logged-out notice.
func (d WarningDialog) IsExpired() bool {
	return d.expired
}

// Remaining returns the countdown value.
func (d WarningDialog) Remaining() time.Duration {
	return d.remaining
}

// Update handles input while the dialog is visible.
func (d WarningDialog) Update(msg tea.Msg) (WarningDialog, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		d.width = msg.Width
		d.height = msg.Height

	case tea.KeyMsg:
		if !d.visible || d.expired {
			return d, nil
		}
		switch {
		case key.Matches(msg, d.keys.Stay):
			d.Hide()
			return d, func() tea.Msg { return StayLoggedInMsg{} }
		case key.Matches(msg, d.keys.Logout):
			return d, func() tea.Msg { return LogoutRequestedMsg{} }
		}
	}
	return d, nil
}

// View renders the dialog, or "" when hidden.
func (d WarningDialog) View() string {
	if !d.visible {
		return ""
	}
	if d.expired {
		return d.render(styles.Rose,
			styles.StatusIndicators.Error+" Session Expired",
			"You have been logged out due to inactivity.",
			"")
	}

	countdown := lipgloss.NewStyle().Foreground(styles.Amber).Bold(true).
		Render(util.FormatCountdown(d.remaining))
	return d.render(styles.Amber,
		styles.StatusIndicators.Warning+" Session Timeout Warning",
		"You will be logged out in "+countdown,
		"Press "+d.keys.Stay.Help().Key+" to stay logged in, "+d.keys.Logout.Help().Key+" to log out")
}

func (d WarningDialog) render(accent lipgloss.AdaptiveColor, title, message, hint string) string {
	width := d.width
	if width == 0 {
		width = 60
	}
	height := d.height
	if height == 0 {
		height = 24
	}

	maxWidth := width - 8
	if maxWidth < 40 {
		maxWidth = 40
	}
	if maxWidth > 60 {
		maxWidth = 60
	}

	parts := []string{
		lipgloss.NewStyle().Foreground(accent).Bold(true).Render(title),
		"",
		lipgloss.NewStyle().
			Foreground(styles.TextPrimary).
			Width(maxWidth - 8).
			Align(lipgloss.Center).
			Render(message),
	}
	if hint != "" {
		parts = append(parts, "", lipgloss.NewStyle().
			Foreground(styles.TextSecondary).
			Italic(true).
			Render(hint))
	}
	content := lipgloss.JoinVertical(lipgloss.Center, parts...)

	box := lipgloss.NewStyle().
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(accent).
		Padding(1, 3).
		Width(maxWidth).
		Align(lipgloss.Center).
		Render(content)

	return lipgloss.Place(
		width, height,
		lipgloss.Center, lipgloss.Center,
		box,
		lipgloss.WithWhitespaceBackground(styles.SurfaceDim),
	)
}
