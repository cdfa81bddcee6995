// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/jeranaias/sessionguard/internal/ui/styles"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(styles.Cyan)

	labelStyle = lipgloss.NewStyle().
			Foreground(styles.TextSecondary).
			Width(18)

	valueStyle = lipgloss.NewStyle().
			Foreground(styles.TextPrimary)
)

func printTitle(w io.Writer, title string) {
	fmt.Fprintln(w, titleStyle.Render(title))
}

func printField(w io.Writer, label, value string) {
	fmt.Fprintln(w, labelStyle.Render(label+":")+valueStyle.Render(value))
}
