// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ui implements the interactive session screen.
//
// WatchModel is a Bubble Tea model around a provider.SessionProvider. Keys
// and mouse input count as activity, the inactivity warning is drawn with
// components.WarningDialog, and the program exits shortly after logout.
// Tracker callbacks arrive on timer goroutines; Bridge turns them into
// messages for the program.
//
// # Usage
//
//	bridge := ui.NewBridge()
//	sp, _ := provider.NewSessionProvider(cfg, bridge, bridge, ...)
//	_ = sp.Login()
//	p := tea.NewProgram(ui.NewWatchModel(sp, bridge), tea.WithAltScreen(), tea.WithMouseAllMotion())
//	_, err := p.Run()
package ui
