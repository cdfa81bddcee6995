// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ui

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/jeranaias/sessionguard/internal/provider"
	"github.com/jeranaias/sessionguard/internal/session"
	"github.com/jeranaias/sessionguard/internal/ui/components"
	"github.com/jeranaias/sessionguard/internal/ui/styles"
	"github.com/jeranaias/sessionguard/internal/util"
)

const (
	// DefaultTickInterval is how often the countdown is redrawn.
	DefaultTickInterval = time.Second

	// DefaultExitDelay is how long the logged-out notice stays up.
	DefaultExitDelay = 2 * time.Second

	// wakeFactor ticks missed in a row are taken as a suspended terminal.
	wakeFactor = 3
)

// =============================================================================
// MESSAGES
// =============================================================================

// WarningShownMsg carries the tracker's warning callback.
type WarningShownMsg struct {
	Remaining time.Duration
}

// WarningHiddenMsg is sent when the provider hides the warning.
type WarningHiddenMsg struct{}

// SessionExpiredMsg is sent when the provider logs the user out.
type SessionExpiredMsg struct{}

// TickMsg redraws the countdown.
type TickMsg struct {
	Time time.Time
}

type exitMsg struct{}

// =============================================================================
// BRIDGE
// =============================================================================

// Bridge implements provider.WarningDialog and provider.Authenticator by
// queueing messages for the program.
type Bridge struct {
	ch chan tea.Msg
}

// NewBridge returns a bridge with a small buffer.
func NewBridge() *Bridge {
	return &Bridge{ch: make(chan tea.Msg, 32)}
}

// Show implements provider.WarningDialog.
func (b *Bridge) Show(remaining time.Duration) {
	b.send(WarningShownMsg{Remaining: remaining})
}

// Hide implements provider.WarningDialog.
func (b *Bridge) Hide() {
	b.send(WarningHiddenMsg{})
}

// Logout implements provider.Authenticator.
func (b *Bridge) Logout(ctx context.Context) error {
	select {
	case b.ch <- SessionExpiredMsg{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait returns a command that delivers the next queued message.
func (b *Bridge) Wait() tea.Cmd {
	return func() tea.Msg {
		return <-b.ch
	}
}

// send drops the message if the program has fallen far behind; the next
// tick re-reads the tracker state anyway.
func (b *Bridge) send(msg tea.Msg) {
	select {
	case b.ch <- msg:
	default:
	}
}

var (
	_ provider.WarningDialog = (*Bridge)(nil)
	_ provider.Authenticator = (*Bridge)(nil)
)

// =============================================================================
// MODEL
// =============================================================================

// WatchOption configures a WatchModel.
type WatchOption func(*WatchModel)

// WithTickInterval sets the redraw interval.
func WithTickInterval(d time.Duration) WatchOption {
	return func(m *WatchModel) {
		if d > 0 {
			m.tickInterval = d
		}
	}
}

// WithExitDelay sets how long the logged-out notice is shown.
func WithExitDelay(d time.Duration) WatchOption {
	return func(m *WatchModel) {
		m.exitDelay = d
	}
}

// WatchModel is the session screen.
type WatchModel struct {
	provider *provider.SessionProvider
	bridge   *Bridge
	keys     components.KeyMap
	dialog   components.WarningDialog
	help     help.Model

	status   session.Status
	lastTick time.Time
	expired  bool
	quitting bool

	tickInterval time.Duration
	exitDelay    time.Duration
	width        int
	height       int
}

// NewWatchModel returns a model over a logged-in provider.
func NewWatchModel(p *provider.SessionProvider, bridge *Bridge, opts ...WatchOption) WatchModel {
	keys := components.DefaultKeyMap()
	m := WatchModel{
		provider:     p,
		bridge:       bridge,
		keys:         keys,
		dialog:       components.NewWarningDialog(keys),
		help:         help.New(),
		tickInterval: DefaultTickInterval,
		exitDelay:    DefaultExitDelay,
	}
	for _, opt := range opts {
		opt(&m)
	}
	m.refresh()
	return m
}

// Init starts the tick loop and the bridge listener.
func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(m.bridge.Wait(), m.tick())
}

func (m WatchModel) tick() tea.Cmd {
	return tea.Tick(m.tickInterval, func(t time.Time) tea.Msg {
		return TickMsg{Time: t}
	})
}

// Update handles input, tracker events and ticks.
func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.dialog.SetSize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, m.keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
		if m.expired {
			return m, nil
		}
		if m.dialog.IsVisible() {
			var cmd tea.Cmd
			m.dialog, cmd = m.dialog.Update(msg)
			return m, cmd
		}
		if key.Matches(msg, m.keys.Logout) {
			m.provider.LogoutNow()
			m.refresh()
			return m, nil
		}
		m.provider.Observe(session.ActivityKeyDown)
		m.refresh()
		return m, nil

	case tea.MouseMsg:
		if ev, ok := mouseActivity(msg); ok && !m.expired {
			m.provider.Observe(ev)
			m.refresh()
		}
		return m, nil

	case components.StayLoggedInMsg:
		m.provider.StayLoggedIn()
		m.refresh()
		return m, nil

	case components.LogoutRequestedMsg:
		m.provider.LogoutNow()
		m.refresh()
		return m, nil

	case WarningShownMsg:
		if !m.expired {
			m.dialog.Show(msg.Remaining)
		}
		return m, m.bridge.Wait()

	case WarningHiddenMsg:
		if !m.expired {
			m.dialog.Hide()
		}
		return m, m.bridge.Wait()

	case SessionExpiredMsg:
		m.expired = true
		m.dialog.Expire()
		m.refresh()
		return m, tea.Tick(m.exitDelay, func(time.Time) tea.Msg { return exitMsg{} })

	case exitMsg:
		m.quitting = true
		return m, tea.Quit

	case TickMsg:
		if !m.lastTick.IsZero() && msg.Time.Sub(m.lastTick) > wakeFactor*m.tickInterval {
			// Timers may have been frozen while suspended; resync from the
			// shared store the way a hidden tab does when it comes back.
			m.provider.SetVisible(false)
			m.provider.SetVisible(true)
		}
		m.lastTick = msg.Time
		m.refresh()
		if m.quitting {
			return m, nil
		}
		return m, m.tick()
	}
	return m, nil
}

func (m *WatchModel) refresh() {
	t := m.provider.Tracker()
	if t == nil {
		return
	}
	m.status = t.Status()
	if m.dialog.IsVisible() && !m.dialog.IsExpired() {
		if !m.status.WarningVisible {
			m.dialog.Hide()
			return
		}
		m.dialog.SetRemaining(m.status.TimeRemaining)
	}
}

// Expired reports whether the session has ended.
func (m WatchModel) Expired() bool {
	return m.expired
}

// View renders the status screen or the dialog.
func (m WatchModel) View() string {
	if m.quitting {
		return ""
	}
	if m.dialog.IsVisible() {
		return m.dialog.View()
	}

	title := lipgloss.NewStyle().Foreground(styles.Cyan).Bold(true).Render("sessionguard")
	label := lipgloss.NewStyle().Foreground(styles.TextSecondary)

	var b strings.Builder
	b.WriteString(title + "\n\n")
	b.WriteString(label.Render("State:         ") + renderState(m.status.State) + "\n")
	b.WriteString(label.Render("Logs out in:   ") + util.FormatCountdown(m.status.TimeRemaining) + "\n")
	if !m.status.LastActivity.IsZero() {
		b.WriteString(label.Render("Last activity: ") + m.status.LastActivity.Format("15:04:05") + "\n")
	}
	b.WriteString(label.Render("Instance:      ") + shortID(m.status.InstanceID) + "\n\n")
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

func renderState(s session.State) string {
	style := lipgloss.NewStyle().Bold(true)
	switch s {
	case session.StateActive:
		style = style.Foreground(styles.Emerald)
	case session.StateWarning:
		style = style.Foreground(styles.Amber)
	case session.StateExpired:
		style = style.Foreground(styles.Rose)
	default:
		style = style.Foreground(styles.TextMuted)
	}
	return style.Render(s.String())
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func mouseActivity(msg tea.MouseMsg) (session.ActivityEvent, bool) {
	switch msg.Type {
	case tea.MouseMotion:
		return session.ActivityPointerMove, true
	case tea.MouseLeft:
		return session.ActivityClick, true
	case tea.MouseRight, tea.MouseMiddle:
		return session.ActivityPointerDown, true
	case tea.MouseWheelUp, tea.MouseWheelDown:
		return session.ActivityWheel, true
	default:
		return 0, false
	}
}
