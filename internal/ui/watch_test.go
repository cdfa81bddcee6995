// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ui

import (
	"context"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/jeranaias/sessionguard/internal/clock"
	"github.com/jeranaias/sessionguard/internal/provider"
	"github.com/jeranaias/sessionguard/internal/session"
	"github.com/jeranaias/sessionguard/internal/store"
	"github.com/jeranaias/sessionguard/internal/ui/components"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

var testPolicy = session.Config{
	Timeout:         10 * time.Minute,
	WarningDuration: time.Minute,
	StorageKey:      "test:session",
	Enabled:         true,
}

type env struct {
	clock    *clock.Manual
	store    *store.MemoryStore
	bridge   *Bridge
	provider *provider.SessionProvider
}

func newEnv(t *testing.T) (*env, WatchModel) {
	t.Helper()
	e := &env{
		clock:  clock.NewManual(epoch),
		store:  store.NewMemoryStore(),
		bridge: NewBridge(),
	}
	sp, err := provider.NewSessionProvider(testPolicy, e.bridge, e.bridge,
		provider.WithTrackerOptions(session.WithClock(e.clock), session.WithStore(e.store)))
	require.NoError(t, err)
	require.NoError(t, sp.Login())
	t.Cleanup(func() { _ = sp.Close() })
	e.provider = sp
	return e, NewWatchModel(sp, e.bridge, WithExitDelay(0))
}

func update(t *testing.T, m WatchModel, msg tea.Msg) (WatchModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	wm, ok := next.(WatchModel)
	require.True(t, ok)
	return wm, cmd
}

// pump feeds every queued bridge message to the model.
func pump(t *testing.T, e *env, m WatchModel) WatchModel {
	t.Helper()
	for {
		select {
		case msg := <-e.bridge.ch:
			m, _ = update(t, m, msg)
		default:
			return m
		}
	}
}

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestWatchModel_KeyIsActivity(t *testing.T) {
	e, m := newEnv(t)

	e.clock.Advance(5 * time.Minute)
	m, _ = update(t, m, runes("x"))

	assert.Equal(t, 10*time.Minute, e.provider.TimeRemaining())
	assert.Contains(t, m.View(), "active")
	assert.Contains(t, m.View(), "10:00")
}

func TestWatchModel_MouseIsActivity(t *testing.T) {
	e, m := newEnv(t)

	e.clock.Advance(3 * time.Minute)
	m, _ = update(t, m, tea.MouseMsg{Type: tea.MouseMotion})
	assert.Equal(t, 10*time.Minute, e.provider.TimeRemaining())

	e.clock.Advance(3 * time.Minute)
	_, _ = update(t, m, tea.MouseMsg{Type: tea.MouseRelease})
	assert.Equal(t, 7*time.Minute, e.provider.TimeRemaining(), "release is not activity")
}

func TestWatchModel_WarningAndStay(t *testing.T) {
	e, m := newEnv(t)

	e.clock.Advance(9 * time.Minute)
	m = pump(t, e, m)
	require.True(t, e.provider.IsWarningVisible())
	assert.Contains(t, m.View(), "Session Timeout Warning")
	assert.Contains(t, m.View(), "1:00")

	// Ordinary input does not dismiss the warning.
	m, cmd := update(t, m, runes("x"))
	assert.Nil(t, cmd)
	assert.True(t, e.provider.IsWarningVisible())

	m, cmd = update(t, m, runes("s"))
	require.NotNil(t, cmd)
	msg := cmd()
	assert.Equal(t, components.StayLoggedInMsg{}, msg)
	m, _ = update(t, m, msg)
	m = pump(t, e, m)

	assert.False(t, e.provider.IsWarningVisible())
	assert.Equal(t, 10*time.Minute, e.provider.TimeRemaining())
	assert.NotContains(t, m.View(), "Session Timeout Warning")
}

func TestWatchModel_TickUpdatesCountdown(t *testing.T) {
	e, m := newEnv(t)

	e.clock.Advance(9 * time.Minute)
	m = pump(t, e, m)
	e.clock.Advance(45 * time.Second)
	m, cmd := update(t, m, TickMsg{Time: epoch})
	assert.NotNil(t, cmd)
	assert.Contains(t, m.View(), "0:15")
}

func TestWatchModel_ExpiryQuits(t *testing.T) {
	e, m := newEnv(t)

	e.clock.Advance(10 * time.Minute)
	m = pump(t, e, m)

	assert.True(t, m.Expired())
	assert.Contains(t, m.View(), "Session Expired")
	assert.Equal(t, session.StateExpired, e.provider.Tracker().State())

	m, cmd := update(t, m, runes("x"))
	assert.Nil(t, cmd, "input after logout is ignored")

	m, cmd = update(t, m, exitMsg{})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
	assert.Equal(t, "", m.View())
}

func TestWatchModel_LogoutKey(t *testing.T) {
	e, m := newEnv(t)

	m, _ = update(t, m, runes("l"))
	m = pump(t, e, m)

	assert.True(t, m.Expired())
	assert.Equal(t, session.StateExpired, e.provider.Tracker().State())
}

func TestWatchModel_LogoutFromDialog(t *testing.T) {
	e, m := newEnv(t)

	e.clock.Advance(9 * time.Minute)
	m = pump(t, e, m)

	m, cmd := update(t, m, runes("l"))
	require.NotNil(t, cmd)
	m, _ = update(t, m, cmd())
	m = pump(t, e, m)
	assert.True(t, m.Expired())
}

func TestWatchModel_Quit(t *testing.T) {
	_, m := newEnv(t)

	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
}

func TestWatchModel_WakeResyncsFromStore(t *testing.T) {
	e, m := newEnv(t)
	m, _ = update(t, m, TickMsg{Time: epoch})

	e.clock.Advance(9 * time.Minute)
	m = pump(t, e, m)
	require.True(t, e.provider.IsWarningVisible())

	// Another terminal starts while this one shows the warning. The
	// update is not adopted during the warning.
	other, err := session.NewTracker(testPolicy, session.WithClock(e.clock), session.WithStore(e.store))
	require.NoError(t, err)
	other.Start()
	t.Cleanup(func() { _ = other.Close() })
	require.True(t, e.provider.IsWarningVisible())

	// A long gap between ticks is treated as a wake from sleep.
	m, _ = update(t, m, TickMsg{Time: epoch.Add(time.Minute)})

	assert.False(t, e.provider.IsWarningVisible())
	assert.Equal(t, 10*time.Minute, e.provider.TimeRemaining())
	assert.NotContains(t, m.View(), "Session Timeout Warning")
}

func TestWatchModel_WindowSize(t *testing.T) {
	_, m := newEnv(t)
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})
	assert.Equal(t, 120, m.width)
	assert.Equal(t, 120, m.help.Width)
}

func TestBridge_LogoutHonoursContext(t *testing.T) {
	b := &Bridge{ch: make(chan tea.Msg)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Logout(ctx), context.Canceled)
}

func TestBridge_WaitDelivers(t *testing.T) {
	b := NewBridge()
	b.Show(30 * time.Second)
	assert.Equal(t, WarningShownMsg{Remaining: 30 * time.Second}, b.Wait()())
}
