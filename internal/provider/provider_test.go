// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jeranaias/sessionguard/internal/clock"
	"github.com/jeranaias/sessionguard/internal/security"
	"github.com/jeranaias/sessionguard/internal/security/audit"
	"github.com/jeranaias/sessionguard/internal/session"
	"github.com/jeranaias/sessionguard/internal/store"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

var epoch = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

// =============================================================================
// SESSION PROVIDER
// =============================================================================

type fakeDialog struct {
	mu      sync.Mutex
	visible bool
	shown   []time.Duration
}

func (d *fakeDialog) Show(remaining time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.visible = true
	d.shown = append(d.shown, remaining)
}

func (d *fakeDialog) Hide() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.visible = false
}

func (d *fakeDialog) isVisible() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visible
}

type fakeAuth struct {
	mu      sync.Mutex
	logouts int
	err     error
}

func (a *fakeAuth) Logout(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logouts++
	return a.err
}

func (a *fakeAuth) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.logouts
}

func newProvider(t *testing.T, clk *clock.Manual, auth Authenticator, dialog WarningDialog) *SessionProvider {
	t.Helper()
	cfg := session.Config{
		Timeout:         10 * time.Minute,
		WarningDuration: time.Minute,
		StorageKey:      "test:session",
		Enabled:         true,
	}
	p, err := NewSessionProvider(cfg, auth, dialog,
		WithLogger(zaptest.NewLogger(t)),
		WithTrackerOptions(
			session.WithClock(clk),
			session.WithStore(store.NewMemoryStore()),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestNewSessionProvider_Validates(t *testing.T) {
	_, err := NewSessionProvider(session.DefaultConfig(), nil, nil)
	assert.Error(t, err)

	bad := session.DefaultConfig()
	bad.WarningDuration = bad.Timeout + time.Second
	_, err = NewSessionProvider(bad, &fakeAuth{}, nil)
	assert.Error(t, err)
}

func TestSessionProvider_NoSessionBeforeLogin(t *testing.T) {
	p := newProvider(t, clock.NewManual(epoch), &fakeAuth{}, nil)

	assert.Nil(t, p.Tracker())
	assert.False(t, p.IsWarningVisible())
	assert.Zero(t, p.TimeRemaining())
	p.Observe(session.ActivityKeyDown)
	p.StayLoggedIn()
	p.LogoutNow()
}

func TestSessionProvider_WarningThenLogout(t *testing.T) {
	clk := clock.NewManual(epoch)
	auth := &fakeAuth{}
	dialog := &fakeDialog{}
	p := newProvider(t, clk, auth, dialog)
	require.NoError(t, p.Login())

	clk.Advance(9 * time.Minute)
	assert.True(t, p.IsWarningVisible())
	assert.True(t, dialog.isVisible())
	assert.Equal(t, []time.Duration{time.Minute}, dialog.shown)
	assert.Equal(t, 0, auth.count())

	clk.Advance(time.Minute)
	assert.False(t, dialog.isVisible())
	assert.Equal(t, 1, auth.count())
	assert.Equal(t, session.StateExpired, p.Tracker().State())
}

func TestSessionProvider_StayLoggedIn(t *testing.T) {
	clk := clock.NewManual(epoch)
	auth := &fakeAuth{}
	dialog := &fakeDialog{}
	p := newProvider(t, clk, auth, dialog)
	require.NoError(t, p.Login())

	clk.Advance(9*time.Minute + 30*time.Second)
	require.True(t, dialog.isVisible())

	p.StayLoggedIn()
	assert.False(t, dialog.isVisible())
	assert.False(t, p.IsWarningVisible())
	assert.Equal(t, 10*time.Minute, p.TimeRemaining())

	clk.Advance(5 * time.Minute)
	assert.Equal(t, 0, auth.count())
}

func TestSessionProvider_ResyncHidesStaleWarning(t *testing.T) {
	clk := clock.NewManual(epoch)
	st := store.NewMemoryStore()
	dialog := &fakeDialog{}
	cfg := session.Config{
		Timeout:         10 * time.Minute,
		WarningDuration: time.Minute,
		StorageKey:      "test:session",
		Enabled:         true,
	}
	p, err := NewSessionProvider(cfg, &fakeAuth{}, dialog,
		WithLogger(zaptest.NewLogger(t)),
		WithTrackerOptions(session.WithClock(clk), session.WithStore(st)),
	)
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.Login())

	clk.Advance(9 * time.Minute)
	require.True(t, dialog.isVisible())

	// Another terminal saw activity while this one showed the warning.
	data, err := store.Encode(session.Record{
		LastActivityMs: epoch.Add(8*time.Minute + 30*time.Second).UnixMilli(),
		Origin:         "other",
	})
	require.NoError(t, err)
	require.NoError(t, st.Set(context.Background(), cfg.StorageKey, data))
	require.True(t, dialog.isVisible(), "a visible warning is not dropped by sync alone")

	p.SetVisible(false)
	p.SetVisible(true)
	assert.False(t, p.IsWarningVisible())
	assert.False(t, dialog.isVisible())
	assert.Equal(t, session.StateActive, p.Tracker().State())
}

func TestSessionProvider_LogoutNow(t *testing.T) {
	clk := clock.NewManual(epoch)
	auth := &fakeAuth{}
	p := newProvider(t, clk, auth, &fakeDialog{})
	require.NoError(t, p.Login())

	p.LogoutNow()
	assert.Equal(t, 1, auth.count())
	assert.Zero(t, p.TimeRemaining())

	p.LogoutNow()
	assert.Equal(t, 1, auth.count(), "logout fires once per session")
}

func TestSessionProvider_LoginStartsFreshTracker(t *testing.T) {
	clk := clock.NewManual(epoch)
	auth := &fakeAuth{}
	p := newProvider(t, clk, auth, &fakeDialog{})
	require.NoError(t, p.Login())
	first := p.Tracker()

	p.LogoutNow()
	require.NoError(t, p.Login())
	second := p.Tracker()

	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, session.StateActive, second.State())
	assert.Equal(t, 10*time.Minute, p.TimeRemaining())
}

func TestSessionProvider_LogoutErrorIsNotFatal(t *testing.T) {
	clk := clock.NewManual(epoch)
	auth := &fakeAuth{err: errors.New("idp unavailable")}
	p := newProvider(t, clk, auth, &fakeDialog{})
	require.NoError(t, p.Login())

	clk.Advance(10 * time.Minute)
	assert.Equal(t, 1, auth.count())
	assert.Equal(t, session.StateExpired, p.Tracker().State())
}

func TestSessionProvider_ClosedRejectsLogin(t *testing.T) {
	clk := clock.NewManual(epoch)
	p := newProvider(t, clk, &fakeAuth{}, nil)
	require.NoError(t, p.Login())
	require.NoError(t, p.Close())

	assert.Zero(t, clk.Pending())
	assert.Error(t, p.Login())
	assert.NoError(t, p.Close())
}

// =============================================================================
// LOGIN GUARD
// =============================================================================

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *recordingSink) Log(e audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func hash(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

type countingVerifier struct {
	calls int
	err   error
}

func (v *countingVerifier) Verify(context.Context, string, string, string) error {
	v.calls++
	return v.err
}

func newGuard(t *testing.T, clk *clock.Manual, v Verifier, opts ...GuardOption) (*LoginGuard, *security.LockoutTracker) {
	t.Helper()
	lt, err := security.NewLockoutTracker(security.DefaultLockoutConfig(),
		security.WithLockoutClock(clk),
		security.WithLockoutStore(store.NewMemoryStore()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lt.Close() })
	return NewLoginGuard(lt, v, append([]GuardOption{WithGuardLogger(zaptest.NewLogger(t))}, opts...)...), lt
}

func TestLoginGuard_LocksAfterMaxFailures(t *testing.T) {
	clk := clock.NewManual(epoch)
	v := NewStaticVerifier()
	require.NoError(t, v.Add("alice", hash(t, "correct"), ""))
	g, lt := newGuard(t, clk, v)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		err := g.Attempt(ctx, "alice", "wrong", "")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}
	banner := g.Banner()
	assert.True(t, banner.ShouldShowWarning)
	assert.Equal(t, "Warning: 1 attempt remaining before lockout.", banner.Message())

	err := g.Attempt(ctx, "alice", "wrong", "")
	require.ErrorIs(t, err, ErrLockedOut)
	var locked *LockedOutError
	require.True(t, errors.As(err, &locked))
	assert.Equal(t, 5*time.Minute, locked.Remaining)

	// Correct credentials are not even checked while locked.
	err = g.Attempt(ctx, "alice", "correct", "")
	assert.ErrorIs(t, err, ErrLockedOut)
	assert.Equal(t, 5, lt.Attempts())

	banner = g.Banner()
	assert.True(t, banner.IsLockedOut)
	assert.Equal(t, "Too many failed attempts. Try again in 5:00.", banner.Message())

	clk.Advance(5 * time.Minute)
	require.NoError(t, g.Attempt(ctx, "alice", "correct", ""))
	assert.Equal(t, 0, lt.Attempts())
	assert.Equal(t, "", g.Banner().Message())
}

func TestLoginGuard_SuccessResetsCounter(t *testing.T) {
	clk := clock.NewManual(epoch)
	v := NewStaticVerifier()
	require.NoError(t, v.Add("alice", hash(t, "correct"), ""))
	sink := &recordingSink{}
	g, lt := newGuard(t, clk, v, WithGuardAudit(sink))
	ctx := context.Background()

	require.ErrorIs(t, g.Attempt(ctx, "alice", "nope", ""), ErrInvalidCredentials)
	require.ErrorIs(t, g.Attempt(ctx, "mallory", "correct", ""), ErrInvalidCredentials)
	assert.Equal(t, 2, lt.Attempts())

	require.NoError(t, g.Attempt(ctx, "alice", "correct", ""))
	assert.Equal(t, 0, lt.Attempts())

	require.Len(t, sink.events, 1)
	assert.Equal(t, audit.EventAuthAttempt, sink.events[0].Type)
	assert.Equal(t, "alice", sink.events[0].User)
	assert.True(t, sink.events[0].Success)
}

func TestLoginGuard_VerifierOutageNotCounted(t *testing.T) {
	clk := clock.NewManual(epoch)
	v := &countingVerifier{err: errors.New("directory unreachable")}
	g, lt := newGuard(t, clk, v)

	err := g.Attempt(context.Background(), "alice", "pw", "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, 1, v.calls)
	assert.Equal(t, 0, lt.Attempts())
}

func TestLoginGuard_WrappedInvalidCredentialsCounted(t *testing.T) {
	clk := clock.NewManual(epoch)
	v := &countingVerifier{err: errors.Join(ErrInvalidCredentials, errors.New("ldap: 49"))}
	g, lt := newGuard(t, clk, v)

	assert.ErrorIs(t, g.Attempt(context.Background(), "alice", "pw", ""), ErrInvalidCredentials)
	assert.Equal(t, 1, lt.Attempts())
}

func TestBanner_Message(t *testing.T) {
	tests := []struct {
		name   string
		banner Banner
		want   string
	}{
		{"quiet", Banner{RemainingAttempts: 4}, ""},
		{"warning", Banner{RemainingAttempts: 2, ShouldShowWarning: true}, "Warning: 2 attempts remaining before lockout."},
		{"locked", Banner{IsLockedOut: true, FormattedTimeRemaining: "4:59"}, "Too many failed attempts. Try again in 4:59."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.banner.Message())
		})
	}
}

// =============================================================================
// STATIC VERIFIER
// =============================================================================

func TestStaticVerifier_Add(t *testing.T) {
	v := NewStaticVerifier()
	assert.Error(t, v.Add("", hash(t, "x"), ""))
	assert.Error(t, v.Add("alice", "plaintext", ""))
	assert.NoError(t, v.Add("alice", hash(t, "x"), ""))
	assert.False(t, v.RequiresCode("alice"))
}

func TestStaticVerifier_TOTP(t *testing.T) {
	const secret = "JBSWY3DPEHPK3PXP"
	now := time.Date(2025, 6, 1, 8, 0, 15, 0, time.UTC)

	v := NewStaticVerifier()
	v.now = func() time.Time { return now }
	require.NoError(t, v.Add("bob", hash(t, "pw"), secret))
	assert.True(t, v.RequiresCode("bob"))

	code, err := totp.GenerateCode(secret, now)
	require.NoError(t, err)

	ctx := context.Background()
	assert.NoError(t, v.Verify(ctx, "bob", "pw", code))
	assert.ErrorIs(t, v.Verify(ctx, "bob", "pw", ""), ErrInvalidCredentials)
	wrong := []byte(code)
	wrong[0] = '0' + (wrong[0]-'0'+1)%10
	assert.ErrorIs(t, v.Verify(ctx, "bob", "pw", string(wrong)), ErrInvalidCredentials)
	assert.ErrorIs(t, v.Verify(ctx, "bob", "bad", code), ErrInvalidCredentials)

	stale, err := totp.GenerateCode(secret, now.Add(-5*time.Minute))
	require.NoError(t, err)
	if stale != code {
		assert.ErrorIs(t, v.Verify(ctx, "bob", "pw", stale), ErrInvalidCredentials)
	}
}

func TestStaticVerifier_CancelledContext(t *testing.T) {
	v := NewStaticVerifier()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, v.Verify(ctx, "alice", "pw", ""), context.Canceled)
}

func TestHashPassword(t *testing.T) {
	h, err := HashPassword("hunter2")
	require.NoError(t, err)

	v := NewStaticVerifier()
	require.NoError(t, v.Add("carol", h, ""))
	assert.NoError(t, v.Verify(context.Background(), "carol", "hunter2", ""))
}
