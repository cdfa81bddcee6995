// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jeranaias/sessionguard/internal/session"
	"go.uber.org/zap"
)

// DefaultLogoutTimeout bounds the Authenticator.Logout call made on timeout.
const DefaultLogoutTimeout = 10 * time.Second

// Authenticator ends the application session.
type Authenticator interface {
	Logout(ctx context.Context) error
}

// WarningDialog shows and hides the inactivity warning.
type WarningDialog interface {
	Show(remaining time.Duration)
	Hide()
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context) error

// Logout calls f(ctx).
func (f AuthenticatorFunc) Logout(ctx context.Context) error {
	return f(ctx)
}

type noDialog struct{}

func (noDialog) Show(time.Duration) {}
func (noDialog) Hide()              {}

// Option configures a SessionProvider.
type Option func(*SessionProvider)

// WithTrackerOptions passes options to every tracker the provider creates.
// Warning and timeout callbacks are owned by the provider and are overridden.
func WithTrackerOptions(opts ...session.Option) Option {
	return func(p *SessionProvider) {
		p.trackerOpts = append(p.trackerOpts, opts...)
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *SessionProvider) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithLogoutTimeout bounds the logout call. Zero disables the bound.
func WithLogoutTimeout(d time.Duration) Option {
	return func(p *SessionProvider) {
		p.logoutTimeout = d
	}
}

// SessionProvider runs one session tracker per login.
type SessionProvider struct {
	cfg           session.Config
	trackerOpts   []session.Option
	auth          Authenticator
	dialog        WarningDialog
	logger        *zap.Logger
	logoutTimeout time.Duration

	mu      sync.Mutex
	tracker *session.Tracker
	closed  bool
}

// NewSessionProvider validates cfg and returns a provider with no active
// session. A nil dialog is allowed.
func NewSessionProvider(cfg session.Config, auth Authenticator, dialog WarningDialog, opts ...Option) (*SessionProvider, error) {
	if auth == nil {
		return nil, fmt.Errorf("provider: authenticator is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("provider: %w", err)
	}
	if dialog == nil {
		dialog = noDialog{}
	}
	p := &SessionProvider{
		cfg:           cfg,
		auth:          auth,
		dialog:        dialog,
		logger:        zap.NewNop(),
		logoutTimeout: DefaultLogoutTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Login replaces any current tracker with a fresh one and starts it.
func (p *SessionProvider) Login() error {
	opts := make([]session.Option, 0, len(p.trackerOpts)+3)
	opts = append(opts, p.trackerOpts...)
	opts = append(opts,
		session.WithOnWarning(p.dialog.Show),
		session.WithOnWarningCleared(p.dialog.Hide),
		session.WithOnTimeout(p.onTimeout),
	)

	t, err := session.NewTracker(p.cfg, opts...)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = t.Close()
		return fmt.Errorf("provider: closed")
	}
	prev := p.tracker
	p.tracker = t
	p.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	p.dialog.Hide()
	t.Start()
	p.logger.Info("session started", zap.String("instance", t.ID()))
	return nil
}

// Tracker returns the current tracker, or nil before Login.
func (p *SessionProvider) Tracker() *session.Tracker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracker
}

// StayLoggedIn dismisses the warning and restarts the countdown.
func (p *SessionProvider) StayLoggedIn() {
	if t := p.Tracker(); t != nil {
		p.dialog.Hide()
		t.DismissWarning()
	}
}

// LogoutNow ends the session immediately.
func (p *SessionProvider) LogoutNow() {
	if t := p.Tracker(); t != nil {
		t.TriggerTimeout()
	}
}

// Observe forwards a user activity event.
func (p *SessionProvider) Observe(ev session.ActivityEvent) {
	if t := p.Tracker(); t != nil {
		t.Observe(ev)
	}
}

// SetVisible forwards a visibility change.
func (p *SessionProvider) SetVisible(visible bool) {
	if t := p.Tracker(); t != nil {
		t.SetVisible(visible)
	}
}

// IsWarningVisible reports whether the warning is showing.
func (p *SessionProvider) IsWarningVisible() bool {
	if t := p.Tracker(); t != nil {
		return t.IsWarningVisible()
	}
	return false
}

// TimeRemaining returns the time until logout, or zero with no session.
func (p *SessionProvider) TimeRemaining() time.Duration {
	if t := p.Tracker(); t != nil {
		return t.TimeRemaining()
	}
	return 0
}

// Close stops the current tracker. Further logins fail.
func (p *SessionProvider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	t := p.tracker
	p.tracker = nil
	p.mu.Unlock()

	if t != nil {
		return t.Close()
	}
	return nil
}

func (p *SessionProvider) onTimeout() {
	p.dialog.Hide()

	ctx := context.Background()
	if p.logoutTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.logoutTimeout)
		defer cancel()
	}
	if err := p.auth.Logout(ctx); err != nil {
		p.logger.Error("logout failed", zap.Error(err))
		return
	}
	p.logger.Info("session ended")
}
