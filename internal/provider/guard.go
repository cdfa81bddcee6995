// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jeranaias/sessionguard/internal/security"
	"github.com/jeranaias/sessionguard/internal/security/audit"
	"go.uber.org/zap"
)

var (
	// ErrLockedOut is returned while the lockout is in force.
	ErrLockedOut = errors.New("account locked out")

	// ErrInvalidCredentials is returned for a wrong user, password or code.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// LockedOutError carries the time left on a lockout. It matches ErrLockedOut.
type LockedOutError struct {
	Remaining time.Duration
}

func (e *LockedOutError) Error() string {
	return fmt.Sprintf("%s: try again in %s", ErrLockedOut, e.Remaining.Round(time.Second))
}

// Is reports whether target is ErrLockedOut.
func (e *LockedOutError) Is(target error) bool {
	return target == ErrLockedOut
}

// Verifier checks a credential set. It returns ErrInvalidCredentials (or an
// error wrapping it) for a rejected login; any other error is treated as an
// outage and not counted against the user.
type Verifier interface {
	Verify(ctx context.Context, username, password, code string) error
}

// Banner is what a login screen shows about the lockout.
type Banner struct {
	IsLockedOut            bool   `json:"is_locked_out"`
	Attempts               int    `json:"attempts"`
	RemainingAttempts      int    `json:"remaining_attempts"`
	FormattedTimeRemaining string `json:"formatted_time_remaining"`
	ShouldShowWarning      bool   `json:"should_show_warning"`
}

// Message returns the text for the banner, or "" when nothing is shown.
func (b Banner) Message() string {
	switch {
	case b.IsLockedOut:
		return fmt.Sprintf("Too many failed attempts. Try again in %s.", b.FormattedTimeRemaining)
	case b.ShouldShowWarning && b.RemainingAttempts == 1:
		return "Warning: 1 attempt remaining before lockout."
	case b.ShouldShowWarning:
		return fmt.Sprintf("Warning: %d attempts remaining before lockout.", b.RemainingAttempts)
	default:
		return ""
	}
}

// GuardOption configures a LoginGuard.
type GuardOption func(*LoginGuard)

// WithGuardLogger sets the diagnostic logger.
func WithGuardLogger(l *zap.Logger) GuardOption {
	return func(g *LoginGuard) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithGuardAudit records successful logins to sink. Failures are already
// audited by the lockout tracker.
func WithGuardAudit(sink audit.Sink) GuardOption {
	return func(g *LoginGuard) {
		g.audit = sink
	}
}

// LoginGuard applies the lockout policy to a Verifier.
type LoginGuard struct {
	lockout  *security.LockoutTracker
	verifier Verifier
	logger   *zap.Logger
	audit    audit.Sink
}

// NewLoginGuard returns a guard over lockout and verifier.
func NewLoginGuard(lockout *security.LockoutTracker, verifier Verifier, opts ...GuardOption) *LoginGuard {
	g := &LoginGuard{
		lockout:  lockout,
		verifier: verifier,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Attempt verifies a login. While locked out the credentials are not
// checked and a *LockedOutError is returned. A rejected login is counted
// and returns ErrInvalidCredentials, or a *LockedOutError if it triggered
// the lockout. Success clears the counter.
func (g *LoginGuard) Attempt(ctx context.Context, username, password, code string) error {
	if g.lockout.IsLockedOut() {
		g.lockout.RecordFailedAttempt()
		g.logger.Warn("login refused while locked out", zap.String("user", username))
		return &LockedOutError{Remaining: g.lockout.LockoutTimeRemaining()}
	}

	err := g.verifier.Verify(ctx, username, password, code)
	switch {
	case err == nil:
		g.lockout.ResetAttempts()
		g.logger.Info("login succeeded", zap.String("user", username))
		audit.Record(g.audit, g.logger, audit.Event{
			Type:    audit.EventAuthAttempt,
			User:    username,
			Success: true,
		})
		return nil

	case errors.Is(err, ErrInvalidCredentials):
		g.lockout.RecordFailedAttempt()
		g.logger.Info("login failed", zap.String("user", username),
			zap.Int("remaining_attempts", g.lockout.RemainingAttempts()))
		if g.lockout.IsLockedOut() {
			return &LockedOutError{Remaining: g.lockout.LockoutTimeRemaining()}
		}
		return ErrInvalidCredentials

	default:
		g.logger.Error("credential check failed", zap.String("user", username), zap.Error(err))
		return fmt.Errorf("verify credentials: %w", err)
	}
}

// Banner returns the current lockout banner.
func (g *LoginGuard) Banner() Banner {
	st := g.lockout.Status()
	return Banner{
		IsLockedOut:            st.IsLockedOut,
		Attempts:               st.Attempts,
		RemainingAttempts:      st.RemainingAttempts,
		FormattedTimeRemaining: st.FormattedTimeRemaining,
		ShouldShowWarning:      st.ShouldShowWarning,
	}
}
