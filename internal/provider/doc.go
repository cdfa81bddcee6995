// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider connects the session and lockout trackers to an
// application.
//
// SessionProvider owns one session tracker per login and routes its
// callbacks to a WarningDialog and an Authenticator. LoginGuard wraps a
// credential Verifier with the lockout tracker so that refused and failed
// logins are counted the same way everywhere.
//
// # Usage
//
//	sp, err := provider.NewSessionProvider(cfg.SessionPolicy(), auth, dialog,
//	    provider.WithTrackerOptions(session.WithStore(st)))
//	if err != nil {
//	    return err
//	}
//	defer sp.Close()
//	if err := sp.Login(); err != nil {
//	    return err
//	}
//	sp.Observe(session.ActivityKeyDown)
package provider
