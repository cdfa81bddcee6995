// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session implements the inactivity timeout tracker.
//
// A Tracker runs a two-phase countdown from the last qualifying activity:
// after Timeout-WarningDuration it enters the warning phase and calls
// OnWarning, after Timeout it expires and calls OnTimeout. While the warning
// is visible passive activity is ignored; the user has to dismiss it.
//
// # Cross-tracker sync
//
// Every reset writes a Record to a store.Store key. Trackers sharing the key
// (browser tabs, terminals, processes) adopt newer activity from each other,
// so one idle instance does not log the user out while another is in use.
//
// # Usage
//
//	tr, err := session.NewTracker(session.DefaultConfig(),
//	    session.WithStore(st),
//	    session.WithOnWarning(dialog.Show),
//	    session.WithOnWarningCleared(dialog.Hide),
//	    session.WithOnTimeout(logout),
//	)
//	if err != nil {
//	    return err
//	}
//	tr.Start()
//	defer tr.Close()
//
//	tr.Observe(session.ActivityKeyDown)
package session
