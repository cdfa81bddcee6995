// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// EventType names an auditable event.
type EventType string

// Session events.
const (
	EventSessionStarted  EventType = "SESSION_STARTED"
	EventSessionWarning  EventType = "SESSION_WARNING"
	EventSessionExtended EventType = "SESSION_EXTENDED"
	EventSessionExpired  EventType = "SESSION_EXPIRED"
	EventSessionLogout   EventType = "SESSION_LOGOUT"
	EventSessionSynced   EventType = "SESSION_SYNCED"
	EventSessionDisabled EventType = "SESSION_DISABLED"
)

// Authentication events.
const (
	EventAuthAttempt    EventType = "AUTH_ATTEMPT"
	EventLockout        EventType = "AUTH_LOCKOUT"
	EventAttemptBlocked EventType = "AUTH_ATTEMPT_BLOCKED"
	EventUnlock         EventType = "AUTH_UNLOCK"
	EventReset          EventType = "AUTH_RESET"
)

// Event is a single audit record.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      EventType         `json:"event_type"`
	SessionID string            `json:"session_id,omitempty"`
	User      string            `json:"user,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// MAC chains this record to the previous one when the logger has a key.
	MAC string `json:"mac,omitempty"`
}

// ToLogLine formats the event for humans.
func (e *Event) ToLogLine() string {
	status := "SUCCESS"
	if !e.Success {
		status = "FAILURE"
		if e.Error != "" {
			status = "ERROR: " + e.Error
		}
	}
	return fmt.Sprintf("%s | %s | %s | %s | %s",
		e.Timestamp.Format("2006-01-02 15:04:05"),
		e.Type,
		e.SessionID,
		e.User,
		status,
	)
}

// Sink receives audit events.
type Sink interface {
	Log(event Event) error
}

// Record sends event to sink, stamping the time if unset. Failures are
// logged and never returned; auditing must not break the caller.
func Record(sink Sink, logger *zap.Logger, event Event) {
	if sink == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if err := sink.Log(event); err != nil && logger != nil {
		logger.Warn("audit write failed",
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
	}
}
