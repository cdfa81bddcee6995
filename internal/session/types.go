// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"time"

	"github.com/jeranaias/sessionguard/internal/store"
	"github.com/jeranaias/sessionguard/internal/util"
	"github.com/jeranaias/sessionguard/internal/validation"
)

// =============================================================================
// STATE
// =============================================================================

// State is the tracker's phase.
type State int

const (
	StateActive State = iota
	StateWarning
	StateExpired
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateWarning:
		return "warning"
	case StateExpired:
		return "expired"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// MarshalText lets State render by name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// =============================================================================
// ACTIVITY
// =============================================================================

// ActivityEvent is a kind of user interaction that counts as activity.
type ActivityEvent int

const (
	ActivityPointerDown ActivityEvent = iota
	ActivityPointerMove
	ActivityKeyDown
	ActivityScroll
	ActivityTouchStart
	ActivityClick
	ActivityWheel
)

var activityNames = [...]string{
	ActivityPointerDown: "pointerdown",
	ActivityPointerMove: "pointermove",
	ActivityKeyDown:     "keydown",
	ActivityScroll:      "scroll",
	ActivityTouchStart:  "touchstart",
	ActivityClick:       "click",
	ActivityWheel:       "wheel",
}

func (e ActivityEvent) String() string {
	if e < 0 || int(e) >= len(activityNames) {
		return "unknown"
	}
	return activityNames[e]
}

func (e ActivityEvent) valid() bool {
	return e >= 0 && int(e) < len(activityNames)
}

// =============================================================================
// CONFIG
// =============================================================================

const (
	// DefaultTimeout is the inactivity period before logout.
	DefaultTimeout = 15 * time.Minute

	// DefaultWarningDuration is how long the warning shows before logout.
	DefaultWarningDuration = time.Minute

	// DefaultStorageKey is the store key shared by cooperating trackers.
	DefaultStorageKey = "sessionguard:session:last_activity"
)

// Config holds the timeout policy.
type Config struct {
	Timeout         time.Duration `validate:"gt=0"`
	WarningDuration time.Duration `validate:"gte=0,ltefield=Timeout"`
	StorageKey      string        `validate:"required"`
	Enabled         bool
}

// DefaultConfig returns a 15 minute timeout with a one minute warning.
func DefaultConfig() Config {
	return Config{
		Timeout:         DefaultTimeout,
		WarningDuration: DefaultWarningDuration,
		StorageKey:      DefaultStorageKey,
		Enabled:         true,
	}
}

// Validate rejects a non-positive timeout or a warning longer than it.
func (c Config) Validate() error {
	return validation.Struct(c)
}

// warnAfter is the idle time at which the warning phase starts.
func (c Config) warnAfter() time.Duration {
	return c.Timeout - c.WarningDuration
}

// =============================================================================
// RECORD
// =============================================================================

// Record is the persisted form of a tracker's last activity.
type Record struct {
	LastActivityMs int64  `json:"last_activity_ms"`
	TimeoutMs      int64  `json:"timeout_ms"`
	WarningMs      int64  `json:"warning_ms"`
	Origin         string `json:"origin"`
}

// LastActivity returns the recorded activity time.
func (r Record) LastActivity() time.Time {
	return util.FromEpochMillis(r.LastActivityMs)
}

// Timeout returns the timeout the writer was configured with.
func (r Record) Timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// Remaining returns the time left before the writer's session expires.
func (r Record) Remaining(now time.Time) time.Duration {
	d := r.LastActivity().Add(r.Timeout()).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// ReadRecord loads the record stored at key.
func ReadRecord(ctx context.Context, s store.Store, key string) (Record, error) {
	data, err := s.Get(ctx, key)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := store.Decode(data, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}
