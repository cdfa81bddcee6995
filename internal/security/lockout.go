// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security implements the account lockout tracker.
//
// The tracker counts consecutive failed authentication attempts. Reaching
// MaxAttempts locks the account for LockoutDuration; attempts older than
// AttemptWindow are forgotten. State lives in a store.Store so it survives
// restarts and is shared by every tracker using the same key.
package security

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/jeranaias/sessionguard/internal/clock"
	"github.com/jeranaias/sessionguard/internal/metrics"
	"github.com/jeranaias/sessionguard/internal/security/audit"
	"github.com/jeranaias/sessionguard/internal/store"
	"github.com/jeranaias/sessionguard/internal/util"
	"github.com/jeranaias/sessionguard/internal/validation"
	"go.uber.org/zap"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultMaxAttempts is the number of failures that triggers a lockout.
	DefaultMaxAttempts = 5

	// DefaultLockoutDuration is how long a lockout lasts.
	DefaultLockoutDuration = 5 * time.Minute

	// DefaultAttemptWindow is how long failures are remembered.
	DefaultAttemptWindow = 15 * time.Minute

	// DefaultLockoutKey is the store key for persisted state.
	DefaultLockoutKey = "sessionguard:lockout"

	// WarningThreshold is the number of remaining attempts at or below which
	// the caller should warn the user.
	WarningThreshold = 2

	lockedSweepInterval = time.Second
	staleSweepInterval  = time.Minute
	storeTimeout        = 2 * time.Second
)

// Unlock reasons, as reported to metrics and audit.
const (
	UnlockExpired = "expired"
	UnlockStale   = "stale"
	UnlockReset   = "reset"
	UnlockSynced  = "synced"
)

// =============================================================================
// STATE
// =============================================================================

// LockoutState is the persisted record. Times are epoch milliseconds.
type LockoutState struct {
	Attempts      int    `json:"attempts"`
	LockedUntil   *int64 `json:"locked_until"`
	LastAttemptAt *int64 `json:"last_attempt_at"`
}

func (s LockoutState) clone() LockoutState {
	out := LockoutState{Attempts: s.Attempts}
	if s.LockedUntil != nil {
		v := *s.LockedUntil
		out.LockedUntil = &v
	}
	if s.LastAttemptAt != nil {
		v := *s.LastAttemptAt
		out.LastAttemptAt = &v
	}
	return out
}

func (s LockoutState) isZero() bool {
	return s.Attempts == 0 && s.LockedUntil == nil && s.LastAttemptAt == nil
}

func (s LockoutState) valid() bool {
	return s.Attempts >= 0
}

func (s LockoutState) lockedUntil() time.Time {
	if s.LockedUntil == nil {
		return time.Time{}
	}
	return util.FromEpochMillis(*s.LockedUntil)
}

func (s LockoutState) lastAttempt() time.Time {
	if s.LastAttemptAt == nil {
		return time.Time{}
	}
	return util.FromEpochMillis(*s.LastAttemptAt)
}

// newerThan reports whether s describes later activity than other.
func (s LockoutState) newerThan(other LockoutState) bool {
	if s.LastAttemptAt == nil {
		return false
	}
	if other.LastAttemptAt == nil {
		return true
	}
	if *s.LastAttemptAt != *other.LastAttemptAt {
		return *s.LastAttemptAt > *other.LastAttemptAt
	}
	if s.Attempts != other.Attempts {
		return s.Attempts > other.Attempts
	}
	return s.LockedUntil != nil && other.LockedUntil == nil
}

func int64Ptr(v int64) *int64 {
	return &v
}

// =============================================================================
// CONFIG & OPTIONS
// =============================================================================

// LockoutConfig holds the lockout policy.
type LockoutConfig struct {
	MaxAttempts     int           `validate:"gt=0"`
	LockoutDuration time.Duration `validate:"gt=0"`
	AttemptWindow   time.Duration `validate:"gt=0"`
	StorageKey      string        `validate:"required"`
}

// DefaultLockoutConfig returns the default policy.
func DefaultLockoutConfig() LockoutConfig {
	return LockoutConfig{
		MaxAttempts:     DefaultMaxAttempts,
		LockoutDuration: DefaultLockoutDuration,
		AttemptWindow:   DefaultAttemptWindow,
		StorageKey:      DefaultLockoutKey,
	}
}

// Validate checks the policy.
func (c LockoutConfig) Validate() error {
	return validation.Struct(c)
}

// LockoutOption configures a LockoutTracker.
type LockoutOption func(*LockoutTracker)

// WithLockoutClock sets the time source.
func WithLockoutClock(c clock.Clock) LockoutOption {
	return func(t *LockoutTracker) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithLockoutStore sets the persistence store. The tracker does not close it.
func WithLockoutStore(s store.Store) LockoutOption {
	return func(t *LockoutTracker) {
		if s != nil {
			t.store = s
		}
	}
}

// WithLockoutLogger sets the diagnostic logger.
func WithLockoutLogger(l *zap.Logger) LockoutOption {
	return func(t *LockoutTracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithLockoutAudit sets the audit sink.
func WithLockoutAudit(s audit.Sink) LockoutOption {
	return func(t *LockoutTracker) {
		t.audit = s
	}
}

// WithLockoutMetrics sets the metrics collectors.
func WithLockoutMetrics(m *metrics.Metrics) LockoutOption {
	return func(t *LockoutTracker) {
		t.metrics = m
	}
}

// =============================================================================
// LOCKOUT TRACKER
// =============================================================================

// LockoutTracker enforces the lockout policy. It is safe for concurrent use.
type LockoutTracker struct {
	cfg     LockoutConfig
	clock   clock.Clock
	store   store.Store
	logger  *zap.Logger
	audit   audit.Sink
	metrics *metrics.Metrics
	report  *store.FailureReporter

	mu          sync.Mutex
	state       LockoutState
	sweep       clock.Timer
	sweepGen    uint64
	unsubscribe func()
	closed      bool

	// persistMu orders writes so the last write always carries the latest
	// state. It is never held while taking mu.
	persistMu sync.Mutex
}

// event is an audit or metrics side effect collected under the lock and
// emitted after it is released.
type event struct {
	typ    audit.EventType
	reason string
	meta   map[string]string
}

// NewLockoutTracker loads persisted state and starts tracking. Without
// WithLockoutStore the state lives in a private in-memory store.
func NewLockoutTracker(cfg LockoutConfig, opts ...LockoutOption) (*LockoutTracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &LockoutTracker{
		cfg:    cfg,
		clock:  clock.Real(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.store == nil {
		t.store = store.NewMemoryStore()
	}
	t.logger = t.logger.With(zap.String("component", "lockout"))
	t.report = store.NewFailureReporter(t.logger, t.metrics, time.Minute)

	t.load()

	cancel, err := t.store.Subscribe(cfg.StorageKey, t.onStoreChange)
	if err != nil {
		t.report.Report("subscribe", cfg.StorageKey, err)
	} else {
		t.mu.Lock()
		t.unsubscribe = cancel
		t.mu.Unlock()
	}

	t.mu.Lock()
	t.armSweepLocked()
	t.mu.Unlock()
	return t, nil
}

// load reads persisted state and applies the load-time expiry policies.
func (t *LockoutTracker) load() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	data, err := t.store.Get(ctx, t.cfg.StorageKey)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		t.report.Report("get", t.cfg.StorageKey, err)
		return
	}

	var st LockoutState
	if err := store.Decode(data, &st); err != nil || !st.valid() {
		t.metrics.IncStoreError("decode")
		t.logger.Warn("ignoring malformed lockout state", zap.ByteString("raw", data), zap.Error(err))
		return
	}

	t.mu.Lock()
	t.state = st
	events, changed := t.expireLocked(t.clock.Now())
	t.mu.Unlock()

	if changed {
		t.persist()
	}
	t.emit(events)
}

// =============================================================================
// OPERATIONS
// =============================================================================

// RecordFailedAttempt counts a failed authentication. Reaching MaxAttempts
// locks the account. Attempts made while locked are ignored.
func (t *LockoutTracker) RecordFailedAttempt() {
	t.mu.Lock()
	now := t.clock.Now()
	events, _ := t.expireLocked(now)

	if t.lockedLocked(now) {
		remaining := t.state.lockedUntil().Sub(now)
		t.mu.Unlock()

		t.emit(events)
		t.metrics.IncBlocked()
		t.logger.Info("attempt blocked while locked out", zap.Duration("remaining", remaining))
		t.emit([]event{{typ: audit.EventAttemptBlocked, meta: map[string]string{
			"time_remaining": remaining.String(),
		}}})
		return
	}

	t.state.Attempts++
	t.state.LastAttemptAt = int64Ptr(util.EpochMillis(now))
	attempts := t.state.Attempts

	events = append(events, event{typ: audit.EventAuthAttempt, meta: map[string]string{
		"attempt_count": strconv.Itoa(attempts) + "/" + strconv.Itoa(t.cfg.MaxAttempts),
	}})

	locked := false
	if attempts >= t.cfg.MaxAttempts {
		until := now.Add(t.cfg.LockoutDuration)
		t.state.LockedUntil = int64Ptr(util.EpochMillis(until))
		locked = true
		events = append(events, event{typ: audit.EventLockout, meta: map[string]string{
			"duration": t.cfg.LockoutDuration.String(),
			"until":    until.UTC().Format(time.RFC3339),
		}})
	}
	t.armSweepLocked()
	t.mu.Unlock()

	t.persist()

	t.metrics.IncFailedAttempt()
	if locked {
		t.metrics.IncLockout()
		t.logger.Warn("account locked out",
			zap.Int("attempts", attempts),
			zap.Duration("duration", t.cfg.LockoutDuration))
	} else {
		t.logger.Info("failed attempt recorded",
			zap.Int("attempts", attempts),
			zap.Int("max_attempts", t.cfg.MaxAttempts))
	}
	t.emit(events)
}

// ResetAttempts clears all state, typically after a successful login, and
// removes the persisted record.
func (t *LockoutTracker) ResetAttempts() {
	t.mu.Lock()
	had := !t.state.isZero()
	t.state = LockoutState{}
	t.armSweepLocked()
	t.mu.Unlock()

	t.persist()

	if had {
		t.metrics.IncUnlock(UnlockReset)
		t.logger.Info("lockout state reset")
	}
	t.emit([]event{{typ: audit.EventReset}})
}

// IsLockedOut reports whether a lockout is in force.
func (t *LockoutTracker) IsLockedOut() bool {
	st, now := t.snapshot()
	return st.LockedUntil != nil && now.Before(st.lockedUntil())
}

// Attempts returns the current failure count.
func (t *LockoutTracker) Attempts() int {
	st, _ := t.snapshot()
	return st.Attempts
}

// RemainingAttempts returns how many failures are left before a lockout.
func (t *LockoutTracker) RemainingAttempts() int {
	st, _ := t.snapshot()
	return remainingAttempts(t.cfg.MaxAttempts, st.Attempts)
}

// LockoutTimeRemaining returns the time until the lockout ends, or 0.
func (t *LockoutTracker) LockoutTimeRemaining() time.Duration {
	st, now := t.snapshot()
	return lockoutRemaining(st, now)
}

// ShouldShowWarning reports whether the user should be told that few
// attempts remain.
func (t *LockoutTracker) ShouldShowWarning() bool {
	return t.Status().ShouldShowWarning
}

// FormattedTimeRemaining renders LockoutTimeRemaining as m:ss.
func (t *LockoutTracker) FormattedTimeRemaining() string {
	return util.FormatCountdown(t.LockoutTimeRemaining())
}

// LockoutStatus is a point-in-time view of the tracker.
type LockoutStatus struct {
	IsLockedOut            bool          `json:"is_locked_out"`
	Attempts               int           `json:"attempts"`
	MaxAttempts            int           `json:"max_attempts"`
	RemainingAttempts      int           `json:"remaining_attempts"`
	LockoutTimeRemaining   time.Duration `json:"lockout_time_remaining"`
	FormattedTimeRemaining string        `json:"formatted_time_remaining"`
	ShouldShowWarning      bool          `json:"should_show_warning"`
	LockedUntil            time.Time     `json:"locked_until,omitempty"`
	LastAttemptAt          time.Time     `json:"last_attempt_at,omitempty"`
}

// Status returns every derived value from a single consistent snapshot.
func (t *LockoutTracker) Status() LockoutStatus {
	st, now := t.snapshot()
	remaining := lockoutRemaining(st, now)
	locked := remaining > 0
	left := remainingAttempts(t.cfg.MaxAttempts, st.Attempts)

	return LockoutStatus{
		IsLockedOut:            locked,
		Attempts:               st.Attempts,
		MaxAttempts:            t.cfg.MaxAttempts,
		RemainingAttempts:      left,
		LockoutTimeRemaining:   remaining,
		FormattedTimeRemaining: util.FormatCountdown(remaining),
		ShouldShowWarning:      left <= WarningThreshold && !locked,
		LockedUntil:            st.lockedUntil(),
		LastAttemptAt:          st.lastAttempt(),
	}
}

// State returns a copy of the current persisted-form state.
func (t *LockoutTracker) State() LockoutState {
	st, _ := t.snapshot()
	return st
}

// Config returns the policy the tracker was built with.
func (t *LockoutTracker) Config() LockoutConfig {
	return t.cfg
}

// Close stops the sweep and the store subscription. It does not close the
// store.
func (t *LockoutTracker) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.stopSweepLocked()
	unsubscribe := t.unsubscribe
	t.unsubscribe = nil
	t.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	return nil
}

func remainingAttempts(max, attempts int) int {
	if left := max - attempts; left > 0 {
		return left
	}
	return 0
}

func lockoutRemaining(st LockoutState, now time.Time) time.Duration {
	if st.LockedUntil == nil {
		return 0
	}
	if d := st.lockedUntil().Sub(now); d > 0 {
		return d
	}
	return 0
}

// =============================================================================
// EXPIRY
// =============================================================================

// snapshot applies lazy expiry and returns the resulting state with the time
// it was evaluated at.
func (t *LockoutTracker) snapshot() (LockoutState, time.Time) {
	t.mu.Lock()
	now := t.clock.Now()
	events, changed := t.expireLocked(now)
	if changed {
		t.armSweepLocked()
	}
	st := t.state.clone()
	t.mu.Unlock()

	if changed {
		t.persist()
	}
	t.emit(events)
	return st, now
}

func (t *LockoutTracker) lockedLocked(now time.Time) bool {
	return t.state.LockedUntil != nil && now.Before(t.state.lockedUntil())
}

// expireLocked clears an elapsed lockout, or attempts older than the window.
// A lockout in force takes precedence over window staleness.
func (t *LockoutTracker) expireLocked(now time.Time) ([]event, bool) {
	st := t.state
	switch {
	case st.LockedUntil != nil:
		if now.Before(st.lockedUntil()) {
			return nil, false
		}
		t.state = LockoutState{}
		return []event{{typ: audit.EventUnlock, reason: UnlockExpired}}, true

	case st.Attempts > 0 || st.LastAttemptAt != nil:
		if st.LastAttemptAt != nil && now.Sub(st.lastAttempt()) < t.cfg.AttemptWindow {
			return nil, false
		}
		t.state = LockoutState{}
		return []event{{typ: audit.EventUnlock, reason: UnlockStale}}, true
	}
	return nil, false
}

// armSweepLocked schedules the next periodic expiry check: every second while
// locked, every minute while attempts are pending, never otherwise.
func (t *LockoutTracker) armSweepLocked() {
	t.stopSweepLocked()
	if t.closed {
		return
	}

	var interval time.Duration
	switch {
	case t.state.LockedUntil != nil:
		interval = lockedSweepInterval
	case t.state.Attempts > 0:
		interval = staleSweepInterval
	default:
		return
	}

	gen := t.sweepGen
	t.sweep = t.clock.AfterFunc(interval, func() { t.onSweep(gen) })
}

func (t *LockoutTracker) stopSweepLocked() {
	if t.sweep != nil {
		t.sweep.Stop()
		t.sweep = nil
	}
	t.sweepGen++
}

func (t *LockoutTracker) onSweep(gen uint64) {
	t.mu.Lock()
	if t.closed || gen != t.sweepGen {
		t.mu.Unlock()
		return
	}
	t.sweep = nil
	events, changed := t.expireLocked(t.clock.Now())
	t.armSweepLocked()
	t.mu.Unlock()

	if changed {
		t.persist()
	}
	t.emit(events)
}

// =============================================================================
// PERSISTENCE & SYNC
// =============================================================================

// persist writes the current state, deleting the key when there is nothing
// to remember. Failures are reported and otherwise ignored.
func (t *LockoutTracker) persist() {
	t.persistMu.Lock()
	defer t.persistMu.Unlock()

	t.mu.Lock()
	st := t.state.clone()
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if st.isZero() {
		if err := t.store.Delete(ctx, t.cfg.StorageKey); err != nil {
			t.report.Report("delete", t.cfg.StorageKey, err)
		}
		return
	}

	data, err := store.Encode(st)
	if err != nil {
		t.report.Report("encode", t.cfg.StorageKey, err)
		return
	}
	if err := t.store.Set(ctx, t.cfg.StorageKey, data); err != nil {
		t.report.Report("set", t.cfg.StorageKey, err)
	}
}

// onStoreChange adopts state written by another tracker. A delete means a
// reset elsewhere; a record is adopted only when it is newer than ours.
func (t *LockoutTracker) onStoreChange(_ string, value []byte) {
	var remote LockoutState
	if value != nil {
		if err := store.Decode(value, &remote); err != nil || !remote.valid() {
			t.metrics.IncStoreError("decode")
			return
		}
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	var events []event
	switch {
	case value == nil:
		if t.state.isZero() {
			t.mu.Unlock()
			return
		}
		t.state = LockoutState{}
		events = append(events, event{typ: audit.EventUnlock, reason: UnlockSynced})
	case remote.newerThan(t.state):
		t.state = remote
		more, _ := t.expireLocked(t.clock.Now())
		events = append(events, more...)
	default:
		t.mu.Unlock()
		return
	}
	t.armSweepLocked()
	attempts := t.state.Attempts
	t.mu.Unlock()

	t.logger.Debug("adopted lockout state from store", zap.Int("attempts", attempts))
	t.emit(events)
}

// emit sends collected side effects to metrics and audit.
func (t *LockoutTracker) emit(events []event) {
	for _, ev := range events {
		meta := ev.meta
		if ev.typ == audit.EventUnlock {
			t.metrics.IncUnlock(ev.reason)
			t.logger.Info("lockout state cleared", zap.String("reason", ev.reason))
			meta = map[string]string{"reason": ev.reason}
		}
		audit.Record(t.audit, t.logger, audit.Event{
			Timestamp: t.clock.Now(),
			Type:      ev.typ,
			Success:   ev.typ == audit.EventUnlock || ev.typ == audit.EventReset,
			Metadata:  meta,
		})
	}
}
