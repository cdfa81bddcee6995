// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jeranaias/sessionguard/internal/clock"
	"github.com/jeranaias/sessionguard/internal/metrics"
	"github.com/jeranaias/sessionguard/internal/security/audit"
	"github.com/jeranaias/sessionguard/internal/store"
	"github.com/jeranaias/sessionguard/internal/util"
	"go.uber.org/zap"
)

const storeTimeout = 2 * time.Second

// =============================================================================
// OPTIONS
// =============================================================================

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithStore sets the shared store. The tracker does not close it.
func WithStore(s store.Store) Option {
	return func(t *Tracker) {
		if s != nil {
			t.store = s
		}
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithAudit sets the audit sink.
func WithAudit(s audit.Sink) Option {
	return func(t *Tracker) {
		t.audit = s
	}
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) {
		t.metrics = m
	}
}

// WithOnWarning sets the callback for the start of the warning phase. It
// receives the time left before logout.
func WithOnWarning(fn func(remaining time.Duration)) Option {
	return func(t *Tracker) {
		t.onWarning = fn
	}
}

// WithOnTimeout sets the callback run once when the session ends.
func WithOnTimeout(fn func()) Option {
	return func(t *Tracker) {
		t.onTimeout = fn
	}
}

// WithOnWarningCleared sets the callback for the warning going away without
// a logout: dismissal, newer activity found on resync, or disabling.
func WithOnWarningCleared(fn func()) Option {
	return func(t *Tracker) {
		t.onWarningCleared = fn
	}
}

// WithInstanceID overrides the generated instance id written to records.
func WithInstanceID(id string) Option {
	return func(t *Tracker) {
		if id != "" {
			t.id = id
		}
	}
}

// =============================================================================
// TRACKER
// =============================================================================

// Tracker drives the warning-then-logout countdown for one session. It is
// safe for concurrent use. Callbacks run outside the tracker's lock, one at
// a time, in the order their transitions happened.
type Tracker struct {
	cfg       Config
	clock     clock.Clock
	store     store.Store
	logger    *zap.Logger
	audit     audit.Sink
	metrics   *metrics.Metrics
	report    *store.FailureReporter
	id        string
	onWarning func(remaining time.Duration)
	onTimeout func()

	onWarningCleared func()

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	warnTimer    clock.Timer
	expiryTimer  clock.Timer
	gen          uint64
	warningFired bool
	expiredFired bool
	visible      bool
	started      bool
	closed       bool
	unsubscribe  func()

	queue    []func()
	draining bool
}

// NewTracker validates cfg and builds a tracker. Call Start to begin the
// countdown. Without WithStore the tracker uses a private in-memory store.
func NewTracker(cfg Config, opts ...Option) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Tracker{
		cfg:     cfg,
		clock:   clock.Real(),
		logger:  zap.NewNop(),
		id:      uuid.NewString(),
		visible: true,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.store == nil {
		t.store = store.NewMemoryStore()
	}
	t.logger = t.logger.With(zap.String("component", "session"), zap.String("instance", t.id))
	t.report = store.NewFailureReporter(t.logger, t.metrics, time.Minute)

	t.lastActivity = t.clock.Now()
	t.state = StateActive
	if !cfg.Enabled {
		t.state = StateDisabled
	}
	return t, nil
}

// ID returns the instance id.
func (t *Tracker) ID() string {
	return t.id
}

// Config returns the policy the tracker was built with.
func (t *Tracker) Config() Config {
	return t.cfg
}

// Start subscribes to the shared key and performs the first reset. Calling
// it again has no effect.
func (t *Tracker) Start() {
	t.mu.Lock()
	if t.started || t.closed {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	cancel, err := t.store.Subscribe(t.cfg.StorageKey, t.onStoreChange)
	if err != nil {
		t.report.Report("subscribe", t.cfg.StorageKey, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	}
	t.unsubscribe = cancel
	t.auditLocked(audit.EventSessionStarted, true, nil)
	t.resetLocked(t.clock.Now())
	t.mu.Unlock()

	t.logger.Debug("session tracker started",
		zap.Duration("timeout", t.cfg.Timeout),
		zap.Duration("warning", t.cfg.WarningDuration))
	t.drain()
}

// ResetTimeout records activity now and restarts both phases. It does
// nothing while disabled or after expiry.
func (t *Tracker) ResetTimeout() {
	t.mu.Lock()
	t.resetLocked(t.clock.Now())
	t.mu.Unlock()
	t.drain()
}

// TriggerTimeout ends the session immediately, as for an explicit logout.
func (t *Tracker) TriggerTimeout() {
	t.mu.Lock()
	if !t.closed {
		t.expireLocked(false)
	}
	t.mu.Unlock()
	t.drain()
}

// DismissWarning hides the warning and restarts the full timeout.
func (t *Tracker) DismissWarning() {
	t.mu.Lock()
	if t.state == StateWarning && !t.closed {
		t.metrics.IncExtension()
		t.auditLocked(audit.EventSessionExtended, true, nil)
		t.logger.Info("session extended by user")
	}
	t.resetLocked(t.clock.Now())
	t.mu.Unlock()
	t.drain()
}

// Observe handles a user interaction. Activity only counts while the
// session is active; once the warning shows, only DismissWarning extends it.
func (t *Tracker) Observe(ev ActivityEvent) {
	if !ev.valid() {
		return
	}
	t.mu.Lock()
	if t.state == StateActive {
		t.resetLocked(t.clock.Now())
	}
	t.mu.Unlock()
	t.drain()
}

// SetEnabled turns tracking off or back on. Disabling cancels every pending
// phase; enabling performs a full reset. An expired session stays expired.
func (t *Tracker) SetEnabled(enabled bool) {
	t.mu.Lock()
	switch {
	case t.closed || t.state == StateExpired:
	case !enabled && t.state != StateDisabled:
		t.cancelTimersLocked()
		t.clearWarningLocked()
		t.state = StateDisabled
		t.warningFired = false
		t.auditLocked(audit.EventSessionDisabled, true, nil)
	case enabled && t.state == StateDisabled:
		t.state = StateActive
		t.resetLocked(t.clock.Now())
	}
	t.mu.Unlock()
	t.drain()
}

// SetVisible reports a visibility change. On becoming visible the countdown
// is recomputed from the latest known activity, persisted or local, since
// timers may not have run while hidden.
func (t *Tracker) SetVisible(visible bool) {
	t.mu.Lock()
	t.visible = visible
	live := !t.closed && (t.state == StateActive || t.state == StateWarning)
	t.mu.Unlock()
	if !visible || !live {
		return
	}

	persisted, ok := t.readPersisted()

	t.mu.Lock()
	if t.closed || (t.state != StateActive && t.state != StateWarning) {
		t.mu.Unlock()
		return
	}
	last := t.lastActivity
	if ok && persisted.After(last) {
		last = persisted
	}
	t.recomputeLocked(last)
	t.mu.Unlock()
	t.drain()
}

// Close stops all timers and the store subscription. It does not end the
// session for other trackers.
func (t *Tracker) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.cancelTimersLocked()
	unsubscribe := t.unsubscribe
	t.unsubscribe = nil
	t.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// State returns the current phase.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsWarningVisible reports whether the warning phase is showing.
func (t *Tracker) IsWarningVisible() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateWarning
}

// TimeRemaining returns the time until logout, between 0 and Timeout. It is
// 0 once expired or while disabled.
func (t *Tracker) TimeRemaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remainingLocked(t.clock.Now())
}

// LastActivity returns the activity time the countdown runs from.
func (t *Tracker) LastActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActivity
}

// Status is a point-in-time view of the tracker.
type Status struct {
	InstanceID      string        `json:"instance_id"`
	State           State         `json:"state"`
	WarningVisible  bool          `json:"warning_visible"`
	LastActivity    time.Time     `json:"last_activity"`
	TimeRemaining   time.Duration `json:"time_remaining"`
	Countdown       string        `json:"countdown"`
	Timeout         time.Duration `json:"timeout"`
	WarningDuration time.Duration `json:"warning_duration"`
}

// Status returns every derived value from one snapshot.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	remaining := t.remainingLocked(t.clock.Now())
	return Status{
		InstanceID:      t.id,
		State:           t.state,
		WarningVisible:  t.state == StateWarning,
		LastActivity:    t.lastActivity,
		TimeRemaining:   remaining,
		Countdown:       util.FormatCountdown(remaining),
		Timeout:         t.cfg.Timeout,
		WarningDuration: t.cfg.WarningDuration,
	}
}

func (t *Tracker) remainingLocked(now time.Time) time.Duration {
	if t.state == StateExpired || t.state == StateDisabled {
		return 0
	}
	d := t.lastActivity.Add(t.cfg.Timeout).Sub(now)
	switch {
	case d < 0:
		return 0
	case d > t.cfg.Timeout:
		return t.cfg.Timeout
	}
	return d
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// resetLocked restarts the countdown from at and persists it.
func (t *Tracker) resetLocked(at time.Time) {
	if t.closed || !t.started || t.state == StateDisabled || t.state == StateExpired {
		return
	}
	t.lastActivity = at
	t.clearWarningLocked()
	t.state = StateActive
	t.warningFired = false
	t.scheduleLocked(at)

	rec := t.recordLocked()
	t.enqueue(func() { t.persist(rec) })
}

// scheduleLocked replaces both timers with ones measured from last. The
// warning timer is scheduled first so that, with no warning period, it still
// fires before expiry.
func (t *Tracker) scheduleLocked(last time.Time) {
	t.cancelTimersLocked()
	gen := t.gen
	now := t.clock.Now()

	warnIn := last.Add(t.cfg.warnAfter()).Sub(now)
	t.warnTimer = t.clock.AfterFunc(nonNegative(warnIn), func() { t.onWarningTimer(gen) })

	t.scheduleExpiryLocked(last, now)
}

func (t *Tracker) scheduleExpiryLocked(last, now time.Time) {
	gen := t.gen
	expireIn := last.Add(t.cfg.Timeout).Sub(now)
	t.expiryTimer = t.clock.AfterFunc(nonNegative(expireIn), func() { t.onExpiryTimer(gen) })
}

func (t *Tracker) cancelTimersLocked() {
	if t.warnTimer != nil {
		t.warnTimer.Stop()
		t.warnTimer = nil
	}
	if t.expiryTimer != nil {
		t.expiryTimer.Stop()
		t.expiryTimer = nil
	}
	t.gen++
}

func (t *Tracker) onWarningTimer(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.closed || t.state != StateActive {
		t.mu.Unlock()
		return
	}
	t.warnTimer = nil
	t.enterWarningLocked(t.clock.Now())
	t.mu.Unlock()
	t.drain()
}

func (t *Tracker) onExpiryTimer(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.closed || (t.state != StateActive && t.state != StateWarning) {
		t.mu.Unlock()
		return
	}
	t.expiryTimer = nil
	t.expireLocked(true)
	t.mu.Unlock()
	t.drain()
}

// enterWarningLocked shows the warning once per countdown.
func (t *Tracker) enterWarningLocked(now time.Time) {
	t.state = StateWarning
	if t.warningFired {
		return
	}
	t.warningFired = true
	remaining := t.remainingLocked(now)

	t.metrics.IncWarning()
	t.auditLocked(audit.EventSessionWarning, true, map[string]string{"remaining": remaining.String()})
	t.logger.Info("session warning", zap.Duration("remaining", remaining))
	if fn := t.onWarning; fn != nil {
		t.enqueue(func() { fn(remaining) })
	}
}

// expireLocked ends the session. An inactivity expiry that skipped the
// warning phase announces it first, so OnWarning always precedes OnTimeout.
// OnTimeout runs at most once per tracker.
func (t *Tracker) expireLocked(inactive bool) {
	if t.expiredFired {
		return
	}
	t.cancelTimersLocked()
	if inactive && !t.warningFired {
		t.enterWarningLocked(t.clock.Now())
	}
	t.state = StateExpired
	t.expiredFired = true

	event := audit.EventSessionLogout
	if inactive {
		event = audit.EventSessionExpired
	}
	t.metrics.IncTimeout()
	t.auditLocked(event, true, nil)
	t.logger.Info("session ended", zap.Bool("inactive", inactive))
	if fn := t.onTimeout; fn != nil {
		t.enqueue(fn)
	}
}

// recomputeLocked re-derives the phase from last without trusting timers.
func (t *Tracker) recomputeLocked(last time.Time) {
	now := t.clock.Now()
	if last.After(now) {
		last = now
	}
	t.lastActivity = last
	elapsed := now.Sub(last)

	switch {
	case elapsed >= t.cfg.Timeout:
		t.expireLocked(true)
	case elapsed >= t.cfg.warnAfter():
		t.cancelTimersLocked()
		t.scheduleExpiryLocked(last, now)
		t.enterWarningLocked(now)
	default:
		t.clearWarningLocked()
		t.state = StateActive
		t.warningFired = false
		t.scheduleLocked(last)
	}
}

// clearWarningLocked announces that a visible warning is going away. The
// caller sets the next state.
func (t *Tracker) clearWarningLocked() {
	if t.state != StateWarning {
		return
	}
	t.logger.Debug("session warning cleared")
	if fn := t.onWarningCleared; fn != nil {
		t.enqueue(fn)
	}
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

// =============================================================================
// SYNC
// =============================================================================

func (t *Tracker) recordLocked() Record {
	return Record{
		LastActivityMs: util.EpochMillis(t.lastActivity),
		TimeoutMs:      t.cfg.Timeout.Milliseconds(),
		WarningMs:      t.cfg.WarningDuration.Milliseconds(),
		Origin:         t.id,
	}
}

func (t *Tracker) persist(rec Record) {
	data, err := store.Encode(rec)
	if err != nil {
		t.report.Report("encode", t.cfg.StorageKey, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := t.store.Set(ctx, t.cfg.StorageKey, data); err != nil {
		t.report.Report("set", t.cfg.StorageKey, err)
	}
}

// readPersisted returns the shared last-activity time, if any.
func (t *Tracker) readPersisted() (time.Time, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	rec, err := ReadRecord(ctx, t.store, t.cfg.StorageKey)
	switch {
	case err == nil:
		return rec.LastActivity(), true
	case errors.Is(err, store.ErrNotFound):
	default:
		t.report.Report("get", t.cfg.StorageKey, err)
	}
	return time.Time{}, false
}

// onStoreChange adopts newer activity written by another tracker. A tracker
// showing the warning keeps it; the user must answer it.
func (t *Tracker) onStoreChange(_ string, value []byte) {
	if value == nil {
		return
	}
	var rec Record
	if err := store.Decode(value, &rec); err != nil {
		t.metrics.IncStoreError("decode")
		return
	}
	if rec.Origin == t.id {
		return
	}

	t.mu.Lock()
	remote := rec.LastActivity()
	if now := t.clock.Now(); remote.After(now) {
		remote = now
	}
	if t.closed || t.state != StateActive || !remote.After(t.lastActivity) {
		t.mu.Unlock()
		return
	}
	t.lastActivity = remote
	t.scheduleLocked(remote)
	t.metrics.IncSync()
	t.auditLocked(audit.EventSessionSynced, true, map[string]string{"origin": rec.Origin})
	t.mu.Unlock()

	t.logger.Debug("adopted activity from another tracker", zap.String("origin", rec.Origin))
	t.drain()
}

// =============================================================================
// SIDE EFFECTS
// =============================================================================

func (t *Tracker) auditLocked(typ audit.EventType, success bool, meta map[string]string) {
	if t.audit == nil {
		return
	}
	event := audit.Event{
		Timestamp: t.clock.Now(),
		Type:      typ,
		SessionID: t.id,
		Success:   success,
		Metadata:  meta,
	}
	t.enqueue(func() { audit.Record(t.audit, t.logger, event) })
}

func (t *Tracker) enqueue(fn func()) {
	t.queue = append(t.queue, fn)
}

// drain runs queued side effects without holding the lock. If another
// goroutine is already draining, it picks up the new entries.
func (t *Tracker) drain() {
	t.mu.Lock()
	if t.draining {
		t.mu.Unlock()
		return
	}
	t.draining = true
	for len(t.queue) > 0 {
		fn := t.queue[0]
		t.queue = t.queue[1:]
		t.mu.Unlock()
		fn()
		t.mu.Lock()
	}
	t.draining = false
	t.mu.Unlock()
}
