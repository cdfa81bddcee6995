// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics exposes Prometheus counters for session and lockout events.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sessionguard"

// Metrics holds every collector the trackers report to.
type Metrics struct {
	SessionWarnings   prometheus.Counter
	SessionTimeouts   prometheus.Counter
	SessionExtensions prometheus.Counter
	SessionSyncs      prometheus.Counter

	FailedAttempts  prometheus.Counter
	Lockouts        prometheus.Counter
	BlockedAttempts prometheus.Counter
	Unlocks         *prometheus.CounterVec

	StoreErrors *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration, which is handy in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "warnings_total",
			Help: "Inactivity warnings shown.",
		}),
		SessionTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "timeouts_total",
			Help: "Sessions ended by inactivity or explicit logout.",
		}),
		SessionExtensions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "extensions_total",
			Help: "Warnings dismissed with stay-logged-in.",
		}),
		SessionSyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "sync_adoptions_total",
			Help: "Newer activity adopted from another tracker.",
		}),
		FailedAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lockout", Name: "failed_attempts_total",
			Help: "Failed authentication attempts recorded.",
		}),
		Lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lockout", Name: "lockouts_total",
			Help: "Lockouts triggered.",
		}),
		BlockedAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lockout", Name: "blocked_attempts_total",
			Help: "Attempts rejected while locked out.",
		}),
		Unlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lockout", Name: "unlocks_total",
			Help: "Lockout state cleared, by reason.",
		}, []string{"reason"}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "errors_total",
			Help: "Store operations that failed, by operation.",
		}, []string{"op"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.SessionWarnings, m.SessionTimeouts, m.SessionExtensions, m.SessionSyncs,
			m.FailedAttempts, m.Lockouts, m.BlockedAttempts, m.Unlocks,
			m.StoreErrors,
		)
	}
	return m
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves a specific registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) IncWarning() {
	if m != nil {
		m.SessionWarnings.Inc()
	}
}

func (m *Metrics) IncTimeout() {
	if m != nil {
		m.SessionTimeouts.Inc()
	}
}

func (m *Metrics) IncExtension() {
	if m != nil {
		m.SessionExtensions.Inc()
	}
}

func (m *Metrics) IncSync() {
	if m != nil {
		m.SessionSyncs.Inc()
	}
}

func (m *Metrics) IncFailedAttempt() {
	if m != nil {
		m.FailedAttempts.Inc()
	}
}

func (m *Metrics) IncLockout() {
	if m != nil {
		m.Lockouts.Inc()
	}
}

func (m *Metrics) IncBlocked() {
	if m != nil {
		m.BlockedAttempts.Inc()
	}
}

// IncUnlock counts a cleared lockout state. reason is "expired", "stale",
// "reset" or "synced".
func (m *Metrics) IncUnlock(reason string) {
	if m != nil {
		m.Unlocks.WithLabelValues(reason).Inc()
	}
}

// IncStoreError counts a failed store operation ("get", "set", "delete",
// "subscribe", "decode").
func (m *Metrics) IncStoreError(op string) {
	if m != nil {
		m.StoreErrors.WithLabelValues(op).Inc()
	}
}
