// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncWarning()
		m.IncTimeout()
		m.IncExtension()
		m.IncSync()
		m.IncFailedAttempt()
		m.IncLockout()
		m.IncBlocked()
		m.IncUnlock("expired")
		m.IncStoreError("set")
	})
}

func TestCounters(t *testing.T) {
	m := New(nil)

	m.IncWarning()
	m.IncWarning()
	m.IncLockout()
	m.IncUnlock("stale")
	m.IncStoreError("get")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionWarnings))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Lockouts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Unlocks.WithLabelValues("stale")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Unlocks.WithLabelValues("expired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreErrors.WithLabelValues("get")))
}

func TestHandlerForServesRegisteredCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.IncTimeout()

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "sessionguard_session_timeouts_total 1"))
}
