// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"time"

	"github.com/jeranaias/sessionguard/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// FailureReporter records store failures for a tracker. Every failure is
// counted; log lines are limited to one per interval so a dead backend does
// not flood the log.
type FailureReporter struct {
	logger    *zap.Logger
	metrics   *metrics.Metrics
	sometimes rate.Sometimes
}

// NewFailureReporter creates a reporter that logs at most once per interval.
func NewFailureReporter(logger *zap.Logger, m *metrics.Metrics, interval time.Duration) *FailureReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FailureReporter{
		logger:    logger,
		metrics:   m,
		sometimes: rate.Sometimes{Interval: interval},
	}
}

// Report records a failed op on key. The tracker carries on in memory.
func (r *FailureReporter) Report(op, key string, err error) {
	r.metrics.IncStoreError(op)
	r.sometimes.Do(func() {
		r.logger.Warn("store operation failed, continuing in memory",
			zap.String("op", op),
			zap.String("key", key),
			zap.Error(err))
	})
}
