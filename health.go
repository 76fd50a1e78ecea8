// Copyright 2024 The drinkup-image authors.
// SPDX-License-Identifier: Apache-2.0

package drinkup

import (
	"sync"
	"time"
)

const (
	// DefaultHealthWindow is how far back error rates are evaluated.
	DefaultHealthWindow = time.Minute

	// DefaultFailureThreshold is the failure ratio above which a
	// component is considered unhealthy.
	DefaultFailureThreshold = 0.5

	// minimum observations before a ratio is meaningful
	healthMinSamples = 5

	// number of time buckets the window is divided into
	healthBuckets = 6
)

// BudgetReporter reports how long a cache has continuously exceeded its
// byte budget.  Implemented by cache.VariantCache.
type BudgetReporter interface {
	OverBudgetSince() time.Duration
}

// Monitor tracks whether the pipeline and cache operate within bounds.
// It is purely observational: it never mutates pipeline or cache state.
// Safe for concurrent use.
type Monitor struct {
	// Window over which failure rates are computed.  Zero means
	// DefaultHealthWindow.
	Window time.Duration

	// FailureThreshold is the fetch or transform failure ratio above
	// which the monitor reports unhealthy.  Zero means
	// DefaultFailureThreshold.
	FailureThreshold float64

	// Budget, if non-nil, is consulted for sustained cache
	// over-capacity.
	Budget BudgetReporter

	mu        sync.Mutex
	fetch     [healthBuckets]healthBucket
	transform [healthBuckets]healthBucket

	now func() time.Time // test hook
}

type healthBucket struct {
	epoch    int64 // bucket index since unix epoch
	ok, fail int
}

// RecordFetch records the outcome of a source fetch.
func (m *Monitor) RecordFetch(ok bool) { m.record(&m.fetch, ok) }

// RecordTransform records the outcome of a pipeline pass (decode
// through encode).
func (m *Monitor) RecordTransform(ok bool) { m.record(&m.transform, ok) }

func (m *Monitor) record(buckets *[healthBuckets]healthBucket, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	epoch := m.epoch()
	b := &buckets[epoch%healthBuckets]
	if b.epoch != epoch {
		*b = healthBucket{epoch: epoch}
	}
	if ok {
		b.ok++
	} else {
		b.fail++
	}
}

// Healthy reports whether the service is operating within bounds:
// fetch and transform failure rates under the threshold across the
// window, and the cache (if attached) not stuck over its byte budget.
func (m *Monitor) Healthy() bool {
	if m.Budget != nil && m.Budget.OverBudgetSince() > m.window() {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.failingLocked(&m.fetch) && !m.failingLocked(&m.transform)
}

func (m *Monitor) failingLocked(buckets *[healthBuckets]healthBucket) bool {
	epoch := m.epoch()
	oldest := epoch - healthBuckets + 1

	var ok, fail int
	for i := range buckets {
		if b := buckets[i]; b.epoch >= oldest {
			ok += b.ok
			fail += b.fail
		}
	}
	if ok+fail < healthMinSamples {
		return false
	}

	threshold := m.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return float64(fail)/float64(ok+fail) > threshold
}

func (m *Monitor) window() time.Duration {
	if m.Window > 0 {
		return m.Window
	}
	return DefaultHealthWindow
}

func (m *Monitor) epoch() int64 {
	now := time.Now
	if m.now != nil {
		now = m.now
	}
	return now().UnixNano() / int64(m.window()/healthBuckets)
}
