// Copyright 2024 The drinkup-image authors.
// SPDX-License-Identifier: Apache-2.0

package drinkup

import (
	"testing"
	"time"
)

// clock is a settable time source for monitor tests.
type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMonitor() (*Monitor, *clock) {
	c := &clock{t: time.Unix(1_000_000, 0)}
	m := &Monitor{Window: time.Minute}
	m.now = c.now
	return m, c
}

func TestMonitor_HealthyWhenIdle(t *testing.T) {
	m, _ := newTestMonitor()
	if !m.Healthy() {
		t.Error("Healthy returned false with no observations")
	}
}

// a handful of failures is not yet statistically meaningful
func TestMonitor_MinimumSamples(t *testing.T) {
	m, _ := newTestMonitor()
	for i := 0; i < 4; i++ {
		m.RecordFetch(false)
	}
	if !m.Healthy() {
		t.Error("Healthy returned false below the minimum sample count")
	}

	m.RecordFetch(false)
	if m.Healthy() {
		t.Error("Healthy returned true with every fetch failing")
	}
}

func TestMonitor_FailureThreshold(t *testing.T) {
	tests := []struct {
		ok, fail int
		healthy  bool
	}{
		{10, 0, true},
		{5, 5, true},  // exactly at the threshold
		{4, 6, false}, // above it
		{0, 10, false},
	}

	for _, tt := range tests {
		m, _ := newTestMonitor()
		for i := 0; i < tt.ok; i++ {
			m.RecordTransform(true)
		}
		for i := 0; i < tt.fail; i++ {
			m.RecordTransform(false)
		}
		if got := m.Healthy(); got != tt.healthy {
			t.Errorf("Healthy with %d ok / %d fail returned %v, want %v", tt.ok, tt.fail, got, tt.healthy)
		}
	}
}

// fetch and transform rates are tracked independently
func TestMonitor_SeparateStreams(t *testing.T) {
	m, _ := newTestMonitor()
	for i := 0; i < 10; i++ {
		m.RecordFetch(true)
		m.RecordTransform(false)
	}
	if m.Healthy() {
		t.Error("Healthy returned true while every transform failed")
	}
}

// old failures age out of the window
func TestMonitor_WindowExpiry(t *testing.T) {
	m, c := newTestMonitor()
	for i := 0; i < 10; i++ {
		m.RecordFetch(false)
	}
	if m.Healthy() {
		t.Error("Healthy returned true during a failure burst")
	}

	c.advance(2 * time.Minute)
	if !m.Healthy() {
		t.Error("Healthy returned false after the burst aged out")
	}
}

type stuckBudget struct{ d time.Duration }

func (b stuckBudget) OverBudgetSince() time.Duration { return b.d }

func TestMonitor_CacheBudget(t *testing.T) {
	m, _ := newTestMonitor()

	m.Budget = stuckBudget{30 * time.Second}
	if !m.Healthy() {
		t.Error("Healthy returned false for a briefly over-budget cache")
	}

	m.Budget = stuckBudget{2 * time.Minute}
	if m.Healthy() {
		t.Error("Healthy returned true for a cache stuck over budget")
	}
}
