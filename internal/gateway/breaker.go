package gateway

import (
	"sync"
	"time"
)

// breakerState is the classic three-state circuit.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// Health is the per-provider circuit breaker record. It is injected into
// the gateway rather than held in package state, so tests and multi-gateway
// setups stay isolated.
type Health struct {
	mu        sync.Mutex
	state     breakerState
	failures  int
	openedAt  time.Time
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// NewHealth creates a breaker that opens after threshold consecutive
// failures and stays open for the cool-down window.
func NewHealth(threshold int, cooldown time.Duration) *Health {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Health{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a call may be attempted. An open circuit whose
// cool-down has elapsed transitions to half-open and admits one probe.
func (h *Health) Allow() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if h.now().Sub(h.openedAt) >= h.cooldown {
			h.state = breakerHalfOpen
			return true
		}
		return false
	default: // half-open: one probe already in flight
		return false
	}
}

// RecordSuccess closes the circuit and resets the failure count.
func (h *Health) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = breakerClosed
	h.failures = 0
}

// RecordFailure counts a failure and opens the circuit at the threshold.
// A failed half-open probe reopens immediately.
func (h *Health) RecordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == breakerHalfOpen {
		h.state = breakerOpen
		h.openedAt = h.now()
		return
	}

	h.failures++
	if h.failures >= h.threshold {
		h.state = breakerOpen
		h.openedAt = h.now()
	}
}
