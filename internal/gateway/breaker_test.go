package gateway

import (
	"testing"
	"time"
)

func TestHealth_OpensAfterConsecutiveFailures(t *testing.T) {
	h := NewHealth(3, time.Minute)

	for i := 0; i < 2; i++ {
		h.RecordFailure()
		if !h.Allow() {
			t.Fatalf("circuit opened too early after %d failures", i+1)
		}
	}

	h.RecordFailure()
	if h.Allow() {
		t.Error("circuit should be open after 3 consecutive failures")
	}
}

func TestHealth_SuccessResetsCount(t *testing.T) {
	h := NewHealth(3, time.Minute)

	h.RecordFailure()
	h.RecordFailure()
	h.RecordSuccess()
	h.RecordFailure()
	h.RecordFailure()

	if !h.Allow() {
		t.Error("non-consecutive failures should not open the circuit")
	}
}

func TestHealth_HalfOpenProbe(t *testing.T) {
	h := NewHealth(1, time.Minute)

	now := time.Now()
	h.now = func() time.Time { return now }

	h.RecordFailure()
	if h.Allow() {
		t.Fatal("circuit should be open")
	}

	// Cool-down elapses: one probe is admitted, a second is not.
	now = now.Add(2 * time.Minute)
	if !h.Allow() {
		t.Fatal("expected half-open probe after cool-down")
	}
	if h.Allow() {
		t.Error("only one half-open probe should be admitted")
	}

	// Failed probe reopens for a fresh window.
	h.RecordFailure()
	if h.Allow() {
		t.Error("failed probe should reopen the circuit")
	}

	// Successful probe closes it.
	now = now.Add(2 * time.Minute)
	if !h.Allow() {
		t.Fatal("expected another probe")
	}
	h.RecordSuccess()
	if !h.Allow() {
		t.Error("successful probe should close the circuit")
	}
}
