package realtime

import (
	"testing"
	"time"
)

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(5, time.Hour)

	for i := 0; i < 4; i++ {
		b.Failure()
	}
	if b.State() != BreakerClosed {
		t.Fatalf("opened after %d failures", 4)
	}
	b.Failure()
	if b.State() != BreakerOpen {
		t.Fatal("did not open at threshold")
	}
	if b.Allow() {
		t.Error("open breaker allowed a call before cooldown")
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := NewBreaker(3, time.Hour)
	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	if b.State() != BreakerClosed {
		t.Error("non-consecutive failures opened the breaker")
	}
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	b := NewBreaker(1, 20*time.Millisecond)
	b.Failure()
	if b.Allow() {
		t.Fatal("allowed during cooldown")
	}

	time.Sleep(30 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("no probe admitted after cooldown")
	}
	if b.State() != BreakerHalfOpen {
		t.Errorf("state = %v, want half-open", b.State())
	}
	// Only one probe at a time.
	if b.Allow() {
		t.Error("second concurrent probe admitted")
	}
}

func TestBreaker_ProbeOutcome(t *testing.T) {
	b := NewBreaker(1, 10*time.Millisecond)

	b.Failure()
	time.Sleep(20 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("no probe admitted")
	}
	b.Failure()
	if b.State() != BreakerOpen {
		t.Fatal("failed probe did not re-open")
	}

	time.Sleep(20 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("no probe admitted after re-open")
	}
	b.Success()
	if b.State() != BreakerClosed {
		t.Fatal("successful probe did not close")
	}
	if !b.Allow() {
		t.Error("closed breaker blocked a call")
	}
}
