package loadbalancer

import (
	"testing"
	"time"

	"github.com/pzanna/mcp-broker/internal/mcptypes"
)

func TestBreakerStartsClosed(t *testing.T) {
	b := NewBreaker(DefaultBreakerConfig())
	if b.State() != mcptypes.BreakerClosed {
		t.Fatalf("expected a fresh breaker to start closed, got %s", b.State())
	}
	if !b.Allow() {
		t.Fatal("expected closed breaker to allow dispatch")
	}
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := NewBreaker(DefaultBreakerConfig())
	for i := 0; i < DefaultBreakerConfig().Threshold-1; i++ {
		b.RecordFailure()
		if b.State() != mcptypes.BreakerClosed {
			t.Fatalf("expected breaker to remain closed before threshold, iteration %d", i)
		}
	}
	b.RecordFailure()
	if b.State() != mcptypes.BreakerOpen {
		t.Fatalf("expected breaker to trip open at threshold, got %s", b.State())
	}
	if b.Allow() {
		t.Fatal("expected an open breaker to deny dispatch")
	}
}

func TestBreakerHalfOpenAllowsSingleProbe(t *testing.T) {
	b := NewBreaker(DefaultBreakerConfig())
	b.cooldown = time.Millisecond
	for i := 0; i < DefaultBreakerConfig().Threshold; i++ {
		b.RecordFailure()
	}
	time.Sleep(5 * time.Millisecond)

	if b.State() != mcptypes.BreakerHalfOpen {
		t.Fatalf("expected breaker to transition to half_open after cooldown, got %s", b.State())
	}
	if !b.Allow() {
		t.Fatal("expected the first probe in half_open to be allowed")
	}
	if b.Allow() {
		t.Fatal("expected a second concurrent probe to be denied")
	}
}

func TestBreakerRecordSuccessCloses(t *testing.T) {
	b := NewBreaker(DefaultBreakerConfig())
	for i := 0; i < DefaultBreakerConfig().Threshold; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()
	if b.State() != mcptypes.BreakerClosed {
		t.Fatalf("expected success to close the breaker, got %s", b.State())
	}
}

func TestBreakerFailedProbeDoublesCooldown(t *testing.T) {
	b := NewBreaker(DefaultBreakerConfig())
	b.cooldown = time.Millisecond
	for i := 0; i < DefaultBreakerConfig().Threshold; i++ {
		b.RecordFailure()
	}
	time.Sleep(5 * time.Millisecond)
	b.State() // force half_open transition

	before := b.cooldown
	b.Allow()
	b.RecordFailure()
	if b.cooldown <= before {
		t.Fatalf("expected a failed half_open probe to double the cooldown: before=%v after=%v", before, b.cooldown)
	}
	if b.State() != mcptypes.BreakerOpen {
		t.Fatalf("expected breaker to re-open after a failed probe, got %s", b.State())
	}
}
