package loadbalancer

import (
	"testing"
	"time"
)

func TestNewMetricsStartsNeutral(t *testing.T) {
	m := NewMetrics()
	s := m.Snapshot()
	if s.SuccessRate != 1.0 {
		t.Errorf("expected a fresh agent to start at success rate 1.0, got %f", s.SuccessRate)
	}
	if s.TotalDispatch != 0 {
		t.Errorf("expected 0 dispatches recorded, got %d", s.TotalDispatch)
	}
}

func TestRecordSuccessSetsInitialLatency(t *testing.T) {
	m := NewMetrics()
	m.RecordSuccess(100 * time.Millisecond)
	s := m.Snapshot()
	if s.AvgResponseMs != 100 {
		t.Errorf("expected first observation to set avg directly, got %f", s.AvgResponseMs)
	}
	if s.TotalDispatch != 1 {
		t.Errorf("expected 1 dispatch recorded, got %d", s.TotalDispatch)
	}
}

func TestRecordFailureLowersSuccessRate(t *testing.T) {
	m := NewMetrics()
	m.RecordFailure()
	s := m.Snapshot()
	if s.SuccessRate >= 1.0 {
		t.Errorf("expected success rate to drop below 1.0 after a failure, got %f", s.SuccessRate)
	}
	if s.TotalFailures != 1 {
		t.Errorf("expected 1 failure recorded, got %d", s.TotalFailures)
	}
}

func TestDecayPullsTowardNeutral(t *testing.T) {
	m := NewMetrics()
	m.RecordFailure()
	m.RecordFailure()
	m.RecordFailure()
	before := m.Snapshot().SuccessRate

	m.Decay()
	after := m.Snapshot().SuccessRate

	if after <= before {
		t.Errorf("expected decay to raise a depressed success rate toward 1.0: before=%f after=%f", before, after)
	}
}

func TestHealthScoreRewardsSpeedAndSuccess(t *testing.T) {
	fast := Snapshot{AvgResponseMs: 50, SuccessRate: 1.0, TotalDispatch: 100}
	slow := Snapshot{AvgResponseMs: 2000, SuccessRate: 1.0, TotalDispatch: 100}
	if fast.HealthScore() <= slow.HealthScore() {
		t.Errorf("expected a faster agent to score higher: fast=%f slow=%f", fast.HealthScore(), slow.HealthScore())
	}

	unreliable := Snapshot{AvgResponseMs: 50, SuccessRate: 0.1, TotalDispatch: 100}
	if fast.HealthScore() <= unreliable.HealthScore() {
		t.Errorf("expected a reliable agent to score higher than an unreliable one")
	}
}
