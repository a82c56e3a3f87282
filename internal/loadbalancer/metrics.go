// Package loadbalancer implements C5: agent selection across five
// strategies, per-agent exponentially-weighted performance metrics, and a
// per-agent three-state circuit breaker. Grounded on the source's
// EnhancedLoadBalancer (old_src/mcp/server.py) for the strategy set and on
// go-claw's engine/failover.go FailoverBrain for the breaker's trip/cooldown
// shape, extended here from two states to three.
package loadbalancer

import (
	"sync"
	"time"
)

// emaAlpha weights the exponential moving average applied to response times
// and success rate on every observation. 0.2 mirrors the smoothing factor
// go-claw's failover brain uses for its own latency EMA.
const emaAlpha = 0.2

// Metrics tracks a single agent's rolling performance for the "fastest",
// "healthiest" and "adaptive" strategies.
type Metrics struct {
	mu sync.Mutex

	avgResponseMs float64
	successRate   float64 // 0..1, EMA of per-dispatch outcome
	totalDispatch int64
	totalFailures int64
	initialized   bool
}

// NewMetrics returns a fresh Metrics with a neutral starting point: no
// observations yet, so selection logic should treat this agent as unproven
// rather than penalize or favor it.
func NewMetrics() *Metrics {
	return &Metrics{successRate: 1.0}
}

// RecordSuccess folds a successful dispatch's latency into the EMA.
func (m *Metrics) RecordSuccess(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalDispatch++
	ms := float64(latency.Milliseconds())
	if !m.initialized {
		m.avgResponseMs = ms
		m.initialized = true
	} else {
		m.avgResponseMs = emaAlpha*ms + (1-emaAlpha)*m.avgResponseMs
	}
	m.successRate = emaAlpha*1.0 + (1-emaAlpha)*m.successRate
}

// RecordFailure folds a failed dispatch into the EMA, without touching
// response time (a failure may not have a meaningful latency sample).
func (m *Metrics) RecordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalDispatch++
	m.totalFailures++
	m.successRate = emaAlpha*0.0 + (1-emaAlpha)*m.successRate
}

// Decay pulls metrics gently back toward the neutral starting point over
// time, so an agent's history does not permanently haunt or bless it — the
// C8 per-minute decay job.
func (m *Metrics) Decay() {
	m.mu.Lock()
	defer m.mu.Unlock()
	const decayAlpha = 0.05
	m.successRate = decayAlpha*1.0 + (1-decayAlpha)*m.successRate
}

// Snapshot is a point-in-time read of a Metrics for scoring.
type Snapshot struct {
	AvgResponseMs float64
	SuccessRate   float64
	TotalDispatch int64
	TotalFailures int64
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		AvgResponseMs: m.avgResponseMs,
		SuccessRate:   m.successRate,
		TotalDispatch: m.totalDispatch,
		TotalFailures: m.totalFailures,
	}
}

// HealthScore combines latency and success rate into the single weighted
// score the "adaptive" strategy and "healthiest" strategy rank by:
// 0.4 normalized-speed + 0.4 success-rate + 0.2 volume-confidence.
func (s Snapshot) HealthScore() float64 {
	speedScore := 1.0
	if s.AvgResponseMs > 0 {
		// 200ms maps to ~0.5, asymptoting toward 1.0 for very fast agents and
		// toward 0 for very slow ones.
		speedScore = 200.0 / (200.0 + s.AvgResponseMs)
	}
	volumeScore := float64(s.TotalDispatch) / (float64(s.TotalDispatch) + 5.0)
	return 0.4*speedScore + 0.4*s.SuccessRate + 0.2*volumeScore
}
