package loadbalancer

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pzanna/mcp-broker/internal/agentregistry"
	"github.com/pzanna/mcp-broker/internal/eventlog"
	"github.com/pzanna/mcp-broker/internal/mcptypes"
)

// ErrNoCandidate is returned when no registered agent can currently take a
// task, either because none advertises the required capability or every
// candidate is unavailable/breaker-open.
var ErrNoCandidate = errors.New("loadbalancer: no available agent")

// Balancer selects an agent for each task and tracks per-agent performance
// and breaker state across the agent's whole registered lifetime.
type Balancer struct {
	strategy   mcptypes.LoadBalanceStrategy
	registry   *agentregistry.Registry
	events     *eventlog.Logger
	breakerCfg BreakerConfig

	mu       sync.Mutex
	metrics  map[string]*Metrics
	breakers map[string]*Breaker

	counter uint64
}

// New builds a Balancer over an agent registry. Every agent's breaker is
// constructed from breakerCfg.
func New(strategy mcptypes.LoadBalanceStrategy, registry *agentregistry.Registry, events *eventlog.Logger, breakerCfg BreakerConfig) *Balancer {
	return &Balancer{
		strategy:   strategy,
		registry:   registry,
		events:     events,
		breakerCfg: breakerCfg,
		metrics:    make(map[string]*Metrics),
		breakers:   make(map[string]*Breaker),
	}
}

// strategyFuncs maps each enum value to its selection function.
var strategyFuncs = map[mcptypes.LoadBalanceStrategy]selectFn{
	mcptypes.StrategyRoundRobin:  selectRoundRobin,
	mcptypes.StrategyLeastLoaded: selectLeastLoaded,
	mcptypes.StrategyFastest:     selectFastest,
	mcptypes.StrategyHealthiest:  selectHealthiest,
	mcptypes.StrategyAdaptive:    selectAdaptive,
}

// Select picks an agent able to run the given capability, honoring
// availability and breaker state, per the configured strategy.
func (b *Balancer) Select(capability string) (*agentregistry.Agent, error) {
	agents := b.registry.CandidatesFor(capability)
	if len(agents) == 0 {
		return nil, ErrNoCandidate
	}

	candidates := make([]Candidate, 0, len(agents))
	for _, a := range agents {
		if !a.IsAvailable() {
			continue
		}
		br := b.breakerFor(a.ID)
		if !br.Allow() {
			continue
		}
		candidates = append(candidates, Candidate{
			Agent:   a,
			Metrics: b.metricsFor(a.ID),
			Breaker: br,
		})
	}
	if len(candidates) == 0 {
		return nil, ErrNoCandidate
	}

	fn := strategyFuncs[b.strategy]
	if fn == nil {
		fn = selectAdaptive
	}
	counter := atomic.AddUint64(&b.counter, 1)
	chosen := fn(candidates, counter)
	return chosen.Agent, nil
}

// RecordOutcome folds a dispatch's result back into the chosen agent's
// metrics and breaker. latency is ignored on failure.
func (b *Balancer) RecordOutcome(agentID string, success bool, latency time.Duration) {
	m := b.metricsFor(agentID)
	br := b.breakerFor(agentID)

	if success {
		wasTripped := br.State() != mcptypes.BreakerClosed
		m.RecordSuccess(latency)
		br.RecordSuccess()
		if wasTripped {
			b.events.Info(eventlog.EventCircuitBreakerShut, "circuit breaker closed", map[string]any{
				"agent_id": agentID,
			})
		}
		return
	}
	m.RecordFailure()
	br.RecordFailure()

	if br.State() == mcptypes.BreakerOpen {
		b.events.Warn(eventlog.EventCircuitBreakerOpen, "circuit breaker opened", map[string]any{
			"agent_id": agentID,
		})
	}
}

// BreakerState exposes a single agent's current breaker state, for
// diagnostics and get_server_stats enrichment.
func (b *Balancer) BreakerState(agentID string) mcptypes.BreakerState {
	return b.breakerFor(agentID).State()
}

// DecayAll applies the gentle metrics decay to every known agent — the C8
// per-minute maintenance job.
func (b *Balancer) DecayAll() {
	b.mu.Lock()
	snapshot := make([]*Metrics, 0, len(b.metrics))
	for _, m := range b.metrics {
		snapshot = append(snapshot, m)
	}
	b.mu.Unlock()
	for _, m := range snapshot {
		m.Decay()
	}
}

// Forget drops per-agent bookkeeping once an agent unregisters, so a later
// re-registration under the same id starts from a clean slate.
func (b *Balancer) Forget(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.metrics, agentID)
	delete(b.breakers, agentID)
}

func (b *Balancer) metricsFor(agentID string) *Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.metrics[agentID]
	if !ok {
		m = NewMetrics()
		b.metrics[agentID] = m
	}
	return m
}

func (b *Balancer) breakerFor(agentID string) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	br, ok := b.breakers[agentID]
	if !ok {
		br = NewBreaker(b.breakerCfg)
		b.breakers[agentID] = br
	}
	return br
}
