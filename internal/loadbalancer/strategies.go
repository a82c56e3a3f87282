package loadbalancer

import "github.com/pzanna/mcp-broker/internal/agentregistry"

// Candidate pairs an available agent with its load-balancer bookkeeping.
type Candidate struct {
	Agent   *agentregistry.Agent
	Metrics *Metrics
	Breaker *Breaker
}

// selectFn picks one candidate from a non-empty slice. counter is an
// incrementing call count, used by round_robin to rotate deterministically
// without needing its own mutable cursor threaded through every call site.
type selectFn func(candidates []Candidate, counter uint64) *Candidate

func selectRoundRobin(candidates []Candidate, counter uint64) *Candidate {
	idx := int(counter % uint64(len(candidates)))
	return &candidates[idx]
}

func selectLeastLoaded(candidates []Candidate, _ uint64) *Candidate {
	best := &candidates[0]
	bestLoad := loadRatio(best.Agent)
	for i := 1; i < len(candidates); i++ {
		c := &candidates[i]
		l := loadRatio(c.Agent)
		// Equal load: prefer the agent that has been sent fewer tasks.
		if l < bestLoad || (l == bestLoad && c.Metrics != nil && best.Metrics != nil &&
			c.Metrics.Snapshot().TotalDispatch < best.Metrics.Snapshot().TotalDispatch) {
			best, bestLoad = c, l
		}
	}
	return best
}

func selectFastest(candidates []Candidate, _ uint64) *Candidate {
	best := &candidates[0]
	bestMs := best.Metrics.Snapshot().AvgResponseMs
	for i := 1; i < len(candidates); i++ {
		c := &candidates[i]
		ms := c.Metrics.Snapshot().AvgResponseMs
		// An agent with zero observations (ms == 0) is treated as unproven,
		// not infinitely fast, so it doesn't win purely on inexperience.
		if ms == 0 {
			continue
		}
		if bestMs == 0 || ms < bestMs {
			best, bestMs = c, ms
		}
	}
	return best
}

func selectHealthiest(candidates []Candidate, _ uint64) *Candidate {
	best := &candidates[0]
	bestScore := best.Metrics.Snapshot().HealthScore()
	for i := 1; i < len(candidates); i++ {
		c := &candidates[i]
		if s := c.Metrics.Snapshot().HealthScore(); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best
}

// selectAdaptive blends response time, success rate and current load, the composite
// weighting the source's EnhancedLoadBalancer documents for its default
// strategy: 0.4 response-time + 0.4 success-rate + 0.2 load headroom.
func selectAdaptive(candidates []Candidate, _ uint64) *Candidate {
	best := &candidates[0]
	bestScore := adaptiveScore(best)
	for i := 1; i < len(candidates); i++ {
		c := &candidates[i]
		if s := adaptiveScore(c); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best
}

func adaptiveScore(c *Candidate) float64 {
	snap := c.Metrics.Snapshot()
	speedScore := 1.0
	if snap.AvgResponseMs > 0 {
		speedScore = 200.0 / (200.0 + snap.AvgResponseMs)
	}
	loadScore := 1.0 - loadRatio(c.Agent)
	return 0.4*speedScore + 0.4*snap.SuccessRate + 0.2*loadScore
}

func loadRatio(a *agentregistry.Agent) float64 {
	if a.MaxConcurrent <= 0 {
		return 1.0
	}
	return float64(a.CurrentTasks) / float64(a.MaxConcurrent)
}
