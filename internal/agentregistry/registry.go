// Package agentregistry implements C3, the agent registry: bookkeeping for
// every registered agent's identity, capabilities, concurrency budget and
// liveness, grounded on the source's AgentRegistry (old_src/mcp/server.py)
// and adapted into an explicitly-locked Go map in the idiom of arkeep's
// server/internal/agentmanager/manager.go.
package agentregistry

import (
	"sync"
	"time"

	"github.com/pzanna/mcp-broker/internal/eventlog"
	"github.com/pzanna/mcp-broker/internal/mcptypes"
)

// Agent is one registered agent's live record.
type Agent struct {
	ID            string
	Type          string
	Capabilities  []string
	MaxConcurrent int
	CurrentTasks  int
	Status        mcptypes.AgentStatus
	LastHeartbeat time.Time
	RegisteredAt  time.Time
	UnhealthyAt   time.Time // when Status last transitioned to unhealthy
}

// IsAvailable reports whether the agent can accept another task right now.
func (a *Agent) IsAvailable() bool {
	return a.Status == mcptypes.AgentReady && a.CurrentTasks < a.MaxConcurrent
}

// Registry holds every known agent plus a capability reverse-index so the
// load balancer can cheaply list candidates for a task type.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	byCap  map[string]map[string]struct{} // capability -> set of agent ids

	events *eventlog.Logger
}

// New builds an empty Registry.
func New(events *eventlog.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*Agent),
		byCap:  make(map[string]map[string]struct{}),
		events: events,
	}
}

// Register adds or replaces an agent record. Re-registration of a known
// agent id resets its status to ready and its task count to zero, matching
// the source's treatment of a re-register as a fresh session.
func (r *Registry) Register(id, agentType string, capabilities []string, maxConcurrent int) *Agent {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.agents[id]; ok {
		r.removeCapsLocked(existing)
	}

	agent := &Agent{
		ID:            id,
		Type:          agentType,
		Capabilities:  capabilities,
		MaxConcurrent: maxConcurrent,
		Status:        mcptypes.AgentReady,
		LastHeartbeat: time.Now(),
		RegisteredAt:  time.Now(),
	}
	r.agents[id] = agent
	r.addCapsLocked(agent)

	r.events.Info(eventlog.EventAgentRegistration, "agent registered", map[string]any{
		"agent_id":       id,
		"agent_type":     agentType,
		"capabilities":   capabilities,
		"max_concurrent": maxConcurrent,
	})
	return agent
}

// Unregister removes an agent from the registry entirely.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return
	}
	r.removeCapsLocked(agent)
	delete(r.agents, id)

	r.events.Info(eventlog.EventAgentUnregistered, "agent unregistered", map[string]any{
		"agent_id": id,
	})
}

// Heartbeat refreshes liveness for an agent and optionally flips it back to
// ready if it had been marked unhealthy.
func (r *Registry) Heartbeat(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return false
	}
	agent.LastHeartbeat = time.Now()
	if agent.Status == mcptypes.AgentUnhealthy {
		agent.Status = mcptypes.AgentReady
	}
	return true
}

// Get returns a copy-free pointer to the agent record (callers must not
// mutate fields outside the registry's own methods).
func (r *Registry) Get(id string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// CandidatesFor returns every registered agent advertising the given
// capability, regardless of current availability — filtering by
// availability is the load balancer's job.
func (r *Registry) CandidatesFor(capability string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byCap[capability]
	out := make([]*Agent, 0, len(ids))
	for id := range ids {
		out = append(out, r.agents[id])
	}
	return out
}

// All returns every registered agent.
func (r *Registry) All() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	return out
}

// AssignTask increments an agent's in-flight task count and flips it to busy
// once it reaches its concurrency ceiling.
func (r *Registry) AssignTask(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return
	}
	a.CurrentTasks++
	if a.CurrentTasks >= a.MaxConcurrent {
		a.Status = mcptypes.AgentBusy
	}
}

// CompleteTask decrements an agent's in-flight task count and, if it was
// busy purely due to saturation, returns it to ready.
func (r *Registry) CompleteTask(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return
	}
	if a.CurrentTasks > 0 {
		a.CurrentTasks--
	}
	if a.Status == mcptypes.AgentBusy && a.CurrentTasks < a.MaxConcurrent {
		a.Status = mcptypes.AgentReady
	}
}

// MarkUnhealthy flips an agent's status and records when the transition
// happened, used by the heartbeat sweep (C8) once an agent's last heartbeat
// exceeds the liveness timeout. A no-op if the agent is already unhealthy,
// so a repeated sweep doesn't keep pushing its grace deadline back.
func (r *Registry) MarkUnhealthy(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok || a.Status == mcptypes.AgentUnhealthy {
		return
	}
	a.Status = mcptypes.AgentUnhealthy
	a.UnhealthyAt = time.Now()
}

// StaleSince returns the ids of every agent whose last heartbeat is older
// than cutoff, for the C8 liveness sweep to act on.
func (r *Registry) StaleSince(cutoff time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var stale []string
	for id, a := range r.agents {
		if a.LastHeartbeat.Before(cutoff) && a.Status != mcptypes.AgentUnhealthy {
			stale = append(stale, id)
		}
	}
	return stale
}

// GraceExpired returns the ids of every agent that has been unhealthy since
// before cutoff, for the C8 sweep to unregister once unhealthy_grace has
// elapsed on top of the liveness timeout.
func (r *Registry) GraceExpired(cutoff time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var expired []string
	for id, a := range r.agents {
		if a.Status == mcptypes.AgentUnhealthy && a.UnhealthyAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	return expired
}

// Count returns the number of currently registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

func (r *Registry) addCapsLocked(a *Agent) {
	for _, cap := range a.Capabilities {
		if r.byCap[cap] == nil {
			r.byCap[cap] = make(map[string]struct{})
		}
		r.byCap[cap][a.ID] = struct{}{}
	}
}

func (r *Registry) removeCapsLocked(a *Agent) {
	for _, cap := range a.Capabilities {
		delete(r.byCap[cap], a.ID)
		if len(r.byCap[cap]) == 0 {
			delete(r.byCap, cap)
		}
	}
}
