// Package heartbeat implements C8: the periodic maintenance jobs that sweep
// for dead agents, expire overdue tasks, evict old terminal tasks, and decay
// load-balancer metrics. Wraps gocron/v2 the same way arkeep's
// server/internal/scheduler does, but with a fixed job set instead of
// per-policy dynamic jobs — gocron.NewJob calls at startup rather than one
// per database row.
package heartbeat

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/pzanna/mcp-broker/internal/agentregistry"
	"github.com/pzanna/mcp-broker/internal/connregistry"
	"github.com/pzanna/mcp-broker/internal/eventlog"
	"github.com/pzanna/mcp-broker/internal/loadbalancer"
	"github.com/pzanna/mcp-broker/internal/taskqueue"
	"github.com/pzanna/mcp-broker/internal/wire"
)

// Config holds the tunables for every maintenance job.
type Config struct {
	LivenessInterval     time.Duration // how often to sweep for stale agents
	LivenessTimeout      time.Duration // how old a heartbeat must be to count as stale
	UnhealthyGrace       time.Duration // how long an agent stays unhealthy before being unregistered
	TimeoutSweepInterval time.Duration // how often dispatched tasks are checked against their deadline
	RetentionAge         time.Duration // how long a terminal task is kept before eviction
	DecayInterval        time.Duration // how often load-balancer metrics decay
}

// DefaultConfig matches the values called out in the protocol's tunables
// section for a 30s heartbeat: 15s liveness sweep, 60s staleness threshold,
// 60s unhealthy grace, 10s timeout sweep, 24h retention, 1m decay.
func DefaultConfig() Config {
	return Config{
		LivenessInterval:     15 * time.Second,
		LivenessTimeout:      60 * time.Second,
		UnhealthyGrace:       60 * time.Second,
		TimeoutSweepInterval: 10 * time.Second,
		RetentionAge:         24 * time.Hour,
		DecayInterval:        time.Minute,
	}
}

// Maintainer wraps a gocron scheduler running the fixed job set.
type Maintainer struct {
	cron     gocron.Scheduler
	agents   *agentregistry.Registry
	conns    *connregistry.Registry
	queue    *taskqueue.Queue
	balancer *loadbalancer.Balancer
	events   *eventlog.Logger
	logger   *zap.Logger
	cfg      Config
}

// New builds a Maintainer. Call Start to schedule and begin running jobs.
func New(
	agents *agentregistry.Registry,
	conns *connregistry.Registry,
	queue *taskqueue.Queue,
	balancer *loadbalancer.Balancer,
	events *eventlog.Logger,
	logger *zap.Logger,
	cfg Config,
) (*Maintainer, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("heartbeat: create gocron scheduler: %w", err)
	}
	return &Maintainer{
		cron:     s,
		agents:   agents,
		conns:    conns,
		queue:    queue,
		balancer: balancer,
		events:   events,
		logger:   logger.Named("heartbeat"),
		cfg:      cfg,
	}, nil
}

// Start registers the maintenance jobs and starts the scheduler.
func (m *Maintainer) Start() error {
	if _, err := m.cron.NewJob(
		gocron.DurationJob(m.cfg.LivenessInterval),
		gocron.NewTask(m.sweepLiveness),
		gocron.WithTags("liveness-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("heartbeat: schedule liveness sweep: %w", err)
	}

	if _, err := m.cron.NewJob(
		gocron.DurationJob(m.cfg.TimeoutSweepInterval),
		gocron.NewTask(m.sweepTimeouts),
		gocron.WithTags("timeout-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("heartbeat: schedule timeout sweep: %w", err)
	}

	if _, err := m.cron.NewJob(
		gocron.DurationJob(time.Hour),
		gocron.NewTask(m.cleanupTasks),
		gocron.WithTags("task-retention"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("heartbeat: schedule task retention: %w", err)
	}

	if _, err := m.cron.NewJob(
		gocron.DurationJob(m.cfg.DecayInterval),
		gocron.NewTask(m.decayMetrics),
		gocron.WithTags("metrics-decay"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("heartbeat: schedule metrics decay: %w", err)
	}

	m.cron.Start()
	m.logger.Info("heartbeat maintainer started",
		zap.Duration("liveness_interval", m.cfg.LivenessInterval),
		zap.Duration("liveness_timeout", m.cfg.LivenessTimeout),
		zap.Duration("unhealthy_grace", m.cfg.UnhealthyGrace),
		zap.Duration("timeout_sweep_interval", m.cfg.TimeoutSweepInterval),
		zap.Duration("retention_age", m.cfg.RetentionAge),
		zap.Duration("decay_interval", m.cfg.DecayInterval),
	)
	return nil
}

// Stop shuts the scheduler down, waiting for any in-flight job to finish.
func (m *Maintainer) Stop() error {
	if err := m.cron.Shutdown(); err != nil {
		return fmt.Errorf("heartbeat: scheduler shutdown: %w", err)
	}
	m.logger.Info("heartbeat maintainer stopped")
	return nil
}

// sweepLiveness marks every agent whose last heartbeat predates the liveness
// timeout as unhealthy, then unregisters any agent that's stayed unhealthy
// past unhealthy_grace, draining whatever tasks it was still holding back
// onto the queue rather than leaving them dispatched forever.
func (m *Maintainer) sweepLiveness() {
	cutoff := time.Now().Add(-m.cfg.LivenessTimeout)
	stale := m.agents.StaleSince(cutoff)
	for _, id := range stale {
		m.agents.MarkUnhealthy(id)
		m.events.Warn(eventlog.EventHeartbeatTimeout, "agent heartbeat timed out", map[string]any{
			"agent_id": id,
		})
	}
	if len(stale) > 0 {
		m.logger.Info("liveness sweep marked agents unhealthy", zap.Int("count", len(stale)))
	}

	graceCutoff := time.Now().Add(-m.cfg.UnhealthyGrace)
	expired := m.agents.GraceExpired(graceCutoff)
	for _, id := range expired {
		m.unregisterAgent(id)
	}
	if len(expired) > 0 {
		m.logger.Info("liveness sweep unregistered agents past grace period", zap.Int("count", len(expired)))
	}
}

// unregisterAgent removes an agent from the registry and balancer, then
// drains any tasks it was still holding back to the queue as retries (or
// terminal failures once retries are exhausted), so a dead agent never
// leaves a task stuck in the dispatched state forever.
func (m *Maintainer) unregisterAgent(agentID string) {
	held := m.queue.TasksForAgent(agentID)
	m.agents.Unregister(agentID)
	m.balancer.Forget(agentID)

	for _, t := range held {
		failed, _, terminal := m.queue.Fail(t.ID, "agent unregistered")
		if terminal {
			m.forwardTerminalFailure(failed)
		}
	}
}

// sweepTimeouts fails every dispatched task whose deadline has passed,
// releasing the holding agent and best-effort notifying it to stop working
// the task, matching the protocol's task-level timeout.
func (m *Maintainer) sweepTimeouts() {
	expired := m.queue.ExpiredDispatched(time.Now())
	for _, t := range expired {
		agentID := t.AssignedAgent
		m.agents.CompleteTask(agentID)
		m.balancer.RecordOutcome(agentID, false, 0)

		failed, _, terminal := m.queue.Fail(t.ID, "task timed out")
		if terminal {
			m.forwardTerminalFailure(failed)
		}

		if holder, ok := m.conns.LookupAgent(agentID); ok {
			if err := holder.SendNotification(wire.MethodTaskCancelRequest, wire.TaskCancelRequestParams{TaskID: t.ID}); err != nil {
				m.logger.Warn("failed to notify agent of timed-out task", zap.String("task_id", t.ID), zap.Error(err))
			}
		}

		m.events.Warn(eventlog.EventTaskTimeout, "task exceeded its deadline", map[string]any{
			"task_id":  t.ID,
			"agent_id": agentID,
		})
	}
	if len(expired) > 0 {
		m.logger.Info("timeout sweep expired tasks", zap.Int("count", len(expired)))
	}
}

// forwardTerminalFailure delivers a terminal task_timeout-style failure to
// the task's originating socket, mirroring resulthandler.Handler.forward.
func (m *Maintainer) forwardTerminalFailure(t *taskqueue.Task) {
	if t == nil || t.OriginClientID == "" {
		return
	}
	client, ok := m.conns.Lookup(t.OriginClientID)
	if !ok {
		return
	}
	result := wire.TaskStatusResponseResult{
		TaskID: t.ID,
		Status: string(t.Status),
		Error:  t.Error,
	}
	if err := client.SendNotification(wire.MethodTaskStatusResp, result); err != nil {
		m.logger.Warn("failed to forward terminal failure to originator",
			zap.String("task_id", t.ID), zap.Error(err))
	}
}

// cleanupTasks evicts terminal task records older than the retention age so
// the in-memory queue doesn't grow unbounded over a long-lived broker.
func (m *Maintainer) cleanupTasks() {
	cutoff := time.Now().Add(-m.cfg.RetentionAge)
	removed := m.queue.CleanupOlderThan(cutoff)
	if removed > 0 {
		m.logger.Info("evicted old terminal tasks", zap.Int("count", removed))
	}
}

// decayMetrics gently pulls every agent's load-balancer metrics back toward
// neutral, so old performance history doesn't permanently bias selection.
func (m *Maintainer) decayMetrics() {
	m.balancer.DecayAll()
}
