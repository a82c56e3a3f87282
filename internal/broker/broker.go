// Package broker wires C1 through C9 into a single running server: it owns
// the HTTP listener that upgrades to websocket connections, the inbound
// message dispatch that decodes frames and routes them to the appropriate
// component, and the lifecycle (Run/Shutdown) of every background loop.
// The overall shape — one Server struct composing collaborators, an
// errgroup running its background loops, a context-driven shutdown — is
// grounded on arkeep's cmd/server/main.go wiring sequence.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pzanna/mcp-broker/internal/agentregistry"
	"github.com/pzanna/mcp-broker/internal/connregistry"
	"github.com/pzanna/mcp-broker/internal/dispatcher"
	"github.com/pzanna/mcp-broker/internal/eventlog"
	"github.com/pzanna/mcp-broker/internal/heartbeat"
	"github.com/pzanna/mcp-broker/internal/loadbalancer"
	"github.com/pzanna/mcp-broker/internal/mcptypes"
	"github.com/pzanna/mcp-broker/internal/resulthandler"
	"github.com/pzanna/mcp-broker/internal/store"
	"github.com/pzanna/mcp-broker/internal/taskqueue"
	"github.com/pzanna/mcp-broker/internal/transport"
	"github.com/pzanna/mcp-broker/internal/wire"
)

// Server is the assembled broker: every component plus the glue that reads
// inbound frames and routes them.
type Server struct {
	cfg    Config
	logger *zap.Logger
	events *eventlog.Logger

	hub      *transport.Hub
	conns    *connregistry.Registry
	agents   *agentregistry.Registry
	queue    *taskqueue.Queue
	balancer *loadbalancer.Balancer
	dispatch *dispatcher.Dispatcher
	results  *resulthandler.Handler
	maint    *heartbeat.Maintainer
	store    store.Store

	inbound chan transport.InboundFrame

	startedAt             time.Time
	totalTasksProcessed   atomic.Int64
	totalMessagesSent     atomic.Int64
	totalMessagesReceived atomic.Int64
	totalAgentsRegistered atomic.Int64
}

// New assembles every broker component but does not start any loop.
func New(cfg Config, logger *zap.Logger) (*Server, error) {
	var eventOpts []eventlog.Option
	if cfg.LogPath != "" {
		f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("broker: open log path %q: %w", cfg.LogPath, err)
		}
		eventOpts = append(eventOpts, eventlog.WithSink(eventlog.NewWriterSink(f)))
	}
	events := eventlog.New(logger, eventOpts...)

	transport.SetPingTimeout(cfg.PingTimeout)

	var st store.Store = store.NoopStore{}
	// sqlitestore is wired in cmd/broker/main.go when cfg.StoreDriver ==
	// "sqlite", to keep this package free of a direct sqlite/GORM import
	// when persistence isn't requested.

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		events:    events,
		store:     st,
		inbound:   make(chan transport.InboundFrame, 256),
		startedAt: time.Now(),
	}

	s.agents = agentregistry.New(events)
	s.queue = taskqueue.New(events, cfg.MaxQueueSize)
	s.balancer = loadbalancer.New(mcptypes.ParseStrategy(cfg.Strategy), s.agents, events, cfg.breakerConfig())

	// connregistry.Registry wraps the hub and needs a reference to it, but
	// the hub's disconnect callback needs a reference back into the
	// registry — built in two steps to break the cycle.
	s.conns = connregistry.New(nil, events, logger)
	s.hub = transport.NewHub(s.conns.OnDisconnect)
	s.conns.AttachHub(s.hub)
	s.conns.SetAgentUnregisterFunc(s.onAgentUnregister)

	s.dispatch = dispatcher.New(s.queue, s.agents, s.balancer, s.conns, events, logger, cfg.DispatchPollInterval)
	s.results = resulthandler.New(s.queue, s.agents, s.balancer, s.conns, events, logger)

	maintCfg := heartbeat.Config{
		LivenessInterval:     cfg.LivenessInterval,
		LivenessTimeout:      cfg.LivenessTimeout,
		UnhealthyGrace:       cfg.UnhealthyGrace,
		TimeoutSweepInterval: cfg.TimeoutSweepInterval,
		RetentionAge:         cfg.TaskRetentionAge,
		DecayInterval:        cfg.MetricsDecayInterval,
	}
	maint, err := heartbeat.New(s.agents, s.conns, s.queue, s.balancer, events, logger, maintCfg)
	if err != nil {
		return nil, fmt.Errorf("broker: build maintainer: %w", err)
	}
	s.maint = maint

	return s, nil
}

// SetStore overrides the default no-op persistence layer; called by
// cmd/broker's main after New when cfg.StoreDriver selects sqlite.
func (s *Server) SetStore(st store.Store) {
	s.store = st
}

// Run starts every background loop and the HTTP listener, blocking until
// ctx is cancelled or an unrecoverable error occurs.
func (s *Server) Run(ctx context.Context) error {
	if err := s.maint.Start(); err != nil {
		return fmt.Errorf("broker: start maintainer: %w", err)
	}
	defer func() {
		if err := s.maint.Stop(); err != nil {
			s.logger.Warn("maintainer stop error", zap.Error(err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		s.dispatch.Run(gctx)
		return nil
	})

	g.Go(func() error {
		return s.dispatchInboundLoop(gctx)
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	if s.cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: s.cfg.MetricsAddr, Handler: metricsMux}
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			s.logger.Info("metrics server listening", zap.String("addr", s.cfg.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	httpSrv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		s.logger.Info("broker listening", zap.String("addr", s.cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	s.events.Info(eventlog.EventServerStart, "broker started", map[string]any{"addr": s.cfg.ListenAddr})
	err := g.Wait()
	s.events.Info(eventlog.EventServerStop, "broker stopped", nil)
	return err
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	clientID := uuid.NewString()
	c, err := transport.NewClient(s.hub, clientID, w, r, s.logger)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.conns.OnConnect(c)
	go c.Run(s.inbound)
}

// dispatchInboundLoop is C1's decode-and-route stage: every frame read off
// any client socket lands here, gets sniffed for shape, and is routed to
// the handler for its method.
func (s *Server) dispatchInboundLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-s.inbound:
			s.totalMessagesReceived.Add(1)
			s.handleFrame(ctx, frame)
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, frame transport.InboundFrame) {
	shape, _, err := wire.Sniff(frame.Data)
	if err != nil {
		s.events.Warn(eventlog.EventInternalError, "malformed frame", map[string]any{
			"client_id": frame.ClientID,
			"error":     err.Error(),
		})
		return
	}

	client, ok := s.conns.Lookup(frame.ClientID)
	if !ok {
		return // socket closed between read and dispatch
	}

	switch shape {
	case wire.ShapeNotification:
		s.handleNotification(client, frame)
	case wire.ShapeRequest:
		s.handleRequest(ctx, client, frame)
	case wire.ShapeResponse:
		// The broker never issues correlated requests to sockets in the
		// current protocol surface, so an inbound response is unexpected;
		// logged and dropped.
		s.events.Warn(eventlog.EventInternalError, "unexpected response frame", map[string]any{
			"client_id": frame.ClientID,
		})
	}
}

func (s *Server) handleNotification(client *transport.Client, frame transport.InboundFrame) {
	n, err := wire.DecodeNotification(frame.Data)
	if err != nil {
		s.logger.Warn("failed to decode notification", zap.Error(err))
		return
	}

	switch n.Method {
	case wire.MethodAgentRegister:
		var p wire.AgentRegisterParams
		if err := json.Unmarshal(n.Params, &p); err != nil {
			return
		}
		s.agents.Register(p.AgentID, p.AgentType, p.Capabilities, p.MaxConcurrent)
		s.conns.BindAgent(client.ID(), p.AgentID)
		s.totalAgentsRegistered.Add(1)
		_ = client.SendNotification(wire.MethodRegistrationOK, wire.RegistrationConfirmedResult{AgentID: p.AgentID})

	case wire.MethodAgentUnregister:
		var p wire.AgentUnregisterParams
		if err := json.Unmarshal(n.Params, &p); err == nil {
			s.unregisterAgent(p.AgentID)
		}

	case wire.MethodHeartbeat:
		var p wire.HeartbeatParams
		if err := json.Unmarshal(n.Params, &p); err == nil {
			s.agents.Heartbeat(p.AgentID)
		}

	case wire.MethodTaskResult:
		var p wire.TaskResultParams
		if err := json.Unmarshal(n.Params, &p); err == nil {
			s.results.Handle(p.AgentID, p)
			s.totalTasksProcessed.Add(1)
		}

	default:
		s.logger.Debug("unhandled notification method", zap.String("method", n.Method))
	}
}

func (s *Server) handleRequest(ctx context.Context, client *transport.Client, frame transport.InboundFrame) {
	req, err := wire.DecodeRequest(frame.Data)
	if err != nil {
		s.logger.Warn("failed to decode request", zap.Error(err))
		return
	}

	switch req.Method {
	case wire.MethodResearchAction:
		s.handleResearchAction(client, req)
	case wire.MethodCancelTask:
		s.handleCancelTask(client, req)
	case wire.MethodGetTaskStatus:
		s.handleGetTaskStatus(client, req)
	case wire.MethodGetServerStats:
		s.handleGetServerStats(client, req)
	case wire.MethodGetActiveTasks:
		s.handleGetActiveTasks(client, req)
	default:
		_ = client.SendError(req.ID, wire.CodeMethodNotFound, "method not found")
	}
}

func (s *Server) handleResearchAction(client *transport.Client, req *wire.Request) {
	var p wire.ResearchActionParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		_ = client.SendError(req.ID, wire.CodeInvalidParams, "invalid params")
		return
	}

	taskID := p.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}

	timeout := time.Duration(p.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = s.cfg.TaskTimeout
	}

	maxRetries := p.MaxRetries
	if maxRetries == 0 {
		maxRetries = s.cfg.RetryAttempts
	}

	t := &taskqueue.Task{
		ID:             taskID,
		ContextID:      p.ContextID,
		AgentType:      p.AgentType,
		Action:         p.Action,
		Payload:        p.Payload,
		Priority:       mcptypes.ParsePriority(p.Priority),
		Dependencies:   p.Dependencies,
		Timeout:        timeout,
		MaxRetries:     maxRetries,
		OriginClientID: client.ID(),
	}

	admitted, reason := s.queue.Add(t)
	if !admitted {
		if reason == taskqueue.AdmitQueueOverflow {
			s.events.Warn(eventlog.EventQueueOverflow, "task rejected, queue full", map[string]any{
				"task_id": taskID,
			})
		}
		_ = client.SendResult(req.ID, wire.TaskRejectedResult{TaskID: taskID, Reason: string(reason)})
		return
	}

	_ = client.SendResult(req.ID, wire.TaskQueuedResult{TaskID: taskID, Status: string(mcptypes.TaskQueued)})
}

func (s *Server) handleCancelTask(client *transport.Client, req *wire.Request) {
	var p wire.CancelTaskParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		_ = client.SendError(req.ID, wire.CodeInvalidParams, "invalid params")
		return
	}

	t, wasDispatched, ok := s.queue.Cancel(p.TaskID)
	if !ok {
		_ = client.SendError(req.ID, wire.CodeInvalidRequest, "task not found or already terminal")
		return
	}

	if wasDispatched && t.AssignedAgent != "" {
		s.agents.CompleteTask(t.AssignedAgent)
		if holder, ok := s.conns.LookupAgent(t.AssignedAgent); ok {
			_ = holder.SendNotification(wire.MethodTaskCancelRequest, wire.TaskCancelRequestParams{TaskID: t.ID})
		}
	}

	_ = client.SendResult(req.ID, wire.TaskStatusResponseResult{TaskID: t.ID, Status: string(t.Status)})
}

func (s *Server) handleGetTaskStatus(client *transport.Client, req *wire.Request) {
	var p wire.GetTaskStatusParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		_ = client.SendError(req.ID, wire.CodeInvalidParams, "invalid params")
		return
	}

	t, ok := s.queue.Get(p.TaskID)
	if !ok {
		_ = client.SendError(req.ID, wire.CodeInvalidRequest, "task not found")
		return
	}

	_ = client.SendResult(req.ID, wire.TaskStatusResponseResult{
		TaskID:        t.ID,
		Status:        string(t.Status),
		AssignedAgent: t.AssignedAgent,
		RetryCount:    t.RetryCount,
		Result:        t.Result,
		Error:         t.Error,
	})
}

func (s *Server) handleGetServerStats(client *transport.Client, req *wire.Request) {
	readyCount, waitingCount, dispatchedCount := s.queue.Snapshot()

	stats := mcptypes.ServerStats{
		StartedAt:             s.startedAt,
		TotalTasksProcessed:   s.totalTasksProcessed.Load(),
		TotalMessagesSent:     s.totalMessagesSent.Load(),
		TotalMessagesReceived: s.totalMessagesReceived.Load(),
		TotalAgentsRegistered: s.totalAgentsRegistered.Load(),
		ConnectedAgents:       s.agents.Count(),
		QueuedTasks:           readyCount + waitingCount,
		ActiveTasks:           dispatchedCount,
		MaxConcurrentTasks:    s.cfg.MaxConcurrentTasks,
		MaxQueueSize:          s.cfg.MaxQueueSize,
	}
	_ = client.SendResult(req.ID, stats)
}

func (s *Server) handleGetActiveTasks(client *transport.Client, req *wire.Request) {
	tasks := s.queue.ActiveTasks()
	out := make([]wire.TaskStatusResponseResult, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, wire.TaskStatusResponseResult{
			TaskID:        t.ID,
			Status:        string(t.Status),
			AssignedAgent: t.AssignedAgent,
			RetryCount:    t.RetryCount,
		})
	}
	_ = client.SendResult(req.ID, wire.ActiveTasksResponseResult{Tasks: out})
}

// onAgentUnregister is invoked by the connection registry when a socket
// bound to an agent id disconnects — it applies the same effects as an
// explicit agent_unregister notification.
func (s *Server) onAgentUnregister(agentID string) {
	s.unregisterAgent(agentID)
}

// unregisterAgent removes an agent from the registry and balancer, then
// drains whatever tasks it was still holding back onto the queue as
// retries (or terminal failures once retries are exhausted), so a socket
// closing mid-task never leaves that task stuck dispatched forever. Shared
// by both the explicit agent_unregister notification and the socket-close
// disconnect path.
func (s *Server) unregisterAgent(agentID string) {
	held := s.queue.TasksForAgent(agentID)
	s.agents.Unregister(agentID)
	s.balancer.Forget(agentID)

	for _, t := range held {
		failed, _, terminal := s.queue.Fail(t.ID, "agent unregistered")
		if terminal {
			s.forwardTerminalFailure(failed)
		}
	}
}

// forwardTerminalFailure delivers a terminal task outcome to its
// originating socket, mirroring resulthandler.Handler.forward for failures
// produced outside the normal task_result path (agent disconnects, task
// timeouts).
func (s *Server) forwardTerminalFailure(t *taskqueue.Task) {
	if t == nil || t.OriginClientID == "" {
		return
	}
	client, ok := s.conns.Lookup(t.OriginClientID)
	if !ok {
		return
	}
	result := wire.TaskStatusResponseResult{
		TaskID: t.ID,
		Status: string(t.Status),
		Error:  t.Error,
	}
	if err := client.SendNotification(wire.MethodTaskStatusResp, result); err != nil {
		s.logger.Warn("failed to forward terminal failure to originator",
			zap.String("task_id", t.ID), zap.Error(err))
	}
}
