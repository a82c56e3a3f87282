package agentruntime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/pzanna/mcp-broker/internal/wire"
)

// collectMetrics takes a best-effort host CPU/memory snapshot to enrich a
// heartbeat, exactly as the teacher's agent attaches metrics.Collect() to
// every Heartbeat RPC. Errors are swallowed — metrics are an optional
// enrichment, not load-bearing for liveness.
func collectMetrics() *wire.HeartbeatMetrics {
	m := &wire.HeartbeatMetrics{}

	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		m.CPUPercent = percentages[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		m.MemoryPercent = vm.UsedPercent
	}
	return m
}

// EchoHandler is a minimal built-in TaskHandler useful for smoke-testing a
// new agent deployment: it returns its input unchanged.
func EchoHandler(_ context.Context, taskData json.RawMessage) (any, error) {
	var v any
	if len(taskData) > 0 {
		if err := json.Unmarshal(taskData, &v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// SleepHandler simulates a task that takes a configurable amount of time,
// honoring context cancellation — useful for exercising the dispatcher's
// timeout and cancellation paths end-to-end.
func SleepHandler(ctx context.Context, taskData json.RawMessage) (any, error) {
	var params struct {
		DurationMs int `json:"duration_ms"`
	}
	if len(taskData) > 0 {
		if err := json.Unmarshal(taskData, &params); err != nil {
			return nil, err
		}
	}
	if params.DurationMs <= 0 {
		params.DurationMs = 100
	}

	select {
	case <-time.After(time.Duration(params.DurationMs) * time.Millisecond):
		return map[string]any{"slept_ms": params.DurationMs}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
