package eventlog

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestEmitWritesToGeneralSink(t *testing.T) {
	var buf bytes.Buffer
	l := New(zap.NewNop(), WithSink(NewWriterSink(&buf)))

	l.Info(EventClientConnect, "client connected", map[string]any{"client_id": "c-1"})

	var e Event
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &e); err != nil {
		t.Fatalf("decode emitted event: %v", err)
	}
	if e.EventType != EventClientConnect {
		t.Errorf("expected event_type %s, got %s", EventClientConnect, e.EventType)
	}
	if e.Fields["client_id"] != "c-1" {
		t.Errorf("expected client_id field to round-trip, got %v", e.Fields["client_id"])
	}
}

func TestEmitRoutesTaskEventsToTaskSink(t *testing.T) {
	var general, tasks bytes.Buffer
	l := New(zap.NewNop(), WithSink(NewWriterSink(&general)), WithTaskSink(NewWriterSink(&tasks)))

	l.Info(EventTaskDispatch, "task dispatched", map[string]any{"task_id": "t-1"})
	l.Info(EventClientConnect, "client connected", nil)

	if strings.Count(general.String(), "\n") != 2 {
		t.Errorf("expected both events on the general sink, got %q", general.String())
	}
	if strings.Count(tasks.String(), "\n") != 1 {
		t.Errorf("expected only the task event on the task sink, got %q", tasks.String())
	}
	if !strings.Contains(tasks.String(), "task_dispatch") {
		t.Errorf("expected task_dispatch in task sink, got %q", tasks.String())
	}
}

func TestNewDefaultsToStderrWhenNoSinkConfigured(t *testing.T) {
	l := New(zap.NewNop())
	if len(l.sinks) != 1 {
		t.Fatalf("expected exactly one default sink, got %d", len(l.sinks))
	}
}
