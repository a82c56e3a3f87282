package eventlog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sink receives serialized events. Write must be safe for concurrent use.
type Sink interface {
	Write(e Event) error
}

// writerSink serializes events as single-line JSON to an io.Writer, matching
// the "serialized to JSON and written to at least one sink" requirement.
// Concurrent writers are serialized with a mutex, the same discipline the
// teacher's websocket.Client applies to its single wire writer.
type writerSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink wraps any io.Writer (stderr, a file) as a Sink.
func NewWriterSink(w io.Writer) Sink {
	return &writerSink{w: w}
}

func (s *writerSink) Write(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("eventlog: marshal event: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(data)
	return err
}

// Logger fans typed events out to the general sink set and, for task_*
// events, additionally to a dedicated task-audit sink — mirroring the
// source's separate `self.logger` / `self.task_logger`.
type Logger struct {
	zap       *zap.Logger
	sinks     []Sink
	taskSinks []Sink
}

// Option configures a Logger at construction time.
type Option func(*Logger)

// WithSink adds a general-purpose sink (receives every event).
func WithSink(s Sink) Option {
	return func(l *Logger) { l.sinks = append(l.sinks, s) }
}

// WithTaskSink adds a sink that receives only task events (task_* plus
// late_result and misrouted_result; see isTaskEvent), in addition to
// the general sinks — the audit stream analogous to logs/mcp_tasks.log.
func WithTaskSink(s Sink) Option {
	return func(l *Logger) { l.taskSinks = append(l.taskSinks, s) }
}

// New builds a Logger. If no sinks are configured via options, stderr is used
// as the default general sink, per "stderr by default; a file sink is
// optional".
func New(zl *zap.Logger, opts ...Option) *Logger {
	l := &Logger{zap: zl.Named("events")}
	for _, opt := range opts {
		opt(l)
	}
	if len(l.sinks) == 0 {
		l.sinks = append(l.sinks, NewWriterSink(os.Stderr))
	}
	return l
}

// Emit records an event to every configured sink (and the task sink set, if
// applicable), plus a matching zap log line at the event's level.
func (l *Logger) Emit(level Level, t EventType, message string, fields map[string]any) {
	e := Event{Level: level, EventType: t, Message: message, Fields: fields}
	e.Timestamp = time.Now()

	l.logZap(level, t, message, fields)

	for _, s := range l.sinks {
		if err := s.Write(e); err != nil {
			l.zap.Warn("eventlog: sink write failed", zap.Error(err), zap.String("event_type", string(t)))
		}
	}
	if isTaskEvent(t) {
		for _, s := range l.taskSinks {
			if err := s.Write(e); err != nil {
				l.zap.Warn("eventlog: task sink write failed", zap.Error(err), zap.String("event_type", string(t)))
			}
		}
	}
}

func (l *Logger) logZap(level Level, t EventType, message string, fields map[string]any) {
	zf := make([]zap.Field, 0, len(fields)+1)
	zf = append(zf, zap.String("event_type", string(t)))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	switch level {
	case LevelDebug:
		l.zap.Debug(message, zf...)
	case LevelWarn:
		l.zap.Warn(message, zf...)
	case LevelError:
		l.zap.Error(message, zf...)
	default:
		l.zap.Info(message, zf...)
	}
}

// Convenience wrappers for the common levels, matching how callers read most
// naturally at use sites (l.Info(EventTaskDispatch, "...", fields)).

func (l *Logger) Info(t EventType, message string, fields map[string]any) {
	l.Emit(LevelInfo, t, message, fields)
}

func (l *Logger) Warn(t EventType, message string, fields map[string]any) {
	l.Emit(LevelWarn, t, message, fields)
}

func (l *Logger) Error(t EventType, message string, fields map[string]any) {
	l.Emit(LevelError, t, message, fields)
}
