// Package events carries audit and notification events out of the scheduler
// and storage core to whatever collaborator is listening.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Type names an event kind.
type Type string

const (
	TypeBatchScheduled Type = "batch.scheduled"
	TypeBatchCompleted Type = "batch.completed"
	TypeStepCompleted  Type = "step.completed"
	TypeStepRetried    Type = "step.retried"
	TypeIssueUpdate    Type = "issue.update"
	TypeLeaseAssigned  Type = "lease.assigned"
	TypeLeaseLost      Type = "lease.lost"
	TypeRefExpired     Type = "ref.expired"
	TypeBlobsCollected Type = "blobs.collected"
)

// Event is one audit or notification record.
type Event struct {
	Type      Type                   `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
}

// Sink receives events. Implementations must be safe for concurrent use and
// must not block the caller for long.
type Sink interface {
	Publish(ctx context.Context, event Event)
}

// Discard drops every event.
var Discard Sink = discardSink{}

type discardSink struct{}

func (discardSink) Publish(context.Context, Event) {}

// LogSink writes events to a logger.
type LogSink struct {
	logger logr.Logger
}

func NewLogSink(logger logr.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(_ context.Context, event Event) {
	kv := make([]interface{}, 0, 4+2*len(event.Data))
	kv = append(kv, "type", string(event.Type), "source", event.Source)
	for k, v := range event.Data {
		kv = append(kv, k, v)
	}
	s.logger.Info("event", kv...)
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events, optionally filtered by type.
func (r *Recorder) Events(types ...Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, 0, len(r.events))
	for _, e := range r.events {
		if len(types) == 0 || containsType(types, e.Type) {
			out = append(out, e)
		}
	}
	return out
}

func containsType(types []Type, t Type) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, event Event) {
	for _, s := range m {
		s.Publish(ctx, event)
	}
}
