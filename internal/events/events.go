// Package events carries non-blocking notifications about scans, agents and
// tool calls. Sinks never return errors to the emitter.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/phalanx/internal/natsbus"
)

type Type string

const (
	ToolStart         Type = "tool_start"
	ToolProgress      Type = "tool_progress"
	ToolComplete      Type = "tool_complete"
	AgentThinking     Type = "agent_thinking"
	ScanStarted       Type = "scan_started"
	ScanCompleted     Type = "scan_completed"
	ScanFailed        Type = "scan_failed"
	FindingDiscovered Type = "finding_discovered"
)

type Event struct {
	Type      Type
	GroupID   string
	AgentID   string
	Timestamp time.Time
	Data      map[string]any
}

type Sink interface {
	Emit(e Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(Event) {}

// Publisher is the part of the bus client the NATS sink needs.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

// NATS publishes events as JSON on the scan topic of the group and the
// agent topic of the emitter.
type NATS struct {
	pub Publisher
}

func NewNATS(pub Publisher) *NATS {
	return &NATS{pub: pub}
}

func (n *NATS) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	payload := map[string]any{
		"type":      string(e.Type),
		"group_id":  e.GroupID,
		"agent_id":  e.AgentID,
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339),
		"data":      e.Data,
	}

	if e.GroupID != "" {
		if err := n.pub.PublishJSON(natsbus.TopicEventsScan(e.GroupID), payload); err != nil {
			slog.Warn("publish scan event failed", "type", e.Type, "group", e.GroupID, "error", err)
		}
	}
	if e.AgentID != "" {
		if err := n.pub.PublishJSON(natsbus.TopicEventsAgent(e.AgentID), payload); err != nil {
			slog.Warn("publish agent event failed", "type", e.Type, "agent", e.AgentID, "error", err)
		}
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t, oldest first.
func (r *Recorder) OfType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
