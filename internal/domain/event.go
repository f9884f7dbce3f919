package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventExecStarted     EventType = "exec.started"
	EventExecFinished    EventType = "exec.finished"
	EventExecInterrupted EventType = "exec.interrupted"
	EventExecSpill       EventType = "exec.spill"

	EventSessionStarted EventType = "session.started"

	EventSecretsCompiled EventType = "secrets.compiled"

	EventAuditRetention EventType = "audit.retention"
	EventHistoryPruned  EventType = "history.pruned"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	ExecID    string          `json:"exec_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for pipeline events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
