package splitjoin

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType identifies an engine lifecycle event
type EventType string

const (
	EventEngineInitialised   EventType = "engine.initialised"
	EventEngineStarted       EventType = "engine.started"
	EventEngineStopped       EventType = "engine.stopped"
	EventEngineClosed        EventType = "engine.closed"
	EventInvocationStarted   EventType = "invocation.started"
	EventInvocationCompleted EventType = "invocation.completed"
	EventInvocationFailed    EventType = "invocation.failed"
)

// Event is a lifecycle notification emitted by the engine when SendEvents is on.
type Event struct {
	ID           string            `json:"id"`
	Type         EventType         `json:"type"`
	InvocationID string            `json:"invocation_id,omitempty"`
	MessageID    string            `json:"message_id,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	Data         map[string]string `json:"data,omitempty"`
}

// NewEvent creates an event of the given type stamped with a fresh id and the current time
func NewEvent(eventType EventType) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

// WithData returns a copy of e with key set in its data map
func (e Event) WithData(key, value string) Event {
	data := make(map[string]string, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data[key] = value
	e.Data = data
	return e
}

// EventHandlerFunc adapts a function into an EventHandler
type EventHandlerFunc func(ctx context.Context, event Event) error

// HandleEvent calls f(ctx, event).
func (f EventHandlerFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// NoOpEventHandler discards every event
type NoOpEventHandler struct{}

func (NoOpEventHandler) HandleEvent(ctx context.Context, event Event) error { return nil }

var _ EventHandler = NoOpEventHandler{}
