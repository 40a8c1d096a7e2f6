package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published on the bus.
type EventType string

const (
	EventAgentSpawned   EventType = "agent.spawned"
	EventAgentExited    EventType = "agent.exited"
	EventAgentCrashed   EventType = "agent.crashed"
	EventAgentRestarted EventType = "agent.restarted"
	EventAgentFault     EventType = "agent.fault"
	EventPolicyChanged  EventType = "policy.changed"
	EventLLMCompleted   EventType = "llm.request.completed"
)

// Event is an envelope published on the in-process bus. The bus is the
// asynchronous observability feed; lifecycle listeners registered on the
// supervisor are notified synchronously and are a separate mechanism.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler consumes events from the bus.
type EventHandler func(ctx context.Context, event Event)

// EventBus fans events out to subscribers.
type EventBus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(eventType EventType, handler EventHandler) func()
	SubscribeAll(handler EventHandler) func()
	Close()
}
