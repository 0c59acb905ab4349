package core

import (
	"time"

	"github.com/google/uuid"
)

// EventKind classifies outward simulation events.
type EventKind string

const (
	EventTickStarted        EventKind = "tick_started"
	EventTickCompleted      EventKind = "tick_completed"
	EventStateChanged       EventKind = "state_changed"
	EventMessagePosted      EventKind = "message_posted"
	EventMailboxOverflow    EventKind = "mailbox_overflow"
	EventGatewayFailure     EventKind = "gateway_failure"
	EventTopicChanged       EventKind = "topic_changed"
	EventMemoryConsolidated EventKind = "memory_consolidated"
	EventAgentSpawned       EventKind = "agent_spawned"
	EventAgentRemoved       EventKind = "agent_removed"
	EventSimulationHalted   EventKind = "simulation_halted"
	EventSimulationStatus   EventKind = "simulation_status"
)

// Event is the unit of outward communication from the engine to renderers,
// journals and observers. After emission it should be treated as immutable.
// Only the fields relevant to Kind are populated.
type Event struct {
	ID        string     `json:"id"`
	Kind      EventKind  `json:"kind"`
	Tick      uint64     `json:"tick"`
	Timestamp time.Time  `json:"timestamp"`
	AgentID   string     `json:"agent_id,omitempty"`
	From      AgentState `json:"from"`
	To        AgentState `json:"to"`
	Energy    float64    `json:"energy,omitempty"`
	Message   *Message   `json:"message,omitempty"`
	Topic     string     `json:"topic,omitempty"`
	Dropped   int        `json:"dropped,omitempty"`
	Attempts  int        `json:"attempts,omitempty"`
	Error     string     `json:"error,omitempty"`
	Detail    string     `json:"detail,omitempty"`
}

// NewEvent creates a bare event of the given kind bound to a tick.
// Prefer the helper constructors for common categories.
func NewEvent(kind EventKind, tick uint64) Event {
	return Event{
		ID:        NewID(),
		Kind:      kind,
		Tick:      tick,
		Timestamp: time.Now().UTC(),
	}
}

// NewStateChangedEvent records an agent transition.
func NewStateChangedEvent(tick uint64, agentID string, from, to AgentState, energy float64) Event {
	e := NewEvent(EventStateChanged, tick)
	e.AgentID = agentID
	e.From = from
	e.To = to
	e.Energy = energy
	return e
}

// NewMessagePostedEvent records a message accepted by the bus.
func NewMessagePostedEvent(tick uint64, m Message) Event {
	e := NewEvent(EventMessagePosted, tick)
	e.AgentID = m.Sender
	e.Message = &m
	e.Topic = m.Topic
	return e
}

// NewGatewayFailureEvent records a terminal gateway failure for an agent.
func NewGatewayFailureEvent(tick uint64, agentID string, attempts int, err error) Event {
	e := NewEvent(EventGatewayFailure, tick)
	e.AgentID = agentID
	e.Attempts = attempts
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// NewID generates a new unique identifier for events, messages and requests.
func NewID() string { return uuid.NewString() }

// UnixSeconds returns the timestamp as fractional seconds since Unix epoch.
func (e Event) UnixSeconds() float64 { return float64(e.Timestamp.UnixNano()) / 1e9 }
