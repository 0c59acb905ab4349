package testutil

import "github.com/hupe1980/agentsim/core"

// EventBuilder provides a fluent helper for constructing events in tests.
// Example:
//
//	ev := NewEventBuilder(core.EventStateChanged).Tick(3).Agent("alice").Transition(core.StateIdle, core.StateThinking).Build()
//
// Chain only the parts you need.
type EventBuilder struct {
	ev core.Event
}

// NewEventBuilder creates a builder for kind at tick 0.
func NewEventBuilder(kind core.EventKind) *EventBuilder {
	return &EventBuilder{ev: core.NewEvent(kind, 0)}
}

// Tick sets the tick (chainable).
func (b *EventBuilder) Tick(t uint64) *EventBuilder { b.ev.Tick = t; return b }

// Agent sets the agent id (chainable).
func (b *EventBuilder) Agent(id string) *EventBuilder { b.ev.AgentID = id; return b }

// Transition sets the from and to states (chainable).
func (b *EventBuilder) Transition(from, to core.AgentState) *EventBuilder {
	b.ev.From, b.ev.To = from, to
	return b
}

// Energy sets the energy after the event (chainable).
func (b *EventBuilder) Energy(e float64) *EventBuilder { b.ev.Energy = e; return b }

// Message attaches a message from sender to recipient (chainable).
func (b *EventBuilder) Message(sender, recipient, text string) *EventBuilder {
	m := core.NewMessage(sender, recipient, text, b.ev.Tick, b.ev.Topic)
	b.ev.Message = &m
	return b
}

// Topic sets the topic (chainable).
func (b *EventBuilder) Topic(t string) *EventBuilder { b.ev.Topic = t; return b }

// Failure sets the attempt count and error text (chainable).
func (b *EventBuilder) Failure(attempts int, msg string) *EventBuilder {
	b.ev.Attempts = attempts
	b.ev.Error = msg
	return b
}

// Detail sets the free-form detail (chainable).
func (b *EventBuilder) Detail(d string) *EventBuilder { b.ev.Detail = d; return b }

// Build returns the configured event.
func (b *EventBuilder) Build() core.Event { return b.ev }
