package testutil

import (
	"fmt"

	"github.com/hupe1980/agentsim/core"
)

// AgentBuilder provides a fluent helper for constructing agents in tests.
// Example:
//
//	a := NewAgentBuilder("alice").Personality(core.PersonalityCurious).Energy(5).Heard("bob", "hi").Build()
//
// Chain only the parts you need; the agent starts Idle with 100 energy.
type AgentBuilder struct {
	spec    core.AgentSpec
	state   core.AgentState
	memory  []core.MemoryEntry
	inbox   []core.Message
	pending string
	tick    uint64
}

// NewAgentBuilder creates a builder for the agent id. The name defaults to id.
func NewAgentBuilder(id string) *AgentBuilder {
	return &AgentBuilder{spec: core.AgentSpec{ID: id, Name: id, Energy: 100}, state: core.StateIdle}
}

// Name sets the display name (chainable).
func (b *AgentBuilder) Name(n string) *AgentBuilder { b.spec.Name = n; return b }

// Personality sets the personality template (chainable).
func (b *AgentBuilder) Personality(p string) *AgentBuilder { b.spec.Personality = p; return b }

// Energy sets the starting energy (chainable).
func (b *AgentBuilder) Energy(e float64) *AgentBuilder { b.spec.Energy = e; return b }

// State sets the lifecycle state (chainable).
func (b *AgentBuilder) State(s core.AgentState) *AgentBuilder { b.state = s; return b }

// Pending marks an in-flight gateway request (chainable).
func (b *AgentBuilder) Pending(requestID string) *AgentBuilder { b.pending = requestID; return b }

// Remember appends a raw memory entry (chainable).
func (b *AgentBuilder) Remember(e core.MemoryEntry) *AgentBuilder {
	b.memory = append(b.memory, e)
	return b
}

// Heard appends a heard entry from speaker at the next tick (chainable).
func (b *AgentBuilder) Heard(speaker, text string) *AgentBuilder {
	b.tick++
	return b.Remember(core.MemoryEntry{Tick: b.tick, Kind: core.MemoryHeard, Speaker: speaker, Text: text})
}

// Said appends a said entry at the next tick (chainable).
func (b *AgentBuilder) Said(text string) *AgentBuilder {
	b.tick++
	return b.Remember(core.MemoryEntry{Tick: b.tick, Kind: core.MemorySaid, Speaker: b.spec.ID, Text: text})
}

// HeardN appends n numbered heard entries cycling through speakers (chainable).
func (b *AgentBuilder) HeardN(n int, topic string, speakers ...string) *AgentBuilder {
	if len(speakers) == 0 {
		speakers = []string{"peer"}
	}
	for i := 0; i < n; i++ {
		b.tick++
		b.Remember(core.MemoryEntry{
			Tick:    b.tick,
			Kind:    core.MemoryHeard,
			Speaker: speakers[i%len(speakers)],
			Text:    fmt.Sprintf("line %d", i),
			Topic:   topic,
		})
	}
	return b
}

// Inbox queues delivered messages from sender (chainable).
func (b *AgentBuilder) Inbox(sender string, texts ...string) *AgentBuilder {
	for _, t := range texts {
		b.inbox = append(b.inbox, core.NewMessage(sender, b.spec.ID, t, b.tick, ""))
	}
	return b
}

// Build returns the configured agent.
func (b *AgentBuilder) Build() *core.Agent {
	a := core.NewAgent(b.spec)
	a.State = b.state
	a.Memory = append([]core.MemoryEntry(nil), b.memory...)
	a.Inbox = append([]core.Message(nil), b.inbox...)
	a.PendingRequest = b.pending
	return a
}
