package core

import (
	"fmt"
	"strings"
)

// AgentState enumerates the behavioral states of a simulated agent.
type AgentState int

const (
	// StateIdle is the resting state; the agent listens and regenerates energy.
	StateIdle AgentState = iota
	// StateThinking means a gateway request is pending for the agent.
	StateThinking
	// StateSpeaking means a validated utterance is being posted.
	StateSpeaking
	// StateDormant is reached on energy exhaustion and left only by waking.
	StateDormant
)

// String returns the lowercase state name.
func (s AgentState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateDormant:
		return "dormant"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler so states serialize by name.
func (s AgentState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *AgentState) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "idle":
		*s = StateIdle
	case "thinking":
		*s = StateThinking
	case "speaking":
		*s = StateSpeaking
	case "dormant":
		*s = StateDormant
	default:
		return fmt.Errorf("unknown agent state %q", string(b))
	}
	return nil
}

// Agent is a simulated participant. The engine owns every Agent value; only
// the state machine writes State and Energy, and only the memory synthesizer
// rewrites Memory wholesale.
type Agent struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Personality Personality   `json:"personality"`
	State       AgentState    `json:"state"`
	Energy      float64       `json:"energy"`
	Memory      []MemoryEntry `json:"memory"`

	// LastActiveTick is the last tick the agent left Idle or spoke.
	LastActiveTick uint64 `json:"last_active_tick"`
	// IdleTicks counts consecutive ticks spent in Idle.
	IdleTicks int `json:"idle_ticks"`
	// ConsecutiveFailures counts gateway exhaustions since the last utterance.
	ConsecutiveFailures int `json:"consecutive_failures"`
	// Inbox holds delivered messages the agent has not yet acted upon.
	Inbox []Message `json:"inbox,omitempty"`
	// PendingRequest is the id of the agent's in-flight gateway request, if any.
	PendingRequest string `json:"pending_request,omitempty"`
}

// NewAgent constructs an Idle agent from a spec.
func NewAgent(spec AgentSpec) *Agent {
	id := spec.ID
	if id == "" {
		id = NewID()
	}
	name := spec.Name
	if name == "" {
		name = id
	}
	return &Agent{
		ID:          id,
		Name:        name,
		Personality: PersonalityFromTemplate(spec.Personality),
		State:       StateIdle,
		Energy:      spec.Energy,
		Memory:      []MemoryEntry{},
	}
}

// Clone returns a deep copy safe to hand outside the engine goroutine.
func (a *Agent) Clone() *Agent {
	c := *a
	c.Memory = append([]MemoryEntry(nil), a.Memory...)
	c.Inbox = append([]Message(nil), a.Inbox...)
	return &c
}

// Remember appends an entry to the raw memory log.
func (a *Agent) Remember(e MemoryEntry) { a.Memory = append(a.Memory, e) }

// RecentMemory returns up to n of the newest memory entries, oldest first.
func (a *Agent) RecentMemory(n int) []MemoryEntry {
	if n <= 0 || len(a.Memory) == 0 {
		return nil
	}
	if n > len(a.Memory) {
		n = len(a.Memory)
	}
	out := make([]MemoryEntry, n)
	copy(out, a.Memory[len(a.Memory)-n:])
	return out
}

// AgentSpec describes an agent to create at start-up or through Spawn.
type AgentSpec struct {
	ID          string  `json:"id" yaml:"id"`
	Name        string  `json:"name" yaml:"name"`
	Personality string  `json:"personality" yaml:"personality"`
	Energy      float64 `json:"energy" yaml:"energy"`
}
