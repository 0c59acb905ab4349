package agent

import (
	"fmt"

	"github.com/hupe1980/agentsim/core"
	"github.com/hupe1980/agentsim/logging"
)

var legal = map[core.AgentState]map[core.AgentState]bool{
	core.StateIdle:     {core.StateThinking: true, core.StateDormant: true},
	core.StateThinking: {core.StateSpeaking: true, core.StateIdle: true, core.StateDormant: true},
	core.StateSpeaking: {core.StateIdle: true, core.StateDormant: true},
	core.StateDormant:  {core.StateIdle: true},
}

// Legal reports whether from→to is an edge of the transition table.
func Legal(from, to core.AgentState) bool { return legal[from][to] }

// Transition records one state change.
type Transition struct {
	AgentID string
	Tick    uint64
	From    core.AgentState
	To      core.AgentState
	Energy  float64
	Reason  string
}

// Outcome is the resolved gateway result for the agent's pending request.
type Outcome struct {
	RequestID string
	Validated bool
	Utterance string
	Recipient string
	Opinion   string
	Salient   bool
	Attempts  int
	Err       error
}

// Input is what the engine knows about the current tick.
type Input struct {
	Tick  uint64
	Topic string
	// Outcome is set when the gateway resolved the agent's pending request.
	Outcome *Outcome
	// Known reports whether an id may be addressed directly. Utterances to
	// unknown recipients fall back to broadcast.
	Known func(id string) bool
}

// Output reports the effects of one evaluation.
type Output struct {
	Transitions []Transition
	// RequestGateway is set when the agent entered Thinking and needs a
	// gateway request built from Consumed.
	RequestGateway bool
	// Consumed are the inbox messages that triggered the request.
	Consumed []core.Message
	// Utterance is the message to post. The engine must call Posted after
	// publishing it.
	Utterance *core.Message
	// Failed is set when the agent abstained after gateway exhaustion.
	Failed bool
}

// Options configures a Machine.
type Options struct {
	Energy EnergyPolicy
	// IdleThinkTicks makes an agent think spontaneously after that many idle
	// ticks. Zero disables spontaneous thinking.
	IdleThinkTicks int
	Logger         logging.Logger
}

// DefaultConfig holds the default machine options.
var DefaultConfig = Options{
	Energy:         DefaultEnergyPolicy,
	IdleThinkTicks: 20,
}

// Machine evaluates agents. It holds no per-agent state and may be shared,
// but a given agent must only be evaluated by one goroutine at a time.
type Machine struct {
	opts Options
}

// NewMachine creates a state machine with optional overrides.
func NewMachine(optFns ...func(o *Options)) *Machine {
	opts := DefaultConfig
	opts.Logger = logging.NoOpLogger{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Machine{opts: opts}
}

// Policy returns the energy policy in effect.
func (m *Machine) Policy() EnergyPolicy { return m.opts.Energy }

// Transition moves a to state to, rejecting edges outside the table.
func (m *Machine) Transition(a *core.Agent, to core.AgentState, tick uint64, reason string) (Transition, error) {
	if !Legal(a.State, to) {
		return Transition{}, fmt.Errorf("%s: %s -> %s: %w", a.ID, a.State, to, core.ErrIllegalTransition)
	}
	tr := Transition{AgentID: a.ID, Tick: tick, From: a.State, To: to, Energy: a.Energy, Reason: reason}
	a.State = to
	if tr.From == core.StateThinking {
		a.PendingRequest = ""
	}
	if to == core.StateIdle {
		a.IdleTicks = 0
	}
	m.opts.Logger.Debug("agent transition", "agent", a.ID, "from", tr.From.String(), "to", to.String(), "reason", reason, "energy", a.Energy)
	return tr, nil
}

// must applies a transition that the caller already knows to be legal.
func (m *Machine) must(out *Output, a *core.Agent, to core.AgentState, tick uint64, reason string) {
	tr, err := m.Transition(a, to, tick, reason)
	if err != nil {
		panic(err)
	}
	out.Transitions = append(out.Transitions, tr)
}

// exhaustIfEmpty sends an active agent Dormant when its energy ran out.
func (m *Machine) exhaustIfEmpty(out *Output, a *core.Agent, tick uint64) bool {
	if a.Energy > 0 || a.State == core.StateDormant {
		return false
	}
	m.must(out, a, core.StateDormant, tick, "energy exhausted")
	return true
}

// Evaluate runs the agent's state machine once for the current tick.
func (m *Machine) Evaluate(a *core.Agent, in Input) Output {
	var out Output
	p := m.opts.Energy
	a.Energy = p.clamp(a.Energy)

	switch a.State {
	case core.StateDormant:
		a.Energy = p.adjust(a.Energy, p.DormantRegen)
		if p.WakeThreshold > 0 && a.Energy >= p.WakeThreshold {
			m.must(&out, a, core.StateIdle, in.Tick, "energy regenerated")
		}

	case core.StateIdle:
		if m.exhaustIfEmpty(&out, a, in.Tick) {
			return out
		}
		relevant := Relevant(a, in.Topic)
		spontaneous := m.opts.IdleThinkTicks > 0 && a.IdleTicks >= m.opts.IdleThinkTicks
		if !relevant && !spontaneous {
			a.IdleTicks++
			a.Energy = p.adjust(a.Energy, p.IdleRegen)
			return out
		}
		reason := "relevant message"
		if !relevant {
			reason = "idle too long"
		}
		m.must(&out, a, core.StateThinking, in.Tick, reason)
		a.IdleTicks = 0
		a.LastActiveTick = in.Tick
		a.Energy = p.adjust(a.Energy, -p.ActivityCost)
		if m.exhaustIfEmpty(&out, a, in.Tick) {
			return out
		}
		out.RequestGateway = true
		out.Consumed = a.Inbox
		a.Inbox = nil

	case core.StateThinking:
		a.Energy = p.adjust(a.Energy, -p.ActivityCost)
		if m.exhaustIfEmpty(&out, a, in.Tick) {
			return out
		}
		switch {
		case in.Outcome == nil:
		case in.Outcome.Validated:
			m.speak(&out, a, in)
		default:
			m.abstain(&out, a, in)
		}

	case core.StateSpeaking:
		// An utterance that was never posted is dropped.
		m.must(&out, a, core.StateIdle, in.Tick, "utterance abandoned")
	}
	return out
}

func (m *Machine) speak(out *Output, a *core.Agent, in Input) {
	p := m.opts.Energy
	o := in.Outcome

	a.ConsecutiveFailures = 0
	a.Energy = p.adjust(a.Energy, -p.SpeakCost)
	m.must(out, a, core.StateSpeaking, in.Tick, "validated response")
	a.LastActiveTick = in.Tick

	recipient := core.Broadcast
	if o.Recipient != "" && o.Recipient != a.ID && o.Recipient != core.Broadcast && in.Known != nil && in.Known(o.Recipient) {
		recipient = o.Recipient
	}
	msg := core.NewMessage(a.ID, recipient, o.Utterance, in.Tick, in.Topic)
	out.Utterance = &msg

	a.Remember(core.MemoryEntry{Tick: in.Tick, Kind: core.MemorySaid, Speaker: a.ID, Text: o.Utterance, Topic: in.Topic, Salient: o.Salient})
	if o.Opinion != "" {
		a.Remember(core.MemoryEntry{Tick: in.Tick, Kind: core.MemoryOpinion, Speaker: a.ID, Text: o.Opinion, Topic: in.Topic, Salient: true})
	}
}

func (m *Machine) abstain(out *Output, a *core.Agent, in Input) {
	p := m.opts.Energy

	out.Failed = true
	a.ConsecutiveFailures++
	a.Energy = p.adjust(a.Energy, -p.FailurePenalty)
	m.must(out, a, core.StateIdle, in.Tick, "gateway exhausted")

	if m.exhaustIfEmpty(out, a, in.Tick) {
		return
	}
	if p.MaxConsecutiveFailures > 0 && a.ConsecutiveFailures >= p.MaxConsecutiveFailures {
		m.must(out, a, core.StateDormant, in.Tick, "too many consecutive failures")
	}
}

// Posted completes Speaking once the utterance is on the bus.
func (m *Machine) Posted(a *core.Agent, tick uint64) []Transition {
	if a.State != core.StateSpeaking {
		return nil
	}
	var out Output
	if !m.exhaustIfEmpty(&out, a, tick) {
		m.must(&out, a, core.StateIdle, tick, "utterance posted")
	}
	return out.Transitions
}

// Interrupt returns a Thinking agent to Idle without charging it, used when
// its pending request is withdrawn (for example the agent was woken or the
// request could not be issued).
func (m *Machine) Interrupt(a *core.Agent, tick uint64, reason string) (Transition, bool) {
	if a.State != core.StateThinking {
		return Transition{}, false
	}
	tr, err := m.Transition(a, core.StateIdle, tick, reason)
	return tr, err == nil
}

// Wake moves a Dormant agent to Idle. It is a no-op for other states. The
// agent's energy is topped up to WakeThreshold, or to one utterance's worth
// when no threshold is configured, so it does not fall straight back asleep.
func (m *Machine) Wake(a *core.Agent, tick uint64) (Transition, bool) {
	if a.State != core.StateDormant {
		return Transition{}, false
	}
	p := m.opts.Energy
	floor := p.WakeThreshold
	if floor <= 0 {
		floor = p.SpeakCost + 2*p.ActivityCost
	}
	if a.Energy < floor {
		a.Energy = p.clamp(floor)
	}
	a.ConsecutiveFailures = 0
	tr, err := m.Transition(a, core.StateIdle, tick, "woken")
	return tr, err == nil
}

// Relevant reports whether a's inbox holds a message addressed to it, or a
// broadcast on the active topic.
func Relevant(a *core.Agent, topic string) bool {
	for _, msg := range a.Inbox {
		if msg.Recipient == a.ID {
			return true
		}
		if msg.IsBroadcast() && msg.Topic == topic {
			return true
		}
	}
	return false
}
