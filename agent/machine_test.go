package agent

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentsim/core"
)

func newAgent(energy float64) *core.Agent {
	return core.NewAgent(core.AgentSpec{ID: "a1", Name: "Alice", Energy: energy})
}

func states(trs []Transition) []core.AgentState {
	out := make([]core.AgentState, 0, len(trs)+1)
	for i, tr := range trs {
		if i == 0 {
			out = append(out, tr.From)
		}
		out = append(out, tr.To)
	}
	return out
}

func TestLegal(t *testing.T) {
	tests := []struct {
		from, to core.AgentState
		want     bool
	}{
		{core.StateIdle, core.StateThinking, true},
		{core.StateIdle, core.StateSpeaking, false},
		{core.StateThinking, core.StateSpeaking, true},
		{core.StateThinking, core.StateIdle, true},
		{core.StateSpeaking, core.StateIdle, true},
		{core.StateSpeaking, core.StateThinking, false},
		{core.StateDormant, core.StateIdle, true},
		{core.StateDormant, core.StateThinking, false},
		{core.StateIdle, core.StateDormant, true},
		{core.StateThinking, core.StateDormant, true},
		{core.StateSpeaking, core.StateDormant, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Legal(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}

	m := NewMachine()
	a := newAgent(10)
	_, err := m.Transition(a, core.StateSpeaking, 1, "skip")
	assert.ErrorIs(t, err, core.ErrIllegalTransition)
	assert.Equal(t, core.StateIdle, a.State)
}

func TestEvaluate_IdleWithoutTriggerRegenerates(t *testing.T) {
	m := NewMachine()
	a := newAgent(10)
	a.Inbox = []core.Message{core.NewMessage("b1", core.Broadcast, "off topic", 1, "weather")}

	out := m.Evaluate(a, Input{Tick: 2, Topic: "ethics"})

	assert.Empty(t, out.Transitions)
	assert.False(t, out.RequestGateway)
	assert.InDelta(t, 10.1, a.Energy, 1e-9)
	assert.Equal(t, 1, a.IdleTicks)
	assert.Len(t, a.Inbox, 1)
}

func TestEvaluate_RelevantMessageStartsThinking(t *testing.T) {
	m := NewMachine()
	for name, msg := range map[string]core.Message{
		"addressed":       core.NewMessage("b1", "a1", "hey Alice", 1, "weather"),
		"topic broadcast": core.NewMessage("b1", core.Broadcast, "Is virtue knowledge?", 1, "ethics"),
	} {
		t.Run(name, func(t *testing.T) {
			a := newAgent(10)
			a.Inbox = []core.Message{msg}

			out := m.Evaluate(a, Input{Tick: 2, Topic: "ethics"})

			assert.Equal(t, []core.AgentState{core.StateIdle, core.StateThinking}, states(out.Transitions))
			assert.True(t, out.RequestGateway)
			assert.Equal(t, []core.Message{msg}, out.Consumed)
			assert.Empty(t, a.Inbox)
			assert.Equal(t, uint64(2), a.LastActiveTick)
			assert.InDelta(t, 9.9, a.Energy, 1e-9)
		})
	}
}

func TestEvaluate_SpontaneousThinkingAfterIdleTicks(t *testing.T) {
	m := NewMachine(func(o *Options) { o.IdleThinkTicks = 3 })
	a := newAgent(10)

	for tick := uint64(1); tick <= 3; tick++ {
		out := m.Evaluate(a, Input{Tick: tick})
		assert.False(t, out.RequestGateway)
	}
	out := m.Evaluate(a, Input{Tick: 4})
	assert.True(t, out.RequestGateway)
	assert.Equal(t, "idle too long", out.Transitions[0].Reason)
}

func TestEvaluate_ThinkingWaitsThenSpeaks(t *testing.T) {
	m := NewMachine()
	a := newAgent(10)
	a.State = core.StateThinking
	a.PendingRequest = "r1"

	out := m.Evaluate(a, Input{Tick: 3})
	assert.Empty(t, out.Transitions)
	assert.Equal(t, core.StateThinking, a.State)
	assert.InDelta(t, 9.9, a.Energy, 1e-9)

	known := func(id string) bool { return id == "b1" }
	out = m.Evaluate(a, Input{Tick: 4, Topic: "ethics", Known: known, Outcome: &Outcome{
		RequestID: "r1", Validated: true, Utterance: "Yes.", Recipient: "b1", Opinion: "virtue is knowledge",
	}})

	require.NotNil(t, out.Utterance)
	assert.Equal(t, []core.AgentState{core.StateThinking, core.StateSpeaking}, states(out.Transitions))
	assert.Equal(t, "b1", out.Utterance.Recipient)
	assert.Equal(t, "ethics", out.Utterance.Topic)
	assert.Equal(t, uint64(4), out.Utterance.Tick)
	assert.InDelta(t, 8.8, a.Energy, 1e-9)
	assert.Empty(t, a.PendingRequest)
	require.Len(t, a.Memory, 2)
	assert.Equal(t, core.MemorySaid, a.Memory[0].Kind)
	assert.Equal(t, core.MemoryOpinion, a.Memory[1].Kind)
	assert.True(t, a.Memory[1].Salient)

	trs := m.Posted(a, 4)
	assert.Equal(t, []core.AgentState{core.StateSpeaking, core.StateIdle}, states(trs))
}

func TestEvaluate_UnknownRecipientFallsBackToBroadcast(t *testing.T) {
	m := NewMachine()
	for _, rcpt := range []string{"ghost", "a1", ""} {
		a := newAgent(10)
		a.State = core.StateThinking
		out := m.Evaluate(a, Input{Tick: 1, Known: func(string) bool { return false }, Outcome: &Outcome{Validated: true, Utterance: "hi", Recipient: rcpt}})
		require.NotNil(t, out.Utterance)
		assert.True(t, out.Utterance.IsBroadcast(), "recipient %q", rcpt)
	}
}

func TestEvaluate_ExhaustedGatewayReturnsToIdle(t *testing.T) {
	m := NewMachine()
	a := newAgent(10)
	a.State = core.StateThinking
	a.PendingRequest = "r1"

	out := m.Evaluate(a, Input{Tick: 5, Outcome: &Outcome{RequestID: "r1", Attempts: 3, Err: errors.New("exhausted")}})

	assert.True(t, out.Failed)
	assert.Nil(t, out.Utterance)
	assert.Equal(t, core.StateIdle, a.State)
	assert.Equal(t, 1, a.ConsecutiveFailures)
	assert.Empty(t, a.PendingRequest)
	assert.InDelta(t, 9.9, a.Energy, 1e-9)
}

func TestEvaluate_ConsecutiveFailuresPolicy(t *testing.T) {
	m := NewMachine(func(o *Options) {
		o.Energy.FailurePenalty = 2
		o.Energy.MaxConsecutiveFailures = 2
	})
	a := newAgent(10)

	for i := 0; i < 2; i++ {
		a.State = core.StateThinking
		m.Evaluate(a, Input{Tick: uint64(i), Outcome: &Outcome{Err: errors.New("boom")}})
	}

	assert.Equal(t, core.StateDormant, a.State)
	assert.InDelta(t, 10-2*(2+0.1), a.Energy, 1e-9)
}

func TestEvaluate_EnergyExhaustionLeadsToDormant(t *testing.T) {
	m := NewMachine()

	t.Run("speaking", func(t *testing.T) {
		a := newAgent(1.05)
		a.State = core.StateThinking
		out := m.Evaluate(a, Input{Tick: 1, Outcome: &Outcome{Validated: true, Utterance: "last words"}})
		require.NotNil(t, out.Utterance)
		assert.Equal(t, 0.0, a.Energy)

		trs := m.Posted(a, 1)
		assert.Equal(t, []core.AgentState{core.StateSpeaking, core.StateDormant}, states(trs))
	})

	t.Run("thinking", func(t *testing.T) {
		a := newAgent(0.05)
		a.State = core.StateThinking
		out := m.Evaluate(a, Input{Tick: 1})
		assert.Equal(t, []core.AgentState{core.StateThinking, core.StateDormant}, states(out.Transitions))
	})

	t.Run("thinking with validated outcome", func(t *testing.T) {
		a := newAgent(0.1)
		a.State = core.StateThinking
		a.PendingRequest = "r1"
		out := m.Evaluate(a, Input{Tick: 2, Outcome: &Outcome{RequestID: "r1", Validated: true, Utterance: "one more thing"}})
		assert.Nil(t, out.Utterance)
		assert.False(t, out.Failed)
		assert.Equal(t, []core.AgentState{core.StateThinking, core.StateDormant}, states(out.Transitions))
		assert.Equal(t, 0.0, a.Energy)
		assert.Empty(t, a.Memory)
	})

	t.Run("idle", func(t *testing.T) {
		a := newAgent(0)
		a.Inbox = []core.Message{core.NewMessage("b1", "a1", "hi", 1, "")}
		out := m.Evaluate(a, Input{Tick: 1})
		assert.False(t, out.RequestGateway)
		assert.Equal(t, core.StateDormant, a.State)
	})
}

func TestEvaluate_DormantRegenerationAndWake(t *testing.T) {
	m := NewMachine(func(o *Options) {
		o.Energy.DormantRegen = 0.5
		o.Energy.WakeThreshold = 1
	})
	a := newAgent(0)
	a.State = core.StateDormant

	out := m.Evaluate(a, Input{Tick: 1})
	assert.Empty(t, out.Transitions)
	out = m.Evaluate(a, Input{Tick: 2})
	assert.Equal(t, []core.AgentState{core.StateDormant, core.StateIdle}, states(out.Transitions))

	// Without a threshold, Dormant only ends on Wake.
	m2 := NewMachine()
	b := newAgent(0)
	b.State = core.StateDormant
	for tick := uint64(1); tick < 50; tick++ {
		m2.Evaluate(b, Input{Tick: tick})
	}
	assert.Equal(t, core.StateDormant, b.State)

	tr, ok := m2.Wake(b, 50)
	require.True(t, ok)
	assert.Equal(t, core.StateIdle, tr.To)
	assert.GreaterOrEqual(t, b.Energy, m2.Policy().SpeakCost)

	_, ok = m2.Wake(b, 51)
	assert.False(t, ok)
}

func TestEvaluate_EnergyStaysInBounds(t *testing.T) {
	m := NewMachine(func(o *Options) { o.IdleThinkTicks = 2 })
	a := newAgent(99.95)
	known := func(string) bool { return true }

	for tick := uint64(1); tick <= 500; tick++ {
		in := Input{Tick: tick, Known: known}
		if a.State == core.StateThinking && tick%3 == 0 {
			in.Outcome = &Outcome{Validated: tick%2 == 0, Utterance: "x", Err: errors.New("fail")}
		}
		out := m.Evaluate(a, in)
		if out.Utterance != nil {
			m.Posted(a, tick)
		}
		if a.State == core.StateDormant {
			m.Wake(a, tick)
		}
		require.GreaterOrEqual(t, a.Energy, 0.0)
		require.LessOrEqual(t, a.Energy, m.Policy().MaxEnergy)
		for _, tr := range out.Transitions {
			require.True(t, Legal(tr.From, tr.To), "%s -> %s", tr.From, tr.To)
		}
	}
}

func TestInterrupt(t *testing.T) {
	m := NewMachine()
	a := newAgent(10)
	a.State = core.StateThinking
	a.PendingRequest = "r1"

	tr, ok := m.Interrupt(a, 3, "request withdrawn")
	require.True(t, ok)
	assert.Equal(t, core.StateIdle, tr.To)
	assert.Empty(t, a.PendingRequest)

	_, ok = m.Interrupt(a, 4, "again")
	assert.False(t, ok)
}
