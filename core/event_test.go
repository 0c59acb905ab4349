package core

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Event constructor & helper method tests
func TestEvent_ConstructorsAndMethods(t *testing.T) {
	e := NewEvent(EventTickStarted, 7)
	if e.Kind != EventTickStarted || e.Tick != 7 || e.ID == "" || e.Timestamp.IsZero() {
		t.Fatalf("NewEvent did not initialize fields correctly: %+v", e)
	}

	sc := NewStateChangedEvent(3, "a1", StateIdle, StateThinking, 9.5)
	assert.Equal(t, EventStateChanged, sc.Kind)
	assert.Equal(t, "a1", sc.AgentID)
	assert.Equal(t, StateIdle, sc.From)
	assert.Equal(t, StateThinking, sc.To)
	assert.InDelta(t, 9.5, sc.Energy, 1e-9)

	m := NewMessage("a1", Broadcast, "hello", 3, "ethics")
	mp := NewMessagePostedEvent(3, m)
	require.NotNil(t, mp.Message)
	assert.Equal(t, "a1", mp.AgentID)
	assert.Equal(t, "ethics", mp.Topic)

	gf := NewGatewayFailureEvent(4, "a2", 3, errors.New("boom"))
	assert.Equal(t, 3, gf.Attempts)
	assert.Equal(t, "boom", gf.Error)
}

func TestEvent_StatesSerializeByName(t *testing.T) {
	sc := NewStateChangedEvent(1, "a1", StateIdle, StateDormant, 0)
	b, err := json.Marshal(sc)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.Equal(t, "idle", raw["from"])
	assert.Equal(t, "dormant", raw["to"])

	var back Event
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, StateDormant, back.To)
}

func TestEvent_IDUniqueness(t *testing.T) {
	a := NewID()
	b := NewID()
	if a == b {
		t.Error("Expected unique IDs")
	}
}

func TestErrors_Taxonomy(t *testing.T) {
	var verr error = &ValidationError{Field: "utterance", Message: "missing"}
	assert.ErrorIs(t, verr, ErrValidation)
	assert.Contains(t, verr.Error(), "utterance")

	var cerr error = &RegistryCorruptionError{Tick: 4, Detail: "dangling sender"}
	assert.ErrorIs(t, cerr, ErrRegistryCorruption)
	assert.Contains(t, cerr.Error(), "tick 4")

	assert.ErrorIs(t, UnknownAgentError("zed"), ErrUnknownAgent)
}
