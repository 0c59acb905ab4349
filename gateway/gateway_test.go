package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentsim/core"
	"github.com/hupe1980/agentsim/model"
)

func fastRetry(o *Options) {
	o.InitialBackoff = time.Millisecond
	o.MaxBackoff = 2 * time.Millisecond
	o.AttemptTimeout = time.Second
}

func newAgent() *core.Agent {
	a := core.NewAgent(core.AgentSpec{ID: "a1", Name: "Alice", Personality: core.PersonalityFriendly, Energy: 10})
	a.Remember(core.MemoryEntry{Tick: 1, Kind: core.MemoryHeard, Speaker: "b1", Text: "Virtue is knowledge."})
	return a
}

func newGateway(t *testing.T, m model.Model, optFns ...func(o *Options)) *Gateway {
	t.Helper()
	g, err := New(m, append([]func(o *Options){fastRetry}, optFns...)...)
	require.NoError(t, err)
	return g
}

func TestGateway_ValidatedOnFirstAttempt(t *testing.T) {
	m := model.NewMockModel("mock", "mock")
	m.Script(model.Step{Text: `{"utterance":"I agree.","recipient":"b1","salient":true}`})
	g := newGateway(t, m)

	res := <-g.Request(context.Background(), Request{Agent: newAgent(), Topic: "ethics", Tick: 2})

	require.Equal(t, Validated, res.Kind, "err: %v", res.Err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "a1", res.AgentID)
	assert.NotEmpty(t, res.RequestID)
	assert.Equal(t, "I agree.", res.Response.Utterance)
	assert.Equal(t, "b1", res.Response.Recipient)
	assert.True(t, res.Response.Salient)

	reqs := m.Requests()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].JSONOutput)
	assert.Contains(t, reqs[0].Instructions, "You are Alice")
	assert.Contains(t, reqs[0].Instructions, "openness 6/10")
	assert.Contains(t, reqs[0].LastText(), "Current topic: ethics")
	assert.Contains(t, reqs[0].LastText(), "b1: Virtue is knowledge.")
}

func TestGateway_RetriesValidationFailuresWithSamePrompt(t *testing.T) {
	m := model.NewMockModel("mock", "mock")
	m.Script(
		model.Step{Text: "I think so, yes."},
		model.Step{Text: `{"utterance": ""}`},
		model.Step{Text: "Sure! ```json\n{\"utterance\": \"Knowledge is virtue.\"}\n```"},
	)
	g := newGateway(t, m)

	resp, attempts, err := g.Do(context.Background(), Request{Agent: newAgent(), Topic: "ethics"})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, "Knowledge is virtue.", resp.Utterance)

	reqs := m.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, reqs[0], reqs[1])
	assert.Equal(t, reqs[1], reqs[2])
}

func TestGateway_ExhaustionNeverExceedsMaxAttempts(t *testing.T) {
	m := model.NewMockModel("mock", "mock")
	boom := errors.New("connection refused")
	m.Script(model.Step{Err: boom}, model.Step{Err: boom}, model.Step{Err: boom}, model.Step{Text: `{"utterance":"late"}`})
	g := newGateway(t, m, func(o *Options) { o.MaxAttempts = 3 })

	res := <-g.Request(context.Background(), Request{Agent: newAgent()})

	assert.Equal(t, Failed, res.Kind)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, m.Calls())
	assert.ErrorIs(t, res.Err, core.ErrGatewayExhausted)
	assert.ErrorIs(t, res.Err, core.ErrServiceUnavailable)
	assert.ErrorIs(t, res.Err, boom)
	assert.Nil(t, res.Response)
}

func TestGateway_ExhaustedByValidationKeepsCause(t *testing.T) {
	m := model.NewMockModel("mock", "mock")
	m.Script(model.Step{Text: `{"recipient": "b1"}`}, model.Step{Text: `{"utterance": 42}`})
	g := newGateway(t, m, func(o *Options) { o.MaxAttempts = 2 })

	_, attempts, err := g.Do(context.Background(), Request{Agent: newAgent()})

	assert.Equal(t, 2, attempts)
	assert.ErrorIs(t, err, core.ErrGatewayExhausted)
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "utterance", verr.Field)
}

func TestGateway_AttemptTimeoutCountsAsFailure(t *testing.T) {
	m := model.NewMockModel("mock", "mock")
	m.Script(model.Step{Delay: time.Second, Text: `{"utterance":"too slow"}`}, model.Step{Text: `{"utterance":"on time"}`})
	g := newGateway(t, m, func(o *Options) { o.AttemptTimeout = 20 * time.Millisecond })

	resp, attempts, err := g.Do(context.Background(), Request{Agent: newAgent()})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, "on time", resp.Utterance)
}

func TestGateway_CancellationYieldsCancelled(t *testing.T) {
	m := model.NewMockModel("mock", "mock")
	m.Script(model.Step{Delay: 5 * time.Second, Text: `{"utterance":"never"}`})
	g := newGateway(t, m, func(o *Options) { o.AttemptTimeout = 0 })

	ctx, cancel := context.WithCancel(context.Background())
	ch := g.Request(ctx, Request{Agent: newAgent()})
	cancel()

	select {
	case res := <-ch:
		assert.Equal(t, Cancelled, res.Kind)
		assert.Nil(t, res.Response)
		assert.ErrorIs(t, res.Err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled request did not resolve")
	}
	_, open := <-ch
	assert.False(t, open)
}

func TestGateway_AtMostOneRequestPerAgent(t *testing.T) {
	m := model.NewMockModel("mock", "mock")
	m.Script(model.Step{Delay: 50 * time.Millisecond, Text: `{"utterance":"first"}`})
	g := newGateway(t, m)
	a := newAgent()

	first := g.Request(context.Background(), Request{Agent: a})
	assert.True(t, g.InFlight("a1"))

	second := <-g.Request(context.Background(), Request{Agent: a})
	assert.Equal(t, Failed, second.Kind)
	assert.ErrorIs(t, second.Err, core.ErrRequestInFlight)
	assert.Equal(t, 0, second.Attempts)

	res := <-first
	assert.Equal(t, Validated, res.Kind)
	assert.False(t, g.InFlight("a1"))
	assert.Equal(t, 1, m.Calls())

	// Another agent is independent.
	b := core.NewAgent(core.AgentSpec{ID: "b1"})
	other := <-g.Request(context.Background(), Request{Agent: b})
	assert.Equal(t, Validated, other.Kind)
}

func TestGateway_RetryPolicyGrowsUpToCeiling(t *testing.T) {
	g := newGateway(t, model.NewMockModel("mock", "mock"), func(o *Options) {
		o.MaxAttempts = 5
		o.InitialBackoff = 250 * time.Millisecond
		o.Multiplier = 2
		o.MaxBackoff = 700 * time.Millisecond
	})

	b := g.retryPolicy(context.Background())
	b.Reset()
	assert.Equal(t, 250*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 500*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 700*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 700*time.Millisecond, b.NextBackOff())
	assert.Equal(t, backoff.Stop, b.NextBackOff(), "four waits separate five attempts")
}

func TestGateway_CancelledDuringBackoffStopsRetrying(t *testing.T) {
	m := model.NewMockModel("mock", "mock")
	m.Script(model.Step{Err: errors.New("connection refused")}, model.Step{Text: `{"utterance":"never"}`})
	g := newGateway(t, m, func(o *Options) {
		o.InitialBackoff = 5 * time.Second
		o.MaxBackoff = 5 * time.Second
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, attempts, err := g.Do(ctx, Request{Agent: newAgent()})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, core.ErrGatewayExhausted)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, m.Calls())
	assert.Less(t, time.Since(start), 2*time.Second)
}
