package model

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userRequest(text string) Request {
	return Request{Messages: []Message{{Role: "user", Text: text}}}
}

func TestMockModel_ScriptThenCannedThenDefault(t *testing.T) {
	m := NewMockModel("mock", "mock")
	m.Script(Step{Text: `{"utterance":"scripted"}`})
	m.AddResponse("ping", `{"utterance":"pong"}`)
	ctx := context.Background()

	r, err := Collect(ctx, m, userRequest("ping"))
	require.NoError(t, err)
	assert.Equal(t, `{"utterance":"scripted"}`, r.Text)

	r, err = Collect(ctx, m, userRequest("ping"))
	require.NoError(t, err)
	assert.Equal(t, `{"utterance":"pong"}`, r.Text)

	r, err = Collect(ctx, m, userRequest("hello"))
	require.NoError(t, err)
	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(r.Text), &body))
	assert.Equal(t, "Mock response to: hello", body["utterance"])

	assert.Equal(t, 3, m.Calls())
	assert.Equal(t, "hello", m.Requests()[2].LastText())
}

func TestMockModel_ScriptedError(t *testing.T) {
	m := NewMockModel("mock", "mock")
	boom := errors.New("boom")
	m.Script(Step{Err: boom})

	_, err := Collect(context.Background(), m, userRequest("x"))
	assert.ErrorIs(t, err, boom)
}

func TestMockModel_DelayHonoursCancellation(t *testing.T) {
	m := NewMockModel("mock", "mock")
	m.Script(Step{Text: "late", Delay: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Collect(ctx, m, userRequest("x"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCollect_StreamingKeepsFinalResponse(t *testing.T) {
	m := NewMockModel("mock", "mock")
	m.Script(Step{Text: "abc"})

	req := userRequest("x")
	req.Stream = true
	respCh, errCh := m.Generate(context.Background(), req)

	var partials int
	var final Response
	for r := range respCh {
		if r.Partial {
			partials++
			continue
		}
		final = r
	}
	assert.NoError(t, <-errCh)
	assert.Equal(t, 3, partials)
	assert.Equal(t, "abc", final.Text)
}

func TestRequest_LastText(t *testing.T) {
	assert.Equal(t, "", Request{}.LastText())
	assert.Equal(t, "b", Request{Messages: []Message{{Text: "a"}, {Text: "b"}}}.LastText())
}
