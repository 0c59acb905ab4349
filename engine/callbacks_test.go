package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentsim/core"
	"github.com/hupe1980/agentsim/model"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) log(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, level+" "+msg)
}

func (l *recordingLogger) Debug(msg string, args ...any) { l.log("DEBUG", msg) }
func (l *recordingLogger) Info(msg string, args ...any)  { l.log("INFO", msg) }
func (l *recordingLogger) Warn(msg string, args ...any)  { l.log("WARN", msg) }
func (l *recordingLogger) Error(msg string, args ...any) { l.log("ERROR", msg) }

func (l *recordingLogger) find(prefix string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, line := range l.lines {
		if strings.HasPrefix(line, prefix) {
			out = append(out, line)
		}
	}
	return out
}

func TestLoggingCallback_Execute(t *testing.T) {
	var got []string
	cb := NewLoggingCallback(CallbackOnTransition, func(msg string) { got = append(got, msg) })
	assert.Equal(t, CallbackOnTransition, cb.Type())

	ev := core.NewEvent(core.EventStateChanged, 7)
	ev.AgentID = "alice"
	ev.From = core.StateIdle
	ev.To = core.StateThinking
	ev.Energy = 9.9
	require.NoError(t, cb.Execute(context.Background(), &CallbackContext{Tick: 7, AgentID: "alice", Event: &ev}))

	errCb := NewLoggingCallback(CallbackOnError, func(msg string) { got = append(got, msg) })
	require.NoError(t, errCb.Execute(context.Background(), &CallbackContext{Tick: 8, Err: errors.New("boom")}))

	require.Len(t, got, 2)
	assert.Equal(t, fmt.Sprintf("[on_transition] tick 7 agent alice: %s -> %s (energy 9.90)", core.StateIdle, core.StateThinking), got[0])
	assert.Equal(t, "[on_error] tick 8: boom", got[1])

	silent := NewLoggingCallback(CallbackOnError, nil)
	assert.NoError(t, silent.Execute(context.Background(), &CallbackContext{Tick: 1}))
}

func TestEngine_LogsErrorsThroughCallback(t *testing.T) {
	logger := &recordingLogger{}
	e := newTestEngine(t, model.NewMockModel("mock", "test"), withAgents("a"), func(o *Options) {
		o.Logger = logger
	})

	e.bus.Unregister("a")
	require.Error(t, e.Step(context.Background()))

	warns := logger.find("WARN [on_error] tick 1: registry corruption")
	assert.Len(t, warns, 1)
}
