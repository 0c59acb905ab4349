package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Logger = NoOpLogger{}
	_ Logger = (*SlogAdapter)(nil)
	_ Logger = (*SimLogger)(nil)
)

func newBufferLogger(level LogLevel) (*SimLogger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	cfg := DefaultLoggerConfig()
	cfg.Output = buf
	cfg.Level = level
	return NewLogger(cfg), buf
}

func TestSimLogger_ContextAttributes(t *testing.T) {
	l, buf := newBufferLogger(LogLevelDebug)

	l.WithComponent("engine").WithAgent("a1").WithTick(42).Info("hello", "k", "v")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "engine", rec["component"])
	assert.Equal(t, "a1", rec["agent_id"])
	assert.Equal(t, float64(42), rec["tick"])
	assert.Equal(t, "v", rec["k"])
}

func TestSimLogger_LevelFiltering(t *testing.T) {
	l, buf := newBufferLogger(LogLevelWarn)

	l.Debug("nope")
	l.Info("nope")
	assert.Zero(t, buf.Len())

	l.Warn("yes")
	assert.Contains(t, buf.String(), "yes")
}

func TestSimLogger_WithDoesNotMutateParent(t *testing.T) {
	l, buf := newBufferLogger(LogLevelInfo)
	_ = l.WithContext("extra", 1)

	l.Info("plain")
	assert.NotContains(t, buf.String(), "extra")
}

func TestSimLogger_GatewayCall(t *testing.T) {
	l, buf := newBufferLogger(LogLevelDebug)

	l.LogGatewayCall("mock", 2, time.Millisecond, false, errors.New("timeout"))
	out := buf.String()
	assert.Contains(t, out, "Gateway attempt failed")
	assert.Contains(t, out, "timeout")
	assert.True(t, strings.Contains(out, `"attempt":2`))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LogLevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LogLevelWarn, ParseLevel("warning"))
	assert.Equal(t, LogLevelError, ParseLevel("error"))
	assert.Equal(t, LogLevelInfo, ParseLevel("bogus"))
}
