package agentsim

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentsim/config"
	"github.com/hupe1980/agentsim/core"
	"github.com/hupe1980/agentsim/journal"
	"github.com/hupe1980/agentsim/logging"
	"github.com/hupe1980/agentsim/memory"
	"github.com/hupe1980/agentsim/model"
	anthropicmodel "github.com/hupe1980/agentsim/model/anthropic"
	openaimodel "github.com/hupe1980/agentsim/model/openai"
	"github.com/hupe1980/agentsim/observer"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Model.Provider = config.ProviderMock
	cfg.TickInterval = 10 * time.Millisecond
	cfg.Gateway.InitialBackoff = time.Millisecond
	cfg.Gateway.MaxBackoff = time.Millisecond
	return cfg
}

func newSim(t *testing.T, cfg config.Config) *Simulation {
	t.Helper()
	sim, err := New(func(o *Options) {
		o.Config = cfg
		o.Logger = logging.NoOpLogger{}
	})
	require.NoError(t, err)
	t.Cleanup(sim.Close)
	return sim
}

func TestNewFromConfig_Defaults(t *testing.T) {
	cfg := testConfig(t)
	cfg.Log.Level = "error"

	sim, err := NewFromConfig(cfg)
	require.NoError(t, err)
	defer sim.Close()

	agents := sim.Agents()
	require.Len(t, agents, 3)
	assert.Equal(t, "alice", agents[0].ID)
	assert.Equal(t, "", sim.Addr())
	assert.Nil(t, sim.Hub)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agents = nil

	_, err := NewFromConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one agent")
}

func TestSimulation_PersistsJournalAndMemory(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.Memory.Store = config.StoreSQLite
	cfg.Memory.SQLitePath = filepath.Join(dir, "memory.db")
	cfg.Journal.Dir = filepath.Join(dir, "journal")

	sim := newSim(t, cfg)
	ctx := context.Background()

	require.NoError(t, sim.SetTopic("ethics"))
	require.NoError(t, sim.Start())
	for i := 0; i < 3; i++ {
		require.NoError(t, sim.Step(ctx))
	}
	sim.Close()

	files, err := journal.Files(cfg.Journal.Dir, "events")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	var kinds []core.EventKind
	for _, f := range files {
		events, err := journal.ReadFile(f)
		require.NoError(t, err)
		for _, ev := range events {
			kinds = append(kinds, ev.Kind)
		}
	}
	assert.Contains(t, kinds, core.EventTopicChanged)
	assert.Contains(t, kinds, core.EventTickCompleted)

	store, err := memory.OpenSQLite(cfg.Memory.SQLitePath)
	require.NoError(t, err)
	defer store.Close()

	snap, err := store.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", snap["name"])
	assert.Equal(t, float64(3), snap["tick"])
}

func TestSimulation_ServesObserver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Topic = "space travel"
	cfg.Observer.Addr = "127.0.0.1:0"

	sim := newSim(t, cfg)
	require.NotNil(t, sim.Hub)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- sim.Run(ctx) }()

	require.Eventually(t, func() bool {
		return sim.Addr() != cfg.Observer.Addr
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + sim.Addr() + "/snapshot")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap observer.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, "space travel", snap.Topic)
	assert.Len(t, snap.Agents, 3)

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, "stopped", sim.Status().String())
}

func TestSimulation_UsesModelOverride(t *testing.T) {
	mock := model.NewMockModel("scripted", "mock")
	mock.Script(model.Step{Text: `{"utterance":"Hello Bob","recipient":"Bob"}`})

	sim, err := New(func(o *Options) {
		o.Config = testConfig(t)
		o.Model = mock
		o.Logger = logging.NoOpLogger{}
	})
	require.NoError(t, err)
	defer sim.Close()

	ctx := context.Background()
	require.NoError(t, sim.SetTopic("ethics"))
	require.NoError(t, sim.Step(ctx))

	require.Eventually(t, func() bool {
		_ = sim.Step(ctx)
		for _, m := range sim.History() {
			if m.Sender == "alice" && m.Content == "Hello Bob" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, mock.Calls(), 1)
}

type lineLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineLogger) add(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, msg)
}

func (l *lineLogger) Debug(msg string, args ...any) { l.add(msg) }
func (l *lineLogger) Info(msg string, args ...any)  { l.add(msg) }
func (l *lineLogger) Warn(msg string, args ...any)  { l.add(msg) }
func (l *lineLogger) Error(msg string, args ...any) { l.add(msg) }

func TestSimulation_LogsTransitions(t *testing.T) {
	logger := &lineLogger{}
	sim, err := New(func(o *Options) {
		o.Config = testConfig(t)
		o.Logger = logger
	})
	require.NoError(t, err)
	defer sim.Close()

	ctx := context.Background()
	require.NoError(t, sim.SetTopic("ethics"))
	require.NoError(t, sim.Start())
	for i := 0; i < 3; i++ {
		require.NoError(t, sim.Step(ctx))
	}

	logger.mu.Lock()
	defer logger.mu.Unlock()
	var found bool
	for _, line := range logger.lines {
		if strings.HasPrefix(line, "[on_transition] tick 2 agent alice: idle -> thinking") {
			found = true
		}
	}
	assert.True(t, found, "lines: %v", logger.lines)
}

func TestNewModel(t *testing.T) {
	t.Run("mock", func(t *testing.T) {
		m, err := NewModel(config.ModelConfig{Provider: config.ProviderMock})
		require.NoError(t, err)
		assert.Equal(t, "mock", m.Info().Name)
	})

	t.Run("ollama", func(t *testing.T) {
		m, err := NewModel(config.ModelConfig{
			Provider: config.ProviderOllama,
			Name:     "llama3.2:latest",
			BaseURL:  "http://localhost:11434/v1",
		})
		require.NoError(t, err)
		require.IsType(t, &openaimodel.Model{}, m)
		assert.Equal(t, "llama3.2:latest", m.Info().Name)
	})

	t.Run("anthropic", func(t *testing.T) {
		m, err := NewModel(config.ModelConfig{Provider: config.ProviderAnthropic, APIKey: "test"})
		require.NoError(t, err)
		assert.IsType(t, &anthropicmodel.Model{}, m)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := NewModel(config.ModelConfig{Provider: "carrier-pigeon"})
		require.Error(t, err)
	})
}
