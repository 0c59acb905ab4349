// Package agentsim provides a high-level façade over the simulation engine
// and its services (gateway, memory store, event journal and observer)
// enabling quick construction of a running multi-agent world. Most
// applications interact with this package by:
//  1. Loading a config.Config (or starting from config.Default())
//  2. Creating a Simulation via NewFromConfig or New
//  3. Setting a topic, calling Start and driving Run until the context ends
//
// The façade delegates orchestration to engine.Engine, which it embeds, so
// every command and accessor of the engine is available on a Simulation.
package agentsim

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/agentsim/agent"
	"github.com/hupe1980/agentsim/bus"
	"github.com/hupe1980/agentsim/config"
	"github.com/hupe1980/agentsim/core"
	"github.com/hupe1980/agentsim/engine"
	"github.com/hupe1980/agentsim/gateway"
	"github.com/hupe1980/agentsim/journal"
	"github.com/hupe1980/agentsim/logging"
	"github.com/hupe1980/agentsim/memory"
	"github.com/hupe1980/agentsim/model"
	anthropicmodel "github.com/hupe1980/agentsim/model/anthropic"
	openaimodel "github.com/hupe1980/agentsim/model/openai"
	"github.com/hupe1980/agentsim/observer"
)

// Options configures a Simulation.
type Options struct {
	// Config is the full simulation configuration.
	Config config.Config

	// Model overrides the model selected by Config.Model.
	Model model.Model

	// Logger overrides the logger built from Config.Log.
	Logger logging.Logger

	// Sinks receive every engine event in addition to the journal and the
	// observer.
	Sinks []engine.Sink
}

// Simulation is a configured world together with the services around it.
type Simulation struct {
	*engine.Engine

	// Hub is the observer hub. It is nil unless Config.Observer.Addr is set.
	Hub *observer.Hub

	opts    Options
	logger  logging.Logger
	journal *journal.Writer
	sqlite  *memory.SQLiteStore
	server  *http.Server

	mu   sync.Mutex
	addr string
}

// NewFromConfig creates a simulation from cfg.
func NewFromConfig(cfg config.Config) (*Simulation, error) {
	return New(func(o *Options) { o.Config = cfg })
}

// New creates a simulation. Without overrides it uses config.Default().
func New(optFns ...func(o *Options)) (*Simulation, error) {
	opts := Options{Config: config.Default()}
	for _, fn := range optFns {
		fn(&opts)
	}

	cfg := opts.Config
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("agentsim: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewSlogLogger(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format, false)
	}

	m := opts.Model
	if m == nil {
		var err error
		if m, err = NewModel(cfg.Model); err != nil {
			return nil, err
		}
	}

	gw, err := gateway.New(m, func(o *gateway.Options) {
		o.MaxAttempts = cfg.Gateway.MaxAttempts
		o.InitialBackoff = cfg.Gateway.InitialBackoff
		o.Multiplier = cfg.Gateway.Multiplier
		o.MaxBackoff = cfg.Gateway.MaxBackoff
		o.AttemptTimeout = cfg.Gateway.AttemptTimeout
		o.MemoryWindow = cfg.Gateway.MemoryWindow
		o.InboxWindow = cfg.Gateway.InboxWindow
		o.Logger = logger
	})
	if err != nil {
		return nil, fmt.Errorf("agentsim: %w", err)
	}

	policy, err := bus.ParseOverflowPolicy(cfg.Bus.OverflowPolicy)
	if err != nil {
		return nil, fmt.Errorf("agentsim: %w", err)
	}

	s := &Simulation{opts: opts, logger: logger}

	var store core.MemoryStore = memory.NewInMemoryStore()
	if cfg.Memory.Store == config.StoreSQLite {
		if s.sqlite, err = memory.OpenSQLite(cfg.Memory.SQLitePath); err != nil {
			return nil, fmt.Errorf("agentsim: %w", err)
		}
		store = s.sqlite
	}

	sinks := append([]engine.Sink(nil), opts.Sinks...)
	if cfg.Journal.Dir != "" {
		s.journal = journal.NewWriter(cfg.Journal.Dir, func(o *journal.Options) {
			if cfg.Journal.Prefix != "" {
				o.Prefix = cfg.Journal.Prefix
			}
		})
		sinks = append(sinks, s.journal)
	}

	eng, err := engine.New(gw, func(o *engine.Options) {
		o.Config = engine.Config{
			TickInterval:    cfg.TickInterval,
			EventBufferSize: engine.DefaultConfig.EventBufferSize,
			MailboxSize:     cfg.Bus.MailboxSize,
			OverflowPolicy:  policy,
			HistoryLimit:    cfg.Bus.HistoryLimit,
			InboxLimit:      cfg.InboxLimit,
			TranscriptLimit: engine.DefaultConfig.TranscriptLimit,
			RecallLimit:     cfg.Memory.RecallLimit,
		}
		o.Topic = cfg.Topic
		o.Agents = cfg.Agents
		o.Machine = agent.NewMachine(func(mo *agent.Options) {
			mo.Energy = cfg.Energy
			mo.IdleThinkTicks = cfg.IdleThinkTicks
			mo.Logger = logger
		})
		o.Synthesizer = memory.NewSynthesizer(func(so *memory.Options) {
			so.Threshold = cfg.Memory.Threshold
			so.KeepRecent = cfg.Memory.KeepRecent
			so.MaxSalient = cfg.Memory.MaxSalient
			so.MaxSummaryChars = cfg.Memory.MaxSummaryChars
		})
		o.MemoryStore = store
		o.Sinks = sinks
		o.Logger = logger
	})
	if err != nil {
		s.closeServices()
		return nil, fmt.Errorf("agentsim: %w", err)
	}
	s.Engine = eng
	eng.RegisterCallback(engine.NewLoggingCallback(engine.CallbackOnTransition, func(msg string) {
		logger.Info(msg)
	}))

	if cfg.Observer.Addr != "" {
		s.Hub = observer.NewHub(eng, func(o *observer.Options) {
			o.AllowRemote = cfg.Observer.AllowRemote
			o.Logger = logger
		})
		eng.AddSink(s.Hub)

		mux := http.NewServeMux()
		mux.Handle("/ws", s.Hub.Handler())
		mux.Handle("/snapshot", s.Hub.SnapshotHandler())
		s.addr = cfg.Observer.Addr
		s.server = &http.Server{
			Addr:              cfg.Observer.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return s, nil
}

// NewModel builds the model named by cfg. The ollama provider talks to the
// OpenAI compatible endpoint of a local Ollama server.
func NewModel(cfg config.ModelConfig) (model.Model, error) {
	switch cfg.Provider {
	case config.ProviderMock, "":
		name := cfg.Name
		if name == "" {
			name = "mock"
		}
		return model.NewMockModel(name, config.ProviderMock), nil
	case config.ProviderOllama, config.ProviderOpenAI:
		return openaimodel.NewModel(func(o *openaimodel.Options) {
			if cfg.Name != "" {
				o.Model = cfg.Name
			}
			o.BaseURL = cfg.BaseURL
			o.APIKey = cfg.APIKey
			if cfg.Provider == config.ProviderOllama && o.APIKey == "" {
				o.APIKey = "ollama"
			}
			o.Temperature = cfg.Temperature
			if cfg.MaxTokens > 0 {
				o.MaxCompletionTokens = cfg.MaxTokens
			}
		}), nil
	case config.ProviderAnthropic:
		return anthropicmodel.NewModel(func(o *anthropicmodel.Options) {
			if cfg.Name != "" {
				o.Model = anthropic.Model(cfg.Name)
			}
			o.APIKey = cfg.APIKey
			o.Temperature = cfg.Temperature
			if cfg.MaxTokens > 0 {
				o.MaxTokens = cfg.MaxTokens
			}
		}), nil
	default:
		return nil, fmt.Errorf("agentsim: unknown model provider %q", cfg.Provider)
	}
}

// Config returns the configuration the simulation was built from.
func (s *Simulation) Config() config.Config { return s.opts.Config }

// Addr returns the observer address, or "" when the observer is disabled.
// Once Run listens it reports the bound address.
func (s *Simulation) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run serves the observer when configured and drives the engine until ctx
// ends or the simulation stops. Services are closed before Run returns.
func (s *Simulation) Run(ctx context.Context) error {
	defer s.Close()

	if s.server != nil {
		ln, err := net.Listen("tcp", s.server.Addr)
		if err != nil {
			return fmt.Errorf("agentsim: observer: %w", err)
		}
		s.mu.Lock()
		s.addr = ln.Addr().String()
		s.mu.Unlock()
		s.logger.Info("observer listening", "addr", ln.Addr().String())
		go func() {
			if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("observer stopped", "error", err)
			}
		}()
	}

	err := s.Engine.Run(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Close stops the simulation and releases the observer, the journal and the
// memory store. It is safe to call more than once.
func (s *Simulation) Close() {
	s.Engine.Stop()
	s.Engine.Wait()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			s.logger.Warn("observer shutdown failed", "error", err)
		}
	}
	if s.Hub != nil {
		s.Hub.Close()
	}
	s.closeServices()
}

func (s *Simulation) closeServices() {
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			s.logger.Warn("journal close failed", "error", err)
		}
	}
	if s.sqlite != nil {
		if err := s.sqlite.Close(); err != nil {
			s.logger.Warn("memory store close failed", "error", err)
		}
	}
}
