// Package config loads simulation settings from YAML. Durations are written
// as Go duration strings ("100ms", "2s").
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/agentsim/agent"
	"github.com/hupe1980/agentsim/bus"
	"github.com/hupe1980/agentsim/core"
)

// Model providers.
const (
	ProviderMock      = "mock"
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Memory store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Config is the full simulation configuration.
type Config struct {
	Topic          string             `yaml:"topic"`
	TickInterval   time.Duration      `yaml:"tick_interval"`
	IdleThinkTicks int                `yaml:"idle_think_ticks"`
	InboxLimit     int                `yaml:"inbox_limit"`
	Agents         []core.AgentSpec   `yaml:"agents"`
	Energy         agent.EnergyPolicy `yaml:"energy"`
	Bus            BusConfig          `yaml:"bus"`
	Gateway        GatewayConfig      `yaml:"gateway"`
	Memory         MemoryConfig       `yaml:"memory"`
	Model          ModelConfig        `yaml:"model"`
	Journal        JournalConfig      `yaml:"journal"`
	Observer       ObserverConfig     `yaml:"observer"`
	Log            LogConfig          `yaml:"log"`
}

// BusConfig configures mailboxes.
type BusConfig struct {
	MailboxSize    int    `yaml:"mailbox_size"`
	OverflowPolicy string `yaml:"overflow_policy"`
	HistoryLimit   int    `yaml:"history_limit"`
}

// GatewayConfig configures retries and prompt windows.
type GatewayConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	MemoryWindow   int           `yaml:"memory_window"`
	InboxWindow    int           `yaml:"inbox_window"`
}

// MemoryConfig configures consolidation and persistence.
type MemoryConfig struct {
	Threshold       int    `yaml:"threshold"`
	KeepRecent      int    `yaml:"keep_recent"`
	MaxSalient      int    `yaml:"max_salient"`
	MaxSummaryChars int    `yaml:"max_summary_chars"`
	RecallLimit     int    `yaml:"recall_limit"`
	Store           string `yaml:"store"`
	SQLitePath      string `yaml:"sqlite_path"`
}

// ModelConfig selects the inference backend.
type ModelConfig struct {
	Provider    string  `yaml:"provider"`
	Name        string  `yaml:"name"`
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int64   `yaml:"max_tokens"`
}

// JournalConfig enables the event journal when Dir is set.
type JournalConfig struct {
	Dir    string `yaml:"dir"`
	Prefix string `yaml:"prefix"`
}

// ObserverConfig enables the websocket observer when Addr is set.
type ObserverConfig struct {
	Addr        string `yaml:"addr"`
	AllowRemote bool   `yaml:"allow_remote"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the stock three-agent world talking through a local
// Ollama server.
func Default() Config {
	return Config{
		TickInterval:   100 * time.Millisecond,
		IdleThinkTicks: agent.DefaultConfig.IdleThinkTicks,
		InboxLimit:     16,
		Agents: []core.AgentSpec{
			{ID: "alice", Name: "Alice", Personality: core.PersonalityFriendly, Energy: 100},
			{ID: "bob", Name: "Bob", Personality: core.PersonalityCurious, Energy: 100},
			{ID: "charlie", Name: "Charlie", Personality: core.PersonalityCautious, Energy: 100},
		},
		Energy: agent.DefaultEnergyPolicy,
		Bus: BusConfig{
			MailboxSize:    32,
			OverflowPolicy: bus.DropOldest.String(),
			HistoryLimit:   256,
		},
		Gateway: GatewayConfig{
			MaxAttempts:    3,
			InitialBackoff: 250 * time.Millisecond,
			Multiplier:     2,
			MaxBackoff:     5 * time.Second,
			AttemptTimeout: 30 * time.Second,
			MemoryWindow:   10,
			InboxWindow:    5,
		},
		Memory: MemoryConfig{
			Threshold:       24,
			KeepRecent:      6,
			MaxSalient:      8,
			MaxSummaryChars: 600,
			RecallLimit:     3,
			Store:           StoreMemory,
		},
		Model: ModelConfig{
			Provider:    ProviderOllama,
			Name:        "llama3.2:latest",
			BaseURL:     "http://localhost:11434/v1",
			Temperature: 0.7,
			MaxTokens:   512,
		},
		Journal: JournalConfig{Prefix: "events"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults and validates the result. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	return Parse(b)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(b []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Save writes c to path as YAML.
func (c Config) Save(path string) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return os.WriteFile(path, b, 0o644)
}

// Normalize fills derived values: agent ids from names and lower-case enums.
func (c *Config) Normalize() {
	if c == nil {
		return
	}
	for i := range c.Agents {
		a := &c.Agents[i]
		a.Name = strings.TrimSpace(a.Name)
		if strings.TrimSpace(a.ID) == "" && a.Name != "" {
			a.ID = strings.ToLower(strings.ReplaceAll(a.Name, " ", "-"))
		}
		a.Personality = strings.ToLower(strings.TrimSpace(a.Personality))
	}
	c.Model.Provider = strings.ToLower(strings.TrimSpace(c.Model.Provider))
	c.Memory.Store = strings.ToLower(strings.TrimSpace(c.Memory.Store))
	c.Bus.OverflowPolicy = strings.ToLower(strings.TrimSpace(c.Bus.OverflowPolicy))
}

// Validate reports every invalid value at once.
func (c Config) Validate() error {
	var errs []error
	if c.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("tick_interval must be positive, got %s", c.TickInterval))
	}
	if len(c.Agents) == 0 {
		errs = append(errs, errors.New("at least one agent is required"))
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		switch {
		case a.ID == "":
			errs = append(errs, fmt.Errorf("agents[%d]: id or name is required", i))
		case core.IsSynthetic(a.ID) || a.ID == core.Broadcast:
			errs = append(errs, fmt.Errorf("agents[%d]: id %q is reserved", i, a.ID))
		case seen[a.ID]:
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate id %q", i, a.ID))
		}
		seen[a.ID] = true
		if a.Energy < 0 || (c.Energy.MaxEnergy > 0 && a.Energy > c.Energy.MaxEnergy) {
			errs = append(errs, fmt.Errorf("agents[%d]: energy %.2f outside [0, %.2f]", i, a.Energy, c.Energy.MaxEnergy))
		}
	}
	if c.Energy.MaxEnergy <= 0 {
		errs = append(errs, errors.New("energy.max_energy must be positive"))
	}
	for name, v := range map[string]float64{
		"speak_cost":      c.Energy.SpeakCost,
		"activity_cost":   c.Energy.ActivityCost,
		"idle_regen":      c.Energy.IdleRegen,
		"dormant_regen":   c.Energy.DormantRegen,
		"wake_threshold":  c.Energy.WakeThreshold,
		"failure_penalty": c.Energy.FailurePenalty,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("energy.%s must not be negative", name))
		}
	}
	if c.Bus.MailboxSize <= 0 {
		errs = append(errs, errors.New("bus.mailbox_size must be positive"))
	}
	if _, err := bus.ParseOverflowPolicy(c.Bus.OverflowPolicy); err != nil {
		errs = append(errs, fmt.Errorf("bus.overflow_policy: %w", err))
	}
	if c.Gateway.MaxAttempts <= 0 {
		errs = append(errs, errors.New("gateway.max_attempts must be positive"))
	}
	if c.Gateway.Multiplier < 1 {
		errs = append(errs, errors.New("gateway.multiplier must be at least 1"))
	}
	if c.Gateway.InitialBackoff < 0 || c.Gateway.MaxBackoff < 0 || c.Gateway.AttemptTimeout < 0 {
		errs = append(errs, errors.New("gateway durations must not be negative"))
	}
	if c.Memory.RecallLimit < 0 {
		errs = append(errs, errors.New("memory.recall_limit must not be negative"))
	}
	switch c.Memory.Store {
	case StoreMemory:
	case StoreSQLite:
		if c.Memory.SQLitePath == "" {
			errs = append(errs, errors.New("memory.sqlite_path is required for the sqlite store"))
		}
	default:
		errs = append(errs, fmt.Errorf("memory.store: unknown backend %q", c.Memory.Store))
	}
	switch c.Model.Provider {
	case ProviderMock, ProviderOllama, ProviderOpenAI, ProviderAnthropic:
	default:
		errs = append(errs, fmt.Errorf("model.provider: unknown provider %q", c.Model.Provider))
	}
	return errors.Join(errs...)
}
