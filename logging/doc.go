// Package logging provides a minimal logging interface and adapters for agentsim.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the engine, bus and gateway use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - SimLogger with agent / tick / component context
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	eng := engine.New(func(o *engine.Options) { o.Logger = logger })
package logging
