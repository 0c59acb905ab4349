// Package memory keeps per-agent memory bounded.
//
// Synthesizer compresses an agent's raw memory log once it exceeds a length
// threshold: salient entries (topic shifts, opinions, messages addressed to
// the agent) and the most recent entries survive verbatim, everything else
// folds into a single summary entry. Consolidation is lossy and idempotent on
// a log that is already below the threshold.
//
// The package also contains the core.MemoryStore backends the engine uses to
// persist summaries and agent snapshots: InMemoryStore for tests and demos,
// SQLiteStore for runs that should survive a restart.
package memory
