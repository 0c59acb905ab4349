// Package core provides the foundational domain types, error taxonomy and
// event records shared by every agentsim component. It defines:
//
//   - Agents (simulated participants with state, energy and memory)
//   - Messages (immutable, addressed utterances routed by the bus)
//   - Events (outward notifications consumed by renderers and sinks)
//   - MemoryEntry / MemoryStore (raw memory log items and pluggable persistence)
//   - The error taxonomy (validation, service, mailbox, registry conditions)
//
// The package intentionally keeps behavior (state machine, bus, gateway,
// orchestration) out of scope so that every other package can depend on it
// without introducing cycles.
package core
