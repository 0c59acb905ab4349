// Package engine implements the world orchestrator of agentsim.
//
// The Engine owns the agent registry (a map plus the spawn order), the message
// bus, the tick counter and the active topic. It drives the simulation in
// discrete ticks and is the only component that mutates the registry.
//
// # Tick phases
//
// Every tick runs the same phases in order:
//
//  1. apply queued commands (SetTopic, SendUserMessage, Spawn, Remove, Wake,
//     Start, Pause, Resume)
//  2. advance the tick counter and emit tick_started
//  3. collect finished gateway requests without blocking; a result whose
//     request id no longer matches the agent's pending request is discarded
//  4. evaluate every agent once, in spawn order, through the state machine;
//     agents entering Thinking get a gateway request, validated responses
//     are posted to the bus
//  5. deliver pending bus messages into inboxes, memory logs and transcripts
//  6. consolidate oversized memory logs and persist the summaries
//  7. check registry invariants; corruption halts the simulation
//  8. emit tick_completed and run the after_tick callbacks
//
// Evaluation runs before delivery. A message posted during evaluation is
// delivered in the same tick, and its recipients act on it the following
// tick.
//
// # Concurrency
//
// Gateway requests run on their own goroutines and report back through a
// shared completion channel, so a slow model never stalls a tick. Stop
// cancels every in-flight request through its context.CancelFunc and no
// cancelled result is ever applied.
//
// Events are buffered during a phase and flushed in order to the Events
// channel, to every Sink and to the on_transition callbacks. The channel
// never blocks the loop: events that do not fit are counted and dropped.
//
// # Usage
//
//	gw, _ := gateway.New(model)
//	eng, _ := engine.New(gw, func(o *engine.Options) {
//	    o.Agents = []core.AgentSpec{{ID: "alice"}, {ID: "bob"}}
//	})
//	_ = eng.SetTopic("ethics")
//	_ = eng.Start()
//	go eng.Run(ctx)
//	for ev := range eng.Events() {
//	    render(ev)
//	}
package engine
