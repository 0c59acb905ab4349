// Package agent implements the per-agent state machine.
//
// States are Idle, Thinking, Speaking and Dormant. The transition table is
// uniform across personalities; personality only selects the prompt strategy
// inside the gateway. The Machine is the single writer of an agent's State
// and Energy. It decides when an agent needs a gateway request but never
// performs one: the engine issues the request and feeds the resolved Outcome
// back through Evaluate on a later tick.
//
// Energy is charged on Thinking→Speaking and, in smaller amounts, on every
// tick of activity. It regenerates while Idle or Dormant, is clamped to
// [0, MaxEnergy], and an agent whose energy reaches zero turns Dormant.
package agent
