// Package conversation keeps per-pair transcripts of delivered messages and
// tracks each agent's recent conversation partners. The engine appends every
// delivered message; the gateway reads partners to ground prompts.
//
// Broadcasts are filed under the pair (sender, recipient) for every
// recipient that actually received them, so a transcript always reflects
// what both sides could have seen.
package conversation
