// Package orchestrator drives conversation turns. It owns the caller-facing
// surface (start, advance, inspect, end) and dispatches each turn through
// one of four modes: direct keyword routing, coordinator-driven phase
// routing, multi-agent collaboration, or adaptive strategy rewriting.
//
// A turn never holds the conversation lock across text generation: the plan
// is computed from a snapshot, generation runs unlocked, and the result is
// committed in a second short critical section. Two racing turns on one
// conversation resolve last-committer-wins.
package orchestrator
