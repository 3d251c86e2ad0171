// Package protocol implements structured inter-agent communication: an
// agent registry with category adjacency rules, typed messages, and the
// handoff workflow that rebinds a conversation to a new agent.
//
// Handoff acceptance is a pure function of the registry: the target must be
// registered and its category must be adjacent to the source's. An accepted
// handoff updates the conversation binding and history atomically under the
// conversation lock; a rejected one changes nothing.
package protocol
