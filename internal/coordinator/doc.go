// Package coordinator owns the conversation phase machine and strategy
// selection. It decides, deterministically, which phase a conversation is
// in, when it may advance, and which agent category should produce the next
// turn. It never generates content itself; the orchestrator executes its
// decisions.
package coordinator
