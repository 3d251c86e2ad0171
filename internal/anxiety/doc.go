// Package anxiety tracks the per-conversation anxiety signal: it ingests
// level-change events, classifies each one, computes trend and volatility
// over a trailing window, detects progression patterns, and fires alerts
// through a decoupled dispatch worker.
//
// Data points are append-only. The in-memory session is a transient view;
// the ordered sequence is persisted through the state store and the session
// can always be rebuilt from it.
package anxiety
