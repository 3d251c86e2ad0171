// Package conversation defines the core domain model shared by every
// service: conversation records, anxiety levels, worry categories and per-turn
// interactions. It also provides Manager, the typed persistence layer over
// store.Store that owns conversation records, user sessions and analytics
// aggregates.
package conversation
