package store

import "errors"

// Lookup errors.
var (
	ErrNotFound   = errors.New("key not found")
	ErrQueueEmpty = errors.New("queue empty")
)

// Concurrency errors.
var (
	ErrLockTimeout = errors.New("lock acquisition timed out")
)

// Availability errors. Callers treat these as transient and retry with
// backoff; they never indicate corrupted state.
var (
	ErrUnavailable = errors.New("store unavailable")
	ErrClosed      = errors.New("store closed")
)
