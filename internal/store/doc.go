// Package store provides durable TTL-scoped key/value and queue storage with
// a distributed-mutex primitive. It is the persistence substrate for every
// other service: conversation records, signal data points, session caches and
// protocol bindings all live behind the Store interface.
//
// Two implementations are provided:
//
//   - MemoryStore: in-process storage with a background TTL sweeper, used in
//     tests and single-node deployments.
//   - NATSStore: NATS JetStream-backed storage (KV buckets for values and
//     locks, streams for queues) for deployments that already run NATS.
//
// All writes to a given conversation key must be serialized through WithLock
// keyed by the conversation ID; readers may read without the lock and
// tolerate eventual consistency.
package store
