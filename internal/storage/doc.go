// Package storage provides the embedded key/value state store.
//
// A Store holds a fixed set of tables (records, worker_states, tasks). Each
// owning component opens its own namespace through an Opener: the warden
// uses "warden", every minion a salted "minion-<id>-<salt>" namespace, so a
// minion's writes stay private until it migrates them explicitly.
//
// Drivers:
//   - "sqlite": one SQLite file per namespace (default)
//   - "file":   dependency-free JSONL journal + snapshot per namespace
//   - "redis":  one hash per namespace/table on a Redis server
//   - "memory": process-local maps (tests, ephemeral runs)
package storage
