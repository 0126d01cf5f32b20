// Package refetch is a client-side data-fetching layer: a request
// orchestration engine backed by a time-aware, stale-while-revalidate
// cache.
//
// The cache package is the leaf: a keyed store with per-entry TTL and
// stale windows, tag indexing, reference-counted locking and a
// self-scheduling garbage collector. The request package builds the
// manager on top of it: request dedupe, priority scheduling with a
// bounded concurrency window, retry with backoff, tag-scoped batching and
// pub/sub notifications. The persist package stores cache snapshots in
// SQLite for rehydration across restarts.
//
// Transport is not part of this module: every request runs a
// caller-supplied asynchronous function, and callers decide success or
// failure through validation hooks.
package refetch
