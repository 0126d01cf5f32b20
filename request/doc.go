// Package request orchestrates client-side data fetching on top of the
// cache package: a registry of in-flight requests, a priority queue with a
// bounded concurrency window, retry with configurable backoff, tag-scoped
// batching and a per-key/broadcast notification layer.
//
// # Queries and mutations
//
// A request is either a query or a mutation ([Kind]). Queries read through
// the cache: a fresh cached value short-circuits the call, a live record
// for the same key absorbs concurrent identical calls into one fetch, and
// a successful result is written back with the request's TTL, stale TTL
// and tags. Mutations bypass the cache entirely — no read, no write, no
// tag-based refetch — sort ahead of every query in the pending queue, and
// deliver their result straight to subscribers:
//
//	m := request.New(nil)
//	st := m.Request("user:1", fetchUser, request.Options{
//	    TTL:  request.Ptr(time.Minute),
//	    Tags: []string{"users"},
//	}, 1)
//
// # Scheduling
//
// The scheduler drains the pending queue after every state change that
// could unblock work: mutations first, then higher numeric priority,
// insertion order breaking ties (the sort is explicitly stable). Requests
// whose next attempt lies in the future are skipped and the earliest such
// time arms a wake-up timer. [WithMaxParallel] bounds concurrent fetches;
// zero pauses the queue until [Manager.UpdateConfig] raises it, a negative
// bound means unbounded.
//
// # Retry
//
// A failed attempt consults the retry budget ([Retries]) and the decay
// function ([DecayFunc]), which may stop retrying outright. Between
// attempts the record stays in the pending queue with a future
// nextAttemptAt. Once the budget is spent, mutations surface the error
// once and are discarded; queries retain the error until a successful
// refetch overwrites it or the cache entry is cleared.
//
// # Batching
//
// [Manager.Batch] registers a tag-scoped rule: when the scheduler reaches
// an eligible request whose tags the rule matches and at least one other
// pending request matches too, the group collapses into a single
// [BatchFunc] call occupying one concurrency slot. Results map back
// positionally; a count mismatch or an item with neither data nor error is
// fatal for the whole batch ([ErrBatchContract]), while per-item errors
// go through each request's own retry logic.
//
// # Subscriptions
//
// [Manager.Sub] attaches a callback to a key and pins the cache entry for
// as long as a subscriber is attached, so observed data survives its TTL.
// Per-key listeners are notified before broadcast listeners, lists are
// snapshotted per delivery, an optional [Interceptor] can veto individual
// deliveries, and a panicking listener is logged and isolated.
//
// # Configuration
//
// Options layer field by field: per-request [Options] override the
// manager defaults ([WithDefaults]), which override the hardcoded
// defaults. [LoadDefaults] reads the defaults layer from a YAML file.
// There is no process-wide default manager; construct one and pass it
// around.
package request
