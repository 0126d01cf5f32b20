// Package cache implements a keyed in-memory store with stale-while-
// revalidate semantics, tag indexing, reference-counted locking and a
// self-scheduling garbage collector.
//
// # Lifetimes
//
// Every entry carries two windows. For the first TTL the value is fresh;
// for the following StaleTTL it is still returned but flagged stale; after
// TTL+StaleTTL it is logically gone and will be removed by the next GC
// sweep. A negative TTL means the entry never expires:
//
//	c := cache.New()
//	c.Set("user:1", user, cache.SetOptions{
//	    TTL:      time.Minute,
//	    StaleTTL: 5 * time.Minute,
//	    Tags:     []string{"users"},
//	})
//	st, ok := c.GetState("user:1") // ok, st.Stale false for the first minute
//
// # Locking
//
// [Cache.Lock] pins a key with a reference count. A locked entry is never
// physically removed, and reads keep returning the (stale) value even past
// full expiry — the request manager locks a key while a subscriber is
// attached so live consumers never lose their data. [Cache.Unlock] on an
// already-elapsed entry immediately re-arms the GC.
//
// # Tags
//
// Tags index entries for bulk operations. [Cache.FindByTags] and
// [Cache.ClearByTags] take a [TagMatch]: [MatchAll] intersects,
// [MatchAny] unions, and [MatchNone] complements over the whole key space
// (explicitly slower). The tag index and entry tags are maintained
// transactionally and are always mutually consistent.
//
// # Garbage collection
//
// The cache owns a single restartable timer. Whenever an entry with a
// finite expiry is written, a sweep is scheduled at the earliest pending
// expiry (floored by the configured GC interval); scheduling is idempotent
// and never stacks timers. [Cache.GC] runs a sweep by hand and reports how
// many entries were cleaned and how many still await expiry.
//
// # Cold values and snapshots
//
// Entries written with a [Serializer] are stored cold ([]byte) and decoded
// on first read, then kept hot in place. [Cache.Snapshot] captures the
// whole cache in a versioned, msgpack-friendly format and [Cache.Restore]
// rehydrates it, dropping records that expired while persisted. The
// persist package stores snapshots in SQLite.
//
// # Failure semantics
//
// Invariant violations (duplicate tag index inserts, unlocking an unlocked
// key, removing an unknown subscription) panic under [WithStrict] and
// degrade to a logged warning otherwise. Strictness and log verbosity are
// deliberately independent controls.
package cache
