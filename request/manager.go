package request

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/kodalab/refetch/cache"
)

// DefaultMaxParallel leaves the concurrency window unbounded.
const DefaultMaxParallel = -1

// Interceptor is consulted before every delivery and can veto it.
type Interceptor func(Update, *Subscription) bool

type config struct {
	maxParallel int
	defaults    Options
	strict      bool
	logger      zerolog.Logger
	intercept   Interceptor
	clock       func() time.Time
}

// Option configures a Manager.
type Option func(*config)

// WithMaxParallel bounds how many fetches run at once. Zero pauses the
// queue entirely until raised; a negative value removes the bound. A batch
// occupies a single slot regardless of how many requests it bundles.
func WithMaxParallel(n int) Option {
	return func(c *config) { c.maxParallel = n }
}

// WithDefaults sets the manager-level defaults layer. Per-request options
// override these field by field; hardcoded defaults fill the rest.
func WithDefaults(d Options) Option {
	return func(c *config) { c.defaults = d }
}

// WithStrict makes invariant violations panic instead of logging.
// Independent of log verbosity.
func WithStrict(strict bool) Option {
	return func(c *config) { c.strict = strict }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithInterceptor installs a delivery gate. Returning false suppresses
// that single delivery; other subscribers are unaffected.
func WithInterceptor(i Interceptor) Option {
	return func(c *config) { c.intercept = i }
}

// withClock overrides the time source. Test hook.
func withClock(now func() time.Time) Option {
	return func(c *config) { c.clock = now }
}

// record tracks one registered request. At most one record exists per key;
// concurrent Request calls for the same key reuse or supersede it.
type record struct {
	key       string
	fn        Fetcher
	args      []any
	opts      resolved
	attempts  int
	nextAt    time.Time
	lastErr   error
	pending   bool // in the pending queue
	fetching  bool // currently executing
	cancelled bool
	done      bool // finalized; queries keep the record for state reads
	seq       uint64
	gen       uint64
	cancel    context.CancelFunc
	flight    *flight
}

// flight is one in-flight invocation: a single request or a batch bundled
// into one slot. adj is this flight's remaining contribution to the
// manager's batch adjustment.
type flight struct {
	keys []string
	gens []uint64
	adj  int
}

// Manager orchestrates requests on top of a Cache: dedupe, priority
// scheduling with a bounded concurrency window, retry with backoff,
// tag-scoped batching and per-key/broadcast notifications.
//
// There is no package-level default manager; construct one with New and
// pass it where it is needed.
type Manager struct {
	mu        sync.Mutex
	cfg       config
	cache     *cache.Cache
	ownCache  bool
	records   map[string]*record
	pending   []*record
	inFlight  int
	batchAdj  int
	batchers  []*batcher
	keySubs   map[string][]*Subscription
	bcast     []*Subscription
	updates   []Update
	wakeTimer *time.Timer
	wakeAt    time.Time
	seq       uint64
	gen       uint64
	cacheSub  *cache.Subscription
	baseCtx   context.Context
	baseStop  context.CancelFunc
	closed    bool
}

// New returns a Manager backed by c. A nil cache constructs a private one
// with matching logger and strictness.
func New(c *cache.Cache, opts ...Option) *Manager {
	cfg := config{
		maxParallel: DefaultMaxParallel,
		logger:      zerolog.Nop(),
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	own := false
	if c == nil {
		c = cache.New(cache.WithLogger(cfg.logger), cache.WithStrict(cfg.strict))
		own = true
	}
	ctx, stop := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		cache:    c,
		ownCache: own,
		records:  make(map[string]*record),
		keySubs:  make(map[string][]*Subscription),
		baseCtx:  ctx,
		baseStop: stop,
	}
	m.cacheSub = c.Sub(m.onCacheEvent)
	return m
}

// Cache returns the underlying cache. Direct writes to it notify
// subscribers through the manager's cache subscription.
func (m *Manager) Cache() *cache.Cache { return m.cache }

// Close cancels all in-flight work, stops timers and detaches from the
// cache. A cache constructed by New is closed as well.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.wakeTimer != nil {
		m.wakeTimer.Stop()
		m.wakeTimer = nil
	}
	for _, rec := range m.records {
		if rec.cancel != nil {
			rec.cancel()
			rec.cancel = nil
		}
	}
	m.pending = nil
	m.mu.Unlock()

	m.baseStop()
	m.cache.Unsub(m.cacheSub)
	if m.ownCache {
		m.cache.Close()
	}
}

func (m *Manager) fail(format string, args ...any) {
	if m.cfg.strict {
		panic(errors.Newf("request: "+format, args...))
	}
	m.cfg.logger.Warn().Msgf("request: "+format, args...)
}

// Request registers (or reuses) a request for key. For a query with a
// fresh cached value and no Force, the cached state is returned and
// nothing is enqueued. A live record for the same key is reused unless
// forced, collapsing concurrent identical calls into one fetch; otherwise
// the existing record is superseded. Mutations always start a new record
// and never consult the cache. The returned State is the key's state
// immediately after registration.
func (m *Manager) Request(key string, fn Fetcher, opts Options, args ...any) State {
	m.mu.Lock()
	if m.closed {
		st := m.stateLocked(key)
		m.mu.Unlock()
		return st
	}
	r := resolveOptions(m.cfg.defaults, opts)

	switch r.kind {
	case KindQuery:
		if !r.force {
			if st, ok := m.cache.GetState(key); ok && !st.Stale {
				state := m.stateLocked(key)
				m.mu.Unlock()
				return state
			}
			if rec, ok := m.records[key]; ok && !rec.cancelled && (rec.pending || rec.fetching) {
				// Live record: concurrent identical-key calls collapse here.
				state := m.stateLocked(key)
				m.mu.Unlock()
				return state
			}
		}
		m.supersedeLocked(key)
		m.enqueueLocked(key, fn, args, r)
	case KindMutation:
		m.supersedeLocked(key)
		m.enqueueLocked(key, fn, args, r)
	}

	m.pushQueueLocked()
	state := m.stateLocked(key)
	ups := m.takeUpdatesLocked()
	m.mu.Unlock()
	m.deliver(ups)
	return state
}

// supersedeLocked cancels and removes any existing record for key.
func (m *Manager) supersedeLocked(key string) {
	rec, ok := m.records[key]
	if !ok {
		return
	}
	m.detachLocked(rec)
	delete(m.records, key)
}

// detachLocked marks rec cancelled and removes it from the queues,
// releasing its concurrency slot.
func (m *Manager) detachLocked(rec *record) {
	rec.cancelled = true
	if rec.cancel != nil {
		rec.cancel()
		rec.cancel = nil
	}
	if rec.pending {
		rec.pending = false
		m.removePendingLocked(rec)
	}
	if rec.fetching {
		rec.fetching = false
		m.inFlight--
		if rec.flight != nil && rec.flight.adj > 0 {
			rec.flight.adj--
			m.batchAdj--
		}
		rec.flight = nil
	}
}

func (m *Manager) enqueueLocked(key string, fn Fetcher, args []any, r resolved) {
	m.seq++
	rec := &record{
		key:  key,
		fn:   fn,
		args: args,
		opts: r,
		seq:  m.seq,
	}
	if r.delay > 0 {
		rec.nextAt = m.cfg.clock().Add(r.delay)
	}
	rec.pending = true
	m.records[key] = rec
	m.pending = append(m.pending, rec)
	m.queueUpdateLocked(key, ReasonFetch)
	m.cfg.logger.Debug().Str("key", key).Stringer("kind", r.kind).Msg("request enqueued")
}

// Cancel cancels the request registered for key. The in-flight context is
// cancelled cooperatively; a result that arrives anyway is discarded. The
// record is removed entirely for mutations and for queries with no cached
// value; a cancelled query that still has cached data keeps its record so
// State keeps reflecting the cache. Returns false when key has no record.
func (m *Manager) Cancel(key string) bool {
	m.mu.Lock()
	rec, ok := m.records[key]
	if !ok {
		m.mu.Unlock()
		return false
	}
	m.detachLocked(rec)
	rec.done = true
	if rec.opts.kind == KindMutation || !m.cache.Has(key) {
		delete(m.records, key)
	} else {
		rec.lastErr = ErrCancelled
	}
	m.queueUpdateLocked(key, ReasonFetch)
	m.pushQueueLocked()
	ups := m.takeUpdatesLocked()
	m.mu.Unlock()
	m.deliver(ups)
	return true
}

// RefetchByKey re-triggers the fetch for a known query key. No-op (but
// still true) when the request is already pending or in flight; false when
// the key is unknown or registered as a mutation.
func (m *Manager) RefetchByKey(key string) bool {
	m.mu.Lock()
	ok := m.refetchLocked(key)
	m.pushQueueLocked()
	ups := m.takeUpdatesLocked()
	m.mu.Unlock()
	m.deliver(ups)
	return ok
}

// RefetchByTags re-triggers every known query whose cache entry matches
// the tag predicate. Returns the number of requests re-enqueued.
func (m *Manager) RefetchByTags(tags []string, match cache.TagMatch, filter cache.Filter) int {
	m.mu.Lock()
	n := 0
	for _, key := range m.cache.FindByTags(tags, match, filter) {
		rec, ok := m.records[key]
		if !ok || rec.opts.kind != KindQuery {
			continue
		}
		if rec.pending || rec.fetching {
			continue
		}
		if m.refetchLocked(key) {
			n++
		}
	}
	m.pushQueueLocked()
	ups := m.takeUpdatesLocked()
	m.mu.Unlock()
	m.deliver(ups)
	return n
}

func (m *Manager) refetchLocked(key string) bool {
	rec, ok := m.records[key]
	if !ok || rec.opts.kind != KindQuery {
		return false
	}
	if rec.pending || rec.fetching {
		return true
	}
	m.seq++
	rec.seq = m.seq
	rec.pending = true
	rec.cancelled = false
	rec.done = false
	rec.attempts = 0
	rec.nextAt = time.Time{}
	m.pending = append(m.pending, rec)
	m.queueUpdateLocked(key, ReasonFetch)
	return true
}

// State returns the cache-derived state for key merged with the request
// status fields of its record, if one exists.
func (m *Manager) State(key string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked(key)
}

func (m *Manager) stateLocked(key string) State {
	st, found := m.cache.GetState(key)
	s := State{Value: st.Value, Found: found, Stale: st.Stale}
	if rec, ok := m.records[key]; ok {
		s.Pending = rec.pending
		s.Fetching = rec.fetching
		s.Attempts = rec.attempts
		s.Err = rec.lastErr
		s.Cancelled = rec.cancelled
	}
	return s
}

// FromCache reads key straight from the cache.
func (m *Manager) FromCache(key string) (any, bool) {
	return m.cache.Get(key)
}

// UpdateCache writes a value directly, without any fetch, and notifies
// subscribers with ReasonManual.
func (m *Manager) UpdateCache(key string, value any, opts cache.SetOptions) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	// The cache write happens outside the manager lock: the cache event
	// subscription re-enters the manager.
	opts.SkipNotify = true
	if err := m.cache.Set(key, value, opts); err != nil {
		return err
	}
	m.mu.Lock()
	m.queueUpdateLocked(key, ReasonManual)
	ups := m.takeUpdatesLocked()
	m.mu.Unlock()
	m.deliver(ups)
	return nil
}

// ClearCache force-removes key from the cache. Subscribers are notified
// through the cache event subscription.
func (m *Manager) ClearCache(key string) bool {
	return m.cache.Clear(key)
}

// ClearCacheByTags force-removes every cache entry matching the tag
// predicate.
func (m *Manager) ClearCacheByTags(tags []string, match cache.TagMatch, filter cache.Filter) int {
	return m.cache.ClearByTags(tags, match, filter)
}

// UpdateConfig hot-swaps the dynamic configuration: concurrency limit
// (raising it re-triggers the scheduler), defaults, hooks, logger. The
// cache binding is fixed at construction and cannot be swapped here.
func (m *Manager) UpdateConfig(opts ...Option) {
	m.mu.Lock()
	for _, opt := range opts {
		opt(&m.cfg)
	}
	m.pushQueueLocked()
	ups := m.takeUpdatesLocked()
	m.mu.Unlock()
	m.deliver(ups)
}

// onCacheEvent forwards externally-driven cache changes (direct Set or
// Clear on the cache, tag invalidation) to manager subscribers. Writes the
// manager itself performs are done with SkipNotify and notified once, with
// a more specific reason.
func (m *Manager) onCacheEvent(ev cache.Event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if ev.Kind == cache.EventClear {
		// Error retention for a query ends when its entry is cleared.
		if rec, ok := m.records[ev.Key]; ok && !rec.pending && !rec.fetching {
			delete(m.records, ev.Key)
		}
	}
	m.queueUpdateLocked(ev.Key, ReasonCache)
	ups := m.takeUpdatesLocked()
	m.mu.Unlock()
	m.deliver(ups)
}
