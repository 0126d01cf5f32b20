package cache

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultTTL is the entry lifetime used when SetOptions.TTL is zero and no
// cache-level default has been configured.
const DefaultTTL = 5 * time.Minute

// DefaultGCInterval is the minimum delay between garbage collection sweeps.
const DefaultGCInterval = 100 * time.Millisecond

// EventKind discriminates cache change events.
type EventKind int

const (
	// EventUpdate is emitted when an entry is inserted or replaced.
	EventUpdate EventKind = iota
	// EventClear is emitted when an entry is force-removed.
	EventClear
)

func (k EventKind) String() string {
	switch k {
	case EventUpdate:
		return "update"
	case EventClear:
		return "clear"
	default:
		return "unknown"
	}
}

// Event describes a change to a single cache entry.
type Event struct {
	Key  string
	Kind EventKind
}

// Handler receives cache change events.
type Handler func(Event)

// Subscription identifies a registered Handler so it can be removed.
type Subscription struct {
	id string
}

// State is the outcome of a read. Stale is true once the entry's TTL has
// elapsed but the stale window (or a lock) still keeps the value visible.
type State struct {
	Value any
	Stale bool
}

// SetOptions controls a single Set call. The zero value picks up the
// cache-level defaults.
type SetOptions struct {
	// TTL is the fresh lifetime. Zero means the cache default; negative
	// means the entry never expires.
	TTL time.Duration
	// StaleTTL extends total retention beyond TTL. The entry is reported
	// stale during the window and removed once TTL+StaleTTL has elapsed.
	StaleTTL time.Duration
	// Tags index the entry for FindByTags / ClearByTags.
	Tags []string
	// SkipNotify suppresses the Update event for this write.
	SkipNotify bool
	// Serializer, when set, stores the value cold (serialized). The value
	// is decoded lazily on first read and kept hot afterwards.
	Serializer Serializer
}

type entry struct {
	value      any
	cold       []byte
	hot        bool
	serializer Serializer
	expiresAt  time.Time // zero means never
	staleAt    time.Time // zero means never stale
	ttl        time.Duration
	staleTTL   time.Duration
	tags       map[string]struct{}
}

type config struct {
	defaultTTL      time.Duration
	defaultStaleTTL time.Duration
	gcInterval      time.Duration
	strict          bool
	logger          zerolog.Logger
	serializer      Serializer
	clock           func() time.Time
}

// Option configures a Cache.
type Option func(*config)

// WithDefaultTTL sets the TTL applied when SetOptions.TTL is zero.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *config) { c.defaultTTL = d }
}

// WithDefaultStaleTTL sets the stale window applied when SetOptions.StaleTTL
// is zero.
func WithDefaultStaleTTL(d time.Duration) Option {
	return func(c *config) { c.defaultStaleTTL = d }
}

// WithGCInterval sets the minimum delay between GC sweeps. Sweeps are
// scheduled at the earliest pending expiry, but never closer together than
// this interval.
func WithGCInterval(d time.Duration) Option {
	return func(c *config) { c.gcInterval = d }
}

// WithStrict makes invariant violations (duplicate tag index insert,
// unsubscribe of an unknown handler, unlock without a lock) panic instead of
// logging a warning. Strictness is independent of log verbosity.
func WithStrict(strict bool) Option {
	return func(c *config) { c.strict = strict }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithSerializer sets the serializer used for snapshots and for entries
// written without an explicit one. Defaults to Msgpack.
func WithSerializer(s Serializer) Option {
	return func(c *config) { c.serializer = s }
}

// withClock overrides the time source. Test hook.
func withClock(now func() time.Time) Option {
	return func(c *config) { c.clock = now }
}

// Cache is a keyed store with per-entry TTL and stale-TTL, tag indexing,
// reference-counted locking and a self-scheduling garbage collector. It has
// no knowledge of requests; the request manager builds on top of it.
//
// All methods are safe for concurrent use. Change events are dispatched
// after the internal lock is released, so handlers may call back into the
// cache.
type Cache struct {
	mu      sync.Mutex
	cfg     config
	entries map[string]*entry
	tagIdx  map[string]map[string]struct{}
	locks   map[string]int
	subs    map[string]Handler
	subIDs  []string // dispatch order
	gcTimer *time.Timer
	gcAt    time.Time
	pending []Event
	closed  bool
}

// New returns an empty Cache.
func New(opts ...Option) *Cache {
	cfg := config{
		defaultTTL: DefaultTTL,
		gcInterval: DefaultGCInterval,
		logger:     zerolog.Nop(),
		serializer: Msgpack(),
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Cache{
		cfg:     cfg,
		entries: make(map[string]*entry),
		tagIdx:  make(map[string]map[string]struct{}),
		locks:   make(map[string]int),
		subs:    make(map[string]Handler),
	}
}

// Close stops the GC timer. The cache remains readable but no further
// sweeps run.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.gcTimer != nil {
		c.gcTimer.Stop()
		c.gcTimer = nil
	}
	c.gcAt = time.Time{}
}

// fail reports an invariant violation. Strict mode panics; otherwise the
// violation is logged and execution continues best-effort.
func (c *Cache) fail(format string, args ...any) {
	if c.cfg.strict {
		panic(errors.Newf("cache: "+format, args...))
	}
	c.cfg.logger.Warn().Msgf("cache: "+format, args...)
}

// Set inserts or replaces an entry. A negative TTL means the entry never
// expires; zero picks up the cache default. StaleTTL adds to total
// retention: the entry is stale once TTL has elapsed and gone once
// TTL+StaleTTL has elapsed. Returns an error only when a serializer is
// configured and the value cannot be encoded.
func (c *Cache) Set(key string, value any, opts SetOptions) error {
	ttl := opts.TTL
	if ttl == 0 {
		ttl = c.cfg.defaultTTL
	}
	staleTTL := opts.StaleTTL
	if staleTTL == 0 {
		staleTTL = c.cfg.defaultStaleTTL
	}

	e := &entry{
		value:      value,
		hot:        true,
		serializer: opts.Serializer,
		ttl:        ttl,
		staleTTL:   staleTTL,
		tags:       make(map[string]struct{}, len(opts.Tags)),
	}
	for _, tag := range opts.Tags {
		e.tags[tag] = struct{}{}
	}
	if opts.Serializer != nil {
		cold, err := opts.Serializer.Marshal(value)
		if err != nil {
			return err
		}
		e.cold = cold
		e.value = nil
		e.hot = false
	}

	c.mu.Lock()
	now := c.cfg.clock()
	if ttl >= 0 {
		e.staleAt = now.Add(ttl)
		e.expiresAt = now.Add(ttl + staleTTL)
	}
	if old, ok := c.entries[key]; ok {
		c.untagLocked(key, old)
	}
	c.entries[key] = e
	c.tagLocked(key, e)
	if !e.expiresAt.IsZero() {
		c.scheduleGCLocked(e.expiresAt)
	}
	if !opts.SkipNotify {
		c.pending = append(c.pending, Event{Key: key, Kind: EventUpdate})
	}
	c.cfg.logger.Debug().Str("key", key).Dur("ttl", ttl).Dur("staleTTL", staleTTL).Msg("cache set")
	evs := c.takeEventsLocked()
	c.mu.Unlock()

	c.emit(evs)
	return nil
}

// Get returns the value for key, or false if the key is absent or expired
// and unlocked. Stale values are still returned; use GetState to observe
// staleness.
func (c *Cache) Get(key string) (any, bool) {
	st, ok := c.GetState(key)
	if !ok {
		return nil, false
	}
	return st.Value, true
}

// GetState returns the value together with its staleness. An entry past its
// full expiry is reported missing unless it is locked, in which case the
// (stale) value is still returned so live subscribers keep their data.
// Cold values are decoded on first read and kept hot in place.
func (c *Cache) GetState(key string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return State{}, false
	}
	now := c.cfg.clock()
	expired := !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
	if expired && c.locks[key] == 0 {
		return State{}, false
	}
	if !e.hot {
		s := e.serializer
		if s == nil {
			s = c.cfg.serializer
		}
		v, err := s.Unmarshal(e.cold)
		if err != nil {
			c.cfg.logger.Warn().Str("key", key).Err(err).Msg("cache: cold value decode failed")
			return State{}, false
		}
		e.value = v
		e.cold = nil
		e.hot = true
	}
	stale := expired || (!e.staleAt.IsZero() && !now.Before(e.staleAt))
	return State{Value: e.value, Stale: stale}, true
}

// Has reports whether the key holds an entry, ignoring staleness. A fully
// expired entry still counts while it is locked.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	if e.expiresAt.IsZero() || c.cfg.clock().Before(e.expiresAt) {
		return true
	}
	return c.locks[key] > 0
}

// Lock pins key with a reference count. A locked entry is never removed by
// GC, even past its expiry. Locking a key with no entry is allowed; the
// lock applies to whatever entry the key holds later.
func (c *Cache) Lock(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locks[key]++
}

// Unlock drops one reference. When the count reaches zero and the entry's
// lifetime has already elapsed, a GC sweep is scheduled immediately.
func (c *Cache) Unlock(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.locks[key]
	if !ok {
		c.fail("unlock of unlocked key %q", key)
		return
	}
	if n <= 1 {
		delete(c.locks, key)
	} else {
		c.locks[key] = n - 1
	}
	if _, held := c.locks[key]; held {
		return
	}
	if e, ok := c.entries[key]; ok && !e.expiresAt.IsZero() && !c.cfg.clock().Before(e.expiresAt) {
		c.scheduleGCLocked(c.cfg.clock())
	}
}

// Clear force-removes key and emits a Clear event. Returns false when the
// key holds no entry.
func (c *Cache) Clear(key string) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		c.untagLocked(key, e)
		delete(c.entries, key)
		c.pending = append(c.pending, Event{Key: key, Kind: EventClear})
	}
	evs := c.takeEventsLocked()
	c.mu.Unlock()
	c.emit(evs)
	return ok
}

// Keys returns all keys currently holding entries, including stale and
// locked-past-expiry ones.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of entries physically present.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sub registers a global change handler, called for every Update and Clear
// event. Handlers run after internal locks are released and in registration
// order; a panicking handler is isolated and logged.
func (c *Cache) Sub(h Handler) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := uuid.NewString()
	c.subs[id] = h
	c.subIDs = append(c.subIDs, id)
	return &Subscription{id: id}
}

// Unsub removes a handler registered with Sub. Removing an unknown
// subscription is an invariant violation.
func (c *Cache) Unsub(s *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s == nil {
		c.fail("unsub of nil subscription")
		return
	}
	if _, ok := c.subs[s.id]; !ok {
		c.fail("unsub of unknown subscription %s", s.id)
		return
	}
	delete(c.subs, s.id)
	for i, id := range c.subIDs {
		if id == s.id {
			c.subIDs = append(c.subIDs[:i], c.subIDs[i+1:]...)
			break
		}
	}
}

func (c *Cache) takeEventsLocked() []Event {
	if len(c.pending) == 0 {
		return nil
	}
	evs := c.pending
	c.pending = nil
	return evs
}

func (c *Cache) emit(evs []Event) {
	if len(evs) == 0 {
		return
	}
	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.subIDs))
	for _, id := range c.subIDs {
		handlers = append(handlers, c.subs[id])
	}
	c.mu.Unlock()

	for _, ev := range evs {
		for _, h := range handlers {
			c.call(h, ev)
		}
	}
}

func (c *Cache) call(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.cfg.logger.Warn().Str("key", ev.Key).Interface("panic", r).Msg("cache: handler panicked")
		}
	}()
	h(ev)
}
