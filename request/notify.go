package request

import (
	"github.com/google/uuid"
)

// Reason classifies why a notification was delivered.
type Reason int

const (
	// ReasonFetch covers request lifecycle transitions: enqueued,
	// fetching, settled, cancelled.
	ReasonFetch Reason = iota
	// ReasonManual marks a direct UpdateCache write.
	ReasonManual
	// ReasonCache marks an externally-driven cache change observed
	// through the cache subscription.
	ReasonCache
)

func (r Reason) String() string {
	switch r {
	case ReasonFetch:
		return "fetch"
	case ReasonManual:
		return "manual"
	case ReasonCache:
		return "cache"
	default:
		return "unknown"
	}
}

// State is the merged view of a key: the cache side (Value, Found, Stale)
// and the request side (Pending, Fetching, Attempts, Err, Cancelled).
type State struct {
	Value     any
	Found     bool
	Stale     bool
	Pending   bool
	Fetching  bool
	Cancelled bool
	Attempts  int
	Err       error
}

// Update is one notification delivered to subscribers.
type Update struct {
	Key    string
	State  State
	Reason Reason
}

// Callback receives updates for a subscribed key, or for all keys on a
// broadcast subscription.
type Callback func(Update)

// Subscription identifies a registered callback.
type Subscription struct {
	id        string
	key       string
	broadcast bool
	cb        Callback
}

// Key returns the subscribed key; empty for broadcast subscriptions.
func (s *Subscription) Key() string { return s.key }

// Sub subscribes cb to updates for key. The first subscriber locks the
// underlying cache entry so it outlives its TTL while observed.
func (m *Manager) Sub(key string, cb Callback) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &Subscription{id: uuid.NewString(), key: key, cb: cb}
	if len(m.keySubs[key]) == 0 {
		m.cache.Lock(key)
	}
	m.keySubs[key] = append(m.keySubs[key], s)
	return s
}

// Unsub removes a per-key subscription. The last unsubscribe unlocks the
// cache entry and drops an inactive record for the key. Removing an
// unknown subscription is an invariant violation.
func (m *Manager) Unsub(s *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s == nil || s.broadcast {
		m.fail("unsub of invalid subscription")
		return
	}
	subs := m.keySubs[s.key]
	idx := -1
	for i, cur := range subs {
		if cur == s {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.fail("unsub of unknown subscription for key %q", s.key)
		return
	}
	subs = append(subs[:idx], subs[idx+1:]...)
	if len(subs) == 0 {
		delete(m.keySubs, s.key)
		m.cache.Unlock(s.key)
		if rec, ok := m.records[s.key]; ok && !rec.pending && !rec.fetching {
			delete(m.records, s.key)
		}
	} else {
		m.keySubs[s.key] = subs
	}
}

// SubBroadcast subscribes cb to every update, regardless of key.
func (m *Manager) SubBroadcast(cb Callback) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &Subscription{id: uuid.NewString(), broadcast: true, cb: cb}
	m.bcast = append(m.bcast, s)
	return s
}

// UnsubBroadcast removes a broadcast subscription.
func (m *Manager) UnsubBroadcast(s *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s == nil || !s.broadcast {
		m.fail("unsub-broadcast of invalid subscription")
		return
	}
	for i, cur := range m.bcast {
		if cur == s {
			m.bcast = append(m.bcast[:i], m.bcast[i+1:]...)
			return
		}
	}
	m.fail("unsub-broadcast of unknown subscription")
}

// queueUpdateLocked snapshots the key's state now and queues it for
// delivery once the manager lock is released.
func (m *Manager) queueUpdateLocked(key string, reason Reason) {
	m.updates = append(m.updates, Update{Key: key, Reason: reason, State: m.stateLocked(key)})
}

func (m *Manager) queueCustomLocked(u Update) {
	m.updates = append(m.updates, u)
}

func (m *Manager) takeUpdatesLocked() []Update {
	if len(m.updates) == 0 {
		return nil
	}
	ups := m.updates
	m.updates = nil
	return ups
}

// deliver dispatches updates outside the manager lock: per-key listeners
// first, then broadcast listeners. Listener lists are snapshotted per
// update so a callback mutating them mid-dispatch is safe. Each delivery
// passes the interceptor gate; a panicking listener is isolated and
// logged, never aborting delivery to the rest.
func (m *Manager) deliver(ups []Update) {
	for _, u := range ups {
		m.mu.Lock()
		keyed := append([]*Subscription(nil), m.keySubs[u.Key]...)
		bcast := append([]*Subscription(nil), m.bcast...)
		intercept := m.cfg.intercept
		m.mu.Unlock()

		for _, s := range keyed {
			m.dispatch(u, s, intercept)
		}
		for _, s := range bcast {
			m.dispatch(u, s, intercept)
		}
	}
}

func (m *Manager) dispatch(u Update, s *Subscription, intercept Interceptor) {
	defer func() {
		if r := recover(); r != nil {
			m.cfg.logger.Warn().Str("key", u.Key).Interface("panic", r).Msg("request: listener panicked")
		}
	}()
	if intercept != nil && !intercept(u, s) {
		return
	}
	s.cb(u)
}
