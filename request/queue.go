package request

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/kodalab/refetch/cache"
)

// hasWindowLocked reports whether the concurrency window has room. A batch
// of N inflates batchAdj by N-1 so it occupies a single slot.
func (m *Manager) hasWindowLocked() bool {
	if m.cfg.maxParallel < 0 {
		return true
	}
	return m.inFlight-m.batchAdj < m.cfg.maxParallel
}

// sortPendingLocked orders the queue: mutations before all queries, then
// higher numeric priority first, then registration order. The sort is
// explicitly stable so equal-priority requests run in insertion order.
func (m *Manager) sortPendingLocked() {
	sort.SliceStable(m.pending, func(i, j int) bool {
		a, b := m.pending[i], m.pending[j]
		am := a.opts.kind == KindMutation
		bm := b.opts.kind == KindMutation
		if am != bm {
			return am
		}
		if a.opts.priority != b.opts.priority {
			return a.opts.priority > b.opts.priority
		}
		return a.seq < b.seq
	})
}

func (m *Manager) removePendingLocked(rec *record) {
	for i, r := range m.pending {
		if r == rec {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
	m.fail("pending queue out of sync for key %q", rec.key)
}

// pushQueueLocked drains the pending queue in priority order until the
// concurrency window fills. Entries whose nextAttemptAt lies in the future
// are skipped; the earliest such time arms the wake timer. Runs
// synchronously to completion and never recurses: each fetch resumes the
// scheduler from its own goroutine once it settles.
func (m *Manager) pushQueueLocked() {
	if m.closed {
		return
	}
	m.sortPendingLocked()
	now := m.cfg.clock()
	var wake time.Time
	i := 0
	for i < len(m.pending) && m.hasWindowLocked() {
		rec := m.pending[i]
		if rec.nextAt.After(now) {
			if wake.IsZero() || rec.nextAt.Before(wake) {
				wake = rec.nextAt
			}
			i++
			continue
		}
		if b, group := m.collectBatchLocked(rec, now); len(group) >= 2 {
			m.launchBatchLocked(b, group)
		} else {
			m.launchSingleLocked(rec)
		}
		// Launched records were removed from pending; everything before
		// index i is still waiting on its nextAttemptAt.
	}
	m.armWakeLocked(wake)
}

// collectBatchLocked finds the first registered batcher matching rec's
// tags and gathers the other pending, currently eligible records it also
// matches, bounded by the batcher's max size. Order follows the sorted
// queue so batch results map back positionally.
func (m *Manager) collectBatchLocked(rec *record, now time.Time) (*batcher, []*record) {
	for _, b := range m.batchers {
		if !b.matches(rec.opts.tags) {
			continue
		}
		group := []*record{rec}
		for _, other := range m.pending {
			if other == rec || other.nextAt.After(now) {
				continue
			}
			if !b.matches(other.opts.tags) {
				continue
			}
			if b.maxSize > 0 && len(group) >= b.maxSize {
				break
			}
			group = append(group, other)
		}
		return b, group
	}
	return nil, nil
}

func (m *Manager) launchSingleLocked(rec *record) {
	rec.pending = false
	m.removePendingLocked(rec)
	rec.fetching = true
	m.inFlight++
	m.gen++
	rec.gen = m.gen
	rec.attempts++
	fl := &flight{keys: []string{rec.key}, gens: []uint64{rec.gen}}
	rec.flight = fl
	ctx, cancel := context.WithCancel(m.baseCtx)
	rec.cancel = cancel
	m.queueUpdateLocked(rec.key, ReasonFetch)
	m.cfg.logger.Debug().Str("key", rec.key).Int("attempt", rec.attempts).Msg("fetch start")

	fn, args, validate := rec.fn, rec.args, rec.opts.validate
	go func() {
		defer cancel()
		val, err := fn(ctx, args...)
		if err == nil && validate != nil {
			err = validate(val)
		}
		m.settleSingle(fl, val, err)
	}()
}

func (m *Manager) launchBatchLocked(b *batcher, group []*record) {
	fl := &flight{
		keys: make([]string, len(group)),
		gens: make([]uint64, len(group)),
		adj:  len(group) - 1,
	}
	calls := make([][]any, len(group))
	// One invocation, one cancellation capability: cancelling a single
	// member must not abort the shared call, so members carry no cancel.
	ctx, cancel := context.WithCancel(m.baseCtx)
	for i, rec := range group {
		rec.pending = false
		m.removePendingLocked(rec)
		rec.fetching = true
		m.inFlight++
		m.gen++
		rec.gen = m.gen
		rec.attempts++
		rec.flight = fl
		fl.keys[i] = rec.key
		fl.gens[i] = rec.gen
		calls[i] = rec.args
		m.queueUpdateLocked(rec.key, ReasonFetch)
	}
	m.batchAdj += fl.adj
	m.cfg.logger.Debug().Int("size", len(group)).Strs("keys", fl.keys).Msg("batch fetch start")

	fn := b.fn
	go func() {
		defer cancel()
		res, err := fn(ctx, calls)
		m.settleBatch(fl, res, err)
	}()
}

// claimLocked takes ownership of the i-th member of a flight. Returns nil
// when the member was cancelled or superseded while in flight; its result
// is then discarded.
func (m *Manager) claimLocked(fl *flight, i int) *record {
	rec, ok := m.records[fl.keys[i]]
	if !ok || rec.gen != fl.gens[i] || !rec.fetching || rec.flight != fl || rec.cancelled {
		return nil
	}
	rec.fetching = false
	rec.flight = nil
	rec.cancel = nil
	m.inFlight--
	return rec
}

func (m *Manager) settleSingle(fl *flight, val any, err error) {
	m.mu.Lock()
	if rec := m.claimLocked(fl, 0); rec != nil {
		if err != nil {
			m.finalizeFailureLocked(rec, err, false)
		} else {
			m.finalizeSuccessLocked(rec, val)
		}
	}
	m.pushQueueLocked()
	ups := m.takeUpdatesLocked()
	m.mu.Unlock()
	m.deliver(ups)
}

func (m *Manager) settleBatch(fl *flight, res *BatchResult, err error) {
	m.mu.Lock()
	switch {
	case err != nil:
		// Whole batch call failed: each member retries independently.
		for i := range fl.keys {
			if rec := m.claimLocked(fl, i); rec != nil {
				m.finalizeFailureLocked(rec, err, false)
			}
		}
	default:
		if cerr := validateBatchResult(res, len(fl.keys)); cerr != nil {
			// Contract violations are fatal for the whole batch.
			for i := range fl.keys {
				if rec := m.claimLocked(fl, i); rec != nil {
					m.finalizeFailureLocked(rec, cerr, true)
				}
			}
			break
		}
		// Per-item outcomes apply positionally and independently.
		for i, item := range res.Items {
			rec := m.claimLocked(fl, i)
			if rec == nil {
				continue
			}
			if item.Err != nil {
				m.finalizeFailureLocked(rec, item.Err, false)
			} else {
				m.finalizeSuccessLocked(rec, item.Data)
			}
		}
	}
	m.batchAdj -= fl.adj
	fl.adj = 0
	m.pushQueueLocked()
	ups := m.takeUpdatesLocked()
	m.mu.Unlock()
	m.deliver(ups)
}

// finalizeFailureLocked applies a failed attempt. Unless fatal, the retry
// budget and decay decide whether the record returns to pending with a
// future nextAttemptAt; otherwise the failure is final. Final mutation
// errors are surfaced once and the record discarded; queries retain the
// error until a successful refetch or a cache clear.
func (m *Manager) finalizeFailureLocked(rec *record, err error, fatal bool) {
	if !fatal && m.retryLocked(rec, err) {
		return
	}
	r := rec.opts.retries
	if !fatal && !r.Infinite && rec.attempts >= r.Count && r.Count > 1 {
		err = errors.Mark(err, ErrRetriesExhausted)
	}
	rec.lastErr = err
	rec.done = true
	switch rec.opts.kind {
	case KindMutation:
		delete(m.records, rec.key)
		m.queueCustomLocked(Update{Key: rec.key, Reason: ReasonFetch, State: State{Err: err, Attempts: rec.attempts}})
	case KindQuery:
		m.queueUpdateLocked(rec.key, ReasonFetch)
	}
	m.cfg.logger.Debug().Str("key", rec.key).Err(err).Int("attempts", rec.attempts).Msg("request failed")
}

// retryLocked schedules another attempt if the budget and decay allow.
// The record returns to pending without a fresh "pending" transition; only
// fetching flips false.
func (m *Manager) retryLocked(rec *record, err error) bool {
	r := rec.opts.retries
	if !r.Infinite && rec.attempts >= r.Count {
		return false
	}
	delay, ok := rec.opts.decay(rec.attempts, err)
	if !ok {
		return false
	}
	rec.lastErr = err
	rec.nextAt = m.cfg.clock().Add(delay)
	rec.pending = true
	m.pending = append(m.pending, rec)
	m.queueUpdateLocked(rec.key, ReasonFetch)
	return true
}

// finalizeSuccessLocked applies a successful result: transform, equality
// short-circuit, then the cache write for queries or direct delivery for
// mutations. Exhaustive over Kind.
func (m *Manager) finalizeSuccessLocked(rec *record, raw any) {
	val := raw
	if rec.opts.transform != nil {
		v, err := rec.opts.transform(raw)
		if err != nil {
			m.finalizeFailureLocked(rec, err, false)
			return
		}
		val = v
	}
	switch rec.opts.kind {
	case KindMutation:
		// Mutations bypass the cache: the value goes straight to
		// subscribers and the record is not retained.
		delete(m.records, rec.key)
		m.queueCustomLocked(Update{Key: rec.key, Reason: ReasonFetch, State: State{Value: val, Found: true, Attempts: rec.attempts}})
	case KindQuery:
		rec.lastErr = nil
		rec.done = true
		skip := false
		if rec.opts.equal != nil {
			if prev, ok := m.cache.Get(rec.key); ok && rec.opts.equal(prev, val) {
				skip = true
			}
		}
		if !skip {
			err := m.cache.Set(rec.key, val, cache.SetOptions{
				TTL:        rec.opts.ttl,
				StaleTTL:   rec.opts.staleTTL,
				Tags:       rec.opts.tags,
				SkipNotify: true,
				Serializer: rec.opts.serializer,
			})
			if err != nil {
				m.finalizeFailureLocked(rec, err, false)
				return
			}
		}
		if len(m.keySubs[rec.key]) == 0 {
			delete(m.records, rec.key)
		}
		m.queueUpdateLocked(rec.key, ReasonFetch)
	}
	m.cfg.logger.Debug().Str("key", rec.key).Msg("request succeeded")
}

// armWakeLocked schedules a scheduler pass at the earliest future
// nextAttemptAt seen in this drain. An earlier pending wake-up wins.
func (m *Manager) armWakeLocked(wake time.Time) {
	if wake.IsZero() || m.closed {
		return
	}
	if m.wakeTimer != nil {
		if !m.wakeAt.After(wake) {
			return
		}
		m.wakeTimer.Stop()
	}
	m.wakeAt = wake
	m.wakeTimer = time.AfterFunc(wake.Sub(m.cfg.clock()), m.onWake)
}

func (m *Manager) onWake() {
	m.mu.Lock()
	m.wakeTimer = nil
	m.wakeAt = time.Time{}
	m.pushQueueLocked()
	ups := m.takeUpdatesLocked()
	m.mu.Unlock()
	m.deliver(ups)
}
