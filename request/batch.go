package request

import (
	"context"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/kodalab/refetch/cache"
)

// BatchFunc executes one bundled fetch. calls holds the argument tuple of
// each bundled request, in the same order the results must come back.
type BatchFunc func(ctx context.Context, calls [][]any) (*BatchResult, error)

// BatchItem is one positional outcome of a batch. An item must carry
// either data or an error; one with neither violates the batch contract.
type BatchItem struct {
	Data    any
	Err     error
	HasData bool
}

// Data wraps a successful batch outcome.
func Data(v any) BatchItem { return BatchItem{Data: v, HasData: true} }

// Fail wraps a failed batch outcome. The failure applies to that request
// only and goes through its normal retry logic.
func Fail(err error) BatchItem { return BatchItem{Err: err} }

// BatchResult carries the per-request outcomes of one batch invocation,
// positionally matched to the calls the batcher received.
type BatchResult struct {
	Items []BatchItem
}

// Flat builds a BatchResult where every value is a success. Mirrors
// returning a plain array from the batcher.
func Flat(vals ...any) *BatchResult {
	items := make([]BatchItem, len(vals))
	for i, v := range vals {
		items[i] = Data(v)
	}
	return &BatchResult{Items: items}
}

// validateBatchResult checks the batch contract before any per-item
// outcome is applied: result present, count matching, every item carrying
// data or an error.
func validateBatchResult(res *BatchResult, want int) error {
	if res == nil {
		return errors.Wrap(ErrBatchContract, "nil result")
	}
	if len(res.Items) != want {
		return errors.Wrapf(ErrBatchContract, "got %d results for %d requests", len(res.Items), want)
	}
	for i, item := range res.Items {
		if !item.HasData && item.Err == nil {
			return errors.Wrapf(ErrBatchContract, "result %d carries neither data nor error", i)
		}
	}
	return nil
}

// batcher is one registered tag-scoped batching rule.
type batcher struct {
	tags    []string
	match   cache.TagMatch
	fn      BatchFunc
	maxSize int
	ident   string
}

func batcherIdent(tags []string, match cache.TagMatch) string {
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	return match.String() + "|" + strings.Join(sorted, ",")
}

// matches applies the batcher's tag predicate to a request's tags, with
// the same semantics FindByTags applies to entries.
func (b *batcher) matches(tags []string) bool {
	has := func(tag string) bool {
		for _, t := range tags {
			if t == tag {
				return true
			}
		}
		return false
	}
	switch b.match {
	case cache.MatchAll:
		for _, tag := range b.tags {
			if !has(tag) {
				return false
			}
		}
		return true
	case cache.MatchAny:
		for _, tag := range b.tags {
			if has(tag) {
				return true
			}
		}
		return false
	case cache.MatchNone:
		for _, tag := range b.tags {
			if has(tag) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Batch registers a batching rule: pending requests whose tags satisfy
// (tags, match) collapse into one fn call, at most maxSize at a time
// (0 = unbounded). Registering a second rule for the same (tags, match)
// pair is rejected — a panic under strict mode, ErrDuplicateBatcher
// otherwise.
func (m *Manager) Batch(tags []string, match cache.TagMatch, fn BatchFunc, maxSize int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	ident := batcherIdent(tags, match)
	for _, b := range m.batchers {
		if b.ident == ident {
			m.fail("duplicate batcher for tags %v match %s", tags, match)
			return ErrDuplicateBatcher
		}
	}
	m.batchers = append(m.batchers, &batcher{
		tags:    append([]string(nil), tags...),
		match:   match,
		fn:      fn,
		maxSize: maxSize,
		ident:   ident,
	})
	return nil
}

// Unbatch removes the batching rule registered for (tags, match).
// Requests already bundled keep their in-flight invocation.
func (m *Manager) Unbatch(tags []string, match cache.TagMatch) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ident := batcherIdent(tags, match)
	for i, b := range m.batchers {
		if b.ident == ident {
			m.batchers = append(m.batchers[:i], m.batchers[i+1:]...)
			return true
		}
	}
	return false
}
