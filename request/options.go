package request

import (
	"context"
	"math"
	"time"

	"github.com/kodalab/refetch/cache"
)

// Kind discriminates queries from mutations. Queries read through the
// cache and are deduplicated; mutations bypass the cache entirely and are
// never deduplicated.
type Kind int

const (
	KindQuery Kind = iota
	KindMutation
)

func (k Kind) String() string {
	switch k {
	case KindQuery:
		return "query"
	case KindMutation:
		return "mutation"
	default:
		return "unknown"
	}
}

// Fetcher is the caller-supplied asynchronous operation. The context is
// cancelled when the request is cancelled or superseded; implementations
// should honor it but are not required to.
type Fetcher func(ctx context.Context, args ...any) (any, error)

// Retries bounds how many total attempts a request makes. Count includes
// the first attempt; Infinite retries forever.
type Retries struct {
	Count    int
	Infinite bool
}

// RetryCount allows n total attempts.
func RetryCount(n int) *Retries { return &Retries{Count: n} }

// RetryForever retries until an attempt succeeds or the decay stops it.
func RetryForever() *Retries { return &Retries{Infinite: true} }

// DecayFunc computes the delay before the next attempt. attempt is the
// number of attempts already made; err is the failure that triggered the
// retry. Returning ok=false stops retrying regardless of the remaining
// budget.
type DecayFunc func(attempt int, err error) (delay time.Duration, ok bool)

// ConstantDecay waits the same delay between every attempt.
func ConstantDecay(d time.Duration) DecayFunc {
	return func(int, error) (time.Duration, bool) { return d, true }
}

// DecayOff force-stops retrying after the first failure.
func DecayOff() DecayFunc {
	return func(int, error) (time.Duration, bool) { return 0, false }
}

// Options configures a single request. The zero value is a query picking
// up the manager defaults. Pointer fields distinguish "unset" from an
// explicit zero; the same struct doubles as the manager's defaults layer.
type Options struct {
	// Kind selects query or mutation semantics.
	Kind Kind
	// Force bypasses the fresh-cache short-circuit and supersedes a live
	// record for the same key.
	Force bool
	// Priority orders the pending queue, higher first. Unset sorts last.
	Priority *int
	// Retries bounds total attempts. Unset means a single attempt.
	Retries *Retries
	// Decay computes the wait between attempts.
	Decay DecayFunc
	// Delay defers the first attempt.
	Delay *time.Duration
	// TTL and StaleTTL configure the cache write on success.
	TTL      *time.Duration
	StaleTTL *time.Duration
	// Tags are attached to the cache entry and drive batching and
	// tag-based refetch/invalidation.
	Tags []string
	// Transform extracts the payload from the raw fetch result before it
	// is cached.
	Transform func(any) (any, error)
	// Validate flags a resolved payload as semantically invalid; a
	// validation failure is treated like a transport error for retry
	// purposes.
	Validate func(any) error
	// Equal compares the cached value against a fresh one. Reporting true
	// skips the cache write and the redundant notification.
	Equal func(prev, next any) bool
	// Serializer packs the value cold before the cache write.
	Serializer cache.Serializer
}

// unsetPriority sorts after every explicitly prioritized request.
const unsetPriority = math.MinInt

// resolved is the effective per-request configuration after layering:
// per-request option, then manager default, then hardcoded default, field
// by field.
type resolved struct {
	kind       Kind
	force      bool
	priority   int
	retries    Retries
	decay      DecayFunc
	delay      time.Duration
	ttl        time.Duration
	staleTTL   time.Duration
	tags       []string
	transform  func(any) (any, error)
	validate   func(any) error
	equal      func(prev, next any) bool
	serializer cache.Serializer
}

func resolveOptions(defaults, o Options) resolved {
	r := resolved{
		kind:     o.Kind,
		force:    o.Force,
		priority: unsetPriority,
		retries:  Retries{Count: 1},
		decay:    ConstantDecay(time.Second),
	}
	if defaults.Priority != nil {
		r.priority = *defaults.Priority
	}
	if o.Priority != nil {
		r.priority = *o.Priority
	}
	if defaults.Retries != nil {
		r.retries = *defaults.Retries
	}
	if o.Retries != nil {
		r.retries = *o.Retries
	}
	if defaults.Decay != nil {
		r.decay = defaults.Decay
	}
	if o.Decay != nil {
		r.decay = o.Decay
	}
	if defaults.Delay != nil {
		r.delay = *defaults.Delay
	}
	if o.Delay != nil {
		r.delay = *o.Delay
	}
	if defaults.TTL != nil {
		r.ttl = *defaults.TTL
	}
	if o.TTL != nil {
		r.ttl = *o.TTL
	}
	if defaults.StaleTTL != nil {
		r.staleTTL = *defaults.StaleTTL
	}
	if o.StaleTTL != nil {
		r.staleTTL = *o.StaleTTL
	}
	r.tags = o.Tags
	if len(r.tags) == 0 {
		r.tags = defaults.Tags
	}
	r.transform = o.Transform
	if r.transform == nil {
		r.transform = defaults.Transform
	}
	r.validate = o.Validate
	if r.validate == nil {
		r.validate = defaults.Validate
	}
	r.equal = o.Equal
	if r.equal == nil {
		r.equal = defaults.Equal
	}
	r.serializer = o.Serializer
	if r.serializer == nil {
		r.serializer = defaults.Serializer
	}
	return r
}

// Ptr returns a pointer to v. Convenience for the pointer-typed Options
// fields.
func Ptr[T any](v T) *T { return &v }
