package request

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveOptionsHardcodedDefaults(t *testing.T) {
	r := resolveOptions(Options{}, Options{})
	assert.Equal(t, KindQuery, r.kind)
	assert.Equal(t, unsetPriority, r.priority)
	assert.Equal(t, Retries{Count: 1}, r.retries)
	require.NotNil(t, r.decay)
	d, ok := r.decay(1, assert.AnError)
	assert.True(t, ok)
	assert.Equal(t, time.Second, d)
	assert.Zero(t, r.ttl)
}

func TestResolveOptionsLayering(t *testing.T) {
	defaults := Options{
		Priority: Ptr(5),
		Retries:  RetryCount(4),
		TTL:      Ptr(time.Minute),
		Tags:     []string{"default"},
	}

	// Manager defaults fill unset request fields.
	r := resolveOptions(defaults, Options{})
	assert.Equal(t, 5, r.priority)
	assert.Equal(t, 4, r.retries.Count)
	assert.Equal(t, time.Minute, r.ttl)
	assert.Equal(t, []string{"default"}, r.tags)

	// Per-request fields win field by field, including explicit zeros.
	r = resolveOptions(defaults, Options{
		Priority: Ptr(0),
		Retries:  RetryForever(),
		TTL:      Ptr(time.Duration(0)),
		Tags:     []string{"mine"},
	})
	assert.Equal(t, 0, r.priority)
	assert.True(t, r.retries.Infinite)
	assert.Zero(t, r.ttl)
	assert.Equal(t, []string{"mine"}, r.tags)
}

func TestDecayHelpers(t *testing.T) {
	d, ok := ConstantDecay(50 * time.Millisecond)(3, assert.AnError)
	assert.True(t, ok)
	assert.Equal(t, 50*time.Millisecond, d)

	_, ok = DecayOff()(1, assert.AnError)
	assert.False(t, ok)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "query", KindQuery.String())
	assert.Equal(t, "mutation", KindMutation.String())
}
