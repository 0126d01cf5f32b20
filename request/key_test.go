package request

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyForDeterministic(t *testing.T) {
	a := KeyFor("user", 1, "profile")
	b := KeyFor("user", 1, "profile")
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "user:"))
}

func TestKeyForDistinguishesArgs(t *testing.T) {
	assert.NotEqual(t, KeyFor("user", 1), KeyFor("user", 2))
	assert.NotEqual(t, KeyFor("user", 1, 2), KeyFor("user", 2, 1))
	assert.NotEqual(t, KeyFor("user"), KeyFor("post"))
}

func TestKeyForUnencodableArg(t *testing.T) {
	type odd struct{ F func() }
	a := KeyFor("k", odd{})
	b := KeyFor("k", odd{})
	assert.Equal(t, a, b, "fmt fallback still yields a stable key")
}
