package request

import (
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// KeyFor derives a stable cache key from a prefix and an argument tuple.
// Arguments are msgpack-encoded into an xxhash digest, so the same
// arguments in the same order always produce the same key. Values msgpack
// cannot encode fall back to their fmt representation.
func KeyFor(prefix string, args ...any) string {
	h := xxhash.New()
	enc := msgpack.NewEncoder(h)
	for _, arg := range args {
		if err := enc.Encode(arg); err != nil {
			_, _ = fmt.Fprintf(h, "%#v", arg)
		}
	}
	return prefix + ":" + strconv.FormatUint(h.Sum64(), 16)
}
