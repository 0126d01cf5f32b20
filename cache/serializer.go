package cache

import (
	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Serializer converts values to and from their cold (byte) representation.
// A cache entry written with a serializer is stored cold and only decoded
// on first read; snapshots always store the cold form.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
}

// Msgpack returns the default Serializer, backed by
// [github.com/vmihailenco/msgpack/v5]. Values round-trip through msgpack's
// generic decoding, so structs come back as map[string]any unless the
// caller supplies a typed serializer.
func Msgpack() Serializer { return msgpackSerializer{} }

type msgpackSerializer struct{}

func (msgpackSerializer) Marshal(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "cache: marshal value")
	}
	return data, nil
}

func (msgpackSerializer) Unmarshal(data []byte) (any, error) {
	var v any
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, errors.Wrap(err, "cache: unmarshal value")
	}
	return v, nil
}

// Typed returns a Serializer that decodes cold values into T. Use it when
// entries rehydrated from a snapshot must come back as a concrete type
// instead of msgpack's generic representation.
func Typed[T any]() Serializer { return typedSerializer[T]{} }

type typedSerializer[T any] struct{}

func (typedSerializer[T]) Marshal(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "cache: marshal value")
	}
	return data, nil
}

func (typedSerializer[T]) Unmarshal(data []byte) (any, error) {
	var v T
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, errors.Wrap(err, "cache: unmarshal value")
	}
	return v, nil
}
