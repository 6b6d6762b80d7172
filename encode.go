package flowz

import "github.com/vmihailenco/msgpack/v5"

// encode serializes a value to bytes using msgpack encoding. It backs the
// plan-hash function's canonical byte representation of a compiled plan's
// node descriptors.
func encode[T any](value T) ([]byte, error) {
	return msgpack.Marshal(value)
}

// decode deserializes msgpack-encoded bytes into a value of type T.
func decode[T any](data []byte) (T, error) {
	var value T
	err := msgpack.Unmarshal(data, &value)
	return value, err
}
