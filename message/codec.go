package message

import (
	"github.com/vmihailenco/msgpack/v5"
)

// Encode builds a message whose body is the msgpack encoding of v, for
// payloads that are not fixed layout and so cannot go through Push. The
// resulting body is opaque to Push and Pop; decode it with Decode.
func Encode[T ~uint32, V any](kind T, v V) (Message[T], error) {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return Message[T]{}, err
	}

	m := New(kind)
	m.Body = body
	m.Header.Size = uint32(len(body))
	return m, nil
}

// Decode unmarshals a msgpack encoded body produced by Encode into out.
func Decode[T ~uint32, V any](m *Message[T], out *V) error {
	return msgpack.Unmarshal(m.Body, out)
}
