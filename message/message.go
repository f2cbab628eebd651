package message

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// UserId identifies one side of a connection. The server is always
// ServerUserId; ids assigned to admitted peers start at BaseUserId and grow
// monotonically, never reused within a server lifetime.
type UserId int32

const (
	InvalidUserId UserId = -1
	ServerUserId  UserId = 0

	// first id a server hands out, six digits for pretty printing next to "SERVER"
	BaseUserId UserId = 100000
)

// HeaderSize is the wire size of Header: kind uint32 plus body length uint32.
const HeaderSize = 8

// Header is sent at the start of every frame. Size counts the body only.
//
// On the wire Size is big endian so the body length is parseable before the
// kind is interpreted; Kind travels in the sender's host byte order since it
// is a semantic tag both sides read through the shared enumeration.
type Header[T ~uint32] struct {
	Kind T
	Size uint32
}

// Message is one frame: a header plus a contiguous body. Push and Pop move
// raw byte images of fixed-layout values in stack order; Header.Size always
// equals len(Body) outside those two functions.
type Message[T ~uint32] struct {
	Header Header[T]
	Body   []byte
}

func New[T ~uint32](kind T) Message[T] {
	return Message[T]{
		Header: Header[T]{
			Kind: kind,
			Size: 0,
		},
		Body: nil,
	}
}

// Size returns the total wire size of the message in bytes.
func (m *Message[T]) Size() int {
	return HeaderSize + len(m.Body)
}

// Clone deep copies header and body, for fan-out to multiple recipients.
func (m *Message[T]) Clone() Message[T] {
	body := make([]byte, len(m.Body))
	copy(body, m.Body)
	return Message[T]{
		Header: m.Header,
		Body:   body,
	}
}

func (m *Message[T]) String() string {
	return fmt.Sprintf("kind=%d size=%d", uint32(m.Header.Kind), m.Size())
}

// Push appends the raw byte image of data to the message body and updates
// the header size. U must be fixed layout: no pointers, slices, maps, or
// other heap handles, since only the in-memory bytes travel. Byte order of
// the payload is not translated.
func Push[T ~uint32, U any](m *Message[T], data U) {
	sz := int(unsafe.Sizeof(data))
	m.Body = append(m.Body, unsafe.Slice((*byte)(unsafe.Pointer(&data)), sz)...)
	m.Header.Size = uint32(len(m.Body))
}

// Pop removes the trailing unsafe.Sizeof(*out) bytes from the message body
// and copies them into out, stack order relative to Push. Popping more bytes
// than the body holds is a caller error.
func Pop[T ~uint32, U any](m *Message[T], out *U) {
	sz := int(unsafe.Sizeof(*out))
	off := len(m.Body) - sz
	copy(unsafe.Slice((*byte)(unsafe.Pointer(out)), sz), m.Body[off:])
	m.Body = m.Body[:off]
	m.Header.Size = uint32(len(m.Body))
}

// PutHeader writes the wire form of h into buf, which must hold at least
// HeaderSize bytes: kind in host order, size big endian.
func PutHeader[T ~uint32](buf []byte, h Header[T]) {
	binary.NativeEndian.PutUint32(buf[0:4], uint32(h.Kind))
	binary.BigEndian.PutUint32(buf[4:8], h.Size)
}

// ParseHeader decodes a wire header from buf, which must hold at least
// HeaderSize bytes.
func ParseHeader[T ~uint32](buf []byte) Header[T] {
	return Header[T]{
		Kind: T(binary.NativeEndian.Uint32(buf[0:4])),
		Size: binary.BigEndian.Uint32(buf[4:8]),
	}
}

// Tagged pairs an incoming message with the remote id that produced it.
// Produced only by the receive path.
type Tagged[T ~uint32] struct {
	Remote UserId
	Msg    Message[T]
}

func (t *Tagged[T]) String() string {
	return fmt.Sprintf("remote=%d %s", t.Remote, t.Msg.String())
}
