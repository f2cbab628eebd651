package protocol

import (
	"net"
	"time"

	"github.com/Meander-Cloud/go-netmsg/message"
)

const (
	// hard ceiling on one datagram: header plus body
	MaxDatagramSize int = 64000

	// first datagram a client sends; doubles as a protocol version tag
	ConnectionMagic uint64 = 0x26E55500
)

// User is the per-peer state a server keeps for one remote endpoint. Both
// indexes, endpoint to uid and uid to User, cover exactly the currently
// live peers. Touched only on the arbiter goroutine.
type User struct {
	Endpoint *net.UDPAddr
	LastSeen time.Time

	Validated      bool
	Handshake      uint64 // challenge sent to the peer
	HandshakeCheck uint64 // reply that validates the peer
}

// Outbound pairs a queued message with its recipient on the server side.
type Outbound[T ~uint32] struct {
	Remote message.UserId
	Msg    message.Message[T]
}
