// Package netmsg is a small embeddable client/server layer for exchanging
// typed, length-prefixed messages over TCP or UDP. An application defines
// one message kind enumeration with underlying type uint32; the transports
// under net/tcp/protocol and net/udp/protocol carry frames of that kind
// space, hand incoming messages off through a thread-safe deque, and report
// peer lifecycle through the ServerHandler callbacks.
package netmsg

import (
	"net"

	"github.com/Meander-Cloud/go-netmsg/deque"
	"github.com/Meander-Cloud/go-netmsg/message"
)

// Client is the application-facing surface of one outbound connection.
type Client[T ~uint32] interface {
	// Connect launches the engine toward host:port. A true return means
	// the engine is running, not that the connection is established;
	// an asynchronous failure surfaces through IsConnected.
	Connect(host string, port uint16) bool

	Disconnect()

	IsConnected() bool

	// Send queues msg toward the server. No-op before Connect and after
	// Disconnect; the TCP client also drops msg until its handshake is done.
	Send(msg message.Message[T])

	// Incoming is the queue received messages accumulate in until the
	// application drains it.
	Incoming() *deque.Deque[message.Tagged[T]]
}

// Server is the application-facing surface of an accept/admission engine.
type Server[T ~uint32] interface {
	Start() bool
	Stop()

	// MessageClient sends msg to one peer. On TCP an absent or dead peer is
	// removed from the registry and reported via OnClientDisconnect. On UDP
	// a message to an id not in the user table is dropped without a
	// callback; peers are reported when the liveness timeout reaps them.
	MessageClient(id message.UserId, msg message.Message[T])

	// MessageAllClients sends a copy of msg to every connected peer
	// except ignore; pass message.InvalidUserId to exclude nobody.
	MessageAllClients(msg message.Message[T], ignore message.UserId)

	// Update drains up to maxMessages received messages, invoking OnMessage
	// for each on the caller's goroutine. A maxMessages of 0 falls back to
	// Config.MaxMessagesPerUpdate, which drains all available when unset.
	// With wait set it first blocks until at least one message arrived.
	Update(maxMessages int, wait bool)
}

// ServerHandler is the policy the application plugs into a server.
type ServerHandler[T ~uint32] interface {
	// OnClientConnect is admission control; return false to reject.
	OnClientConnect(addr net.Addr) bool

	// OnClientValidate fires once when a peer completes the handshake.
	OnClientValidate(id message.UserId)

	// OnClientDisconnect fires once when a peer leaves the registry.
	OnClientDisconnect(id message.UserId)

	// OnMessage fires from Update, on the application goroutine.
	OnMessage(id message.UserId, msg message.Message[T])
}
