package protocol

import (
	"encoding/binary"
	"io"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/Meander-Cloud/go-netmsg/deque"
	"github.com/Meander-Cloud/go-netmsg/message"
	"github.com/Meander-Cloud/go-netmsg/scramble"
)

const (
	tcpWriteDeadline time.Duration = time.Second * 3
)

type role uint8

const (
	roleServer role = 1
	roleClient role = 2
)

// Conn is one TCP connection between a client and a server, owned by one of
// the sides. Lifecycle: fresh, validating, established, closed.
//
// The read side runs on the connection's own goroutine with blocking reads;
// the outbound queue and all socket writes are touched only on the owner's
// arbiter goroutine, which is what keeps them single-threaded without locks.
// The inbound deque is shared with the application and carries its own lock.
type Conn[T ~uint32] struct {
	role       role
	id         message.UserId // remote side: assigned uid on a server, ServerUserId on a client
	conn       net.Conn
	descriptor string
	logPrefix  string
	logDebug   bool

	// arbiter goroutine only
	qOut    *deque.Deque[message.Message[T]]
	writing bool

	// shared inbound queue, owned by the server or client
	qIn *deque.Deque[message.Tagged[T]]

	handshakeOut   uint64
	handshakeCheck uint64

	ready  atomic.Bool
	closed atomic.Bool
}

func newConn[T ~uint32](
	r role,
	id message.UserId,
	conn net.Conn,
	qIn *deque.Deque[message.Tagged[T]],
	descriptor string,
	logPrefix string,
	logDebug bool,
) *Conn[T] {
	c := &Conn[T]{
		role:       r,
		id:         id,
		conn:       conn,
		descriptor: descriptor,
		logPrefix:  logPrefix,
		logDebug:   logDebug,

		qOut: deque.New[message.Message[T]](),
		qIn:  qIn,
	}

	if r == roleServer {
		// server seeds the challenge the peer must scramble back
		c.handshakeOut = scramble.Scramble(uint64(time.Now().UnixNano()))
		c.handshakeCheck = scramble.Scramble(c.handshakeOut)
	}

	return c
}

func (c *Conn[T]) Id() message.UserId {
	return c.id
}

// invoked on any goroutine
func (c *Conn[T]) IsConnected() bool {
	return !c.closed.Load()
}

// invoked on any goroutine, idempotent
func (c *Conn[T]) Close() {
	if c.closed.CompareAndSwap(false, true) {
		c.ready.Store(false)
		c.conn.Close()
	}
}

// invoked on arbiter goroutine
func (c *Conn[T]) writeValidation() {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], c.handshakeOut)

	c.conn.SetWriteDeadline(time.Now().UTC().Add(tcpWriteDeadline))
	_, err := c.conn.Write(buf[:])
	if err != nil {
		log.Printf("%s: %s: failed to write validation, err=%s", c.logPrefix, c.descriptor, err.Error())
		c.Close()
	}
}

// invoked on ReadLoop goroutine
func (c *Conn[T]) readValidation() (uint64, error) {
	var buf [8]byte
	_, err := io.ReadFull(c.conn, buf[:])
	if err != nil {
		log.Printf("%s: %s: failed to read validation, err=%s", c.logPrefix, c.descriptor, err.Error())
		c.Close()
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// invoked on ReadLoop goroutine; returns when the connection dies
func (c *Conn[T]) readFrames(maxBodyLen uint32) {
	header := make([]byte, message.HeaderSize)

	for {
		_, err := io.ReadFull(c.conn, header)
		if err != nil {
			if c.IsConnected() {
				log.Printf("%s: %s: failed to read header, err=%s", c.logPrefix, c.descriptor, err.Error())
			}
			c.Close()
			return
		}

		h := message.ParseHeader[T](header)
		if h.Size > maxBodyLen {
			log.Printf("%s: %s: body length %d exceeds cap %d", c.logPrefix, c.descriptor, h.Size, maxBodyLen)
			c.Close()
			return
		}

		body := make([]byte, h.Size)
		if h.Size > 0 {
			_, err = io.ReadFull(c.conn, body)
			if err != nil {
				if c.IsConnected() {
					log.Printf("%s: %s: failed to read body, err=%s", c.logPrefix, c.descriptor, err.Error())
				}
				c.Close()
				return
			}
		}

		msg := message.Message[T]{
			Header: h,
			Body:   body,
		}
		if c.logDebug {
			log.Printf("%s: %s: received %s", c.logPrefix, c.descriptor, msg.String())
		}

		c.qIn.PushBack(message.Tagged[T]{
			Remote: c.id,
			Msg:    msg,
		})
	}
}

// invoked on arbiter goroutine; posting is what starts the drain, and only
// one drain runs at a time so frames leave in Send order
func (c *Conn[T]) post(msg message.Message[T]) {
	c.qOut.PushBack(msg)

	if c.writing {
		return
	}
	c.writing = true
	c.drainOutbound()
	c.writing = false
}

// invoked on arbiter goroutine
func (c *Conn[T]) drainOutbound() {
	for {
		msg, found := c.qOut.PopFront()
		if !found {
			return
		}

		if err := c.writeFrame(&msg); err != nil {
			c.qOut.Clear()
			return
		}
	}
}

// invoked on arbiter goroutine
func (c *Conn[T]) writeFrame(msg *message.Message[T]) error {
	buf := make([]byte, msg.Size())
	message.PutHeader(buf, msg.Header)
	copy(buf[message.HeaderSize:], msg.Body)

	c.conn.SetWriteDeadline(time.Now().UTC().Add(tcpWriteDeadline))
	n, err := c.conn.Write(buf)
	if err != nil {
		log.Printf("%s: %s: failed to write %d bytes, err=%s", c.logPrefix, c.descriptor, len(buf), err.Error())
		c.Close()
		return err
	}
	if c.logDebug {
		log.Printf("%s: %s: wrote %d bytes, %s", c.logPrefix, c.descriptor, n, msg.String())
	}
	return nil
}
