package protocol

import (
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/Meander-Cloud/go-transport/tcp"

	netmsg "github.com/Meander-Cloud/go-netmsg"
	"github.com/Meander-Cloud/go-netmsg/arbiter"
	"github.com/Meander-Cloud/go-netmsg/config"
	"github.com/Meander-Cloud/go-netmsg/deque"
	"github.com/Meander-Cloud/go-netmsg/message"
	"github.com/Meander-Cloud/go-netmsg/scramble"
)

type ClientOptions[T ~uint32] struct {
	*tcp.Options
	Config *config.Config
}

// Client owns a single outbound stream connection and exposes send and
// receive to the application.
type Client[T ~uint32] struct {
	options    *ClientOptions[T]
	inShutdown atomic.Bool

	arbiter   *arbiter.Arbiter
	tcpClient *tcp.TcpClient

	qIn *deque.Deque[message.Tagged[T]]

	mutex sync.Mutex
	conn  *Conn[T] // current active connection, if any
}

var _ netmsg.Client[uint32] = (*Client[uint32])(nil)

func NewClient[T ~uint32](options *ClientOptions[T]) (*Client[T], error) {
	if options == nil || options.Options == nil {
		err := fmt.Errorf("nil options")
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.Config == nil {
		options.Config = &config.Config{}
	}
	if options.Config.LogPrefix == "" {
		options.Config.LogPrefix = options.LogPrefix
	}

	applyTransportDefaults(options.Options, options.Config)

	p := &Client[T]{
		options:    options,
		inShutdown: atomic.Bool{},

		qIn: deque.New[message.Tagged[T]](),

		mutex: sync.Mutex{},
		conn:  nil,
	}

	// transport invokes ReadLoop once the dial succeeds
	options.Protocol = p

	return p, nil
}

func (p *Client[T]) Options() *ClientOptions[T] {
	return p.options
}

// invoked on application goroutine; true means the engine launched, the
// dial itself may still fail asynchronously
func (p *Client[T]) Connect(host string, port uint16) bool {
	if p.tcpClient != nil {
		log.Printf("%s: already connected", p.options.LogPrefix)
		return false
	}
	p.inShutdown.Store(false)

	p.options.Address = net.JoinHostPort(host, strconv.FormatUint(uint64(port), 10))

	if p.arbiter == nil {
		p.arbiter = arbiter.NewArbiter(p.options.Config)
	}

	tcpClient, err := tcp.NewTcpClient(p.options.Options)
	if err != nil {
		log.Printf("%s: failed to connect to %s, err=%s", p.options.LogPrefix, p.options.Address, err.Error())
		return false
	}
	p.tcpClient = tcpClient

	return true
}

// invoked on application goroutine
func (p *Client[T]) Disconnect() {
	p.inShutdown.Store(true)

	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		if p.conn != nil {
			p.conn.Close()
			p.conn = nil
		}
	}()

	if p.tcpClient != nil {
		p.tcpClient.Shutdown() // wait
		p.tcpClient = nil
	}

	if p.arbiter != nil {
		p.arbiter.Shutdown() // wait
		p.arbiter = nil
	}

	log.Printf("%s: disconnected", p.options.LogPrefix)
}

// invoked on any goroutine
func (p *Client[T]) IsConnected() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.conn == nil {
		return false
	}
	return p.conn.ready.Load() && p.conn.IsConnected()
}

// ReadLoop drives one established socket: await the server's challenge,
// answer with its scramble, then read frames until the connection dies.
// Invoked by the transport on a dedicated goroutine.
func (p *Client[T]) ReadLoop(conn net.Conn) {
	remoteAddr := conn.RemoteAddr()
	descriptor := fmt.Sprintf("-><%s>", remoteAddr.String())
	log.Printf("%s: %s: new %s connection", p.options.LogPrefix, descriptor, remoteAddr.Network())

	if p.inShutdown.Load() {
		conn.Close()
		return
	}

	c := newConn(roleClient, message.ServerUserId, conn, p.qIn, descriptor, p.options.LogPrefix, p.options.LogDebug)

	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		if p.conn != nil {
			log.Printf("%s: %s: overriding stale connection %s", p.options.LogPrefix, descriptor, p.conn.descriptor)
		}
		p.conn = c
	}()

	defer func() {
		c.Close()
		log.Printf("%s: %s: connection closed", p.options.LogPrefix, descriptor)
	}()

	challenge, err := c.readValidation()
	if err != nil {
		return
	}
	c.handshakeOut = scramble.Scramble(challenge)

	a := p.arbiter
	if a == nil {
		return
	}
	err = a.Dispatch(func() {
		// invoked on arbiter goroutine
		c.writeValidation()
	})
	if err != nil {
		return
	}

	c.ready.Store(true)
	log.Printf("%s: %s: connection now ready", p.options.LogPrefix, descriptor)

	c.readFrames(p.options.Config.MaxBodyLenOrDefault())
}

// invoked on application goroutine; no-op when not connected
func (p *Client[T]) Send(msg message.Message[T]) {
	var c *Conn[T]
	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		if p.conn != nil && p.conn.ready.Load() && p.conn.IsConnected() {
			c = p.conn
		}
	}()

	if c == nil {
		if p.options.LogDebug {
			log.Printf("%s: not connected, dropping %s", p.options.LogPrefix, msg.String())
		}
		return
	}

	a := p.arbiter
	if a == nil {
		return
	}
	a.Dispatch(func() {
		// invoked on arbiter goroutine
		c.post(msg)
	})
}

func (p *Client[T]) Incoming() *deque.Deque[message.Tagged[T]] {
	return p.qIn
}
