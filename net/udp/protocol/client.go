package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	netmsg "github.com/Meander-Cloud/go-netmsg"
	"github.com/Meander-Cloud/go-netmsg/arbiter"
	"github.com/Meander-Cloud/go-netmsg/config"
	"github.com/Meander-Cloud/go-netmsg/deque"
	"github.com/Meander-Cloud/go-netmsg/message"
	"github.com/Meander-Cloud/go-netmsg/scramble"
)

type ClientOptions[T ~uint32] struct {
	Config *config.Config

	LogPrefix string
	LogDebug  bool
}

// Client binds one datagram socket to a server endpoint. Registration is
// the magic number followed by the scramble handshake; after that every
// datagram carries exactly one frame. There is no teardown packet, both
// sides rely on the liveness timeout.
type Client[T ~uint32] struct {
	options    *ClientOptions[T]
	inShutdown atomic.Bool

	arbiter *arbiter.Arbiter
	recvWg  sync.WaitGroup

	mutex  sync.Mutex
	socket *net.UDPConn

	qIn *deque.Deque[message.Tagged[T]]

	// arbiter goroutine only
	qOut    *deque.Deque[message.Message[T]]
	writing bool

	// unix nanoseconds of the last frame received from the server, seeded
	// at Connect; the handshake challenge does not update it
	lastSeen      atomic.Int64
	clientTimeout time.Duration
}

var _ netmsg.Client[uint32] = (*Client[uint32])(nil)

func NewClient[T ~uint32](options *ClientOptions[T]) (*Client[T], error) {
	if options == nil {
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

	p := &Client[T]{
		options:    options,
		inShutdown: atomic.Bool{},

		qIn:  deque.New[message.Tagged[T]](),
		qOut: deque.New[message.Message[T]](),

		clientTimeout: options.Config.ClientTimeoutOrDefault(),
	}

	return p, nil
}

func (p *Client[T]) Options() *ClientOptions[T] {
	return p.options
}

// invoked on application goroutine: resolve, bind to the first endpoint,
// announce with the magic number; validation completes on the receive loop
func (p *Client[T]) Connect(host string, port uint16) bool {
	if p.currentSocket() != nil {
		log.Printf("%s: already connected", p.options.LogPrefix)
		return false
	}
	p.inShutdown.Store(false)

	address := net.JoinHostPort(host, strconv.FormatUint(uint64(port), 10))
	log.Printf("%s: connecting to %s", p.options.LogPrefix, address)

	raddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		log.Printf("%s: failed to resolve %s, err=%s", p.options.LogPrefix, address, err.Error())
		return false
	}

	socket, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		log.Printf("%s: failed to dial %s, err=%s", p.options.LogPrefix, address, err.Error())
		return false
	}

	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()
		p.socket = socket
	}()

	if p.arbiter == nil {
		p.arbiter = arbiter.NewArbiter(p.options.Config)
	}

	p.lastSeen.Store(time.Now().UnixNano())

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], ConnectionMagic)
	_, err = socket.Write(buf[:])
	if err != nil {
		log.Printf("%s: failed to send connection request, err=%s", p.options.LogPrefix, err.Error())
		socket.Close()
		func() {
			p.mutex.Lock()
			defer p.mutex.Unlock()
			p.socket = nil
		}()
		return false
	}

	p.recvWg.Add(1)
	go p.recvLoop(socket)

	return true
}

// invoked on application goroutine
func (p *Client[T]) Disconnect() {
	p.inShutdown.Store(true)

	socket := p.currentSocket()
	if socket != nil {
		socket.Close()
	}
	p.recvWg.Wait()

	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()
		p.socket = nil
	}()

	if p.arbiter != nil {
		p.arbiter.Shutdown() // wait
		p.arbiter = nil
	}

	p.qOut.Clear()

	log.Printf("%s: disconnected", p.options.LogPrefix)
}

// invoked on any goroutine: connected while the server was heard from
// within the timeout window
func (p *Client[T]) IsConnected() bool {
	if p.currentSocket() == nil {
		return false
	}
	return time.Since(time.Unix(0, p.lastSeen.Load())) <= p.clientTimeout
}

func (p *Client[T]) currentSocket() *net.UDPConn {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.socket
}

// receive goroutine
func (p *Client[T]) recvLoop(socket *net.UDPConn) {
	defer p.recvWg.Done()

	buf := make([]byte, MaxDatagramSize)
	validated := false

	for {
		n, err := socket.Read(buf)
		if err != nil {
			if p.inShutdown.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("%s: failed to receive, err=%s", p.options.LogPrefix, err.Error())
			continue
		}

		if !validated {
			// first reply is the 8 byte challenge
			if n != 8 {
				continue
			}
			challenge := binary.BigEndian.Uint64(buf[:8])
			response := scramble.Scramble(challenge)

			a := p.arbiter
			if a == nil {
				return
			}
			a.Dispatch(func() {
				// invoked on arbiter goroutine
				var out [8]byte
				binary.BigEndian.PutUint64(out[:], response)
				_, werr := socket.Write(out[:])
				if werr != nil {
					log.Printf("%s: failed to send validation, err=%s", p.options.LogPrefix, werr.Error())
				}
			})

			validated = true
			log.Printf("%s: connected to server", p.options.LogPrefix)
			continue
		}

		p.processMessage(buf[:n])
	}
}

// receive goroutine; malformed datagrams are dropped silently
func (p *Client[T]) processMessage(data []byte) {
	if len(data) < message.HeaderSize {
		return
	}

	h := message.ParseHeader[T](data)
	if len(data)-message.HeaderSize != int(h.Size) {
		return
	}

	body := make([]byte, h.Size)
	copy(body, data[message.HeaderSize:])

	p.lastSeen.Store(time.Now().UnixNano())

	p.qIn.PushBack(message.Tagged[T]{
		Remote: message.ServerUserId,
		Msg: message.Message[T]{
			Header: h,
			Body:   body,
		},
	})
}

// invoked on application goroutine
func (p *Client[T]) Send(msg message.Message[T]) {
	if msg.Size() > MaxDatagramSize {
		log.Printf("%s: message of %d bytes exceeds datagram cap, rejected", p.options.LogPrefix, msg.Size())
		return
	}

	socket := p.currentSocket()
	if socket == nil {
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
		p.post(socket, msg)
	})
}

// invoked on arbiter goroutine
func (p *Client[T]) post(socket *net.UDPConn, msg message.Message[T]) {
	p.qOut.PushBack(msg)

	if p.writing {
		return
	}
	p.writing = true
	p.sendMessages(socket)
	p.writing = false
}

// invoked on arbiter goroutine
func (p *Client[T]) sendMessages(socket *net.UDPConn) {
	for {
		msg, found := p.qOut.PopFront()
		if !found {
			return
		}

		buf := make([]byte, msg.Size())
		message.PutHeader(buf, msg.Header)
		copy(buf[message.HeaderSize:], msg.Body)

		_, err := socket.Write(buf)
		if err != nil {
			log.Printf("%s: failed to send message, err=%s", p.options.LogPrefix, err.Error())
			continue
		}
		if p.options.LogDebug {
			log.Printf("%s: sent %s", p.options.LogPrefix, msg.String())
		}
	}
}

func (p *Client[T]) Incoming() *deque.Deque[message.Tagged[T]] {
	return p.qIn
}
