package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net"
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

type ServerOptions[T ~uint32] struct {
	Port    uint16
	Config  *config.Config
	Handler netmsg.ServerHandler[T]

	LogPrefix string
	LogDebug  bool
}

// Server serves all peers from a single datagram socket, demultiplexing by
// remote endpoint. Unknown endpoints go through a magic number check and a
// scramble handshake before their frames are accepted; peers silent for
// longer than the configured timeout are reaped.
//
// A receive goroutine blocks on the socket and dispatches each datagram to
// the arbiter; the user tables live exclusively on the arbiter goroutine
// and therefore carry no locks.
type Server[T ~uint32] struct {
	options    *ServerOptions[T]
	inShutdown atomic.Bool

	arbiter *arbiter.Arbiter
	socket  *net.UDPConn
	recvWg  sync.WaitGroup

	qIn *deque.Deque[message.Tagged[T]]

	// arbiter goroutine only
	qOut           *deque.Deque[Outbound[T]]
	writing        bool
	uidCounter     message.UserId
	endpointToUser map[string]message.UserId
	userIdToUser   map[message.UserId]*User

	serverTimeout time.Duration
}

var _ netmsg.Server[uint32] = (*Server[uint32])(nil)

func NewServer[T ~uint32](options *ServerOptions[T]) (*Server[T], error) {
	if options == nil {
		err := fmt.Errorf("nil options")
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.Handler == nil {
		err := fmt.Errorf("%s: nil Handler", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.Port == 0 {
		err := fmt.Errorf("%s: invalid Port=%d", options.LogPrefix, options.Port)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.Config == nil {
		options.Config = &config.Config{}
	}
	if options.Config.LogPrefix == "" {
		options.Config.LogPrefix = options.LogPrefix
	}

	p := &Server[T]{
		options:    options,
		inShutdown: atomic.Bool{},

		qIn:  deque.New[message.Tagged[T]](),
		qOut: deque.New[Outbound[T]](),

		uidCounter:     message.BaseUserId,
		endpointToUser: make(map[string]message.UserId),
		userIdToUser:   make(map[message.UserId]*User),

		serverTimeout: options.Config.ServerTimeoutOrDefault(),
	}

	return p, nil
}

func (p *Server[T]) Options() *ServerOptions[T] {
	return p.options
}

// invoked on application goroutine
func (p *Server[T]) Start() bool {
	if p.socket != nil {
		log.Printf("%s: already running", p.options.LogPrefix)
		return false
	}
	p.inShutdown.Store(false)

	socket, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(p.options.Port)})
	if err != nil {
		log.Printf("%s: failed to start, err=%s", p.options.LogPrefix, err.Error())
		return false
	}
	p.socket = socket

	if p.arbiter == nil {
		p.arbiter = arbiter.NewArbiter(p.options.Config)
	}

	p.recvWg.Add(1)
	go p.recvLoop()

	log.Printf("%s: started on port %d", p.options.LogPrefix, p.options.Port)
	return true
}

// invoked on application goroutine; the server can be started again after
func (p *Server[T]) Stop() {
	log.Printf("%s: stopping", p.options.LogPrefix)
	p.inShutdown.Store(true)

	if p.socket != nil {
		p.socket.Close()
	}
	p.recvWg.Wait()
	p.socket = nil

	if p.arbiter != nil {
		p.arbiter.Shutdown() // wait
		p.arbiter = nil
	}

	// arbiter is joined, so the tables are safe to touch here; ids are
	// never reused, the counter carries across restarts
	p.endpointToUser = make(map[string]message.UserId)
	p.userIdToUser = make(map[message.UserId]*User)
	p.qOut.Clear()

	log.Printf("%s: stopped", p.options.LogPrefix)
}

// receive goroutine: blocking reads only, every datagram is handed to the
// arbiter with its own copy of the bytes
func (p *Server[T]) recvLoop() {
	defer p.recvWg.Done()

	buf := make([]byte, MaxDatagramSize)
	for {
		n, addr, err := p.socket.ReadFromUDP(buf)
		if err != nil {
			if p.inShutdown.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("%s: failed to receive, err=%s", p.options.LogPrefix, err.Error())
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		scopedAddr := addr

		err = p.arbiter.Dispatch(func() {
			// invoked on arbiter goroutine
			p.handleDatagram(data, scopedAddr)
		})
		if err != nil {
			// engine saturated; the transport gives no delivery promise,
			// so shed the datagram
			log.Printf("%s: dropping datagram from %s", p.options.LogPrefix, scopedAddr.String())
		}
	}
}

// invoked on arbiter goroutine
func (p *Server[T]) handleDatagram(data []byte, addr *net.UDPAddr) {
	p.reapExpired()

	key := addr.String()

	uid, known := p.endpointToUser[key]
	if !known {
		p.handleNewConnection(data, addr)
		return
	}

	user := p.userIdToUser[uid]
	if !user.Validated {
		p.handleValidation(uid, user, data)
		return
	}

	p.processMessage(uid, user, data)
}

// invoked on arbiter goroutine; anything malformed is dropped silently so
// strangers cannot probe the server
func (p *Server[T]) handleNewConnection(data []byte, addr *net.UDPAddr) {
	if len(data) != 8 {
		return
	}

	magic := binary.BigEndian.Uint64(data)
	if magic != ConnectionMagic {
		return
	}

	if !p.options.Handler.OnClientConnect(addr) {
		log.Printf("%s: [------] connection denied from %s", p.options.LogPrefix, addr.String())
		return
	}

	uid := p.uidCounter
	p.uidCounter++

	now := time.Now()
	handshake := scramble.Scramble(uint64(now.UnixNano()))

	user := &User{
		Endpoint: addr,
		LastSeen: now,

		Validated:      false,
		Handshake:      handshake,
		HandshakeCheck: scramble.Scramble(handshake),
	}
	p.endpointToUser[addr.String()] = uid
	p.userIdToUser[uid] = user

	p.sendValidation(uid, user)

	log.Printf("%s: [%d] connection approved from %s", p.options.LogPrefix, uid, addr.String())
}

// invoked on arbiter goroutine
func (p *Server[T]) sendValidation(uid message.UserId, user *User) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], user.Handshake)

	_, err := p.socket.WriteToUDP(buf[:], user.Endpoint)
	if err != nil {
		log.Printf("%s: [%d] failed to send validation, err=%s", p.options.LogPrefix, uid, err.Error())
	}
}

// invoked on arbiter goroutine; a wrong reply evicts the half open user
// without a disconnect callback since it was never validated
func (p *Server[T]) handleValidation(uid message.UserId, user *User, data []byte) {
	if len(data) != 8 || binary.BigEndian.Uint64(data) != user.HandshakeCheck {
		log.Printf("%s: [%d] client handshake failed", p.options.LogPrefix, uid)
		delete(p.endpointToUser, user.Endpoint.String())
		delete(p.userIdToUser, uid)
		return
	}

	user.Validated = true
	user.LastSeen = time.Now()

	log.Printf("%s: [%d] client validated", p.options.LogPrefix, uid)
	p.options.Handler.OnClientValidate(uid)
}

// invoked on arbiter goroutine; malformed frames are dropped, the peer stays
func (p *Server[T]) processMessage(uid message.UserId, user *User, data []byte) {
	if len(data) < message.HeaderSize {
		return
	}

	h := message.ParseHeader[T](data)
	if len(data)-message.HeaderSize != int(h.Size) {
		return
	}

	body := make([]byte, h.Size)
	copy(body, data[message.HeaderSize:])

	user.LastSeen = time.Now()

	p.qIn.PushBack(message.Tagged[T]{
		Remote: uid,
		Msg: message.Message[T]{
			Header: h,
			Body:   body,
		},
	})
}

// invoked on arbiter goroutine: a user absent beyond the timeout is removed
// from both indexes, then reported, two phase
func (p *Server[T]) reapExpired() {
	now := time.Now()

	var expired []message.UserId
	for uid, user := range p.userIdToUser {
		if now.Sub(user.LastSeen) > p.serverTimeout {
			expired = append(expired, uid)
		}
	}

	for _, uid := range expired {
		log.Printf("%s: [%d] client timed out", p.options.LogPrefix, uid)
		delete(p.endpointToUser, p.userIdToUser[uid].Endpoint.String())
		delete(p.userIdToUser, uid)
	}

	for _, uid := range expired {
		p.options.Handler.OnClientDisconnect(uid)
	}
}

// invoked on application goroutine
func (p *Server[T]) MessageClient(id message.UserId, msg message.Message[T]) {
	if msg.Size() > MaxDatagramSize {
		log.Printf("%s: [%d] message of %d bytes exceeds datagram cap, rejected", p.options.LogPrefix, id, msg.Size())
		return
	}

	a := p.arbiter
	if a == nil {
		return
	}
	a.Dispatch(func() {
		// invoked on arbiter goroutine
		p.post(Outbound[T]{Remote: id, Msg: msg})
	})
}

// invoked on application goroutine; every recipient gets its own copy
func (p *Server[T]) MessageAllClients(msg message.Message[T], ignore message.UserId) {
	if msg.Size() > MaxDatagramSize {
		log.Printf("%s: message of %d bytes exceeds datagram cap, rejected", p.options.LogPrefix, msg.Size())
		return
	}

	a := p.arbiter
	if a == nil {
		return
	}
	a.Dispatch(func() {
		// invoked on arbiter goroutine
		for uid := range p.userIdToUser {
			if uid == ignore {
				continue
			}
			p.post(Outbound[T]{Remote: uid, Msg: msg.Clone()})
		}
	})
}

// invoked on arbiter goroutine
func (p *Server[T]) post(out Outbound[T]) {
	p.qOut.PushBack(out)

	if p.writing {
		return
	}
	p.writing = true
	p.sendMessages()
	p.writing = false
}

// invoked on arbiter goroutine: one send_to in flight at a time, expired
// users reaped first, entries whose recipient left the table skipped
func (p *Server[T]) sendMessages() {
	p.reapExpired()

	for {
		out, found := p.qOut.PopFront()
		if !found {
			return
		}

		user, live := p.userIdToUser[out.Remote]
		if !live {
			continue
		}

		buf := make([]byte, out.Msg.Size())
		message.PutHeader(buf, out.Msg.Header)
		copy(buf[message.HeaderSize:], out.Msg.Body)

		_, err := p.socket.WriteToUDP(buf, user.Endpoint)
		if err != nil {
			log.Printf("%s: [%d] failed to send message, err=%s", p.options.LogPrefix, out.Remote, err.Error())
			continue
		}
		if p.options.LogDebug {
			log.Printf("%s: [%d] sent %s", p.options.LogPrefix, out.Remote, out.Msg.String())
		}
	}
}

// invoked on application goroutine; OnMessage fires here, not on the arbiter
func (p *Server[T]) Update(maxMessages int, wait bool) {
	if wait {
		p.qIn.Wait()
	}

	if maxMessages <= 0 {
		maxMessages = int(p.options.Config.MaxMessagesPerUpdate)
	}

	count := 0
	for maxMessages <= 0 || count < maxMessages {
		tagged, found := p.qIn.PopFront()
		if !found {
			break
		}
		p.options.Handler.OnMessage(tagged.Remote, tagged.Msg)
		count++
	}
}

// Incoming exposes the shared inbound deque, useful in tests; applications
// normally drain through Update.
func (p *Server[T]) Incoming() *deque.Deque[message.Tagged[T]] {
	return p.qIn
}
