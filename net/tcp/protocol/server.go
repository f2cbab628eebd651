package protocol

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/Meander-Cloud/go-transport/tcp"

	netmsg "github.com/Meander-Cloud/go-netmsg"
	"github.com/Meander-Cloud/go-netmsg/arbiter"
	"github.com/Meander-Cloud/go-netmsg/config"
	"github.com/Meander-Cloud/go-netmsg/deque"
	"github.com/Meander-Cloud/go-netmsg/message"
)

type ServerOptions[T ~uint32] struct {
	*tcp.Options
	Config  *config.Config
	Handler netmsg.ServerHandler[T]
}

// Server accepts stream connections, admits or rejects them, assigns user
// ids, owns the resulting connections, and fans messages out. It exclusively
// owns the registry and the shared inbound deque; each connection
// exclusively owns its socket and outbound queue.
type Server[T ~uint32] struct {
	options    *ServerOptions[T]
	inShutdown atomic.Bool

	arbiter   *arbiter.Arbiter
	tcpServer *tcp.TcpServer

	uidGen atomic.Int32

	qIn *deque.Deque[message.Tagged[T]]

	mutex   sync.Mutex
	connMap map[message.UserId]*Conn[T] // uid -> connection, entries removed lazily on send
}

var _ netmsg.Server[uint32] = (*Server[uint32])(nil)

func NewServer[T ~uint32](options *ServerOptions[T]) (*Server[T], error) {
	if options == nil || options.Options == nil {
		err := fmt.Errorf("nil options")
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.Handler == nil {
		err := fmt.Errorf("%s: nil Handler", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.Address == "" {
		err := fmt.Errorf("%s: invalid Address=%s", options.LogPrefix, options.Address)
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

	p := &Server[T]{
		options:    options,
		inShutdown: atomic.Bool{},

		uidGen: atomic.Int32{},

		qIn: deque.New[message.Tagged[T]](),

		mutex:   sync.Mutex{},
		connMap: make(map[message.UserId]*Conn[T]),
	}
	p.uidGen.Store(int32(message.BaseUserId))

	// transport invokes ReadLoop for each accepted socket
	options.Protocol = p

	return p, nil
}

func applyTransportDefaults(options *tcp.Options, c *config.Config) {
	if options.KeepAliveInterval == 0 {
		options.KeepAliveInterval = c.TcpKeepAliveIntervalOrDefault()
	}
	if options.KeepAliveCount == 0 {
		options.KeepAliveCount = c.TcpKeepAliveCountOrDefault()
	}
	if options.DialTimeout == 0 {
		options.DialTimeout = c.TcpDialTimeoutOrDefault()
	}
	if options.ReconnectInterval == 0 {
		options.ReconnectInterval = c.TcpReconnectIntervalOrDefault()
	}
	if options.ReconnectLogEvery == 0 {
		options.ReconnectLogEvery = c.TcpReconnectLogEveryOrDefault()
	}
}

func (p *Server[T]) Options() *ServerOptions[T] {
	return p.options
}

// invoked on application goroutine
func (p *Server[T]) Start() bool {
	if p.tcpServer != nil {
		log.Printf("%s: already running", p.options.LogPrefix)
		return false
	}
	p.inShutdown.Store(false)

	if p.arbiter == nil {
		p.arbiter = arbiter.NewArbiter(p.options.Config)
	}

	tcpServer, err := tcp.NewTcpServer(p.options.Options)
	if err != nil {
		log.Printf("%s: failed to start, err=%s", p.options.LogPrefix, err.Error())
		return false
	}
	p.tcpServer = tcpServer

	log.Printf("%s: started on %s", p.options.LogPrefix, p.options.Address)
	return true
}

// invoked on application goroutine; the server can be started again after
func (p *Server[T]) Stop() {
	log.Printf("%s: stopping", p.options.LogPrefix)
	p.inShutdown.Store(true)

	// close owned sockets so read loops unwind
	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		for _, c := range p.connMap {
			c.Close()
		}
		p.connMap = make(map[message.UserId]*Conn[T])
	}()

	if p.tcpServer != nil {
		p.tcpServer.Shutdown() // wait
		p.tcpServer = nil
	}

	if p.arbiter != nil {
		p.arbiter.Shutdown() // wait
		p.arbiter = nil
	}

	log.Printf("%s: stopped", p.options.LogPrefix)
}

// ReadLoop drives one accepted socket: admission, uid assignment, handshake,
// then the frame loop. Invoked by the transport on a dedicated goroutine.
func (p *Server[T]) ReadLoop(conn net.Conn) {
	remoteAddr := conn.RemoteAddr()
	log.Printf("%s: new %s connection from %s", p.options.LogPrefix, remoteAddr.Network(), remoteAddr.String())

	if p.inShutdown.Load() {
		conn.Close()
		return
	}

	if !p.options.Handler.OnClientConnect(remoteAddr) {
		log.Printf("%s: [------] connection denied from %s", p.options.LogPrefix, remoteAddr.String())
		conn.Close()
		return
	}

	uid := message.UserId(p.uidGen.Add(1) - 1)
	descriptor := fmt.Sprintf("[%d]<%s>", uid, remoteAddr.String())

	c := newConn(roleServer, uid, conn, p.qIn, descriptor, p.options.LogPrefix, p.options.LogDebug)
	log.Printf("%s: %s: connection approved", p.options.LogPrefix, descriptor)

	a := p.arbiter
	if a == nil {
		c.Close()
		return
	}

	// challenge the peer; the reply must be the scrambled challenge
	err := a.Dispatch(func() {
		// invoked on arbiter goroutine
		c.writeValidation()
	})
	if err != nil {
		c.Close()
		return
	}

	reply, err := c.readValidation()
	if err != nil {
		return
	}
	if reply != c.handshakeCheck {
		// never entered the registry, abandoned without a callback
		log.Printf("%s: %s: client failed validation", p.options.LogPrefix, descriptor)
		c.Close()
		return
	}

	log.Printf("%s: %s: client validated", p.options.LogPrefix, descriptor)
	c.ready.Store(true)

	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		p.connMap[uid] = c
	}()

	a.Dispatch(func() {
		// invoked on arbiter goroutine
		p.options.Handler.OnClientValidate(uid)
	})

	c.readFrames(p.options.Config.MaxBodyLenOrDefault())

	// socket is closed; the registry entry stays until a send attempt
	// observes the dead connection
	log.Printf("%s: %s: connection closed", p.options.LogPrefix, descriptor)
}

// invoked on application goroutine
func (p *Server[T]) MessageClient(id message.UserId, msg message.Message[T]) {
	var c *Conn[T]
	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		cached, found := p.connMap[id]
		if found && cached.IsConnected() {
			c = cached
			return
		}
		delete(p.connMap, id)
	}()

	a := p.arbiter
	if a == nil {
		return
	}

	if c != nil {
		a.Dispatch(func() {
			// invoked on arbiter goroutine
			c.post(msg)
		})
		return
	}

	log.Printf("%s: [%d] client lost", p.options.LogPrefix, id)
	a.Dispatch(func() {
		// invoked on arbiter goroutine
		p.options.Handler.OnClientDisconnect(id)
	})
}

// invoked on application goroutine
func (p *Server[T]) MessageAllClients(msg message.Message[T], ignore message.UserId) {
	a := p.arbiter
	if a == nil {
		return
	}

	var disconnected []message.UserId
	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		for id, c := range p.connMap {
			if id == ignore {
				continue
			}

			if c.IsConnected() {
				scopedConn := c
				scopedMsg := msg.Clone()
				a.Dispatch(func() {
					// invoked on arbiter goroutine
					scopedConn.post(scopedMsg)
				})
			} else {
				disconnected = append(disconnected, id)
			}
		}

		// two phase sweep: mutate the registry only after iteration
		for _, id := range disconnected {
			delete(p.connMap, id)
		}
	}()

	for _, id := range disconnected {
		scopedId := id
		log.Printf("%s: [%d] client lost", p.options.LogPrefix, scopedId)
		a.Dispatch(func() {
			// invoked on arbiter goroutine
			p.options.Handler.OnClientDisconnect(scopedId)
		})
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
