package main

import (
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Meander-Cloud/go-transport/tcp"

	"github.com/Meander-Cloud/go-netmsg/config"
	"github.com/Meander-Cloud/go-netmsg/deque"
	"github.com/Meander-Cloud/go-netmsg/message"
	tp "github.com/Meander-Cloud/go-netmsg/net/tcp/protocol"
	up "github.com/Meander-Cloud/go-netmsg/net/udp/protocol"
)

type GameMsg uint32

const (
	ServerAccept GameMsg = iota
	ServerDeny
	ServerPing
	MessageAll
	ServerMessage
	ClientDisconnect
	Chat
)

// Chat bodies are msgpack encoded since they are not fixed layout.
type ChatPayload struct {
	Name string `msgpack:"name"`
	Text string `msgpack:"text"`
}

type Handler struct {
	LogPrefix string
	Server    interface {
		MessageClient(id message.UserId, msg message.Message[GameMsg])
		MessageAllClients(msg message.Message[GameMsg], ignore message.UserId)
	}
}

func (h *Handler) OnClientConnect(addr net.Addr) bool {
	log.Printf("%s: OnClientConnect: %s", h.LogPrefix, addr.String())
	return true
}

func (h *Handler) OnClientValidate(id message.UserId) {
	log.Printf("%s: OnClientValidate: [%d]", h.LogPrefix, id)

	msg := message.New(ServerAccept)
	h.Server.MessageClient(id, msg)
}

func (h *Handler) OnClientDisconnect(id message.UserId) {
	log.Printf("%s: OnClientDisconnect: [%d]", h.LogPrefix, id)

	msg := message.New(ClientDisconnect)
	message.Push(&msg, int32(id))
	h.Server.MessageAllClients(msg, message.InvalidUserId)
}

func (h *Handler) OnMessage(id message.UserId, msg message.Message[GameMsg]) {
	switch msg.Header.Kind {
	case ServerPing:
		// bounce the timestamp straight back
		log.Printf("%s: [%d] ping", h.LogPrefix, id)
		h.Server.MessageClient(id, msg)

	case MessageAll:
		out := message.New(ServerMessage)
		message.Push(&out, int32(id))
		h.Server.MessageAllClients(out, id)

	case Chat:
		var payload ChatPayload
		err := message.Decode(&msg, &payload)
		if err != nil {
			log.Printf("%s: [%d] bad chat payload, err=%s", h.LogPrefix, id, err.Error())
			return
		}
		log.Printf("%s: [%d] chat <%s> %s", h.LogPrefix, id, payload.Name, payload.Text)
		h.Server.MessageAllClients(msg, id)
	}
}

func waitForSignal(prefix string) {
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigch // wait
	log.Printf("%s: received signal %s, exiting", prefix, sig.String())
}

func tcpServer() {
	h := &Handler{LogPrefix: "tcp-server"}

	server, err := tp.NewServer(
		&tp.ServerOptions[GameMsg]{
			Options: &tcp.Options{
				Address:   "localhost:60000",
				LogPrefix: "tcp-server",
				LogDebug:  false,
			},
			Config: &config.Config{
				LogPrefix: "tcp-server",
			},
			Handler: h,
		},
	)
	if err != nil {
		panic(err)
	}
	h.Server = server

	if !server.Start() {
		return
	}
	defer server.Stop()

	go func() {
		for {
			server.Update(0, true)
		}
	}()

	waitForSignal("tcp-server")
}

func tcpClient() {
	client, err := tp.NewClient(
		&tp.ClientOptions[GameMsg]{
			Options: &tcp.Options{
				LogPrefix: "tcp-client",
				LogDebug:  false,
			},
			Config: &config.Config{
				LogPrefix: "tcp-client",
			},
		},
	)
	if err != nil {
		panic(err)
	}

	if !client.Connect("localhost", 60000) {
		return
	}
	defer client.Disconnect()

	go clientLoop(client, "tcp-client")

	waitForSignal("tcp-client")
}

func udpServer() {
	h := &Handler{LogPrefix: "udp-server"}

	server, err := up.NewServer(
		&up.ServerOptions[GameMsg]{
			Port: 60000,
			Config: &config.Config{
				LogPrefix: "udp-server",
			},
			Handler:   h,
			LogPrefix: "udp-server",
		},
	)
	if err != nil {
		panic(err)
	}
	h.Server = server

	if !server.Start() {
		return
	}
	defer server.Stop()

	go func() {
		for {
			server.Update(0, true)
		}
	}()

	waitForSignal("udp-server")
}

func udpClient() {
	client, err := up.NewClient(
		&up.ClientOptions[GameMsg]{
			Config: &config.Config{
				LogPrefix: "udp-client",
			},
			LogPrefix: "udp-client",
		},
	)
	if err != nil {
		panic(err)
	}

	if !client.Connect("localhost", 60000) {
		return
	}
	defer client.Disconnect()

	go clientLoop(client, "udp-client")

	waitForSignal("udp-client")
}

type pinger interface {
	Send(msg message.Message[GameMsg])
	Incoming() *deque.Deque[message.Tagged[GameMsg]]
}

func clientLoop(client pinger, prefix string) {
	// periodic ping carrying the send time, plus a chat line now and then
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	count := 0
	for range ticker.C {
		msg := message.New(ServerPing)
		message.Push(&msg, time.Now().UnixMilli())
		client.Send(msg)

		count++
		if count%5 == 0 {
			chat, err := message.Encode(Chat, ChatPayload{
				Name: prefix,
				Text: "hello from the example",
			})
			if err != nil {
				log.Printf("%s: failed to encode chat, err=%s", prefix, err.Error())
			} else {
				client.Send(chat)
			}
		}

		qIn := client.Incoming()
		for !qIn.Empty() {
			tagged, found := qIn.PopFront()
			if !found {
				break
			}
			switch tagged.Msg.Header.Kind {
			case ServerAccept:
				log.Printf("%s: server accepted us", prefix)
			case ServerPing:
				var sent int64
				message.Pop(&tagged.Msg, &sent)
				log.Printf("%s: ping %dms", prefix, time.Now().UnixMilli()-sent)
			case ServerMessage:
				var from int32
				message.Pop(&tagged.Msg, &from)
				log.Printf("%s: broadcast from [%d]", prefix, from)
			case ClientDisconnect:
				var id int32
				message.Pop(&tagged.Msg, &id)
				log.Printf("%s: [%d] left", prefix, id)
			case Chat:
				var payload ChatPayload
				if err := message.Decode(&tagged.Msg, &payload); err == nil {
					log.Printf("%s: chat <%s> %s", prefix, payload.Name, payload.Text)
				}
			}
		}
	}
}

func main() {
	// enable microsecond and file line logging
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	if len(os.Args) <= 1 {
		log.Printf("must specify instance tcp-server/tcp-client/udp-server/udp-client")
		return
	}

	switch os.Args[1] {
	case "tcp-server":
		tcpServer()
	case "tcp-client":
		tcpClient()
	case "udp-server":
		udpServer()
	case "udp-client":
		udpClient()
	default:
		log.Printf("must specify instance tcp-server/tcp-client/udp-server/udp-client")
	}
}
