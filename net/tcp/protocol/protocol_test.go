package protocol

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"

	"github.com/Meander-Cloud/go-transport/tcp"

	"github.com/Meander-Cloud/go-netmsg/config"
	"github.com/Meander-Cloud/go-netmsg/message"
)

type testKind uint32

const (
	kindPing testKind = iota
	kindMessageAll
	kindServerMessage
	kindClientDisconnect
)

type recordingHandler struct {
	server *Server[testKind]
	reject atomic.Bool

	connectCh    chan string
	validateCh   chan message.UserId
	disconnectCh chan message.UserId
	messageCh    chan message.Tagged[testKind]

	// optional per-message behavior, runs on the Update goroutine
	onMessageHook func(id message.UserId, msg message.Message[testKind])
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		connectCh:    make(chan string, 64),
		validateCh:   make(chan message.UserId, 64),
		disconnectCh: make(chan message.UserId, 64),
		messageCh:    make(chan message.Tagged[testKind], 1024),
	}
}

func (h *recordingHandler) OnClientConnect(addr net.Addr) bool {
	h.connectCh <- addr.String()
	return !h.reject.Load()
}

func (h *recordingHandler) OnClientValidate(id message.UserId) {
	h.validateCh <- id
}

func (h *recordingHandler) OnClientDisconnect(id message.UserId) {
	h.disconnectCh <- id
}

func (h *recordingHandler) OnMessage(id message.UserId, msg message.Message[testKind]) {
	h.messageCh <- message.Tagged[testKind]{Remote: id, Msg: msg}
	if h.onMessageHook != nil {
		h.onMessageHook(id, msg)
	}
}

func startTestServer(t *testing.T, address string, h *recordingHandler) *Server[testKind] {
	t.Helper()

	server, err := NewServer(
		&ServerOptions[testKind]{
			Options: &tcp.Options{
				Address:   address,
				LogPrefix: "test-server",
				LogDebug:  false,
			},
			Config: &config.Config{
				LogPrefix: "test-server",
			},
			Handler: h,
		},
	)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	h.server = server

	if !server.Start() {
		t.Fatalf("server failed to start on %s", address)
	}
	return server
}

// drives Update without wait so the goroutine can be abandoned at test end
func runUpdater(server *Server[testKind], stop chan struct{}) {
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			server.Update(0, false)
			time.Sleep(time.Millisecond * 5)
		}
	}()
}

func newTestClient(t *testing.T) *Client[testKind] {
	t.Helper()

	client, err := NewClient(
		&ClientOptions[testKind]{
			Options: &tcp.Options{
				LogPrefix: "test-client",
				LogDebug:  false,
			},
			Config: &config.Config{
				LogPrefix: "test-client",
			},
		},
	)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func waitValidate(t *testing.T, h *recordingHandler) message.UserId {
	t.Helper()

	select {
	case id := <-h.validateCh:
		return id
	case <-time.After(time.Second * 5):
		t.Fatal("timed out waiting for validation")
		return message.InvalidUserId
	}
}

func waitConnected(t *testing.T, client *Client[testKind]) {
	t.Helper()

	deadline := time.Now().Add(time.Second * 5)
	for time.Now().Before(deadline) {
		if client.IsConnected() {
			return
		}
		time.Sleep(time.Millisecond * 10)
	}
	t.Fatal("client never connected")
}

func popIncoming(t *testing.T, client *Client[testKind]) message.Tagged[testKind] {
	t.Helper()

	deadline := time.Now().Add(time.Second * 5)
	for time.Now().Before(deadline) {
		tagged, found := client.Incoming().PopFront()
		if found {
			return tagged
		}
		time.Sleep(time.Millisecond * 10)
	}
	t.Fatal("timed out waiting for incoming message")
	return message.Tagged[testKind]{}
}

func TestPingRoundTrip(t *testing.T) {
	cv.Convey("a pushed int32 survives client to server and back, tagged correctly", t, func() {
		h := newRecordingHandler()
		h.onMessageHook = func(id message.UserId, msg message.Message[testKind]) {
			// bounce it straight back
			h.server.MessageClient(id, msg)
		}

		server := startTestServer(t, "localhost:8971", h)
		defer server.Stop()

		stop := make(chan struct{})
		defer close(stop)
		runUpdater(server, stop)

		client := newTestClient(t)
		cv.So(client.Connect("localhost", 8971), cv.ShouldBeTrue)
		defer client.Disconnect()

		uid := waitValidate(t, h)
		cv.So(uid, cv.ShouldEqual, message.BaseUserId)
		waitConnected(t, client)

		msg := message.New(kindPing)
		message.Push(&msg, int32(42))
		client.Send(msg)

		tagged := popIncoming(t, client)
		cv.So(tagged.Remote, cv.ShouldEqual, message.ServerUserId)
		cv.So(tagged.Msg.Header.Kind, cv.ShouldEqual, kindPing)

		var v int32
		message.Pop(&tagged.Msg, &v)
		cv.So(v, cv.ShouldEqual, int32(42))
	})
}

func TestSendOrdering(t *testing.T) {
	cv.Convey("messages arrive at the server in the order Send posted them", t, func() {
		h := newRecordingHandler()

		server := startTestServer(t, "localhost:8972", h)
		defer server.Stop()

		stop := make(chan struct{})
		defer close(stop)
		runUpdater(server, stop)

		client := newTestClient(t)
		cv.So(client.Connect("localhost", 8972), cv.ShouldBeTrue)
		defer client.Disconnect()

		waitValidate(t, h)
		waitConnected(t, client)

		const n = 100
		for i := 0; i < n; i++ {
			msg := message.New(kindPing)
			message.Push(&msg, int32(i))
			client.Send(msg)
		}

		for i := 0; i < n; i++ {
			select {
			case tagged := <-h.messageCh:
				var v int32
				message.Pop(&tagged.Msg, &v)
				cv.So(v, cv.ShouldEqual, int32(i))
			case <-time.After(time.Second * 5):
				t.Fatalf("timed out waiting for message %d", i)
			}
		}
	})
}

func TestBroadcastExclusion(t *testing.T) {
	cv.Convey("message_all_clients reaches every connected id except the ignored one", t, func() {
		h := newRecordingHandler()
		h.onMessageHook = func(id message.UserId, msg message.Message[testKind]) {
			if msg.Header.Kind == kindMessageAll {
				h.server.MessageAllClients(message.New(kindMessageAll), id)
			}
		}

		server := startTestServer(t, "localhost:8973", h)
		defer server.Stop()

		stop := make(chan struct{})
		defer close(stop)
		runUpdater(server, stop)

		// connect sequentially so ids land in a known order
		clients := make([]*Client[testKind], 3)
		ids := make([]message.UserId, 3)
		for i := range clients {
			clients[i] = newTestClient(t)
			cv.So(clients[i].Connect("localhost", 8973), cv.ShouldBeTrue)
			defer clients[i].Disconnect()
			ids[i] = waitValidate(t, h)
			waitConnected(t, clients[i])
		}
		cv.So(ids[0], cv.ShouldEqual, message.BaseUserId)
		cv.So(ids[1], cv.ShouldEqual, message.BaseUserId+1)
		cv.So(ids[2], cv.ShouldEqual, message.BaseUserId+2)

		clients[0].Send(message.New(kindMessageAll))

		for _, i := range []int{1, 2} {
			tagged := popIncoming(t, clients[i])
			cv.So(tagged.Msg.Header.Kind, cv.ShouldEqual, kindMessageAll)
		}

		// the sender observes nothing
		time.Sleep(time.Millisecond * 300)
		cv.So(clients[0].Incoming().Empty(), cv.ShouldBeTrue)
	})
}

func TestDisconnectNotification(t *testing.T) {
	cv.Convey("a dead peer is detected on the next directed send, removed, and reported", t, func() {
		h := newRecordingHandler()

		server := startTestServer(t, "localhost:8974", h)
		defer server.Stop()

		stop := make(chan struct{})
		defer close(stop)
		runUpdater(server, stop)

		c1 := newTestClient(t)
		cv.So(c1.Connect("localhost", 8974), cv.ShouldBeTrue)
		defer c1.Disconnect()
		id1 := waitValidate(t, h)
		waitConnected(t, c1)

		c2 := newTestClient(t)
		cv.So(c2.Connect("localhost", 8974), cv.ShouldBeTrue)
		id2 := waitValidate(t, h)
		waitConnected(t, c2)

		c2.Disconnect()

		// detection is lazy: keep poking until the registry notices
		var gone message.UserId = message.InvalidUserId
		deadline := time.Now().Add(time.Second * 5)
	poke:
		for time.Now().Before(deadline) {
			server.MessageClient(id2, message.New(kindPing))
			select {
			case gone = <-h.disconnectCh:
				break poke
			case <-time.After(time.Millisecond * 100):
			}
		}
		cv.So(gone, cv.ShouldEqual, id2)

		// survivors hear about it
		out := message.New(kindClientDisconnect)
		message.Push(&out, int32(id2))
		server.MessageAllClients(out, message.InvalidUserId)

		tagged := popIncoming(t, c1)
		cv.So(tagged.Msg.Header.Kind, cv.ShouldEqual, kindClientDisconnect)
		var v int32
		message.Pop(&tagged.Msg, &v)
		cv.So(v, cv.ShouldEqual, int32(id2))
		_ = id1
	})
}

func TestAdmissionReject(t *testing.T) {
	cv.Convey("a rejected peer is closed before any handshake and never validated", t, func() {
		h := newRecordingHandler()
		h.reject.Store(true)

		server := startTestServer(t, "localhost:8975", h)
		defer server.Stop()

		client := newTestClient(t)
		cv.So(client.Connect("localhost", 8975), cv.ShouldBeTrue)
		defer client.Disconnect()

		select {
		case <-h.connectCh:
		case <-time.After(time.Second * 5):
			t.Fatal("admission callback never fired")
		}

		select {
		case id := <-h.validateCh:
			t.Fatalf("rejected peer validated as %d", id)
		case <-time.After(time.Millisecond * 300):
		}
	})
}
