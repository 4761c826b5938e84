package testutil

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
)

// Frame is a client frame observed by the Broker.
type Frame struct {
	Command string
	Header  map[string]string
	Body    []byte
}

// Broker is a minimal STOMP 1.2 broker served over WebSocket at /ws. It
// understands CONNECT, SUBSCRIBE, UNSUBSCRIBE, SEND and DISCONNECT, answers
// every receipt request and never sends heart-beats.
type Broker struct {
	Server *httptest.Server

	// Authorize, when set, decides whether a CONNECT bearer token is accepted.
	Authorize func(token string) bool
	// Route, when set, turns a SEND into a broadcast on the returned topic.
	Route func(f Frame) (topic string, body []byte, ok bool)

	upgrader websocket.Upgrader
	msgID    atomic.Int64

	mu         sync.Mutex
	conns      map[*brokerConn]struct{}
	handshakes []http.Header
	connects   []Frame
	sent       chan Frame
}

type brokerConn struct {
	ws   *websocket.Conn
	wmu  sync.Mutex
	subs map[string]string // subscription id -> destination
}

// NewBroker starts a Broker that is closed when the test ends.
func NewBroker(t testing.TB) *Broker {
	t.Helper()

	b := &Broker{
		conns: make(map[*brokerConn]struct{}),
		sent:  make(chan Frame, 64),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.serveWS)
	b.Server = httptest.NewServer(mux)
	t.Cleanup(func() {
		b.DropAll()
		b.Server.Close()
	})
	return b
}

// URL returns the ws:// endpoint.
func (b *Broker) URL() string {
	return "ws" + strings.TrimPrefix(b.Server.URL, "http") + "/ws"
}

// Sent yields every SEND frame received, in order.
func (b *Broker) Sent() <-chan Frame {
	return b.sent
}

// Handshakes returns the HTTP headers of every WebSocket upgrade.
func (b *Broker) Handshakes() []http.Header {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]http.Header(nil), b.handshakes...)
}

// Connects returns every CONNECT frame received.
func (b *Broker) Connects() []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Frame(nil), b.connects...)
}

// Connections returns the number of open client sockets.
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Subscribers counts live subscriptions to destination.
func (b *Broker) Subscribers(destination string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for c := range b.conns {
		for _, dest := range c.subs {
			if dest == destination {
				n++
			}
		}
	}
	return n
}

// Publish delivers body to every subscriber of destination and returns how
// many received it.
func (b *Broker) Publish(destination string, body []byte) int {
	type target struct {
		conn *brokerConn
		id   string
	}

	b.mu.Lock()
	var targets []target
	for c := range b.conns {
		for id, dest := range c.subs {
			if dest == destination {
				targets = append(targets, target{c, id})
			}
		}
	}
	b.mu.Unlock()

	delivered := 0
	for _, tg := range targets {
		f := frame.New("MESSAGE",
			"destination", destination,
			"subscription", tg.id,
			"message-id", strconv.FormatInt(b.msgID.Add(1), 10),
			"content-type", "application/json",
		)
		f.Body = body
		if tg.conn.write(f) == nil {
			delivered++
		}
	}
	return delivered
}

// DropAll closes every client socket without a STOMP goodbye, as a network
// failure would.
func (b *Broker) DropAll() {
	b.mu.Lock()
	conns := make([]*brokerConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.conns = make(map[*brokerConn]struct{})
	b.mu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
}

// =============================================================================
// Connection handling
// =============================================================================

func (b *Broker) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &brokerConn{ws: ws, subs: make(map[string]string)}

	b.mu.Lock()
	b.handshakes = append(b.handshakes, r.Header.Clone())
	b.conns[c] = struct{}{}
	b.mu.Unlock()

	defer b.remove(c)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		reader := frame.NewReader(bytes.NewReader(data))
		for {
			f, err := reader.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				return
			}
			if f == nil {
				continue // heart-beat
			}
			if !b.handle(c, f) {
				return
			}
		}
	}
}

// handle processes one frame and reports whether the connection stays open.
func (b *Broker) handle(c *brokerConn, f *frame.Frame) bool {
	observed := Frame{Command: f.Command, Header: headers(f.Header), Body: append([]byte(nil), f.Body...)}

	switch f.Command {
	case "CONNECT", "STOMP":
		b.mu.Lock()
		b.connects = append(b.connects, observed)
		b.mu.Unlock()

		token := strings.TrimPrefix(f.Header.Get("Authorization"), "Bearer ")
		if b.Authorize != nil && !b.Authorize(token) {
			c.write(frame.New("ERROR", "message", "unauthorized"))
			return false
		}
		if c.write(frame.New("CONNECTED", "version", "1.2", "heart-beat", "0,0", "server", "testutil-broker")) != nil {
			return false
		}

	case "SUBSCRIBE":
		b.mu.Lock()
		c.subs[f.Header.Get("id")] = f.Header.Get("destination")
		b.mu.Unlock()

	case "UNSUBSCRIBE":
		b.mu.Lock()
		delete(c.subs, f.Header.Get("id"))
		b.mu.Unlock()

	case "SEND":
		select {
		case b.sent <- observed:
		default:
		}
		if b.Route != nil {
			if topic, body, ok := b.Route(observed); ok {
				b.Publish(topic, body)
			}
		}

	case "DISCONNECT":
		b.receipt(c, f)
		return false
	}

	b.receipt(c, f)
	return true
}

func (b *Broker) receipt(c *brokerConn, f *frame.Frame) {
	if id := f.Header.Get("receipt"); id != "" {
		c.write(frame.New("RECEIPT", "receipt-id", id))
	}
}

func (b *Broker) remove(c *brokerConn) {
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
	c.ws.Close()
}

func (c *brokerConn) write(f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, buf.Bytes())
}

func headers(h *frame.Header) map[string]string {
	out := make(map[string]string, h.Len())
	for i := 0; i < h.Len(); i++ {
		k, v := h.GetAt(i)
		if _, seen := out[k]; !seen {
			out[k] = v
		}
	}
	return out
}
