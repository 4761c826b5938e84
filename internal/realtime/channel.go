// Package realtime is the chat push channel: STOMP frames over a WebSocket.
//
// The channel is best effort. Publishing while disconnected drops the frame,
// there is no outbox, and a lost connection is retried after a fixed delay
// until Disconnect is called. Subscriptions survive reconnects.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/metrics"
	"github.com/BFishyUt3c/Repo-mobile-2-sub000/pkg/logger"
)

const (
	defaultReconnectDelay   = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	disconnectTimeout       = 2 * time.Second
	contentTypeJSON         = "application/json"
)

// TokenSource yields the bearer credential presented on connect.
type TokenSource interface {
	Token(ctx context.Context) string
}

// Config configures a Channel.
type Config struct {
	// URL is the WebSocket endpoint, ws:// or wss://.
	URL              string
	Tokens           TokenSource
	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration
	// HeartBeat is offered for both directions. Zero disables heart-beating.
	HeartBeat time.Duration
	Dialer    *websocket.Dialer
	Logger    *logger.Logger
}

// Message is an inbound MESSAGE frame.
type Message struct {
	Destination string
	ContentType string
	Header      map[string]string
	Body        []byte
}

// Decode unmarshals the JSON body into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("decode %s message: %w", m.Destination, err)
	}
	return nil
}

// Handler receives messages for one subscription. Handlers of one
// subscription run sequentially.
type Handler func(Message)

type subscription struct {
	destination string
	handler     Handler
	cancelled   chan struct{}
	live        *stomp.Subscription
}

// Channel is a reconnecting STOMP client. The zero value is not usable; use
// New.
type Channel struct {
	cfg  Config
	host string
	log  *logger.Logger

	mu        sync.Mutex
	active    bool
	connected bool
	conn      *stomp.Conn
	connDone  <-chan struct{}
	stop      chan struct{}
	exited    chan struct{}
	subs      map[string]*subscription
	listeners []func(bool)

	supervisor sync.WaitGroup
	dispatch   sync.WaitGroup
}

// New validates cfg and returns a disconnected Channel.
func New(cfg Config) (*Channel, error) {
	parsed, err := url.Parse(cfg.URL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("realtime: URL must be a valid URL")
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, fmt.Errorf("realtime: URL scheme must be ws or wss")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("realtime")
	}

	return &Channel{
		cfg:  cfg,
		host: parsed.Hostname(),
		log:  log,
		subs: make(map[string]*subscription),
	}, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Connect starts connecting in the background and returns immediately.
// Failures surface only as log entries and, once connected, state changes.
// Calling Connect on an active channel does nothing.
func (c *Channel) Connect() {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return
	}
	c.active = true
	stop := make(chan struct{})
	c.stop = stop
	prev := c.exited
	exited := make(chan struct{})
	c.exited = exited
	c.supervisor.Add(1)
	c.mu.Unlock()

	go c.supervise(stop, prev, exited)
}

// Disconnect stops the channel like Stop and then waits for the background
// goroutines to exit. Subscriptions are kept and resume on the next Connect.
// It must not be called from a Handler or a state listener; use Stop there.
func (c *Channel) Disconnect() {
	c.Stop()
	c.supervisor.Wait()
	c.dispatch.Wait()
}

// Stop closes the connection and cancels any pending reconnect without
// waiting for the background goroutines. Publish drops frames as soon as it
// returns. Calling it on an inactive channel does nothing.
func (c *Channel) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return
	}
	c.active = false
	close(c.stop)
	c.conn = nil
	c.connDone = nil
	c.connected = false
}

// IsConnected reports whether a STOMP session is currently established.
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// OnStateChange registers fn to run on every connect and disconnect.
func (c *Channel) OnStateChange(fn func(connected bool)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// =============================================================================
// Messaging
// =============================================================================

// Publish sends payload as JSON to destination. It returns false, without
// error and without queuing, when the channel is not connected or the frame
// could not be written.
func (c *Channel) Publish(destination string, payload any) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	entry := c.log.WithField("destination", destination)
	if conn == nil {
		metrics.RecordFrame("out", "dropped")
		entry.Debug("publish dropped: not connected")
		return false
	}

	body, err := json.Marshal(payload)
	if err != nil {
		metrics.RecordFrame("out", "dropped")
		entry.WithError(err).Warn("publish dropped: encode payload")
		return false
	}

	if err := conn.Send(destination, contentTypeJSON, body); err != nil {
		metrics.RecordFrame("out", "dropped")
		entry.WithError(err).Warn("publish dropped: send failed")
		return false
	}
	metrics.RecordFrame("out", "sent")
	return true
}

// Subscribe registers handler for destination. It takes effect immediately
// when connected and on every (re)connect. The returned func unsubscribes.
func (c *Channel) Subscribe(destination string, handler Handler) (cancel func()) {
	key := uuid.NewString()
	sub := &subscription{
		destination: destination,
		handler:     handler,
		cancelled:   make(chan struct{}),
	}

	c.mu.Lock()
	c.subs[key] = sub
	if c.conn != nil {
		c.attach(c.conn, sub, c.connDone)
	}
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, key)
			live := sub.live
			sub.live = nil
			close(sub.cancelled)
			c.mu.Unlock()

			if live != nil {
				// Unsubscribe waits for the broker's receipt.
				go func() {
					if err := live.Unsubscribe(); err != nil {
						c.log.WithError(err).WithField("destination", destination).Debug("unsubscribe failed")
					}
				}()
			}
		})
	}
}

// =============================================================================
// Internal
// =============================================================================

// supervise owns the connection until stop is closed. It starts only after
// the previous supervisor, if any, has exited.
func (c *Channel) supervise(stop, prev, exited chan struct{}) {
	defer c.supervisor.Done()
	defer close(exited)

	if prev != nil {
		select {
		case <-prev:
		case <-stop:
			return
		}
	}

	for {
		err := c.run(stop)

		select {
		case <-stop:
			return
		default:
		}

		entry := c.log.WithField("retry_in", c.cfg.ReconnectDelay.String())
		if err != nil {
			entry.WithError(err).Warn("realtime connection failed")
		} else {
			entry.Info("realtime connection lost")
		}

		timer := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// run establishes one STOMP session and blocks until it ends.
func (c *Channel) run(stop chan struct{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	var token string
	if c.cfg.Tokens != nil {
		token = c.cfg.Tokens.Token(ctx)
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	ws, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	ws.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	transport := newWSConn(ws)

	// stomp.Connect blocks on CONNECTED; closing the socket releases it.
	handshook := make(chan struct{})
	go func() {
		select {
		case <-stop:
			transport.Close()
		case <-handshook:
		}
	}()

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.Host(c.host),
		stomp.ConnOpt.HeartBeat(c.cfg.HeartBeat, c.cfg.HeartBeat),
	}
	if token != "" {
		opts = append(opts, stomp.ConnOpt.Header("Authorization", "Bearer "+token))
	}

	conn, err := stomp.Connect(transport, opts...)
	close(handshook)
	if err != nil {
		transport.Close()
		return fmt.Errorf("stomp handshake: %w", err)
	}
	ws.SetReadDeadline(time.Time{})

	c.mu.Lock()
	select {
	case <-stop:
		c.mu.Unlock()
		c.shutdown(conn, transport)
		return nil
	default:
	}
	c.conn = conn
	c.connDone = transport.Done()
	c.connected = true
	for _, sub := range c.subs {
		c.attach(conn, sub, transport.Done())
	}
	c.mu.Unlock()

	metrics.SetRealtimeConnected(true)
	c.log.WithField("server", conn.Server()).Info("realtime connected")
	c.notify(true)

	select {
	case <-transport.Done():
	case <-stop:
	}

	c.mu.Lock()
	c.conn = nil
	c.connDone = nil
	c.connected = false
	for _, sub := range c.subs {
		sub.live = nil
	}
	c.mu.Unlock()

	select {
	case <-stop:
		c.shutdown(conn, transport)
	default:
		transport.Close()
	}

	metrics.SetRealtimeConnected(false)
	c.notify(false)
	return nil
}

// attach subscribes sub on conn and starts its dispatch loop, which ends with
// the connection. Called with c.mu held.
func (c *Channel) attach(conn *stomp.Conn, sub *subscription, connDone <-chan struct{}) {
	live, err := conn.Subscribe(sub.destination, stomp.AckAuto)
	if err != nil {
		c.log.WithError(err).WithField("destination", sub.destination).Warn("subscribe failed")
		return
	}
	sub.live = live

	c.dispatch.Add(1)
	go c.deliver(sub, live, connDone)
}

func (c *Channel) deliver(sub *subscription, live *stomp.Subscription, connDone <-chan struct{}) {
	defer c.dispatch.Done()

	for {
		select {
		case <-sub.cancelled:
			return
		case <-connDone:
			return
		case msg, ok := <-live.C:
			if !ok {
				return
			}
			if msg.Err != nil {
				metrics.RecordFrame("in", "invalid")
				c.log.WithError(msg.Err).WithField("destination", sub.destination).Debug("subscription error")
				continue
			}
			metrics.RecordFrame("in", "delivered")
			sub.handler(Message{
				Destination: msg.Destination,
				ContentType: msg.ContentType,
				Header:      headerMap(msg.Header),
				Body:        msg.Body,
			})
		}
	}
}

// shutdown sends DISCONNECT and waits briefly for the receipt before closing
// the socket.
func (c *Channel) shutdown(conn *stomp.Conn, transport *wsConn) {
	done := make(chan error, 1)
	go func() { done <- conn.Disconnect() }()

	select {
	case err := <-done:
		if err != nil {
			c.log.WithError(err).Debug("stomp disconnect")
		}
	case <-time.After(disconnectTimeout):
		c.log.Debug("stomp disconnect receipt timed out")
	}
	transport.Close()
	c.log.Info("realtime disconnected")
}

func (c *Channel) notify(connected bool) {
	c.mu.Lock()
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(connected)
	}
}

func headerMap(h *frame.Header) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, h.Len())
	for i := 0; i < h.Len(); i++ {
		k, v := h.GetAt(i)
		if _, seen := out[k]; !seen {
			out[k] = v
		}
	}
	return out
}
