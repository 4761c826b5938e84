package realtime

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a websocket connection to the io.ReadWriteCloser the STOMP
// client speaks. Inbound messages are concatenated into one byte stream;
// outbound bytes are buffered until a whole frame (NUL-terminated) or a
// heart-beat EOL is pending, then sent as one text message.
type wsConn struct {
	ws *websocket.Conn

	rmu    sync.Mutex
	reader io.Reader

	wmu     sync.Mutex
	pending []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws, done: make(chan struct{})}
}

func (c *wsConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for {
		if c.reader == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				c.Close()
				return 0, err
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			c.Close()
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.pending = append(c.pending, p...)
	if !frameComplete(c.pending) {
		return len(p), nil
	}

	err := c.ws.WriteMessage(websocket.TextMessage, c.pending)
	c.pending = c.pending[:0]
	if err != nil {
		c.Close()
		return 0, err
	}
	return len(p), nil
}

// Close sends a normal-closure control frame and closes the socket. It is
// safe to call more than once.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.ws.Close()
		close(c.done)
	})
	return err
}

// Done is closed once the connection is unusable.
func (c *wsConn) Done() <-chan struct{} {
	return c.done
}

func frameComplete(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	trimmed := bytes.TrimRight(b, "\r\n")
	return len(trimmed) == 0 || trimmed[len(trimmed)-1] == 0
}
