package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 128
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSlowConsumer     = errors.New("connection buffer exceeded")
)

// Connection wraps a websocket bound to one verified identity. Writes go
// through a buffered channel drained by a single goroutine.
type Connection struct {
	ID   string
	info ConnInfo

	ws   *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

// NewConnection constructs a Connection for info.Username.
func NewConnection(ws *websocket.Conn, info ConnInfo) *Connection {
	if info.ConnID == "" {
		info.ConnID = uuid.NewString()
	}
	return &Connection{
		ID:   info.ConnID,
		info: info,
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// Username is the identity verified at handshake.
func (c *Connection) Username() string {
	return c.info.Username
}

// Info returns the connection metadata.
func (c *Connection) Info() ConnInfo {
	return c.info
}

// Start launches the write loop. It must be called exactly once.
func (c *Connection) Start() {
	go c.writeLoop()
}

// Send enqueues payload without blocking. A full buffer closes the connection.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
		// callers may hold the hub lock, the close handshake runs on its own goroutine
		c.shutdown(websocket.CloseGoingAway, "send buffer full", true)
		return ErrSlowConsumer
	}
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close terminates the connection and stops the write loop.
func (c *Connection) Close(code int, reason string) {
	c.shutdown(code, reason, false)
}

// shutdown marks the connection closed before it returns. The close frame and
// socket teardown run inline or, with async, in the background.
func (c *Connection) shutdown(code int, reason string, async bool) {
	c.once.Do(func() {
		close(c.done)
		teardown := func() {
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
			_ = c.ws.Close()
		}
		if async {
			go teardown()
			return
		}
		teardown()
	})
}

// ReadMessage blocks for the next client frame.
func (c *Connection) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// prepareRead bounds frame size and keeps the read deadline moving with pongs.
func (c *Connection) prepareRead() {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseAbnormalClosure, err.Error())
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, err.Error())
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
