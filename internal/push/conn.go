package push

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// sendQueueLen bounds the per-connection outbound queue. A client that
// cannot drain it in time is considered dead.
const sendQueueLen = 64

const writeTimeout = 10 * time.Second

// Conn is one client connection. All state mutations happen either in the
// connection's read loop or under mu, so handlers see consistent state.
type Conn struct {
	ws       *websocket.Conn
	remoteIP string

	mu            sync.Mutex
	userID        string
	authenticated bool
	alive         bool
	topics        map[string]struct{}

	send     chan []byte
	closeOnce sync.Once
	closed   chan struct{}
}

func newConn(ws *websocket.Conn, remoteIP string) *Conn {
	return &Conn{
		ws:       ws,
		remoteIP: remoteIP,
		alive:    true,
		topics:   make(map[string]struct{}),
		send:     make(chan []byte, sendQueueLen),
		closed:   make(chan struct{}),
	}
}

// writeLoop serializes all websocket writes for this connection.
func (c *Conn) writeLoop() {
	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.terminate()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// enqueue queues a frame for delivery. Returns false when the connection
// is closed or its queue is full (slow client).
func (c *Conn) enqueue(msg []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.terminate()
		return false
	}
}

// sendDirect writes a frame synchronously through the queue and reports
// delivery. Used for replay, where delivery must be known before the
// buffer can be cleared. Queue acceptance on an open socket counts as
// delivered.
func (c *Conn) sendDirect(msg []byte) bool {
	return c.enqueue(msg)
}

// closeWith sends a close frame with the given code and reason, then
// terminates.
func (c *Conn) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	c.terminate()
}

// terminate force-closes the underlying socket. Safe to call repeatedly.
func (c *Conn) terminate() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

func (c *Conn) markAlive() {
	c.mu.Lock()
	c.alive = true
	c.mu.Unlock()
}

// sweepAlive returns the previous alive flag and resets it to false.
// The ping loop terminates connections whose flag never came back.
func (c *Conn) sweepAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.alive
	c.alive = false
	return was
}

func (c *Conn) authenticate(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.authenticated = true
	c.mu.Unlock()
}

func (c *Conn) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Conn) subscribe(topic string) {
	c.mu.Lock()
	c.topics[topic] = struct{}{}
	c.mu.Unlock()
}

func (c *Conn) unsubscribe(topic string) {
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()
}

func (c *Conn) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

func (c *Conn) isOpen() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}
