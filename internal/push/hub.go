// Package push implements the authenticated websocket push channel:
// per-user fan-out, topic subscriptions, liveness pings, and a durable
// KV-backed buffer that carries events across disconnects.
package push

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dyadlabs/dyad-server/internal/metrics"
)

// Close codes.
const (
	closeCodeAuthTimeout    = 4001
	closeCodeAuthFailed     = 4003
	closeCodeServerShutdown = 1001

	reasonAuthTimeout    = "auth-timeout"
	reasonServerShutdown = "server-shutdown"
)

// inactiveGrace pads the read deadline past the idle timeout so a pong
// arriving exactly at the ping interval is not raced by the deadline.
const inactiveGrace = 5 * time.Second

// shutdownWait bounds how long Shutdown waits for clients to close.
const shutdownWait = 2 * time.Second

// TokenVerifier authenticates the first frame's session token.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Options is the push-channel policy.
type Options struct {
	PingInterval    time.Duration
	AuthTimeout     time.Duration
	InactiveTimeout time.Duration
}

// Hub owns all push connections and the per-user routing table.
type Hub struct {
	verifier TokenVerifier
	buffer   *Buffer
	opts     Options
	log      zerolog.Logger

	mu       sync.Mutex
	users    map[string]*userEntry
	conns    map[*Conn]struct{}
	draining bool

	stop chan struct{}
	done chan struct{}
}

// userEntry serializes registration and fan-out for one user. The lock
// covers only set iteration and enqueue, never a network write.
type userEntry struct {
	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// NewHub creates a hub.
func NewHub(verifier TokenVerifier, buffer *Buffer, opts Options, log zerolog.Logger) *Hub {
	if opts.InactiveTimeout == 0 {
		opts.InactiveTimeout = 30 * time.Second
	}
	return &Hub{
		verifier: verifier,
		buffer:   buffer,
		opts:     opts,
		log:      log,
		users:    make(map[string]*userEntry),
		conns:    make(map[*Conn]struct{}),
	}
}

// Start launches the liveness ping loop.
func (h *Hub) Start() {
	h.stop = make(chan struct{})
	h.done = make(chan struct{})
	go h.pingLoop()
	h.log.Info().Dur("ping_interval", h.opts.PingInterval).Msg("push hub started")
}

// HandleConn runs one websocket connection to completion. The caller's
// goroutine becomes the connection's read loop, so all inbound handling
// is naturally serialized.
func (h *Hub) HandleConn(ctx context.Context, ws *websocket.Conn, remoteIP string) {
	h.mu.Lock()
	if h.draining {
		h.mu.Unlock()
		ws.Close()
		return
	}
	c := newConn(ws, remoteIP)
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	metrics.PushConnectionsOpen.Inc()
	defer metrics.PushConnectionsOpen.Dec()
	defer h.unregister(c)

	ws.SetPongHandler(func(string) error {
		c.markAlive()
		return ws.SetReadDeadline(time.Now().Add(h.opts.InactiveTimeout + inactiveGrace))
	})

	if !h.handshake(ctx, c) {
		return
	}

	// The write loop starts only after authentication; handshake frames
	// are written synchronously from this goroutine, so there is never a
	// concurrent writer.
	go c.writeLoop()
	h.readLoop(ctx, c)
}

// handshake enforces the authenticate-first contract within AuthTimeout.
// All writes here are synchronous so rejection frames flush before close.
func (h *Hub) handshake(ctx context.Context, c *Conn) bool {
	c.ws.SetReadDeadline(time.Now().Add(h.opts.AuthTimeout))

	_, data, err := c.ws.ReadMessage()
	if err != nil {
		c.closeWith(closeCodeAuthTimeout, reasonAuthTimeout)
		return false
	}

	reject := func(reason string) {
		c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		c.ws.WriteMessage(websocket.TextMessage, frameAuthError(reason))
		c.closeWith(closeCodeAuthFailed, reason)
	}

	frame, err := DecodeInbound(data)
	if err != nil {
		reject("malformed frame")
		return false
	}
	auth, ok := frame.(Authenticate)
	if !ok {
		reject("authentication required")
		return false
	}

	userID, err := h.verifier.Verify(ctx, auth.Token)
	if err != nil {
		reject("invalid token")
		return false
	}

	c.authenticate(userID)
	h.register(userID, c)

	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, frameAuthSuccess(userID)); err != nil {
		return false
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, encodeFrame("connected", map[string]any{
		"user_id":   userID,
		"server_ts": time.Now().UnixMilli(),
	})); err != nil {
		return false
	}

	h.log.Debug().Str("user_id", userID).Str("remote_ip", c.remoteIP).Msg("push connection authenticated")
	return true
}

func (h *Hub) readLoop(ctx context.Context, c *Conn) {
	for {
		c.ws.SetReadDeadline(time.Now().Add(h.opts.InactiveTimeout + inactiveGrace))
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.markAlive()

		frame, err := DecodeInbound(data)
		if err != nil {
			c.enqueue(frameError("malformed frame"))
			continue
		}

		switch f := frame.(type) {
		case Subscribe:
			h.handleSubscribe(ctx, c, f.Topic)
		case Unsubscribe:
			c.unsubscribe(f.Topic)
			c.enqueue(frameUnsubscribed(f.Topic))
		case Ping:
			c.enqueue(framePong())
		case Authenticate:
			// Already authenticated; ignore.
		}
	}
}

// validTopic accepts only conversation:<id> routing strings.
func validTopic(topic string) bool {
	id, ok := strings.CutPrefix(topic, "conversation:")
	return ok && id != ""
}

// handleSubscribe adds the topic to the connection before replaying the
// durable buffer, so events published mid-replay are not lost. The ack
// goes out ahead of any replayed event. The buffer is cleared only when
// every pending entry was delivered.
func (h *Hub) handleSubscribe(ctx context.Context, c *Conn, topic string) {
	if !validTopic(topic) {
		c.enqueue(frameError("invalid topic"))
		return
	}

	c.subscribe(topic)
	c.enqueue(frameSubscribed(topic))

	c.mu.Lock()
	userID := c.userID
	c.mu.Unlock()

	pending, err := h.buffer.Pending(ctx, userID, topic)
	if err != nil {
		h.log.Warn().Err(err).Str("topic", topic).Msg("buffer replay read failed")
		return
	}
	if len(pending) == 0 {
		return
	}

	allDelivered := true
	for _, payload := range pending {
		if !c.sendDirect(payload) {
			allDelivered = false
			break
		}
	}
	if allDelivered {
		if err := h.buffer.Clear(ctx, userID, topic); err != nil {
			h.log.Warn().Err(err).Str("topic", topic).Msg("buffer clear failed")
		}
		metrics.PushBufferReplays.Inc()
	}
}

// Publish delivers a domain event to every open connection of userID
// subscribed to topic. With no delivery, the event lands in the durable
// buffer. No per-user lock is held across the buffer write.
func (h *Hub) Publish(ctx context.Context, userID, topic, eventType string, payload map[string]any) error {
	frame := EncodeEvent(eventType, payload)

	delivered := false
	h.mu.Lock()
	entry := h.users[userID]
	h.mu.Unlock()

	if entry != nil {
		entry.mu.Lock()
		for c := range entry.conns {
			if c.isOpen() && c.subscribed(topic) && c.enqueue(frame) {
				delivered = true
			}
		}
		entry.mu.Unlock()
	}

	if delivered {
		metrics.PushEventsDelivered.Inc()
		return nil
	}

	metrics.PushEventsBuffered.Inc()
	return h.buffer.Append(ctx, userID, topic, frame)
}

func (h *Hub) register(userID string, c *Conn) {
	h.mu.Lock()
	entry := h.users[userID]
	if entry == nil {
		entry = &userEntry{conns: make(map[*Conn]struct{})}
		h.users[userID] = entry
	}
	h.mu.Unlock()

	entry.mu.Lock()
	entry.conns[c] = struct{}{}
	entry.mu.Unlock()
}

func (h *Hub) unregister(c *Conn) {
	c.terminate()

	c.mu.Lock()
	userID := c.userID
	c.mu.Unlock()

	h.mu.Lock()
	delete(h.conns, c)
	entry := h.users[userID]
	h.mu.Unlock()

	if entry != nil {
		entry.mu.Lock()
		delete(entry.conns, c)
		empty := len(entry.conns) == 0
		entry.mu.Unlock()

		if empty {
			h.mu.Lock()
			if e := h.users[userID]; e == entry {
				e.mu.Lock()
				if len(e.conns) == 0 {
					delete(h.users, userID)
				}
				e.mu.Unlock()
			}
			h.mu.Unlock()
		}
	}
}

// pingLoop terminates dead connections and probes the rest.
func (h *Hub) pingLoop() {
	defer close(h.done)
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *Hub) sweep() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		if c.isAuthenticated() {
			conns = append(conns, c)
		}
	}
	h.mu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	for _, c := range conns {
		if !c.sweepAlive() {
			h.log.Debug().Str("remote_ip", c.remoteIP).Msg("push connection failed liveness check")
			h.unregister(c)
			continue
		}
		c.ws.WriteControl(websocket.PingMessage, nil, deadline)
	}
}

// Shutdown stops accepting connections, asks clients to close, waits up
// to two seconds, then terminates stragglers.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.draining = true
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	closeMsg := websocket.FormatCloseMessage(closeCodeServerShutdown, reasonServerShutdown)
	deadline := time.Now().Add(shutdownWait)
	for _, c := range conns {
		c.ws.WriteControl(websocket.CloseMessage, closeMsg, deadline)
	}

	waitUntil := time.Now().Add(shutdownWait)
	for time.Now().Before(waitUntil) {
		h.mu.Lock()
		remaining := len(h.conns)
		h.mu.Unlock()
		if remaining == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	h.mu.Lock()
	for c := range h.conns {
		c.terminate()
	}
	h.mu.Unlock()

	if h.stop != nil {
		close(h.stop)
		<-h.done
	}
	h.log.Info().Msg("push hub stopped")
}
