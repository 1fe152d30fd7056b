package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dyadlabs/dyad-server/internal/apperr"
	"github.com/dyadlabs/dyad-server/internal/kvstore"
)

// fakeVerifier accepts tokens of the form "tok:<userID>".
type fakeVerifier struct{}

func (fakeVerifier) Verify(_ context.Context, token string) (string, error) {
	userID, ok := strings.CutPrefix(token, "tok:")
	if !ok {
		return "", apperr.New(apperr.CodeInvalidToken, "invalid signature")
	}
	return userID, nil
}

type hubFixture struct {
	hub    *Hub
	buffer *Buffer
	server *httptest.Server
	url    string
}

func newHubFixture(t *testing.T, opts Options) *hubFixture {
	t.Helper()
	if opts.PingInterval == 0 {
		opts.PingInterval = time.Minute
	}
	if opts.AuthTimeout == 0 {
		opts.AuthTimeout = 5 * time.Second
	}
	if opts.InactiveTimeout == 0 {
		opts.InactiveTimeout = time.Minute
	}

	kv := kvstore.NewMemoryStore()
	buffer := NewBuffer(kv, 50, 24*time.Hour, 5*time.Minute)
	hub := NewHub(fakeVerifier{}, buffer, opts, zerolog.Nop())
	hub.Start()
	t.Cleanup(hub.Shutdown)

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.HandleConn(r.Context(), ws, r.RemoteAddr)
	}))
	t.Cleanup(server.Close)

	return &hubFixture{
		hub:    hub,
		buffer: buffer,
		server: server,
		url:    "ws" + strings.TrimPrefix(server.URL, "http"),
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, frameType string, payload map[string]any) {
	t.Helper()
	if err := ws.WriteJSON(map[string]any{"type": frameType, "payload": payload}); err != nil {
		t.Fatal(err)
	}
}

func readFrame(t *testing.T, ws *websocket.Conn) wireFrame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f wireFrame
	if err := ws.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func authenticate(t *testing.T, ws *websocket.Conn, userID string) {
	t.Helper()
	send(t, ws, "authenticate", map[string]any{"token": "tok:" + userID})
	if f := readFrame(t, ws); f.Type != "auth_success" {
		t.Fatalf("expected auth_success, got %q", f.Type)
	}
	if f := readFrame(t, ws); f.Type != "connected" {
		t.Fatalf("expected connected, got %q", f.Type)
	}
}

func TestHandshake(t *testing.T) {
	fx := newHubFixture(t, Options{})

	t.Run("valid_token", func(t *testing.T) {
		ws := dial(t, fx.url)
		authenticate(t, ws, "u1")
	})

	t.Run("invalid_token", func(t *testing.T) {
		ws := dial(t, fx.url)
		send(t, ws, "authenticate", map[string]any{"token": "nope"})
		if f := readFrame(t, ws); f.Type != "auth_error" {
			t.Errorf("expected auth_error, got %q", f.Type)
		}
	})

	t.Run("non_auth_first_frame", func(t *testing.T) {
		ws := dial(t, fx.url)
		send(t, ws, "subscribe", map[string]any{"topic": "conversation:c1"})
		if f := readFrame(t, ws); f.Type != "auth_error" {
			t.Errorf("expected auth_error, got %q", f.Type)
		}
	})
}

func TestAuthTimeout(t *testing.T) {
	fx := newHubFixture(t, Options{AuthTimeout: 200 * time.Millisecond})

	ws := dial(t, fx.url)
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	_, _, err := ws.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != closeCodeAuthTimeout || closeErr.Text != reasonAuthTimeout {
		t.Errorf("close = %d %q", closeErr.Code, closeErr.Text)
	}
}

func TestSubscribeAndPublish(t *testing.T) {
	fx := newHubFixture(t, Options{})
	ctx := context.Background()

	ws := dial(t, fx.url)
	authenticate(t, ws, "u1")

	send(t, ws, "subscribe", map[string]any{"topic": "conversation:c1"})
	if f := readFrame(t, ws); f.Type != "subscribed" {
		t.Fatalf("expected subscribed, got %q", f.Type)
	}

	if err := fx.hub.Publish(ctx, "u1", "conversation:c1", "conversation_progress", map[string]any{"progress": 0.5}); err != nil {
		t.Fatal(err)
	}

	f := readFrame(t, ws)
	if f.Type != "conversation_progress" {
		t.Fatalf("expected conversation_progress, got %q", f.Type)
	}

	t.Run("unsubscribed_topic_not_delivered", func(t *testing.T) {
		fx.hub.Publish(ctx, "u1", "conversation:other", "conversation_progress", nil)
		// The event must have been buffered, not delivered.
		pending, _ := fx.buffer.Pending(ctx, "u1", "conversation:other")
		if len(pending) != 1 {
			t.Errorf("pending = %d, want 1", len(pending))
		}
	})

	t.Run("other_user_not_delivered", func(t *testing.T) {
		fx.hub.Publish(ctx, "u2", "conversation:c1", "conversation_progress", nil)
		pending, _ := fx.buffer.Pending(ctx, "u2", "conversation:c1")
		if len(pending) != 1 {
			t.Errorf("pending = %d, want 1", len(pending))
		}
	})
}

func TestInvalidTopicRejected(t *testing.T) {
	fx := newHubFixture(t, Options{})
	ws := dial(t, fx.url)
	authenticate(t, ws, "u1")

	for _, topic := range []string{"user:u2", "conversation:", "random"} {
		send(t, ws, "subscribe", map[string]any{"topic": topic})
		if f := readFrame(t, ws); f.Type != "error" {
			t.Errorf("topic %q: expected error frame, got %q", topic, f.Type)
		}
	}
}

func TestBufferReplayOnSubscribe(t *testing.T) {
	fx := newHubFixture(t, Options{})
	ctx := context.Background()

	// User offline: events buffer.
	for i := 0; i < 3; i++ {
		err := fx.hub.Publish(ctx, "u1", "conversation:c1", "conversation_progress",
			map[string]any{"progress": float64(i) / 4})
		if err != nil {
			t.Fatal(err)
		}
	}

	ws := dial(t, fx.url)
	authenticate(t, ws, "u1")
	send(t, ws, "subscribe", map[string]any{"topic": "conversation:c1"})

	// Contract: subscribed ack first, then the replay in enqueue order.
	if f := readFrame(t, ws); f.Type != "subscribed" {
		t.Fatalf("expected subscribed first, got %q", f.Type)
	}
	for i := 0; i < 3; i++ {
		f := readFrame(t, ws)
		if f.Type != "conversation_progress" {
			t.Fatalf("replay %d: got %q", i, f.Type)
		}
		var p struct {
			Progress float64 `json:"progress"`
		}
		json.Unmarshal(f.Payload, &p)
		if p.Progress != float64(i)/4 {
			t.Errorf("replay %d out of order: progress=%v", i, p.Progress)
		}
	}

	t.Run("buffer_cleared_after_full_delivery", func(t *testing.T) {
		// Delivery happens on the write loop; give it a moment.
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			pending, _ := fx.buffer.Pending(ctx, "u1", "conversation:c1")
			if len(pending) == 0 {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
		t.Error("buffer not cleared after full replay")
	})
}

func TestSubscribeIsIdempotent(t *testing.T) {
	fx := newHubFixture(t, Options{})
	ctx := context.Background()

	ws := dial(t, fx.url)
	authenticate(t, ws, "u1")

	send(t, ws, "subscribe", map[string]any{"topic": "conversation:c1"})
	if f := readFrame(t, ws); f.Type != "subscribed" {
		t.Fatal("first subscribe not acked")
	}

	// Second subscribe still acks and still replays pending entries.
	fx.buffer.Append(ctx, "u1", "conversation:c1", EncodeEvent("conversation_completed", nil))
	send(t, ws, "subscribe", map[string]any{"topic": "conversation:c1"})
	if f := readFrame(t, ws); f.Type != "subscribed" {
		t.Fatal("second subscribe not acked")
	}
	if f := readFrame(t, ws); f.Type != "conversation_completed" {
		t.Errorf("second subscribe should replay, got %q", f.Type)
	}
}

func TestPingPong(t *testing.T) {
	fx := newHubFixture(t, Options{})
	ws := dial(t, fx.url)
	authenticate(t, ws, "u1")

	send(t, ws, "ping", nil)
	if f := readFrame(t, ws); f.Type != "pong" {
		t.Errorf("expected pong, got %q", f.Type)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	fx := newHubFixture(t, Options{})
	ctx := context.Background()

	ws := dial(t, fx.url)
	authenticate(t, ws, "u1")

	send(t, ws, "subscribe", map[string]any{"topic": "conversation:c1"})
	readFrame(t, ws) // subscribed

	send(t, ws, "unsubscribe", map[string]any{"topic": "conversation:c1"})
	if f := readFrame(t, ws); f.Type != "unsubscribed" {
		t.Fatalf("expected unsubscribed, got %q", f.Type)
	}

	fx.hub.Publish(ctx, "u1", "conversation:c1", "conversation_progress", nil)
	pending, _ := fx.buffer.Pending(ctx, "u1", "conversation:c1")
	if len(pending) != 1 {
		t.Errorf("event should buffer after unsubscribe, pending = %d", len(pending))
	}
}

func TestFanOutToMultipleConns(t *testing.T) {
	fx := newHubFixture(t, Options{})
	ctx := context.Background()

	conns := make([]*websocket.Conn, 2)
	for i := range conns {
		conns[i] = dial(t, fx.url)
		authenticate(t, conns[i], "u1")
		send(t, conns[i], "subscribe", map[string]any{"topic": "conversation:c1"})
		if f := readFrame(t, conns[i]); f.Type != "subscribed" {
			t.Fatal("subscribe failed")
		}
	}

	if err := fx.hub.Publish(ctx, "u1", "conversation:c1", "conversation_completed", nil); err != nil {
		t.Fatal(err)
	}
	for i, ws := range conns {
		if f := readFrame(t, ws); f.Type != "conversation_completed" {
			t.Errorf("conn %d: got %q", i, f.Type)
		}
	}
}

func TestShutdownClosesConns(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	buffer := NewBuffer(kv, 50, 24*time.Hour, 5*time.Minute)
	hub := NewHub(fakeVerifier{}, buffer, Options{
		PingInterval: time.Minute, AuthTimeout: 5 * time.Second, InactiveTimeout: time.Minute,
	}, zerolog.Nop())
	hub.Start()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.HandleConn(r.Context(), ws, r.RemoteAddr)
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	ws := dial(t, url)
	authenticate(t, ws, "u1")

	done := make(chan error, 1)
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				done <- err
				return
			}
		}
	}()

	hub.Shutdown()

	select {
	case err := <-done:
		if closeErr, ok := err.(*websocket.CloseError); ok {
			if closeErr.Code != closeCodeServerShutdown {
				t.Errorf("close code = %d", closeErr.Code)
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("connection not closed by shutdown")
	}
}

func TestPublishOrderPreserved(t *testing.T) {
	fx := newHubFixture(t, Options{})
	ctx := context.Background()

	ws := dial(t, fx.url)
	authenticate(t, ws, "u1")
	send(t, ws, "subscribe", map[string]any{"topic": "conversation:c1"})
	readFrame(t, ws) // subscribed

	for i := 0; i < 10; i++ {
		fx.hub.Publish(ctx, "u1", "conversation:c1", "conversation_progress",
			map[string]any{"seq": i})
	}
	for i := 0; i < 10; i++ {
		f := readFrame(t, ws)
		var p struct {
			Seq int `json:"seq"`
		}
		json.Unmarshal(f.Payload, &p)
		if p.Seq != i {
			t.Fatalf("out of order: got seq %d at position %d", p.Seq, i)
		}
	}
}
