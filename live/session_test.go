package live

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/slateql/slate/auth"
)

func writeClient(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("client write: %v", err)
	}
}

func readClient(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("client decode: %v", err)
	}
	return msg
}

// waitFor polls cond until it holds or the deadline lapses.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (s *Session) wasUnclean() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unclean
}

func TestSessionSubscribeLifecycle(t *testing.T) {
	bus := newFakeBus()
	f := mustFanout(t, bus, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sc, client := wsPair(t)
	s := NewSession(sc, &auth.Claims{TenantID: "acme", UserID: "u1"}, f, SessionConfig{Heartbeat: time.Second})

	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()
	waitFor(t, "session attach", func() bool { return f.hub.TenantSessions("acme") == 1 })
	if !bus.subscribed(TenantPattern("acme")) {
		t.Fatal("tenant pattern not subscribed on attach")
	}

	writeClient(t, client, ClientMessage{Type: ClientSubscribe, WidgetID: "w1", Tables: []string{"trades"}})
	if ack := readClient(t, client); ack.Type != ServerAck || ack.WidgetID != "w1" {
		t.Fatalf("subscribe ack = %+v", ack)
	}

	f.route(ctx, &Delta{
		TenantID: "acme",
		Table:    "trades",
		Columns:  []string{"symbol"},
		Rows:     []map[string]any{{"symbol": "TSLA"}},
	})
	rows := readClient(t, client)
	if rows.Type != ServerRows || rows.Table != "trades" {
		t.Fatalf("delta frame = %+v", rows)
	}
	if len(rows.WidgetIDs) != 1 || rows.WidgetIDs[0] != "w1" {
		t.Fatalf("WidgetIDs = %v, want [w1]", rows.WidgetIDs)
	}

	writeClient(t, client, ClientMessage{Type: ClientUnsubscribe, WidgetID: "w1"})
	if ack := readClient(t, client); ack.Type != ServerAck {
		t.Fatalf("unsubscribe ack = %+v", ack)
	}

	// A proper goodbye: the session must come down clean and leave no
	// index or bus residue behind.
	client.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
	if err := <-runDone; err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if s.wasUnclean() {
		t.Fatal("clean close recorded as unclean")
	}
	if got := f.hub.ActiveSessions(); got != 0 {
		t.Fatalf("ActiveSessions = %d after disconnect, want 0", got)
	}
	if bus.subscribed(TenantPattern("acme")) {
		t.Fatal("tenant pattern survived the last disconnect")
	}
}

func TestSessionBadFramesKeepSessionOpen(t *testing.T) {
	bus := newFakeBus()
	f := mustFanout(t, bus, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sc, client := wsPair(t)
	s := NewSession(sc, &auth.Claims{TenantID: "acme", UserID: "u1"}, f, SessionConfig{Heartbeat: time.Second})
	go s.Run(ctx)
	waitFor(t, "session attach", func() bool { return f.hub.TenantSessions("acme") == 1 })

	if err := client.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	if msg := readClient(t, client); msg.Type != ServerError {
		t.Fatalf("malformed frame answered with %+v", msg)
	}

	writeClient(t, client, ClientMessage{Type: ClientSubscribe, WidgetID: "w1"})
	if msg := readClient(t, client); msg.Type != ServerError {
		t.Fatalf("subscribe without tables answered with %+v", msg)
	}

	writeClient(t, client, ClientMessage{Type: "resubscribe", WidgetID: "w1"})
	if msg := readClient(t, client); msg.Type != ServerError {
		t.Fatalf("unknown type answered with %+v", msg)
	}

	// The session survived all three; a valid subscribe still works.
	writeClient(t, client, ClientMessage{Type: ClientSubscribe, WidgetID: "w1", Tables: []string{"trades"}})
	if ack := readClient(t, client); ack.Type != ServerAck {
		t.Fatalf("valid subscribe after errors = %+v", ack)
	}
}

func TestSessionHeartbeatLapse(t *testing.T) {
	bus := newFakeBus()
	f := mustFanout(t, bus, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sc, _ := wsPair(t)
	// The client side never reads, so its pong handler never fires and the
	// read deadline (two heartbeats) lapses.
	s := NewSession(sc, &auth.Claims{TenantID: "acme", UserID: "u1"}, f, SessionConfig{Heartbeat: 25 * time.Millisecond})

	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("silent peer was not terminated")
	}
	if !s.wasUnclean() {
		t.Fatal("heartbeat lapse not recorded as unclean")
	}
	if got := f.hub.ActiveSessions(); got != 0 {
		t.Fatalf("ActiveSessions = %d after lapse, want 0", got)
	}
	if bus.subscribed(TenantPattern("acme")) {
		t.Fatal("tenant pattern survived the lapsed session")
	}
}

func TestSessionServerShutdown(t *testing.T) {
	bus := newFakeBus()
	f := mustFanout(t, bus, nil)
	ctx, cancel := context.WithCancel(context.Background())

	sc, client := wsPair(t)
	s := NewSession(sc, &auth.Claims{TenantID: "acme", UserID: "u1"}, f, SessionConfig{Heartbeat: time.Second})

	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()
	waitFor(t, "session attach", func() bool { return f.hub.TenantSessions("acme") == 1 })

	cancel()
	// The write pump announces the shutdown with a going-away close frame.
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("client read = %v, want going-away close", err)
	}

	if err := <-runDone; err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if s.wasUnclean() {
		t.Fatal("server-initiated shutdown recorded as unclean")
	}
	if got := f.hub.ActiveSessions(); got != 0 {
		t.Fatalf("ActiveSessions = %d after shutdown, want 0", got)
	}
}

func TestSessionAttachFailureClosesSocket(t *testing.T) {
	bus := newFakeBus()
	bus.subErr = errors.New("bus down")
	f := mustFanout(t, bus, nil)

	sc, client := wsPair(t)
	s := NewSession(sc, &auth.Claims{TenantID: "acme", UserID: "u1"}, f, SessionConfig{})
	if err := s.Run(context.Background()); err == nil {
		t.Fatal("Run succeeded with a failing bus")
	}

	// The socket must be closed so the client is not left hanging.
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := client.ReadMessage(); err == nil {
		t.Fatal("client connection still open after failed attach")
	}
	if got := f.hub.ActiveSessions(); got != 0 {
		t.Fatalf("ActiveSessions = %d after failed attach, want 0", got)
	}
}
