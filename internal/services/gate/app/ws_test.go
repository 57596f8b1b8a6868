package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/net/websocket"

	"github.com/verigate/verigate/internal/services/gate/domain"
)

type wsTestFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("generate hash: %v", err)
	}
	server, err := New(Config{
		HTTPAddr:             ":0",
		DBPath:               filepath.Join(t.TempDir(), "gate.db"),
		OperatorUsername:     "ops",
		OperatorPasswordHash: string(hash),
		TokenSecret:          "0123456789abcdef0123456789abcdef",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		_ = server.store.Close()
	})

	srv := httptest.NewServer(server.httpServer.Handler)
	t.Cleanup(srv.Close)
	return server, srv
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, err := dialWSErr(srv, path)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func dialWSErr(srv *httptest.Server, path string) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	return websocket.Dial(wsURL, "", srv.URL)
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := json.NewEncoder(conn).Encode(frame); err != nil {
		t.Fatalf("encode frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) wsTestFrame {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var got wsTestFrame
	if err := json.NewDecoder(conn).Decode(&got); err != nil {
		t.Fatalf("decode server frame: %v", err)
	}
	return got
}

func readFrameOfType(t *testing.T, conn *websocket.Conn, frameType string) wsTestFrame {
	t.Helper()
	for i := 0; i < 10; i++ {
		got := readFrame(t, conn)
		if got.Type == frameType {
			return got
		}
	}
	t.Fatalf("frame type %q never arrived", frameType)
	return wsTestFrame{}
}

// waitForObservers blocks until the hub has at least n console subscribers,
// so events emitted right after a dial are not lost to the handshake race.
func waitForObservers(t *testing.T, server *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for server.hub.ObserverCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("observer count never reached %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func submitTestOrder(t *testing.T, server *Server) domain.Order {
	t.Helper()
	created, err := server.orders.Submit(context.Background(), domain.SubmitInput{
		TenantID:   "tenant-1",
		Identity:   `{"name":"sample"}`,
		Total:      "149.90",
		Credential: domain.Credential{Code: "4111111111111111", Expiry: "12/35", Secret: "123"},
		ClientAddr: "203.0.113.7",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return created
}

func operatorToken(t *testing.T, server *Server) string {
	t.Helper()
	token, err := server.auth.Login("ops", "hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	return token
}

func TestAttachReplaysOrderState(t *testing.T) {
	server, srv := newTestServer(t)
	created := submitTestOrder(t, server)

	conn := dialWS(t, srv, "/ws")
	writeFrame(t, conn, map[string]any{
		"type": "attach",
		"payload": map[string]any{
			"order_id":         created.ID,
			"capability_token": created.Token,
		},
	})

	got := readFrame(t, conn)
	if got.Type != "order_updated" {
		t.Fatalf("frame type = %q, want order_updated", got.Type)
	}
	var state struct {
		OrderID string `json:"order_id"`
		Status  string `json:"status"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(got.Payload, &state); err != nil {
		t.Fatalf("decode state payload: %v", err)
	}
	if state.OrderID != created.ID || state.Status != "WAITING_APPROVAL" || state.Code != "4111111111111111" {
		t.Fatalf("unexpected replay state: %+v", state)
	}
}

func TestAttachRefusesWrongToken(t *testing.T) {
	server, srv := newTestServer(t)
	created := submitTestOrder(t, server)

	conn := dialWS(t, srv, "/ws")
	writeFrame(t, conn, map[string]any{
		"type":       "attach",
		"request_id": "req-1",
		"payload": map[string]any{
			"order_id":         created.ID,
			"capability_token": "wrong",
		},
	})

	got := readFrame(t, conn)
	if got.Type != "gate.error" {
		t.Fatalf("frame type = %q, want gate.error", got.Type)
	}
	if ids := server.presence.OnlineOrderIDs(); len(ids) != 0 {
		t.Fatalf("expected no online orders, got %v", ids)
	}
}

func TestConsoleRequiresOperatorToken(t *testing.T) {
	_, srv := newTestServer(t)

	if _, err := dialWSErr(srv, "/ws/console"); err == nil {
		t.Fatal("expected handshake failure without token")
	}
}

func TestAttachedConnectionReceivesStatusUpdates(t *testing.T) {
	server, srv := newTestServer(t)
	created := submitTestOrder(t, server)

	conn := dialWS(t, srv, "/ws")
	writeFrame(t, conn, map[string]any{
		"type": "attach",
		"payload": map[string]any{
			"order_id":         created.ID,
			"capability_token": created.Token,
		},
	})
	readFrameOfType(t, conn, "order_updated")

	if _, err := server.orders.SetStatus(context.Background(), created.ID, domain.StatusApproved, ""); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	got := readFrameOfType(t, conn, "order_updated")
	var state struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(got.Payload, &state); err != nil {
		t.Fatalf("decode state payload: %v", err)
	}
	if state.Status != "APPROVED" {
		t.Fatalf("expected APPROVED, got %q", state.Status)
	}
}

func TestConsoleObservesOrderAndPresence(t *testing.T) {
	server, srv := newTestServer(t)
	token := operatorToken(t, server)

	console := dialWS(t, srv, "/ws/console?access_token="+token)
	waitForObservers(t, server, 1)

	created := submitTestOrder(t, server)
	got := readFrameOfType(t, console, "order_created")
	var state struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(got.Payload, &state); err != nil {
		t.Fatalf("decode state payload: %v", err)
	}
	if state.OrderID != created.ID {
		t.Fatalf("expected order %s, got %s", created.ID, state.OrderID)
	}

	client := dialWS(t, srv, "/ws")
	writeFrame(t, client, map[string]any{
		"type": "attach",
		"payload": map[string]any{
			"order_id":         created.ID,
			"capability_token": created.Token,
		},
	})

	got = readFrameOfType(t, console, "presence_changed")
	var presence struct {
		OrderID string `json:"order_id"`
		Online  bool   `json:"online"`
	}
	if err := json.Unmarshal(got.Payload, &presence); err != nil {
		t.Fatalf("decode presence payload: %v", err)
	}
	if presence.OrderID != created.ID || !presence.Online {
		t.Fatalf("expected online presence for %s, got %+v", created.ID, presence)
	}

	_ = client.Close()
	got = readFrameOfType(t, console, "presence_changed")
	if err := json.Unmarshal(got.Payload, &presence); err != nil {
		t.Fatalf("decode presence payload: %v", err)
	}
	if presence.OrderID != created.ID || presence.Online {
		t.Fatalf("expected offline presence for %s, got %+v", created.ID, presence)
	}
}

func TestConsoleReceivesPresenceSnapshotOnConnect(t *testing.T) {
	server, srv := newTestServer(t)
	token := operatorToken(t, server)
	created := submitTestOrder(t, server)

	client := dialWS(t, srv, "/ws")
	writeFrame(t, client, map[string]any{
		"type": "attach",
		"payload": map[string]any{
			"order_id":         created.ID,
			"capability_token": created.Token,
		},
	})
	readFrameOfType(t, client, "order_updated")

	console := dialWS(t, srv, "/ws/console?access_token="+token)
	got := readFrameOfType(t, console, "presence_changed")
	var presence struct {
		OrderID string `json:"order_id"`
		Online  bool   `json:"online"`
	}
	if err := json.Unmarshal(got.Payload, &presence); err != nil {
		t.Fatalf("decode presence payload: %v", err)
	}
	if presence.OrderID != created.ID || !presence.Online {
		t.Fatalf("expected snapshot presence for %s, got %+v", created.ID, presence)
	}
}

func TestSessionLifecycleReachesConsole(t *testing.T) {
	server, srv := newTestServer(t)
	token := operatorToken(t, server)

	console := dialWS(t, srv, "/ws/console?access_token="+token)
	waitForObservers(t, server, 1)
	client := dialWS(t, srv, "/ws")

	writeFrame(t, client, map[string]any{
		"type": "session_start",
		"payload": map[string]any{
			"identity": `{"name":"sample"}`,
			"total":    "149.90",
		},
	})
	got := readFrameOfType(t, console, "session_started")
	var session struct {
		ConnectionID string `json:"connection_id"`
		Identity     string `json:"identity"`
	}
	if err := json.Unmarshal(got.Payload, &session); err != nil {
		t.Fatalf("decode session payload: %v", err)
	}
	if session.ConnectionID == "" || session.Identity != `{"name":"sample"}` {
		t.Fatalf("unexpected session payload: %+v", session)
	}

	writeFrame(t, client, map[string]any{
		"type": "session_draft_update",
		"payload": map[string]any{
			"fields": map[string]string{"code": "4111"},
		},
	})
	got = readFrameOfType(t, console, "session_draft_updated")
	var draft struct {
		ConnectionID string            `json:"connection_id"`
		Fields       map[string]string `json:"fields"`
	}
	if err := json.Unmarshal(got.Payload, &draft); err != nil {
		t.Fatalf("decode draft payload: %v", err)
	}
	if draft.Fields["code"] != "4111" {
		t.Fatalf("unexpected draft payload: %+v", draft)
	}

	writeFrame(t, client, map[string]any{"type": "session_end"})
	readFrameOfType(t, console, "session_ended")
}

func TestDisconnectEndsSession(t *testing.T) {
	server, srv := newTestServer(t)
	token := operatorToken(t, server)

	console := dialWS(t, srv, "/ws/console?access_token="+token)
	waitForObservers(t, server, 1)
	client := dialWS(t, srv, "/ws")

	writeFrame(t, client, map[string]any{
		"type":    "session_start",
		"payload": map[string]any{"identity": "x"},
	})
	readFrameOfType(t, console, "session_started")

	_ = client.Close()
	readFrameOfType(t, console, "session_ended")
}

func TestDraftUpdateAfterAttachRoutesToOrderChannel(t *testing.T) {
	server, srv := newTestServer(t)
	token := operatorToken(t, server)
	created := submitTestOrder(t, server)

	console := dialWS(t, srv, "/ws/console?access_token="+token)
	waitForObservers(t, server, 1)
	client := dialWS(t, srv, "/ws")

	writeFrame(t, client, map[string]any{
		"type": "attach",
		"payload": map[string]any{
			"order_id":         created.ID,
			"capability_token": created.Token,
		},
	})
	readFrameOfType(t, client, "order_updated")

	writeFrame(t, client, map[string]any{
		"type": "session_draft_update",
		"payload": map[string]any{
			"fields": map[string]string{"secret": "99"},
		},
	})

	got := readFrameOfType(t, console, "order_draft_updated")
	var draft struct {
		OrderID string            `json:"order_id"`
		Fields  map[string]string `json:"fields"`
	}
	if err := json.Unmarshal(got.Payload, &draft); err != nil {
		t.Fatalf("decode draft payload: %v", err)
	}
	if draft.OrderID != created.ID || draft.Fields["secret"] != "99" {
		t.Fatalf("unexpected order draft payload: %+v", draft)
	}
}

func TestUnsupportedFrameType(t *testing.T) {
	_, srv := newTestServer(t)
	conn := dialWS(t, srv, "/ws")

	writeFrame(t, conn, map[string]any{"type": "bogus", "request_id": "req-9"})
	got := readFrame(t, conn)
	if got.Type != "gate.error" || got.RequestID != "req-9" {
		t.Fatalf("expected gate.error for req-9, got %+v", got)
	}
}

func TestWSRejectsNonGetUpgrade(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/ws", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}
