package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/verigate/verigate/internal/platform/id"
	"github.com/verigate/verigate/internal/services/gate/api/rest"
	"github.com/verigate/verigate/internal/services/gate/domain"
	"github.com/verigate/verigate/internal/services/gate/relay"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wsPeer serializes frame writes onto one websocket connection. It satisfies
// the relay peer contract so the hub can deliver events directly.
type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(conn *websocket.Conn) *wsPeer {
	return &wsPeer{encoder: json.NewEncoder(conn)}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// Send implements relay.Peer.
func (p *wsPeer) Send(event relay.Event) error {
	return p.writeFrame(wsFrame{Type: event.Type, Payload: event.Payload})
}

func writeWSError(peer *wsPeer, requestID, code, message string) error {
	payload, err := json.Marshal(wsErrorEnvelope{Error: wsError{Code: code, Message: message}})
	if err != nil {
		return err
	}
	return peer.writeFrame(wsFrame{Type: "gate.error", RequestID: requestID, Payload: payload})
}

func (s *Server) registerWS(mux *http.ServeMux) {
	clientHandler := websocket.Handler(s.handleClientConn)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		clientHandler.ServeHTTP(w, r)
	})

	consoleHandler := websocket.Handler(s.handleConsoleConn)
	mux.HandleFunc("/ws/console", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if _, err := s.auth.Verify(rest.OperatorToken(r)); err != nil {
			log.Printf("gate: console websocket unauthorized remote=%s err=%v", r.RemoteAddr, err)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		consoleHandler.ServeHTTP(w, r)
	})
}

func connectionID() string {
	connID, err := id.NewID()
	if err != nil {
		return "conn-unknown"
	}
	return connID
}

type attachPayload struct {
	OrderID         string `json:"order_id"`
	CapabilityToken string `json:"capability_token"`
}

type sessionStartPayload struct {
	Identity string `json:"identity"`
	Total    string `json:"total"`
}

type draftPayload struct {
	Fields map[string]string `json:"fields"`
}

// handleClientConn runs the frame loop for one client connection. A
// connection is either in the pre-submission phase, where draft activity
// lives in a relay session, or attached to a persisted order; attaching
// moves it out of the session phase for good.
func (s *Server) handleClientConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	peer := newWSPeer(conn)
	client := relay.NewClient(connectionID(), peer)
	decoder := json.NewDecoder(conn)

	defer func() {
		s.presence.Detach(client)
		if s.sessions.End(client) {
			s.hub.Observers(relay.NewEvent(relay.EventSessionEnded, relay.SessionPayload{ConnectionID: client.ID}))
		}
	}()

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(peer, "", "INVALID_ARGUMENT", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}

		switch frame.Type {
		case "attach":
			s.handleAttach(conn, client, peer, frame)
		case "session_start":
			s.handleSessionStart(client, peer, frame)
		case "session_draft_update":
			s.handleDraftUpdate(client, peer, frame)
		case "order_draft_update":
			s.handleOrderDraftUpdate(client, peer, frame)
		case "session_end":
			if s.sessions.End(client) {
				s.hub.Observers(relay.NewEvent(relay.EventSessionEnded, relay.SessionPayload{ConnectionID: client.ID}))
			}
		default:
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
		}
	}
}

func (s *Server) handleAttach(conn *websocket.Conn, client *relay.Client, peer *wsPeer, frame wsFrame) {
	var payload attachPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid attach payload")
		return
	}
	orderID := strings.TrimSpace(payload.OrderID)
	if orderID == "" {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "order_id is required")
		return
	}

	order, err := s.orders.GetAuthorized(conn.Request().Context(), orderID, payload.CapabilityToken)
	if err != nil {
		_ = writeWSError(peer, frame.RequestID, "FORBIDDEN", "order attach refused")
		return
	}

	// The submission became an order; its pre-submission session is over.
	if s.sessions.End(client) {
		s.hub.Observers(relay.NewEvent(relay.EventSessionEnded, relay.SessionPayload{ConnectionID: client.ID}))
	}
	s.presence.Attach(client, order.ID)

	// Replay current state so a reconnecting client resumes where it left
	// off.
	_ = peer.Send(relay.NewEvent(relay.EventOrderUpdated, orderStatePayload(order)))
}

func (s *Server) handleSessionStart(client *relay.Client, peer *wsPeer, frame wsFrame) {
	if s.presence.OrderOf(client) != "" {
		_ = writeWSError(peer, frame.RequestID, "FAILED_PRECONDITION", "connection is attached to an order")
		return
	}
	var payload sessionStartPayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid session payload")
			return
		}
	}

	session := s.sessions.Start(client, payload.Identity, payload.Total)
	s.hub.Observers(relay.NewEvent(relay.EventSessionStarted, relay.SessionPayload{
		ConnectionID: session.ConnectionID,
		Identity:     session.Identity,
		Total:        session.Total,
	}))
}

func (s *Server) handleDraftUpdate(client *relay.Client, peer *wsPeer, frame wsFrame) {
	var payload draftPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || len(payload.Fields) == 0 {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid draft payload")
		return
	}

	// A connection attached to an order no longer has a session; its draft
	// keystrokes belong to the order channel.
	if orderID := s.presence.OrderOf(client); orderID != "" {
		s.hub.Observers(relay.NewEvent(relay.EventOrderDraftUpdated, relay.OrderDraftPayload{
			OrderID: orderID,
			Fields:  payload.Fields,
		}))
		return
	}

	delta, created := s.sessions.UpdateDraft(client, payload.Fields)
	if created {
		s.hub.Observers(relay.NewEvent(relay.EventSessionStarted, relay.SessionPayload{ConnectionID: client.ID}))
	}
	s.hub.Observers(relay.NewEvent(relay.EventSessionDraftUpdated, relay.SessionPayload{
		ConnectionID: client.ID,
		Fields:       delta,
	}))
}

func (s *Server) handleOrderDraftUpdate(client *relay.Client, peer *wsPeer, frame wsFrame) {
	orderID := s.presence.OrderOf(client)
	if orderID == "" {
		_ = writeWSError(peer, frame.RequestID, "FAILED_PRECONDITION", "connection is not attached to an order")
		return
	}
	var payload draftPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || len(payload.Fields) == 0 {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid draft payload")
		return
	}
	s.hub.Observers(relay.NewEvent(relay.EventOrderDraftUpdated, relay.OrderDraftPayload{
		OrderID: orderID,
		Fields:  payload.Fields,
	}))
}

// handleConsoleConn subscribes an operator console to the observer channel.
// The console never drives state over the socket; inbound frames are drained
// only to detect disconnect.
func (s *Server) handleConsoleConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	peer := newWSPeer(conn)
	client := relay.NewClient(connectionID(), peer)
	s.hub.Subscribe(client)
	defer s.hub.Unsubscribe(client)

	// Presence snapshot so a freshly connected console starts consistent.
	for _, orderID := range s.presence.OnlineOrderIDs() {
		_ = peer.Send(relay.NewEvent(relay.EventPresenceChanged, relay.PresencePayload{
			OrderID: orderID,
			Online:  true,
		}))
	}

	decoder := json.NewDecoder(conn)
	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			return
		}
	}
}

type orderStateJSON struct {
	OrderID   string `json:"order_id"`
	TenantID  string `json:"tenant_id"`
	Identity  string `json:"identity"`
	Total     string `json:"total"`
	Status    string `json:"status"`
	Code      string `json:"code,omitempty"`
	Expiry    string `json:"expiry,omitempty"`
	Secret    string `json:"secret,omitempty"`
	SMSCode   string `json:"sms_code,omitempty"`
	PIN       string `json:"pin,omitempty"`
	UpdatedAt string `json:"updated_at"`
}

func orderStatePayload(order domain.Order) orderStateJSON {
	return orderStateJSON{
		OrderID:   order.ID,
		TenantID:  order.TenantID,
		Identity:  order.Identity,
		Total:     order.Total,
		Status:    order.Status.Label(),
		Code:      order.Credential.Code,
		Expiry:    order.Credential.Expiry,
		Secret:    order.Credential.Secret,
		SMSCode:   order.SMSCode,
		PIN:       order.PIN,
		UpdatedAt: order.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
