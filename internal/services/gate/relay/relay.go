// Package relay owns the real-time state that never touches storage: the
// presence of connections attached to orders, ephemeral pre-submission
// drafts, and best-effort event fan-out to observers.
//
// The presence and session maps are mutated only through the operations on
// their owning types; no other code touches the underlying containers.
package relay

import (
	"encoding/json"
	"log"
)

// Event is one frame relayed to observers or attached connections.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Event types emitted on the observer and order channels.
const (
	EventOrderCreated        = "order_created"
	EventOrderUpdated        = "order_updated"
	EventPresenceChanged     = "presence_changed"
	EventSessionStarted      = "session_started"
	EventSessionDraftUpdated = "session_draft_updated"
	EventSessionEnded        = "session_ended"
	EventOrderDraftUpdated   = "order_draft_updated"
)

// Peer is the send half of one live connection. Send must be safe for
// concurrent use; errors mean the recipient is gone and are ignored by the
// fan-out.
type Peer interface {
	Send(event Event) error
}

// Client identifies one live connection attached to the relay.
type Client struct {
	ID   string
	peer Peer
}

// NewClient binds a connection id to its send half.
func NewClient(id string, peer Peer) *Client {
	return &Client{ID: id, peer: peer}
}

// send delivers an event to the client, dropping it on failure.
func (c *Client) send(event Event) {
	if c == nil || c.peer == nil {
		return
	}
	_ = c.peer.Send(event)
}

// NewEvent marshals a payload into an event frame.
func NewEvent(eventType string, payload any) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("gate: marshal %s event payload: %v", eventType, err)
		raw = nil
	}
	return Event{Type: eventType, Payload: raw}
}

// PresencePayload announces an order going online or offline.
type PresencePayload struct {
	OrderID string `json:"order_id"`
	Online  bool   `json:"online"`
}

// SessionPayload mirrors live-session activity to observers.
type SessionPayload struct {
	ConnectionID string            `json:"connection_id"`
	Identity     string            `json:"identity,omitempty"`
	Total        string            `json:"total,omitempty"`
	Fields       map[string]string `json:"fields,omitempty"`
}

// OrderDraftPayload mirrors draft input from a connection that already has a
// persisted order.
type OrderDraftPayload struct {
	OrderID string            `json:"order_id"`
	Fields  map[string]string `json:"fields"`
}
