package relay

import "sync"

// Hub fans events out to observers and to the connections attached to a
// given order. Delivery is best-effort, at most once per recipient: a send
// failure drops that recipient's copy and never affects other recipients or
// the underlying state.
type Hub struct {
	mu        sync.Mutex
	observers map[*Client]struct{}
	presence  *Presence
}

// NewHub creates a hub routing order-targeted events through presence.
func NewHub(presence *Presence) *Hub {
	return &Hub{
		observers: make(map[*Client]struct{}),
		presence:  presence,
	}
}

// Subscribe adds an observer connection.
func (h *Hub) Subscribe(client *Client) {
	if h == nil || client == nil {
		return
	}
	h.mu.Lock()
	h.observers[client] = struct{}{}
	h.mu.Unlock()
}

// Unsubscribe removes an observer connection.
func (h *Hub) Unsubscribe(client *Client) {
	if h == nil || client == nil {
		return
	}
	h.mu.Lock()
	delete(h.observers, client)
	h.mu.Unlock()
}

// ObserverCount reports how many observer connections are subscribed.
func (h *Hub) ObserverCount() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// Observers sends an event to all observers.
func (h *Hub) Observers(event Event) {
	if h == nil {
		return
	}
	h.mu.Lock()
	recipients := make([]*Client, 0, len(h.observers))
	for observer := range h.observers {
		recipients = append(recipients, observer)
	}
	h.mu.Unlock()

	for _, recipient := range recipients {
		recipient.send(event)
	}
}

// Order sends an event to the connections attached to orderID.
func (h *Hub) Order(orderID string, event Event) {
	if h == nil || h.presence == nil {
		return
	}
	for _, recipient := range h.presence.attached(orderID) {
		recipient.send(event)
	}
}

// All sends the same event to observers and to the connections attached to
// orderID. Both channels carry the same payload to avoid divergence.
func (h *Hub) All(orderID string, event Event) {
	h.Observers(event)
	h.Order(orderID, event)
}
