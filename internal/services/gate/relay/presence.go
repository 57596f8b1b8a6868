package relay

import (
	"sort"
	"strings"
	"sync"
)

// Presence tracks which connections are attached to which order. An order id
// is removed from the map entirely when its set empties: absence means
// offline, not unknown. A connection is attached to at most one order at a
// time.
type Presence struct {
	mu       sync.Mutex
	byOrder  map[string]map[*Client]struct{}
	byClient map[*Client]string
	// onChange is invoked outside the lock when an order goes online or
	// offline.
	onChange func(orderID string, online bool)
}

// NewPresence creates an empty presence tracker. onChange may be nil.
func NewPresence(onChange func(orderID string, online bool)) *Presence {
	return &Presence{
		byOrder:  make(map[string]map[*Client]struct{}),
		byClient: make(map[*Client]string),
		onChange: onChange,
	}
}

// Attach adds a connection to an order's presence set, detaching it from any
// previous order first.
func (p *Presence) Attach(client *Client, orderID string) {
	if p == nil || client == nil {
		return
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return
	}

	var wentOffline string
	var wentOnline bool

	p.mu.Lock()
	if previous, ok := p.byClient[client]; ok && previous != orderID {
		if p.removeLocked(client, previous) {
			wentOffline = previous
		}
	}
	set, ok := p.byOrder[orderID]
	if !ok {
		set = make(map[*Client]struct{})
		p.byOrder[orderID] = set
		wentOnline = true
	}
	set[client] = struct{}{}
	p.byClient[client] = orderID
	p.mu.Unlock()

	if p.onChange != nil {
		if wentOffline != "" {
			p.onChange(wentOffline, false)
		}
		if wentOnline {
			p.onChange(orderID, true)
		}
	}
}

// Detach removes a connection from whichever order set it belongs to.
func (p *Presence) Detach(client *Client) {
	if p == nil || client == nil {
		return
	}

	var wentOffline string

	p.mu.Lock()
	if orderID, ok := p.byClient[client]; ok {
		if p.removeLocked(client, orderID) {
			wentOffline = orderID
		}
	}
	p.mu.Unlock()

	if wentOffline != "" && p.onChange != nil {
		p.onChange(wentOffline, false)
	}
}

// removeLocked removes a client from an order set and reports whether the
// set emptied. Callers hold p.mu.
func (p *Presence) removeLocked(client *Client, orderID string) bool {
	set, ok := p.byOrder[orderID]
	if !ok {
		delete(p.byClient, client)
		return false
	}
	delete(set, client)
	delete(p.byClient, client)
	if len(set) == 0 {
		delete(p.byOrder, orderID)
		return true
	}
	return false
}

// OrderOf returns the order a connection is attached to, or "".
func (p *Presence) OrderOf(client *Client) string {
	if p == nil || client == nil {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byClient[client]
}

// OnlineOrderIDs lists all orders with at least one attached connection,
// sorted for stable output.
func (p *Presence) OnlineOrderIDs() []string {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	ids := make([]string, 0, len(p.byOrder))
	for orderID := range p.byOrder {
		ids = append(ids, orderID)
	}
	p.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// attached snapshots the connections currently attached to an order.
func (p *Presence) attached(orderID string) []*Client {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	set, ok := p.byOrder[orderID]
	if !ok {
		return nil
	}
	clients := make([]*Client, 0, len(set))
	for client := range set {
		clients = append(clients, client)
	}
	return clients
}
