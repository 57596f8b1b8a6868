package relay

import (
	"sync"
	"time"
)

// Session holds the ephemeral draft state of a submission in progress before
// any order is persisted.
type Session struct {
	ConnectionID string
	Identity     string
	Total        string
	Draft        map[string]string
	StartedAt    time.Time
}

// Sessions owns the live-session map, keyed by connection. A session exists
// from first draft activity until an explicit end, a disconnect, or
// promotion into a persisted order.
type Sessions struct {
	mu     sync.Mutex
	byConn map[*Client]*Session
	clock  func() time.Time
}

// NewSessions creates an empty live-session relay.
func NewSessions(clock func() time.Time) *Sessions {
	if clock == nil {
		clock = time.Now
	}
	return &Sessions{
		byConn: make(map[*Client]*Session),
		clock:  clock,
	}
}

// Start creates (or restarts) the session for a connection and returns its
// snapshot.
func (s *Sessions) Start(client *Client, identity string, total string) Session {
	if s == nil || client == nil {
		return Session{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	session := &Session{
		ConnectionID: client.ID,
		Identity:     identity,
		Total:        total,
		Draft:        make(map[string]string),
		StartedAt:    s.clock().UTC(),
	}
	s.byConn[client] = session
	return snapshot(session)
}

// UpdateDraft merges partial credential fields into a connection's session,
// creating the session first if the relay has not seen a start for it. The
// returned delta holds only the fields carried by this update.
func (s *Sessions) UpdateDraft(client *Client, fields map[string]string) (delta map[string]string, created bool) {
	if s == nil || client == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.byConn[client]
	if !ok {
		session = &Session{
			ConnectionID: client.ID,
			Draft:        make(map[string]string),
			StartedAt:    s.clock().UTC(),
		}
		s.byConn[client] = session
		created = true
	}

	delta = make(map[string]string, len(fields))
	for key, value := range fields {
		session.Draft[key] = value
		delta[key] = value
	}
	return delta, created
}

// End discards a connection's session and reports whether one existed.
func (s *Sessions) End(client *Client) bool {
	if s == nil || client == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byConn[client]; !ok {
		return false
	}
	delete(s.byConn, client)
	return true
}

// Snapshot lists all live sessions. Draft maps are copied so callers cannot
// mutate relay state.
func (s *Sessions) Snapshot() []Session {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := make([]Session, 0, len(s.byConn))
	for _, session := range s.byConn {
		sessions = append(sessions, snapshot(session))
	}
	return sessions
}

func snapshot(session *Session) Session {
	copied := *session
	copied.Draft = make(map[string]string, len(session.Draft))
	for key, value := range session.Draft {
		copied.Draft[key] = value
	}
	return copied
}
