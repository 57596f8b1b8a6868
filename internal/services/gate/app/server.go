// Package server hosts the gate HTTP and websocket surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/verigate/verigate/internal/platform/timeouts"
	"github.com/verigate/verigate/internal/services/gate/api/rest"
	"github.com/verigate/verigate/internal/services/gate/archive"
	"github.com/verigate/verigate/internal/services/gate/domain"
	"github.com/verigate/verigate/internal/services/gate/operatorauth"
	"github.com/verigate/verigate/internal/services/gate/order"
	"github.com/verigate/verigate/internal/services/gate/relay"
	"github.com/verigate/verigate/internal/services/gate/storage/sqlite"
)

// Config defines startup inputs for the gate service.
type Config struct {
	HTTPAddr             string
	DBPath               string
	OperatorUsername     string
	OperatorPasswordHash string
	TokenSecret          string
}

// Server wires storage, the order service, the relay, and the HTTP surface.
type Server struct {
	httpAddr   string
	httpServer *http.Server
	store      *sqlite.Store

	orders   *order.Service
	auth     *operatorauth.Authenticator
	hub      *relay.Hub
	presence *relay.Presence
	sessions *relay.Sessions
}

// New creates a configured gate server.
func New(cfg Config) (*Server, error) {
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open gate store: %w", err)
	}

	auth, err := operatorauth.New(cfg.OperatorUsername, cfg.OperatorPasswordHash, cfg.TokenSecret)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("configure operator auth: %w", err)
	}

	// Presence change events fan out to observers through the hub the
	// presence tracker itself feeds, so the hub is created second and
	// captured by the callback.
	var hub *relay.Hub
	presence := relay.NewPresence(func(orderID string, online bool) {
		hub.Observers(relay.NewEvent(relay.EventPresenceChanged, relay.PresencePayload{
			OrderID: orderID,
			Online:  online,
		}))
	})
	hub = relay.NewHub(presence)
	sessions := relay.NewSessions(nil)

	orders := order.NewService(store, archive.New(store), &relayBroadcaster{hub: hub})

	server := &Server{
		httpAddr: cfg.HTTPAddr,
		store:    store,
		orders:   orders,
		auth:     auth,
		hub:      hub,
		presence: presence,
		sessions: sessions,
	}

	mux := http.NewServeMux()
	rest.New(orders, auth, presence, sessions).Register(mux)
	server.registerWS(mux)

	server.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: timeouts.ReadHeader,
	}
	return server, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("gate: listening on %s", s.httpAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		_ = s.store.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	if closeErr := s.store.Close(); err == nil {
		err = closeErr
	}
	return err
}

// relayBroadcaster forwards lifecycle notifications onto the relay: order
// creation reaches observers only, updates reach observers and any attached
// connections.
type relayBroadcaster struct {
	hub *relay.Hub
}

func (b *relayBroadcaster) OrderCreated(order domain.Order) {
	b.hub.Observers(relay.NewEvent(relay.EventOrderCreated, orderStatePayload(order)))
}

func (b *relayBroadcaster) OrderUpdated(order domain.Order) {
	b.hub.All(order.ID, relay.NewEvent(relay.EventOrderUpdated, orderStatePayload(order)))
}
