// Package archive appends immutable audit records for superseded attempts.
//
// Archival is best-effort: failures are logged and swallowed so the primary
// state transition is never blocked or rolled back by the audit trail.
package archive

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/verigate/verigate/internal/services/gate/domain"
	"github.com/verigate/verigate/internal/services/gate/storage"
)

// Archiver records superseded credential triples and submitted one-time
// codes.
type Archiver struct {
	store storage.HistoryStore
	clock func() time.Time
}

// New creates an archiver backed by history storage.
func New(store storage.HistoryStore) *Archiver {
	return &Archiver{
		store: store,
		clock: time.Now,
	}
}

// WithClock overrides the capture timestamp source.
func (a *Archiver) WithClock(clock func() time.Time) *Archiver {
	if a != nil && clock != nil {
		a.clock = clock
	}
	return a
}

// CredentialSuperseded archives a credential triple that is about to be
// overwritten. Empty triples are skipped.
func (a *Archiver) CredentialSuperseded(ctx context.Context, orderID string, credential domain.Credential) {
	if a == nil || a.store == nil {
		return
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" || credential.Empty() {
		return
	}

	attempt := storage.CredentialAttempt{
		OrderID:    orderID,
		Code:       credential.Code,
		Expiry:     credential.Expiry,
		Secret:     credential.Secret,
		CapturedAt: a.now(),
	}
	if err := a.store.AppendCredentialAttempt(ctx, attempt); err != nil {
		log.Printf("gate: archive credential attempt failed order_id=%s err=%v", orderID, err)
	}
}

// CodeSubmitted archives a submitted one-time code.
func (a *Archiver) CodeSubmitted(ctx context.Context, orderID string, code string) {
	if a == nil || a.store == nil {
		return
	}
	orderID = strings.TrimSpace(orderID)
	code = strings.TrimSpace(code)
	if orderID == "" || code == "" {
		return
	}

	attempt := storage.CodeAttempt{
		OrderID:    orderID,
		Code:       code,
		CapturedAt: a.now(),
	}
	if err := a.store.AppendCodeAttempt(ctx, attempt); err != nil {
		log.Printf("gate: archive code attempt failed order_id=%s err=%v", orderID, err)
	}
}

func (a *Archiver) now() time.Time {
	if a.clock == nil {
		return time.Now().UTC()
	}
	return a.clock().UTC()
}
