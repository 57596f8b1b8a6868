// Package storage defines persistence contracts for gate service state.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/verigate/verigate/internal/services/gate/domain"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// CredentialAttempt is an immutable snapshot of a superseded credential
// triple.
type CredentialAttempt struct {
	OrderID    string
	Code       string
	Expiry     string
	Secret     string
	CapturedAt time.Time
}

// CodeAttempt is an immutable snapshot of a submitted one-time code.
type CodeAttempt struct {
	OrderID    string
	Code       string
	CapturedAt time.Time
}

// OrderStore persists canonical order records.
type OrderStore interface {
	PutOrder(ctx context.Context, order domain.Order) error
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	// FindActiveByAddress returns the most recently created order from the
	// given client address whose status can still absorb a merge, or
	// ErrNotFound.
	FindActiveByAddress(ctx context.Context, clientAddr string) (domain.Order, error)
	// ListRecentOrders returns up to limit orders, newest first.
	ListRecentOrders(ctx context.Context, limit int) ([]domain.Order, error)
}

// HistoryStore appends immutable audit records. Entries are never mutated or
// deleted.
type HistoryStore interface {
	AppendCredentialAttempt(ctx context.Context, attempt CredentialAttempt) error
	AppendCodeAttempt(ctx context.Context, attempt CodeAttempt) error
	ListCredentialAttempts(ctx context.Context, orderID string) ([]CredentialAttempt, error)
	ListCodeAttempts(ctx context.Context, orderID string) ([]CodeAttempt, error)
}

// Store combines the persistence contracts the gate service depends on.
type Store interface {
	OrderStore
	HistoryStore
}
