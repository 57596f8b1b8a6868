// Package order implements the order lifecycle operations: submission with
// per-address merging, operator status transitions, user code and PIN
// submission, and credential resubmission. All writes to a given order are
// serialized through a per-order lock so concurrent requests never lose an
// update.
package order

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/verigate/verigate/internal/platform/errors"
	"github.com/verigate/verigate/internal/services/gate/archive"
	"github.com/verigate/verigate/internal/services/gate/domain"
	"github.com/verigate/verigate/internal/services/gate/storage"
)

// Broadcaster receives lifecycle notifications after a write commits.
// Implementations must not block; delivery is best-effort.
type Broadcaster interface {
	OrderCreated(order domain.Order)
	OrderUpdated(order domain.Order)
}

// noopBroadcaster keeps the service usable without a relay wired in.
type noopBroadcaster struct{}

func (noopBroadcaster) OrderCreated(domain.Order) {}
func (noopBroadcaster) OrderUpdated(domain.Order) {}

// Service coordinates order state: domain rules decide, storage persists,
// the archiver captures superseded attempts, the broadcaster announces.
type Service struct {
	store       storage.Store
	archiver    *archive.Archiver
	broadcaster Broadcaster
	clock       func() time.Time
	idGenerator func() (string, error)
	locks       *keyedMutex
	tracer      trace.Tracer
}

// NewService creates the order service. archiver and broadcaster may be nil.
func NewService(store storage.Store, archiver *archive.Archiver, broadcaster Broadcaster) *Service {
	if broadcaster == nil {
		broadcaster = noopBroadcaster{}
	}
	return &Service{
		store:       store,
		archiver:    archiver,
		broadcaster: broadcaster,
		clock:       time.Now,
		locks:       newKeyedMutex(),
		tracer:      otel.Tracer("verigate/gate/order"),
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(clock func() time.Time) *Service {
	if s != nil && clock != nil {
		s.clock = clock
	}
	return s
}

// WithIDGenerator overrides the id source.
func (s *Service) WithIDGenerator(generator func() (string, error)) *Service {
	if s != nil && generator != nil {
		s.idGenerator = generator
	}
	return s
}

// Submit routes a new submission either into a fresh order or, when an
// active order already exists for the same client address, into that order
// as a credential resubmission. Loopback addresses always create fresh
// orders so local checks never absorb into real traffic.
func (s *Service) Submit(ctx context.Context, input domain.SubmitInput) (domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.Submit")
	defer span.End()

	clientAddr := strings.TrimSpace(input.ClientAddr)
	if clientAddr != "" && !isLoopback(clientAddr) {
		existing, err := s.store.FindActiveByAddress(ctx, clientAddr)
		switch {
		case err == nil:
			return s.mergeSubmission(ctx, existing.ID, input)
		case errorsIsNotFound(err):
			// No active order for this address; fall through to create.
		default:
			return domain.Order{}, apperrors.Wrap(apperrors.CodePersistence, "find active order by address", err)
		}
	}

	created, err := domain.NewOrder(input, s.clock, s.idGenerator)
	if err != nil {
		return domain.Order{}, err
	}
	if err := s.store.PutOrder(ctx, created); err != nil {
		return domain.Order{}, apperrors.Wrap(apperrors.CodePersistence, "persist order", err)
	}
	s.broadcaster.OrderCreated(created)
	return created, nil
}

// mergeSubmission folds a repeat submission into the existing order under
// its lock. Identity, total, and descriptor follow the newer submission when
// present; the credential replaces the stored triple through the same path
// as an explicit resubmission.
func (s *Service) mergeSubmission(ctx context.Context, orderID string, input domain.SubmitInput) (domain.Order, error) {
	unlock := s.locks.lock(orderID)
	defer unlock()

	current, err := s.getLocked(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !domain.MergeEligible(current.Status) {
		// The order reached a terminal status between lookup and lock.
		created, err := domain.NewOrder(input, s.clock, s.idGenerator)
		if err != nil {
			return domain.Order{}, err
		}
		if err := s.store.PutOrder(ctx, created); err != nil {
			return domain.Order{}, apperrors.Wrap(apperrors.CodePersistence, "persist order", err)
		}
		s.broadcaster.OrderCreated(created)
		return created, nil
	}

	updated, superseded := domain.MergeCredential(current, input.Credential, s.clock)
	if identity := strings.TrimSpace(input.Identity); identity != "" {
		updated.Identity = identity
	}
	if total := strings.TrimSpace(input.Total); total != "" {
		updated.Total = total
	}
	if descriptor := strings.TrimSpace(input.ClientDescriptor); descriptor != "" {
		updated.ClientDescriptor = descriptor
	}

	s.archiver.CredentialSuperseded(ctx, orderID, superseded)
	if err := s.store.PutOrder(ctx, updated); err != nil {
		return domain.Order{}, apperrors.Wrap(apperrors.CodePersistence, "persist merged order", err)
	}
	s.broadcaster.OrderUpdated(updated)
	return updated, nil
}

// SetStatus applies an operator-requested status transition. A non-empty
// code rides along as the latest observed one-time code; it is archived
// only once the transition is accepted, so a RETURN_COUPON that clears the
// code still leaves the attempt in history while a refused request does not.
func (s *Service) SetStatus(ctx context.Context, orderID string, requested domain.Status, code string) (domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.SetStatus")
	defer span.End()

	unlock := s.locks.lock(orderID)
	defer unlock()

	current, err := s.getLocked(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}

	if code = strings.TrimSpace(code); code != "" {
		current.SMSCode = code
	}

	updated, superseded, err := domain.RequestStatus(current, requested, s.clock)
	if err != nil {
		return domain.Order{}, err
	}

	// Archive only once the transition is accepted; a refused request must
	// leave no trace. A RETURN_COUPON clears the live code but the attempt
	// still lands in history here.
	if code != "" {
		s.archiver.CodeSubmitted(ctx, orderID, code)
	}
	s.archiver.CredentialSuperseded(ctx, orderID, superseded)
	if err := s.store.PutOrder(ctx, updated); err != nil {
		return domain.Order{}, apperrors.Wrap(apperrors.CodePersistence, "persist order status", err)
	}
	s.broadcaster.OrderUpdated(updated)
	return updated, nil
}

// SubmitCode records a user-submitted one-time code. The capability token
// must match the order.
func (s *Service) SubmitCode(ctx context.Context, orderID, token, code string) (domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.SubmitCode")
	defer span.End()

	unlock := s.locks.lock(orderID)
	defer unlock()

	current, err := s.getLocked(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if err := authorize(current, token); err != nil {
		return domain.Order{}, err
	}

	updated, err := domain.AcceptCode(current, code, s.clock)
	if err != nil {
		return domain.Order{}, err
	}

	s.archiver.CodeSubmitted(ctx, orderID, updated.SMSCode)
	if err := s.store.PutOrder(ctx, updated); err != nil {
		return domain.Order{}, apperrors.Wrap(apperrors.CodePersistence, "persist submitted code", err)
	}
	s.broadcaster.OrderUpdated(updated)
	return updated, nil
}

// SubmitPin records a user-submitted secondary PIN. The capability token
// must match the order.
func (s *Service) SubmitPin(ctx context.Context, orderID, token, pin string) (domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.SubmitPin")
	defer span.End()

	unlock := s.locks.lock(orderID)
	defer unlock()

	current, err := s.getLocked(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if err := authorize(current, token); err != nil {
		return domain.Order{}, err
	}

	updated, err := domain.AcceptPin(current, pin, s.clock)
	if err != nil {
		return domain.Order{}, err
	}

	if err := s.store.PutOrder(ctx, updated); err != nil {
		return domain.Order{}, apperrors.Wrap(apperrors.CodePersistence, "persist submitted pin", err)
	}
	s.broadcaster.OrderUpdated(updated)
	return updated, nil
}

// ResubmitCredential overwrites the order's credential triple, archiving the
// superseded one. The capability token must match the order.
func (s *Service) ResubmitCredential(ctx context.Context, orderID, token string, credential domain.Credential) (domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.ResubmitCredential")
	defer span.End()

	unlock := s.locks.lock(orderID)
	defer unlock()

	current, err := s.getLocked(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if err := authorize(current, token); err != nil {
		return domain.Order{}, err
	}

	updated, superseded, err := domain.ApplyCredential(current, credential, s.clock)
	if err != nil {
		return domain.Order{}, err
	}

	s.archiver.CredentialSuperseded(ctx, orderID, superseded)
	if err := s.store.PutOrder(ctx, updated); err != nil {
		return domain.Order{}, apperrors.Wrap(apperrors.CodePersistence, "persist resubmitted credential", err)
	}
	s.broadcaster.OrderUpdated(updated)
	return updated, nil
}

// GetAuthorized loads one order and checks the capability token against it.
func (s *Service) GetAuthorized(ctx context.Context, orderID, token string) (domain.Order, error) {
	current, err := s.getLocked(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if err := authorize(current, token); err != nil {
		return domain.Order{}, err
	}
	return current, nil
}

// Get loads one order by id.
func (s *Service) Get(ctx context.Context, orderID string) (domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.Get")
	defer span.End()
	return s.getLocked(ctx, orderID)
}

// ListRecent returns up to limit orders, newest first.
func (s *Service) ListRecent(ctx context.Context, limit int) ([]domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.ListRecent")
	defer span.End()

	orders, err := s.store.ListRecentOrders(ctx, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePersistence, "list recent orders", err)
	}
	return orders, nil
}

// CredentialHistory returns the archived credential attempts for an order.
func (s *Service) CredentialHistory(ctx context.Context, orderID string) ([]storage.CredentialAttempt, error) {
	attempts, err := s.store.ListCredentialAttempts(ctx, orderID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePersistence, "list credential attempts", err)
	}
	return attempts, nil
}

// CodeHistory returns the archived one-time code attempts for an order.
func (s *Service) CodeHistory(ctx context.Context, orderID string) ([]storage.CodeAttempt, error) {
	attempts, err := s.store.ListCodeAttempts(ctx, orderID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePersistence, "list code attempts", err)
	}
	return attempts, nil
}

func (s *Service) getLocked(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, apperrors.New(apperrors.CodeValidation, "order id is required")
	}
	current, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		if errorsIsNotFound(err) {
			return domain.Order{}, apperrors.WithMetadata(
				apperrors.CodeNotFound,
				fmt.Sprintf("order %s not found", orderID),
				map[string]string{"OrderID": orderID},
			)
		}
		return domain.Order{}, apperrors.Wrap(apperrors.CodePersistence, "load order", err)
	}
	return current, nil
}

// authorize checks the capability token in constant time.
func authorize(order domain.Order, token string) error {
	token = strings.TrimSpace(token)
	if token == "" || subtle.ConstantTimeCompare([]byte(order.Token), []byte(token)) != 1 {
		return apperrors.New(apperrors.CodeAuthorization, "capability token does not match order")
	}
	return nil
}

func errorsIsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

// isLoopback reports whether the client address is a loopback host, with or
// without a port.
func isLoopback(addr string) bool {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
