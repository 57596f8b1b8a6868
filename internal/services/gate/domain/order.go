// Package domain owns the order record and the status transition rules of
// the verification pipeline. Nothing outside this package decides whether a
// status change is legal.
package domain

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/verigate/verigate/internal/platform/errors"
	"github.com/verigate/verigate/internal/platform/id"
)

// Order is the canonical persisted record tracked through the pipeline.
type Order struct {
	ID string
	// Token is the capability token authorizing unauthenticated follow-up
	// actions against this order. Issued once, never rotated.
	Token    string
	TenantID string
	// Identity is the submitted identity payload, treated as an opaque blob.
	Identity string
	// Total is the declared cart total, kept as submitted.
	Total      string
	Status     Status
	Credential Credential
	// SMSCode holds the latest one-time code; history is kept separately.
	SMSCode string
	// PIN holds the latest secondary PIN confirmation.
	PIN              string
	ClientAddr       string
	ClientDescriptor string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SubmitInput describes a new submission entering the pipeline.
type SubmitInput struct {
	TenantID         string
	Identity         string
	Total            string
	Credential       Credential
	ClientAddr       string
	ClientDescriptor string
}

// NewOrder creates an order from a submission, computing the auto
// accept/reject decision from the credential format.
func NewOrder(input SubmitInput, now func() time.Time, idGenerator func() (string, error)) (Order, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	tenantID := strings.TrimSpace(input.TenantID)
	if tenantID == "" {
		return Order{}, apperrors.New(apperrors.CodeValidation, "tenant id is required")
	}
	identity := strings.TrimSpace(input.Identity)
	if identity == "" {
		return Order{}, apperrors.New(apperrors.CodeValidation, "identity payload is required")
	}
	clientAddr := strings.TrimSpace(input.ClientAddr)
	if clientAddr == "" {
		return Order{}, apperrors.New(apperrors.CodeValidation, "client address is required")
	}

	orderID, err := idGenerator()
	if err != nil {
		return Order{}, fmt.Errorf("generate order id: %w", err)
	}
	token, err := idGenerator()
	if err != nil {
		return Order{}, fmt.Errorf("generate capability token: %w", err)
	}

	createdAt := now().UTC()
	credential := input.Credential.Normalize()
	return Order{
		ID:               orderID,
		Token:            token,
		TenantID:         tenantID,
		Identity:         identity,
		Total:            strings.TrimSpace(input.Total),
		Status:           decide(credential, createdAt),
		Credential:       credential,
		ClientAddr:       clientAddr,
		ClientDescriptor: strings.TrimSpace(input.ClientDescriptor),
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt,
	}, nil
}

// decide computes the submission-time status from credential format.
func decide(credential Credential, now time.Time) Status {
	if credential.Acceptable(now) {
		return StatusWaitingApproval
	}
	return StatusAutoRejected
}

// MergeEligible reports whether an order with this status can absorb a new
// submission from the same client address.
func MergeEligible(status Status) bool {
	switch status {
	case StatusCompleted, StatusRejected, StatusAutoRejected:
		return false
	default:
		return status.Valid()
	}
}

// RequestStatus applies an operator-requested status transition. A request
// for REJECTED while the order sits at a PIN stage is rewritten to
// RETURN_COUPON before validation: a PIN-stage rejection routes back to
// credential re-entry, never to a hard reject. Entering RETURN_COUPON clears
// the stored credential triple and one-time code; the cleared triple is
// returned so the caller can archive it.
func RequestStatus(order Order, requested Status, now func() time.Time) (Order, Credential, error) {
	if now == nil {
		now = time.Now
	}
	if !requested.Valid() {
		return Order{}, Credential{}, apperrors.New(apperrors.CodeValidation, "requested status is not a known status")
	}

	target := requested
	if target == StatusRejected && (order.Status == StatusRequestPIN || order.Status == StatusPINSubmitted) {
		target = StatusReturnCoupon
	}

	if !isTransitionAllowed(order.Status, target) {
		return Order{}, Credential{}, apperrors.WithMetadata(
			apperrors.CodeInvalidStatusTransition,
			fmt.Sprintf("status transition not allowed: %s -> %s", order.Status.Label(), target.Label()),
			map[string]string{"FromStatus": order.Status.Label(), "ToStatus": target.Label()},
		)
	}

	updated := order
	var superseded Credential
	if target == StatusReturnCoupon {
		superseded = order.Credential
		updated.Credential = Credential{}
		updated.SMSCode = ""
	}
	updated.Status = target
	updated.UpdatedAt = now().UTC()
	return updated, superseded, nil
}

// isTransitionAllowed reports whether an operator-requested transition is in
// the table. User-driven submissions (code, PIN, credential) go through
// their own acceptance rules.
func isTransitionAllowed(from, to Status) bool {
	switch to {
	case StatusApproved:
		return from == StatusWaitingApproval
	case StatusRejected:
		return from == StatusWaitingApproval || from == StatusApproved || from == StatusSMSSubmitted
	case StatusRequestPIN:
		return from == StatusSMSSubmitted
	case StatusCompleted:
		return from == StatusPINSubmitted
	case StatusReturnCoupon:
		switch from {
		case StatusWaitingApproval, StatusApproved, StatusSMSSubmitted, StatusRequestPIN, StatusPINSubmitted:
			return true
		}
		return false
	default:
		return false
	}
}

// AcceptCode applies a user-submitted one-time code. A code is accepted while
// the order awaits or has passed operator approval, or from REJECTED when a
// prior code already exists on the order (the rejected-then-retried
// carve-out).
func AcceptCode(order Order, code string, now func() time.Time) (Order, error) {
	if now == nil {
		now = time.Now
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return Order{}, apperrors.New(apperrors.CodeValidation, "code is required")
	}

	allowed := order.Status == StatusWaitingApproval ||
		order.Status == StatusApproved ||
		order.Status == StatusSMSSubmitted ||
		(order.Status == StatusRejected && order.SMSCode != "")
	if !allowed {
		return Order{}, apperrors.WithMetadata(
			apperrors.CodeInvalidStep,
			fmt.Sprintf("one-time code not accepted at status %s", order.Status.Label()),
			map[string]string{"Status": order.Status.Label()},
		)
	}

	updated := order
	updated.SMSCode = code
	updated.Status = StatusSMSSubmitted
	updated.UpdatedAt = now().UTC()
	return updated, nil
}

// AcceptPin applies a user-submitted secondary PIN. Resubmission at
// PIN_SUBMITTED is idempotent.
func AcceptPin(order Order, pin string, now func() time.Time) (Order, error) {
	if now == nil {
		now = time.Now
	}
	pin = strings.TrimSpace(pin)
	if pin == "" {
		return Order{}, apperrors.New(apperrors.CodeValidation, "pin is required")
	}

	if order.Status != StatusRequestPIN && order.Status != StatusPINSubmitted {
		return Order{}, apperrors.WithMetadata(
			apperrors.CodeInvalidStep,
			fmt.Sprintf("pin not accepted at status %s", order.Status.Label()),
			map[string]string{"Status": order.Status.Label()},
		)
	}

	updated := order
	updated.PIN = pin
	updated.Status = StatusPINSubmitted
	updated.UpdatedAt = now().UTC()
	return updated, nil
}

// MergeCredential folds a repeat submission's credential triple into an
// existing order. Unlike an explicit resubmission the triple may be empty:
// the accept/reject decision is recomputed exactly as at creation, so an
// empty or malformed triple lands on AUTO_REJECTED rather than erroring.
// The superseded triple is returned so the caller can archive it.
func MergeCredential(order Order, credential Credential, now func() time.Time) (Order, Credential) {
	if now == nil {
		now = time.Now
	}
	at := now().UTC()
	updated := order
	superseded := order.Credential
	updated.Credential = credential.Normalize()
	updated.SMSCode = ""
	updated.Status = decide(updated.Credential, at)
	updated.UpdatedAt = at
	return updated, superseded
}

// ApplyCredential overwrites the credential triple, recomputing the
// accept/reject decision exactly as at creation and clearing any stored
// one-time code. Accepted from any current status. The superseded triple is
// returned so the caller can archive it before the overwrite is visible.
func ApplyCredential(order Order, credential Credential, now func() time.Time) (Order, Credential, error) {
	if now == nil {
		now = time.Now
	}
	credential = credential.Normalize()
	if credential.Empty() {
		return Order{}, Credential{}, apperrors.New(apperrors.CodeValidation, "credential is required")
	}

	at := now().UTC()
	updated := order
	superseded := order.Credential
	updated.Credential = credential
	updated.SMSCode = ""
	updated.Status = decide(credential, at)
	updated.UpdatedAt = at
	return updated, superseded, nil
}
