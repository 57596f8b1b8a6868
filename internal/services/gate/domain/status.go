package domain

import (
	"fmt"
	"strings"

	apperrors "github.com/verigate/verigate/internal/platform/errors"
)

// Status describes the lifecycle position of an order in the verification
// pipeline.
type Status int

const (
	// StatusUnspecified represents an invalid status value.
	StatusUnspecified Status = iota
	// StatusWaitingApproval indicates a submitted order awaiting operator review.
	StatusWaitingApproval
	// StatusAutoRejected indicates the credential failed format validation at
	// submission time. Terminal.
	StatusAutoRejected
	// StatusApproved indicates the operator accepted the submission.
	StatusApproved
	// StatusRejected indicates the operator rejected the submission.
	StatusRejected
	// StatusSMSSubmitted indicates the user confirmed a one-time code.
	StatusSMSSubmitted
	// StatusRequestPIN indicates the operator asked for the secondary PIN.
	StatusRequestPIN
	// StatusPINSubmitted indicates the user confirmed the secondary PIN.
	StatusPINSubmitted
	// StatusCompleted indicates the order was finalized. Terminal.
	StatusCompleted
	// StatusReturnCoupon indicates the user was routed back to credential
	// re-entry.
	StatusReturnCoupon
)

// statusLabels maps statuses to their stable wire labels.
var statusLabels = map[Status]string{
	StatusWaitingApproval: "WAITING_APPROVAL",
	StatusAutoRejected:    "AUTO_REJECTED",
	StatusApproved:        "APPROVED",
	StatusRejected:        "REJECTED",
	StatusSMSSubmitted:    "SMS_SUBMITTED",
	StatusRequestPIN:      "REQUEST_PIN",
	StatusPINSubmitted:    "PIN_SUBMITTED",
	StatusCompleted:       "COMPLETED",
	StatusReturnCoupon:    "RETURN_COUPON",
}

// Label returns the stable wire label for a status.
func (s Status) Label() string {
	if label, ok := statusLabels[s]; ok {
		return label
	}
	return "UNSPECIFIED"
}

// String implements fmt.Stringer.
func (s Status) String() string {
	return s.Label()
}

// Valid reports whether the status is a member of the defined enum.
func (s Status) Valid() bool {
	_, ok := statusLabels[s]
	return ok
}

// StatusFromLabel parses a wire label into a Status. It trims whitespace and
// matches case-insensitively.
func StatusFromLabel(value string) (Status, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(value))
	if trimmed == "" {
		return StatusUnspecified, apperrors.New(apperrors.CodeValidation, "status is required")
	}
	for status, label := range statusLabels {
		if label == trimmed {
			return status, nil
		}
	}
	return StatusUnspecified, apperrors.WithMetadata(
		apperrors.CodeValidation,
		fmt.Sprintf("unknown status %q", value),
		map[string]string{"Status": trimmed},
	)
}
