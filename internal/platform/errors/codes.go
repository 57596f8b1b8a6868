// Package errors provides structured error handling for the gate service.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeValidation indicates a malformed or missing required field.
	CodeValidation Code = "GATE_VALIDATION"

	// CodeInvalidStatusTransition indicates a status change that the
	// transition table does not allow.
	CodeInvalidStatusTransition Code = "GATE_INVALID_STATUS_TRANSITION"

	// CodeInvalidStep indicates a user submission that the order's current
	// status does not accept.
	CodeInvalidStep Code = "GATE_INVALID_STEP"

	// CodeAuthorization indicates a missing or mismatched credential. The
	// message is a generic denial and never reveals which check failed.
	CodeAuthorization Code = "GATE_AUTHORIZATION"

	// CodeNotFound indicates an unknown order id.
	CodeNotFound Code = "GATE_NOT_FOUND"

	// CodePersistence indicates a storage layer failure.
	CodePersistence Code = "GATE_PERSISTENCE"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeInvalidStatusTransition, CodeInvalidStep:
		return http.StatusConflict
	case CodeAuthorization:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodePersistence:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
