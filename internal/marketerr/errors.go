// Package marketerr defines the error taxonomy shared by every marketplace component.
//
// Business-rule failures are returned as wrapped sentinels so callers can branch with
// errors.Is, while KindOf classifies any error for retry and HTTP mapping decisions.
package marketerr

import "errors"

// Kind classifies an error for propagation decisions.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindStateConflict       Kind = "state_conflict"
	KindExternalUnavailable Kind = "external_unavailable"
	KindNotFound            Kind = "not_found"
	KindLimitExceeded       Kind = "limit_exceeded"
	KindCapacity            Kind = "capacity"
	KindInternal            Kind = "internal"
)

// Error is a classified marketplace error. Sentinels are compared by identity.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// Validation errors: bad input, rejected synchronously, never retried.
var (
	ErrInvalidBid          = &Error{Kind: KindValidation, Code: "invalid_bid", Message: "invalid bid"}
	ErrInvalidListing      = &Error{Kind: KindValidation, Code: "invalid_listing", Message: "invalid listing"}
	ErrInvalidCounteroffer = &Error{Kind: KindValidation, Code: "invalid_counteroffer", Message: "invalid counteroffer"}
	ErrInvalidPartner      = &Error{Kind: KindValidation, Code: "invalid_partner", Message: "unknown authentication partner"}
	ErrExpired             = &Error{Kind: KindValidation, Code: "expired", Message: "offer has expired"}
	ErrForbidden           = &Error{Kind: KindValidation, Code: "forbidden", Message: "not permitted for this user"}
	ErrUnverified          = &Error{Kind: KindValidation, Code: "unverified", Message: "user is not verified"}
	ErrInvalidInput        = &Error{Kind: KindValidation, Code: "invalid_input", Message: "invalid input"}
	ErrPaymentDeclined     = &Error{Kind: KindValidation, Code: "payment_declined", Message: "payment was declined"}
)

// State conflicts: surfaced to the caller, never silently resolved.
var (
	ErrNotActive        = &Error{Kind: KindStateConflict, Code: "not_active", Message: "listing is not active"}
	ErrNotPending       = &Error{Kind: KindStateConflict, Code: "not_pending", Message: "bid is not pending"}
	ErrAlreadyTerminal  = &Error{Kind: KindStateConflict, Code: "already_terminal", Message: "authentication request already has a result"}
	ErrWrongState       = &Error{Kind: KindStateConflict, Code: "wrong_state", Message: "order is in the wrong state"}
	ErrAlreadyShipped   = &Error{Kind: KindStateConflict, Code: "already_shipped", Message: "order already shipped"}
	ErrPayoutNotAllowed = &Error{Kind: KindStateConflict, Code: "payout_not_allowed", Message: "payout is not yet allowed"}
	ErrAlreadyPaidOut   = &Error{Kind: KindStateConflict, Code: "already_paid_out", Message: "payout already released"}
	ErrLockHeld         = &Error{Kind: KindStateConflict, Code: "lock_held", Message: "resource is being modified, retry shortly"}
)

var (
	ErrNotFound         = &Error{Kind: KindNotFound, Code: "not_found", Message: "not found"}
	ErrLimitExceeded    = &Error{Kind: KindLimitExceeded, Code: "limit_exceeded", Message: "counteroffer limit reached"}
	ErrUnavailable      = &Error{Kind: KindExternalUnavailable, Code: "unavailable", Message: "external service unavailable"}
	ErrCapacityExceeded = &Error{Kind: KindCapacity, Code: "capacity_exceeded", Message: "store capacity exceeded"}
)

// KindOf returns the Kind of the first classified error in err's chain, or
// KindInternal when the chain carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the machine-readable code for err, or "internal".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

// Retryable reports whether a caller may retry the operation later.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindExternalUnavailable:
		return true
	case KindStateConflict:
		return errors.Is(err, ErrLockHeld)
	}
	return false
}
