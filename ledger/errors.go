/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers distinguish failures with errors.Is / errors.As, or with Classify.

ERROR CATEGORIES:
  1. Validation  - malformed input (400)
  2. Policy      - well-formed but violates business thresholds (403, C1xx)
  3. Not found   - unknown account or transfer (404)
  4. Conflict    - current ledger state forbids the operation (409, T1xx)
  5. Transient   - concurrent-update contention, safe to retry (503)

SEE ALSO:
  - validation.go: Produces validation and policy errors
  - engine.go: Produces conflict and transient errors
  - api/errors.go: Maps classes to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// Validation
	ErrMissingField       = errors.New("missing required field")
	ErrMissingTimezone    = errors.New("date has no timezone offset")
	ErrInvalidDate        = errors.New("invalid date")
	ErrInvalidDateRange   = errors.New("start date must be before end date")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrNonPositiveAmount  = errors.New("amount must be greater than zero")
	ErrInvalidOrderNumber = errors.New("invalid order number")
	ErrInvalidName        = errors.New("invalid account name")

	// Policy
	ErrAmountBelowMinimum = errors.New("amount below minimum load value")
	ErrAmountAboveMaximum = errors.New("amount above maximum account value")

	// Not found
	ErrAccountNotFound  = errors.New("account not found")
	ErrTransferNotFound = errors.New("transfer not found")

	// Conflict
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrAccountInactive     = errors.New("account is outside its validity window")
	ErrAlreadyReversed     = errors.New("transfer already reversed")
	ErrOrderNumberMismatch = errors.New("order number does not match transfer")
	ErrNotReversible       = errors.New("reversal transfers cannot be reversed")

	// ErrDuplicateAccountCode is returned by stores when a generated code
	// collides. The engine regenerates and tries again.
	ErrDuplicateAccountCode = errors.New("duplicate account code")

	// ErrUnknownTransferKind is returned by stores asked to write or read a
	// transfer whose kind is not redemption, refund or reversal.
	ErrUnknownTransferKind = errors.New("unknown transfer kind")

	// ErrConcurrentModification is returned when the optimistic balance
	// check detects that another writer got there first.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrBusy is returned once the engine gives up retrying a contended update.
	ErrBusy = errors.New("ledger busy, retry later")
)

// Stable machine-readable codes.
const (
	CodeAmountTooLow      = "C101"
	CodeAmountTooHigh     = "C102"
	CodeInsufficientFunds = "T101"
	CodeAccountInactive   = "T102"
	CodeAlreadyReversed   = "T103"
	CodeOrderMismatch     = "T104"
	CodeNotReversible     = "T105"
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// FieldError ties a validation failure to an input field.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string { return fmt.Sprintf("%s: %v", e.Field, e.Err) }
func (e *FieldError) Unwrap() error { return e.Err }

// PolicyError reports a load amount outside the configured thresholds.
type PolicyError struct {
	Code   string
	Amount Money
	Limit  Money
	err    error
}

func (e *PolicyError) Error() string {
	if errors.Is(e.err, ErrAmountBelowMinimum) {
		return fmt.Sprintf("amount %s is below the minimum load value of %s", e.Amount, e.Limit)
	}
	return fmt.Sprintf("amount %s exceeds the maximum account value of %s", e.Amount, e.Limit)
}

func (e *PolicyError) Unwrap() error { return e.err }

// InsufficientFundsError provides details about a balance shortage.
type InsufficientFundsError struct {
	Account   AccountCode
	Available Money
	Requested Money
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds in %s: available %s, requested %s",
		e.Account, e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// AlreadyReversedError names the reversal that already voided a transfer.
type AlreadyReversedError struct {
	Transfer   TransferID
	ReversedBy TransferID
}

func (e *AlreadyReversedError) Error() string {
	if e.ReversedBy == "" {
		return fmt.Sprintf("transfer %s already reversed", e.Transfer)
	}
	return fmt.Sprintf("transfer %s already reversed by %s", e.Transfer, e.ReversedBy)
}

func (e *AlreadyReversedError) Unwrap() error { return ErrAlreadyReversed }

// =============================================================================
// CLASSIFICATION
// =============================================================================

type ErrorClass int

const (
	ClassInternal ErrorClass = iota
	ClassValidation
	ClassPolicy
	ClassNotFound
	ClassConflict
	ClassTransient
)

func (c ErrorClass) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassPolicy:
		return "policy"
	case ClassNotFound:
		return "not_found"
	case ClassConflict:
		return "conflict"
	case ClassTransient:
		return "transient"
	}
	return "internal"
}

func isAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// Classify maps an error to one of the five failure classes.
// Anything unrecognized is ClassInternal.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassInternal
	case isAny(err, ErrMissingField, ErrMissingTimezone, ErrInvalidDate, ErrInvalidDateRange,
		ErrInvalidAmount, ErrNonPositiveAmount, ErrInvalidOrderNumber, ErrInvalidName):
		return ClassValidation
	case isAny(err, ErrAmountBelowMinimum, ErrAmountAboveMaximum):
		return ClassPolicy
	case IsNotFound(err):
		return ClassNotFound
	case isAny(err, ErrInsufficientFunds, ErrAccountInactive, ErrAlreadyReversed,
		ErrOrderNumberMismatch, ErrNotReversible):
		return ClassConflict
	case IsRetryable(err):
		return ClassTransient
	}
	return ClassInternal
}

// ErrorCode returns the stable code for policy and conflict errors, or "".
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAmountBelowMinimum):
		return CodeAmountTooLow
	case errors.Is(err, ErrAmountAboveMaximum):
		return CodeAmountTooHigh
	case errors.Is(err, ErrInsufficientFunds):
		return CodeInsufficientFunds
	case errors.Is(err, ErrAccountInactive):
		return CodeAccountInactive
	case errors.Is(err, ErrAlreadyReversed):
		return CodeAlreadyReversed
	case errors.Is(err, ErrOrderNumberMismatch):
		return CodeOrderMismatch
	case errors.Is(err, ErrNotReversible):
		return CodeNotReversible
	}
	return ""
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrBusy)
}

// IsClientError returns true if resubmitting different input could succeed.
func IsClientError(err error) bool {
	c := Classify(err)
	return c == ClassValidation || c == ClassPolicy
}

// IsNotFound returns true if the error indicates a missing account or transfer.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrTransferNotFound)
}
