/*
errors.go - Error taxonomy of the ledger

PURPOSE:
  Every failure surfaced by the ledger carries a stable kind tag so callers
  can decide what to do without parsing messages:

    validation_error      bad input shape/range, unknown entity on write,
                          non-positive value, wrong unit kind, closed account
    insufficient_balance  debit would breach the floor
    idempotency_conflict  same key, materially different request
    not_found             unknown family/user/reward type/transaction on read
    storage_failure       atomic commit could not complete (nothing written)

RETRIES:
  Only storage_failure is safe to retry blindly, with the same idempotency
  key. Everything else needs a corrected request. The ledger never retries
  internally.

USAGE:
  if errors.Is(err, ledger.ErrInsufficientBalance) { ... }
  kind := ledger.KindOf(err)
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
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrIdempotencyConflict = errors.New("idempotency key reused with different parameters")
	ErrStorageFailure      = errors.New("storage failure")

	// Validation sub-kinds.
	ErrInvalidUnitKind     = fmt.Errorf("%w: invalid unit kind", ErrValidation)
	ErrInvalidUnitLabel    = fmt.Errorf("%w: invalid unit label", ErrValidation)
	ErrDuplicateRewardType = fmt.Errorf("%w: duplicate reward type", ErrValidation)
	ErrAccountClosed       = fmt.Errorf("%w: account closed", ErrValidation)
	ErrRoleImmutable       = fmt.Errorf("%w: role cannot change", ErrValidation)

	// ErrDuplicateIdempotencyKey is returned by stores when the unique index on
	// (family, key) rejects an insert. The engine resolves it by re-reading the
	// winner; it never reaches callers.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InsufficientBalanceError provides details about a rejected debit.
type InsufficientBalanceError struct {
	Account   AccountKey
	Balance   int64
	Requested int64
	Floor     int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: account %s has %d, requested %d, floor %d",
		e.Account, e.Balance, e.Requested, e.Floor)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// IdempotencyConflictError is returned when a key was already used for a
// different operation.
type IdempotencyConflictError struct {
	Key      string
	Existing TransactionID
}

func (e *IdempotencyConflictError) Error() string {
	return fmt.Sprintf("idempotency key %q already used by transaction %s with different parameters",
		e.Key, e.Existing)
}

func (e *IdempotencyConflictError) Unwrap() error { return ErrIdempotencyConflict }

// StorageError wraps a persistence failure. Nothing was committed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorageFailure, e.Err} }

// =============================================================================
// KIND TAGS
// =============================================================================

type ErrorKind string

const (
	KindValidation          ErrorKind = "validation_error"
	KindInsufficientBalance ErrorKind = "insufficient_balance"
	KindIdempotencyConflict ErrorKind = "idempotency_conflict"
	KindNotFound            ErrorKind = "not_found"
	KindStorageFailure      ErrorKind = "storage_failure"
)

// KindOf returns the stable kind tag for err. Unclassified errors come from
// the storage layer and are reported as storage failures.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrIdempotencyConflict):
		return KindIdempotencyConflict
	case errors.Is(err, ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	}
	return KindStorageFailure
}

// IsRetryable returns true if the same request may succeed on retry.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == KindStorageFailure
}

// isClassified reports whether err already carries a ledger kind.
func isClassified(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrIdempotencyConflict) ||
		errors.Is(err, ErrStorageFailure)
}

// storageErr wraps unclassified errors so every error leaving the ledger
// has a kind.
func storageErr(op string, err error) error {
	if err == nil || isClassified(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

var refFields = map[string]string{
	"family":      "family_id",
	"user":        "child_id",
	"reward type": "reward_type_id",
	"transaction": "transaction_id",
}

// refErr turns a NotFound on a write path into a ValidationError naming the
// field: on writes an unknown reference is bad input. An empty field is
// derived from the missing entity.
func refErr(field string, err error) error {
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		return err
	}
	if field == "" {
		field = refFields[nf.Entity]
	}
	return &ValidationError{Field: field, Reason: nf.Error()}
}
