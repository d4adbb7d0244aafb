/*
errors.go - Error taxonomy for the advance engine

PURPOSE:
  Every failure a caller can act on is one of four kinds. Each kind has a
  sentinel for errors.Is and a struct carrying context. Persistence failures
  are wrapped with fmt.Errorf and fall outside the taxonomy.

ERROR KINDS:
  ValidationError     bad input (non-positive amount, over limit, bad reason)
  NotFoundError       referenced driver/company/advance/payroll is missing
  StateConflictError  a conditional status update matched zero rows
  BalanceError        a write-off exceeds the outstanding balance

USAGE:

    if errors.Is(err, engine.ErrStateConflict) { ... }

    switch engine.KindOf(err) {
    case engine.KindNotFound: ...
    }

SEE ALSO:
  - api/handlers.go: maps kinds to HTTP status codes
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned when input violates a business rule.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a referenced entity doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrStateConflict is returned when an entity is not in a status that
	// allows the requested transition. Concurrent callers losing a race see this.
	ErrStateConflict = errors.New("state conflict")

	// ErrBalance is returned when an amount exceeds the outstanding balance.
	ErrBalance = errors.New("insufficient balance")

	// ErrDuplicateEntry is returned when a ledger entry with the same
	// idempotency key already exists.
	ErrDuplicateEntry = errors.New("duplicate ledger entry")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func validationErr(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// StateConflictError reports a transition attempted from the wrong status.
// Current is empty when the conflict was detected by a conditional update
// and the winning status is unknown.
type StateConflictError struct {
	Resource string
	ID       string
	Current  string
	Expected []string
}

func (e *StateConflictError) Error() string {
	if e.Current == "" {
		return fmt.Sprintf("%s %s: status changed concurrently, expected one of %v",
			e.Resource, e.ID, e.Expected)
	}
	return fmt.Sprintf("%s %s: status is %s, expected one of %v",
		e.Resource, e.ID, e.Current, e.Expected)
}

func (e *StateConflictError) Unwrap() error { return ErrStateConflict }

type BalanceError struct {
	AdvanceID string
	Requested Amount
	Available Amount
}

func (e *BalanceError) Error() string {
	return fmt.Sprintf("advance %s: requested %s exceeds outstanding balance %s",
		e.AdvanceID, e.Requested, e.Available)
}

func (e *BalanceError) Unwrap() error { return ErrBalance }

// =============================================================================
// ERROR KINDS
// =============================================================================

type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindNotFound
	KindStateConflict
	KindBalance
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindStateConflict:
		return "state_conflict"
	case KindBalance:
		return "balance"
	}
	return "internal"
}

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrStateConflict):
		return KindStateConflict
	case errors.Is(err, ErrBalance):
		return KindBalance
	}
	return KindInternal
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindStateConflict, KindBalance:
		return true
	}
	return false
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func statusStrings(statuses []AdvanceStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
