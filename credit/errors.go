/*
errors.go - Centralized error types for the credit ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify with errors.Is / errors.As or the helpers at the bottom;
  the API layer maps them to status codes.

ERROR CATEGORIES:
  1. Client errors - malformed input, business-rule refusals
  2. Not-found errors - unknown principal or session
  3. Retryable errors - store contention
  4. Informational - duplicate settlement (never surfaced as a failure)

RETRY POLICY:
  ErrConcurrentModification is retried inside Ledger.Update. When the retry
  budget runs out the error is wrapped with ErrUnavailable. Nothing else is
  retried: a refused debit does not change outcome on a second attempt.

SEE ALSO:
  - ledger.go: Produces and wraps these errors
  - api/handlers.go: Maps them to HTTP status codes
*/
package credit

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidArgument is returned for malformed requests (bad enum, negative seconds).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPrincipalNotFound is returned when no balance record exists for a principal.
	ErrPrincipalNotFound = errors.New("principal not found")

	// ErrInsufficientCredits is returned when a positive debit hits a zero balance.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrSessionNotFound is returned when a session id is unknown to the caller's principal.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionNotActive is returned when incrementing or ending a terminal session.
	ErrSessionNotActive = errors.New("session is not active")

	// ErrSessionConflict is returned when a session id is already owned by another principal.
	ErrSessionConflict = errors.New("session id already in use")

	// ErrConcurrentModification is returned by a store when a transaction lost
	// an optimistic race. Retryable.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrUnavailable is returned once concurrent-modification retries are exhausted.
	ErrUnavailable = errors.New("ledger unavailable, try again")

	// ErrDuplicateEvent marks a settlement event id that was already applied.
	// Informational: the settlement path turns it into a successful no-op.
	ErrDuplicateEvent = errors.New("duplicate settlement event")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientCreditsError provides details about a refused debit.
type InsufficientCreditsError struct {
	PrincipalID PrincipalID
	Available   int64
	Requested   int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for %s: available %ds, requested %ds",
		e.PrincipalID, e.Available, e.Requested)
}

func (e *InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrUnavailable)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrSessionNotActive) ||
		errors.Is(err, ErrSessionConflict)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPrincipalNotFound) ||
		errors.Is(err, ErrSessionNotFound)
}
