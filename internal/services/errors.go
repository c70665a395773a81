package services

import "github.com/pkg/errors"

// Typed errors for the request state machine. Handlers translate these to
// HTTP statuses; batch processing collects them per line. A failed
// transition never leaves a partially written record: every sentinel below
// is raised either before any store write or by a rejected compare-and-swap.
var (
	// ErrNotFound is returned when the request does not exist
	ErrNotFound = errors.New("stock request not found")

	// ErrInvalidState is returned when the request's current status does not
	// permit the attempted transition
	ErrInvalidState = errors.New("operation not valid in current request state")

	// ErrAlreadyStamped is returned when an approval gate has already been
	// stamped. Duplicate stamps are an explicit error, not a silent no-op,
	// so duplicate clicks surface to the caller.
	ErrAlreadyStamped = errors.New("approval gate already stamped")

	// ErrNotApproved is returned when delivery is attempted before both
	// approval gates are stamped
	ErrNotApproved = errors.New("request is not fully approved")

	// ErrInsufficientStock is returned when the ledger cannot satisfy the
	// delivery quantity atomically
	ErrInsufficientStock = errors.New("insufficient stock for delivery")

	// ErrEmptyReason is returned when a rejection carries no reason
	ErrEmptyReason = errors.New("rejection reason must not be empty")

	// ErrInvalidQuantity is returned when a quantity is out of range for the
	// attempted operation
	ErrInvalidQuantity = errors.New("quantity out of range")

	// ErrConflict is returned when a concurrent writer won the
	// compare-and-swap and retrying did not resolve it; nothing was written
	ErrConflict = errors.New("request was modified concurrently")

	// ErrUnknownReference is returned when a request points at an item or
	// employee that does not exist
	ErrUnknownReference = errors.New("referenced record does not exist")

	// ErrSearchUnavailable is returned when the search index is not
	// configured
	ErrSearchUnavailable = errors.New("search index is not available")
)
