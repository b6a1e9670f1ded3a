package order

import "errors"

var (
	// ErrBusinessRuleViolation is returned when a create request fails
	// validation before anything has been persisted.
	ErrBusinessRuleViolation = errors.New("business rule violation")

	// ErrInvalidStateTransition is returned when an order is asked to leave
	// a terminal state.
	ErrInvalidStateTransition = errors.New("invalid order state transition")

	// ErrInsufficientInventory is returned when the inventory collaborator
	// cannot reserve the requested items.
	ErrInsufficientInventory = errors.New("insufficient inventory")

	// ErrPaymentDeclined is returned when the payment collaborator declines
	// the charge.
	ErrPaymentDeclined = errors.New("payment declined")

	// ErrCollaboratorUnavailable is returned when a collaborator call fails
	// or times out; the saga treats it like an explicit step failure.
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")

	// ErrNotFound is returned when an order does not exist.
	ErrNotFound = errors.New("order not found")

	// ErrOrderExists is returned when an order was already created under the
	// same idempotency key, typically by an earlier attempt that crashed
	// before recording its outcome.
	ErrOrderExists = errors.New("order already exists for idempotency key")
)
