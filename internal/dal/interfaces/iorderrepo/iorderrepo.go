package iorderrepo

import (
	"context"
	"time"

	"github.com/ecom-labs/fulfillment/internal/service/models/order"
	"github.com/google/uuid"
)

// Repository defines the interface for order aggregate persistence.
type Repository interface {
	// Insert persists a new PENDING order together with its items.
	Insert(ctx context.Context, o order.Order) (order.Order, error)

	// GetByID retrieves an order with its items.
	GetByID(ctx context.Context, id uuid.UUID) (*order.Order, error)

	// GetByIdempotencyKey retrieves the order created under an idempotency
	// key, so a retry can pick up the order of a crashed first attempt.
	GetByIdempotencyKey(ctx context.Context, key string) (*order.Order, error)

	// UpdateStatus moves an order from one status to another. It returns
	// order.ErrInvalidStateTransition when the order is not in the expected
	// source status, which also serializes concurrent transitions.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to order.Status, reason *string) error

	// ClaimExpiredPending locks and returns PENDING orders whose expiry has
	// passed, skipping rows claimed by concurrent sweepers.
	ClaimExpiredPending(ctx context.Context, now time.Time, limit int) ([]order.Order, error)
}
