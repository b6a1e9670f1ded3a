package order

import (
	"time"

	"github.com/ecom-labs/fulfillment/internal/service/models/currency"
	"github.com/ecom-labs/fulfillment/internal/service/models/orderitem"
	"github.com/google/uuid"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
)

// Order represents the order aggregate. It is created in PENDING and moves
// exactly once to CONFIRMED or CANCELLED; terminal states are final and
// orders are never deleted.
type Order struct {
	ID             uuid.UUID             `json:"id"`
	UserID         int64                 `json:"userId"`
	Items          []orderitem.OrderItem `json:"items"`
	TotalCents     int64                 `json:"totalCents"`
	Currency       currency.Currency     `json:"currency"`
	Status         Status                `json:"status"`
	IdempotencyKey *string               `json:"idempotencyKey,omitempty"`
	CancelReason   *string               `json:"cancelReason,omitempty"`
	CreatedAt      time.Time             `json:"createdAt"`
	ExpiresAt      time.Time             `json:"expiresAt"`
}

// New builds a PENDING order from validated items. The caller is expected to
// have run Validate on the same rules beforehand; New still recomputes the
// total so the invariant total = Σ quantity × unitPrice holds by construction.
func New(userID int64, items []orderitem.OrderItem, cur currency.Currency, now time.Time, ttl time.Duration) Order {
	var total int64
	for _, item := range items {
		total += item.SubtotalCents()
	}

	return Order{
		ID:         uuid.New(),
		UserID:     userID,
		Items:      items,
		TotalCents: total,
		Currency:   cur,
		Status:     StatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
}

// Confirm transitions the order from PENDING to CONFIRMED.
func (o *Order) Confirm() error {
	if o.Status != StatusPending {
		return ErrInvalidStateTransition
	}
	o.Status = StatusConfirmed

	return nil
}

// Cancel transitions the order from PENDING to CANCELLED and records the
// reason. Confirmed orders cannot be cancelled through this path.
func (o *Order) Cancel(reason string) error {
	if o.Status != StatusPending {
		return ErrInvalidStateTransition
	}
	o.Status = StatusCancelled
	o.CancelReason = &reason

	return nil
}

// Expired reports whether a PENDING order has passed its expiry deadline.
func (o *Order) Expired(now time.Time) bool {
	return o.Status == StatusPending && now.After(o.ExpiresAt)
}
