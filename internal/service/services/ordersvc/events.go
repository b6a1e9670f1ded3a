package ordersvc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ecom-labs/fulfillment/internal/service/models/order"
	"github.com/ecom-labs/fulfillment/internal/service/models/outbox"
	"github.com/shopspring/decimal"
)

const eventSchemaVersion = "1"

type confirmedPayload struct {
	OrderID     string `json:"orderId"`
	UserID      int64  `json:"userId"`
	TotalAmount string `json:"totalAmount"`
	Currency    string `json:"currency"`
	PaymentID   string `json:"paymentId"`
	ConfirmedAt string `json:"confirmedAt"`
}

type cancelledPayload struct {
	OrderID     string `json:"orderId"`
	UserID      int64  `json:"userId"`
	Reason      string `json:"reason"`
	CancelledAt string `json:"cancelledAt"`
}

// NewConfirmedEvent builds the OrderConfirmed outbox event for an order.
func NewConfirmedEvent(ord order.Order, paymentID string, now time.Time, maxRetries int) (outbox.Event, error) {
	payload, err := json.Marshal(confirmedPayload{
		OrderID:     ord.ID.String(),
		UserID:      ord.UserID,
		TotalAmount: amountString(ord.TotalCents),
		Currency:    ord.Currency.String(),
		PaymentID:   paymentID,
		ConfirmedAt: now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return outbox.Event{}, fmt.Errorf("failed to marshal confirmed payload: %w", err)
	}

	return newEvent(ord, outbox.EventTypeOrderConfirmed, payload, now, maxRetries), nil
}

// NewCancelledEvent builds the OrderCancelled outbox event for an order.
func NewCancelledEvent(ord order.Order, reason string, now time.Time, maxRetries int) (outbox.Event, error) {
	payload, err := json.Marshal(cancelledPayload{
		OrderID:     ord.ID.String(),
		UserID:      ord.UserID,
		Reason:      reason,
		CancelledAt: now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return outbox.Event{}, fmt.Errorf("failed to marshal cancelled payload: %w", err)
	}

	return newEvent(ord, outbox.EventTypeOrderCancelled, payload, now, maxRetries), nil
}

func newEvent(ord order.Order, eventType string, payload []byte, now time.Time, maxRetries int) outbox.Event {
	headers := map[string]string{
		"schema-version": eventSchemaVersion,
	}
	if ord.IdempotencyKey != nil {
		headers["causation-id"] = *ord.IdempotencyKey
	}

	return outbox.Event{
		AggregateType: outbox.AggregateTypeOrder,
		AggregateID:   ord.ID.String(),
		EventType:     eventType,
		Payload:       payload,
		Headers:       headers,
		Status:        outbox.StatusPending,
		MaxRetries:    maxRetries,
		CreatedAt:     now,
		NextRetryAt:   now,
	}
}

// amountString renders cents as a decimal amount ("2000" cents -> "20.00").
func amountString(cents int64) string {
	return decimal.NewFromInt(cents).Div(decimal.NewFromInt(100)).StringFixed(2)
}
