package outbox

import (
	"time"
)

// Status is the delivery state of an outbox event.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusRetry   Status = "RETRY"
	StatusFailed  Status = "FAILED"
)

const (
	// AggregateTypeOrder is the aggregate type for order lifecycle events.
	AggregateTypeOrder = "order"

	EventTypeOrderConfirmed = "OrderConfirmed"
	EventTypeOrderCancelled = "OrderCancelled"
)

// backoffBase is the first retry delay; each retry doubles it.
const backoffBase = 5 * time.Second

// Event represents a domain event persisted in the same transaction as the
// aggregate mutation it describes. Events reaching SENT are never re-sent;
// events exceeding MaxRetries become FAILED and wait for operator action.
type Event struct {
	ID            int64
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Headers       map[string]string
	CreatedAt     time.Time
	SentAt        *time.Time
	RetryCount    int
	MaxRetries    int
	NextRetryAt   time.Time
	Status        Status
}

// Exhausted reports whether the event has used up its retry budget.
func (e Event) Exhausted() bool {
	return e.RetryCount >= e.MaxRetries
}

// NextBackoff returns the delay before the given retry attempt:
// 5s × 2^retryCount (5s, 10s, 20s, 40s, ...).
func NextBackoff(retryCount int) time.Duration {
	return backoffBase << uint(retryCount)
}
