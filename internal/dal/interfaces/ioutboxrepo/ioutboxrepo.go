package ioutboxrepo

import (
	"context"
	"time"

	"github.com/ecom-labs/fulfillment/internal/service/models/outbox"
)

// Repository defines the interface for outbox operations.
type Repository interface {
	// Insert appends a new event. It must run inside the same transaction
	// as the aggregate mutation the event describes.
	Insert(ctx context.Context, event outbox.Event) error

	// ClaimDue returns events due for delivery (PENDING, or RETRY with
	// nextRetryAt in the past) in createdAt order, pushing their
	// nextRetryAt forward by lease so concurrent publishers skip them.
	ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]outbox.Event, error)

	// MarkSent finalizes a delivered event. SENT events are never re-sent.
	MarkSent(ctx context.Context, id int64, sentAt time.Time) error

	// MarkRetry schedules another attempt after a transient failure.
	MarkRetry(ctx context.Context, id int64, retryCount int, lastError string, nextRetryAt time.Time) error

	// MarkFailed parks an event that exhausted its retries for manual
	// reprocessing.
	MarkFailed(ctx context.Context, id int64, lastError string) error
}
