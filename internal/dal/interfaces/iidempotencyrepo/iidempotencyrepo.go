package iidempotencyrepo

import (
	"context"
	"time"

	"github.com/ecom-labs/fulfillment/internal/service/models/idempotency"
)

// Repository defines the interface for idempotency record operations.
type Repository interface {
	// TryReserve atomically claims the key for the owner (first writer
	// wins, insert-or-fail). It reports Duplicate with the stored record
	// for a completed key of the same owner, InFlight for a live
	// uncompleted reservation of the same owner, and Conflict for a key
	// held by another user. Expired records are overwritten.
	TryReserve(ctx context.Context, key string, ownerUserID int64, operationType string, now time.Time, reserveTTL time.Duration) (idempotency.Outcome, *idempotency.Record, error)

	// Complete stores the terminal response against a reserved key and
	// extends its expiry to now+responseTTL. Called exactly once per Fresh
	// reservation, on failure paths too.
	Complete(ctx context.Context, key string, response []byte, resultStatus int, expiresAt time.Time) error

	// DeleteExpired purges records that are no longer visible.
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error)
}
