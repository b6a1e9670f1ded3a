package postgres

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/ecom-labs/fulfillment/internal/dal/postgres"
	"github.com/ecom-labs/fulfillment/internal/service/models/outbox"
)

// Repository implements the outbox repository for PostgreSQL.
type Repository struct {
	conn postgres.Querier
}

// NewRepository creates a new outbox repository bound to a pool or
// transaction.
func NewRepository(conn postgres.Querier) *Repository {
	return &Repository{
		conn: conn,
	}
}

// Insert appends a new event. Callers run this inside the transaction that
// mutates the aggregate the event describes.
func (r *Repository) Insert(ctx context.Context, event outbox.Event) error {
	headers, err := json.Marshal(event.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal event headers: %w", err)
	}

	query, args, err := sq.Insert("outbox_events").
		Columns(
			"aggregate_type",
			"aggregate_id",
			"event_type",
			"payload",
			"headers",
			"status",
			"retry_count",
			"max_retries",
			"created_at",
			"next_retry_at",
		).
		Values(
			event.AggregateType,
			event.AggregateID,
			event.EventType,
			event.Payload,
			headers,
			string(event.Status),
			event.RetryCount,
			event.MaxRetries,
			event.CreatedAt,
			event.NextRetryAt,
		).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert query: %w", err)
	}

	if _, err := r.conn.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}

	return nil
}

// ClaimDue returns events due for delivery in createdAt order and pushes
// their next_retry_at forward by the lease, so a concurrent publisher
// instance does not pick them up while this one is delivering. SENT and
// FAILED events never match the predicate.
func (r *Repository) ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]outbox.Event, error) {
	now := time.Now()
	query, args, err := sq.Update("outbox_events").
		Set("next_retry_at", now.Add(lease)).
		Where(sq.Expr(
			`id IN (
				SELECT id FROM outbox_events
				WHERE status IN (?, ?) AND next_retry_at <= ?
				ORDER BY created_at ASC
				LIMIT ?
				FOR UPDATE SKIP LOCKED
			)`,
			string(outbox.StatusPending),
			string(outbox.StatusRetry),
			now,
			limit,
		)).
		Suffix(`RETURNING
			id,
			aggregate_type,
			aggregate_id,
			event_type,
			payload,
			headers,
			status,
			retry_count,
			max_retries,
			created_at,
			sent_at,
			next_retry_at`).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build claim query: %w", err)
	}

	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox events: %w", err)
	}
	defer rows.Close()

	var events []outbox.Event
	for rows.Next() {
		var event outbox.Event
		var status string
		var headers []byte
		err := rows.Scan(
			&event.ID,
			&event.AggregateType,
			&event.AggregateID,
			&event.EventType,
			&event.Payload,
			&headers,
			&status,
			&event.RetryCount,
			&event.MaxRetries,
			&event.CreatedAt,
			&event.SentAt,
			&event.NextRetryAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		event.Status = outbox.Status(status)
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &event.Headers); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event headers: %w", err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox events: %w", err)
	}

	// The claim ordering comes from the subquery; restore it for callers.
	sortEvents(events)

	return events, nil
}

// sortEvents orders by createdAt, breaking ties by id so same-timestamp
// events for one aggregate keep insertion order.
func sortEvents(events []outbox.Event) {
	slices.SortFunc(events, func(a, b outbox.Event) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		return cmp.Compare(a.ID, b.ID)
	})
}

// MarkSent finalizes a delivered event.
func (r *Repository) MarkSent(ctx context.Context, id int64, sentAt time.Time) error {
	query, args, err := sq.Update("outbox_events").
		Set("status", string(outbox.StatusSent)).
		Set("sent_at", sentAt).
		Where(sq.Eq{"id": id}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update query: %w", err)
	}

	if _, err := r.conn.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark outbox event sent: %w", err)
	}

	return nil
}

// MarkRetry schedules another delivery attempt.
func (r *Repository) MarkRetry(ctx context.Context, id int64, retryCount int, lastError string, nextRetryAt time.Time) error {
	query, args, err := sq.Update("outbox_events").
		Set("status", string(outbox.StatusRetry)).
		Set("retry_count", retryCount).
		Set("last_error", lastError).
		Set("next_retry_at", nextRetryAt).
		Where(sq.Eq{"id": id}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update query: %w", err)
	}

	if _, err := r.conn.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update outbox event retry: %w", err)
	}

	return nil
}

// MarkFailed parks an event that exhausted its retries.
func (r *Repository) MarkFailed(ctx context.Context, id int64, lastError string) error {
	query, args, err := sq.Update("outbox_events").
		Set("status", string(outbox.StatusFailed)).
		Set("last_error", lastError).
		Where(sq.Eq{"id": id}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update query: %w", err)
	}

	if _, err := r.conn.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark outbox event failed: %w", err)
	}

	return nil
}
