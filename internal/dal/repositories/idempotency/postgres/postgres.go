package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/ecom-labs/fulfillment/internal/dal/postgres"
	"github.com/ecom-labs/fulfillment/internal/service/models/idempotency"
	"github.com/jackc/pgx/v5"
)

// Repository implements the idempotency repository for PostgreSQL. The
// reservation primitive is an insert-or-fail on the request_key unique
// constraint, never read-then-write.
type Repository struct {
	conn postgres.Querier
}

// NewRepository creates a new idempotency repository bound to a pool or
// transaction.
func NewRepository(conn postgres.Querier) *Repository {
	return &Repository{
		conn: conn,
	}
}

// tryReserveAttempts bounds the races TryReserve absorbs: one retry covers a
// concurrent purge or takeover; sustained contention is surfaced instead.
const tryReserveAttempts = 2

// TryReserve atomically claims the key for the owner.
func (r *Repository) TryReserve(
	ctx context.Context,
	key string,
	ownerUserID int64,
	operationType string,
	now time.Time,
	reserveTTL time.Duration,
) (idempotency.Outcome, *idempotency.Record, error) {
	for attempt := 0; attempt < tryReserveAttempts; attempt++ {
		inserted, err := r.insertReservation(ctx, key, ownerUserID, operationType, now, reserveTTL)
		if err != nil {
			return 0, nil, err
		}
		if inserted {
			return idempotency.OutcomeFresh, nil, nil
		}

		record, err := r.get(ctx, key)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// The conflicting row was purged between insert and read;
				// claim it on the next attempt.
				continue
			}

			return 0, nil, err
		}

		if !record.Live(now) {
			taken, err := r.takeOverExpired(ctx, key, ownerUserID, operationType, now, reserveTTL)
			if err != nil {
				return 0, nil, err
			}
			if taken {
				return idempotency.OutcomeFresh, nil, nil
			}
			// A concurrent caller took the key over first; re-read and
			// classify against the fresh row.
			continue
		}

		if record.OwnerUserID != ownerUserID {
			return idempotency.OutcomeConflict, nil, nil
		}
		if record.Status == idempotency.StatusReserved {
			return idempotency.OutcomeInFlight, nil, nil
		}

		return idempotency.OutcomeDuplicate, record, nil
	}

	return 0, nil, fmt.Errorf("idempotency key %s: reservation contended", key)
}

func (r *Repository) insertReservation(
	ctx context.Context,
	key string,
	ownerUserID int64,
	operationType string,
	now time.Time,
	reserveTTL time.Duration,
) (bool, error) {
	query, args, err := sq.Insert("idempotency_records").
		Columns("request_key", "owner_user_id", "operation_type", "status", "created_at", "expires_at").
		Values(key, ownerUserID, operationType, string(idempotency.StatusReserved), now, now.Add(reserveTTL)).
		Suffix("ON CONFLICT (request_key) DO NOTHING").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build insert query: %w", err)
	}

	tag, err := r.conn.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

func (r *Repository) takeOverExpired(
	ctx context.Context,
	key string,
	ownerUserID int64,
	operationType string,
	now time.Time,
	reserveTTL time.Duration,
) (bool, error) {
	query, args, err := sq.Update("idempotency_records").
		Set("owner_user_id", ownerUserID).
		Set("operation_type", operationType).
		Set("status", string(idempotency.StatusReserved)).
		Set("cached_response", nil).
		Set("result_status", 0).
		Set("created_at", now).
		Set("expires_at", now.Add(reserveTTL)).
		Where(sq.Eq{"request_key": key}).
		Where(sq.LtOrEq{"expires_at": now}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build takeover query: %w", err)
	}

	tag, err := r.conn.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to take over expired idempotency key: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

func (r *Repository) get(ctx context.Context, key string) (*idempotency.Record, error) {
	query, args, err := sq.Select(
		"request_key",
		"owner_user_id",
		"operation_type",
		"status",
		"cached_response",
		"result_status",
		"created_at",
		"expires_at",
	).
		From("idempotency_records").
		Where(sq.Eq{"request_key": key}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	var record idempotency.Record
	var status string
	err = r.conn.QueryRow(ctx, query, args...).Scan(
		&record.RequestKey,
		&record.OwnerUserID,
		&record.OperationType,
		&status,
		&record.CachedResponse,
		&record.ResultStatus,
		&record.CreatedAt,
		&record.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	record.Status = idempotency.RecordStatus(status)

	return &record, nil
}

// Complete stores the terminal response against a reserved key.
func (r *Repository) Complete(ctx context.Context, key string, response []byte, resultStatus int, expiresAt time.Time) error {
	query, args, err := sq.Update("idempotency_records").
		Set("status", string(idempotency.StatusCompleted)).
		Set("cached_response", response).
		Set("result_status", resultStatus).
		Set("expires_at", expiresAt).
		Where(sq.Eq{"request_key": key}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build complete query: %w", err)
	}

	if _, err := r.conn.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to complete idempotency record: %w", err)
	}

	return nil
}

// DeleteExpired purges records past their expiry.
func (r *Repository) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	query, args, err := sq.Delete("idempotency_records").
		Where(sq.Expr(
			`request_key IN (
				SELECT request_key FROM idempotency_records
				WHERE expires_at <= ?
				LIMIT ?
			)`,
			now,
			limit,
		)).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build delete query: %w", err)
	}

	tag, err := r.conn.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired idempotency records: %w", err)
	}

	return tag.RowsAffected(), nil
}
