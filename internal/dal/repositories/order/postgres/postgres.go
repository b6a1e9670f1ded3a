package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/ecom-labs/fulfillment/internal/dal/postgres"
	"github.com/ecom-labs/fulfillment/internal/service/models/currency"
	"github.com/ecom-labs/fulfillment/internal/service/models/order"
	"github.com/ecom-labs/fulfillment/internal/service/models/orderitem"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolationCode = "23505"

// Repository implements the order repository for PostgreSQL.
type Repository struct {
	conn postgres.Querier
}

// NewRepository creates a new order repository bound to a pool or
// transaction.
func NewRepository(conn postgres.Querier) *Repository {
	return &Repository{
		conn: conn,
	}
}

// orderDal represents the order row.
type orderDal struct {
	ID             uuid.UUID
	UserID         int64
	TotalCents     int64
	Currency       string
	Status         string
	IdempotencyKey *string
	CancelReason   *string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

func (d *orderDal) toModel() (*order.Order, error) {
	cur, err := currency.ParseCurrency(d.Currency)
	if err != nil {
		return nil, err
	}

	return &order.Order{
		ID:             d.ID,
		UserID:         d.UserID,
		TotalCents:     d.TotalCents,
		Currency:       cur,
		Status:         order.Status(d.Status),
		IdempotencyKey: d.IdempotencyKey,
		CancelReason:   d.CancelReason,
		CreatedAt:      d.CreatedAt,
		ExpiresAt:      d.ExpiresAt,
		Items:          []orderitem.OrderItem{},
	}, nil
}

// Insert persists a new order together with its items.
func (r *Repository) Insert(ctx context.Context, o order.Order) (order.Order, error) {
	query, args, err := sq.Insert("orders").
		Columns(
			"id",
			"user_id",
			"total_cents",
			"currency",
			"status",
			"idempotency_key",
			"created_at",
			"expires_at",
		).
		Values(
			o.ID,
			o.UserID,
			o.TotalCents,
			o.Currency.String(),
			string(o.Status),
			o.IdempotencyKey,
			o.CreatedAt,
			o.ExpiresAt,
		).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return order.Order{}, fmt.Errorf("failed to build insert query: %w", err)
	}

	if _, err := r.conn.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return order.Order{}, order.ErrOrderExists
		}

		return order.Order{}, fmt.Errorf("failed to insert order: %w", err)
	}

	if len(o.Items) > 0 {
		builder := sq.Insert("order_items").
			Columns("order_id", "product_id", "quantity", "unit_price_cents", "price_currency", "created_at").
			PlaceholderFormat(sq.Dollar).
			Suffix("RETURNING id")
		for _, item := range o.Items {
			builder = builder.Values(o.ID, item.ProductID, item.Quantity, item.UnitPriceCents, item.PriceCurrency.String(), o.CreatedAt)
		}

		query, args, err := builder.ToSql()
		if err != nil {
			return order.Order{}, fmt.Errorf("failed to build insert items query: %w", err)
		}

		rows, err := r.conn.Query(ctx, query, args...)
		if err != nil {
			return order.Order{}, fmt.Errorf("failed to insert order items: %w", err)
		}
		defer rows.Close()

		i := 0
		for rows.Next() {
			if err := rows.Scan(&o.Items[i].ID); err != nil {
				return order.Order{}, fmt.Errorf("failed to scan order item id: %w", err)
			}
			o.Items[i].OrderID = o.ID
			o.Items[i].CreatedAt = o.CreatedAt
			i++
		}
		if err := rows.Err(); err != nil {
			return order.Order{}, fmt.Errorf("rows iteration error: %w", err)
		}
	}

	return o, nil
}

// GetByID retrieves an order and its items.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	return r.getOne(ctx, sq.Eq{"id": id})
}

// GetByIdempotencyKey retrieves the order created under an idempotency key.
// Used when a retried request finds the order of a crashed first attempt.
func (r *Repository) GetByIdempotencyKey(ctx context.Context, key string) (*order.Order, error) {
	return r.getOne(ctx, sq.Eq{"idempotency_key": key})
}

func (r *Repository) getOne(ctx context.Context, pred sq.Eq) (*order.Order, error) {
	query, args, err := sq.Select(
		"id",
		"user_id",
		"total_cents",
		"currency",
		"status",
		"idempotency_key",
		"cancel_reason",
		"created_at",
		"expires_at",
	).
		From("orders").
		Where(pred).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	var dal orderDal
	err = r.conn.QueryRow(ctx, query, args...).Scan(
		&dal.ID,
		&dal.UserID,
		&dal.TotalCents,
		&dal.Currency,
		&dal.Status,
		&dal.IdempotencyKey,
		&dal.CancelReason,
		&dal.CreatedAt,
		&dal.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}

		return nil, fmt.Errorf("failed to query order: %w", err)
	}

	model, err := dal.toModel()
	if err != nil {
		return nil, fmt.Errorf("failed to convert order dal to model: %w", err)
	}

	items, err := r.queryItems(ctx, dal.ID)
	if err != nil {
		return nil, err
	}
	model.Items = items

	return model, nil
}

func (r *Repository) queryItems(ctx context.Context, orderID uuid.UUID) ([]orderitem.OrderItem, error) {
	query, args, err := sq.Select(
		"id",
		"order_id",
		"product_id",
		"quantity",
		"unit_price_cents",
		"price_currency",
		"created_at",
	).
		From("order_items").
		Where(sq.Eq{"order_id": orderID}).
		OrderBy("id ASC").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select items query: %w", err)
	}

	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query order items: %w", err)
	}
	defer rows.Close()

	items := []orderitem.OrderItem{}
	for rows.Next() {
		var item orderitem.OrderItem
		var cur string
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.Quantity,
			&item.UnitPriceCents,
			&cur,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		item.PriceCurrency, err = currency.ParseCurrency(cur)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return items, nil
}

// UpdateStatus moves an order between statuses. The WHERE clause on the
// source status makes the transition conditional, so a terminal order can
// never be moved again.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to order.Status, reason *string) error {
	builder := sq.Update("orders").
		Set("status", string(to)).
		Where(sq.Eq{"id": id, "status": string(from)}).
		PlaceholderFormat(sq.Dollar)
	if reason != nil {
		builder = builder.Set("cancel_reason", *reason)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update query: %w", err)
	}

	tag, err := r.conn.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrInvalidStateTransition
	}

	return nil
}

// ClaimExpiredPending locks and returns PENDING orders past their expiry.
// SKIP LOCKED keeps concurrent sweepers from cancelling the same order.
func (r *Repository) ClaimExpiredPending(ctx context.Context, now time.Time, limit int) ([]order.Order, error) {
	query, args, err := sq.Select(
		"id",
		"user_id",
		"total_cents",
		"currency",
		"status",
		"idempotency_key",
		"cancel_reason",
		"created_at",
		"expires_at",
	).
		From("orders").
		Where(sq.Eq{"status": string(order.StatusPending)}).
		Where(sq.LtOrEq{"expires_at": now}).
		OrderBy("expires_at ASC").
		Limit(uint64(limit)).
		Suffix("FOR UPDATE SKIP LOCKED").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired orders: %w", err)
	}
	defer rows.Close()

	var result []order.Order
	for rows.Next() {
		var dal orderDal
		err := rows.Scan(
			&dal.ID,
			&dal.UserID,
			&dal.TotalCents,
			&dal.Currency,
			&dal.Status,
			&dal.IdempotencyKey,
			&dal.CancelReason,
			&dal.CreatedAt,
			&dal.ExpiresAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		model, err := dal.toModel()
		if err != nil {
			return nil, fmt.Errorf("failed to convert order dal to model: %w", err)
		}
		result = append(result, *model)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return result, nil
}
