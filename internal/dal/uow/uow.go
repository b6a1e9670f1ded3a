package uow

import (
	"context"

	"github.com/ecom-labs/fulfillment/internal/dal/interfaces/iidempotencyrepo"
	"github.com/ecom-labs/fulfillment/internal/dal/interfaces/iorderrepo"
	"github.com/ecom-labs/fulfillment/internal/dal/interfaces/ioutboxrepo"
	"github.com/ecom-labs/fulfillment/internal/dal/postgres"
	idempotencyrepo "github.com/ecom-labs/fulfillment/internal/dal/repositories/idempotency/postgres"
	orderrepo "github.com/ecom-labs/fulfillment/internal/dal/repositories/order/postgres"
	outboxrepo "github.com/ecom-labs/fulfillment/internal/dal/repositories/outbox/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// unitOfWork binds the order, outbox, and idempotency repositories to one
// connection source. Before Begin the repositories run against the pool;
// after Begin they share a single transaction, which is the durability unit
// making the order mutation and its outbox event atomic.
type unitOfWork struct {
	pool *pgxpool.Pool
	tx   pgx.Tx

	orderRepo       iorderrepo.Repository
	outboxRepo      ioutboxrepo.Repository
	idempotencyRepo iidempotencyrepo.Repository
}

// NewUnitOfWork creates a unit of work backed by the client's pool.
func NewUnitOfWork(client *postgres.Client) *unitOfWork {
	pool := client.Pool()

	return &unitOfWork{
		pool:            pool,
		orderRepo:       orderrepo.NewRepository(pool),
		outboxRepo:      outboxrepo.NewRepository(pool),
		idempotencyRepo: idempotencyrepo.NewRepository(pool),
	}
}

func (u *unitOfWork) OrderRepository() iorderrepo.Repository {
	return u.orderRepo
}

func (u *unitOfWork) OutboxRepository() ioutboxrepo.Repository {
	return u.outboxRepo
}

func (u *unitOfWork) IdempotencyRepository() iidempotencyrepo.Repository {
	return u.idempotencyRepo
}

// Begin starts a transaction and rebinds the repositories to it.
func (u *unitOfWork) Begin(ctx context.Context) error {
	tx, err := u.pool.Begin(ctx)
	if err != nil {
		return err
	}

	u.tx = tx
	u.orderRepo = orderrepo.NewRepository(tx)
	u.outboxRepo = outboxrepo.NewRepository(tx)
	u.idempotencyRepo = idempotencyrepo.NewRepository(tx)

	return nil
}

// Commit commits the transaction, if one was begun.
func (u *unitOfWork) Commit(ctx context.Context) error {
	if u.tx == nil {
		return nil
	}
	err := u.tx.Commit(ctx)
	u.reset()

	return err
}

// Rollback rolls the transaction back. Safe to defer after Begin; it is a
// no-op once Commit has run.
func (u *unitOfWork) Rollback(ctx context.Context) error {
	if u.tx == nil {
		return nil
	}
	err := u.tx.Rollback(ctx)
	u.reset()
	if err != nil && err != pgx.ErrTxClosed {
		return err
	}

	return nil
}

func (u *unitOfWork) reset() {
	u.tx = nil
	u.orderRepo = orderrepo.NewRepository(u.pool)
	u.outboxRepo = outboxrepo.NewRepository(u.pool)
	u.idempotencyRepo = idempotencyrepo.NewRepository(u.pool)
}
