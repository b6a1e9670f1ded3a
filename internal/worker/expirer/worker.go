package expirer

import (
	"context"
	"log/slog"
	"time"

	"github.com/ecom-labs/fulfillment/internal/dal/interfaces/iidempotencyrepo"
	"github.com/ecom-labs/fulfillment/internal/dal/interfaces/iorderrepo"
	"github.com/ecom-labs/fulfillment/internal/dal/interfaces/ioutboxrepo"
	"github.com/ecom-labs/fulfillment/internal/dal/postgres"
	"github.com/ecom-labs/fulfillment/internal/dal/uow"
	"github.com/ecom-labs/fulfillment/internal/service/models/order"
	"github.com/ecom-labs/fulfillment/internal/service/services/ordersvc"
	"github.com/spf13/viper"
)

// unitOfWork is the transactional boundary for one expired order: the
// status change and its CancelledEvent commit together.
type unitOfWork interface {
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	OrderRepository() iorderrepo.Repository
	OutboxRepository() ioutboxrepo.Repository
	IdempotencyRepository() iidempotencyrepo.Repository
}

// Worker cancels PENDING orders whose expiry has passed and purges expired
// idempotency records. This is a timeout policy running outside the request
// path, not a saga step.
type Worker struct {
	pgClient     *postgres.Client
	uowFactory   func() unitOfWork
	clock        func() time.Time
	pollInterval time.Duration
	batchSize    int
	maxRetries   int
	stopCh       chan struct{}
}

func (w *Worker) newUOW() unitOfWork {
	if w.uowFactory != nil {
		return w.uowFactory()
	}

	return uow.NewUnitOfWork(w.pgClient)
}

// NewWorker creates a new expiry worker.
func NewWorker(pgClient *postgres.Client) *Worker {
	pollIntervalSeconds := viper.GetInt("order.expirer.poll_interval_seconds")
	if pollIntervalSeconds == 0 {
		pollIntervalSeconds = 60
	}

	batchSize := viper.GetInt("order.expirer.batch_size")
	if batchSize == 0 {
		batchSize = 100
	}

	maxRetries := viper.GetInt("rabbitmq.outbox.max_retries")
	if maxRetries == 0 {
		maxRetries = 5
	}

	return &Worker{
		pgClient:     pgClient,
		clock:        time.Now,
		pollInterval: time.Duration(pollIntervalSeconds) * time.Second,
		batchSize:    batchSize,
		maxRetries:   maxRetries,
		stopCh:       make(chan struct{}),
	}
}

// WithClock injects the time source.
func (w *Worker) WithClock(clock func() time.Time) *Worker {
	w.clock = clock

	return w
}

// Start begins the periodic sweep.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	slog.Info("Expirer worker started", "poll_interval", w.pollInterval, "batch_size", w.batchSize)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Expirer worker shutting down")

			return
		case <-w.stopCh:
			slog.Info("Expirer worker stopped")

			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Stop stops the worker.
func (w *Worker) Stop() {
	close(w.stopCh)
}

// Sweep runs one pass: cancel expired PENDING orders, purge expired
// idempotency records.
func (w *Worker) Sweep(ctx context.Context) {
	now := w.clock()

	w.cancelExpiredOrders(ctx, now)

	work := w.newUOW()
	purged, err := work.IdempotencyRepository().DeleteExpired(ctx, now, w.batchSize)
	if err != nil {
		slog.Error("Failed to purge expired idempotency records", "error", err)
	} else if purged > 0 {
		slog.Info("Purged expired idempotency records", "count", purged)
	}
}

func (w *Worker) cancelExpiredOrders(ctx context.Context, now time.Time) {
	work := w.newUOW()
	if err := work.Begin(ctx); err != nil {
		slog.Error("Failed to begin expiry transaction", "error", err)

		return
	}
	defer func() { _ = work.Rollback(ctx) }()

	expired, err := work.OrderRepository().ClaimExpiredPending(ctx, now, w.batchSize)
	if err != nil {
		slog.Error("Failed to claim expired orders", "error", err)

		return
	}
	if len(expired) == 0 {
		return
	}

	const reason = "order expired"
	for _, ord := range expired {
		if err := ord.Cancel(reason); err != nil {
			continue
		}
		cancelReason := reason
		if err := work.OrderRepository().UpdateStatus(ctx, ord.ID, order.StatusPending, order.StatusCancelled, &cancelReason); err != nil {
			slog.Error("Failed to cancel expired order", "order_id", ord.ID, "error", err)

			return
		}
		event, err := ordersvc.NewCancelledEvent(ord, reason, now, w.maxRetries)
		if err != nil {
			slog.Error("Failed to build cancelled event", "order_id", ord.ID, "error", err)

			return
		}
		if err := work.OutboxRepository().Insert(ctx, event); err != nil {
			slog.Error("Failed to append cancelled event", "order_id", ord.ID, "error", err)

			return
		}
	}

	if err := work.Commit(ctx); err != nil {
		slog.Error("Failed to commit expiry sweep", "error", err)

		return
	}

	slog.Info("Cancelled expired orders", "count", len(expired))
}
