package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/ecom-labs/fulfillment/internal/dal/interfaces/ioutboxrepo"
	outboxmodel "github.com/ecom-labs/fulfillment/internal/service/models/outbox"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

// publisher delivers one payload to the message bus, keyed by aggregate id.
type publisher interface {
	Publish(ctx context.Context, key string, payload []byte, headers map[string]string) error
}

// Worker drains the outbox to the message bus on a fixed interval. Events
// for one aggregate are published in createdAt order; different aggregates
// may be delivered concurrently. Delivery is at-least-once.
type Worker struct {
	outboxRepo   ioutboxrepo.Repository
	publisher    publisher
	clock        func() time.Time
	pollInterval time.Duration
	batchSize    int
	claimLease   time.Duration
	concurrency  int
	stopCh       chan struct{}
}

// NewWorker creates a new outbox worker.
func NewWorker(outboxRepo ioutboxrepo.Repository, pub publisher) *Worker {
	pollIntervalSeconds := viper.GetInt("rabbitmq.outbox.poll_interval_seconds")
	if pollIntervalSeconds == 0 {
		pollIntervalSeconds = 5
	}

	batchSize := viper.GetInt("rabbitmq.outbox.batch_size")
	if batchSize == 0 {
		batchSize = 100
	}

	claimLeaseSeconds := viper.GetInt("rabbitmq.outbox.claim_lease_seconds")
	if claimLeaseSeconds == 0 {
		claimLeaseSeconds = 30
	}

	concurrency := viper.GetInt("rabbitmq.outbox.concurrency")
	if concurrency == 0 {
		concurrency = 4
	}

	return &Worker{
		outboxRepo:   outboxRepo,
		publisher:    pub,
		clock:        time.Now,
		pollInterval: time.Duration(pollIntervalSeconds) * time.Second,
		batchSize:    batchSize,
		claimLease:   time.Duration(claimLeaseSeconds) * time.Second,
		concurrency:  concurrency,
		stopCh:       make(chan struct{}),
	}
}

// WithClock injects the time source for deterministic backoff tests.
func (w *Worker) WithClock(clock func() time.Time) *Worker {
	w.clock = clock

	return w
}

// Start begins processing events from the outbox.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	slog.Info("Outbox worker started", "poll_interval", w.pollInterval, "batch_size", w.batchSize)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Outbox worker shutting down")

			return
		case <-w.stopCh:
			slog.Info("Outbox worker stopped")

			return
		case <-ticker.C:
			w.ProcessBatch(ctx)
		}
	}
}

// Stop stops the worker.
func (w *Worker) Stop() {
	close(w.stopCh)
}

// ProcessBatch claims due events and delivers them grouped by aggregate.
func (w *Worker) ProcessBatch(ctx context.Context) {
	ctx, span := otel.Tracer("fulfillment").Start(ctx, "outbox.ProcessBatch")
	defer span.End()

	events, err := w.outboxRepo.ClaimDue(ctx, w.batchSize, w.claimLease)
	if err != nil {
		slog.Error("Failed to claim due events from outbox", "error", err)

		return
	}

	if len(events) == 0 {
		return
	}

	slog.Info("Processing outbox events", "count", len(events))

	// Group per aggregate to keep per-aggregate ordering while publishing
	// different aggregates concurrently.
	groups := make(map[string][]outboxmodel.Event)
	keys := make([]string, 0)
	for _, event := range events {
		if _, ok := groups[event.AggregateID]; !ok {
			keys = append(keys, event.AggregateID)
		}
		groups[event.AggregateID] = append(groups[event.AggregateID], event)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, key := range keys {
		group := groups[key]
		g.Go(func() error {
			w.publishGroup(ctx, group)

			return nil
		})
	}
	_ = g.Wait()
}

// publishGroup delivers one aggregate's events in order. The first failure
// stops the group: a later event must never overtake a failed earlier one.
func (w *Worker) publishGroup(ctx context.Context, events []outboxmodel.Event) {
	for _, event := range events {
		if err := w.publisher.Publish(ctx, event.AggregateID, event.Payload, event.Headers); err != nil {
			w.handleFailure(ctx, event, err)

			return
		}

		sentAt := w.clock()
		if err := w.outboxRepo.MarkSent(ctx, event.ID, sentAt); err != nil {
			slog.Error("Failed to mark outbox event sent", "outbox_id", event.ID, "error", err)

			return
		}

		slog.Info("Outbox event published",
			"outbox_id", event.ID,
			"event_type", event.EventType,
			"aggregate_id", event.AggregateID,
		)
	}
}

func (w *Worker) handleFailure(ctx context.Context, event outboxmodel.Event, pubErr error) {
	newRetryCount := event.RetryCount + 1

	if newRetryCount >= event.MaxRetries {
		slog.Error("Outbox event exhausted retries, marking failed",
			"outbox_id", event.ID,
			"retry_count", newRetryCount,
			"error", pubErr,
		)
		if err := w.outboxRepo.MarkFailed(ctx, event.ID, pubErr.Error()); err != nil {
			slog.Error("Failed to mark outbox event failed", "outbox_id", event.ID, "error", err)
		}

		return
	}

	nextRetryAt := w.clock().Add(outboxmodel.NextBackoff(newRetryCount))

	slog.Warn("Failed to publish outbox event, will retry",
		"outbox_id", event.ID,
		"retry_count", newRetryCount,
		"next_retry", nextRetryAt,
		"error", pubErr,
	)

	if err := w.outboxRepo.MarkRetry(ctx, event.ID, newRetryCount, pubErr.Error(), nextRetryAt); err != nil {
		slog.Error("Failed to update retry information", "outbox_id", event.ID, "error", err)
	}
}
