package ordersvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ecom-labs/fulfillment/internal/dal/interfaces/iidempotencyrepo"
	"github.com/ecom-labs/fulfillment/internal/dal/interfaces/iorderrepo"
	"github.com/ecom-labs/fulfillment/internal/dal/interfaces/ioutboxrepo"
	"github.com/ecom-labs/fulfillment/internal/dal/postgres"
	"github.com/ecom-labs/fulfillment/internal/dal/uow"
	"github.com/ecom-labs/fulfillment/internal/service/models/currency"
	"github.com/ecom-labs/fulfillment/internal/service/models/idempotency"
	"github.com/ecom-labs/fulfillment/internal/service/models/order"
	"github.com/ecom-labs/fulfillment/internal/service/models/orderitem"
	"github.com/google/uuid"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
)

// OperationTypeCreateOrder tags idempotency records produced by CreateOrder.
const OperationTypeCreateOrder = "create_order"

// unitOfWork is the transactional boundary the orchestrator works through.
type unitOfWork interface {
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	OrderRepository() iorderrepo.Repository
	OutboxRepository() ioutboxrepo.Repository
	IdempotencyRepository() iidempotencyrepo.Repository
}

// inventoryClient is the inventory collaborator capability.
type inventoryClient interface {
	Check(ctx context.Context, items []orderitem.OrderItem) error
	Reserve(ctx context.Context, orderID uuid.UUID, items []orderitem.OrderItem) error
	Release(ctx context.Context, orderID uuid.UUID) error
}

// paymentClient is the payment collaborator capability.
type paymentClient interface {
	Charge(ctx context.Context, orderID uuid.UUID, amountCents int64, cur currency.Currency) (string, error)
}

// CreateOrderRequest is the validated input to the saga.
type CreateOrderRequest struct {
	IdempotencyKey string
	Currency       currency.Currency
	Items          []orderitem.OrderItem
}

// Result carries the outcome of CreateOrder: an HTTP-shaped status and the
// response body. For duplicate requests the body is the recorded bytes of
// the first attempt, unchanged.
type Result struct {
	Status int
	Body   []byte
}

type orderResponse struct {
	OrderID      string `json:"orderId,omitempty"`
	Status       string `json:"status,omitempty"`
	CancelReason string `json:"cancelReason,omitempty"`
	Error        string `json:"error,omitempty"`
}

// OrderService orchestrates the order saga: reserve inventory, charge
// payment, confirm. Compensations run in reverse order of execution, so
// payment is never reversed before inventory is released.
type OrderService struct {
	pgClient   *postgres.Client
	uowFactory func() unitOfWork
	inventory  inventoryClient
	payment    paymentClient
	rules      order.Rules
	now        func() time.Time

	stepTimeout     time.Duration
	pendingTTL      time.Duration
	reserveTTL      time.Duration
	responseTTL     time.Duration
	eventMaxRetries int
}

func (s *OrderService) newUOW() unitOfWork {
	if s.uowFactory != nil {
		return s.uowFactory()
	}

	return uow.NewUnitOfWork(s.pgClient)
}

// option is a function that configures the OrderService.
type option func(*OrderService)

// MustNewOrderService creates a new OrderService.
func MustNewOrderService(opts ...option) *OrderService {
	s := &OrderService{
		rules:           order.DefaultRules(),
		now:             time.Now,
		stepTimeout:     5 * time.Second,
		pendingTTL:      30 * time.Minute,
		reserveTTL:      5 * time.Minute,
		responseTTL:     24 * time.Hour,
		eventMaxRetries: 5,
	}

	if v := viper.GetInt("saga.step_timeout_seconds"); v > 0 {
		s.stepTimeout = time.Duration(v) * time.Second
	}
	if v := viper.GetInt("order.pending_ttl_minutes"); v > 0 {
		s.pendingTTL = time.Duration(v) * time.Minute
	}
	if v := viper.GetInt("idempotency.reserve_ttl_minutes"); v > 0 {
		s.reserveTTL = time.Duration(v) * time.Minute
	}
	if v := viper.GetInt("idempotency.response_ttl_hours"); v > 0 {
		s.responseTTL = time.Duration(v) * time.Hour
	}
	if v := viper.GetInt("rabbitmq.outbox.max_retries"); v > 0 {
		s.eventMaxRetries = v
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// WithPostgresClient sets the Postgres client for the OrderService.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithPostgresClient(pgClient *postgres.Client) option {
	return func(s *OrderService) {
		s.pgClient = pgClient
	}
}

// WithInventoryClient sets the inventory collaborator.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithInventoryClient(client inventoryClient) option {
	return func(s *OrderService) {
		s.inventory = client
	}
}

// WithPaymentClient sets the payment collaborator.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithPaymentClient(client paymentClient) option {
	return func(s *OrderService) {
		s.payment = client
	}
}

// WithRules overrides the business limits.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithRules(rules order.Rules) option {
	return func(s *OrderService) {
		s.rules = rules
	}
}

// WithUnitOfWorkFactory overrides how units of work are created.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithUnitOfWorkFactory(factory func() unitOfWork) option {
	return func(s *OrderService) {
		s.uowFactory = factory
	}
}

// WithClock injects the time source.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithClock(now func() time.Time) option {
	return func(s *OrderService) {
		s.now = now
	}
}

// CreateOrder is the single public entry point of the saga. Duplicate
// requests short-circuit before any side effect; once the saga starts it
// runs to a terminal outcome (CONFIRMED or CANCELLED) before returning.
func (s *OrderService) CreateOrder(ctx context.Context, userID int64, req CreateOrderRequest) (Result, error) {
	ctx, span := otel.Tracer("fulfillment").Start(ctx, "ordersvc.CreateOrder")
	defer span.End()

	if err := idempotency.ValidateKey(req.IdempotencyKey); err != nil {
		return errResult(http.StatusBadRequest, "invalid idempotency key format"), nil
	}

	work := s.newUOW()
	outcome, record, err := work.IdempotencyRepository().TryReserve(
		ctx, req.IdempotencyKey, userID, OperationTypeCreateOrder, s.now(), s.reserveTTL,
	)
	if err != nil {
		return errResult(http.StatusServiceUnavailable, "service unavailable"), fmt.Errorf("failed to reserve idempotency key: %w", err)
	}

	switch outcome {
	case idempotency.OutcomeDuplicate:
		slog.Info("Duplicate request replayed from idempotency store",
			"idempotency_key", req.IdempotencyKey, "result_status", record.ResultStatus)

		return Result{Status: record.ResultStatus, Body: record.CachedResponse}, nil
	case idempotency.OutcomeInFlight:
		return errResult(http.StatusConflict, "request already in progress"), nil
	case idempotency.OutcomeConflict:
		slog.Warn("Idempotency key reused by different user", "idempotency_key", req.IdempotencyKey)

		return errResult(http.StatusConflict, "idempotency key conflict"), nil
	}

	// Fresh reservation: every path below must complete it, failure paths
	// included. Terminal outcomes (the order reached CONFIRMED or CANCELLED,
	// or the request was rejected outright) are recorded for the full
	// response TTL so blind retries replay them. A transient failure that
	// produced no outcome keeps only the short reservation window, so a
	// retry after it lapses re-runs the saga instead of replaying a 503
	// for a day.
	result, terminal := s.runSaga(ctx, userID, req)
	ttl := s.responseTTL
	if !terminal {
		ttl = s.reserveTTL
	}
	s.completeReservation(ctx, work, req.IdempotencyKey, result, ttl)

	return result, nil
}

// runSaga drives one create attempt to a result. The second return reports
// whether the result is terminal: the order reached CONFIRMED or CANCELLED,
// or the request was rejected on its merits. Infrastructure failures that
// left no outcome behind are not terminal.
func (s *OrderService) runSaga(ctx context.Context, userID int64, req CreateOrderRequest) (Result, bool) {
	if err := order.Validate(req.Items, s.rules); err != nil {
		return errResult(http.StatusUnprocessableEntity, err.Error()), true
	}

	checkCtx, cancel := context.WithTimeout(ctx, s.stepTimeout)
	defer cancel()
	if err := s.inventory.Check(checkCtx, req.Items); err != nil {
		// Nothing persisted yet, nothing to compensate.
		if errors.Is(err, order.ErrInsufficientInventory) {
			return errResult(http.StatusUnprocessableEntity, "insufficient inventory"), true
		}

		return errResult(http.StatusServiceUnavailable, "inventory unavailable"), false
	}

	ord := order.New(userID, req.Items, req.Currency, s.now(), s.pendingTTL)
	ord.IdempotencyKey = &req.IdempotencyKey

	if err := s.persistPending(ctx, ord); err != nil {
		if errors.Is(err, order.ErrOrderExists) {
			return s.resumePriorAttempt(ctx, req.IdempotencyKey)
		}
		slog.Error("Failed to persist pending order", "order_id", ord.ID, "error", err)

		return errResult(http.StatusServiceUnavailable, "service unavailable"), false
	}

	return s.executeSteps(ctx, ord), true
}

// resumePriorAttempt handles a reservation taken over after a crash: the
// first attempt persisted an order under this key before dying. A terminal
// order replays its outcome; a PENDING one re-enters the saga, which is safe
// because the collaborator operations are idempotent per order id.
func (s *OrderService) resumePriorAttempt(ctx context.Context, key string) (Result, bool) {
	prior, err := s.newUOW().OrderRepository().GetByIdempotencyKey(ctx, key)
	if err != nil {
		slog.Error("Failed to load prior order for idempotency key", "idempotency_key", key, "error", err)

		return errResult(http.StatusServiceUnavailable, "service unavailable"), false
	}

	switch prior.Status {
	case order.StatusConfirmed:
		body, _ := json.Marshal(orderResponse{OrderID: prior.ID.String(), Status: string(prior.Status)})

		return Result{Status: http.StatusCreated, Body: body}, true
	case order.StatusCancelled:
		reason := "order cancelled"
		if prior.CancelReason != nil {
			reason = *prior.CancelReason
		}

		return cancelledResult(*prior, http.StatusUnprocessableEntity, reason), true
	}

	slog.Info("Resuming saga for order of crashed attempt", "order_id", prior.ID, "idempotency_key", key)

	return s.executeSteps(ctx, *prior), true
}

// executeSteps runs the collaborator steps for a persisted PENDING order.
// Every path ends with the order in a terminal state.
func (s *OrderService) executeSteps(ctx context.Context, ord order.Order) Result {
	// Step A: reserve inventory.
	reserveCtx, cancelReserve := context.WithTimeout(ctx, s.stepTimeout)
	defer cancelReserve()
	if err := s.inventory.Reserve(reserveCtx, ord.ID, ord.Items); err != nil {
		reason := "insufficient inventory"
		status := http.StatusUnprocessableEntity
		if !errors.Is(err, order.ErrInsufficientInventory) {
			reason = "inventory unavailable"
			status = http.StatusServiceUnavailable
		}
		// No reservation was taken, so the only compensation is the
		// order itself.
		s.cancelOrder(ctx, &ord, reason, false)

		return cancelledResult(ord, status, reason)
	}

	// Step B: charge payment.
	chargeCtx, cancelCharge := context.WithTimeout(ctx, s.stepTimeout)
	defer cancelCharge()
	paymentID, err := s.payment.Charge(chargeCtx, ord.ID, ord.TotalCents, ord.Currency)
	if err != nil {
		reason := "payment declined"
		status := http.StatusUnprocessableEntity
		if !errors.Is(err, order.ErrPaymentDeclined) {
			reason = "payment unavailable"
			status = http.StatusServiceUnavailable
		}
		s.cancelOrder(ctx, &ord, reason, true)

		return cancelledResult(ord, status, reason)
	}

	// Step C: confirm. The status change and the ConfirmedEvent share one
	// transaction; the event cannot be lost relative to the state it
	// announces.
	if err := s.confirm(ctx, &ord, paymentID); err != nil {
		slog.Error("Failed to confirm order, compensating", "order_id", ord.ID, "error", err)
		s.cancelOrder(ctx, &ord, "confirmation failed", true)

		return cancelledResult(ord, http.StatusServiceUnavailable, "confirmation failed")
	}

	body, _ := json.Marshal(orderResponse{OrderID: ord.ID.String(), Status: string(ord.Status)})

	return Result{Status: http.StatusCreated, Body: body}
}

func (s *OrderService) persistPending(ctx context.Context, ord order.Order) error {
	work := s.newUOW()
	if err := work.Begin(ctx); err != nil {
		return err
	}
	defer func() { _ = work.Rollback(ctx) }()

	if _, err := work.OrderRepository().Insert(ctx, ord); err != nil {
		return err
	}

	return work.Commit(ctx)
}

func (s *OrderService) confirm(ctx context.Context, ord *order.Order, paymentID string) error {
	if err := ord.Confirm(); err != nil {
		return err
	}

	work := s.newUOW()
	if err := work.Begin(ctx); err != nil {
		return err
	}
	defer func() { _ = work.Rollback(ctx) }()

	if err := work.OrderRepository().UpdateStatus(ctx, ord.ID, order.StatusPending, order.StatusConfirmed, nil); err != nil {
		return err
	}

	event, err := NewConfirmedEvent(*ord, paymentID, s.now(), s.eventMaxRetries)
	if err != nil {
		return err
	}
	if err := work.OutboxRepository().Insert(ctx, event); err != nil {
		return err
	}

	return work.Commit(ctx)
}

// cancelOrder runs the compensation path: release the inventory reservation
// first when one was taken (strictly the reverse of execution order), then
// move the order to CANCELLED with its CancelledEvent in one transaction.
// Compensation runs on a detached context so a caller hang-up cannot leave
// inventory reserved for a dead order.
func (s *OrderService) cancelOrder(ctx context.Context, ord *order.Order, reason string, releaseReservation bool) {
	compCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if releaseReservation {
		if err := s.inventory.Release(compCtx, ord.ID); err != nil {
			// Release is idempotent at the collaborator boundary; the
			// expiry sweep or an operator retry picks up leftovers.
			slog.Error("Failed to release inventory reservation", "order_id", ord.ID, "error", err)
		}
	}

	if err := ord.Cancel(reason); err != nil {
		slog.Error("Order not cancellable", "order_id", ord.ID, "status", ord.Status, "error", err)

		return
	}

	work := s.newUOW()
	if err := work.Begin(compCtx); err != nil {
		slog.Error("Failed to begin cancellation transaction", "order_id", ord.ID, "error", err)

		return
	}
	defer func() { _ = work.Rollback(compCtx) }()

	if err := work.OrderRepository().UpdateStatus(compCtx, ord.ID, order.StatusPending, order.StatusCancelled, &reason); err != nil {
		slog.Error("Failed to cancel order", "order_id", ord.ID, "error", err)

		return
	}

	event, err := NewCancelledEvent(*ord, reason, s.now(), s.eventMaxRetries)
	if err != nil {
		slog.Error("Failed to build cancelled event", "order_id", ord.ID, "error", err)

		return
	}
	if err := work.OutboxRepository().Insert(compCtx, event); err != nil {
		slog.Error("Failed to append cancelled event", "order_id", ord.ID, "error", err)

		return
	}

	if err := work.Commit(compCtx); err != nil {
		slog.Error("Failed to commit cancellation", "order_id", ord.ID, "error", err)
	}
}

func (s *OrderService) completeReservation(ctx context.Context, work unitOfWork, key string, result Result, ttl time.Duration) {
	compCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := work.IdempotencyRepository().Complete(
		compCtx, key, result.Body, result.Status, s.now().Add(ttl),
	)
	if err != nil {
		// The reservation expires on its own; a retry after that re-runs
		// the saga, which is safe because collaborator compensations are
		// idempotent.
		slog.Error("Failed to complete idempotency reservation", "idempotency_key", key, "error", err)
	}
}

// GetOrder retrieves an order with its items.
func (s *OrderService) GetOrder(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	work := s.newUOW()

	return work.OrderRepository().GetByID(ctx, id)
}

func cancelledResult(ord order.Order, status int, reason string) Result {
	body, _ := json.Marshal(orderResponse{
		OrderID:      ord.ID.String(),
		Status:       string(order.StatusCancelled),
		CancelReason: reason,
	})

	return Result{Status: status, Body: body}
}

func errResult(status int, msg string) Result {
	body, _ := json.Marshal(orderResponse{Error: msg})

	return Result{Status: status, Body: body}
}
