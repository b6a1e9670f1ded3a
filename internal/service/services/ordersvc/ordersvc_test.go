package ordersvc

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ecom-labs/fulfillment/internal/dal/interfaces/iidempotencyrepo"
	"github.com/ecom-labs/fulfillment/internal/dal/interfaces/iorderrepo"
	"github.com/ecom-labs/fulfillment/internal/dal/interfaces/ioutboxrepo"
	"github.com/ecom-labs/fulfillment/internal/service/models/currency"
	"github.com/ecom-labs/fulfillment/internal/service/models/idempotency"
	"github.com/ecom-labs/fulfillment/internal/service/models/order"
	"github.com/ecom-labs/fulfillment/internal/service/models/orderitem"
	"github.com/ecom-labs/fulfillment/internal/service/models/outbox"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// memStore is the shared backing state for the fake repositories, standing in
// for the database across units of work.
type memStore struct {
	mu          sync.Mutex
	orders      map[uuid.UUID]*order.Order
	events      []outbox.Event
	records     map[string]*idempotency.Record
	nextEventID int64

	// insertFailures makes the next N order inserts fail, simulating a
	// database outage during the saga.
	insertFailures int
}

func newMemStore() *memStore {
	return &memStore{
		orders:  make(map[uuid.UUID]*order.Order),
		records: make(map[string]*idempotency.Record),
	}
}

func (s *memStore) eventsOfType(eventType string) []outbox.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []outbox.Event
	for _, e := range s.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}

	return out
}

type fakeUOW struct {
	store *memStore
}

func (u *fakeUOW) Begin(context.Context) error    { return nil }
func (u *fakeUOW) Commit(context.Context) error   { return nil }
func (u *fakeUOW) Rollback(context.Context) error { return nil }

func (u *fakeUOW) OrderRepository() iorderrepo.Repository {
	return &fakeOrderRepo{store: u.store}
}

func (u *fakeUOW) OutboxRepository() ioutboxrepo.Repository {
	return &fakeOutboxRepo{store: u.store}
}

func (u *fakeUOW) IdempotencyRepository() iidempotencyrepo.Repository {
	return &fakeIdempotencyRepo{store: u.store}
}

type fakeOrderRepo struct {
	store *memStore
}

func (r *fakeOrderRepo) Insert(_ context.Context, o order.Order) (order.Order, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if r.store.insertFailures > 0 {
		r.store.insertFailures--

		return order.Order{}, errors.New("connection refused")
	}

	if o.IdempotencyKey != nil {
		for _, existing := range r.store.orders {
			if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *o.IdempotencyKey {
				return order.Order{}, order.ErrOrderExists
			}
		}
	}

	stored := o
	r.store.orders[o.ID] = &stored

	return o, nil
}

func (r *fakeOrderRepo) GetByID(_ context.Context, id uuid.UUID) (*order.Order, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	o, ok := r.store.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	out := *o

	return &out, nil
}

func (r *fakeOrderRepo) GetByIdempotencyKey(_ context.Context, key string) (*order.Order, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	for _, o := range r.store.orders {
		if o.IdempotencyKey != nil && *o.IdempotencyKey == key {
			out := *o

			return &out, nil
		}
	}

	return nil, order.ErrNotFound
}

func (r *fakeOrderRepo) UpdateStatus(_ context.Context, id uuid.UUID, from, to order.Status, reason *string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	o, ok := r.store.orders[id]
	if !ok || o.Status != from {
		return order.ErrInvalidStateTransition
	}
	o.Status = to
	if reason != nil {
		o.CancelReason = reason
	}

	return nil
}

func (r *fakeOrderRepo) ClaimExpiredPending(_ context.Context, now time.Time, limit int) ([]order.Order, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var out []order.Order
	for _, o := range r.store.orders {
		if len(out) >= limit {
			break
		}
		if o.Status == order.StatusPending && !now.Before(o.ExpiresAt) {
			out = append(out, *o)
		}
	}

	return out, nil
}

type fakeOutboxRepo struct {
	store *memStore
}

func (r *fakeOutboxRepo) Insert(_ context.Context, event outbox.Event) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	r.store.nextEventID++
	event.ID = r.store.nextEventID
	r.store.events = append(r.store.events, event)

	return nil
}

func (r *fakeOutboxRepo) ClaimDue(context.Context, int, time.Duration) ([]outbox.Event, error) {
	return nil, nil
}

func (r *fakeOutboxRepo) MarkSent(context.Context, int64, time.Time) error { return nil }

func (r *fakeOutboxRepo) MarkRetry(context.Context, int64, int, string, time.Time) error {
	return nil
}

func (r *fakeOutboxRepo) MarkFailed(context.Context, int64, string) error { return nil }

type fakeIdempotencyRepo struct {
	store *memStore
}

func (r *fakeIdempotencyRepo) TryReserve(
	_ context.Context,
	key string,
	ownerUserID int64,
	operationType string,
	now time.Time,
	reserveTTL time.Duration,
) (idempotency.Outcome, *idempotency.Record, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	record, ok := r.store.records[key]
	if !ok || !record.Live(now) {
		r.store.records[key] = &idempotency.Record{
			RequestKey:    key,
			OwnerUserID:   ownerUserID,
			OperationType: operationType,
			Status:        idempotency.StatusReserved,
			CreatedAt:     now,
			ExpiresAt:     now.Add(reserveTTL),
		}

		return idempotency.OutcomeFresh, nil, nil
	}

	if record.OwnerUserID != ownerUserID {
		return idempotency.OutcomeConflict, nil, nil
	}
	if record.Status == idempotency.StatusReserved {
		return idempotency.OutcomeInFlight, nil, nil
	}
	out := *record

	return idempotency.OutcomeDuplicate, &out, nil
}

func (r *fakeIdempotencyRepo) Complete(_ context.Context, key string, response []byte, resultStatus int, expiresAt time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	record, ok := r.store.records[key]
	if !ok {
		return errors.New("no reservation for key")
	}
	record.Status = idempotency.StatusCompleted
	record.CachedResponse = response
	record.ResultStatus = resultStatus
	record.ExpiresAt = expiresAt

	return nil
}

func (r *fakeIdempotencyRepo) DeleteExpired(_ context.Context, now time.Time, _ int) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var purged int64
	for key, record := range r.store.records {
		if !record.Live(now) {
			delete(r.store.records, key)
			purged++
		}
	}

	return purged, nil
}

type fakeInventory struct {
	mu           sync.Mutex
	checkErr     error
	reserveErr   error
	releaseErr   error
	checkCalls   int
	reserveCalls int
	releaseCalls int
}

func (f *fakeInventory) Check(context.Context, []orderitem.OrderItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkCalls++

	return f.checkErr
}

func (f *fakeInventory) Reserve(context.Context, uuid.UUID, []orderitem.OrderItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserveCalls++

	return f.reserveErr
}

func (f *fakeInventory) Release(context.Context, uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseCalls++

	return f.releaseErr
}

type fakePayment struct {
	mu          sync.Mutex
	chargeErr   error
	paymentID   string
	chargeCalls int
}

func (f *fakePayment) Charge(context.Context, uuid.UUID, int64, currency.Currency) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chargeCalls++
	if f.chargeErr != nil {
		return "", f.chargeErr
	}

	return f.paymentID, nil
}

func newTestService(store *memStore, inv *fakeInventory, pay *fakePayment) *OrderService {
	return newTestServiceWithClock(store, inv, pay, func() time.Time { return testNow })
}

func newTestServiceWithClock(store *memStore, inv *fakeInventory, pay *fakePayment, clock func() time.Time) *OrderService {
	return MustNewOrderService(
		WithInventoryClient(inv),
		WithPaymentClient(pay),
		WithUnitOfWorkFactory(func() unitOfWork { return &fakeUOW{store: store} }),
		WithClock(clock),
	)
}

func testItems() []orderitem.OrderItem {
	return []orderitem.OrderItem{
		{ProductID: "prod-1", Quantity: 2, UnitPriceCents: 1000, PriceCurrency: currency.CurrencyUSD},
		{ProductID: "prod-2", Quantity: 1, UnitPriceCents: 500, PriceCurrency: currency.CurrencyUSD},
	}
}

func testRequest(key string) CreateOrderRequest {
	return CreateOrderRequest{
		IdempotencyKey: key,
		Currency:       currency.CurrencyUSD,
		Items:          testItems(),
	}
}

func singleOrder(t *testing.T, store *memStore) *order.Order {
	t.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()

	require.Len(t, store.orders, 1)
	for _, o := range store.orders {
		return o
	}

	return nil
}

func TestCreateOrderConfirms(t *testing.T) {
	store := newMemStore()
	inv := &fakeInventory{}
	pay := &fakePayment{paymentID: "pay-123"}
	svc := newTestService(store, inv, pay)

	result, err := svc.CreateOrder(context.Background(), 42, testRequest("key-confirm"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, result.Status)

	ord := singleOrder(t, store)
	assert.Equal(t, order.StatusConfirmed, ord.Status)
	assert.Equal(t, int64(2500), ord.TotalCents)

	confirmed := store.eventsOfType(outbox.EventTypeOrderConfirmed)
	require.Len(t, confirmed, 1)
	assert.Equal(t, ord.ID.String(), confirmed[0].AggregateID)
	assert.Equal(t, outbox.StatusPending, confirmed[0].Status)
	assert.Equal(t, "key-confirm", confirmed[0].Headers["causation-id"])

	record := store.records["key-confirm"]
	require.NotNil(t, record)
	assert.Equal(t, idempotency.StatusCompleted, record.Status)
	assert.Equal(t, http.StatusCreated, record.ResultStatus)
	assert.Equal(t, result.Body, record.CachedResponse)
}

func TestCreateOrderInsufficientInventory(t *testing.T) {
	store := newMemStore()
	inv := &fakeInventory{reserveErr: order.ErrInsufficientInventory}
	pay := &fakePayment{paymentID: "pay-123"}
	svc := newTestService(store, inv, pay)

	result, err := svc.CreateOrder(context.Background(), 42, testRequest("key-no-stock"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, result.Status)

	ord := singleOrder(t, store)
	assert.Equal(t, order.StatusCancelled, ord.Status)
	require.NotNil(t, ord.CancelReason)
	assert.Contains(t, *ord.CancelReason, "inventory")

	// No reservation was taken and payment never ran, so the only
	// compensation is the order itself.
	assert.Equal(t, 0, pay.chargeCalls)
	assert.Equal(t, 0, inv.releaseCalls)

	cancelled := store.eventsOfType(outbox.EventTypeOrderCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, ord.ID.String(), cancelled[0].AggregateID)

	// A business rejection is terminal and stays replayable for the full
	// response window.
	record := store.records["key-no-stock"]
	require.NotNil(t, record)
	assert.Equal(t, testNow.Add(24*time.Hour), record.ExpiresAt)
}

func TestCreateOrderPaymentDeclined(t *testing.T) {
	store := newMemStore()
	inv := &fakeInventory{}
	pay := &fakePayment{chargeErr: order.ErrPaymentDeclined}
	svc := newTestService(store, inv, pay)

	result, err := svc.CreateOrder(context.Background(), 42, testRequest("key-declined"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, result.Status)

	ord := singleOrder(t, store)
	assert.Equal(t, order.StatusCancelled, ord.Status)
	require.NotNil(t, ord.CancelReason)
	assert.Equal(t, "payment declined", *ord.CancelReason)

	// The reservation from step A must be released exactly once.
	assert.Equal(t, 1, inv.reserveCalls)
	assert.Equal(t, 1, inv.releaseCalls)

	cancelled := store.eventsOfType(outbox.EventTypeOrderCancelled)
	require.Len(t, cancelled, 1)
}

func TestCreateOrderPaymentUnavailableCompensates(t *testing.T) {
	store := newMemStore()
	inv := &fakeInventory{}
	pay := &fakePayment{chargeErr: order.ErrCollaboratorUnavailable}
	svc := newTestService(store, inv, pay)

	result, err := svc.CreateOrder(context.Background(), 42, testRequest("key-pay-down"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, result.Status)

	ord := singleOrder(t, store)
	assert.Equal(t, order.StatusCancelled, ord.Status)
	assert.Equal(t, 1, inv.releaseCalls)
}

func TestCreateOrderInventoryUnavailableOnReserve(t *testing.T) {
	store := newMemStore()
	inv := &fakeInventory{reserveErr: order.ErrCollaboratorUnavailable}
	pay := &fakePayment{paymentID: "pay-123"}
	svc := newTestService(store, inv, pay)

	result, err := svc.CreateOrder(context.Background(), 42, testRequest("key-inv-down"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, result.Status)

	ord := singleOrder(t, store)
	assert.Equal(t, order.StatusCancelled, ord.Status)
	assert.Equal(t, 0, pay.chargeCalls)
	assert.Equal(t, 0, inv.releaseCalls)
}

func TestCreateOrderDuplicateReplaysResponse(t *testing.T) {
	store := newMemStore()
	inv := &fakeInventory{}
	pay := &fakePayment{paymentID: "pay-123"}
	svc := newTestService(store, inv, pay)

	first, err := svc.CreateOrder(context.Background(), 42, testRequest("key-dup"))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, first.Status)

	second, err := svc.CreateOrder(context.Background(), 42, testRequest("key-dup"))
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Body, second.Body)

	// The saga ran once: one order, one reservation, one charge.
	assert.Len(t, store.orders, 1)
	assert.Equal(t, 1, inv.reserveCalls)
	assert.Equal(t, 1, pay.chargeCalls)
}

func TestCreateOrderFailureIsReplayedToo(t *testing.T) {
	store := newMemStore()
	inv := &fakeInventory{reserveErr: order.ErrInsufficientInventory}
	pay := &fakePayment{}
	svc := newTestService(store, inv, pay)

	first, err := svc.CreateOrder(context.Background(), 42, testRequest("key-dup-fail"))
	require.NoError(t, err)
	require.Equal(t, http.StatusUnprocessableEntity, first.Status)

	second, err := svc.CreateOrder(context.Background(), 42, testRequest("key-dup-fail"))
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, 1, inv.reserveCalls)
}

func TestCreateOrderKeyConflictAcrossUsers(t *testing.T) {
	store := newMemStore()
	inv := &fakeInventory{}
	pay := &fakePayment{paymentID: "pay-123"}
	svc := newTestService(store, inv, pay)

	_, err := svc.CreateOrder(context.Background(), 42, testRequest("key-shared"))
	require.NoError(t, err)

	result, err := svc.CreateOrder(context.Background(), 7, testRequest("key-shared"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusConflict, result.Status)
	// The first user's cached response must not leak.
	assert.Contains(t, string(result.Body), "conflict")
	assert.Len(t, store.orders, 1)
}

func TestCreateOrderInFlightReservation(t *testing.T) {
	store := newMemStore()
	store.records["key-busy"] = &idempotency.Record{
		RequestKey:  "key-busy",
		OwnerUserID: 42,
		Status:      idempotency.StatusReserved,
		CreatedAt:   testNow,
		ExpiresAt:   testNow.Add(5 * time.Minute),
	}
	svc := newTestService(store, &fakeInventory{}, &fakePayment{})

	result, err := svc.CreateOrder(context.Background(), 42, testRequest("key-busy"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusConflict, result.Status)
	assert.Empty(t, store.orders)
}

func TestCreateOrderInvalidIdempotencyKey(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &fakeInventory{}, &fakePayment{})

	for _, key := range []string{"", "has space", "way!bad", string(make([]byte, 65))} {
		result, err := svc.CreateOrder(context.Background(), 42, testRequest(key))
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, result.Status)
	}

	assert.Empty(t, store.orders)
	assert.Empty(t, store.records)
}

func TestCreateOrderValidationFailure(t *testing.T) {
	store := newMemStore()
	inv := &fakeInventory{}
	svc := newTestService(store, inv, &fakePayment{})

	req := CreateOrderRequest{
		IdempotencyKey: "key-empty",
		Currency:       currency.CurrencyUSD,
		Items:          nil,
	}
	result, err := svc.CreateOrder(context.Background(), 42, req)
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnprocessableEntity, result.Status)
	assert.Empty(t, store.orders)
	assert.Equal(t, 0, inv.checkCalls)

	// The failure itself is recorded for replay.
	record := store.records["key-empty"]
	require.NotNil(t, record)
	assert.Equal(t, idempotency.StatusCompleted, record.Status)
}

func TestCreateOrderStockCheckFailsBeforePersisting(t *testing.T) {
	store := newMemStore()
	inv := &fakeInventory{checkErr: order.ErrInsufficientInventory}
	svc := newTestService(store, inv, &fakePayment{})

	result, err := svc.CreateOrder(context.Background(), 42, testRequest("key-check"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnprocessableEntity, result.Status)
	assert.Empty(t, store.orders)
	assert.Equal(t, 0, inv.reserveCalls)
}

func TestCreateOrderTransientFailureNotCachedLong(t *testing.T) {
	store := newMemStore()
	store.insertFailures = 1
	inv := &fakeInventory{}
	pay := &fakePayment{paymentID: "pay-123"}

	now := testNow
	svc := newTestServiceWithClock(store, inv, pay, func() time.Time { return now })

	first, err := svc.CreateOrder(context.Background(), 42, testRequest("key-db-down"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, first.Status)
	assert.Empty(t, store.orders)

	// Nothing was persisted, so the failure keeps only the short
	// reservation window instead of the full response TTL.
	record := store.records["key-db-down"]
	require.NotNil(t, record)
	assert.Equal(t, idempotency.StatusCompleted, record.Status)
	assert.Equal(t, testNow.Add(5*time.Minute), record.ExpiresAt)

	// Within the window the failure replays.
	replayed, err := svc.CreateOrder(context.Background(), 42, testRequest("key-db-down"))
	require.NoError(t, err)
	assert.Equal(t, first.Status, replayed.Status)

	// Once the window lapses a blind retry re-runs the saga and succeeds.
	now = testNow.Add(6 * time.Minute)
	second, err := svc.CreateOrder(context.Background(), 42, testRequest("key-db-down"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, second.Status)
	ord := singleOrder(t, store)
	assert.Equal(t, order.StatusConfirmed, ord.Status)
	assert.Equal(t, now.Add(24*time.Hour), store.records["key-db-down"].ExpiresAt)
}

func TestCreateOrderRetryResumesCrashedPendingOrder(t *testing.T) {
	store := newMemStore()

	// A first attempt persisted a PENDING order and died before recording
	// its outcome; its reservation has lapsed.
	key := "key-crashed"
	prior := order.New(42, testItems(), currency.CurrencyUSD, testNow, 30*time.Minute)
	prior.IdempotencyKey = &key
	store.orders[prior.ID] = &prior

	inv := &fakeInventory{}
	pay := &fakePayment{paymentID: "pay-123"}
	svc := newTestService(store, inv, pay)

	result, err := svc.CreateOrder(context.Background(), 42, testRequest(key))
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, result.Status)
	assert.Contains(t, string(result.Body), prior.ID.String())

	// The retry picked up the existing order rather than creating a second
	// one under the same key.
	assert.Len(t, store.orders, 1)
	assert.Equal(t, order.StatusConfirmed, store.orders[prior.ID].Status)
	assert.Equal(t, 1, inv.reserveCalls)
	assert.Equal(t, 1, pay.chargeCalls)
}

func TestCreateOrderRetryReplaysConfirmedPriorOrder(t *testing.T) {
	store := newMemStore()

	key := "key-confirmed-prior"
	prior := order.New(42, testItems(), currency.CurrencyUSD, testNow, 30*time.Minute)
	prior.IdempotencyKey = &key
	require.NoError(t, prior.Confirm())
	store.orders[prior.ID] = &prior

	inv := &fakeInventory{}
	pay := &fakePayment{paymentID: "pay-123"}
	svc := newTestService(store, inv, pay)

	result, err := svc.CreateOrder(context.Background(), 42, testRequest(key))
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, result.Status)
	assert.Contains(t, string(result.Body), prior.ID.String())
	assert.Equal(t, 0, inv.reserveCalls)
	assert.Equal(t, 0, pay.chargeCalls)
}

func TestCreateOrderRetryReplaysCancelledPriorOrder(t *testing.T) {
	store := newMemStore()

	key := "key-cancelled-prior"
	prior := order.New(42, testItems(), currency.CurrencyUSD, testNow, 30*time.Minute)
	prior.IdempotencyKey = &key
	require.NoError(t, prior.Cancel("payment declined"))
	store.orders[prior.ID] = &prior

	inv := &fakeInventory{}
	pay := &fakePayment{paymentID: "pay-123"}
	svc := newTestService(store, inv, pay)

	result, err := svc.CreateOrder(context.Background(), 42, testRequest(key))
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnprocessableEntity, result.Status)
	assert.Contains(t, string(result.Body), "payment declined")
	assert.Equal(t, 0, inv.reserveCalls)
	assert.Equal(t, 0, pay.chargeCalls)
}

func TestGetOrder(t *testing.T) {
	store := newMemStore()
	inv := &fakeInventory{}
	pay := &fakePayment{paymentID: "pay-123"}
	svc := newTestService(store, inv, pay)

	_, err := svc.CreateOrder(context.Background(), 42, testRequest("key-get"))
	require.NoError(t, err)
	stored := singleOrder(t, store)

	got, err := svc.GetOrder(context.Background(), stored.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.ID, got.ID)
	assert.Equal(t, order.StatusConfirmed, got.Status)

	_, err = svc.GetOrder(context.Background(), uuid.New())
	assert.ErrorIs(t, err, order.ErrNotFound)
}
