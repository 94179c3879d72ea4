package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeLedger é um ledger em memória com a mesma semântica do serviço de livros:
// reserva atômica por livro, liberação idempotente e sem efeito quando nada foi reservado.
type fakeLedger struct {
	mu           sync.Mutex
	stock        map[int64]int
	prices       map[int64]decimal.Decimal
	reservations map[string]ReservedItem
	released     map[string]bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		stock:        map[int64]int{},
		prices:       map[int64]decimal.Decimal{},
		reservations: map[string]ReservedItem{},
		released:     map[string]bool{},
	}
}

func (l *fakeLedger) addBook(bookID int64, price string, stock int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stock[bookID] = stock
	l.prices[bookID] = decimal.RequireFromString(price)
}

func (l *fakeLedger) stockOf(bookID int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stock[bookID]
}

func (l *fakeLedger) setPrice(bookID int64, price string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prices[bookID] = decimal.RequireFromString(price)
}

func (l *fakeLedger) Reserve(_ context.Context, reservationID string, bookID int64, quantity int) (*ReservedItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.reservations[reservationID]; ok {
		return &existing, nil
	}
	stock, ok := l.stock[bookID]
	if !ok {
		return nil, ErrBookNotFound
	}
	if stock < quantity {
		return nil, ErrInsufficientStock
	}
	l.stock[bookID] = stock - quantity
	item := ReservedItem{ReservationID: reservationID, BookID: bookID, Quantity: quantity, Price: l.prices[bookID]}
	l.reservations[reservationID] = item
	return &item, nil
}

func (l *fakeLedger) Release(_ context.Context, reservationID string, bookID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.stock[bookID]; !ok {
		return ErrBookNotFound
	}
	item, ok := l.reservations[reservationID]
	if !ok || l.released[reservationID] {
		return nil
	}
	l.stock[bookID] += item.Quantity
	l.released[reservationID] = true
	return nil
}

// memoryRepository guarda os pedidos em memória.
// commitOutcome simula um COMMIT sem resposta: stored diz se o pedido chegou a ser gravado.
type memoryRepository struct {
	mu            sync.Mutex
	nextID        int64
	orders        map[int64]Order
	failure       error
	commitOutcome *commitOutcome
	lookupFailure error
}

type commitOutcome struct {
	stored bool
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{orders: map[int64]Order{}}
}

func (r *memoryRepository) CreateOrder(_ context.Context, order *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure != nil {
		return r.failure
	}
	if r.commitOutcome != nil {
		if r.commitOutcome.stored {
			r.nextID++
			stored := *order
			stored.ID = r.nextID
			r.orders[stored.ID] = stored
		}
		return fmt.Errorf("%w: connection reset by peer", ErrCommitUncertain)
	}
	r.nextID++
	order.ID = r.nextID
	r.orders[order.ID] = *order
	return nil
}

func (r *memoryRepository) GetOrder(_ context.Context, orderID int64) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return &order, nil
}

func (r *memoryRepository) GetOrderByReference(_ context.Context, reference string) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lookupFailure != nil {
		return nil, r.lookupFailure
	}
	for _, order := range r.orders {
		if order.Reference == reference {
			return &order, nil
		}
	}
	return nil, ErrOrderNotFound
}

func (r *memoryRepository) DeleteAllOrders(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = map[int64]Order{}
	return nil
}

func (r *memoryRepository) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orders)
}

// memoryIdempotencyStore tem a mesma semântica do store em Redis, sem expiração
type memoryIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]IdempotencyRecord
}

func newMemoryIdempotencyStore() *memoryIdempotencyStore {
	return &memoryIdempotencyStore{records: map[string]IdempotencyRecord{}}
}

func (s *memoryIdempotencyStore) Claim(_ context.Context, key, fingerprint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; ok {
		return false, nil
	}
	s.records[key] = IdempotencyRecord{Fingerprint: fingerprint}
	return true, nil
}

func (s *memoryIdempotencyStore) Lookup(_ context.Context, key string) (*IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (s *memoryIdempotencyStore) Complete(_ context.Context, key, fingerprint string, orderID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = IdempotencyRecord{Fingerprint: fingerprint, OrderID: orderID}
	return nil
}

func (s *memoryIdempotencyStore) Forget(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func (s *memoryIdempotencyStore) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = map[string]IdempotencyRecord{}
	return nil
}

type MockIdempotencyStore struct {
	mock.Mock
}

func (m *MockIdempotencyStore) Claim(ctx context.Context, key, fingerprint string) (bool, error) {
	args := m.Called(ctx, key, fingerprint)
	return args.Bool(0), args.Error(1)
}

func (m *MockIdempotencyStore) Lookup(ctx context.Context, key string) (*IdempotencyRecord, error) {
	args := m.Called(ctx, key)
	record, _ := args.Get(0).(*IdempotencyRecord)
	return record, args.Error(1)
}

func (m *MockIdempotencyStore) Complete(ctx context.Context, key, fingerprint string, orderID int64) error {
	return m.Called(ctx, key, fingerprint, orderID).Error(0)
}

func (m *MockIdempotencyStore) Forget(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func (m *MockIdempotencyStore) Reset(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type orderFixture struct {
	ledger *fakeLedger
	repo   *memoryRepository
	uc     *OrderUseCase
}

func newOrderFixture(t *testing.T, idempotency IdempotencyStore) *orderFixture {
	t.Helper()
	ledger := newFakeLedger()
	repo := newMemoryRepository()
	logger := zap.NewNop()
	saga := NewStockReservationSaga(ledger, logger, time.Second)
	uc := NewOrderUseCase(repo, saga, idempotency, logger)
	uc.completeBackoff = 0
	return &orderFixture{
		ledger: ledger,
		repo:   repo,
		uc:     uc,
	}
}

func singleItem(bookID int64, quantity int) CreateOrderRequest {
	return CreateOrderRequest{Items: []OrderItemRequest{{BookID: bookID, Quantity: quantity}}}
}

func TestCreateOrder_DecreasesStockAndTotals(t *testing.T) {
	f := newOrderFixture(t, nil)
	f.ledger.addBook(1, "29.99", 10)
	before := time.Now()

	order, err := f.uc.CreateOrder(context.Background(), "", singleItem(1, 2))

	require.NoError(t, err)
	assert.NotZero(t, order.ID)
	assert.Equal(t, OrderStatusPending, order.Status)
	assert.Equal(t, "59.98", order.TotalAmount.String())
	assert.WithinDuration(t, before, order.OrderDate, time.Minute)
	assert.Equal(t, 8, f.ledger.stockOf(1))
}

func TestCreateOrder_FetchedOrderKeepsItems(t *testing.T) {
	f := newOrderFixture(t, nil)
	f.ledger.addBook(1, "29.99", 10)

	created, err := f.uc.CreateOrder(context.Background(), "", singleItem(1, 2))
	require.NoError(t, err)

	fetched, err := f.uc.GetOrder(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, fetched.ID)
	require.Len(t, fetched.Items, 1)
	assert.Equal(t, int64(1), fetched.Items[0].BookID)
	assert.Equal(t, 2, fetched.Items[0].Quantity)
	assert.True(t, decimal.RequireFromString("29.99").Equal(fetched.Items[0].Price))
}

func TestCreateOrder_PriceIsSnapshotAtReservation(t *testing.T) {
	f := newOrderFixture(t, nil)
	f.ledger.addBook(1, "29.99", 10)

	created, err := f.uc.CreateOrder(context.Background(), "", singleItem(1, 2))
	require.NoError(t, err)

	f.ledger.setPrice(1, "99.00")

	fetched, err := f.uc.GetOrder(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "59.98", fetched.TotalAmount.String())
	assert.True(t, decimal.RequireFromString("29.99").Equal(fetched.Items[0].Price))
}

func TestCreateOrder_RejectedWhenStockIsLow(t *testing.T) {
	cases := map[string]struct {
		stock    int
		quantity int
	}{
		"stock lower than quantity": {stock: 1, quantity: 2},
		"out of stock":              {stock: 0, quantity: 1},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newOrderFixture(t, nil)
			f.ledger.addBook(1, "29.99", tc.stock)

			order, err := f.uc.CreateOrder(context.Background(), "", singleItem(1, tc.quantity))

			assert.Nil(t, order)
			assert.ErrorIs(t, err, ErrInsufficientStock)
			assert.Equal(t, tc.stock, f.ledger.stockOf(1))
			assert.Zero(t, f.repo.count())
		})
	}
}

func TestCreateOrder_PartialFailureLeavesStockUntouched(t *testing.T) {
	f := newOrderFixture(t, nil)
	f.ledger.addBook(1, "10.00", 5)
	f.ledger.addBook(2, "20.00", 5)
	f.ledger.addBook(3, "30.00", 1)

	_, err := f.uc.CreateOrder(context.Background(), "", CreateOrderRequest{Items: []OrderItemRequest{
		{BookID: 1, Quantity: 2},
		{BookID: 2, Quantity: 3},
		{BookID: 3, Quantity: 2},
	}})

	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, 5, f.ledger.stockOf(1))
	assert.Equal(t, 5, f.ledger.stockOf(2))
	assert.Equal(t, 1, f.ledger.stockOf(3))
	assert.Zero(t, f.repo.count())
}

func TestCreateOrder_UnknownBook(t *testing.T) {
	f := newOrderFixture(t, nil)
	f.ledger.addBook(1, "10.00", 5)

	_, err := f.uc.CreateOrder(context.Background(), "", CreateOrderRequest{Items: []OrderItemRequest{
		{BookID: 1, Quantity: 1},
		{BookID: 404, Quantity: 1},
	}})

	assert.ErrorIs(t, err, ErrBookNotFound)
	assert.Equal(t, 5, f.ledger.stockOf(1))
	assert.Zero(t, f.repo.count())
}

func TestCreateOrder_ValidationFailsBeforeReserving(t *testing.T) {
	f := newOrderFixture(t, nil)
	f.ledger.addBook(1, "10.00", 5)

	_, err := f.uc.CreateOrder(context.Background(), "", CreateOrderRequest{Items: []OrderItemRequest{
		{BookID: 1, Quantity: 1},
		{BookID: 1, Quantity: 0},
	}})

	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 5, f.ledger.stockOf(1))
}

func TestCreateOrder_PersistFailureCompensates(t *testing.T) {
	f := newOrderFixture(t, nil)
	f.ledger.addBook(1, "10.00", 5)
	f.repo.failure = errors.New("disk full")

	_, err := f.uc.CreateOrder(context.Background(), "", singleItem(1, 3))

	assert.Error(t, err)
	assert.Equal(t, 5, f.ledger.stockOf(1))
}

func TestCreateOrder_ConcurrentOrdersNeverOversell(t *testing.T) {
	f := newOrderFixture(t, nil)
	const initialStock = 7
	f.ledger.addBook(1, "10.00", initialStock)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.uc.CreateOrder(context.Background(), "", singleItem(1, 1))
		}()
	}
	wg.Wait()

	assert.Equal(t, initialStock, f.repo.count())
	assert.Equal(t, 0, f.ledger.stockOf(1))
}

func TestGetOrder_NotFound(t *testing.T) {
	f := newOrderFixture(t, nil)

	_, err := f.uc.GetOrder(context.Background(), 999)

	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestDeleteAllOrders(t *testing.T) {
	f := newOrderFixture(t, nil)
	f.ledger.addBook(1, "10.00", 5)
	created, err := f.uc.CreateOrder(context.Background(), "", singleItem(1, 1))
	require.NoError(t, err)

	require.NoError(t, f.uc.DeleteAllOrders(context.Background()))

	_, err = f.uc.GetOrder(context.Background(), created.ID)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestCreateOrder_IdempotencyKey(t *testing.T) {
	t.Run("replay returns the stored order without reserving again", func(t *testing.T) {
		f := newOrderFixture(t, newMemoryIdempotencyStore())
		f.ledger.addBook(1, "10.00", 5)

		first, err := f.uc.CreateOrder(context.Background(), "key-1", singleItem(1, 1))
		require.NoError(t, err)
		replayed, err := f.uc.CreateOrder(context.Background(), "key-1", singleItem(1, 1))

		require.NoError(t, err)
		assert.Equal(t, first.ID, replayed.ID)
		assert.Equal(t, 4, f.ledger.stockOf(1))
		assert.Equal(t, 1, f.repo.count())
	})

	t.Run("key in flight is rejected", func(t *testing.T) {
		store := newMemoryIdempotencyStore()
		f := newOrderFixture(t, store)
		f.ledger.addBook(1, "10.00", 5)
		_, err := store.Claim(context.Background(), "key-1", singleItem(1, 1).Fingerprint())
		require.NoError(t, err)

		_, err = f.uc.CreateOrder(context.Background(), "key-1", singleItem(1, 1))

		assert.ErrorIs(t, err, ErrRequestInProgress)
		assert.Equal(t, 5, f.ledger.stockOf(1))
	})

	t.Run("key reused with a different request is rejected", func(t *testing.T) {
		f := newOrderFixture(t, newMemoryIdempotencyStore())
		f.ledger.addBook(1, "10.00", 5)
		_, err := f.uc.CreateOrder(context.Background(), "key-1", singleItem(1, 1))
		require.NoError(t, err)

		_, err = f.uc.CreateOrder(context.Background(), "key-1", singleItem(1, 3))

		assert.ErrorIs(t, err, ErrIdempotencyKeyReused)
		assert.Equal(t, 4, f.ledger.stockOf(1))
		assert.Equal(t, 1, f.repo.count())
	})

	t.Run("failed attempt frees the key", func(t *testing.T) {
		store := newMemoryIdempotencyStore()
		f := newOrderFixture(t, store)
		f.ledger.addBook(1, "10.00", 0)

		_, err := f.uc.CreateOrder(context.Background(), "key-1", singleItem(1, 1))

		assert.ErrorIs(t, err, ErrInsufficientStock)
		record, err := store.Lookup(context.Background(), "key-1")
		require.NoError(t, err)
		assert.Nil(t, record)
	})
}

func TestCreateOrder_KeyReusedAfterReset(t *testing.T) {
	f := newOrderFixture(t, newMemoryIdempotencyStore())
	f.ledger.addBook(1, "10.00", 10)
	_, err := f.uc.CreateOrder(context.Background(), "k1", singleItem(1, 2))
	require.NoError(t, err)

	require.NoError(t, f.uc.DeleteAllOrders(context.Background()))

	order, err := f.uc.CreateOrder(context.Background(), "k1", singleItem(1, 2))

	require.NoError(t, err)
	assert.Equal(t, 6, f.ledger.stockOf(1))
	fetched, err := f.uc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, fetched.ID)
}

func TestCreateOrder_KeyPointingToDeletedOrderIsDiscarded(t *testing.T) {
	store := newMemoryIdempotencyStore()
	f := newOrderFixture(t, store)
	f.ledger.addBook(1, "10.00", 10)
	// chave gravada antes de uma limpeza que não passou pelo serviço
	require.NoError(t, store.Complete(context.Background(), "k1", singleItem(1, 2).Fingerprint(), 77))

	order, err := f.uc.CreateOrder(context.Background(), "k1", singleItem(1, 2))

	require.NoError(t, err)
	assert.NotEqual(t, int64(77), order.ID)
	assert.Equal(t, 8, f.ledger.stockOf(1))
	record, err := store.Lookup(context.Background(), "k1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, order.ID, record.OrderID)
}

func TestCreateOrder_CompleteIsRetried(t *testing.T) {
	store := new(MockIdempotencyStore)
	f := newOrderFixture(t, store)
	f.ledger.addBook(1, "10.00", 5)
	fingerprint := singleItem(1, 1).Fingerprint()
	store.On("Claim", mock.Anything, "key-1", fingerprint).Return(true, nil)
	store.On("Complete", mock.Anything, "key-1", fingerprint, int64(1)).Return(errors.New("i/o timeout")).Once()
	store.On("Complete", mock.Anything, "key-1", fingerprint, int64(1)).Return(nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	order, err := f.uc.CreateOrder(ctx, "key-1", singleItem(1, 1))

	require.NoError(t, err)
	assert.Equal(t, int64(1), order.ID)
	store.AssertNumberOfCalls(t, "Complete", 2)
	store.AssertNotCalled(t, "Forget", mock.Anything, mock.Anything)
}

func TestCreateOrder_CompleteIgnoresCallerCancellation(t *testing.T) {
	store := new(MockIdempotencyStore)
	f := newOrderFixture(t, store)
	f.ledger.addBook(1, "10.00", 5)
	ctx, cancel := context.WithCancel(context.Background())

	store.On("Claim", mock.Anything, "key-1", mock.Anything).Return(true, nil).
		Run(func(mock.Arguments) { cancel() })
	store.On("Complete", mock.Anything, "key-1", mock.Anything, int64(1)).
		Run(func(args mock.Arguments) {
			assert.NoError(t, args.Get(0).(context.Context).Err())
		}).
		Return(nil)

	_, err := f.uc.CreateOrder(ctx, "key-1", singleItem(1, 1))

	require.NoError(t, err)
	store.AssertExpectations(t)
}

func TestDeleteAllOrders_ResetsIdempotencyKeys(t *testing.T) {
	store := new(MockIdempotencyStore)
	f := newOrderFixture(t, store)
	store.On("Reset", mock.Anything).Return(nil)

	require.NoError(t, f.uc.DeleteAllOrders(context.Background()))

	store.AssertExpectations(t)
}

func TestCreateOrder_UncertainCommit(t *testing.T) {
	t.Run("order was stored keeps the reservation", func(t *testing.T) {
		f := newOrderFixture(t, nil)
		f.ledger.addBook(1, "10.00", 5)
		f.repo.commitOutcome = &commitOutcome{stored: true}

		order, err := f.uc.CreateOrder(context.Background(), "", singleItem(1, 2))

		require.NoError(t, err)
		assert.NotZero(t, order.ID)
		assert.Equal(t, 3, f.ledger.stockOf(1))
		assert.Equal(t, 1, f.repo.count())
	})

	t.Run("order was not stored releases the reservation", func(t *testing.T) {
		f := newOrderFixture(t, nil)
		f.ledger.addBook(1, "10.00", 5)
		f.repo.commitOutcome = &commitOutcome{stored: false}

		_, err := f.uc.CreateOrder(context.Background(), "", singleItem(1, 2))

		assert.ErrorIs(t, err, ErrCommitUncertain)
		assert.Equal(t, 5, f.ledger.stockOf(1))
	})

	t.Run("unknown outcome keeps the reservation", func(t *testing.T) {
		f := newOrderFixture(t, nil)
		f.ledger.addBook(1, "10.00", 5)
		f.repo.commitOutcome = &commitOutcome{stored: true}
		f.repo.lookupFailure = errors.New("database is down")

		_, err := f.uc.CreateOrder(context.Background(), "", singleItem(1, 2))

		assert.ErrorIs(t, err, ErrCommitUncertain)
		assert.Equal(t, 3, f.ledger.stockOf(1))
	})
}

func TestRejectionReason(t *testing.T) {
	assert.Equal(t, "validation", rejectionReason(fmt.Errorf("%w: empty", ErrValidation)))
	assert.Equal(t, "insufficient_stock", rejectionReason(&ReservationError{Err: ErrInsufficientStock}))
	assert.Equal(t, "book_not_found", rejectionReason(&ReservationError{Err: ErrBookNotFound}))
	assert.Equal(t, "ledger_unavailable", rejectionReason(&ReservationError{Err: ErrLedgerUnavailable}))
	assert.Equal(t, "commit_uncertain", rejectionReason(fmt.Errorf("failed to create order: %w", ErrCommitUncertain)))
	assert.Equal(t, "error", rejectionReason(errors.New("boom")))
}
