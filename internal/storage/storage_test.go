package storage_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sthanfv/el-buen-corte--sub000/internal/models"
	"github.com/sthanfv/el-buen-corte--sub000/internal/repository"
	"github.com/sthanfv/el-buen-corte--sub000/internal/storage"
)

var _ repository.OrderStore = (*storage.Storage)(nil)
var _ repository.ProductStore = (*storage.Storage)(nil)

func setupStorage(t *testing.T, stock map[string]int) *storage.Storage {
	t.Helper()
	st, err := storage.New("")
	require.NoError(t, err)
	for id, n := range stock {
		require.NoError(t, st.UpsertProduct(context.Background(), &models.Product{ID: id, Name: id, Stock: n}))
	}
	return st
}

func order(key *string, items ...models.OrderItem) *models.Order {
	now := time.Now().UTC()
	return &models.Order{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		Items:          items,
		Status:         models.StatusCreated,
		History:        []models.HistoryEntry{{Status: models.StatusCreated, Timestamp: now}},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func stockOf(t *testing.T, st *storage.Storage, id string) int {
	t.Helper()
	p, err := st.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

func TestPlaceOrder(t *testing.T) {
	st := setupStorage(t, map[string]int{"picanha": 10})
	o := order(nil, models.OrderItem{ProductID: "picanha"})

	require.NoError(t, st.PlaceOrder(context.Background(), o))
	assert.Equal(t, 9, stockOf(t, st, "picanha"))

	got, err := st.GetByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
}

func TestPlaceOrderAllOrNothing(t *testing.T) {
	st := setupStorage(t, map[string]int{"a": 3, "b": 1})
	o := order(nil,
		models.OrderItem{ProductID: "a", Quantity: 2},
		models.OrderItem{ProductID: "b", Quantity: 1},
		models.OrderItem{ProductID: "b", Quantity: 1},
	)

	err := st.PlaceOrder(context.Background(), o)
	assert.ErrorIs(t, err, repository.ErrStockExhausted)
	assert.Equal(t, 3, stockOf(t, st, "a"))
	assert.Equal(t, 1, stockOf(t, st, "b"))

	_, err = st.GetByID(context.Background(), o.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestPlaceOrderUnknownProduct(t *testing.T) {
	st := setupStorage(t, nil)
	err := st.PlaceOrder(context.Background(), order(nil, models.OrderItem{ProductID: "ghost"}))
	assert.ErrorIs(t, err, repository.ErrProductNotFound)
}

func TestPlaceOrderHonoursContext(t *testing.T) {
	st := setupStorage(t, map[string]int{"a": 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := st.PlaceOrder(ctx, order(nil, models.OrderItem{ProductID: "a"}))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, stockOf(t, st, "a"))
}

func TestConcurrentBuyersOfLastUnit(t *testing.T) {
	st := setupStorage(t, map[string]int{"tomahawk": 1})

	const buyers = 50
	var wins, exhausted int32
	var wg sync.WaitGroup
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := st.PlaceOrder(context.Background(), order(nil, models.OrderItem{ProductID: "tomahawk"}))
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, repository.ErrStockExhausted):
				atomic.AddInt32(&exhausted, 1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins)
	assert.EqualValues(t, buyers-1, exhausted)
	assert.Equal(t, 0, stockOf(t, st, "tomahawk"))
}

func TestDuplicateIdempotencyKey(t *testing.T) {
	st := setupStorage(t, map[string]int{"a": 5})
	key := "tab-1"
	first := order(&key, models.OrderItem{ProductID: "a"})
	require.NoError(t, st.PlaceOrder(context.Background(), first))

	err := st.PlaceOrder(context.Background(), order(&key, models.OrderItem{ProductID: "a"}))
	assert.ErrorIs(t, err, repository.ErrDuplicateKey)
	assert.Equal(t, 4, stockOf(t, st, "a"))

	found, err := st.FindByIdempotencyKey(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)
}

func TestCancelledOrderReleasesKey(t *testing.T) {
	st := setupStorage(t, map[string]int{"a": 5})
	key := "tab-1"
	first := order(&key, models.OrderItem{ProductID: "a"})
	require.NoError(t, st.PlaceOrder(context.Background(), first))

	_, err := st.UpdateOrder(context.Background(), first.ID, func(o *models.Order) error {
		_, err := o.Transition(models.StatusCancelled, "admin", time.Now())
		return err
	})
	require.NoError(t, err)

	_, err = st.FindByIdempotencyKey(context.Background(), key)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.NoError(t, st.PlaceOrder(context.Background(), order(&key, models.OrderItem{ProductID: "a"})))
}

func TestUpdateOrderRestocksOnce(t *testing.T) {
	st := setupStorage(t, map[string]int{"lomo": 5})
	o := order(nil, models.OrderItem{ProductID: "lomo", Quantity: 2})
	require.NoError(t, st.PlaceOrder(context.Background(), o))
	assert.Equal(t, 3, stockOf(t, st, "lomo"))

	updated, err := st.UpdateOrder(context.Background(), o.ID, func(o *models.Order) error {
		_, err := o.Transition(models.StatusCancelled, "admin", time.Now())
		return err
	})
	require.NoError(t, err)
	assert.True(t, updated.StockRestored)
	assert.Equal(t, 5, stockOf(t, st, "lomo"))

	_, err = st.UpdateOrder(context.Background(), o.ID, func(o *models.Order) error {
		o.Notes = "refunded"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, stockOf(t, st, "lomo"))
}

func TestUpdateOrderKeepsImmutableFields(t *testing.T) {
	st := setupStorage(t, map[string]int{"lomo": 5})
	o := order(nil, models.OrderItem{ProductID: "lomo", LineTotal: 100})
	o.Total = 100
	require.NoError(t, st.PlaceOrder(context.Background(), o))

	updated, err := st.UpdateOrder(context.Background(), o.ID, func(o *models.Order) error {
		o.Total = 1
		o.Items = nil
		o.CustomerInfo.Name = "Mallory"
		o.Notes = "ok"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 100.0, updated.Total)
	assert.Len(t, updated.Items, 1)
	assert.Empty(t, updated.CustomerInfo.Name)
	assert.Equal(t, "ok", updated.Notes)
}

func TestUpdateOrderRejectsHistoryRewrite(t *testing.T) {
	st := setupStorage(t, map[string]int{"lomo": 5})
	o := order(nil, models.OrderItem{ProductID: "lomo"})
	require.NoError(t, st.PlaceOrder(context.Background(), o))

	_, err := st.UpdateOrder(context.Background(), o.ID, func(o *models.Order) error {
		o.History = o.History[:0]
		return nil
	})
	assert.ErrorIs(t, err, repository.ErrHistoryRewrite)
}

func TestUpdateOrderPropagatesCallbackError(t *testing.T) {
	st := setupStorage(t, map[string]int{"lomo": 5})
	o := order(nil, models.OrderItem{ProductID: "lomo"})
	require.NoError(t, st.PlaceOrder(context.Background(), o))

	boom := errors.New("boom")
	_, err := st.UpdateOrder(context.Background(), o.ID, func(o *models.Order) error {
		o.Notes = "lost"
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := st.GetByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Notes)
}

func TestListAndListExpired(t *testing.T) {
	st := setupStorage(t, map[string]int{"a": 10})
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	expired := order(nil, models.OrderItem{ProductID: "a"})
	expired.Status = models.StatusPendingVerification
	expired.PaymentDeadline = &past
	pending := order(nil, models.OrderItem{ProductID: "a"})
	pending.Status = models.StatusPendingVerification
	pending.PaymentDeadline = &future
	cash := order(nil, models.OrderItem{ProductID: "a"})

	for _, o := range []*models.Order{expired, pending, cash} {
		require.NoError(t, st.PlaceOrder(context.Background(), o))
	}

	got, err := st.ListExpired(context.Background(), time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, expired.ID, got[0].ID)

	all, err := st.List(context.Background(), repository.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	onlyPending, err := st.List(context.Background(), repository.ListFilter{Status: models.StatusPendingVerification, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, onlyPending, 1)
}

func TestSnapshotRoundTrip(t *testing.T) {
	file := filepath.Join(t.TempDir(), "orders.json")
	st, err := storage.New(file)
	require.NoError(t, err)
	require.NoError(t, st.UpsertProduct(context.Background(), &models.Product{ID: "a", Stock: 2}))
	o := order(nil, models.OrderItem{ProductID: "a"})
	require.NoError(t, st.PlaceOrder(context.Background(), o))

	reloaded, err := storage.New(file)
	require.NoError(t, err)
	got, err := reloaded.GetByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
	assert.Equal(t, 1, stockOf(t, reloaded, "a"))
}

func TestFailedWriteLeavesNoTrace(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.Mkdir(dir, 0o755))
	st, err := storage.New(filepath.Join(dir, "orders.json"))
	require.NoError(t, err)
	require.NoError(t, st.UpsertProduct(context.Background(), &models.Product{ID: "lomo", Stock: 5}))
	placed := order(nil, models.OrderItem{ProductID: "lomo", Quantity: 2})
	require.NoError(t, st.PlaceOrder(context.Background(), placed))

	require.NoError(t, os.RemoveAll(dir))

	t.Run("place", func(t *testing.T) {
		key := "retry-key-01"
		o := order(&key, models.OrderItem{ProductID: "lomo"})
		require.Error(t, st.PlaceOrder(context.Background(), o))

		assert.Equal(t, 3, stockOf(t, st, "lomo"))
		_, err := st.GetByID(context.Background(), o.ID)
		assert.ErrorIs(t, err, repository.ErrNotFound)
		_, err = st.FindByIdempotencyKey(context.Background(), key)
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("cancel", func(t *testing.T) {
		_, err := st.UpdateOrder(context.Background(), placed.ID, func(o *models.Order) error {
			_, err := o.Transition(models.StatusCancelled, "admin", time.Now())
			return err
		})
		require.Error(t, err)

		assert.Equal(t, 3, stockOf(t, st, "lomo"))
		got, err := st.GetByID(context.Background(), placed.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCreated, got.Status)
		assert.False(t, got.StockRestored)
		assert.Len(t, got.History, 1)
	})

	t.Run("upsert", func(t *testing.T) {
		require.Error(t, st.UpsertProduct(context.Background(), &models.Product{ID: "lomo", Stock: 50}))
		assert.Equal(t, 3, stockOf(t, st, "lomo"))
		require.Error(t, st.UpsertProduct(context.Background(), &models.Product{ID: "vacio", Stock: 1}))
		_, err := st.GetProduct(context.Background(), "vacio")
		assert.ErrorIs(t, err, repository.ErrProductNotFound)
	})
}
