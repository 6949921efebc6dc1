package memory_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
)

func newOrder(id, userID string, createdAt time.Time) domain.Order {
	return domain.Order{
		ID:            id,
		UserID:        userID,
		Status:        domain.OrderStatusPending,
		Currency:      "USD",
		SubtotalMinor: 500,
		TotalMinor:    500,
		Items: []domain.OrderItem{
			{ID: "item-1", ProductID: "p-1", SKU: "sku-1", Qty: 5, PriceMinor: 100},
		},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestOrderStore_CreateGet(t *testing.T) {
	store := memory.NewOrderStore()
	ctx := context.Background()
	order := newOrder("order-1", "user-1", time.Now().UTC())

	id, err := store.Create(ctx, order)
	require.NoError(t, err)
	assert.Equal(t, "order-1", id)

	// Мутация исходного заказа не должна влиять на сохранённую копию.
	order.Items[0].Qty = 99

	stored, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int32(5), stored.Items[0].Qty)
	assert.Equal(t, domain.OrderStatusPending, stored.Status)

	_, err = store.Create(ctx, newOrder("order-1", "user-1", time.Now()))
	assert.ErrorIs(t, err, domain.ErrOrderExists)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestOrderStore_CreateGeneratesID(t *testing.T) {
	store := memory.NewOrderStore()
	id, err := store.Create(context.Background(), newOrder("", "user-1", time.Now()))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestOrderStore_ListByUser(t *testing.T) {
	store := memory.NewOrderStore()
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"o-1", "o-2", "o-3"} {
		_, err := store.Create(ctx, newOrder(id, "user-1", base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}
	_, err := store.Create(ctx, newOrder("o-other", "user-2", base))
	require.NoError(t, err)

	orders, err := store.ListByUser(ctx, "user-1", 2)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "o-3", orders[0].ID)
	assert.Equal(t, "o-2", orders[1].ID)

	all, err := store.ListByUser(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestOrderStore_TransitionStatus(t *testing.T) {
	store := memory.NewOrderStore()
	ctx := context.Background()
	_, err := store.Create(ctx, newOrder("order-1", "user-1", time.Now()))
	require.NoError(t, err)

	ok, err := store.TransitionStatus(ctx, "order-1", domain.OrderStatusPending, domain.OrderStatusConfirmed)
	require.NoError(t, err)
	assert.True(t, ok)

	// Повтор: статус уже не Pending, CAS проигрывает без ошибки.
	ok, err = store.TransitionStatus(ctx, "order-1", domain.OrderStatusPending, domain.OrderStatusCancelled)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := store.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusConfirmed, stored.Status)

	_, err = store.TransitionStatus(ctx, "missing", domain.OrderStatusPending, domain.OrderStatusConfirmed)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	_, err = store.TransitionStatus(ctx, "order-1", domain.OrderStatusConfirmed, domain.OrderStatusPending)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestOrderStore_ConcurrentTransitionHasSingleWinner(t *testing.T) {
	store := memory.NewOrderStore()
	ctx := context.Background()
	_, err := store.Create(ctx, newOrder("order-1", "user-1", time.Now()))
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		winners int32
	)
	for i := 0; i < 32; i++ {
		to := domain.OrderStatusConfirmed
		if i%2 == 0 {
			to = domain.OrderStatusCancelled
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.TransitionStatus(ctx, "order-1", domain.OrderStatusPending, to)
			if err == nil && ok {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners)
}
