package saga

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	memorybus "github.com/vladislavdragonenkov/fulfillment/internal/messaging/memory"
)

func TestDispatcher_DuplicateDeliveriesResolveOnce(t *testing.T) {
	f := newFixture(t, product("p-1", 50))
	bus := memorybus.NewBus(
		memorybus.WithWorkers(4),
		memorybus.WithDuplicates(2),
		memorybus.WithRetryDelay(time.Millisecond),
	)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })

	NewDispatcher(f.saga, 4, quietLogger()).Register(bus)

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		id := seedOrder(t, f.store, item("p-1", 2))
		ids = append(ids, id)
		order, err := f.store.Get(context.Background(), id)
		require.NoError(t, err)
		require.NoError(t, bus.Publish(context.Background(), domain.NewOrderCreated(order, order.CreatedAt)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, bus.Wait(ctx))

	for _, id := range ids {
		mustStatus(t, f.store, id, domain.OrderStatusConfirmed)
	}
	assert.Len(t, f.publisher.all(), len(ids), "one terminal event per order")
	assert.Equal(t, 40, f.sim.Stock("p-1"))
	assert.Empty(t, bus.DeadLetters())
}

func TestDispatcher_RedeliversOnPublishFailure(t *testing.T) {
	f := newFixture(t, product("p-1", 5))
	failing := &flakyPublisher{inner: f.publisher, failures: 1}
	s := NewOrchestrator(f.store, f.sim, failing, WithLogger(quietLogger()))

	bus := memorybus.NewBus(memorybus.WithRetryDelay(time.Millisecond))
	t.Cleanup(func() { _ = bus.Close(context.Background()) })
	NewDispatcher(s, 1, quietLogger()).Register(bus)

	id := seedOrder(t, f.store, item("p-1", 1))
	require.NoError(t, bus.Publish(context.Background(), domain.Event{ID: "evt-1", Type: domain.EventOrderCreated, OrderID: id}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, bus.Wait(ctx))

	// Статус уже записан, повтор видит решённый заказ и ничего не делает.
	mustStatus(t, f.store, id, domain.OrderStatusConfirmed)
	assert.Empty(t, bus.DeadLetters())
	_, reserves, _ := f.sim.Counts()
	assert.Equal(t, 1, reserves)
}

func TestDispatcher_HonoursContext(t *testing.T) {
	f := newFixture(t)
	d := NewDispatcher(f.saga, 1, quietLogger())

	// Занимаем единственный слот.
	require.NoError(t, d.sem.Acquire(context.Background(), 1))
	defer d.sem.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := d.Handle(ctx, domain.Event{Type: domain.EventOrderCreated, OrderID: "order-1"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDispatcher_ReleasesOrderLocks(t *testing.T) {
	f := newFixture(t, product("p-1", 5))
	d := NewDispatcher(f.saga, 2, quietLogger())
	id := seedOrder(t, f.store, item("p-1", 1))

	require.NoError(t, d.Handle(context.Background(), domain.Event{Type: domain.EventOrderCreated, OrderID: id}))

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Empty(t, d.locks)
}

type flakyPublisher struct {
	inner    domain.EventPublisher
	failures int
}

func (p *flakyPublisher) Publish(ctx context.Context, event domain.Event) error {
	if p.failures > 0 {
		p.failures--
		return fmt.Errorf("publish %s: transient failure", event.Type)
	}
	return p.inner.Publish(ctx, event)
}
