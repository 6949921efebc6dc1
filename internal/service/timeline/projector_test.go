package timeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	memorybus "github.com/vladislavdragonenkov/fulfillment/internal/messaging/memory"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
)

func TestProjector_RecordsAllEventTypesOnce(t *testing.T) {
	repo := memory.NewTimelineRepository()
	reg := prometheus.NewRegistry()
	projector := NewProjector(repo, metrics.NewSagaMetricsWithRegisterer(reg), nil)

	bus := memorybus.NewBus(memorybus.WithDuplicates(1), memorybus.WithRetryDelay(time.Millisecond))
	t.Cleanup(func() { _ = bus.Close(context.Background()) })
	projector.Register(bus)

	order := domain.Order{
		ID:        "order-1",
		Items:     []domain.OrderItem{{ProductID: "p-1", SKU: "SKU-1", Qty: 1, PriceMinor: 100}},
		CreatedAt: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	clock := domain.NewEventClock(nil)
	events := []domain.Event{
		domain.NewOrderCreated(order, order.CreatedAt),
		domain.NewOrderStatusChanged(order, domain.OrderStatusPending, domain.OrderStatusCancelled, "insufficient stock", clock.Next(order.ID, order.CreatedAt)),
	}
	events = append(events, domain.NewOrderCancelled(order, "insufficient stock", clock.Next(order.ID, events[1].OccurredAt)))

	for _, event := range events {
		require.NoError(t, bus.Publish(context.Background(), event))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, bus.Wait(ctx))

	got, err := repo.List(context.Background(), order.ID)
	require.NoError(t, err)
	require.Len(t, got, 3, "duplicate deliveries must not duplicate timeline entries")
	assert.Equal(t, string(domain.EventOrderCreated), got[0].Type)
	assert.Equal(t, string(domain.EventOrderStatusChanged), got[1].Type)
	assert.Equal(t, string(domain.EventOrderCancelled), got[2].Type)
	assert.Equal(t, "insufficient stock", got[2].Reason)

	// Каждая доставка, включая дубли, проходит через Handle.
	expected := `
# HELP fulfillment_timeline_events_total Total number of timeline events recorded
# TYPE fulfillment_timeline_events_total counter
fulfillment_timeline_events_total 6
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "fulfillment_timeline_events_total"))
}

func TestProjector_AppendErrorIsReturned(t *testing.T) {
	projector := NewProjector(failingRepo{}, nil, nil)
	err := projector.Handle(context.Background(), domain.Event{ID: "evt-1", Type: domain.EventOrderCreated, OrderID: "order-1"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "evt-1"))
}

type failingRepo struct{}

func (failingRepo) Append(context.Context, domain.TimelineEvent) error {
	return errors.New("disk full")
}

func (failingRepo) List(context.Context, string) ([]domain.TimelineEvent, error) {
	return nil, nil
}
