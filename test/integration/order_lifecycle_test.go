package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	memorybus "github.com/vladislavdragonenkov/fulfillment/internal/messaging/memory"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/inventory"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/orders"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/outbox"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/saga"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/timeline"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
)

// OrderLifecycleTestSuite гоняет заказ через весь конвейер в памяти:
// сервис заказов -> outbox -> шина -> сага -> склад -> outbox -> таймлайн.
type OrderLifecycleTestSuite struct {
	suite.Suite
	service  *orders.Service
	store    domain.OrderStore
	outbox   *memory.OutboxRepository
	timeline domain.TimelineRepository
	sim      *inventory.Simulator
	bus      *memorybus.Bus
	worker   *outbox.Worker
	faker    *gofakeit.Faker
}

func (suite *OrderLifecycleTestSuite) SetupTest() {
	suite.setup()
}

func (suite *OrderLifecycleTestSuite) setup(busOpts ...memorybus.Option) {
	baseLogger := log.New()
	baseLogger.SetLevel(log.WarnLevel)
	logger := baseLogger.WithField("component", "integration-test")

	suite.store = memory.NewOrderStore()
	suite.outbox = memory.NewOutboxRepository()
	suite.timeline = memory.NewTimelineRepository()
	suite.sim = inventory.NewSimulator()
	suite.faker = gofakeit.New(7)

	opts := append([]memorybus.Option{
		memorybus.WithWorkers(4),
		memorybus.WithRetryDelay(time.Millisecond),
		memorybus.WithLogger(logger),
	}, busOpts...)
	suite.bus = memorybus.NewBus(opts...)
	suite.T().Cleanup(func() { _ = suite.bus.Close(context.Background()) })

	publisher := outbox.NewPublisher(suite.outbox)
	orchestrator := saga.NewOrchestrator(suite.store, suite.sim, publisher, saga.WithLogger(logger))
	saga.NewDispatcher(orchestrator, 4, logger).Register(suite.bus)
	timeline.NewProjector(suite.timeline, nil, logger).Register(suite.bus)

	suite.worker = outbox.NewWorker(suite.outbox, outbox.NewBusRelay(suite.bus),
		outbox.WithLogger(logger),
		outbox.WithRetryBaseDelay(0),
	)
	suite.service = orders.NewService(suite.store, publisher,
		orders.WithLogger(logger),
		orders.WithTimeline(suite.timeline),
	)
}

func (suite *OrderLifecycleTestSuite) stock(id string, qty int) {
	suite.sim.Upsert(inventory.Product{ID: id, SKU: "SKU-" + id, PriceMinor: 1000, Stock: qty, Active: true})
}

func (suite *OrderLifecycleTestSuite) createOrder(items ...orders.ItemInput) domain.Order {
	order, err := suite.service.Create(context.Background(), orders.CreateOrderInput{
		UserID:   suite.faker.UUID(),
		Currency: "USD",
		Items:    items,
		ShippingInfo: orders.ShippingInput{
			Name:       suite.faker.Name(),
			Address:    suite.faker.Street(),
			City:       suite.faker.City(),
			PostalCode: suite.faker.Zip(),
			Country:    suite.faker.Country(),
		},
	})
	require.NoError(suite.T(), err)
	require.Equal(suite.T(), domain.OrderStatusPending, order.Status)
	return order
}

// drain перекладывает outbox в шину, пока сага и проектор не перестанут порождать события.
func (suite *OrderLifecycleTestSuite) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		suite.worker.ProcessOnce(ctx)
		require.NoError(suite.T(), suite.bus.Wait(ctx))

		stats, err := suite.outbox.Stats(ctx)
		require.NoError(suite.T(), err)
		if stats.PendingCount == 0 {
			return
		}
		require.NoError(suite.T(), ctx.Err(), "outbox did not drain")
	}
}

func (suite *OrderLifecycleTestSuite) status(orderID string) domain.OrderStatus {
	order, err := suite.service.Get(context.Background(), orderID)
	require.NoError(suite.T(), err)
	return order.Status
}

func (suite *OrderLifecycleTestSuite) eventTypes(orderID string) []string {
	events, err := suite.service.Timeline(context.Background(), orderID)
	require.NoError(suite.T(), err)
	types := make([]string, 0, len(events))
	for _, event := range events {
		types = append(types, event.Type)
	}
	return types
}

func item(productID string, qty int32) orders.ItemInput {
	return orders.ItemInput{ProductID: productID, SKU: "SKU-" + productID, Quantity: qty, UnitPrice: 1000}
}

func (suite *OrderLifecycleTestSuite) TestSuccessfulOrderLifecycle() {
	suite.stock("laptop", 3)
	suite.stock("mouse", 10)

	order := suite.createOrder(item("laptop", 1), item("mouse", 2))
	require.Equal(suite.T(), int64(3000), order.SubtotalMinor)

	suite.drain()

	require.Equal(suite.T(), domain.OrderStatusConfirmed, suite.status(order.ID))
	require.Equal(suite.T(), 2, suite.sim.Stock("laptop"))
	require.Equal(suite.T(), 8, suite.sim.Stock("mouse"))
	require.Equal(suite.T(), []string{
		string(domain.EventOrderCreated),
		string(domain.EventOrderStatusChanged),
	}, suite.eventTypes(order.ID))

	_, _, releases := suite.sim.Counts()
	require.Zero(suite.T(), releases, "confirmed order must not be compensated")
}

func (suite *OrderLifecycleTestSuite) TestInsufficientStockCancelsOrder() {
	suite.stock("laptop", 1)

	order := suite.createOrder(item("laptop", 2))
	suite.drain()

	require.Equal(suite.T(), domain.OrderStatusCancelled, suite.status(order.ID))
	require.Equal(suite.T(), 1, suite.sim.Stock("laptop"))

	events, err := suite.service.Timeline(context.Background(), order.ID)
	require.NoError(suite.T(), err)
	require.Len(suite.T(), events, 3)
	last := events[len(events)-1]
	require.Equal(suite.T(), string(domain.EventOrderCancelled), last.Type)
	require.NotEmpty(suite.T(), last.Reason)

	_, reserves, _ := suite.sim.Counts()
	require.Zero(suite.T(), reserves, "availability check must fail before any reservation")
}

func (suite *OrderLifecycleTestSuite) TestReservationFailureCompensatesEarlierItems() {
	suite.stock("laptop", 5)
	suite.stock("mouse", 5)
	suite.sim.ReserveErr["mouse"] = fmt.Errorf("%w: warehouse timeout", domain.ErrDependencyUnavailable)

	order := suite.createOrder(item("laptop", 2), item("mouse", 1))
	suite.drain()

	require.Equal(suite.T(), domain.OrderStatusCancelled, suite.status(order.ID))
	require.Equal(suite.T(), 5, suite.sim.Stock("laptop"), "reserved laptop must be released")
	require.Zero(suite.T(), suite.sim.Reserved(order.ID, "laptop"))

	releases := suite.sim.ReleaseLog()
	require.NotEmpty(suite.T(), releases)
	require.Equal(suite.T(), "laptop", releases[0].ProductID)
	require.Equal(suite.T(), order.ID, releases[0].OrderID)
}

func (suite *OrderLifecycleTestSuite) TestConcurrentOrdersNeverOversell() {
	const orderCount = 12
	suite.stock("console", 5)

	ids := make([]string, orderCount)
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 0; i < orderCount; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			order, err := suite.service.Create(context.Background(), orders.CreateOrderInput{
				UserID:   fmt.Sprintf("user-%d", i),
				Currency: "USD",
				Items:    []orders.ItemInput{item("console", 1)},
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ids[i] = order.ID
			}
		}(i)
	}
	wg.Wait()

	suite.drain()

	confirmed, cancelled := 0, 0
	for _, id := range ids {
		require.NotEmpty(suite.T(), id)
		switch suite.status(id) {
		case domain.OrderStatusConfirmed:
			confirmed++
		case domain.OrderStatusCancelled:
			cancelled++
		default:
			suite.T().Fatalf("order %s left pending", id)
		}
	}
	require.Equal(suite.T(), 5, confirmed)
	require.Equal(suite.T(), orderCount-5, cancelled)
	require.Zero(suite.T(), suite.sim.Stock("console"))
}

func (suite *OrderLifecycleTestSuite) TestDuplicateDeliveriesAreIdempotent() {
	suite.setup(memorybus.WithDuplicates(3))
	suite.stock("laptop", 10)

	order := suite.createOrder(item("laptop", 4))
	suite.drain()

	require.Equal(suite.T(), domain.OrderStatusConfirmed, suite.status(order.ID))
	require.Equal(suite.T(), 6, suite.sim.Stock("laptop"))
	require.Equal(suite.T(), []string{
		string(domain.EventOrderCreated),
		string(domain.EventOrderStatusChanged),
	}, suite.eventTypes(order.ID), "timeline must deduplicate redelivered events")
	require.Empty(suite.T(), suite.bus.DeadLetters())
}

func (suite *OrderLifecycleTestSuite) TestUnknownOrder() {
	_, err := suite.service.Get(context.Background(), "missing")
	require.ErrorIs(suite.T(), err, domain.ErrOrderNotFound)
}

func (suite *OrderLifecycleTestSuite) TestInvalidOrderIsRejectedBeforeSaga() {
	_, err := suite.service.Create(context.Background(), orders.CreateOrderInput{UserID: "user-1", Currency: "USD"})
	require.Error(suite.T(), err)

	var vErr *domain.ValidationError
	require.ErrorAs(suite.T(), err, &vErr)

	stats, err := suite.outbox.Stats(context.Background())
	require.NoError(suite.T(), err)
	require.Zero(suite.T(), stats.PendingCount)
}

func TestOrderLifecycle(t *testing.T) {
	suite.Run(t, new(OrderLifecycleTestSuite))
}
