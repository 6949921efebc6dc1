package saga

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const defaultMaxParallel = 8

// Dispatcher запускает сагу на каждое доставленное OrderCreated.
// Разные заказы обрабатываются параллельно, не больше maxParallel одновременно;
// доставки одного заказа выполняются по очереди.
type Dispatcher struct {
	saga   *Orchestrator
	sem    *semaphore.Weighted
	logger *log.Entry

	mu    sync.Mutex
	locks map[string]*orderLock
}

type orderLock struct {
	mu   sync.Mutex
	refs int
}

// NewDispatcher создаёт диспетчер. maxParallel <= 0 заменяется значением по умолчанию.
func NewDispatcher(saga *Orchestrator, maxParallel int, logger *log.Entry) *Dispatcher {
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallel
	}
	if logger == nil {
		logger = log.New().WithField("component", "saga-dispatcher")
	}
	return &Dispatcher{
		saga:   saga,
		sem:    semaphore.NewWeighted(int64(maxParallel)),
		logger: logger,
		locks:  make(map[string]*orderLock),
	}
}

// Register подписывает диспетчер на OrderCreated.
func (d *Dispatcher) Register(bus domain.EventBus) {
	bus.Subscribe(domain.EventOrderCreated, d.Handle)
}

// Handle реализует domain.EventHandler.
func (d *Dispatcher) Handle(ctx context.Context, event domain.Event) error {
	if event.Type != domain.EventOrderCreated {
		return nil
	}
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.sem.Release(1)

	unlock := d.lock(event.OrderID)
	defer unlock()

	d.logger.WithFields(log.Fields{
		"order_id": event.OrderID,
		"event_id": event.ID,
	}).Debug("dispatching saga")
	return d.saga.Handle(ctx, event)
}

func (d *Dispatcher) lock(orderID string) func() {
	d.mu.Lock()
	l, ok := d.locks[orderID]
	if !ok {
		l = &orderLock{}
		d.locks[orderID] = l
	}
	l.refs++
	d.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		d.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.locks, orderID)
		}
		d.mu.Unlock()
	}
}
