// Package memory содержит in-process шину событий с доставкой at-least-once.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// ErrBusClosed возвращается Publish после Close.
var ErrBusClosed = errors.New("event bus is closed")

const (
	defaultWorkers        = 8
	defaultQueueSize      = 256
	defaultMaxDeliveries  = 5
	defaultRetryDelay     = 50 * time.Millisecond
	defaultHandlerTimeout = 30 * time.Second

	maxRetryFactor = 64
)

// DeadLetter описывает доставку, исчерпавшую попытки.
type DeadLetter struct {
	Event    domain.Event
	Attempts int
	Err      error
}

type delivery struct {
	event   domain.Event
	handler domain.EventHandler
	attempt int
	// backoff хранит паузы между повторами этой доставки.
	backoff backoff.BackOff
}

// Bus реализует domain.EventBus в памяти процесса. Каждый подписчик получает
// событие независимо, ошибка обработчика ведёт к повторной доставке.
type Bus struct {
	logger         *log.Entry
	workers        int
	maxDeliveries  int
	retryDelay     time.Duration
	handlerTimeout time.Duration
	duplicates     int

	queue    chan delivery
	stop     chan struct{}
	root     context.Context
	cancel   context.CancelFunc
	closed   atomic.Bool
	inflight sync.WaitGroup
	workerWG sync.WaitGroup
	stopOnce sync.Once

	mu       sync.RWMutex
	handlers map[domain.EventType][]domain.EventHandler

	deadMu sync.Mutex
	dead   []DeadLetter
}

// Option настраивает Bus.
type Option func(*Bus)

// WithLogger задаёт логгер шины.
func WithLogger(logger *log.Entry) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithWorkers задаёт число воркеров доставки.
func WithWorkers(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.workers = n
		}
	}
}

// WithMaxDeliveries ограничивает число попыток доставки одному обработчику.
func WithMaxDeliveries(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxDeliveries = n
		}
	}
}

// WithRetryDelay задаёт базовую паузу перед повторной доставкой.
func WithRetryDelay(d time.Duration) Option {
	return func(b *Bus) {
		if d >= 0 {
			b.retryDelay = d
		}
	}
}

// WithHandlerTimeout ограничивает время одного вызова обработчика.
func WithHandlerTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.handlerTimeout = d
		}
	}
}

// WithDuplicates доставляет каждое событие n дополнительных раз.
// Нужен для проверки идемпотентности подписчиков.
func WithDuplicates(n int) Option {
	return func(b *Bus) {
		if n >= 0 {
			b.duplicates = n
		}
	}
}

// NewBus создаёт шину и запускает воркеры доставки.
func NewBus(opts ...Option) *Bus {
	root, cancel := context.WithCancel(context.Background())
	b := &Bus{
		logger:         log.New().WithField("component", "memory-bus"),
		workers:        defaultWorkers,
		maxDeliveries:  defaultMaxDeliveries,
		retryDelay:     defaultRetryDelay,
		handlerTimeout: defaultHandlerTimeout,
		queue:          make(chan delivery, defaultQueueSize),
		stop:           make(chan struct{}),
		root:           root,
		cancel:         cancel,
		handlers:       make(map[domain.EventType][]domain.EventHandler),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.workerWG.Add(b.workers)
	for i := 0; i < b.workers; i++ {
		go b.worker()
	}
	return b
}

// Subscribe регистрирует обработчик. Несколько обработчиков одного типа получают событие каждый.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish ставит событие в очередь всем подписчикам его типа.
func (b *Bus) Publish(ctx context.Context, event domain.Event) error {
	if b.closed.Load() {
		return ErrBusClosed
	}

	b.mu.RLock()
	handlers := append([]domain.EventHandler(nil), b.handlers[event.Type]...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.WithFields(log.Fields{
			"event_type": event.Type,
			"order_id":   event.OrderID,
		}).Debug("no subscribers for event")
		return nil
	}

	for _, handler := range handlers {
		for copyIdx := 0; copyIdx <= b.duplicates; copyIdx++ {
			if err := b.enqueue(ctx, delivery{event: cloneEvent(event), handler: handler, attempt: 1}); err != nil {
				return fmt.Errorf("publish %s: %w", event.Type, err)
			}
		}
	}
	return nil
}

// Wait блокируется, пока не будут обработаны все доставки (включая повторы) или не истечёт ctx.
func (b *Bus) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close перестаёт принимать события, дожидается текущих доставок и останавливает воркеры.
func (b *Bus) Close(ctx context.Context) error {
	b.closed.Store(true)
	err := b.Wait(ctx)

	b.stopOnce.Do(func() {
		close(b.stop)
		b.cancel()
	})
	b.workerWG.Wait()
	return err
}

// DeadLetters возвращает доставки, исчерпавшие попытки.
func (b *Bus) DeadLetters() []DeadLetter {
	b.deadMu.Lock()
	defer b.deadMu.Unlock()
	return append([]DeadLetter(nil), b.dead...)
}

func (b *Bus) enqueue(ctx context.Context, d delivery) error {
	b.inflight.Add(1)
	select {
	case b.queue <- d:
		return nil
	case <-ctx.Done():
		b.inflight.Done()
		return ctx.Err()
	case <-b.stop:
		b.inflight.Done()
		return ErrBusClosed
	}
}

func (b *Bus) worker() {
	defer b.workerWG.Done()
	for {
		select {
		case <-b.stop:
			return
		case d := <-b.queue:
			b.deliver(d)
		}
	}
}

func (b *Bus) deliver(d delivery) {
	defer b.inflight.Done()

	err := b.invoke(d)
	if err == nil {
		return
	}

	entry := b.logger.WithError(err).WithFields(log.Fields{
		"event_type": d.event.Type,
		"order_id":   d.event.OrderID,
		"attempt":    d.attempt,
	})

	if d.attempt >= b.maxDeliveries {
		entry.Error("event delivery exhausted")
		b.deadMu.Lock()
		b.dead = append(b.dead, DeadLetter{Event: d.event, Attempts: d.attempt, Err: err})
		b.deadMu.Unlock()
		return
	}

	entry.Warn("event delivery failed, will redeliver")
	next := d
	next.attempt++
	if next.backoff == nil {
		next.backoff = b.retryBackoff()
	}
	delay := next.backoff.NextBackOff()

	// Повтор учитывается в inflight до постановки в очередь, чтобы Wait не завершился раньше.
	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-b.stop:
			return
		}
		if err := b.enqueue(b.root, next); err != nil {
			entry.WithError(err).Warn("redelivery dropped")
		}
	}()
}

// retryBackoff возвращает паузы retryDelay, 2*retryDelay, 4*retryDelay... с потолком maxRetryFactor*retryDelay.
func (b *Bus) retryBackoff() backoff.BackOff {
	if b.retryDelay <= 0 {
		return &backoff.ZeroBackOff{}
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = b.retryDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = maxRetryFactor * b.retryDelay
	exp.MaxElapsedTime = 0
	exp.Reset()
	return exp
}

func (b *Bus) invoke(d delivery) (err error) {
	ctx, cancel := context.WithTimeout(b.root, b.handlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return d.handler(ctx, d.event)
}

func cloneEvent(event domain.Event) domain.Event {
	event.Items = append([]domain.EventItem(nil), event.Items...)
	return event
}

var _ domain.EventBus = (*Bus)(nil)
