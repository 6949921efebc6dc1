package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/tracing"
)

// Причины отмены заказа, попадают в события и timeline.
const (
	ReasonInsufficientStock     = "insufficient stock"
	ReasonReservationFailed     = "reservation failed"
	ReasonStockDepleted         = "stock depleted concurrently"
	ReasonDependencyUnavailable = "dependency unavailable"
)

// Outcome описывает итог одного запуска саги.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeSkipped — заказ уже не Pending, повторная доставка.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeConflict — CAS проиграл параллельному запуску.
	OutcomeConflict Outcome = "conflict"
)

// Result описывает, чем закончился запуск.
type Result struct {
	OrderID  string
	Outcome  Outcome
	Kind     domain.SagaErrorKind
	Reason   string
	Attempts []domain.ReservationAttempt
}

// Option настраивает Orchestrator.
type Option func(*Orchestrator)

// WithLogger задаёт logger саги.
func WithLogger(logger *log.Entry) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics задаёт метрики саги. Без опции метрики не пишутся.
func WithMetrics(m *metrics.SagaMetrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithClock задаёт часы событий.
func WithClock(clock *domain.EventClock) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithTracer задаёт трейсер.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// Orchestrator исполняет сагу резервирования: Check → Reserve → Confirm,
// с компенсацией через Release и отменой при любом сбое.
// Статус заказа меняется только через OrderStore.TransitionStatus.
type Orchestrator struct {
	orders    domain.OrderStore
	inventory domain.InventoryClient
	events    domain.EventPublisher
	logger    *log.Entry
	metrics   *metrics.SagaMetrics
	clock     *domain.EventClock
	tracer    trace.Tracer
}

// NewOrchestrator создаёт сагу.
func NewOrchestrator(
	orders domain.OrderStore,
	inventory domain.InventoryClient,
	events domain.EventPublisher,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		orders:    orders,
		inventory: inventory,
		events:    events,
		logger:    log.New().WithField("component", "saga"),
		clock:     domain.NewEventClock(nil),
		tracer:    tracing.Tracer(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Handle обрабатывает OrderCreated из шины. Возвращает ошибку только при сбое
// хранилища или публикации, чтобы шина доставила событие повторно.
func (o *Orchestrator) Handle(ctx context.Context, event domain.Event) error {
	if event.Type != domain.EventOrderCreated {
		return nil
	}
	_, err := o.Run(ctx, event.OrderID)
	return err
}

// Run выполняет сагу для заказа. Повторный запуск для решённого заказа ничего не делает.
func (o *Orchestrator) Run(ctx context.Context, orderID string) (Result, error) {
	start := time.Now()
	o.metrics.RecordSagaStarted()
	defer func() { o.metrics.RecordSagaFinished(time.Since(start)) }()

	ctx, span := o.tracer.Start(ctx, "saga.Run", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	logger := o.logger.WithField("order_id", orderID)

	res, err := o.run(ctx, logger, orderID)
	span.SetAttributes(attribute.String("saga.outcome", string(res.Outcome)))
	if res.Kind != "" {
		span.SetAttributes(attribute.String("saga.error_kind", string(res.Kind)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.WithError(err).Error("saga run failed")
	}
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, logger *log.Entry, orderID string) (Result, error) {
	res := Result{OrderID: orderID}

	order, err := o.orders.Get(ctx, orderID)
	if errors.Is(err, domain.ErrOrderNotFound) {
		// Повтор не поможет: заказа нет.
		logger.Warn("order not found for saga")
		res.Outcome = OutcomeSkipped
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("load order %s: %w", orderID, err)
	}

	if order.Status != domain.OrderStatusPending {
		logger.WithField("status", order.Status).Debug("order already resolved, skipping saga")
		o.metrics.RecordSagaSkipped()
		res.Outcome = OutcomeSkipped
		return res, nil
	}

	if sagaErr := o.checkAvailability(ctx, logger, order); sagaErr != nil {
		return o.cancel(ctx, logger, order, res, sagaErr)
	}

	attempts, sagaErr := o.reserve(ctx, logger, order)
	res.Attempts = attempts
	if sagaErr != nil {
		o.compensate(ctx, logger, order.ID, attempts)
		return o.cancel(ctx, logger, order, res, sagaErr)
	}

	return o.confirm(ctx, logger, order, res)
}

// checkAvailability проверяет позиции в порядке заказа и останавливается на первой недоступной.
func (o *Orchestrator) checkAvailability(ctx context.Context, logger *log.Entry, order domain.Order) *domain.SagaError {
	defer o.observeStep(domain.SagaStepCheck, time.Now())

	for _, item := range order.Items {
		ok, err := o.inventory.CheckAvailability(ctx, item.ProductID, item.Qty)
		if err != nil {
			logger.WithError(err).WithField("product_id", item.ProductID).Warn("availability check failed")
			return &domain.SagaError{
				Kind:   classifyInventoryError(err),
				Reason: ReasonDependencyUnavailable,
				Err:    err,
			}
		}
		if !ok {
			logger.WithField("product_id", item.ProductID).Info("insufficient stock")
			return &domain.SagaError{
				Kind:   domain.SagaErrorInsufficientStock,
				Reason: ReasonInsufficientStock,
				Err:    domain.ErrInsufficientStock,
			}
		}
	}
	return nil
}

// reserve резервирует позиции последовательно. При первом отказе или ошибке
// остальные позиции не трогаются; уже сделанные попытки возвращаются для компенсации.
func (o *Orchestrator) reserve(ctx context.Context, logger *log.Entry, order domain.Order) ([]domain.ReservationAttempt, *domain.SagaError) {
	defer o.observeStep(domain.SagaStepReserve, time.Now())

	attempts := make([]domain.ReservationAttempt, 0, len(order.Items))
	for _, item := range order.Items {
		accepted, remaining, err := o.inventory.Reserve(ctx, order.ID, item.ProductID, item.Qty)
		attempt := domain.ReservationAttempt{Item: item, Remaining: remaining, Err: err}

		switch {
		case err != nil && errors.Is(err, domain.ErrUnknownOutcome):
			attempt.Outcome = domain.ReservationUnknown
		case err != nil:
			attempt.Outcome = domain.ReservationFailed
		case !accepted:
			attempt.Outcome = domain.ReservationRejected
		default:
			attempt.Outcome = domain.ReservationAccepted
		}
		attempts = append(attempts, attempt)

		fields := log.Fields{"product_id": item.ProductID, "qty": item.Qty, "outcome": attempt.Outcome}
		switch attempt.Outcome {
		case domain.ReservationAccepted:
			logger.WithFields(fields).WithField("remaining", remaining).Debug("item reserved")
			continue
		case domain.ReservationRejected:
			logger.WithFields(fields).Info("reservation rejected")
			return attempts, &domain.SagaError{
				Kind:   domain.SagaErrorInsufficientStock,
				Reason: ReasonStockDepleted,
				Err:    domain.ErrInsufficientStock,
			}
		default:
			logger.WithFields(fields).WithError(err).Warn("reservation failed")
			return attempts, &domain.SagaError{
				Kind:   classifyInventoryError(err),
				Reason: ReasonReservationFailed,
				Err:    err,
			}
		}
	}
	return attempts, nil
}

// compensate снимает резервы, сделанные этим запуском. Ошибки Release логируются
// и не мешают отмене заказа.
func (o *Orchestrator) compensate(ctx context.Context, logger *log.Entry, orderID string, attempts []domain.ReservationAttempt) {
	defer o.observeStep(domain.SagaStepRelease, time.Now())

	for _, attempt := range attempts {
		if !attempt.NeedsRelease() {
			continue
		}
		item := attempt.Item
		err := o.inventory.Release(ctx, orderID, item.ProductID, item.Qty)
		o.metrics.RecordCompensation(err == nil)
		if err != nil {
			logger.WithError(err).WithFields(log.Fields{
				"product_id": item.ProductID,
				"qty":        item.Qty,
			}).Error("compensation failed, stock may stay reserved")
			continue
		}
		logger.WithFields(log.Fields{
			"product_id": item.ProductID,
			"qty":        item.Qty,
		}).Debug("reservation released")
	}
}

func (o *Orchestrator) cancel(ctx context.Context, logger *log.Entry, order domain.Order, res Result, sagaErr *domain.SagaError) (Result, error) {
	defer o.observeStep(domain.SagaStepCancel, time.Now())

	res.Kind = sagaErr.Kind
	res.Reason = sagaErr.Reason

	ok, err := o.orders.TransitionStatus(ctx, order.ID, domain.OrderStatusPending, domain.OrderStatusCancelled)
	if err != nil {
		return res, fmt.Errorf("cancel order %s: %w", order.ID, err)
	}
	if !ok {
		logger.Info("order resolved concurrently, cancel skipped")
		o.metrics.RecordCASConflict("cancel")
		res.Outcome = OutcomeConflict
		res.Kind = domain.SagaErrorConcurrentStateConflict
		return res, nil
	}

	res.Outcome = OutcomeCancelled
	o.metrics.RecordSagaCancelled(string(sagaErr.Kind))
	logger.WithFields(log.Fields{
		"reason": sagaErr.Reason,
		"kind":   sagaErr.Kind,
	}).Info("order cancelled")

	changed := domain.NewOrderStatusChanged(order, domain.OrderStatusPending, domain.OrderStatusCancelled, sagaErr.Reason, o.clock.Next(order.ID, order.CreatedAt))
	cancelled := domain.NewOrderCancelled(order, sagaErr.Reason, o.clock.Next(order.ID, changed.OccurredAt))
	defer o.clock.Forget(order.ID)

	if err := o.publish(ctx, changed, cancelled); err != nil {
		return res, err
	}
	return res, nil
}

func (o *Orchestrator) confirm(ctx context.Context, logger *log.Entry, order domain.Order, res Result) (Result, error) {
	defer o.observeStep(domain.SagaStepConfirm, time.Now())

	ok, err := o.orders.TransitionStatus(ctx, order.ID, domain.OrderStatusPending, domain.OrderStatusConfirmed)
	if err != nil {
		// Резервы не снимаются: при повторе склад узнает их по orderId.
		return res, fmt.Errorf("confirm order %s: %w", order.ID, err)
	}
	if !ok {
		o.metrics.RecordCASConflict("confirm")
		res.Outcome = OutcomeConflict
		res.Kind = domain.SagaErrorConcurrentStateConflict

		// Склад ведёт резервы по orderId: если победитель подтвердил заказ,
		// эти резервы принадлежат ему и снимать их нельзя. Снимаем только
		// после того, как увидели отмену.
		current, err := o.orders.Get(ctx, order.ID)
		if err != nil {
			return res, fmt.Errorf("reload order %s after confirm conflict: %w", order.ID, err)
		}
		switch current.Status {
		case domain.OrderStatusConfirmed:
			logger.Info("order confirmed concurrently, reservations kept")
			return res, nil
		case domain.OrderStatusCancelled:
			logger.Warn("order cancelled concurrently, releasing reservations")
			o.compensate(ctx, logger, order.ID, res.Attempts)
			return res, nil
		default:
			return res, fmt.Errorf("order %s in status %q after confirm conflict: %w", order.ID, current.Status, domain.ErrInvalidTransition)
		}
	}

	res.Outcome = OutcomeConfirmed
	o.metrics.RecordSagaConfirmed()
	logger.Info("order confirmed")

	changed := domain.NewOrderStatusChanged(order, domain.OrderStatusPending, domain.OrderStatusConfirmed, "", o.clock.Next(order.ID, order.CreatedAt))
	defer o.clock.Forget(order.ID)

	if err := o.publish(ctx, changed); err != nil {
		return res, err
	}
	return res, nil
}

func (o *Orchestrator) publish(ctx context.Context, events ...domain.Event) error {
	for _, event := range events {
		if err := o.events.Publish(ctx, event); err != nil {
			return fmt.Errorf("publish %s for order %s: %w", event.Type, event.OrderID, err)
		}
		o.metrics.RecordOutboxEvent()
	}
	return nil
}

func (o *Orchestrator) observeStep(step domain.SagaStep, start time.Time) {
	o.metrics.RecordStepDuration(string(step), time.Since(start))
}

func classifyInventoryError(err error) domain.SagaErrorKind {
	switch {
	case domain.IsDependencyUnavailable(err):
		return domain.SagaErrorDependencyUnavailable
	case errors.Is(err, domain.ErrProductNotFound):
		return domain.SagaErrorInsufficientStock
	default:
		return domain.SagaErrorUnknown
	}
}
